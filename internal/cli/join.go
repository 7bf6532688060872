package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join an existing room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		client, store, err := newClient(log)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if err := client.JoinRoom(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Joined room %s as %q\n", args[0], client.DisplayName())

		return runRoom(client, log)
	},
}
