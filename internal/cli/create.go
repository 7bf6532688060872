package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a room and wait for peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		client, store, err := newClient(log)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		roomID, err := client.CreateRoom(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Room created. Share this id with peers:\n\n  %s\n\n", roomID)

		return runRoom(client, log)
	},
}
