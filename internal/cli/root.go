// Package cli wires the room client into cobra commands.
package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/roomdrop/roomdrop/internal/logger"
	"github.com/roomdrop/roomdrop/internal/mailbox"
	"github.com/roomdrop/roomdrop/internal/room"
	"github.com/roomdrop/roomdrop/internal/transport/webrtc"
)

var (
	storeTarget string
	displayName string
	sendPath    string
	outDir      string
)

var rootCmd = &cobra.Command{
	Use:  "roomdrop",
	Long: "roomdrop shares files directly between peers that meet in a room",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeTarget, "store", "roomdrop.sqlite3",
		"mailbox store: mem://, redis://host:port, or a sqlite path")
	rootCmd.PersistentFlags().StringVar(&displayName, "name", "",
		"display name shown to peers (default: hostname)")
	rootCmd.PersistentFlags().StringVar(&sendPath, "send", "",
		"file to send to every peer that connects")
	rootCmd.PersistentFlags().StringVar(&outDir, "out", ".",
		"directory received files are written to")
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(joinCmd)
}

func newClient(log *logrus.Logger) (*room.Client, mailbox.Store, error) {
	store, err := mailbox.Open(storeTarget, log)
	if err != nil {
		return nil, nil, err
	}

	client, err := room.NewClient(room.Config{
		Store:       store,
		Factory:     webrtc.NewFactory(webrtc.DefaultConfig(), log),
		DisplayName: displayName,
		Logger:      log,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return client, store, nil
}

func newLogger() *logrus.Logger {
	return logger.New()
}
