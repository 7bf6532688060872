package cli

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/roomdrop/roomdrop/internal/room"
)

// runRoom pumps room events until interrupted: announces peers, renders
// transfer progress, writes received files to the output directory and,
// when --send is set, offers that file to every peer that connects.
func runRoom(client *room.Client, log *logrus.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	events := client.Events()
	bars := make(map[string]*progressbar.ProgressBar)

	for {
		select {
		case <-sigCh:
			log.Info("shutting down...")
			return client.Disconnect()

		case ev := <-events.PeerConnected:
			log.Infof("peer connected: %s (%s)", ev.Name, ev.ID)
			if sendPath != "" {
				if _, err := client.SendFilePath(ev.ID, sendPath); err != nil {
					log.Warnf("failed to send %s to %s: %v", sendPath, ev.ID, err)
				}
			}

		case ev := <-events.PeerDisconnected:
			log.Infof("peer disconnected: %s", ev.ID)

		case ev := <-events.FileReceived:
			log.Infof("incoming file %q (%d bytes) from %s", ev.Transfer.Name, ev.Transfer.Size, ev.PeerID)

		case ev := <-events.TransferProgress:
			bar, exists := bars[ev.Transfer.ID]
			if !exists {
				bar = progressbar.DefaultBytes(ev.Transfer.Size, ev.Transfer.Name)
				bars[ev.Transfer.ID] = bar
			}
			_ = bar.Set64(ev.Transfer.BytesTransferred)

		case ev := <-events.TransferComplete:
			delete(bars, ev.Transfer.ID)
			if ev.Err != nil {
				log.Warnf("transfer %q failed: %v", ev.Transfer.Name, ev.Err)
				continue
			}
			if ev.Data == nil {
				log.Infof("sent %q to %s", ev.Transfer.Name, ev.PeerID)
				continue
			}
			path := filepath.Join(outDir, filepath.Base(ev.Transfer.Name))
			if err := os.WriteFile(path, ev.Data, 0644); err != nil {
				log.Errorf("failed to write %s: %v", path, err)
				continue
			}
			log.Infof("received %q -> %s", ev.Transfer.Name, path)
		}
	}
}
