// Package relay delivers mailbox messages to the local peer exactly once,
// in log order.
package relay

import (
	"github.com/roomdrop/roomdrop/internal/signal"
)

// Select picks the messages localID should dispatch from a slice of log
// entries: addressed to it (directly or broadcast), not sent by it, and
// not already marked processed by it. It returns the selected messages in
// log order together with the advanced cursor (the highest sequence seen,
// selected or not). Select is pure so it is testable without timers or a
// store.
func Select(msgs []signal.Message, localID string, cursor int64) ([]signal.Message, int64) {
	var selected []signal.Message
	for _, msg := range msgs {
		if msg.Seq > cursor {
			cursor = msg.Seq
		}
		if msg.From == localID || !msg.AddressedTo(localID) {
			continue
		}
		if msg.ProcessedByPeer(localID) {
			continue
		}
		selected = append(selected, msg)
	}
	return selected, cursor
}
