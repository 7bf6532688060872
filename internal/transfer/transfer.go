// Package transfer moves files over an established channel: the sender
// splits a file into ordered chunks, the receiver reassembles them and
// reports progress. The protocol assumes the channel delivers messages
// in order and without loss; that channel mode is selected when the
// transport is negotiated.
package transfer

import (
	"errors"
)

// ChunkSize is the fixed payload size of one file-chunk message. Large
// enough to amortize per-message overhead, small enough to keep channel
// send buffers bounded.
const ChunkSize = 16 * 1024

// ErrTransferFailed wraps mid-stream send or assembly errors. The
// affected transfer is marked failed and its partial data discarded.
var ErrTransferFailed = errors.New("transfer failed")

type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusTransferring Status = "transferring"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Transfer tracks one file's end-to-end send or receive.
type Transfer struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Size             int64     `json:"size"`
	MimeType         string    `json:"mimeType,omitempty"`
	Direction        Direction `json:"direction"`
	Status           Status    `json:"status"`
	BytesTransferred int64     `json:"bytesTransferred"`
}

// Progress returns the completed percentage, clamped to [0,100]. An
// empty file is immediately 100.
func (t Transfer) Progress() float64 {
	if t.Size <= 0 {
		if t.Size == 0 {
			return 100
		}
		return 0
	}
	p := float64(t.BytesTransferred) / float64(t.Size) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// TotalChunks returns how many file-chunk messages a size-byte file
// produces.
func TotalChunks(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}
