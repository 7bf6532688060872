package transfer

import (
	"encoding/json"
	"fmt"
)

const (
	msgFileStart = "file-start"
	msgFileChunk = "file-chunk"
	msgFileEnd   = "file-end"
)

// controlMessage is the wire shape of every transfer message on the data
// channel. Bytes rides as base64 through JSON encoding.
type controlMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Seq      int64  `json:"seq,omitempty"`
	Bytes    []byte `json:"bytes,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

func encodeControl(msg controlMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	return data, nil
}

func decodeControl(data []byte) (controlMessage, error) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("malformed control message: %w", err)
	}
	if msg.ID == "" {
		return msg, fmt.Errorf("control message %q has no transfer id", msg.Type)
	}
	return msg, nil
}
