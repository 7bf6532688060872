// Package signal defines the messages peers exchange through a room's
// mailbox while they cannot yet talk directly.
package signal

import (
	"encoding/json"
	"fmt"
	"time"
)

// Broadcast addresses a message to every peer in the room.
const Broadcast = "broadcast"

type Type string

const (
	TypeJoin      Type = "join"
	TypeLeave     Type = "leave"
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "ice-candidate"
)

// Message is one entry in a room's append-only signaling log. Seq is
// assigned by the mailbox store and fixes the message's position in the
// log. ProcessedBy is multi-writer: every reader appends its own id
// independently, so stores must merge rather than overwrite it.
type Message struct {
	Seq         int64           `json:"seq,omitempty"`
	Type        Type            `json:"type"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Data        json.RawMessage `json:"data,omitempty"`
	FromName    string          `json:"fromName,omitempty"`
	Timestamp   int64           `json:"timestamp"`
	ProcessedBy []string        `json:"processedBy,omitempty"`
}

type JoinPayload struct {
	DisplayName string `json:"displayName,omitempty"`
}

type LeavePayload struct {
	Reason string `json:"reason,omitempty"`
}

type OfferPayload struct {
	SDP         string `json:"sdp"`
	DisplayName string `json:"displayName,omitempty"`
}

type AnswerPayload struct {
	SDP string `json:"sdp"`
}

type CandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

func NewJoin(from, displayName string) Message {
	return build(TypeJoin, from, Broadcast, displayName, JoinPayload{DisplayName: displayName})
}

func NewLeave(from string) Message {
	return build(TypeLeave, from, Broadcast, "", LeavePayload{})
}

func NewOffer(from, to, sdp, displayName string) Message {
	return build(TypeOffer, from, to, displayName, OfferPayload{SDP: sdp, DisplayName: displayName})
}

func NewAnswer(from, to, sdp string) Message {
	return build(TypeAnswer, from, to, "", AnswerPayload{SDP: sdp})
}

func NewCandidate(from, to string, payload CandidatePayload) Message {
	return build(TypeCandidate, from, to, "", payload)
}

func build(t Type, from, to, fromName string, payload any) Message {
	data, err := json.Marshal(payload)
	if err != nil {
		// All payload types are plain structs; this cannot fail at runtime.
		panic(fmt.Sprintf("signal: marshal %s payload: %v", t, err))
	}
	return Message{
		Type:      t,
		From:      from,
		To:        to,
		Data:      data,
		FromName:  fromName,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ProcessedByPeer reports whether peerID already dispatched this message.
func (m Message) ProcessedByPeer(peerID string) bool {
	for _, id := range m.ProcessedBy {
		if id == peerID {
			return true
		}
	}
	return false
}

// AddressedTo reports whether the message should be delivered to peerID.
func (m Message) AddressedTo(peerID string) bool {
	return m.To == peerID || m.To == Broadcast
}

func (m Message) Join() (JoinPayload, error) {
	var p JoinPayload
	return p, m.decode(TypeJoin, &p)
}

func (m Message) Leave() (LeavePayload, error) {
	var p LeavePayload
	return p, m.decode(TypeLeave, &p)
}

func (m Message) Offer() (OfferPayload, error) {
	var p OfferPayload
	if err := m.decode(TypeOffer, &p); err != nil {
		return p, err
	}
	if p.SDP == "" {
		return p, fmt.Errorf("offer from %s has empty sdp", m.From)
	}
	return p, nil
}

func (m Message) Answer() (AnswerPayload, error) {
	var p AnswerPayload
	if err := m.decode(TypeAnswer, &p); err != nil {
		return p, err
	}
	if p.SDP == "" {
		return p, fmt.Errorf("answer from %s has empty sdp", m.From)
	}
	return p, nil
}

func (m Message) Candidate() (CandidatePayload, error) {
	var p CandidatePayload
	if err := m.decode(TypeCandidate, &p); err != nil {
		return p, err
	}
	if p.Candidate == "" {
		return p, fmt.Errorf("ice-candidate from %s has empty candidate", m.From)
	}
	return p, nil
}

func (m Message) decode(want Type, into any) error {
	if m.Type != want {
		return fmt.Errorf("message is %q, not %q", m.Type, want)
	}
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, into); err != nil {
		return fmt.Errorf("malformed %s payload: %w", want, err)
	}
	return nil
}

// Validate checks that the message declares a known type, carries sender
// and recipient ids, and that its payload matches the declared type.
// Messages failing validation are quarantined by the relay, never
// dispatched.
func Validate(m Message) error {
	if m.From == "" {
		return fmt.Errorf("message has no sender")
	}
	if m.To == "" {
		return fmt.Errorf("message from %s has no recipient", m.From)
	}
	switch m.Type {
	case TypeJoin:
		_, err := m.Join()
		return err
	case TypeLeave:
		_, err := m.Leave()
		return err
	case TypeOffer:
		_, err := m.Offer()
		return err
	case TypeAnswer:
		_, err := m.Answer()
		return err
	case TypeCandidate:
		_, err := m.Candidate()
		return err
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
}
