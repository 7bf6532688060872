package signal

import (
	"encoding/json"
	"testing"
)

func TestNewOfferRoundTrip(t *testing.T) {
	msg := NewOffer("a", "b", "v=0 fake sdp", "alice")

	if msg.Type != TypeOffer {
		t.Errorf("expected type %q, got %q", TypeOffer, msg.Type)
	}
	if msg.From != "a" || msg.To != "b" {
		t.Errorf("unexpected addressing: from=%q to=%q", msg.From, msg.To)
	}
	if msg.Timestamp == 0 {
		t.Error("expected non-zero timestamp")
	}

	payload, err := msg.Offer()
	if err != nil {
		t.Fatalf("Offer failed: %v", err)
	}
	if payload.SDP != "v=0 fake sdp" {
		t.Errorf("expected sdp round trip, got %q", payload.SDP)
	}
	if payload.DisplayName != "alice" {
		t.Errorf("expected display name 'alice', got %q", payload.DisplayName)
	}
}

func TestJoinIsBroadcast(t *testing.T) {
	msg := NewJoin("a", "alice")
	if msg.To != Broadcast {
		t.Errorf("expected join addressed to broadcast, got %q", msg.To)
	}
	if !msg.AddressedTo("anyone") {
		t.Error("broadcast should address every peer")
	}
}

func TestAddressedTo(t *testing.T) {
	msg := NewAnswer("a", "b", "sdp")
	if !msg.AddressedTo("b") {
		t.Error("expected message addressed to b")
	}
	if msg.AddressedTo("c") {
		t.Error("directed message must not address other peers")
	}
}

func TestProcessedByPeer(t *testing.T) {
	msg := NewJoin("a", "")
	if msg.ProcessedByPeer("b") {
		t.Error("fresh message should not be processed")
	}
	msg.ProcessedBy = []string{"b", "c"}
	if !msg.ProcessedByPeer("b") {
		t.Error("expected processed by b")
	}
	if msg.ProcessedByPeer("d") {
		t.Error("d never processed the message")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"valid join", NewJoin("a", "alice"), false},
		{"valid leave", NewLeave("a"), false},
		{"valid offer", NewOffer("a", "b", "sdp", ""), false},
		{"valid answer", NewAnswer("a", "b", "sdp"), false},
		{"valid candidate", NewCandidate("a", "b", CandidatePayload{Candidate: "candidate:1"}), false},
		{"unknown type", Message{Type: "bogus", From: "a", To: "b"}, true},
		{"missing sender", Message{Type: TypeJoin, To: Broadcast}, true},
		{"missing recipient", Message{Type: TypeJoin, From: "a"}, true},
		{"offer without sdp", Message{Type: TypeOffer, From: "a", To: "b", Data: json.RawMessage(`{}`)}, true},
		{"answer without sdp", Message{Type: TypeAnswer, From: "a", To: "b", Data: json.RawMessage(`{}`)}, true},
		{"candidate without candidate", Message{Type: TypeCandidate, From: "a", To: "b", Data: json.RawMessage(`{}`)}, true},
		{"payload not json", Message{Type: TypeOffer, From: "a", To: "b", Data: json.RawMessage(`{{`)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.msg)
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestDecodeWrongType(t *testing.T) {
	msg := NewJoin("a", "alice")
	if _, err := msg.Offer(); err == nil {
		t.Error("expected error decoding join as offer")
	}
}
