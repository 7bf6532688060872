// Package webrtc implements the transport contract on pion WebRTC data
// channels.
package webrtc

import (
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/roomdrop/roomdrop/internal/transport"
)

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: defaultSTUNServers},
		},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}

type Factory struct {
	config webrtc.Configuration
	log    *logrus.Logger
}

func NewFactory(config webrtc.Configuration, log *logrus.Logger) *Factory {
	return &Factory{config: config, log: log}
}

func (f *Factory) NewConn(peerID string, initiator bool) (transport.Conn, error) {
	return newConn(peerID, f.config, initiator, f.log)
}

var _ transport.Factory = (*Factory)(nil)
