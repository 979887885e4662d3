// Package peer wraps the media-transport primitive behind capability
// interfaces and exposes the session-negotiation surface the orchestrator
// drives. Any primitive implementing the interfaces is substitutable; the
// default is the Pion adapter in webrtc.go.
package peer

import (
	"context"
	"time"
)

// SignalingState tracks negotiation progress, independent of connectivity.
type SignalingState int

const (
	SignalingStateStable SignalingState = iota
	SignalingStateHaveLocalOffer
	SignalingStateHaveRemoteOffer
	SignalingStateClosed
)

func (s SignalingState) String() string {
	switch s {
	case SignalingStateStable:
		return "stable"
	case SignalingStateHaveLocalOffer:
		return "have-local-offer"
	case SignalingStateHaveRemoteOffer:
		return "have-remote-offer"
	case SignalingStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionState is the media-path connectivity state.
type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Description is a session description exchanged during negotiation.
// Type is "offer" or "answer".
type Description struct {
	Type string
	SDP  string
}

// MediaTransport creates local media and negotiation sessions.
type MediaTransport interface {
	GetLocalMedia(ctx context.Context, withVideo bool) (LocalStream, error)
	CreateSession(ctx context.Context, iceServers []string, stream LocalStream) (MediaSession, error)
}

// MediaSession is one peer connection's negotiation surface.
type MediaSession interface {
	CreateOffer(ctx context.Context) (Description, error)
	CreateAnswer(ctx context.Context) (Description, error)
	SetLocalDescription(ctx context.Context, desc Description) error
	SetRemoteDescription(ctx context.Context, desc Description) error
	AddICECandidate(candidate string) error
	SignalingState() SignalingState
	OnConnectionStateChange(fn func(ConnectionState))
	OnICECandidate(fn func(candidate string))

	// RoundTripTime reports the current media-path RTT, or an error when
	// no measurement is available yet.
	RoundTripTime(ctx context.Context) (time.Duration, error)

	Close() error
}

// LocalStream is the local capture surface: mic, camera, audio route.
type LocalStream interface {
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error

	// SwitchCamera flips between front and back cameras and reports
	// whether the front camera is now active.
	SwitchCamera() (frontFacing bool, err error)

	SetSpeakerphone(on bool) error
	Close() error
}
