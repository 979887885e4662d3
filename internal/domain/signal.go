package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SignalType identifies a signaling envelope on the wire.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalICE       SignalType = "ice_candidate"
	SignalEnd       SignalType = "end"
	SignalMute      SignalType = "mute"
	SignalUnmute    SignalType = "unmute"
	SignalVideoOn   SignalType = "video_on"
	SignalVideoOff  SignalType = "video_off"
	SignalBusy      SignalType = "busy"
	SignalReady     SignalType = "ready"
	SignalReconnect SignalType = "reconnect"
)

// Valid reports whether t is one of the known wire types.
func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICE, SignalEnd, SignalMute,
		SignalUnmute, SignalVideoOn, SignalVideoOff, SignalBusy,
		SignalReady, SignalReconnect:
		return true
	}
	return false
}

// SignalEnvelope is a transient signaling message exchanged over a per-call
// channel. It is never persisted. Payload fields are type-specific: SDP for
// offer/answer, Candidate for ice_candidate, Reason for end/busy.
type SignalEnvelope struct {
	Type      SignalType `json:"type"`
	CallID    uuid.UUID  `json:"call_id"`
	SenderID  uuid.UUID  `json:"sender_id"`
	TargetID  uuid.UUID  `json:"target_id,omitempty"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// EncodeSignal marshals an envelope for transport.
func EncodeSignal(env *SignalEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeSignal unmarshals a wire payload and rejects unknown types early so
// handlers only ever see well-formed envelopes.
func DecodeSignal(payload []byte) (*SignalEnvelope, error) {
	var env SignalEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode signal envelope: %w", err)
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("unknown signal type %q", env.Type)
	}
	return &env, nil
}

// IncomingCallNotice is published on the per-user channel when a new ringing
// participant row is created for that user. It is independent of the
// per-call signaling channel.
type IncomingCallNotice struct {
	Type           string    `json:"type"` // always "incoming_call"
	CallID         uuid.UUID `json:"call_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	CallerID       uuid.UUID `json:"caller_id"`
	CallType       CallType  `json:"call_type"`
	Timestamp      time.Time `json:"timestamp"`
}
