package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus is the lifecycle state of a call record.
type CallStatus string

const (
	CallStatusInitiating CallStatus = "initiating"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusConnecting CallStatus = "connecting"
	CallStatusConnected  CallStatus = "connected"
	CallStatusEnded      CallStatus = "ended"
	CallStatusDeclined   CallStatus = "declined"
	CallStatusCancelled  CallStatus = "cancelled"
	CallStatusMissed     CallStatus = "missed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusBusy       CallStatus = "busy"
)

// IsTerminal reports whether the status is a final state of the call record.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusDeclined, CallStatusCancelled,
		CallStatusMissed, CallStatusFailed, CallStatusBusy:
		return true
	}
	return false
}

// CallType represents type of call
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Call represents a video/audio call entity. Calls are a historical record:
// rows are created on initiation, mutated through status transitions and
// never deleted.
type Call struct {
	CallID         uuid.UUID  `json:"call_id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	CallerID       uuid.UUID  `json:"caller_id"`
	CallType       CallType   `json:"call_type"` // audio, video
	Status         CallStatus `json:"status"`
	RingStartedAt  time.Time  `json:"ring_started_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	EndReason      string     `json:"end_reason,omitempty"`
	Duration       int        `json:"duration,omitempty"` // in seconds
}

// ParticipantRole distinguishes who placed the call.
type ParticipantRole string

const (
	RoleCaller ParticipantRole = "caller"
	RoleCallee ParticipantRole = "callee"
)

// ParticipantStatus is the per-user state within a call.
type ParticipantStatus string

const (
	ParticipantInvited      ParticipantStatus = "invited"
	ParticipantRinging      ParticipantStatus = "ringing"
	ParticipantConnecting   ParticipantStatus = "connecting"
	ParticipantConnected    ParticipantStatus = "connected"
	ParticipantDeclined     ParticipantStatus = "declined"
	ParticipantDisconnected ParticipantStatus = "disconnected"
)

// CallParticipant represents a participant in a call. A 1:1 call has exactly
// two rows: one caller, one callee.
type CallParticipant struct {
	CallID         uuid.UUID         `json:"call_id"`
	UserID         uuid.UUID         `json:"user_id"`
	Role           ParticipantRole   `json:"role"`
	Status         ParticipantStatus `json:"status"`
	IsMuted        bool              `json:"is_muted"`
	IsSpeakerOn    bool              `json:"is_speaker_on"`
	IsVideoEnabled bool              `json:"is_video_enabled"`
	DeviceType     string            `json:"device_type,omitempty"`
	JoinedAt       *time.Time        `json:"joined_at,omitempty"`
	LeftAt         *time.Time        `json:"left_at,omitempty"`
}

// CallEventType identifies an entry in the call audit log.
type CallEventType string

const (
	EventCallInitiated CallEventType = "initiated"
	EventCallRinging   CallEventType = "ringing"
	EventCallAnswered  CallEventType = "answered"
	EventCallConnected CallEventType = "connected"
	EventCallDeclined  CallEventType = "declined"
	EventCallCancelled CallEventType = "cancelled"
	EventCallMissed    CallEventType = "missed"
	EventCallEnded     CallEventType = "ended"
	EventCallFailed    CallEventType = "failed"
	EventMuteToggled   CallEventType = "mute_toggled"
	EventVideoToggled  CallEventType = "video_toggled"
	EventCameraFlipped CallEventType = "camera_flipped"
)

// CallEvent is an append-only audit entry recording a call transition.
type CallEvent struct {
	EventID   uuid.UUID         `json:"event_id"`
	CallID    uuid.UUID         `json:"call_id"`
	UserID    uuid.UUID         `json:"user_id"`
	EventType CallEventType     `json:"event_type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
