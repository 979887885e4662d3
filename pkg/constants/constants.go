// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Call lifecycle constants
const (
	// DefaultRingTimeout is how long an unanswered call rings before being
	// marked missed
	DefaultRingTimeout = 30 * time.Second

	// DefaultOfferGraceDelay is the pause between creating an offer and
	// sending it, giving the callee time to subscribe to the call channel
	DefaultOfferGraceDelay = 300 * time.Millisecond

	// DefaultReadyRetryInterval is the pause between ready-handshake resends
	DefaultReadyRetryInterval = 2 * time.Second

	// DefaultReadyRetryMax is the maximum number of ready-handshake attempts
	DefaultReadyRetryMax = 10

	// DefaultInstanceStaleAfter is how old an ownership registration must be
	// before a new orchestrator instance may take over the call
	DefaultInstanceStaleAfter = 5 * time.Second

	// DefaultReconnectThreshold is how long the app must have been
	// backgrounded before a foreground transition triggers channel recovery
	DefaultReconnectThreshold = 30 * time.Second

	// DefaultQualitySampleInterval is how often connection round-trip time
	// is sampled
	DefaultQualitySampleInterval = 3 * time.Second
)

// Signaling constants
const (
	// SubscribeTimeout bounds how long a channel subscribe waits for the
	// transport to confirm readiness
	SubscribeTimeout = 10 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout bounds a single WebSocket write
	WebSocketWriteTimeout = 10 * time.Second
)

// Connection quality thresholds. Round-trip times below each bound map to
// the corresponding level; anything above QualityPoorBelow is bad.
const (
	QualityExcellentBelow = 100 * time.Millisecond
	QualityGoodBelow      = 200 * time.Millisecond
	QualityFairBelow      = 350 * time.Millisecond
	QualityPoorBelow      = 500 * time.Millisecond
)

// End reason codes carried in end envelopes and call records
const (
	EndReasonHangup    = "hangup"
	EndReasonDeclined  = "declined"
	EndReasonCancelled = "cancelled"
	EndReasonMissed    = "missed"
	EndReasonBusy      = "busy"
	EndReasonFailed    = "failed"
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)
