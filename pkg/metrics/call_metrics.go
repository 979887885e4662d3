package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call metrics for monitoring call lifecycle and signaling health
var (
	// Lifecycle metrics
	CallInitiatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_initiated_total",
		Help: "Total number of calls initiated",
	}, []string{"call_type"})

	CallStateTransitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_state_transition_total",
		Help: "Total number of orchestrator state transitions",
	}, []string{"state"})

	CallEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_ended_total",
		Help: "Total number of calls reaching a terminal status",
	}, []string{"status"})

	CallDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_duration_seconds",
		Help:    "Duration of connected calls",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	CallRingTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_ring_timeout_total",
		Help: "Total number of calls marked missed by the ring timeout",
	})

	CallBusyRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_busy_rejected_total",
		Help: "Total number of initiations rejected because the callee was busy",
	})

	// Signaling metrics
	SignalSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_signal_sent_total",
		Help: "Total number of signaling envelopes sent",
	}, []string{"type"})

	SignalReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_signal_received_total",
		Help: "Total number of signaling envelopes dispatched to handlers",
	}, []string{"type"})

	SignalDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_signal_dropped_total",
		Help: "Total number of envelopes dropped (self-sent, malformed, channel closed)",
	}, []string{"reason"})

	ReadyRetryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_ready_retry_total",
		Help: "Total number of ready-handshake attempts sent by callees",
	})

	OfferResendTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_offer_resend_total",
		Help: "Total number of stored offers resent in response to a ready envelope",
	})

	// Ownership metrics
	InstanceTakeoverTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_instance_takeover_total",
		Help: "Total number of stale ownership registrations superseded",
	})

	InstanceDeferredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_instance_deferred_total",
		Help: "Total number of duplicate orchestrator instances that deferred to an existing owner",
	})

	// Media metrics
	ConnectionQualityLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "call_connection_quality_level",
		Help: "Current discretized connection quality (4=excellent .. 0=bad)",
	}, []string{"call_id"})
)
