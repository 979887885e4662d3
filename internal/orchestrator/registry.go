// Package orchestrator drives the per-call state machine: it composes the
// lifecycle service, the peer session, and the signaling channel into caller
// and callee negotiation flows, and enforces single-instance ownership of
// each call.
package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/constants"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/logger"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/metrics"
)

// RegisterResult is the outcome of a compare-and-register attempt.
type RegisterResult int

const (
	// Registered: no prior owner, the caller now owns the call.
	Registered RegisterResult = iota
	// TookOver: a stale registration was superseded.
	TookOver
	// Deferred: a fresh registration exists, the caller must not touch
	// the call.
	Deferred
)

type registration struct {
	instanceID   uuid.UUID
	registeredAt time.Time
}

// Registry enforces at most one orchestrator instance per call. Duplicate
// UI mounts create a second orchestrator milliseconds after the first;
// compare-and-register makes the second one defer instead of double-driving
// the negotiation.
type Registry struct {
	mu         sync.Mutex
	entries    map[uuid.UUID]registration
	staleAfter time.Duration
}

// NewRegistry creates a registry with the given staleness window. A
// registration older than the window is presumed abandoned (crashed screen,
// stuck navigation) and may be taken over.
func NewRegistry(staleAfter time.Duration) *Registry {
	if staleAfter <= 0 {
		staleAfter = constants.DefaultInstanceStaleAfter
	}
	return &Registry{
		entries:    make(map[uuid.UUID]registration),
		staleAfter: staleAfter,
	}
}

// Register attempts to claim ownership of callID for instanceID. The write
// happens before any asynchronous setup so a second instance created
// immediately after sees it.
func (r *Registry) Register(callID, instanceID uuid.UUID) RegisterResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[callID]
	if ok && existing.instanceID != instanceID {
		if time.Since(existing.registeredAt) < r.staleAfter {
			metrics.InstanceDeferredTotal.Inc()
			logger.Debug("Deferring to existing call owner",
				zap.String("call_id", callID.String()),
				zap.String("owner", existing.instanceID.String()))
			return Deferred
		}

		metrics.InstanceTakeoverTotal.Inc()
		logger.Info("Taking over stale call registration",
			zap.String("call_id", callID.String()),
			zap.String("stale_owner", existing.instanceID.String()))
		r.entries[callID] = registration{instanceID: instanceID, registeredAt: time.Now()}
		return TookOver
	}

	r.entries[callID] = registration{instanceID: instanceID, registeredAt: time.Now()}
	return Registered
}

// Release removes the registration if instanceID still owns it. Called
// synchronously on terminal transitions, before any awaited network work,
// so an immediately-started new call is never blocked by leftover state.
func (r *Registry) Release(callID, instanceID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[callID]; ok && existing.instanceID == instanceID {
		delete(r.entries, callID)
	}
}

// Owner reports the current owner of callID, if any.
func (r *Registry) Owner(callID uuid.UUID) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[callID]
	if !ok {
		return uuid.Nil, false
	}
	return existing.instanceID, true
}
