// Package call implements the durable side of the call lifecycle: the call
// record and its transitions, busy detection, the ring timeout, incoming-call
// notification, and history queries.
package call

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jennie369/crypto-pattern-scanner-sub017/internal/domain"
	"github.com/jennie369/crypto-pattern-scanner-sub017/internal/signaling"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/config"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/constants"
	apperrors "github.com/jennie369/crypto-pattern-scanner-sub017/pkg/errors"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/logger"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/metrics"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/push"
)

// Repository is the persistence surface the service drives. Implemented by
// the CockroachDB repository; tests substitute a mock.
type Repository interface {
	Create(ctx context.Context, call *domain.Call, participants []*domain.CallParticipant) error
	UpdateStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error
	MarkConnected(ctx context.Context, callID uuid.UUID, startedAt time.Time) error
	Complete(ctx context.Context, callID uuid.UUID, status domain.CallStatus, reason string) (int, error)
	MarkMissedIfRinging(ctx context.Context, callID uuid.UUID) (bool, error)
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
	GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error)
	UpdateParticipantStatus(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus) error
	UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, isMuted, isSpeakerOn, isVideoEnabled bool) error
	HasActiveParticipant(ctx context.Context, userID uuid.UUID) (bool, error)
	AppendEvent(ctx context.Context, event *domain.CallEvent) error
}

// Notifier delivers push notifications for calls.
type Notifier interface {
	SendIncomingCall(ctx context.Context, data *push.IncomingCallData, calleeID uuid.UUID) error
	SendMissedCall(ctx context.Context, callID uuid.UUID, callerName string, calleeID uuid.UUID) error
}

// Service manages call records and their lifecycle transitions. The
// in-memory orchestrator is the source of truth for an active call; this
// service is the durable log behind it, so most write failures after
// initiation are logged and swallowed rather than surfaced.
type Service struct {
	repo      Repository
	notifier  Notifier
	transport signaling.Transport
	cfg       config.CallConfig
	log       *zap.Logger

	mu           sync.Mutex
	activeCallID uuid.UUID
	hasActive    bool
	ringTimers   map[uuid.UUID]*time.Timer
}

// NewService creates a call lifecycle service.
func NewService(repo Repository, notifier Notifier, transport signaling.Transport, cfg config.CallConfig) *Service {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = constants.DefaultRingTimeout
	}
	return &Service{
		repo:       repo,
		notifier:   notifier,
		transport:  transport,
		cfg:        cfg,
		log:        logger.Component("call"),
		ringTimers: make(map[uuid.UUID]*time.Timer),
	}
}

// InitiateInput contains call initiation data.
type InitiateInput struct {
	ConversationID uuid.UUID
	CallerID       uuid.UUID
	CalleeID       uuid.UUID
	CallType       domain.CallType
	CallerName     string
	CallerAvatar   string
	DeviceType     string
}

// Initiate starts a new call: busy and local-active checks, call and
// participant rows, incoming notification, push delivery, ring timer.
// Unlike later transitions, a failed insert here is fatal: the call record
// is the product of this operation.
func (s *Service) Initiate(ctx context.Context, input *InitiateInput) (*domain.Call, error) {
	s.mu.Lock()
	if s.hasActive {
		s.mu.Unlock()
		return nil, apperrors.CallActiveError()
	}
	s.mu.Unlock()

	busy, err := s.repo.HasActiveParticipant(ctx, input.CalleeID)
	if err != nil {
		// Busy detection is best-effort: a failed read must not block
		// the call, the callee device will send busy itself if needed.
		s.log.Warn("Busy check failed, proceeding",
			zap.String("callee_id", input.CalleeID.String()),
			zap.Error(err))
	} else if busy {
		metrics.CallBusyRejectedTotal.Inc()
		return nil, apperrors.BusyError()
	}

	now := time.Now()
	call := &domain.Call{
		CallID:         uuid.New(),
		ConversationID: input.ConversationID,
		CallerID:       input.CallerID,
		CallType:       input.CallType,
		Status:         domain.CallStatusRinging,
		RingStartedAt:  now,
	}
	participants := []*domain.CallParticipant{
		{
			CallID:     call.CallID,
			UserID:     input.CallerID,
			Role:       domain.RoleCaller,
			Status:     domain.ParticipantConnecting,
			DeviceType: input.DeviceType,
		},
		{
			CallID: call.CallID,
			UserID: input.CalleeID,
			Role:   domain.RoleCallee,
			Status: domain.ParticipantRinging,
		},
	}

	if err := s.repo.Create(ctx, call, participants); err != nil {
		return nil, apperrors.StorePersistError(err)
	}

	s.appendEvent(ctx, call.CallID, input.CallerID, domain.EventCallInitiated, map[string]string{
		"call_type": string(call.CallType),
	})
	metrics.CallInitiatedTotal.WithLabelValues(string(call.CallType)).Inc()

	s.publishIncoming(ctx, call, input.CalleeID)

	if s.notifier != nil {
		if err := s.notifier.SendIncomingCall(ctx, &push.IncomingCallData{
			CallID:         call.CallID,
			ConversationID: call.ConversationID,
			CallerID:       input.CallerID,
			CallerName:     input.CallerName,
			CallerAvatar:   input.CallerAvatar,
			CallType:       call.CallType,
		}, input.CalleeID); err != nil {
			s.log.Warn("Failed to send incoming-call push",
				zap.String("call_id", call.CallID.String()),
				zap.Error(err))
		}
	}

	s.startRingTimer(call.CallID, input.CallerID, input.CalleeID, input.CallerName)

	s.mu.Lock()
	s.hasActive = true
	s.activeCallID = call.CallID
	s.mu.Unlock()

	s.log.Info("Call initiated",
		zap.String("call_id", call.CallID.String()),
		zap.String("call_type", string(call.CallType)))

	return call, nil
}

// Answer transitions the callee to connecting. The call itself stays short
// of connected until the media transport confirms: persistence records real
// connectivity, not intent.
func (s *Service) Answer(ctx context.Context, callID, userID uuid.UUID) {
	s.mu.Lock()
	s.hasActive = true
	s.activeCallID = callID
	s.mu.Unlock()

	s.persist(ctx, callID, "answer participant", func() error {
		return s.repo.UpdateParticipantStatus(ctx, callID, userID, domain.ParticipantConnecting)
	})
	s.persist(ctx, callID, "answer status", func() error {
		return s.repo.UpdateStatus(ctx, callID, domain.CallStatusConnecting)
	})
	s.appendEvent(ctx, callID, userID, domain.EventCallAnswered, nil)
	metrics.CallStateTransitionTotal.WithLabelValues("connecting").Inc()
}

// MarkConnected records a confirmed media connection: cancels the ring
// timer, stamps the call start, marks the participant connected.
func (s *Service) MarkConnected(ctx context.Context, callID, userID uuid.UUID) {
	s.cancelRingTimer(callID)

	s.persist(ctx, callID, "mark connected", func() error {
		return s.repo.MarkConnected(ctx, callID, time.Now())
	})
	s.persist(ctx, callID, "participant connected", func() error {
		return s.repo.UpdateParticipantStatus(ctx, callID, userID, domain.ParticipantConnected)
	})
	s.appendEvent(ctx, callID, userID, domain.EventCallConnected, nil)
	metrics.CallStateTransitionTotal.WithLabelValues("connected").Inc()
}

// Decline records the callee rejecting a ringing call.
func (s *Service) Decline(ctx context.Context, callID, userID uuid.UUID) {
	s.terminate(ctx, callID, userID, domain.CallStatusDeclined, constants.EndReasonDeclined, domain.EventCallDeclined)
	s.persist(ctx, callID, "participant declined", func() error {
		return s.repo.UpdateParticipantStatus(ctx, callID, userID, domain.ParticipantDeclined)
	})
}

// Cancel records the caller abandoning a call before it was answered.
func (s *Service) Cancel(ctx context.Context, callID, userID uuid.UUID) {
	s.terminate(ctx, callID, userID, domain.CallStatusCancelled, constants.EndReasonCancelled, domain.EventCallCancelled)
}

// End records a normal hang-up and returns the call duration in seconds.
// Zero duration means the call had already been completed by the other
// side's transition; only the first completion counts.
func (s *Service) End(ctx context.Context, callID, userID uuid.UUID, reason string) int {
	s.cancelRingTimer(callID)
	s.clearActive(callID)

	duration, err := s.repo.Complete(ctx, callID, domain.CallStatusEnded, reason)
	if err != nil {
		s.log.Warn("Failed to persist call end",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return 0
	}
	if duration > 0 {
		metrics.CallDurationSeconds.Observe(float64(duration))
	}
	metrics.CallEndedTotal.WithLabelValues(string(domain.CallStatusEnded)).Inc()

	s.appendEvent(ctx, callID, userID, domain.EventCallEnded, map[string]string{
		"reason":   reason,
		"duration": strconv.Itoa(duration),
	})

	s.log.Info("Call ended",
		zap.String("call_id", callID.String()),
		zap.String("reason", reason),
		zap.Int("duration_seconds", duration))

	return duration
}

// MarkFailed records a call that never reached or lost connectivity.
func (s *Service) MarkFailed(ctx context.Context, callID, userID uuid.UUID, reason string) {
	s.terminate(ctx, callID, userID, domain.CallStatusFailed, reason, domain.EventCallFailed)
}

// ToggleMute persists the local mute flag. The live media effect belongs to
// the peer session; this is the durable record only.
func (s *Service) ToggleMute(ctx context.Context, callID, userID uuid.UUID, muted bool) {
	s.updateMedia(ctx, callID, userID, domain.EventMuteToggled, func(p *domain.CallParticipant) {
		p.IsMuted = muted
	})
}

// ToggleSpeaker persists the speakerphone flag.
func (s *Service) ToggleSpeaker(ctx context.Context, callID, userID uuid.UUID, on bool) {
	s.updateMedia(ctx, callID, userID, "", func(p *domain.CallParticipant) {
		p.IsSpeakerOn = on
	})
}

// ToggleVideo persists the video-enabled flag.
func (s *Service) ToggleVideo(ctx context.Context, callID, userID uuid.UUID, enabled bool) {
	s.updateMedia(ctx, callID, userID, domain.EventVideoToggled, func(p *domain.CallParticipant) {
		p.IsVideoEnabled = enabled
	})
}

// GetCall resolves a single call record.
func (s *Service) GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	call, err := s.repo.GetByID(ctx, callID)
	if err != nil {
		return nil, apperrors.CallNotFoundError()
	}
	return call, nil
}

// GetHistory returns the user's call history, newest first.
func (s *Service) GetHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	if limit <= 0 {
		limit = constants.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.GetUserCalls(ctx, userID, limit, offset)
}

// SubscribeIncoming watches the user's incoming topic and invokes callback
// for each new ringing call. The call is re-resolved from the store and
// dropped unless still ringing, closing the race where it was cancelled
// between insert and notification.
func (s *Service) SubscribeIncoming(ctx context.Context, userID uuid.UUID, callback func(*domain.Call)) (context.CancelFunc, error) {
	msgs, cancel, err := s.transport.Subscribe(ctx, signaling.IncomingTopic(userID))
	if err != nil {
		return nil, apperrors.ChannelError(err)
	}

	go func() {
		for payload := range msgs {
			var notice domain.IncomingCallNotice
			if err := json.Unmarshal(payload, &notice); err != nil {
				s.log.Warn("Malformed incoming-call notice", zap.Error(err))
				continue
			}

			call, err := s.repo.GetByID(ctx, notice.CallID)
			if err != nil {
				s.log.Warn("Failed to resolve incoming call",
					zap.String("call_id", notice.CallID.String()),
					zap.Error(err))
				continue
			}
			if call.Status != domain.CallStatusRinging {
				s.log.Debug("Dropping stale incoming notice",
					zap.String("call_id", call.CallID.String()),
					zap.String("status", string(call.Status)))
				continue
			}

			s.mu.Lock()
			busyHere := s.hasActive && s.activeCallID != call.CallID
			s.mu.Unlock()
			if busyHere {
				s.rejectBusy(ctx, call, userID)
				continue
			}

			callback(call)
		}
	}()

	return cancel, nil
}

// rejectBusy answers an incoming call with a busy signal because this device
// is already on another call. This is the authoritative busy answer behind
// the caller's best-effort initiation check.
func (s *Service) rejectBusy(ctx context.Context, call *domain.Call, userID uuid.UUID) {
	env := &domain.SignalEnvelope{
		Type:      domain.SignalBusy,
		CallID:    call.CallID,
		SenderID:  userID,
		Reason:    constants.EndReasonBusy,
		Timestamp: time.Now(),
	}
	data, err := domain.EncodeSignal(env)
	if err != nil {
		s.log.Warn("Failed to encode busy envelope", zap.Error(err))
	} else if err := s.transport.Publish(ctx, signaling.CallTopic(call.CallID), data); err != nil {
		s.log.Warn("Failed to publish busy envelope",
			zap.String("call_id", call.CallID.String()),
			zap.Error(err))
	}

	s.persist(ctx, call.CallID, "busy transition", func() error {
		_, err := s.repo.Complete(ctx, call.CallID, domain.CallStatusBusy, constants.EndReasonBusy)
		return err
	})
	s.appendEvent(ctx, call.CallID, userID, domain.EventCallDeclined, map[string]string{
		"reason": constants.EndReasonBusy,
	})
	metrics.CallEndedTotal.WithLabelValues(string(domain.CallStatusBusy)).Inc()

	s.log.Info("Rejected incoming call while busy",
		zap.String("call_id", call.CallID.String()))
}

// Detach releases local active-call tracking for a call whose terminal store
// transition belongs to the other side. No store write happens here.
func (s *Service) Detach(ctx context.Context, callID uuid.UUID) {
	s.cancelRingTimer(callID)
	s.clearActive(callID)
}

// FlipCamera records a camera flip in the call's audit log. The flip itself
// happens in the media layer.
func (s *Service) FlipCamera(ctx context.Context, callID, userID uuid.UUID, frontFacing bool) {
	s.appendEvent(ctx, callID, userID, domain.EventCameraFlipped, map[string]string{
		"front_facing": strconv.FormatBool(frontFacing),
	})
}

// ActiveCallID reports the call this process currently considers active.
func (s *Service) ActiveCallID() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCallID, s.hasActive
}

func (s *Service) terminate(ctx context.Context, callID, userID uuid.UUID, status domain.CallStatus, reason string, event domain.CallEventType) {
	s.cancelRingTimer(callID)
	s.clearActive(callID)

	s.persist(ctx, callID, "terminal transition", func() error {
		_, err := s.repo.Complete(ctx, callID, status, reason)
		return err
	})
	s.appendEvent(ctx, callID, userID, event, map[string]string{"reason": reason})
	metrics.CallEndedTotal.WithLabelValues(string(status)).Inc()
}

// startRingTimer arms the missed-call timeout. The transition runs as a
// conditional update so it fires at most once and never after an earlier
// connect or terminal transition.
func (s *Service) startRingTimer(callID, callerID, calleeID uuid.UUID, callerName string) {
	timer := time.AfterFunc(s.cfg.RingTimeout, func() {
		ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelCtx()

		missed, err := s.repo.MarkMissedIfRinging(ctx, callID)
		if err != nil {
			s.log.Warn("Ring timeout transition failed",
				zap.String("call_id", callID.String()),
				zap.Error(err))
			return
		}
		if !missed {
			return
		}

		metrics.CallRingTimeoutTotal.Inc()
		metrics.CallEndedTotal.WithLabelValues(string(domain.CallStatusMissed)).Inc()
		s.appendEvent(ctx, callID, callerID, domain.EventCallMissed, nil)
		s.clearActive(callID)

		// Both sides may still hold a live session on this call. An end
		// envelope on the call topic converges them through the normal
		// remote-end teardown.
		s.publishEnd(ctx, callID, constants.EndReasonMissed)

		if s.notifier != nil {
			if err := s.notifier.SendMissedCall(ctx, callID, callerName, calleeID); err != nil {
				s.log.Warn("Failed to send missed-call push",
					zap.String("call_id", callID.String()),
					zap.Error(err))
			}
		}

		s.log.Info("Call marked missed after ring timeout",
			zap.String("call_id", callID.String()))
	})

	s.mu.Lock()
	s.ringTimers[callID] = timer
	s.mu.Unlock()
}

func (s *Service) cancelRingTimer(callID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.ringTimers[callID]; ok {
		timer.Stop()
		delete(s.ringTimers, callID)
	}
}

func (s *Service) clearActive(callID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasActive && s.activeCallID == callID {
		s.hasActive = false
		s.activeCallID = uuid.Nil
	}
}

func (s *Service) updateMedia(ctx context.Context, callID, userID uuid.UUID, event domain.CallEventType, mutate func(*domain.CallParticipant)) {
	participants, err := s.repo.GetParticipants(ctx, callID)
	if err != nil {
		s.log.Warn("Failed to load participants for media toggle",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return
	}

	for _, p := range participants {
		if p.UserID != userID {
			continue
		}
		mutate(p)
		s.persist(ctx, callID, "media flags", func() error {
			return s.repo.UpdateParticipantMedia(ctx, callID, userID, p.IsMuted, p.IsSpeakerOn, p.IsVideoEnabled)
		})
		if event != "" {
			s.appendEvent(ctx, callID, userID, event, map[string]string{
				"is_muted":         strconv.FormatBool(p.IsMuted),
				"is_video_enabled": strconv.FormatBool(p.IsVideoEnabled),
			})
		}
		return
	}

	s.log.Warn("Media toggle for unknown participant",
		zap.String("call_id", callID.String()),
		zap.String("user_id", userID.String()))
}

func (s *Service) publishIncoming(ctx context.Context, call *domain.Call, calleeID uuid.UUID) {
	notice := domain.IncomingCallNotice{
		Type:           "incoming_call",
		CallID:         call.CallID,
		ConversationID: call.ConversationID,
		CallerID:       call.CallerID,
		CallType:       call.CallType,
		Timestamp:      time.Now(),
	}
	data, err := json.Marshal(&notice)
	if err != nil {
		s.log.Warn("Failed to marshal incoming notice", zap.Error(err))
		return
	}
	if err := s.transport.Publish(ctx, signaling.IncomingTopic(calleeID), data); err != nil {
		s.log.Warn("Failed to publish incoming notice",
			zap.String("call_id", call.CallID.String()),
			zap.Error(err))
	}
}

// publishEnd broadcasts a terminal envelope on the call topic. The sender is
// left zero so neither party's self-filter drops it.
func (s *Service) publishEnd(ctx context.Context, callID uuid.UUID, reason string) {
	env := &domain.SignalEnvelope{
		Type:      domain.SignalEnd,
		CallID:    callID,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	data, err := domain.EncodeSignal(env)
	if err != nil {
		s.log.Warn("Failed to encode end envelope", zap.Error(err))
		return
	}
	if err := s.transport.Publish(ctx, signaling.CallTopic(callID), data); err != nil {
		s.log.Warn("Failed to publish end envelope",
			zap.String("call_id", callID.String()),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

// persist runs a store write under the lag-tolerant policy: the in-memory
// state machine stays authoritative, a failed write is logged and dropped.
func (s *Service) persist(ctx context.Context, callID uuid.UUID, what string, fn func() error) {
	if err := fn(); err != nil {
		s.log.Warn("Store write failed, continuing",
			zap.String("call_id", callID.String()),
			zap.String("write", what),
			zap.Error(err))
	}
}

func (s *Service) appendEvent(ctx context.Context, callID, userID uuid.UUID, eventType domain.CallEventType, metadata map[string]string) {
	event := &domain.CallEvent{
		EventID:   uuid.New(),
		CallID:    callID,
		UserID:    userID,
		EventType: eventType,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	if err := s.repo.AppendEvent(ctx, event); err != nil {
		s.log.Warn("Failed to append call event",
			zap.String("call_id", callID.String()),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}
