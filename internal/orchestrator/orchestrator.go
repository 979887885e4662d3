package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jennie369/crypto-pattern-scanner-sub017/internal/domain"
	"github.com/jennie369/crypto-pattern-scanner-sub017/internal/peer"
	callsvc "github.com/jennie369/crypto-pattern-scanner-sub017/internal/service/call"
	"github.com/jennie369/crypto-pattern-scanner-sub017/internal/signaling"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/config"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/constants"
	apperrors "github.com/jennie369/crypto-pattern-scanner-sub017/pkg/errors"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/logger"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/metrics"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/retry"
)

// State is the orchestrator's user-visible call state.
type State string

const (
	StateInitiating   State = "initiating"
	StateRinging      State = "ringing"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateBusy         State = "busy"
	StateEnded        State = "ended"
)

// Lifecycle is the durable-side surface the orchestrator drives.
// Implemented by the call service.
type Lifecycle interface {
	Initiate(ctx context.Context, input *callsvc.InitiateInput) (*domain.Call, error)
	Answer(ctx context.Context, callID, userID uuid.UUID)
	MarkConnected(ctx context.Context, callID, userID uuid.UUID)
	Decline(ctx context.Context, callID, userID uuid.UUID)
	Cancel(ctx context.Context, callID, userID uuid.UUID)
	End(ctx context.Context, callID, userID uuid.UUID, reason string) int
	MarkFailed(ctx context.Context, callID, userID uuid.UUID, reason string)
	Detach(ctx context.Context, callID uuid.UUID)
	ToggleMute(ctx context.Context, callID, userID uuid.UUID, muted bool)
	ToggleSpeaker(ctx context.Context, callID, userID uuid.UUID, on bool)
	ToggleVideo(ctx context.Context, callID, userID uuid.UUID, enabled bool)
	FlipCamera(ctx context.Context, callID, userID uuid.UUID, frontFacing bool)
}

// Deps are the collaborators shared across orchestrator instances.
type Deps struct {
	Registry   *Registry
	Lifecycle  Lifecycle
	Transport  signaling.Transport
	Media      peer.MediaTransport
	Config     config.CallConfig
	ICEServers []string
}

// event is the single unit the orchestrator's event loop consumes. Signaling
// envelopes, media connection-state changes, and app foreground/background
// transitions all flow through the same dispatch, in receipt order.
type event struct {
	signal     *domain.SignalEnvelope
	connState  *peer.ConnectionState
	foreground *bool
}

type teardownKind int

const (
	teardownEnd teardownKind = iota
	teardownCancel
	teardownDecline
	teardownRemote
	teardownFailed
	teardownBusy
)

// Orchestrator is one instance of the per-call state machine. At most one
// instance owns a given call at a time; instances that lose the ownership
// race perform no session setup.
type Orchestrator struct {
	deps       Deps
	instanceID uuid.UUID
	role       domain.ParticipantRole
	log        *zap.Logger

	selfID         uuid.UUID
	peerID         uuid.UUID
	callID         uuid.UUID
	conversationID uuid.UUID
	callType       domain.CallType
	callerName     string
	callerAvatar   string

	onStateChange func(State, error)
	onRemoteMedia func(muted, videoEnabled bool)
	onQuality     func(level peer.QualityLevel)

	ctx    context.Context
	events chan event
	done   chan struct{}

	mu             sync.Mutex
	state          State
	session        *peer.Session
	channel        *signaling.Channel
	offerBuf       *signaling.OfferBuffer
	storedOffer    string
	offerReceived  bool
	readyRetry     *retry.Handle
	remoteMuted    bool
	remoteVideo    bool
	backgroundedAt time.Time
	backgrounded   bool
	cleaned        bool
}

// CallerParams describe an outgoing call.
type CallerParams struct {
	SelfID         uuid.UUID
	CalleeID       uuid.UUID
	ConversationID uuid.UUID
	CallType       domain.CallType
	CallerName     string
	CallerAvatar   string
}

// NewCaller creates the orchestrator for an outgoing call. The call id is
// assigned during Start, once the call record exists.
func NewCaller(deps Deps, params CallerParams) *Orchestrator {
	o := newOrchestrator(deps, domain.RoleCaller)
	o.selfID = params.SelfID
	o.peerID = params.CalleeID
	o.conversationID = params.ConversationID
	o.callType = params.CallType
	o.callerName = params.CallerName
	o.callerAvatar = params.CallerAvatar
	return o
}

// NewCallee creates the orchestrator for answering an incoming call.
// offerBuf may hold an offer captured while the incoming-call screen was up;
// nil is fine.
func NewCallee(deps Deps, call *domain.Call, selfID uuid.UUID, offerBuf *signaling.OfferBuffer) *Orchestrator {
	o := newOrchestrator(deps, domain.RoleCallee)
	o.selfID = selfID
	o.peerID = call.CallerID
	o.callID = call.CallID
	o.conversationID = call.ConversationID
	o.callType = call.CallType
	o.offerBuf = offerBuf
	return o
}

func newOrchestrator(deps Deps, role domain.ParticipantRole) *Orchestrator {
	if deps.Config.OfferGraceDelay <= 0 {
		deps.Config.OfferGraceDelay = constants.DefaultOfferGraceDelay
	}
	if deps.Config.ReadyRetryInterval <= 0 {
		deps.Config.ReadyRetryInterval = constants.DefaultReadyRetryInterval
	}
	if deps.Config.ReadyRetryMax <= 0 {
		deps.Config.ReadyRetryMax = constants.DefaultReadyRetryMax
	}
	if deps.Config.ReconnectThreshold <= 0 {
		deps.Config.ReconnectThreshold = constants.DefaultReconnectThreshold
	}
	return &Orchestrator{
		deps:       deps,
		instanceID: uuid.New(),
		role:       role,
		state:      StateInitiating,
		events:     make(chan event, 64),
		done:       make(chan struct{}),
		log:        logger.Component("orchestrator"),
	}
}

// OnStateChange registers the UI state callback. Must be set before Start.
func (o *Orchestrator) OnStateChange(fn func(State, error)) { o.onStateChange = fn }

// OnRemoteMedia registers the callback for remote mute/video flag changes.
func (o *Orchestrator) OnRemoteMedia(fn func(muted, videoEnabled bool)) { o.onRemoteMedia = fn }

// OnQuality registers the connection-quality callback.
func (o *Orchestrator) OnQuality(fn func(peer.QualityLevel)) { o.onQuality = fn }

// State returns the current call state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// CallID returns the call this orchestrator drives (zero until a caller's
// Start has created the record).
func (o *Orchestrator) CallID() uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.callID
}

// InstanceID identifies this orchestrator in the ownership registry.
func (o *Orchestrator) InstanceID() uuid.UUID { return o.instanceID }

// Start runs the negotiation flow for this orchestrator's role. A Deferred
// ownership result returns STALE_INSTANCE and performs no setup; the UI
// treats it as "another screen is already on this call", not an error to
// show the user.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx = ctx
	if o.role == domain.RoleCaller {
		return o.startCaller(ctx)
	}
	return o.startCallee(ctx)
}

func (o *Orchestrator) startCaller(ctx context.Context) error {
	o.setState(StateInitiating, nil)

	call, err := o.deps.Lifecycle.Initiate(ctx, &callsvc.InitiateInput{
		ConversationID: o.conversationID,
		CallerID:       o.selfID,
		CalleeID:       o.peerID,
		CallType:       o.callType,
		CallerName:     o.callerName,
		CallerAvatar:   o.callerAvatar,
	})
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeBusy) {
			o.setState(StateBusy, err)
		} else {
			o.setState(StateFailed, err)
		}
		return err
	}

	o.mu.Lock()
	o.callID = call.CallID
	o.mu.Unlock()
	o.log = o.log.With(zap.String("call_id", call.CallID.String()))

	// Ownership is claimed before any asynchronous setup so a duplicate
	// mount created right after us sees the registration.
	if o.deps.Registry.Register(call.CallID, o.instanceID) == Deferred {
		o.markInert()
		return apperrors.StaleInstanceError()
	}

	go o.eventLoop()

	if err := o.setupSession(ctx); err != nil {
		o.teardown(teardownFailed, constants.EndReasonFailed, err)
		return err
	}
	if err := o.openChannel(ctx); err != nil {
		o.teardown(teardownFailed, constants.EndReasonFailed, err)
		return err
	}

	offer, err := o.sessionRef().CreateOffer(ctx)
	if err != nil {
		o.teardown(teardownFailed, constants.EndReasonFailed, err)
		return err
	}
	o.mu.Lock()
	o.storedOffer = offer
	o.mu.Unlock()

	o.setState(StateRinging, nil)

	// The channel does not buffer: an offer published before the callee
	// subscribes is gone. The grace delay gives a fast-answering callee
	// time to attach; the ready handshake covers everyone else.
	go func() {
		select {
		case <-time.After(o.deps.Config.OfferGraceDelay):
		case <-o.done:
			return
		}
		o.sendSignal(&domain.SignalEnvelope{
			Type:     domain.SignalOffer,
			TargetID: o.peerID,
			SDP:      offer,
		})
	}()

	return nil
}

func (o *Orchestrator) startCallee(ctx context.Context) error {
	o.log = o.log.With(zap.String("call_id", o.callID.String()))

	if o.deps.Registry.Register(o.callID, o.instanceID) == Deferred {
		o.markInert()
		return apperrors.StaleInstanceError()
	}

	go o.eventLoop()

	o.setState(StateRinging, nil)
	o.deps.Lifecycle.Answer(ctx, o.callID, o.selfID)

	if err := o.setupSession(ctx); err != nil {
		o.teardown(teardownFailed, constants.EndReasonFailed, err)
		return err
	}
	if err := o.openChannel(ctx); err != nil {
		o.teardown(teardownFailed, constants.EndReasonFailed, err)
		return err
	}

	// An offer may have arrived while the incoming-call screen was up,
	// before this channel existed. Consume it; otherwise ask the caller
	// to resend via the ready handshake.
	if o.offerBuf != nil {
		if offer, ok := o.offerBuf.Take(); ok {
			o.log.Debug("Consuming buffered early offer")
			o.consumeOffer(offer)
			return nil
		}
	}

	o.startReadyRetry()
	return nil
}

func (o *Orchestrator) setupSession(ctx context.Context) error {
	session := peer.NewSession(o.deps.Media, o.deps.ICEServers)

	if err := session.InitLocalMedia(ctx, o.callType == domain.CallTypeVideo); err != nil {
		return err
	}
	if err := session.CreateSession(ctx); err != nil {
		return err
	}

	session.OnConnectionStateChange(func(state peer.ConnectionState) {
		s := state
		o.post(event{connState: &s})
	})
	session.OnICECandidate(func(candidate string) {
		o.sendSignal(&domain.SignalEnvelope{
			Type:      domain.SignalICE,
			TargetID:  o.peerID,
			Candidate: candidate,
		})
	})

	o.mu.Lock()
	o.session = session
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) openChannel(ctx context.Context) error {
	ch, err := signaling.Open(ctx, o.deps.Transport, o.callID, o.selfID, func(env *domain.SignalEnvelope) {
		o.post(event{signal: env})
	})
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.channel = ch
	o.mu.Unlock()
	return nil
}

// eventLoop serializes every source of call events. Handlers for one call
// run in receipt order on this goroutine; there is no cross-handler
// concurrency inside an orchestrator instance.
func (o *Orchestrator) eventLoop() {
	for {
		select {
		case <-o.done:
			return
		case ev := <-o.events:
			o.handleEvent(ev)
		}
	}
}

func (o *Orchestrator) post(ev event) {
	select {
	case o.events <- ev:
	case <-o.done:
	}
}

func (o *Orchestrator) handleEvent(ev event) {
	switch {
	case ev.signal != nil:
		o.handleSignal(ev.signal)
	case ev.connState != nil:
		o.handleConnState(*ev.connState)
	case ev.foreground != nil:
		o.handleAppLifecycle(*ev.foreground)
	}
}

func (o *Orchestrator) handleSignal(env *domain.SignalEnvelope) {
	switch env.Type {
	case domain.SignalOffer:
		o.consumeOffer(env)

	case domain.SignalAnswer:
		if err := o.sessionRef().HandleAnswer(o.ctx, env.SDP); err != nil {
			o.log.Error("Failed to apply answer", zap.Error(err))
			o.teardown(teardownFailed, constants.EndReasonFailed, err)
			return
		}
		o.setState(StateConnecting, nil)

	case domain.SignalICE:
		o.sessionRef().AddCandidate(env.Candidate)

	case domain.SignalReady:
		o.handleReady(env)

	case domain.SignalEnd:
		reason := env.Reason
		if reason == "" {
			reason = constants.EndReasonHangup
		}
		// A missed-reason end means the ring timed out; the caller's UI
		// wants to know the difference from a deliberate hangup.
		var cause error
		if reason == constants.EndReasonMissed {
			cause = apperrors.RingTimeoutError()
		}
		o.log.Info("Remote peer ended the call", zap.String("reason", reason))
		o.teardown(teardownRemote, reason, cause)

	case domain.SignalBusy:
		o.teardown(teardownBusy, constants.EndReasonBusy, apperrors.BusyError())

	case domain.SignalMute, domain.SignalUnmute:
		o.mu.Lock()
		o.remoteMuted = env.Type == domain.SignalMute
		muted, video := o.remoteMuted, o.remoteVideo
		o.mu.Unlock()
		if o.onRemoteMedia != nil {
			o.onRemoteMedia(muted, video)
		}

	case domain.SignalVideoOn, domain.SignalVideoOff:
		o.mu.Lock()
		o.remoteVideo = env.Type == domain.SignalVideoOn
		muted, video := o.remoteMuted, o.remoteVideo
		o.mu.Unlock()
		if o.onRemoteMedia != nil {
			o.onRemoteMedia(muted, video)
		}

	case domain.SignalReconnect:
		// Peer recovered its channel; a caller with an unconsumed offer
		// gives it another delivery attempt.
		o.handleReady(env)
	}
}

// consumeOffer applies a remote offer and answers it. Duplicate offers from
// the ready-resend race are rejected by the session's stale-offer guard.
func (o *Orchestrator) consumeOffer(env *domain.SignalEnvelope) {
	o.mu.Lock()
	o.offerReceived = true
	handle := o.readyRetry
	o.mu.Unlock()
	if handle != nil {
		handle.Stop()
	}

	answer, ok, err := o.sessionRef().HandleOffer(o.ctx, env.SDP)
	if err != nil {
		o.log.Error("Failed to handle offer", zap.Error(err))
		o.teardown(teardownFailed, constants.EndReasonFailed, err)
		return
	}
	if !ok {
		return
	}

	o.sendSignal(&domain.SignalEnvelope{
		Type:     domain.SignalAnswer,
		TargetID: env.SenderID,
		SDP:      answer,
	})
	o.setState(StateConnecting, nil)
}

// handleReady resends the stored offer while negotiation has not completed.
// Once the session is negotiated the envelope is a no-op.
func (o *Orchestrator) handleReady(env *domain.SignalEnvelope) {
	o.mu.Lock()
	offer := o.storedOffer
	o.mu.Unlock()

	if offer == "" || o.sessionRef().Negotiated() {
		return
	}

	metrics.OfferResendTotal.Inc()
	o.log.Debug("Resending stored offer",
		zap.String("to", env.SenderID.String()))
	o.sendSignal(&domain.SignalEnvelope{
		Type:     domain.SignalOffer,
		TargetID: env.SenderID,
		SDP:      offer,
	})
}

// handleConnState reacts to media connectivity changes. The transport's
// connected callback is the sole source of truth for CONNECTED; applying an
// answer only ever reaches CONNECTING.
func (o *Orchestrator) handleConnState(state peer.ConnectionState) {
	switch state {
	case peer.ConnectionStateConnected:
		if o.State() == StateConnected {
			return
		}
		o.setState(StateConnected, nil)
		o.deps.Lifecycle.MarkConnected(o.ctx, o.callID, o.selfID)
		o.startQualitySampling()

	case peer.ConnectionStateFailed:
		if o.terminalOrCleaned() {
			return
		}
		o.teardown(teardownFailed, constants.EndReasonFailed, apperrors.NegotiationFailedError(nil))

	case peer.ConnectionStateDisconnected:
		if o.State() == StateConnected {
			o.setState(StateReconnecting, nil)
		}
	}
}

// handleAppLifecycle processes explicit foreground/background transitions.
// A long background while not yet connected leaves the channel subscription
// in an unknown state, so it is rebuilt; a live session is never touched.
func (o *Orchestrator) handleAppLifecycle(foreground bool) {
	if !foreground {
		o.mu.Lock()
		o.backgrounded = true
		o.backgroundedAt = time.Now()
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	wasBackgrounded := o.backgrounded
	away := time.Since(o.backgroundedAt)
	o.backgrounded = false
	offerReceived := o.offerReceived
	oldChannel := o.channel
	o.mu.Unlock()

	if !wasBackgrounded || away < o.deps.Config.ReconnectThreshold {
		return
	}
	if o.State() == StateConnected || o.terminalOrCleaned() {
		// Connection survived the background period: resubscribing
		// would only risk resetting a live session.
		return
	}

	o.log.Info("Recovering signaling channel after background",
		zap.Duration("away", away))

	if oldChannel != nil {
		oldChannel.Close()
	}
	if err := o.openChannel(o.ctx); err != nil {
		o.log.Warn("Channel recovery failed", zap.Error(err))
		return
	}

	o.sendSignal(&domain.SignalEnvelope{Type: domain.SignalReconnect, TargetID: o.peerID})
	if o.role == domain.RoleCallee && !offerReceived {
		metrics.ReadyRetryTotal.Inc()
		o.sendSignal(&domain.SignalEnvelope{Type: domain.SignalReady, TargetID: o.peerID})
	}
}

// AppLifecycle feeds a foreground/background transition into the event
// loop. It shares dispatch with signaling events so recovery and signal
// handling never interleave.
func (o *Orchestrator) AppLifecycle(foreground bool) {
	f := foreground
	o.post(event{foreground: &f})
}

// startReadyRetry runs the callee's bounded ready handshake. Every tick
// checks the termination guards: offer received, instance no longer active,
// channel gone; the combinator itself bounds the attempt budget.
func (o *Orchestrator) startReadyRetry() {
	handle := retry.Start(retry.Options{
		Interval:    o.deps.Config.ReadyRetryInterval,
		MaxAttempts: o.deps.Config.ReadyRetryMax,
		Name:        "ready-handshake",
	}, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.offerReceived || o.cleaned || o.channel == nil
	}, func(attempt int) {
		metrics.ReadyRetryTotal.Inc()
		o.sendSignal(&domain.SignalEnvelope{
			Type:     domain.SignalReady,
			TargetID: o.peerID,
		})
	})

	o.mu.Lock()
	o.readyRetry = handle
	o.mu.Unlock()
}

func (o *Orchestrator) startQualitySampling() {
	callID := o.callID.String()
	o.sessionRef().StartQualitySampling(o.deps.Config.QualitySampleInterval, func(level peer.QualityLevel) {
		metrics.ConnectionQualityLevel.WithLabelValues(callID).Set(float64(level))
		if o.onQuality != nil {
			o.onQuality(level)
		}
	})
}

// End hangs up the call.
func (o *Orchestrator) End() {
	o.teardown(teardownEnd, constants.EndReasonHangup, nil)
}

// Cancel abandons an outgoing call before it was answered.
func (o *Orchestrator) Cancel() {
	o.teardown(teardownCancel, constants.EndReasonCancelled, nil)
}

// Decline rejects an incoming call.
func (o *Orchestrator) Decline() {
	o.teardown(teardownDecline, constants.EndReasonDeclined, nil)
}

// ToggleMute mutes or unmutes the local audio track, persists the flag, and
// notifies the peer.
func (o *Orchestrator) ToggleMute(muted bool) {
	if err := o.sessionRef().ToggleMute(muted); err != nil {
		o.log.Warn("Failed to toggle mute", zap.Error(err))
	}
	o.deps.Lifecycle.ToggleMute(o.ctx, o.callID, o.selfID, muted)

	typ := domain.SignalUnmute
	if muted {
		typ = domain.SignalMute
	}
	o.sendSignal(&domain.SignalEnvelope{Type: typ, TargetID: o.peerID})
}

// ToggleVideo enables or disables the local video track, persists the flag,
// and notifies the peer.
func (o *Orchestrator) ToggleVideo(enabled bool) {
	if err := o.sessionRef().ToggleVideo(enabled); err != nil {
		o.log.Warn("Failed to toggle video", zap.Error(err))
	}
	o.deps.Lifecycle.ToggleVideo(o.ctx, o.callID, o.selfID, enabled)

	typ := domain.SignalVideoOff
	if enabled {
		typ = domain.SignalVideoOn
	}
	o.sendSignal(&domain.SignalEnvelope{Type: typ, TargetID: o.peerID})
}

// ToggleSpeaker switches the local audio route. Local-only; the peer does
// not care which speaker plays it.
func (o *Orchestrator) ToggleSpeaker(on bool) {
	if err := o.sessionRef().ToggleSpeaker(on); err != nil {
		o.log.Warn("Failed to toggle speaker", zap.Error(err))
	}
	o.deps.Lifecycle.ToggleSpeaker(o.ctx, o.callID, o.selfID, on)
}

// SwitchCamera flips between front and back cameras and records the flip in
// the call's audit log.
func (o *Orchestrator) SwitchCamera() (bool, error) {
	front, err := o.sessionRef().SwitchCamera()
	if err == nil && !o.terminalOrCleaned() {
		o.deps.Lifecycle.FlipCamera(o.ctx, o.callID, o.selfID, front)
	}
	return front, err
}

// teardown is the single converged cleanup path. Every local and remote
// termination funnels here; the cleaned flag makes repeated invocation
// (local end racing a remote end envelope) perform work only once.
func (o *Orchestrator) teardown(kind teardownKind, reason string, cause error) {
	o.mu.Lock()
	if o.cleaned {
		o.mu.Unlock()
		return
	}
	o.cleaned = true
	session := o.session
	channel := o.channel
	handle := o.readyRetry
	offerBuf := o.offerBuf
	o.mu.Unlock()

	// Registry first, synchronously: a user who immediately starts a new
	// call must not be blocked by leftover ownership.
	o.deps.Registry.Release(o.callID, o.instanceID)

	if handle != nil {
		handle.Stop()
	}
	if offerBuf != nil {
		offerBuf.Stop()
	}

	switch kind {
	case teardownEnd:
		o.deps.Lifecycle.End(o.ctx, o.callID, o.selfID, reason)
	case teardownCancel:
		o.deps.Lifecycle.Cancel(o.ctx, o.callID, o.selfID)
	case teardownDecline:
		o.deps.Lifecycle.Decline(o.ctx, o.callID, o.selfID)
	case teardownFailed:
		o.deps.Lifecycle.MarkFailed(o.ctx, o.callID, o.selfID, reason)
	case teardownRemote, teardownBusy:
		// The remote side owns the terminal store transition; only the
		// local active-call slot needs releasing.
		o.deps.Lifecycle.Detach(o.ctx, o.callID)
	}

	// Locally-driven terminations tell the peer; remote ones came from
	// the peer. The send is best-effort on a channel that may already be
	// closing on the other side.
	if channel != nil {
		if kind == teardownEnd || kind == teardownCancel || kind == teardownDecline || kind == teardownFailed {
			o.sendViaChannel(channel, &domain.SignalEnvelope{
				Type:     domain.SignalEnd,
				TargetID: o.peerID,
				Reason:   reason,
			})
		}
	}

	if session != nil {
		session.Cleanup()
	}
	if channel != nil {
		channel.Close()
	}

	metrics.ConnectionQualityLevel.DeleteLabelValues(o.callID.String())
	close(o.done)

	switch kind {
	case teardownFailed:
		o.setState(StateFailed, cause)
	case teardownBusy:
		o.setState(StateBusy, cause)
	default:
		o.setState(StateEnded, cause)
	}

	o.log.Info("Call torn down", zap.String("reason", reason))
}

func (o *Orchestrator) setState(state State, err error) {
	o.mu.Lock()
	if o.state == state {
		o.mu.Unlock()
		return
	}
	o.state = state
	o.mu.Unlock()

	metrics.CallStateTransitionTotal.WithLabelValues(string(state)).Inc()
	if o.onStateChange != nil {
		o.onStateChange(state, err)
	}
}

func (o *Orchestrator) sendSignal(env *domain.SignalEnvelope) {
	o.mu.Lock()
	channel := o.channel
	o.mu.Unlock()
	if channel == nil {
		return
	}
	o.sendViaChannel(channel, env)
}

func (o *Orchestrator) sendViaChannel(channel *signaling.Channel, env *domain.SignalEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.WebSocketWriteTimeout)
	defer cancel()
	if err := channel.Send(ctx, env); err != nil {
		o.log.Warn("Failed to send signal",
			zap.String("type", string(env.Type)),
			zap.Error(err))
	}
}

func (o *Orchestrator) sessionRef() *peer.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		// Never-initialized path: return an inert session so callers
		// need no nil checks.
		o.session = peer.NewSession(o.deps.Media, o.deps.ICEServers)
	}
	return o.session
}

// markInert disables a deferred instance: later End/Cancel calls against it
// must not touch the store or the registered owner's resources.
func (o *Orchestrator) markInert() {
	o.mu.Lock()
	o.cleaned = true
	o.mu.Unlock()
	close(o.done)
}

func (o *Orchestrator) terminalOrCleaned() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cleaned || o.state == StateEnded || o.state == StateFailed || o.state == StateBusy
}
