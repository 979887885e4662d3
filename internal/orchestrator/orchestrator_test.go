package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jennie369/crypto-pattern-scanner-sub017/internal/domain"
	"github.com/jennie369/crypto-pattern-scanner-sub017/internal/peer"
	callsvc "github.com/jennie369/crypto-pattern-scanner-sub017/internal/service/call"
	"github.com/jennie369/crypto-pattern-scanner-sub017/internal/signaling"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/config"
	apperrors "github.com/jennie369/crypto-pattern-scanner-sub017/pkg/errors"
)

// stubLifecycle counts lifecycle transitions; the store itself is exercised
// in the call service tests.
type stubLifecycle struct {
	mu             sync.Mutex
	initiated      []*domain.Call
	initiateErr    error
	answerCalls    int
	connectedCalls int
	endCalls       int
	cancelCalls    int
	declineCalls   int
	failedCalls    int
	detachCalls    int
	muteCalls      int
	videoCalls     int
	speakerCalls   int
	cameraFlips    int
}

func (s *stubLifecycle) Initiate(ctx context.Context, input *callsvc.InitiateInput) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initiateErr != nil {
		return nil, s.initiateErr
	}
	call := &domain.Call{
		CallID:         uuid.New(),
		ConversationID: input.ConversationID,
		CallerID:       input.CallerID,
		CallType:       input.CallType,
		Status:         domain.CallStatusRinging,
		RingStartedAt:  time.Now(),
	}
	s.initiated = append(s.initiated, call)
	return call, nil
}

func (s *stubLifecycle) Answer(ctx context.Context, callID, userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answerCalls++
}

func (s *stubLifecycle) MarkConnected(ctx context.Context, callID, userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectedCalls++
}

func (s *stubLifecycle) Decline(ctx context.Context, callID, userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declineCalls++
}

func (s *stubLifecycle) Cancel(ctx context.Context, callID, userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCalls++
}

func (s *stubLifecycle) End(ctx context.Context, callID, userID uuid.UUID, reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endCalls++
	return 10
}

func (s *stubLifecycle) MarkFailed(ctx context.Context, callID, userID uuid.UUID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedCalls++
}

func (s *stubLifecycle) Detach(ctx context.Context, callID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachCalls++
}

func (s *stubLifecycle) ToggleMute(ctx context.Context, callID, userID uuid.UUID, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muteCalls++
}

func (s *stubLifecycle) ToggleSpeaker(ctx context.Context, callID, userID uuid.UUID, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speakerCalls++
}

func (s *stubLifecycle) ToggleVideo(ctx context.Context, callID, userID uuid.UUID, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoCalls++
}

func (s *stubLifecycle) FlipCamera(ctx context.Context, callID, userID uuid.UUID, frontFacing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cameraFlips++
}

func (s *stubLifecycle) counts() (answer, connected, end, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answerCalls, s.connectedCalls, s.endCalls, s.failedCalls
}

func (s *stubLifecycle) lastInitiated() *domain.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.initiated) == 0 {
		return nil
	}
	return s.initiated[len(s.initiated)-1]
}

// fakeMediaSession completes negotiation synchronously and reports a
// connected media path as soon as an answer is applied on either side.
type fakeMediaSession struct {
	mu          sync.Mutex
	state       peer.SignalingState
	onConn      func(peer.ConnectionState)
	onCandidate func(string)
	candidates  []string
	closed      bool
}

func (f *fakeMediaSession) CreateOffer(ctx context.Context) (peer.Description, error) {
	return peer.Description{Type: "offer", SDP: "v=0 test offer"}, nil
}

func (f *fakeMediaSession) CreateAnswer(ctx context.Context) (peer.Description, error) {
	return peer.Description{Type: "answer", SDP: "v=0 test answer"}, nil
}

func (f *fakeMediaSession) SetLocalDescription(ctx context.Context, desc peer.Description) error {
	f.mu.Lock()
	if desc.Type == "offer" {
		f.state = peer.SignalingStateHaveLocalOffer
	} else {
		f.state = peer.SignalingStateStable
	}
	f.mu.Unlock()
	if desc.Type == "answer" {
		f.fireConnected()
	}
	return nil
}

func (f *fakeMediaSession) SetRemoteDescription(ctx context.Context, desc peer.Description) error {
	f.mu.Lock()
	if desc.Type == "offer" {
		f.state = peer.SignalingStateHaveRemoteOffer
	} else {
		f.state = peer.SignalingStateStable
	}
	f.mu.Unlock()
	if desc.Type == "answer" {
		f.fireConnected()
	}
	return nil
}

func (f *fakeMediaSession) fireConnected() {
	f.mu.Lock()
	fn := f.onConn
	f.mu.Unlock()
	if fn != nil {
		go fn(peer.ConnectionStateConnected)
	}
}

func (f *fakeMediaSession) AddICECandidate(candidate string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakeMediaSession) SignalingState() peer.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeMediaSession) OnConnectionStateChange(fn func(peer.ConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConn = fn
}

func (f *fakeMediaSession) OnICECandidate(fn func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakeMediaSession) RoundTripTime(ctx context.Context) (time.Duration, error) {
	return 50 * time.Millisecond, nil
}

func (f *fakeMediaSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeLocalStream struct{}

func (fakeLocalStream) SetAudioEnabled(bool) error  { return nil }
func (fakeLocalStream) SetVideoEnabled(bool) error  { return nil }
func (fakeLocalStream) SwitchCamera() (bool, error) { return true, nil }
func (fakeLocalStream) SetSpeakerphone(bool) error  { return nil }
func (fakeLocalStream) Close() error                { return nil }

type fakeMediaTransport struct {
	mu       sync.Mutex
	sessions []*fakeMediaSession
}

func (f *fakeMediaTransport) GetLocalMedia(ctx context.Context, withVideo bool) (peer.LocalStream, error) {
	return fakeLocalStream{}, nil
}

func (f *fakeMediaTransport) CreateSession(ctx context.Context, iceServers []string, stream peer.LocalStream) (peer.MediaSession, error) {
	sess := &fakeMediaSession{}
	f.mu.Lock()
	f.sessions = append(f.sessions, sess)
	f.mu.Unlock()
	return sess, nil
}

func testDeps(transport signaling.Transport, lifecycle Lifecycle) Deps {
	return Deps{
		Registry:  NewRegistry(time.Second),
		Lifecycle: lifecycle,
		Transport: transport,
		Media:     &fakeMediaTransport{},
		Config: config.CallConfig{
			RingTimeout:           time.Second,
			OfferGraceDelay:       30 * time.Millisecond,
			ReadyRetryInterval:    30 * time.Millisecond,
			ReadyRetryMax:         10,
			InstanceStaleAfter:    time.Second,
			ReconnectThreshold:    30 * time.Millisecond,
			QualitySampleInterval: time.Hour,
		},
	}
}

// rawPeer subscribes directly to a call topic and records every envelope,
// standing in for the remote device.
type rawPeer struct {
	t         *testing.T
	transport signaling.Transport
	userID    uuid.UUID
	callID    uuid.UUID
	cancel    context.CancelFunc

	mu        sync.Mutex
	envelopes []*domain.SignalEnvelope
}

func newRawPeer(t *testing.T, transport signaling.Transport, callID uuid.UUID) *rawPeer {
	t.Helper()
	p := &rawPeer{t: t, transport: transport, userID: uuid.New(), callID: callID}

	msgs, cancel, err := transport.Subscribe(context.Background(), signaling.CallTopic(callID))
	require.NoError(t, err)
	p.cancel = cancel

	go func() {
		for payload := range msgs {
			env, err := domain.DecodeSignal(payload)
			if err != nil || env.SenderID == p.userID {
				continue
			}
			p.mu.Lock()
			p.envelopes = append(p.envelopes, env)
			p.mu.Unlock()
		}
	}()

	return p
}

func (p *rawPeer) send(typ domain.SignalType, mutate func(*domain.SignalEnvelope)) {
	env := &domain.SignalEnvelope{
		Type:      typ,
		CallID:    p.callID,
		SenderID:  p.userID,
		Timestamp: time.Now(),
	}
	if mutate != nil {
		mutate(env)
	}
	data, err := domain.EncodeSignal(env)
	require.NoError(p.t, err)
	require.NoError(p.t, p.transport.Publish(context.Background(), signaling.CallTopic(p.callID), data))
}

func (p *rawPeer) count(typ domain.SignalType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, env := range p.envelopes {
		if env.Type == typ {
			n++
		}
	}
	return n
}

func (p *rawPeer) waitFor(typ domain.SignalType) *domain.SignalEnvelope {
	p.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		for _, env := range p.envelopes {
			if env.Type == typ {
				p.mu.Unlock()
				return env
			}
		}
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	p.t.Fatalf("never received %s envelope", typ)
	return nil
}

func TestEndToEndCallerCalleeScenario(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	lifecycle := &stubLifecycle{}
	// Two devices share the transport and the store but each runs its own
	// ownership registry.
	callerDeps := testDeps(transport, lifecycle)
	calleeDeps := testDeps(transport, lifecycle)
	calleeDeps.Media = callerDeps.Media

	callerID := uuid.New()
	calleeID := uuid.New()

	var callerStates, calleeStates []State
	var stateMu sync.Mutex

	caller := NewCaller(callerDeps, CallerParams{
		SelfID:         callerID,
		CalleeID:       calleeID,
		ConversationID: uuid.New(),
		CallType:       domain.CallTypeAudio,
	})
	caller.OnStateChange(func(s State, err error) {
		stateMu.Lock()
		callerStates = append(callerStates, s)
		stateMu.Unlock()
	})

	require.NoError(t, caller.Start(context.Background()))
	call := lifecycle.lastInitiated()
	require.NotNil(t, call)

	// Callee is not subscribed yet: the graced offer is lost in transit.
	time.Sleep(80 * time.Millisecond)

	callee := NewCallee(calleeDeps, call, calleeID, nil)
	callee.OnStateChange(func(s State, err error) {
		stateMu.Lock()
		calleeStates = append(calleeStates, s)
		stateMu.Unlock()
	})
	require.NoError(t, callee.Start(context.Background()))

	// The ready handshake recovers the lost offer and both sides
	// converge on connected within the retry window.
	assert.Eventually(t, func() bool {
		return caller.State() == StateConnected && callee.State() == StateConnected
	}, 3*time.Second, 10*time.Millisecond)

	_, connected, _, _ := lifecycle.counts()
	assert.Equal(t, 2, connected, "both sides confirm connectivity")

	stateMu.Lock()
	assert.Contains(t, callerStates, StateRinging)
	assert.Contains(t, callerStates, StateConnecting)
	assert.Contains(t, calleeStates, StateConnecting)
	stateMu.Unlock()

	caller.End()

	assert.Eventually(t, func() bool {
		return callee.State() == StateEnded
	}, 2*time.Second, 10*time.Millisecond, "remote end envelope tears the callee down")

	assert.Equal(t, StateEnded, caller.State())
	_, _, end, _ := lifecycle.counts()
	assert.Equal(t, 1, end, "exactly one terminal store transition")

	_, owned := callerDeps.Registry.Owner(call.CallID)
	assert.False(t, owned, "registry entry cleared on teardown")
	_, owned = calleeDeps.Registry.Owner(call.CallID)
	assert.False(t, owned)
}

func TestSingleOwnershipSecondInstanceDefers(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	lifecycle := &stubLifecycle{}
	deps := testDeps(transport, lifecycle)

	call := &domain.Call{
		CallID:   uuid.New(),
		CallerID: uuid.New(),
		CallType: domain.CallTypeAudio,
		Status:   domain.CallStatusRinging,
	}
	calleeID := uuid.New()

	first := NewCallee(deps, call, calleeID, nil)
	require.NoError(t, first.Start(context.Background()))
	defer first.End()

	second := NewCallee(deps, call, calleeID, nil)
	err := second.Start(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStaleInstance))

	answer, _, _, _ := lifecycle.counts()
	assert.Equal(t, 1, answer, "deferred instance performs no setup")

	owner, ok := deps.Registry.Owner(call.CallID)
	require.True(t, ok)
	assert.Equal(t, first.InstanceID(), owner)

	// End on the deferred instance must not produce a store transition.
	second.End()
	_, _, end, _ := lifecycle.counts()
	assert.Equal(t, 0, end)
}

func TestStaleRegistrationTakeover(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	lifecycle := &stubLifecycle{}
	deps := testDeps(transport, lifecycle)
	deps.Registry = NewRegistry(20 * time.Millisecond)

	call := &domain.Call{
		CallID:   uuid.New(),
		CallerID: uuid.New(),
		CallType: domain.CallTypeAudio,
	}

	// A crashed screen left its registration behind.
	deps.Registry.Register(call.CallID, uuid.New())
	time.Sleep(40 * time.Millisecond)

	o := NewCallee(deps, call, uuid.New(), nil)
	require.NoError(t, o.Start(context.Background()))
	defer o.End()

	owner, ok := deps.Registry.Owner(call.CallID)
	require.True(t, ok)
	assert.Equal(t, o.InstanceID(), owner)
}

func TestOfferResendOncePerReadyUntilStable(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	lifecycle := &stubLifecycle{}
	deps := testDeps(transport, lifecycle)
	deps.Config.OfferGraceDelay = 20 * time.Millisecond

	caller := NewCaller(deps, CallerParams{
		SelfID:   uuid.New(),
		CalleeID: uuid.New(),
		CallType: domain.CallTypeAudio,
	})
	require.NoError(t, caller.Start(context.Background()))
	defer caller.End()

	remote := newRawPeer(t, transport, caller.CallID())
	defer remote.cancel()

	// Initial graced offer.
	remote.waitFor(domain.SignalOffer)
	require.Equal(t, 1, remote.count(domain.SignalOffer))

	remote.send(domain.SignalReady, nil)
	assert.Eventually(t, func() bool {
		return remote.count(domain.SignalOffer) == 2
	}, time.Second, 5*time.Millisecond, "one resend per ready while non-stable")

	remote.send(domain.SignalReady, nil)
	assert.Eventually(t, func() bool {
		return remote.count(domain.SignalOffer) == 3
	}, time.Second, 5*time.Millisecond)

	// Answer completes negotiation; ready becomes a no-op.
	remote.send(domain.SignalAnswer, func(env *domain.SignalEnvelope) {
		env.SDP = "v=0 remote answer"
	})
	assert.Eventually(t, func() bool {
		return caller.State() == StateConnected
	}, time.Second, 5*time.Millisecond)

	remote.send(domain.SignalReady, nil)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, remote.count(domain.SignalOffer), "zero resends once stable")
}

func TestCalleeReadyRetryStopsOnOffer(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	lifecycle := &stubLifecycle{}
	deps := testDeps(transport, lifecycle)

	call := &domain.Call{
		CallID:   uuid.New(),
		CallerID: uuid.New(),
		CallType: domain.CallTypeAudio,
	}
	remote := newRawPeer(t, transport, call.CallID)
	defer remote.cancel()

	callee := NewCallee(deps, call, uuid.New(), nil)
	require.NoError(t, callee.Start(context.Background()))
	defer callee.End()

	remote.waitFor(domain.SignalReady)

	remote.send(domain.SignalOffer, func(env *domain.SignalEnvelope) {
		env.SDP = "v=0 caller offer"
	})

	remote.waitFor(domain.SignalAnswer)
	assert.Eventually(t, func() bool {
		return callee.State() == StateConnected
	}, time.Second, 5*time.Millisecond)

	// Retries must quiesce once the offer arrived.
	settled := remote.count(domain.SignalReady)
	time.Sleep(120 * time.Millisecond)
	assert.LessOrEqual(t, remote.count(domain.SignalReady), settled+1,
		"at most the in-flight attempt after the offer")
}

func TestCalleeConsumesBufferedOffer(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	lifecycle := &stubLifecycle{}
	deps := testDeps(transport, lifecycle)

	call := &domain.Call{
		CallID:   uuid.New(),
		CallerID: uuid.New(),
		CallType: domain.CallTypeAudio,
	}
	calleeID := uuid.New()

	buf, err := signaling.CaptureOffer(context.Background(), transport, call.CallID, calleeID)
	require.NoError(t, err)

	remote := newRawPeer(t, transport, call.CallID)
	defer remote.cancel()

	// Offer lands while the incoming-call screen is still up.
	remote.send(domain.SignalOffer, func(env *domain.SignalEnvelope) {
		env.SDP = "v=0 early offer"
	})
	time.Sleep(50 * time.Millisecond)

	callee := NewCallee(deps, call, calleeID, buf)
	require.NoError(t, callee.Start(context.Background()))
	defer callee.End()

	remote.waitFor(domain.SignalAnswer)
	assert.Zero(t, remote.count(domain.SignalReady),
		"buffered offer short-circuits the ready handshake")
}

func TestReconnectionAfterLongBackground(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	lifecycle := &stubLifecycle{}
	deps := testDeps(transport, lifecycle)
	deps.Config.ReadyRetryMax = 1 // keep the initial handshake short

	call := &domain.Call{
		CallID:   uuid.New(),
		CallerID: uuid.New(),
		CallType: domain.CallTypeAudio,
	}
	remote := newRawPeer(t, transport, call.CallID)
	defer remote.cancel()

	callee := NewCallee(deps, call, uuid.New(), nil)
	require.NoError(t, callee.Start(context.Background()))
	defer callee.End()

	remote.waitFor(domain.SignalReady)
	baselineReady := remote.count(domain.SignalReady)

	callee.AppLifecycle(false)
	time.Sleep(60 * time.Millisecond) // past the reconnect threshold
	callee.AppLifecycle(true)

	assert.Eventually(t, func() bool {
		return remote.count(domain.SignalReconnect) == 1 &&
			remote.count(domain.SignalReady) == baselineReady+1
	}, time.Second, 5*time.Millisecond, "channel recovered, ready resent")
}

func TestReconnectionNoOpWhenConnected(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	lifecycle := &stubLifecycle{}
	deps := testDeps(transport, lifecycle)

	call := &domain.Call{
		CallID:   uuid.New(),
		CallerID: uuid.New(),
		CallType: domain.CallTypeAudio,
	}
	remote := newRawPeer(t, transport, call.CallID)
	defer remote.cancel()

	callee := NewCallee(deps, call, uuid.New(), nil)
	require.NoError(t, callee.Start(context.Background()))
	defer callee.End()

	remote.send(domain.SignalOffer, func(env *domain.SignalEnvelope) {
		env.SDP = "v=0 offer"
	})
	assert.Eventually(t, func() bool {
		return callee.State() == StateConnected
	}, time.Second, 5*time.Millisecond)

	reconnectsBefore := remote.count(domain.SignalReconnect)

	callee.AppLifecycle(false)
	time.Sleep(60 * time.Millisecond)
	callee.AppLifecycle(true)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, reconnectsBefore, remote.count(domain.SignalReconnect),
		"a live session is never resubscribed")
	assert.Equal(t, StateConnected, callee.State())
}

func TestIdempotentDoubleEnd(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	lifecycle := &stubLifecycle{}
	deps := testDeps(transport, lifecycle)

	caller := NewCaller(deps, CallerParams{
		SelfID:   uuid.New(),
		CalleeID: uuid.New(),
		CallType: domain.CallTypeAudio,
	})
	require.NoError(t, caller.Start(context.Background()))

	caller.End()
	caller.End()

	_, _, end, _ := lifecycle.counts()
	assert.Equal(t, 1, end, "repeated end performs work once")
	assert.Equal(t, StateEnded, caller.State())
}

func TestRemoteEndRacingLocalEnd(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	lifecycle := &stubLifecycle{}
	deps := testDeps(transport, lifecycle)

	call := &domain.Call{
		CallID:   uuid.New(),
		CallerID: uuid.New(),
		CallType: domain.CallTypeAudio,
	}
	remote := newRawPeer(t, transport, call.CallID)
	defer remote.cancel()

	callee := NewCallee(deps, call, uuid.New(), nil)
	require.NoError(t, callee.Start(context.Background()))

	remote.send(domain.SignalEnd, func(env *domain.SignalEnvelope) {
		env.Reason = "hangup"
	})
	callee.End()

	assert.Eventually(t, func() bool {
		return callee.State() == StateEnded
	}, time.Second, 5*time.Millisecond)

	_, _, end, _ := lifecycle.counts()
	assert.LessOrEqual(t, end, 1, "converged teardown runs at most one store transition")
}

func TestMissedEndEnvelopeTearsDownRingingCaller(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	lifecycle := &stubLifecycle{}
	deps := testDeps(transport, lifecycle)

	caller := NewCaller(deps, CallerParams{
		SelfID:   uuid.New(),
		CalleeID: uuid.New(),
		CallType: domain.CallTypeAudio,
	})

	var gotErr error
	var mu sync.Mutex
	caller.OnStateChange(func(s State, err error) {
		mu.Lock()
		if s == StateEnded {
			gotErr = err
		}
		mu.Unlock()
	})
	require.NoError(t, caller.Start(context.Background()))
	require.Equal(t, StateRinging, caller.State())

	// The lifecycle service broadcasts this when the ring timer expires;
	// the store transition already happened there.
	remote := newRawPeer(t, transport, caller.CallID())
	defer remote.cancel()
	remote.send(domain.SignalEnd, func(env *domain.SignalEnvelope) {
		env.SenderID = uuid.Nil
		env.Reason = "missed"
	})

	assert.Eventually(t, func() bool {
		return caller.State() == StateEnded
	}, time.Second, 5*time.Millisecond, "caller must not keep ringing past the timeout broadcast")

	mu.Lock()
	assert.True(t, apperrors.IsCode(gotErr, apperrors.ErrCodeRingTimeout))
	mu.Unlock()

	_, _, end, _ := lifecycle.counts()
	assert.Equal(t, 0, end, "missed transition is not re-completed locally")
	lifecycle.mu.Lock()
	assert.Equal(t, 1, lifecycle.detachCalls, "local active slot released")
	lifecycle.mu.Unlock()

	_, owned := deps.Registry.Owner(caller.CallID())
	assert.False(t, owned)
}

func TestBusySignalSurfacesBusyState(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	lifecycle := &stubLifecycle{}
	deps := testDeps(transport, lifecycle)

	caller := NewCaller(deps, CallerParams{
		SelfID:   uuid.New(),
		CalleeID: uuid.New(),
		CallType: domain.CallTypeAudio,
	})

	var gotErr error
	var gotState State
	var mu sync.Mutex
	caller.OnStateChange(func(s State, err error) {
		mu.Lock()
		gotState = s
		gotErr = err
		mu.Unlock()
	})
	require.NoError(t, caller.Start(context.Background()))

	remote := newRawPeer(t, transport, caller.CallID())
	defer remote.cancel()
	remote.send(domain.SignalBusy, nil)

	assert.Eventually(t, func() bool {
		return caller.State() == StateBusy
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateBusy, gotState)
	assert.True(t, apperrors.IsCode(gotErr, apperrors.ErrCodeBusy))
}

func TestInitiateBusyShortCircuits(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	lifecycle := &stubLifecycle{initiateErr: apperrors.BusyError()}
	deps := testDeps(transport, lifecycle)

	caller := NewCaller(deps, CallerParams{
		SelfID:   uuid.New(),
		CalleeID: uuid.New(),
		CallType: domain.CallTypeAudio,
	})

	err := caller.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateBusy, caller.State())
}

func TestSwitchCameraRecordsFlip(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	lifecycle := &stubLifecycle{}
	deps := testDeps(transport, lifecycle)

	call := &domain.Call{
		CallID:   uuid.New(),
		CallerID: uuid.New(),
		CallType: domain.CallTypeVideo,
	}

	callee := NewCallee(deps, call, uuid.New(), nil)
	require.NoError(t, callee.Start(context.Background()))
	defer callee.End()

	remote := newRawPeer(t, transport, call.CallID)
	defer remote.cancel()
	remote.send(domain.SignalOffer, func(env *domain.SignalEnvelope) {
		env.SDP = "v=0 offer"
	})
	assert.Eventually(t, func() bool {
		return callee.State() == StateConnected
	}, time.Second, 5*time.Millisecond)

	front, err := callee.SwitchCamera()
	require.NoError(t, err)
	assert.True(t, front)

	lifecycle.mu.Lock()
	assert.Equal(t, 1, lifecycle.cameraFlips)
	lifecycle.mu.Unlock()

	// A torn-down instance stops recording flips.
	callee.End()
	_, _ = callee.SwitchCamera()
	lifecycle.mu.Lock()
	assert.Equal(t, 1, lifecycle.cameraFlips)
	lifecycle.mu.Unlock()
}

func TestRemoteMediaFlagsReachCallback(t *testing.T) {
	transport := signaling.NewMemoryTransport()
	lifecycle := &stubLifecycle{}
	deps := testDeps(transport, lifecycle)

	call := &domain.Call{
		CallID:   uuid.New(),
		CallerID: uuid.New(),
		CallType: domain.CallTypeVideo,
	}

	type mediaState struct {
		muted bool
		video bool
	}
	updates := make(chan mediaState, 8)

	callee := NewCallee(deps, call, uuid.New(), nil)
	callee.OnRemoteMedia(func(muted, video bool) {
		updates <- mediaState{muted, video}
	})
	require.NoError(t, callee.Start(context.Background()))
	defer callee.End()

	remote := newRawPeer(t, transport, call.CallID)
	defer remote.cancel()

	remote.send(domain.SignalMute, nil)
	select {
	case got := <-updates:
		assert.True(t, got.muted)
	case <-time.After(time.Second):
		t.Fatal("mute flag never delivered")
	}

	remote.send(domain.SignalVideoOn, nil)
	select {
	case got := <-updates:
		assert.True(t, got.video)
		assert.True(t, got.muted, "flags accumulate")
	case <-time.After(time.Second):
		t.Fatal("video flag never delivered")
	}
}
