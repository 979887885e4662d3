package peer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/jennie369/crypto-pattern-scanner-sub017/pkg/errors"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/logger"
)

// Session drives one call's media negotiation over a MediaTransport. It owns
// the local stream, the media session, and the quality sampler; the
// orchestrator is its only caller.
type Session struct {
	transport  MediaTransport
	iceServers []string
	log        *zap.Logger

	mu         sync.Mutex
	stream     LocalStream
	media      MediaSession
	sampler    *qualitySampler
	negotiated bool
	cleaned    bool
}

// NewSession creates a session shell; media is acquired lazily via
// InitLocalMedia and CreateSession.
func NewSession(transport MediaTransport, iceServers []string) *Session {
	return &Session{
		transport:  transport,
		iceServers: iceServers,
		log:        logger.Component("peer"),
	}
}

// InitLocalMedia acquires microphone (and camera when withVideo) access.
// A refusal surfaces as PERMISSION_DENIED.
func (s *Session) InitLocalMedia(ctx context.Context, withVideo bool) error {
	stream, err := s.transport.GetLocalMedia(ctx, withVideo)
	if err != nil {
		return apperrors.PermissionDeniedError(err)
	}

	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
	return nil
}

// CreateSession constructs the media session and attaches the local stream.
func (s *Session) CreateSession(ctx context.Context) error {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()

	media, err := s.transport.CreateSession(ctx, s.iceServers, stream)
	if err != nil {
		return apperrors.SessionInitError(err)
	}

	s.mu.Lock()
	s.media = media
	s.mu.Unlock()
	return nil
}

// CreateOffer produces the local offer and applies it as the local
// description.
func (s *Session) CreateOffer(ctx context.Context) (string, error) {
	media := s.mediaSession()
	if media == nil {
		return "", apperrors.SessionInitError(nil)
	}

	offer, err := media.CreateOffer(ctx)
	if err != nil {
		return "", apperrors.NegotiationFailedError(err)
	}
	if err := media.SetLocalDescription(ctx, offer); err != nil {
		return "", apperrors.NegotiationFailedError(err)
	}
	return offer.SDP, nil
}

// HandleOffer consumes a remote offer and produces an answer. When the
// session has already completed negotiation and is back in the stable
// signaling state, the offer is a duplicate from the ready-resend path:
// HandleOffer returns ("", false, nil) and performs no state change.
func (s *Session) HandleOffer(ctx context.Context, sdp string) (string, bool, error) {
	media := s.mediaSession()
	if media == nil {
		return "", false, apperrors.SessionInitError(nil)
	}

	s.mu.Lock()
	stale := s.negotiated && media.SignalingState() == SignalingStateStable
	s.mu.Unlock()
	if stale {
		s.log.Debug("Ignoring duplicate offer, session already negotiated")
		return "", false, nil
	}

	if err := media.SetRemoteDescription(ctx, Description{Type: "offer", SDP: sdp}); err != nil {
		return "", false, apperrors.NegotiationFailedError(err)
	}
	answer, err := media.CreateAnswer(ctx)
	if err != nil {
		return "", false, apperrors.NegotiationFailedError(err)
	}
	if err := media.SetLocalDescription(ctx, answer); err != nil {
		return "", false, apperrors.NegotiationFailedError(err)
	}

	s.mu.Lock()
	s.negotiated = true
	s.mu.Unlock()
	return answer.SDP, true, nil
}

// HandleAnswer applies the remote answer to the pending local offer.
func (s *Session) HandleAnswer(ctx context.Context, sdp string) error {
	media := s.mediaSession()
	if media == nil {
		return apperrors.SessionInitError(nil)
	}

	if err := media.SetRemoteDescription(ctx, Description{Type: "answer", SDP: sdp}); err != nil {
		return apperrors.NegotiationFailedError(err)
	}

	s.mu.Lock()
	s.negotiated = true
	s.mu.Unlock()
	return nil
}

// AddCandidate applies a remote ICE candidate. Failures are logged and
// swallowed: candidates legitimately arrive before or after negotiation
// completes and a bad one must not kill the call.
func (s *Session) AddCandidate(candidate string) {
	media := s.mediaSession()
	if media == nil {
		s.log.Debug("Dropping candidate, no media session")
		return
	}

	if err := media.AddICECandidate(candidate); err != nil {
		s.log.Warn("Failed to add ICE candidate", zap.Error(err))
	}
}

// SignalingState reports the media session's negotiation state; Stable when
// no session exists yet.
func (s *Session) SignalingState() SignalingState {
	media := s.mediaSession()
	if media == nil {
		return SignalingStateStable
	}
	return media.SignalingState()
}

// Negotiated reports whether an offer/answer exchange has completed.
func (s *Session) Negotiated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiated
}

// OnConnectionStateChange registers the connectivity callback.
func (s *Session) OnConnectionStateChange(fn func(ConnectionState)) {
	if media := s.mediaSession(); media != nil {
		media.OnConnectionStateChange(fn)
	}
}

// OnICECandidate registers the local-candidate callback.
func (s *Session) OnICECandidate(fn func(candidate string)) {
	if media := s.mediaSession(); media != nil {
		media.OnICECandidate(fn)
	}
}

// ToggleMute enables or disables the local audio track.
func (s *Session) ToggleMute(muted bool) error {
	stream := s.localStream()
	if stream == nil {
		return nil
	}
	return stream.SetAudioEnabled(!muted)
}

// ToggleVideo enables or disables the local video track.
func (s *Session) ToggleVideo(enabled bool) error {
	stream := s.localStream()
	if stream == nil {
		return nil
	}
	return stream.SetVideoEnabled(enabled)
}

// ToggleSpeaker routes audio to or away from the speakerphone.
func (s *Session) ToggleSpeaker(on bool) error {
	stream := s.localStream()
	if stream == nil {
		return nil
	}
	return stream.SetSpeakerphone(on)
}

// SwitchCamera flips cameras and reports whether the front camera is active
// afterwards. Returns false without error when no stream exists.
func (s *Session) SwitchCamera() (bool, error) {
	stream := s.localStream()
	if stream == nil {
		return false, nil
	}
	return stream.SwitchCamera()
}

// StartQualitySampling begins periodic RTT sampling. onChange fires only
// when the discretized level changes.
func (s *Session) StartQualitySampling(interval time.Duration, onChange func(QualityLevel)) {
	media := s.mediaSession()
	if media == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sampler != nil {
		s.sampler.stop()
	}
	s.sampler = newQualitySampler(media, interval, onChange)
	s.sampler.start()
}

// SampleQuality takes a one-off quality reading; QualityBad when no
// measurement is available.
func (s *Session) SampleQuality(ctx context.Context) QualityLevel {
	media := s.mediaSession()
	if media == nil {
		return QualityBad
	}
	rtt, err := media.RoundTripTime(ctx)
	if err != nil {
		return QualityBad
	}
	return qualityForRTT(rtt)
}

// Cleanup stops sampling, releases local media, and closes the session.
// Idempotent; safe on a never-initialized session. Release must not depend
// on which failure path got us here, so every step runs regardless of the
// others' errors.
func (s *Session) Cleanup() {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return
	}
	s.cleaned = true
	sampler := s.sampler
	stream := s.stream
	media := s.media
	s.sampler = nil
	s.stream = nil
	s.media = nil
	s.mu.Unlock()

	if sampler != nil {
		sampler.stop()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			s.log.Warn("Failed to close local stream", zap.Error(err))
		}
	}
	if media != nil {
		media.OnConnectionStateChange(nil)
		media.OnICECandidate(nil)
		if err := media.Close(); err != nil {
			s.log.Warn("Failed to close media session", zap.Error(err))
		}
	}
}

func (s *Session) mediaSession() MediaSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media
}

func (s *Session) localStream() LocalStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}
