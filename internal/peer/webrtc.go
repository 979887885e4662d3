package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/logger"
)

// PionTransport is the default MediaTransport, backed by pion/webrtc.
type PionTransport struct{}

// NewPionTransport creates the Pion-backed media transport.
func NewPionTransport() *PionTransport {
	return &PionTransport{}
}

// GetLocalMedia creates the local audio (and optionally video) tracks.
func (t *PionTransport) GetLocalMedia(ctx context.Context, withVideo bool) (LocalStream, error) {
	audioTrack, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    1,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, "audio", "call-audio")
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	stream := &pionStream{
		audioTrack:   audioTrack,
		audioEnabled: true,
		frontFacing:  true,
	}

	if withVideo {
		videoTrack, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", "call-video")
		if err != nil {
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		stream.videoTrack = videoTrack
		stream.videoEnabled = true
	}

	return stream, nil
}

// CreateSession builds a peer connection, attaches the local tracks, and
// wires state callbacks.
func (t *PionTransport) CreateSession(ctx context.Context, iceServers []string, stream LocalStream) (MediaSession, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	sess := &pionSession{pc: pc, log: logger.Component("webrtc")}

	if ps, ok := stream.(*pionStream); ok && ps != nil {
		if err := ps.attach(pc); err != nil {
			pc.Close()
			return nil, err
		}
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		sess.mu.Lock()
		fn := sess.onConnState
		sess.mu.Unlock()
		if fn != nil {
			fn(mapConnectionState(state))
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			sess.log.Warn("Failed to marshal ICE candidate", zap.Error(err))
			return
		}
		sess.mu.Lock()
		fn := sess.onCandidate
		sess.mu.Unlock()
		if fn != nil {
			fn(string(data))
		}
	})

	return sess, nil
}

// pionSession adapts *webrtc.PeerConnection to MediaSession.
type pionSession struct {
	pc  *webrtc.PeerConnection
	log *zap.Logger

	mu          sync.Mutex
	onConnState func(ConnectionState)
	onCandidate func(candidate string)
}

func (s *pionSession) CreateOffer(ctx context.Context) (Description, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (s *pionSession) CreateAnswer(ctx context.Context) (Description, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (s *pionSession) SetLocalDescription(ctx context.Context, desc Description) error {
	return s.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (s *pionSession) SetRemoteDescription(ctx context.Context, desc Description) error {
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (s *pionSession) AddICECandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		// Bare candidate strings come from older clients.
		init = webrtc.ICECandidateInit{Candidate: candidate}
	}
	return s.pc.AddICECandidate(init)
}

func (s *pionSession) SignalingState() SignalingState {
	switch s.pc.SignalingState() {
	case webrtc.SignalingStateStable:
		return SignalingStateStable
	case webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateHaveLocalPranswer:
		return SignalingStateHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveRemotePranswer:
		return SignalingStateHaveRemoteOffer
	default:
		return SignalingStateClosed
	}
}

func (s *pionSession) OnConnectionStateChange(fn func(ConnectionState)) {
	s.mu.Lock()
	s.onConnState = fn
	s.mu.Unlock()
}

func (s *pionSession) OnICECandidate(fn func(candidate string)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

// RoundTripTime reads the current RTT from the active candidate pair.
func (s *pionSession) RoundTripTime(ctx context.Context) (time.Duration, error) {
	report := s.pc.GetStats()
	for _, stat := range report {
		pair, ok := stat.(webrtc.ICECandidatePairStats)
		if !ok || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		if pair.CurrentRoundTripTime > 0 {
			return time.Duration(pair.CurrentRoundTripTime * float64(time.Second)), nil
		}
	}
	return 0, fmt.Errorf("no succeeded candidate pair with RTT measurement")
}

func (s *pionSession) Close() error {
	return s.pc.Close()
}

func mapConnectionState(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ConnectionStateNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionStateFailed
	default:
		return ConnectionStateClosed
	}
}

// pionStream is the Pion-backed LocalStream. Track enable/disable is done by
// swapping the track in and out of its RTP sender.
type pionStream struct {
	mu           sync.Mutex
	audioTrack   *webrtc.TrackLocalStaticRTP
	videoTrack   *webrtc.TrackLocalStaticRTP
	audioSender  *webrtc.RTPSender
	videoSender  *webrtc.RTPSender
	audioEnabled bool
	videoEnabled bool
	frontFacing  bool
	closed       bool
}

func (s *pionStream) attach(pc *webrtc.PeerConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sender, err := pc.AddTrack(s.audioTrack)
	if err != nil {
		return fmt.Errorf("failed to add audio track: %w", err)
	}
	s.audioSender = sender

	if s.videoTrack != nil {
		sender, err := pc.AddTrack(s.videoTrack)
		if err != nil {
			return fmt.Errorf("failed to add video track: %w", err)
		}
		s.videoSender = sender
	}
	return nil
}

func (s *pionStream) SetAudioEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.audioSender == nil || s.audioEnabled == enabled {
		s.audioEnabled = enabled
		return nil
	}
	s.audioEnabled = enabled
	if enabled {
		return s.audioSender.ReplaceTrack(s.audioTrack)
	}
	return s.audioSender.ReplaceTrack(nil)
}

func (s *pionStream) SetVideoEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.videoSender == nil || s.videoEnabled == enabled {
		s.videoEnabled = enabled
		return nil
	}
	s.videoEnabled = enabled
	if enabled {
		return s.videoSender.ReplaceTrack(s.videoTrack)
	}
	return s.videoSender.ReplaceTrack(nil)
}

// SwitchCamera flips the facing flag. Actual capture-device selection
// happens in the host app's capture layer; the session only tracks which
// facing is active.
func (s *pionStream) SwitchCamera() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.videoTrack == nil {
		return false, fmt.Errorf("no video track on audio-only stream")
	}
	s.frontFacing = !s.frontFacing
	return s.frontFacing, nil
}

// SetSpeakerphone is an OS audio-routing concern; nothing to do at the
// transport layer.
func (s *pionStream) SetSpeakerphone(on bool) error {
	return nil
}

func (s *pionStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
