package peer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/constants"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/logger"
)

// QualityLevel is the discretized connection quality shown to the user.
// Ordered worst to best so it doubles as a gauge value.
type QualityLevel int

const (
	QualityBad QualityLevel = iota
	QualityPoor
	QualityFair
	QualityGood
	QualityExcellent
)

func (q QualityLevel) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	default:
		return "bad"
	}
}

// qualityForRTT maps a round-trip time onto the discrete scale.
func qualityForRTT(rtt time.Duration) QualityLevel {
	switch {
	case rtt < constants.QualityExcellentBelow:
		return QualityExcellent
	case rtt < constants.QualityGoodBelow:
		return QualityGood
	case rtt < constants.QualityFairBelow:
		return QualityFair
	case rtt < constants.QualityPoorBelow:
		return QualityPoor
	default:
		return QualityBad
	}
}

// qualitySampler periodically reads RTT from the media session and invokes
// onChange only when the discretized level moves, so the UI is not churned
// by jitter within a band.
type qualitySampler struct {
	media    MediaSession
	interval time.Duration
	onChange func(QualityLevel)

	cancel context.CancelFunc
	last   QualityLevel
	primed bool
}

func newQualitySampler(media MediaSession, interval time.Duration, onChange func(QualityLevel)) *qualitySampler {
	if interval <= 0 {
		interval = constants.DefaultQualitySampleInterval
	}
	return &qualitySampler{media: media, interval: interval, onChange: onChange}
}

func (s *qualitySampler) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sample(ctx)
			}
		}
	}()
}

func (s *qualitySampler) sample(ctx context.Context) {
	rtt, err := s.media.RoundTripTime(ctx)
	if err != nil {
		logger.Debug("Quality sample unavailable", zap.Error(err))
		return
	}

	level := qualityForRTT(rtt)
	if s.primed && level == s.last {
		return
	}
	s.last = level
	s.primed = true

	if s.onChange != nil {
		s.onChange(level)
	}
}

func (s *qualitySampler) stop() {
	if s.cancel != nil {
		s.cancel()
	}
}
