package signaling

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jennie369/crypto-pattern-scanner-sub017/internal/domain"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/logger"
)

// OfferBuffer is a short-lived early subscription opened while the callee is
// still on the incoming-call screen. An offer published before the real
// channel exists would otherwise be lost; the buffer holds the first one seen
// so the answer flow can consume it immediately.
type OfferBuffer struct {
	mu     sync.Mutex
	offer  *domain.SignalEnvelope
	cancel context.CancelFunc
	done   bool
}

// CaptureOffer starts buffering offers on the call topic for userID.
func CaptureOffer(ctx context.Context, transport Transport, callID, userID uuid.UUID) (*OfferBuffer, error) {
	msgs, cancel, err := transport.Subscribe(ctx, CallTopic(callID))
	if err != nil {
		return nil, err
	}

	b := &OfferBuffer{cancel: cancel}

	go func() {
		for payload := range msgs {
			env, err := domain.DecodeSignal(payload)
			if err != nil || env.Type != domain.SignalOffer || env.SenderID == userID {
				continue
			}

			b.mu.Lock()
			// Later offers supersede earlier ones; the caller resends
			// on ready and only the freshest SDP is answerable.
			b.offer = env
			b.mu.Unlock()

			logger.Debug("Buffered early offer",
				zap.String("call_id", callID.String()))
		}
	}()

	return b, nil
}

// Take stops the buffer and returns the captured offer, if any. One-shot.
func (b *OfferBuffer) Take() (*domain.SignalEnvelope, bool) {
	b.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offer == nil {
		return nil, false
	}
	offer := b.offer
	b.offer = nil
	return offer, true
}

// Stop cancels the early subscription. Idempotent.
func (b *OfferBuffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	b.cancel()
}
