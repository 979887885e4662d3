package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jennie369/crypto-pattern-scanner-sub017/internal/domain"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/constants"
	apperrors "github.com/jennie369/crypto-pattern-scanner-sub017/pkg/errors"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/logger"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/metrics"
)

// DispatchFunc receives every decoded envelope from the call channel, in
// receipt order. It runs on the channel's reader goroutine, so handlers must
// not block.
type DispatchFunc func(env *domain.SignalEnvelope)

// Channel is one participant's live attachment to a call's signaling topic.
// Envelopes sent by the participant itself are filtered out before dispatch.
type Channel struct {
	transport Transport
	callID    uuid.UUID
	userID    uuid.UUID
	log       *zap.Logger

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
}

// Open subscribes to the call topic and starts dispatching envelopes. It
// returns once the subscription is confirmed live, so peers publishing after
// Open returns are guaranteed a delivery attempt.
func Open(ctx context.Context, transport Transport, callID, userID uuid.UUID, dispatch DispatchFunc) (*Channel, error) {
	subCtx, cancelTimeout := context.WithTimeout(ctx, constants.SubscribeTimeout)
	defer cancelTimeout()

	msgs, cancel, err := transport.Subscribe(subCtx, CallTopic(callID))
	if err != nil {
		return nil, apperrors.ChannelError(err)
	}

	c := &Channel{
		transport: transport,
		callID:    callID,
		userID:    userID,
		cancel:    cancel,
		log: logger.Component("signaling").With(
			zap.String("call_id", callID.String()),
			zap.String("user_id", userID.String())),
	}

	go c.readLoop(msgs, dispatch)

	c.log.Debug("Signaling channel opened")
	return c, nil
}

// Send publishes an envelope on the call topic, stamping sender and time.
// After Close it is a silent no-op: teardown races envelopes in flight and
// a late mute or end must not resurrect the channel.
func (c *Channel) Send(ctx context.Context, env *domain.SignalEnvelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		metrics.SignalDroppedTotal.WithLabelValues("channel_closed").Inc()
		return nil
	}
	c.mu.Unlock()

	env.CallID = c.callID
	env.SenderID = c.userID
	env.Timestamp = time.Now()

	data, err := domain.EncodeSignal(env)
	if err != nil {
		return apperrors.ChannelError(err)
	}

	if err := c.transport.Publish(ctx, CallTopic(c.callID), data); err != nil {
		c.log.Warn("Failed to publish signal",
			zap.String("type", string(env.Type)),
			zap.Error(err))
		return apperrors.ChannelError(err)
	}

	metrics.SignalSentTotal.WithLabelValues(string(env.Type)).Inc()
	return nil
}

// Close tears the subscription down. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.log.Debug("Signaling channel closed")
}

func (c *Channel) readLoop(msgs <-chan []byte, dispatch DispatchFunc) {
	for payload := range msgs {
		env, err := domain.DecodeSignal(payload)
		if err != nil {
			c.log.Warn("Dropping malformed signal", zap.Error(err))
			metrics.SignalDroppedTotal.WithLabelValues("malformed").Inc()
			continue
		}

		if env.SenderID == c.userID {
			metrics.SignalDroppedTotal.WithLabelValues("self").Inc()
			continue
		}
		if env.TargetID != uuid.Nil && env.TargetID != c.userID {
			metrics.SignalDroppedTotal.WithLabelValues("other_target").Inc()
			continue
		}

		metrics.SignalReceivedTotal.WithLabelValues(string(env.Type)).Inc()
		dispatch(env)
	}
}
