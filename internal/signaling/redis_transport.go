package signaling

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jennie369/crypto-pattern-scanner-sub017/internal/database"
	apperrors "github.com/jennie369/crypto-pattern-scanner-sub017/pkg/errors"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/logger"
)

// RedisTransport carries signaling payloads over Redis Pub/Sub. It is the
// default transport: Redis fan-out gives at-most-once delivery to whoever is
// subscribed at publish time, which is exactly the channel contract.
type RedisTransport struct {
	client *database.RedisClient
}

// NewRedisTransport creates a transport backed by the shared Redis client.
func NewRedisTransport(client *database.RedisClient) *RedisTransport {
	return &RedisTransport{client: client}
}

// Subscribe opens a Pub/Sub subscription on topic. It blocks until Redis
// confirms the subscription, so callers may publish-after-subscribe safely.
func (t *RedisTransport) Subscribe(ctx context.Context, topic string) (<-chan []byte, context.CancelFunc, error) {
	pubsub := t.client.SafeSubscribe(ctx, topic)
	if pubsub == nil {
		return nil, nil, apperrors.ChannelError(fmt.Errorf("redis is in degraded mode"))
	}

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	// The caller's ctx only bounds subscription setup; the pump lives until
	// the returned cancel runs.
	subCtx, cancel := context.WithCancel(context.Background())
	out := make(chan []byte, 64)

	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg == nil {
					continue
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					logger.Warn("Signaling subscriber slow, dropping payload",
						zap.String("topic", topic))
				}
			}
		}
	}()

	return out, cancel, nil
}

// Publish delivers payload to current subscribers of topic.
func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.client.SafePublish(ctx, topic, payload).Err()
}
