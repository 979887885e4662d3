// Package signaling provides the transient per-call message channel used to
// negotiate media sessions. Delivery is at-most-once and unordered: messages
// published while a peer is not subscribed are lost, never buffered.
package signaling

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Transport is a topic-based pub/sub carrier for signaling payloads.
// Subscribe must not return until the subscription is live, so a publish
// issued after Subscribe returns is observable by the subscriber.
type Transport interface {
	// Subscribe opens a live subscription on topic. The returned cancel
	// func tears the subscription down and eventually closes the channel.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, context.CancelFunc, error)

	// Publish delivers payload to current subscribers of topic. Payloads
	// published to a topic with no subscribers are dropped.
	Publish(ctx context.Context, topic string, payload []byte) error
}

// CallTopic is the per-call signaling topic.
func CallTopic(callID uuid.UUID) string {
	return fmt.Sprintf("call:%s", callID)
}

// IncomingTopic is the per-user topic carrying incoming-call notices.
func IncomingTopic(userID uuid.UUID) string {
	return fmt.Sprintf("incoming:%s", userID)
}
