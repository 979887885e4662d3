package signaling

import (
	"context"
	"sync"
)

// MemoryTransport is an in-process Transport. It backs single-process
// deployments and the test suites; delivery semantics match the Redis
// transport: only subscribers live at publish time receive the payload.
type MemoryTransport struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]bool
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string]map[chan []byte]bool)}
}

// Subscribe registers a subscriber channel on topic.
func (t *MemoryTransport) Subscribe(ctx context.Context, topic string) (<-chan []byte, context.CancelFunc, error) {
	ch := make(chan []byte, 64)

	t.mu.Lock()
	if t.subs[topic] == nil {
		t.subs[topic] = make(map[chan []byte]bool)
	}
	t.subs[topic][ch] = true
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			if chans, ok := t.subs[topic]; ok {
				delete(chans, ch)
				if len(chans) == 0 {
					delete(t.subs, topic)
				}
			}
			t.mu.Unlock()
			close(ch)
		})
	}

	return ch, cancel, nil
}

// Publish fans payload out to current subscribers of topic. Payloads for
// slow subscribers are dropped rather than blocking the publisher.
func (t *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for ch := range t.subs[topic] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}
