package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/constants"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/logger"
)

// wsFrame is the multiplexing frame on the signaling WebSocket. The client
// sends subscribe/unsubscribe/publish actions; the relay confirms a
// subscription with an ack frame and relays payload frames tagged with their
// topic.
type wsFrame struct {
	Action  string          `json:"action,omitempty"` // subscribe|unsubscribe|publish|ack
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSTransport carries signaling payloads over a single WebSocket connection
// to a signaling relay, multiplexing topics onto frames. Used where clients
// cannot reach Redis directly.
type WSTransport struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	subs   map[string]map[chan []byte]bool
	acks   map[string]chan struct{}
	closed bool
	done   chan struct{}
}

// DialWS connects to the signaling relay and starts the read/write pumps.
func DialWS(ctx context.Context, url string, header http.Header) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial signaling relay: %w", err)
	}

	t := &WSTransport{
		conn: conn,
		send: make(chan []byte, 256),
		subs: make(map[string]map[chan []byte]bool),
		acks: make(map[string]chan struct{}),
		done: make(chan struct{}),
	}

	go t.writePump()
	go t.readPump()

	return t, nil
}

// Subscribe registers a local topic subscription and tells the relay to
// start forwarding the topic. The first subscription on a topic blocks until
// the relay acks it, so publishes issued after Subscribe returns are
// guaranteed to be relayed.
func (t *WSTransport) Subscribe(ctx context.Context, topic string) (<-chan []byte, context.CancelFunc, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, nil, fmt.Errorf("signaling transport closed")
	}
	ch := make(chan []byte, 64)
	if t.subs[topic] == nil {
		t.subs[topic] = make(map[chan []byte]bool)
	}
	t.subs[topic][ch] = true
	first := len(t.subs[topic]) == 1
	var ack chan struct{}
	if first {
		ack = make(chan struct{})
		t.acks[topic] = ack
	} else if pending, ok := t.acks[topic]; ok {
		// Another subscriber's ack is still in flight; wait on it too.
		ack = pending
	}
	t.mu.Unlock()

	if first {
		if err := t.enqueue(ctx, &wsFrame{Action: "subscribe", Topic: topic}); err != nil {
			t.dropAck(topic)
			t.removeSub(topic, ch)
			return nil, nil, err
		}
	}
	if ack != nil {
		select {
		case <-ack:
		case <-t.done:
			t.removeSub(topic, ch)
			return nil, nil, fmt.Errorf("signaling transport closed")
		case <-ctx.Done():
			t.dropAck(topic)
			t.removeSub(topic, ch)
			return nil, nil, fmt.Errorf("subscribe to %s not acked: %w", topic, ctx.Err())
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			last := t.removeSub(topic, ch)
			if last {
				// Best effort; the relay also drops topics on disconnect.
				_ = t.enqueue(context.Background(), &wsFrame{Action: "unsubscribe", Topic: topic})
			}
		})
	}

	return ch, cancel, nil
}

// Publish sends payload to the relay for fan-out on topic.
func (t *WSTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.enqueue(ctx, &wsFrame{Action: "publish", Topic: topic, Payload: payload})
}

// Close tears down the connection and all subscriptions.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	for topic, chans := range t.subs {
		for ch := range chans {
			close(ch)
		}
		delete(t.subs, topic)
	}
	t.mu.Unlock()

	return t.conn.Close()
}

func (t *WSTransport) enqueue(ctx context.Context, frame *wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal signaling frame: %w", err)
	}

	select {
	case t.send <- data:
		return nil
	case <-t.done:
		return fmt.Errorf("signaling transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *WSTransport) dropAck(topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.acks, topic)
}

func (t *WSTransport) removeSub(topic string, ch chan []byte) (last bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if chans, ok := t.subs[topic]; ok {
		if chans[ch] {
			delete(chans, ch)
			close(ch)
		}
		if len(chans) == 0 {
			delete(t.subs, topic)
			return true
		}
	}
	return false
}

// readPump reads frames from the relay and routes them to topic subscribers.
func (t *WSTransport) readPump() {
	defer t.Close()

	t.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("Signaling WebSocket closed", zap.Error(err))
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			logger.Warn("Invalid frame from signaling relay", zap.Error(err))
			continue
		}

		if frame.Action == "ack" {
			t.mu.Lock()
			if ack, ok := t.acks[frame.Topic]; ok {
				close(ack)
				delete(t.acks, frame.Topic)
			}
			t.mu.Unlock()
			continue
		}

		t.mu.RLock()
		for ch := range t.subs[frame.Topic] {
			select {
			case ch <- []byte(frame.Payload):
			default:
				logger.Warn("Signaling subscriber slow, dropping payload",
					zap.String("topic", frame.Topic))
			}
		}
		t.mu.RUnlock()
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (t *WSTransport) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case <-t.done:
			t.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			t.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
