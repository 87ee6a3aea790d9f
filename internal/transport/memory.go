package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cskr/pubsub"

	"walletmux/internal/logging"
)

// ErrClosed is returned by publish operations after Close.
var ErrClosed = errors.New("transport closed")

// MemoryTransport implements Transport over an in-process pub/sub bus. It is
// used by tests and by the embedded dev mode, and presents the same semantics
// as the NATS transport: one request subscription, JSON envelopes, per-client
// response and notification topics.
type MemoryTransport struct {
	servicePubkey string

	mu     sync.Mutex
	bus    *pubsub.PubSub
	closed bool
	reqCh  chan interface{}
	cancel context.CancelFunc
}

// NewMemoryTransport creates an in-process transport for the given service
// identity.
func NewMemoryTransport(servicePubkey string) *MemoryTransport {
	return &MemoryTransport{
		bus:           pubsub.New(64),
		servicePubkey: servicePubkey,
	}
}

func (t *MemoryTransport) Subscribe(ctx context.Context, handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.reqCh != nil {
		return nil // already subscribed
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch := t.bus.Sub(requestSubjectPrefix + t.servicePubkey)
	t.reqCh = ch
	t.cancel = cancel

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var req Request
				if err := json.Unmarshal(raw.([]byte), &req); err != nil {
					logging.Relay.Printf("dropping malformed request: %v", err)
					continue
				}
				if req.Client == "" {
					logging.Relay.Printf("dropping request %s with no sender identity", req.ID)
					continue
				}
				handler(subCtx, &req)
			}
		}
	}()

	return nil
}

// publish marshals v and publishes it to topic, failing cleanly after Close.
func (t *MemoryTransport) publish(v interface{}, topic string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.bus.Pub(data, topic)
	return nil
}

func (t *MemoryTransport) Respond(ctx context.Context, req *Request, resp *Response) error {
	return t.publish(resp, respondSubjectPrefix+req.Client)
}

func (t *MemoryTransport) Notify(ctx context.Context, clientPubkey string, n *Notification) error {
	return t.publish(n, notifySubjectPrefix+clientPubkey)
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.reqCh != nil {
		t.bus.Unsub(t.reqCh, requestSubjectPrefix+t.servicePubkey)
		t.reqCh = nil
	}
	t.bus.Shutdown()
	return nil
}

// SendRequest publishes a client request onto the bus; it is how test and
// embedded clients talk to the service.
func (t *MemoryTransport) SendRequest(req *Request) error {
	return t.publish(req, requestSubjectPrefix+t.servicePubkey)
}

// ClientResponses subscribes to the response topic of one client.
func (t *MemoryTransport) ClientResponses(clientPubkey string) <-chan *Response {
	out := make(chan *Response, 16)
	go decodeLoop(t.subscribe(respondSubjectPrefix+clientPubkey), out)
	return out
}

// ClientNotifications subscribes to the notification topic of one client.
func (t *MemoryTransport) ClientNotifications(clientPubkey string) <-chan *Notification {
	out := make(chan *Notification, 16)
	go decodeLoop(t.subscribe(notifySubjectPrefix+clientPubkey), out)
	return out
}

func (t *MemoryTransport) subscribe(topic string) chan interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		ch := make(chan interface{})
		close(ch)
		return ch
	}
	return t.bus.Sub(topic)
}

func decodeLoop[T any](in chan interface{}, out chan *T) {
	defer close(out)
	for raw := range in {
		var v T
		if err := json.Unmarshal(raw.([]byte), &v); err != nil {
			logging.Relay.Printf("dropping malformed message: %v", err)
			continue
		}
		out <- &v
	}
}
