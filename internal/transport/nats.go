package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"walletmux/internal/logging"
)

const (
	requestSubjectPrefix = "wmux.req."
	respondSubjectPrefix = "wmux.res."
	notifySubjectPrefix  = "wmux.notify."
)

// NATSTransport implements Transport over a NATS server. Requests arrive on
// wmux.req.<servicePubkey>; responses go to the request's reply subject when
// set, otherwise to wmux.res.<clientPubkey>; notifications go to
// wmux.notify.<clientPubkey>.
type NATSTransport struct {
	conn          *nats.Conn
	servicePubkey string
	queueName     string

	mu      sync.Mutex
	sub     *nats.Subscription
	replies map[string]string // request ID -> reply subject
}

// NATSOptions contains configuration options for the NATS transport.
type NATSOptions struct {
	// URL is the NATS server URL. Defaults to nats.DefaultURL.
	URL string
	// ServicePubkey is the service's own identity; the inbound subscription
	// is filtered to requests addressed to it.
	ServicePubkey string
	// QueueName is the queue group for the inbound subscription.
	QueueName string
	// ConnectionOptions are additional options for the NATS connection.
	ConnectionOptions []nats.Option
}

// NewNATSTransport connects to NATS and returns a transport bound to the
// given service identity. The subscription itself is established by Subscribe.
func NewNATSTransport(opts NATSOptions) (*NATSTransport, error) {
	if opts.ServicePubkey == "" {
		return nil, errors.New("service pubkey is required")
	}
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.QueueName == "" {
		opts.QueueName = "wmux-" + opts.ServicePubkey
	}

	conn, err := nats.Connect(opts.URL, opts.ConnectionOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSTransport{
		conn:          conn,
		servicePubkey: opts.ServicePubkey,
		queueName:     opts.QueueName,
		replies:       make(map[string]string),
	}, nil
}

func (t *NATSTransport) Subscribe(ctx context.Context, handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sub != nil {
		return nil // already subscribed
	}

	sub, err := t.conn.QueueSubscribe(requestSubjectPrefix+t.servicePubkey, t.queueName, func(msg *nats.Msg) {
		var req Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			logging.Relay.Printf("dropping malformed request: %v", err)
			return
		}
		if req.Client == "" {
			logging.Relay.Printf("dropping request %s with no sender identity", req.ID)
			return
		}

		if msg.Reply != "" {
			t.mu.Lock()
			t.replies[req.ID] = msg.Reply
			t.mu.Unlock()
		}

		handler(ctx, &req)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	t.sub = sub
	return nil
}

func (t *NATSTransport) Respond(ctx context.Context, req *Request, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	t.mu.Lock()
	subject, ok := t.replies[req.ID]
	delete(t.replies, req.ID)
	t.mu.Unlock()

	if !ok {
		subject = respondSubjectPrefix + req.Client
	}
	return t.conn.Publish(subject, data)
}

func (t *NATSTransport) Notify(ctx context.Context, clientPubkey string, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return t.conn.Publish(notifySubjectPrefix+clientPubkey, data)
}

func (t *NATSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sub != nil {
		if err := t.sub.Unsubscribe(); err != nil {
			logging.Relay.Printf("unsubscribe error: %v", err)
		}
		t.sub = nil
	}
	t.conn.Close()
	return nil
}
