// Package transport provides the shared publish/subscribe boundary the
// multiplexer speaks over: one inbound request subscription addressed to the
// service identity, responses back to the sender, and asynchronous
// notifications pushed to individual clients.
package transport

import (
	"context"
	"encoding/json"
)

// Request is one protocol call from a downstream client.
type Request struct {
	ID     string          `json:"id"`
	Client string          `json:"client"` // sender pubkey
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is a protocol-visible failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Response answers exactly one Request.
type Response struct {
	ID         string          `json:"id"`
	ResultType string          `json:"result_type"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *Error          `json:"error,omitempty"`
}

// Notification is an unsolicited message pushed to a client, e.g. when one of
// its pending invoices settles.
type Notification struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Handler receives every inbound request. It must not block the subscription;
// slow work is dispatched by the caller.
type Handler func(ctx context.Context, req *Request)

// Transport is the boundary to the shared pub/sub network. Implementations
// hold exactly one inbound subscription regardless of how many clients talk
// to the service.
type Transport interface {
	// Subscribe establishes the single inbound request subscription.
	Subscribe(ctx context.Context, handler Handler) error
	// Respond publishes the response for a previously received request.
	Respond(ctx context.Context, req *Request, resp *Response) error
	// Notify pushes a notification to one client.
	Notify(ctx context.Context, clientPubkey string, n *Notification) error
	Close() error
}
