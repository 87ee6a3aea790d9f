package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryTransportRoundTrip(t *testing.T) {
	tp := NewMemoryTransport("svc")
	defer tp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := tp.Subscribe(ctx, func(ctx context.Context, req *Request) {
		result, _ := json.Marshal(map[string]int64{"balance": 21})
		tp.Respond(ctx, req, &Response{ID: req.ID, ResultType: req.Method, Result: result})
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	responses := tp.ClientResponses("client-1")

	if err := tp.SendRequest(&Request{ID: "r1", Client: "client-1", Method: "get_balance"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case resp := <-responses:
		if resp.ID != "r1" || resp.ResultType != "get_balance" {
			t.Errorf("unexpected response: %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
}

func TestMemoryTransportDropsAnonymousRequests(t *testing.T) {
	tp := NewMemoryTransport("svc")
	defer tp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan string, 2)
	tp.Subscribe(ctx, func(ctx context.Context, req *Request) {
		handled <- req.ID
	})

	tp.SendRequest(&Request{ID: "no-sender", Method: "get_info"})
	tp.SendRequest(&Request{ID: "ok", Client: "client-1", Method: "get_info"})

	select {
	case id := <-handled:
		if id != "ok" {
			t.Errorf("request without sender identity was dispatched: %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request not handled")
	}
}

func TestMemoryTransportNotify(t *testing.T) {
	tp := NewMemoryTransport("svc")
	defer tp.Close()

	notifications := tp.ClientNotifications("client-1")
	other := tp.ClientNotifications("client-2")

	data, _ := json.Marshal(map[string]string{"payment_hash": "h1"})
	if err := tp.Notify(context.Background(), "client-1", &Notification{
		ID: "n1", Type: "payment_received", Data: data,
	}); err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	select {
	case n := <-notifications:
		if n.Type != "payment_received" || n.ID != "n1" {
			t.Errorf("unexpected notification: %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}

	select {
	case n := <-other:
		t.Errorf("notification leaked to wrong client: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryTransportSubscribeOnce(t *testing.T) {
	tp := NewMemoryTransport("svc")
	defer tp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := make(chan *Request, 2)
	if err := tp.Subscribe(ctx, func(ctx context.Context, req *Request) { first <- req }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	// A second subscribe is a no-op; the original handler keeps the single
	// shared subscription.
	if err := tp.Subscribe(ctx, func(ctx context.Context, req *Request) {
		t.Error("second handler should never run")
	}); err != nil {
		t.Fatalf("re-subscribe failed: %v", err)
	}

	tp.SendRequest(&Request{ID: "r1", Client: "client-1", Method: "get_info"})
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("request not handled by original subscription")
	}
}
