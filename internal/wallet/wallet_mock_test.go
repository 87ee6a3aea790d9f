package wallet

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockClientInvoiceLifecycle(t *testing.T) {
	m := NewMockClient()
	defer m.Close()

	ctx := context.Background()

	inv, err := m.MakeInvoice(ctx, 5000, MakeInvoiceParams{Description: "coffee"})
	if err != nil {
		t.Fatalf("make invoice failed: %v", err)
	}
	if inv.PaymentHash == "" || inv.Invoice == "" {
		t.Fatalf("incomplete invoice: %+v", inv)
	}
	if inv.DescriptionHash == "" {
		t.Error("expected description hash derived from description")
	}

	txn, err := m.LookupInvoice(ctx, inv.PaymentHash, "")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if txn.Settled {
		t.Error("invoice settled before payment")
	}

	updates, err := m.SubscribeSettlements(ctx)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	m.SettleInvoice(inv.PaymentHash)

	select {
	case update := <-updates:
		if update.PaymentHash != inv.PaymentHash || update.AmountMsat != 5000 {
			t.Errorf("unexpected update: %+v", update)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no settlement update")
	}

	txn, err = m.LookupInvoice(ctx, "", inv.Invoice)
	if err != nil {
		t.Fatalf("lookup by invoice failed: %v", err)
	}
	if !txn.Settled {
		t.Error("invoice not settled after SettleInvoice")
	}
}

func TestMockClientFailureInjection(t *testing.T) {
	m := NewMockClient()
	defer m.Close()

	ctx := context.Background()
	m.FailPayments = true
	if _, err := m.PayInvoice(ctx, "lnbc1", 100); err == nil {
		t.Error("expected injected payment failure")
	}

	m.FailInvoices = true
	if _, err := m.MakeInvoice(ctx, 100, MakeInvoiceParams{}); err == nil {
		t.Error("expected injected invoice failure")
	}
}

func TestMockClientNoPush(t *testing.T) {
	m := NewMockClient()
	m.NoPush = true

	_, err := m.SubscribeSettlements(context.Background())
	if !errors.Is(err, ErrNoNotifications) {
		t.Errorf("expected ErrNoNotifications, got %v", err)
	}
}

func TestMockClientLookupUnknown(t *testing.T) {
	m := NewMockClient()
	defer m.Close()

	_, err := m.LookupInvoice(context.Background(), "missing", "")
	if !errors.Is(err, ErrInvoiceUnknown) {
		t.Errorf("expected ErrInvoiceUnknown, got %v", err)
	}
}
