package mux

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"walletmux/internal/logging"
	"walletmux/internal/store"
	"walletmux/internal/transport"
	"walletmux/internal/wallet"
)

// SettlementEvent describes a payment that has completed upstream, produced
// either by the wallet's push stream or by a lookup_invoice result. It is
// consumed once and discarded.
type SettlementEvent struct {
	PaymentHash     string
	Invoice         string
	DescriptionHash string
	AmountMsat      int64
	SettledAt       int64
}

// sessionResolver is how the reconciler reaches the per-client service for a
// settlement's owner. The Router is the only implementation; routing credit
// through it keeps session creation under a single authority.
type sessionResolver interface {
	getOrCreate(ctx context.Context, pubkey string) (*Session, error)
}

// Reconciler matches settlement events against the pending invoice table and
// credits the owning client exactly once per invoice.
type Reconciler struct {
	store    store.Store
	wallet   wallet.Client
	tp       transport.Transport
	resolver sessionResolver
}

// NewReconciler creates a reconciler over the given store and transport.
func NewReconciler(st store.Store, wc wallet.Client, tp transport.Transport, resolver sessionResolver) *Reconciler {
	return &Reconciler{store: st, wallet: wc, tp: tp, resolver: resolver}
}

// Start subscribes to the upstream wallet's settlement push stream and feeds
// it into Reconcile. Wallets without push support are not an error; their
// settlements are discovered through lookup_invoice polling instead.
func (r *Reconciler) Start(ctx context.Context) error {
	updates, err := r.wallet.SubscribeSettlements(ctx)
	if errors.Is(err, wallet.ErrNoNotifications) {
		logging.Wallet.Println("upstream wallet has no settlement push; relying on lookup_invoice polling")
		return nil
	}
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				// A credit in flight should complete even if shutdown has
				// begun, so the event is processed on its own context.
				r.Reconcile(context.Background(), SettlementEvent{
					PaymentHash:     update.PaymentHash,
					Invoice:         update.Invoice,
					DescriptionHash: update.DescriptionHash,
					AmountMsat:      update.AmountMsat,
					SettledAt:       update.SettledAt,
				})
			}
		}
	}()

	return nil
}

// paymentReceivedData is the notification payload pushed to a client when one
// of its invoices settles.
type paymentReceivedData struct {
	PaymentHash     string `json:"payment_hash"`
	Invoice         string `json:"invoice,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	AmountMsat      int64  `json:"amount"`
	SettledAt       int64  `json:"settled_at,omitempty"`
}

// Reconcile credits the owner of the first pending invoice matching the
// event, removes the entry, and notifies the owner's client. A duplicate
// event finds no pending row and is a no-op; an event matching nothing at all
// is dropped silently (already reconciled, or not one of our invoices).
func (r *Reconciler) Reconcile(ctx context.Context, ev SettlementEvent) {
	pending, err := r.store.FindPending(ctx, store.MatchKeys{
		PaymentHash:     ev.PaymentHash,
		Invoice:         ev.Invoice,
		DescriptionHash: ev.DescriptionHash,
	})
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		logging.Ledger.Printf("settlement lookup failed for %s: %v", short(ev.PaymentHash), err)
		return
	}

	sess, err := r.resolver.getOrCreate(ctx, pending.Owner)
	if err != nil {
		logging.Ledger.Printf("CRITICAL: no session for settlement owner %s: %v", short(pending.Owner), err)
		return
	}

	// Remove-then-credit under the owner's lock. The removal is the
	// idempotency anchor: a concurrent or repeated event loses the delete
	// race and credits nothing.
	sess.mu.Lock()
	if err := r.store.RemovePending(ctx, pending.ID); err != nil {
		sess.mu.Unlock()
		if !errors.Is(err, store.ErrNotFound) {
			logging.Ledger.Printf("failed to remove pending invoice %d: %v", pending.ID, err)
		}
		return
	}
	if err := r.store.ApplyBalance(ctx, pending.Owner, pending.AmountMsat); err != nil {
		logging.Ledger.Printf("CRITICAL: failed to credit %d msat to %s for invoice %s: %v",
			pending.AmountMsat, short(pending.Owner), short(pending.PaymentHash), err)
	}
	sess.mu.Unlock()

	logging.Ledger.Printf("credited %d msat to %s (invoice %s)",
		pending.AmountMsat, short(pending.Owner), short(pending.PaymentHash))

	r.notify(ctx, pending, ev)
}

func (r *Reconciler) notify(ctx context.Context, pending *store.PendingInvoice, ev SettlementEvent) {
	data, err := json.Marshal(paymentReceivedData{
		PaymentHash:     pending.PaymentHash,
		Invoice:         pending.Invoice,
		DescriptionHash: pending.DescriptionHash,
		AmountMsat:      pending.AmountMsat,
		SettledAt:       ev.SettledAt,
	})
	if err != nil {
		logging.Relay.Printf("failed to marshal payment_received payload: %v", err)
		return
	}
	n := &transport.Notification{
		ID:   uuid.NewString(),
		Type: "payment_received",
		Data: data,
	}
	if err := r.tp.Notify(ctx, pending.Owner, n); err != nil {
		logging.Relay.Printf("failed to notify %s of settlement: %v", short(pending.Owner), err)
	}
}
