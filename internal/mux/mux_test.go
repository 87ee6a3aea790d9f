package mux

import (
	"context"
	"sync"
	"testing"
	"time"

	"walletmux/internal/store"
	"walletmux/internal/transport"
	"walletmux/internal/wallet"
)

// fakeWallet implements wallet.Client with injectable failures and call
// counting, so tests can assert which calls reached the upstream.
type fakeWallet struct {
	mu        sync.Mutex
	payCalls  int
	makeCalls int
	payErr    error
	makeErr   error
	lookupTxn *wallet.Transaction
	lookupErr error
	updates   chan wallet.SettlementUpdate
	noPush    bool
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{updates: make(chan wallet.SettlementUpdate, 16)}
}

func (f *fakeWallet) GetInfo(ctx context.Context) (*wallet.Info, error) {
	return &wallet.Info{Alias: "fake", Pubkey: "02fake", Network: "regtest"}, nil
}

func (f *fakeWallet) PayInvoice(ctx context.Context, invoice string, amountMsat int64) (*wallet.PayResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payCalls++
	if f.payErr != nil {
		return nil, f.payErr
	}
	return &wallet.PayResult{Preimage: "preimage"}, nil
}

func (f *fakeWallet) MakeInvoice(ctx context.Context, amountMsat int64, params wallet.MakeInvoiceParams) (*wallet.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.makeCalls++
	if f.makeErr != nil {
		return nil, f.makeErr
	}
	return &wallet.Invoice{
		PaymentHash: "made-hash",
		Invoice:     "lnbc-made",
		AmountMsat:  amountMsat,
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	}, nil
}

func (f *fakeWallet) LookupInvoice(ctx context.Context, paymentHash, invoice string) (*wallet.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if f.lookupTxn != nil {
		copied := *f.lookupTxn
		return &copied, nil
	}
	return nil, wallet.ErrInvoiceUnknown
}

func (f *fakeWallet) SubscribeSettlements(ctx context.Context) (<-chan wallet.SettlementUpdate, error) {
	if f.noPush {
		return nil, wallet.ErrNoNotifications
	}
	return f.updates, nil
}

func (f *fakeWallet) Close() error { return nil }

func (f *fakeWallet) pays() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payCalls
}

const testService = "svc-pubkey"

// newTestRouter builds a router over an in-memory store and transport.
func newTestRouter(t *testing.T, fw *fakeWallet, cfg RouterConfig) (*Router, *transport.MemoryTransport, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tp := transport.NewMemoryTransport(testService)
	return NewRouter(st, fw, tp, cfg), tp, st
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fund(t *testing.T, st store.Store, pubkey string, msat int64) {
	t.Helper()
	ctx := context.Background()
	if err := st.EnsureBalance(ctx, pubkey); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if msat > 0 {
		if err := st.ApplyBalance(ctx, pubkey, msat); err != nil {
			t.Fatalf("fund failed: %v", err)
		}
	}
}
