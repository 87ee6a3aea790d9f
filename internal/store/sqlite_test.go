package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteStoreBalances(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	t.Run("UnknownClientIsZero", func(t *testing.T) {
		balance, err := store.GetBalance(ctx, "pk-unknown")
		if err != nil {
			t.Fatalf("failed to get balance: %v", err)
		}
		if balance != 0 {
			t.Errorf("expected 0, got %d", balance)
		}
	})

	t.Run("EnsureIsIdempotent", func(t *testing.T) {
		if err := store.EnsureBalance(ctx, "pk-a"); err != nil {
			t.Fatalf("failed to ensure: %v", err)
		}
		if err := store.ApplyBalance(ctx, "pk-a", 5000); err != nil {
			t.Fatalf("failed to credit: %v", err)
		}
		// A second ensure must not reset the balance
		if err := store.EnsureBalance(ctx, "pk-a"); err != nil {
			t.Fatalf("failed to re-ensure: %v", err)
		}
		balance, _ := store.GetBalance(ctx, "pk-a")
		if balance != 5000 {
			t.Errorf("expected 5000, got %d", balance)
		}
	})

	t.Run("ApplyNegativeDelta", func(t *testing.T) {
		store.EnsureBalance(ctx, "pk-b")
		store.ApplyBalance(ctx, "pk-b", 100)

		if err := store.ApplyBalance(ctx, "pk-b", -60); err != nil {
			t.Fatalf("failed to debit: %v", err)
		}
		balance, _ := store.GetBalance(ctx, "pk-b")
		if balance != 40 {
			t.Errorf("expected 40, got %d", balance)
		}
	})

	t.Run("NegativeResultRejected", func(t *testing.T) {
		store.EnsureBalance(ctx, "pk-c")
		store.ApplyBalance(ctx, "pk-c", 100)

		err := store.ApplyBalance(ctx, "pk-c", -150)
		if !errors.Is(err, ErrNegativeBalance) {
			t.Errorf("expected ErrNegativeBalance, got %v", err)
		}
		balance, _ := store.GetBalance(ctx, "pk-c")
		if balance != 100 {
			t.Errorf("balance changed on rejected debit: %d", balance)
		}
	})

	t.Run("ApplyToMissingRow", func(t *testing.T) {
		err := store.ApplyBalance(ctx, "pk-missing", 100)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListBalances", func(t *testing.T) {
		balances, err := store.ListBalances(ctx)
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if balances["pk-a"] != 5000 || balances["pk-b"] != 40 || balances["pk-c"] != 100 {
			t.Errorf("unexpected balances: %v", balances)
		}
	})
}

func TestSQLiteStorePending(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	t.Run("AddAndFindByEachKey", func(t *testing.T) {
		inv := &PendingInvoice{
			Owner:           "pk-a",
			AmountMsat:      50000,
			PaymentHash:     "hash1",
			Invoice:         "lnbc-inv1",
			DescriptionHash: "desc1",
			ExpiresAt:       future,
		}
		if err := store.AddPending(ctx, inv); err != nil {
			t.Fatalf("failed to add: %v", err)
		}
		if inv.ID == 0 {
			t.Fatal("expected row id to be set")
		}

		for name, keys := range map[string]MatchKeys{
			"payment hash":     {PaymentHash: "hash1"},
			"invoice":          {Invoice: "lnbc-inv1"},
			"description hash": {DescriptionHash: "desc1"},
		} {
			got, err := store.FindPending(ctx, keys)
			if err != nil {
				t.Fatalf("find by %s failed: %v", name, err)
			}
			if got.ID != inv.ID || got.Owner != "pk-a" || got.AmountMsat != 50000 {
				t.Errorf("find by %s: got %+v", name, got)
			}
		}
	})

	t.Run("EmptyKeysNeverMatch", func(t *testing.T) {
		// An entry with only a payment hash must not match an event whose
		// payment hash is empty, even though both invoice fields are "".
		inv := &PendingInvoice{
			Owner:       "pk-b",
			AmountMsat:  100,
			PaymentHash: "hash-only",
			ExpiresAt:   future,
		}
		store.AddPending(ctx, inv)

		_, err := store.FindPending(ctx, MatchKeys{Invoice: "", DescriptionHash: ""})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for empty keys, got %v", err)
		}
	})

	t.Run("RemoveIsIdempotencyAnchor", func(t *testing.T) {
		inv := &PendingInvoice{Owner: "pk-c", AmountMsat: 10, PaymentHash: "hash2", ExpiresAt: future}
		store.AddPending(ctx, inv)

		if err := store.RemovePending(ctx, inv.ID); err != nil {
			t.Fatalf("first remove failed: %v", err)
		}
		if err := store.RemovePending(ctx, inv.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on second remove, got %v", err)
		}
		if _, err := store.FindPending(ctx, MatchKeys{PaymentHash: "hash2"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("removed entry still matches: %v", err)
		}
	})

	t.Run("OldestEntryMatchesFirst", func(t *testing.T) {
		a := &PendingInvoice{Owner: "pk-d", AmountMsat: 1, PaymentHash: "shared", ExpiresAt: future}
		b := &PendingInvoice{Owner: "pk-e", AmountMsat: 2, PaymentHash: "shared", ExpiresAt: future}
		store.AddPending(ctx, a)
		store.AddPending(ctx, b)

		got, err := store.FindPending(ctx, MatchKeys{PaymentHash: "shared"})
		if err != nil {
			t.Fatalf("find failed: %v", err)
		}
		if got.ID != a.ID {
			t.Errorf("expected oldest entry %d, got %d", a.ID, got.ID)
		}
	})

	t.Run("PruneExpired", func(t *testing.T) {
		expired := &PendingInvoice{Owner: "pk-f", AmountMsat: 10, PaymentHash: "hash3", ExpiresAt: time.Now().Add(-time.Minute)}
		live := &PendingInvoice{Owner: "pk-f", AmountMsat: 20, PaymentHash: "hash4", ExpiresAt: future}
		store.AddPending(ctx, expired)
		store.AddPending(ctx, live)

		pruned, err := store.PruneExpired(ctx)
		if err != nil {
			t.Fatalf("prune failed: %v", err)
		}
		if pruned != 1 {
			t.Errorf("expected 1 pruned, got %d", pruned)
		}
		if _, err := store.FindPending(ctx, MatchKeys{PaymentHash: "hash3"}); !errors.Is(err, ErrNotFound) {
			t.Error("expired entry survived prune")
		}
		if _, err := store.FindPending(ctx, MatchKeys{PaymentHash: "hash4"}); err != nil {
			t.Errorf("live entry pruned: %v", err)
		}
	})

	t.Run("ListPendingByOwner", func(t *testing.T) {
		pending, err := store.ListPending(ctx, "pk-f")
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(pending) != 1 || pending[0].PaymentHash != "hash4" {
			t.Errorf("unexpected pending set: %+v", pending)
		}
	})
}

func TestSQLiteStoreReload(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	store.EnsureBalance(ctx, "pk-a")
	store.ApplyBalance(ctx, "pk-a", 100000)
	store.EnsureBalance(ctx, "pk-b")
	store.AddPending(ctx, &PendingInvoice{
		Owner:       "pk-a",
		AmountMsat:  50000,
		PaymentHash: "h1",
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	balances, err := reopened.ListBalances(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if balances["pk-a"] != 100000 || balances["pk-b"] != 0 {
		t.Errorf("balances not reloaded: %v", balances)
	}
	if len(balances) != 2 {
		t.Errorf("expected 2 entries, got %d", len(balances))
	}

	got, err := reopened.FindPending(ctx, MatchKeys{PaymentHash: "h1"})
	if err != nil {
		t.Fatalf("pending not reloaded: %v", err)
	}
	if got.Owner != "pk-a" || got.AmountMsat != 50000 || got.State != StatePending {
		t.Errorf("unexpected pending entry: %+v", got)
	}
}

func TestSQLiteStoreStats(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	store.EnsureBalance(ctx, "pk-a")
	store.ApplyBalance(ctx, "pk-a", 1500)
	store.EnsureBalance(ctx, "pk-b")
	store.ApplyBalance(ctx, "pk-b", 500)
	store.AddPending(ctx, &PendingInvoice{Owner: "pk-a", AmountMsat: 300, PaymentHash: "h", ExpiresAt: time.Now().Add(time.Hour)})

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Clients != 2 {
		t.Errorf("expected 2 clients, got %d", stats.Clients)
	}
	if stats.TotalBalanceMsat != 2000 {
		t.Errorf("expected 2000 msat total, got %d", stats.TotalBalanceMsat)
	}
	if stats.PendingInvoices != 1 || stats.PendingMsat != 300 {
		t.Errorf("unexpected pending stats: %+v", stats)
	}
}
