package store

import (
	"context"
	"time"
)

// PendingState is the lifecycle state of a pending invoice.
type PendingState string

const (
	StatePending PendingState = "pending"
)

// PendingInvoice is an invoice issued on behalf of a client that has not yet
// been confirmed settled. At least one of PaymentHash, Invoice or
// DescriptionHash is expected to be set.
type PendingInvoice struct {
	ID              int64
	Owner           string // client pubkey the credit belongs to
	AmountMsat      int64
	PaymentHash     string
	Invoice         string // BOLT11 encoded
	DescriptionHash string
	ExpiresAt       time.Time
	State           PendingState
	CreatedAt       time.Time
}

// MatchKeys are the settlement-matching keys carried by a settlement event.
// A pending invoice matches if any one key is present on both sides and equal.
type MatchKeys struct {
	PaymentHash     string
	Invoice         string
	DescriptionHash string
}

// Stats contains aggregate statistics about the ledger.
type Stats struct {
	Clients          int
	TotalBalanceMsat int64
	PendingInvoices  int
	PendingMsat      int64
	ExpiredPending   int
}

// Store defines the interface for ledger persistence: one balance row per
// client pubkey plus the table of outstanding pending invoices.
type Store interface {
	// GetBalance returns the balance for a client, 0 if the client is unknown.
	GetBalance(ctx context.Context, pubkey string) (int64, error)
	// EnsureBalance persists a zero balance row for a client if none exists.
	EnsureBalance(ctx context.Context, pubkey string) error
	// ApplyBalance adds delta (possibly negative) to a client's balance.
	// Returns ErrNegativeBalance if the result would drop below zero.
	ApplyBalance(ctx context.Context, pubkey string, delta int64) error
	// ListBalances returns every persisted pubkey -> balance entry.
	ListBalances(ctx context.Context) (map[string]int64, error)

	AddPending(ctx context.Context, inv *PendingInvoice) error
	// FindPending returns the oldest pending invoice matching any one of the
	// given keys, or ErrNotFound.
	FindPending(ctx context.Context, keys MatchKeys) (*PendingInvoice, error)
	// RemovePending deletes a pending invoice by row id. Returns ErrNotFound
	// if it was already removed.
	RemovePending(ctx context.Context, id int64) error
	ListPending(ctx context.Context, owner string) ([]*PendingInvoice, error)
	// PruneExpired deletes every pending invoice whose expiry has passed and
	// returns the number removed.
	PruneExpired(ctx context.Context) (int, error)

	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
