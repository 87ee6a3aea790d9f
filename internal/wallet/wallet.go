package wallet

import (
	"context"
	"errors"
)

var (
	ErrNoNotifications = errors.New("wallet does not support settlement notifications")
)

// Info describes the upstream wallet node.
type Info struct {
	Alias       string
	Pubkey      string
	Network     string
	BlockHeight uint64
	Methods     []string
}

// Invoice represents a Lightning invoice created by the upstream wallet.
type Invoice struct {
	PaymentHash     string
	Invoice         string // BOLT11 encoded
	Description     string
	DescriptionHash string
	AmountMsat      int64
	CreatedAt       int64
	ExpiresAt       int64
}

// PayResult is the outcome of a successful outgoing payment.
type PayResult struct {
	Preimage     string
	FeesPaidMsat int64
}

// Transaction is the state of an invoice as reported by the upstream wallet.
type Transaction struct {
	Type            string // "incoming" or "outgoing"
	Invoice         string
	Description     string
	DescriptionHash string
	Preimage        string
	PaymentHash     string
	AmountMsat      int64
	FeesPaidMsat    int64
	CreatedAt       int64
	SettledAt       int64
	Settled         bool
}

// MakeInvoiceParams are the optional fields for creating an invoice.
type MakeInvoiceParams struct {
	Description     string
	DescriptionHash string
	ExpirySecs      int64
}

// SettlementUpdate reports an incoming payment the upstream wallet has settled.
type SettlementUpdate struct {
	PaymentHash     string
	Invoice         string
	DescriptionHash string
	AmountMsat      int64
	SettledAt       int64
}

// Client defines the interface to the single upstream wallet shared by all
// downstream clients. Implementations that cannot push settlement updates
// return ErrNoNotifications from SubscribeSettlements; settlement is then
// discovered only through LookupInvoice polling.
type Client interface {
	GetInfo(ctx context.Context) (*Info, error)
	PayInvoice(ctx context.Context, invoice string, amountMsat int64) (*PayResult, error)
	MakeInvoice(ctx context.Context, amountMsat int64, params MakeInvoiceParams) (*Invoice, error)
	LookupInvoice(ctx context.Context, paymentHash, invoice string) (*Transaction, error)
	SubscribeSettlements(ctx context.Context) (<-chan SettlementUpdate, error)
	Close() error
}
