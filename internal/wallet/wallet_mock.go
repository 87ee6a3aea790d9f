package wallet

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

var ErrInvoiceUnknown = errors.New("invoice unknown")

// MockClient implements Client for testing and development. Payments always
// succeed unless a failure is injected, and incoming settlements can be
// simulated with SettleInvoice.
type MockClient struct {
	mu       sync.Mutex
	closed   bool
	invoices map[string]*Transaction // keyed by payment hash
	updates  chan SettlementUpdate

	// AutoSettleAfter settles new invoices after the given delay
	// (development convenience). Zero disables it.
	AutoSettleAfter time.Duration

	// FailPayments makes PayInvoice return an error without effect.
	FailPayments bool
	// FailInvoices makes MakeInvoice return an error without effect.
	FailInvoices bool
	// NoPush disables the settlement stream to exercise the polling path.
	NoPush bool
}

// NewMockClient creates a new mock wallet client.
func NewMockClient() *MockClient {
	return &MockClient{
		invoices: make(map[string]*Transaction),
		updates:  make(chan SettlementUpdate, 100),
	}
}

func (m *MockClient) GetInfo(ctx context.Context) (*Info, error) {
	return &Info{
		Alias:   "mock",
		Pubkey:  "02mock",
		Network: "regtest",
		Methods: []string{"get_info", "get_balance", "pay_invoice", "make_invoice", "lookup_invoice"},
	}, nil
}

func (m *MockClient) PayInvoice(ctx context.Context, invoice string, amountMsat int64) (*PayResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailPayments {
		return nil, errors.New("mock: payment failed")
	}

	preimage, err := randomHex()
	if err != nil {
		return nil, err
	}
	return &PayResult{Preimage: preimage, FeesPaidMsat: 0}, nil
}

func (m *MockClient) MakeInvoice(ctx context.Context, amountMsat int64, params MakeInvoiceParams) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailInvoices {
		return nil, errors.New("mock: invoice creation failed")
	}

	hash, err := randomHex()
	if err != nil {
		return nil, err
	}

	expiry := params.ExpirySecs
	if expiry == 0 {
		expiry = 3600
	}
	now := time.Now().Unix()

	descHash := params.DescriptionHash
	if descHash == "" && params.Description != "" {
		sum := sha256.Sum256([]byte(params.Description))
		descHash = hex.EncodeToString(sum[:])
	}

	inv := &Invoice{
		PaymentHash:     hash,
		Invoice:         "lnbcrt" + hash[:20],
		Description:     params.Description,
		DescriptionHash: descHash,
		AmountMsat:      amountMsat,
		CreatedAt:       now,
		ExpiresAt:       now + expiry,
	}
	m.invoices[hash] = &Transaction{
		Type:            "incoming",
		Invoice:         inv.Invoice,
		Description:     inv.Description,
		DescriptionHash: inv.DescriptionHash,
		PaymentHash:     hash,
		AmountMsat:      amountMsat,
		CreatedAt:       now,
	}

	if m.AutoSettleAfter > 0 {
		go func() {
			time.Sleep(m.AutoSettleAfter)
			m.SettleInvoice(hash)
		}()
	}

	return inv, nil
}

func (m *MockClient) LookupInvoice(ctx context.Context, paymentHash, invoice string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if paymentHash != "" {
		if txn, ok := m.invoices[paymentHash]; ok {
			copied := *txn
			return &copied, nil
		}
	}
	for _, txn := range m.invoices {
		if invoice != "" && txn.Invoice == invoice {
			copied := *txn
			return &copied, nil
		}
	}
	return nil, ErrInvoiceUnknown
}

func (m *MockClient) SubscribeSettlements(ctx context.Context) (<-chan SettlementUpdate, error) {
	if m.NoPush {
		return nil, ErrNoNotifications
	}
	return m.updates, nil
}

// SettleInvoice marks an invoice paid and pushes a settlement update.
func (m *MockClient) SettleInvoice(paymentHash string) {
	m.mu.Lock()
	txn, ok := m.invoices[paymentHash]
	if ok {
		txn.Settled = true
		txn.SettledAt = time.Now().Unix()
	}
	closed := m.closed
	m.mu.Unlock()

	update := SettlementUpdate{PaymentHash: paymentHash, SettledAt: time.Now().Unix()}
	if ok {
		update.Invoice = txn.Invoice
		update.DescriptionHash = txn.DescriptionHash
		update.AmountMsat = txn.AmountMsat
	}
	if !m.NoPush && !closed {
		m.updates <- update
	}
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	wasClosed := m.closed
	m.closed = true
	m.mu.Unlock()
	if !m.NoPush && !wasClosed {
		close(m.updates)
	}
	return nil
}

func randomHex() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
