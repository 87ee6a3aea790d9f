package mux

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"walletmux/internal/logging"
	"walletmux/internal/store"
	"walletmux/internal/transport"
	"walletmux/internal/wallet"
)

// Session is the per-client service: it answers protocol calls for exactly
// one downstream client against that client's virtual sub-wallet. Requests
// are handled one at a time by the session worker; the session mutex
// additionally serializes balance and pending-table mutations against the
// reconciler. Sessions for different clients never contend.
type Session struct {
	pubkey string
	store  store.Store
	wallet wallet.Client
	tp     transport.Transport
	recon  *Reconciler

	mu sync.Mutex // guards this client's ledger/pending mutations

	qmu    sync.Mutex
	closed bool
	reqs   chan *transport.Request
	done   chan struct{}
}

func newSession(pubkey string, st store.Store, wc wallet.Client, tp transport.Transport, recon *Reconciler) *Session {
	s := &Session{
		pubkey: pubkey,
		store:  st,
		wallet: wc,
		tp:     tp,
		recon:  recon,
		reqs:   make(chan *transport.Request, 32),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.done)
	for req := range s.reqs {
		// Shutdown drains the queue; in-flight upstream calls are never
		// aborted, so use a background context here.
		ctx := context.Background()
		resp := s.handleRequest(ctx, req)
		if err := s.tp.Respond(ctx, req, resp); err != nil {
			logging.Relay.Printf("failed to respond to %s for %s: %v", req.Method, short(s.pubkey), err)
		}
	}
}

// enqueue hands a request to the session worker, preserving per-client order.
// Returns false if the session has been stopped.
func (s *Session) enqueue(req *transport.Request) bool {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.closed {
		return false
	}
	s.reqs <- req
	return true
}

// stop closes the queue and waits for the worker to drain it.
func (s *Session) stop() {
	s.qmu.Lock()
	if !s.closed {
		s.closed = true
		close(s.reqs)
	}
	s.qmu.Unlock()
	<-s.done
}

// Request parameter and result shapes. The transport delivers params as raw
// JSON; these are the method-specific contracts.

type payInvoiceParams struct {
	Invoice    string `json:"invoice"`
	AmountMsat int64  `json:"amount"`
}

type payInvoiceResult struct {
	Preimage     string `json:"preimage"`
	FeesPaidMsat int64  `json:"fees_paid"`
}

type makeInvoiceParams struct {
	AmountMsat      int64  `json:"amount"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	ExpirySecs      int64  `json:"expiry,omitempty"`
}

type lookupInvoiceParams struct {
	PaymentHash string `json:"payment_hash,omitempty"`
	Invoice     string `json:"invoice,omitempty"`
}

type balanceResult struct {
	BalanceMsat int64 `json:"balance"`
}

type infoResult struct {
	Alias       string   `json:"alias"`
	Pubkey      string   `json:"pubkey"`
	Network     string   `json:"network"`
	BlockHeight uint64   `json:"block_height"`
	Methods     []string `json:"methods"`
}

type transactionResult struct {
	Type            string `json:"type"`
	Invoice         string `json:"invoice,omitempty"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	Preimage        string `json:"preimage,omitempty"`
	PaymentHash     string `json:"payment_hash"`
	AmountMsat      int64  `json:"amount"`
	FeesPaidMsat    int64  `json:"fees_paid,omitempty"`
	CreatedAt       int64  `json:"created_at,omitempty"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
	SettledAt       int64  `json:"settled_at,omitempty"`
}

func (s *Session) handleRequest(ctx context.Context, req *transport.Request) *transport.Response {
	var result interface{}
	var err error

	switch req.Method {
	case "get_balance":
		result, err = s.getBalance(ctx)
	case "get_info":
		result, err = s.getInfo(ctx)
	case "pay_invoice":
		result, err = s.payInvoice(ctx, req.Params)
	case "make_invoice":
		result, err = s.makeInvoice(ctx, req.Params)
	case "lookup_invoice":
		result, err = s.lookupInvoice(ctx, req.Params)
	default:
		err = &transport.Error{Code: CodeNotImplemented, Message: "unknown method: " + req.Method}
	}

	resp := &transport.Response{ID: req.ID, ResultType: req.Method}
	if err != nil {
		resp.Error = toProtocolError(err)
		return resp
	}

	data, merr := json.Marshal(result)
	if merr != nil {
		resp.Error = &transport.Error{Code: CodeInternal, Message: merr.Error()}
		return resp
	}
	resp.Result = data
	return resp
}

func toProtocolError(err error) *transport.Error {
	var perr *transport.Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, ErrInsufficientBalance) {
		return &transport.Error{Code: CodeInsufficientBalance, Message: err.Error()}
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, wallet.ErrInvoiceUnknown) {
		return &transport.Error{Code: CodeNotFound, Message: err.Error()}
	}
	return &transport.Error{Code: CodeInternal, Message: err.Error()}
}

func (s *Session) getBalance(ctx context.Context) (*balanceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance, err := s.store.GetBalance(ctx, s.pubkey)
	if err != nil {
		return nil, err
	}
	return &balanceResult{BalanceMsat: balance}, nil
}

func (s *Session) getInfo(ctx context.Context) (*infoResult, error) {
	info, err := s.wallet.GetInfo(ctx)
	if err != nil {
		return nil, err
	}
	return &infoResult{
		Alias:       info.Alias,
		Pubkey:      info.Pubkey,
		Network:     info.Network,
		BlockHeight: info.BlockHeight,
		Methods:     info.Methods,
	}, nil
}

// payInvoice enforces the ledger invariant: the balance check happens strictly
// before the upstream call and the deduction strictly after upstream success,
// all under the session lock. An upstream failure leaves the balance
// untouched, and concurrent payments for the same client are serialized so
// two of them can never both pass the pre-check against the same funds.
func (s *Session) payInvoice(ctx context.Context, params json.RawMessage) (*payInvoiceResult, error) {
	var p payInvoiceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &transport.Error{Code: CodeInternal, Message: "bad pay_invoice params: " + err.Error()}
	}
	if p.Invoice == "" {
		return nil, &transport.Error{Code: CodeInternal, Message: "pay_invoice requires an invoice"}
	}
	if p.AmountMsat <= 0 {
		return nil, &transport.Error{Code: CodeInternal, Message: "pay_invoice requires a positive amount"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	balance, err := s.store.GetBalance(ctx, s.pubkey)
	if err != nil {
		return nil, err
	}
	if p.AmountMsat > balance {
		return nil, ErrInsufficientBalance
	}

	result, err := s.wallet.PayInvoice(ctx, p.Invoice, p.AmountMsat)
	if err != nil {
		return nil, err
	}

	if err := s.store.ApplyBalance(ctx, s.pubkey, -p.AmountMsat); err != nil {
		// The upstream payment already happened; the ledger write failing
		// must not fail the request. Durability is lost until the next write.
		logging.Ledger.Printf("CRITICAL: failed to deduct %d msat from %s after successful payment: %v",
			p.AmountMsat, short(s.pubkey), err)
	}

	logging.Ledger.Printf("client %s paid %d msat", short(s.pubkey), p.AmountMsat)
	return &payInvoiceResult{Preimage: result.Preimage, FeesPaidMsat: result.FeesPaidMsat}, nil
}

// makeInvoice creates an invoice on the upstream wallet and records a pending
// entry owned by this client. On upstream failure nothing is recorded.
func (s *Session) makeInvoice(ctx context.Context, params json.RawMessage) (*transactionResult, error) {
	var p makeInvoiceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &transport.Error{Code: CodeInternal, Message: "bad make_invoice params: " + err.Error()}
	}
	if p.AmountMsat <= 0 {
		return nil, &transport.Error{Code: CodeInternal, Message: "make_invoice requires a positive amount"}
	}

	inv, err := s.wallet.MakeInvoice(ctx, p.AmountMsat, wallet.MakeInvoiceParams{
		Description:     p.Description,
		DescriptionHash: p.DescriptionHash,
		ExpirySecs:      p.ExpirySecs,
	})
	if err != nil {
		return nil, err
	}

	expiresAt := time.Unix(inv.ExpiresAt, 0)
	if inv.ExpiresAt == 0 {
		expiresAt = time.Now().Add(time.Hour)
	}

	s.mu.Lock()
	err = s.store.AddPending(ctx, &store.PendingInvoice{
		Owner:           s.pubkey,
		AmountMsat:      inv.AmountMsat,
		PaymentHash:     inv.PaymentHash,
		Invoice:         inv.Invoice,
		DescriptionHash: inv.DescriptionHash,
		ExpiresAt:       expiresAt,
	})
	s.mu.Unlock()
	if err != nil {
		logging.Ledger.Printf("CRITICAL: failed to record pending invoice %s for %s: %v",
			short(inv.PaymentHash), short(s.pubkey), err)
	}

	return &transactionResult{
		Type:            "incoming",
		Invoice:         inv.Invoice,
		Description:     inv.Description,
		DescriptionHash: inv.DescriptionHash,
		PaymentHash:     inv.PaymentHash,
		AmountMsat:      inv.AmountMsat,
		CreatedAt:       inv.CreatedAt,
		ExpiresAt:       inv.ExpiresAt,
	}, nil
}

// lookupInvoice delegates to the upstream wallet. A settled result is fed
// through the reconciler, which credits the owner if a matching pending
// invoice is still outstanding. This is the only settlement path for upstream
// wallets without push notifications.
func (s *Session) lookupInvoice(ctx context.Context, params json.RawMessage) (*transactionResult, error) {
	var p lookupInvoiceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &transport.Error{Code: CodeInternal, Message: "bad lookup_invoice params: " + err.Error()}
	}
	if p.PaymentHash == "" && p.Invoice == "" {
		return nil, &transport.Error{Code: CodeInternal, Message: "lookup_invoice requires a payment hash or invoice"}
	}

	txn, err := s.wallet.LookupInvoice(ctx, p.PaymentHash, p.Invoice)
	if err != nil {
		return nil, err
	}

	if txn.Settled {
		s.recon.Reconcile(ctx, SettlementEvent{
			PaymentHash:     txn.PaymentHash,
			Invoice:         txn.Invoice,
			DescriptionHash: txn.DescriptionHash,
			AmountMsat:      txn.AmountMsat,
			SettledAt:       txn.SettledAt,
		})
	}

	return &transactionResult{
		Type:            txn.Type,
		Invoice:         txn.Invoice,
		Description:     txn.Description,
		DescriptionHash: txn.DescriptionHash,
		Preimage:        txn.Preimage,
		PaymentHash:     txn.PaymentHash,
		AmountMsat:      txn.AmountMsat,
		FeesPaidMsat:    txn.FeesPaidMsat,
		CreatedAt:       txn.CreatedAt,
		SettledAt:       txn.SettledAt,
	}, nil
}

func short(pubkey string) string {
	if len(pubkey) > 8 {
		return pubkey[:8]
	}
	return pubkey
}
