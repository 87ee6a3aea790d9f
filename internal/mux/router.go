package mux

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"walletmux/internal/logging"
	"walletmux/internal/store"
	"walletmux/internal/transport"
	"walletmux/internal/wallet"
)

// RouterConfig holds dispatch configuration.
type RouterConfig struct {
	// RequestsPerSecond is the per-client request rate limit.
	RequestsPerSecond float64
	// BurstSize is the maximum per-client burst allowed.
	BurstSize int
	// PruneInterval is how often expired pending invoices are dropped.
	PruneInterval time.Duration
}

// DefaultRouterConfig returns sensible defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		RequestsPerSecond: 5,
		BurstSize:         10,
		PruneInterval:     time.Hour,
	}
}

// Router owns the single inbound subscription to the shared transport and
// demultiplexes requests by client identity. It is the only authority that
// creates Sessions, so a client can never end up with two live handlers.
type Router struct {
	store  store.Store
	wallet wallet.Client
	tp     transport.Transport
	recon  *Reconciler
	cfg    RouterConfig

	limiters clientRateLimiter

	mu       sync.Mutex
	sessions map[string]*Session
	stopped  bool

	cancel context.CancelFunc
}

// NewRouter wires the core together. The returned router's reconciler handles
// both push and polling settlement paths.
func NewRouter(st store.Store, wc wallet.Client, tp transport.Transport, cfg RouterConfig) *Router {
	r := &Router{
		store:    st,
		wallet:   wc,
		tp:       tp,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		limiters: clientRateLimiter{
			rate:  rate.Limit(cfg.RequestsPerSecond),
			burst: cfg.BurstSize,
		},
	}
	r.recon = NewReconciler(st, wc, tp, r)
	return r
}

// Reconciler exposes the router's reconciler, e.g. to feed externally
// discovered settlement events in tests.
func (r *Router) Reconciler() *Reconciler {
	return r.recon
}

// Start establishes the inbound subscription, reinstates a session for every
// client with a persisted balance entry, prunes expired pending invoices and
// begins consuming the upstream settlement stream.
func (r *Router) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if err := r.tp.Subscribe(ctx, r.dispatch); err != nil {
		cancel()
		return err
	}

	balances, err := r.store.ListBalances(ctx)
	if err != nil {
		cancel()
		return err
	}
	for pubkey := range balances {
		if _, err := r.getOrCreate(ctx, pubkey); err != nil {
			cancel()
			return err
		}
	}
	if len(balances) > 0 {
		logging.Internal.Printf("reinstated %d client sessions", len(balances))
	}

	if pruned, err := r.store.PruneExpired(ctx); err != nil {
		logging.Ledger.Printf("prune error: %v", err)
	} else if pruned > 0 {
		logging.Ledger.Printf("pruned %d expired pending invoices", pruned)
	}

	if err := r.recon.Start(ctx); err != nil {
		cancel()
		return err
	}

	go r.pruneLoop(ctx)
	return nil
}

func (r *Router) pruneLoop(ctx context.Context) {
	interval := r.cfg.PruneInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := r.store.PruneExpired(ctx)
			if err != nil {
				logging.Ledger.Printf("prune error: %v", err)
			} else if pruned > 0 {
				logging.Ledger.Printf("pruned %d expired pending invoices", pruned)
			}
		}
	}
}

// dispatch is the transport's request handler. It enforces the per-client
// rate limit, resolves the sender's session and hands the request to the
// session worker; the worker answers on the transport when done.
func (r *Router) dispatch(ctx context.Context, req *transport.Request) {
	if !r.limiters.allow(req.Client) {
		logging.Relay.Printf("rate limit exceeded for %s on %s", short(req.Client), req.Method)
		resp := &transport.Response{
			ID:         req.ID,
			ResultType: req.Method,
			Error:      &transport.Error{Code: CodeRateLimited, Message: "too many requests"},
		}
		if err := r.tp.Respond(ctx, req, resp); err != nil {
			logging.Relay.Printf("failed to respond rate-limited to %s: %v", short(req.Client), err)
		}
		return
	}

	sess, err := r.getOrCreate(ctx, req.Client)
	if err != nil {
		logging.Internal.Printf("failed to create session for %s: %v", short(req.Client), err)
		resp := &transport.Response{
			ID:         req.ID,
			ResultType: req.Method,
			Error:      &transport.Error{Code: CodeInternal, Message: "service unavailable"},
		}
		if rerr := r.tp.Respond(ctx, req, resp); rerr != nil {
			logging.Relay.Printf("failed to respond to %s: %v", short(req.Client), rerr)
		}
		return
	}

	if !sess.enqueue(req) {
		logging.Relay.Printf("dropping request %s from %s: shutting down", req.ID, short(req.Client))
	}
}

// getOrCreate returns the live session for a client, constructing one (and
// persisting a zero balance on first contact) if none exists.
func (r *Router) getOrCreate(ctx context.Context, pubkey string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[pubkey]; ok {
		return sess, nil
	}
	if r.stopped {
		return nil, errors.New("router stopped")
	}

	if err := r.store.EnsureBalance(ctx, pubkey); err != nil {
		return nil, err
	}

	sess := newSession(pubkey, r.store, r.wallet, r.tp, r.recon)
	r.sessions[pubkey] = sess
	logging.Internal.Printf("new client session %s (%d live)", short(pubkey), len(r.sessions))
	return sess, nil
}

// Stop tears the service down: the inbound subscription is closed first so no
// new requests arrive, then every session drains its queue. In-flight
// upstream calls finish or fail naturally; nothing is aborted.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	// Drain sessions before closing the transport so responses for work
	// already in flight can still be delivered. New requests are refused
	// (stopped registry, closed session queues) during the drain.
	for _, sess := range sessions {
		sess.stop()
	}

	if err := r.tp.Close(); err != nil {
		logging.Relay.Printf("transport close error: %v", err)
	}

	if r.cancel != nil {
		r.cancel()
	}
	logging.Internal.Printf("stopped %d client sessions", len(sessions))
}

// clientRateLimiter tracks a token bucket per client pubkey.
type clientRateLimiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func (rl *clientRateLimiter) allow(pubkey string) bool {
	if rl.rate <= 0 {
		return true
	}
	if limiter, exists := rl.limiters.Load(pubkey); exists {
		return limiter.(*rate.Limiter).Allow()
	}
	limiter := rate.NewLimiter(rl.rate, rl.burst)
	actual, _ := rl.limiters.LoadOrStore(pubkey, limiter)
	return actual.(*rate.Limiter).Allow()
}
