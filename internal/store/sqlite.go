package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrNegativeBalance = errors.New("balance would go negative")
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	// Concurrent sessions share one connection pool; serialize writers.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS balances (
			pubkey TEXT PRIMARY KEY,
			balance_msat INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_invoices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			amount_msat INTEGER NOT NULL,
			payment_hash TEXT NOT NULL DEFAULT '',
			invoice TEXT NOT NULL DEFAULT '',
			description_hash TEXT NOT NULL DEFAULT '',
			expires_at DATETIME NOT NULL,
			state TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL
		)
	`)
	return err
}

func (s *SQLiteStore) GetBalance(ctx context.Context, pubkey string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT balance_msat FROM balances WHERE pubkey = ?
	`, pubkey)

	var balance int64
	err := row.Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *SQLiteStore) EnsureBalance(ctx context.Context, pubkey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (pubkey, balance_msat, created_at)
		VALUES (?, 0, ?)
		ON CONFLICT(pubkey) DO NOTHING
	`, pubkey, time.Now())
	return err
}

func (s *SQLiteStore) ApplyBalance(ctx context.Context, pubkey string, delta int64) error {
	// Callers pre-check spends under the per-client lock; the WHERE clause is
	// a defensive re-check so a bug can never persist a negative balance.
	result, err := s.db.ExecContext(ctx, `
		UPDATE balances
		SET balance_msat = balance_msat + ?
		WHERE pubkey = ? AND balance_msat + ? >= 0
	`, delta, pubkey, delta)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if delta < 0 {
			return ErrNegativeBalance
		}
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListBalances(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pubkey, balance_msat FROM balances`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	balances := make(map[string]int64)
	for rows.Next() {
		var pubkey string
		var balance int64
		if err := rows.Scan(&pubkey, &balance); err != nil {
			return nil, err
		}
		balances[pubkey] = balance
	}
	return balances, rows.Err()
}

func (s *SQLiteStore) AddPending(ctx context.Context, inv *PendingInvoice) error {
	if inv.State == "" {
		inv.State = StatePending
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_invoices
			(owner, amount_msat, payment_hash, invoice, description_hash, expires_at, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.Owner, inv.AmountMsat, inv.PaymentHash, inv.Invoice, inv.DescriptionHash,
		inv.ExpiresAt, string(inv.State), inv.CreatedAt)
	if err != nil {
		return err
	}
	inv.ID, err = result.LastInsertId()
	return err
}

func (s *SQLiteStore) FindPending(ctx context.Context, keys MatchKeys) (*PendingInvoice, error) {
	// Any single shared key is sufficient. Oldest entry wins so repeated
	// lookups are deterministic.
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, amount_msat, payment_hash, invoice, description_hash, expires_at, state, created_at
		FROM pending_invoices
		WHERE state = 'pending' AND (
			(payment_hash != '' AND payment_hash = ?) OR
			(invoice != '' AND invoice = ?) OR
			(description_hash != '' AND description_hash = ?)
		)
		ORDER BY id LIMIT 1
	`, keys.PaymentHash, keys.Invoice, keys.DescriptionHash)

	return scanPending(row)
}

func scanPending(row *sql.Row) (*PendingInvoice, error) {
	var inv PendingInvoice
	var state string
	err := row.Scan(&inv.ID, &inv.Owner, &inv.AmountMsat, &inv.PaymentHash,
		&inv.Invoice, &inv.DescriptionHash, &inv.ExpiresAt, &state, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.State = PendingState(state)
	return &inv, nil
}

func (s *SQLiteStore) RemovePending(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pending_invoices WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListPending(ctx context.Context, owner string) ([]*PendingInvoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, amount_msat, payment_hash, invoice, description_hash, expires_at, state, created_at
		FROM pending_invoices WHERE owner = ? ORDER BY id
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []*PendingInvoice
	for rows.Next() {
		var inv PendingInvoice
		var state string
		if err := rows.Scan(&inv.ID, &inv.Owner, &inv.AmountMsat, &inv.PaymentHash,
			&inv.Invoice, &inv.DescriptionHash, &inv.ExpiresAt, &state, &inv.CreatedAt); err != nil {
			return nil, err
		}
		inv.State = PendingState(state)
		pending = append(pending, &inv)
	}
	return pending, rows.Err()
}

func (s *SQLiteStore) PruneExpired(ctx context.Context) (int, error) {
	// Expired invoices are assumed unpayable and dropped without credit.
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_invoices WHERE expires_at < ?
	`, time.Now())
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(balance_msat), 0) FROM balances
	`)
	if err := row.Scan(&stats.Clients, &stats.TotalBalanceMsat); err != nil {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(amount_msat), 0),
			COALESCE(SUM(CASE WHEN expires_at < datetime('now') THEN 1 ELSE 0 END), 0)
		FROM pending_invoices
	`)
	if err := row.Scan(&stats.PendingInvoices, &stats.PendingMsat, &stats.ExpiredPending); err != nil {
		return nil, err
	}

	return stats, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
