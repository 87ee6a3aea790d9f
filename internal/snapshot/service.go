package snapshot

import (
	"context"
	"os"
	"time"

	"walletmux/internal/logging"
)

// Service uploads a copy of the ledger database on a fixed interval.
type Service struct {
	uploader Uploader
	dbPath   string
	interval time.Duration
}

// NewService creates a snapshot service for the database at dbPath.
func NewService(uploader Uploader, dbPath string, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Service{uploader: uploader, dbPath: dbPath, interval: interval}
}

// Run snapshots until the context is canceled. One snapshot is taken
// immediately on start.
func (s *Service) Run(ctx context.Context) {
	if err := s.SnapshotOnce(ctx); err != nil {
		logging.Snapshot.Printf("snapshot failed: %v", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SnapshotOnce(ctx); err != nil {
				logging.Snapshot.Printf("snapshot failed: %v", err)
			}
		}
	}
}

// SnapshotOnce uploads the current database file under a timestamped name.
func (s *Service) SnapshotOnce(ctx context.Context) error {
	f, err := os.Open(s.dbPath)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}

	name := "ledger-" + time.Now().UTC().Format("20060102T150405") + ".db"
	return s.uploader.Upload(ctx, name, f, stat.Size())
}
