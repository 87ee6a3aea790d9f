// Package snapshot periodically copies the ledger database to off-site
// storage so balances can be recovered after host loss. Uploads are best
// effort: a failed snapshot is logged and retried on the next tick, never
// fatal to the service.
package snapshot

import (
	"context"
	"io"
)

// Uploader stores one named snapshot object.
type Uploader interface {
	Upload(ctx context.Context, name string, data io.Reader, size int64) error
}
