// ABOUTME: Store interface and snapshot types for loom-hub persistence.
// ABOUTME: Defines the per-domain tool snapshot loaded at startup.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/loom/internal/wire"
)

// ErrNotFound is returned when a requested snapshot does not exist.
var ErrNotFound = errors.New("not found")

// DomainSnapshot is the persisted tool list for one domain. Snapshots
// are best-effort: they pre-seed cache-retained catalog entries before
// any session reconnects.
type DomainSnapshot struct {
	Domain      string
	Tools       []wire.ToolDescriptor
	LastUpdated time.Time
}

// Store defines the interface for domain snapshot persistence.
type Store interface {
	// SaveSnapshot upserts the snapshot for its domain.
	SaveSnapshot(ctx context.Context, snap *DomainSnapshot) error

	// LoadSnapshots returns every stored snapshot.
	LoadSnapshots(ctx context.Context) ([]*DomainSnapshot, error)

	// DeleteSnapshot removes the snapshot for a domain.
	// Deleting a missing domain is not an error.
	DeleteSnapshot(ctx context.Context, domain string) error

	// Close releases any resources held by the store.
	Close() error
}
