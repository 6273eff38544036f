package store

import (
	"context"

	"github.com/mwantia/findex/data"
)

// Store persists the entry set and enforces its invariants.
// This is the "fast index" layer - optimized for lookups by path and parent.
//
// Implementations must guarantee:
//   - Mutations are atomic with respect to each other: either the whole
//     operation (including cascades and subtree rewrites) is applied, or the
//     pre-operation state is preserved exactly.
//   - Uniqueness and parent-validity checks happen inside the same critical
//     section or transaction as the mutation that depends on them.
//   - Write-write races surface to callers as data.ErrVersionConflict via
//     the expectedVersion arguments; stores never retry internally.
//   - Reads may run concurrently with each other and return some consistent,
//     previously-committed state.
type Store interface {
	// Create inserts a new entry with version 1. The entry's ID is assigned
	// when empty; ParentPath is derived from the referenced parent.
	Create(ctx context.Context, entry *data.Entry) error

	// Get returns the live entry at the given normalized path.
	Get(ctx context.Context, path string) (*data.Entry, error)

	// Lookup returns the live entry with the given id.
	Lookup(ctx context.Context, id string) (*data.Entry, error)

	// Children returns the immediate children of the given directory,
	// ordered by name.
	Children(ctx context.Context, parentID string) ([]*data.Entry, error)

	// Update applies a partial attribute change if the stored version equals
	// expectedVersion, and returns the incremented version.
	Update(ctx context.Context, id string, expectedVersion int64, update *data.EntryUpdate) (int64, error)

	// Move re-parents and/or renames an entry, rewriting the paths of the
	// whole subtree below it. Descendant versions are unaffected; only the
	// moved entry's version is incremented.
	Move(ctx context.Context, id, newParentID, newName string, expectedVersion int64) (*data.Entry, error)

	// Delete removes an entry and, for directories, its entire subtree.
	// Returns the number of entries removed.
	Delete(ctx context.Context, id string, expectedVersion int64) (int, error)

	// All returns every live entry, ordered by path.
	All(ctx context.Context) ([]*data.Entry, error)

	// CreateAll inserts a batch of entries verbatim (ids and versions
	// preserved), parents before children. Used for snapshot restore.
	CreateAll(ctx context.Context, entries []*data.Entry) error

	// Close releases the storage handle.
	Close(ctx context.Context) error
}
