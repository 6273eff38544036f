package findex

import (
	"context"
	"iter"

	"github.com/mwantia/findex/data"
	"github.com/mwantia/findex/log"
	"github.com/mwantia/findex/store"
)

// Index is the metadata index for a hierarchical file store. It records one
// entry per file or directory and keeps the tree invariants (unique paths,
// live directory parents, consistent denormalized parent paths, cascading
// deletes) intact across all mutations.
//
// The index itself is a thin facade: path normalization and input validation
// happen here, while the transactional checks live in the pluggable Store.
// Conflicting writes are detected through per-entry version counters; the
// index never retries on behalf of the caller.
type Index struct {
	store store.Store
	log   *log.Logger
}

// New creates an index on top of the given store.
func New(st store.Store, opts ...Option) (*Index, error) {
	options := newDefaultOptions()
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}

	return &Index{
		store: st,
		log:   options.Logger,
	}, nil
}

// Create records a new entry with version 1 and returns it.
// The parentID must reference a live directory; only the root "/" may be
// created without a parent.
func (ix *Index) Create(ctx context.Context, path, parentID string, isDir bool, size, mtime int64, permissions string) (*data.Entry, error) {
	path, err := data.Normalize(path)
	if err != nil {
		return nil, err
	}

	_, name := data.Split(path)
	if isDir {
		size = 0
	}

	entry := &data.Entry{
		Path:        path,
		ParentID:    parentID,
		Name:        name,
		IsDir:       isDir,
		Size:        size,
		MTime:       mtime,
		Permissions: permissions,
	}

	if err := ix.store.Create(ctx, entry); err != nil {
		return nil, err
	}

	ix.log.Debug("created '%s' (id %s)", entry.Path, entry.ID)
	return entry, nil
}

// Get returns the live entry at the given path.
func (ix *Index) Get(ctx context.Context, path string) (*data.Entry, error) {
	path, err := data.Normalize(path)
	if err != nil {
		return nil, err
	}

	return ix.store.Get(ctx, path)
}

// Lookup returns the live entry with the given id.
func (ix *Index) Lookup(ctx context.Context, id string) (*data.Entry, error) {
	return ix.store.Lookup(ctx, id)
}

// ListChildren returns the immediate children of a directory, ordered by
// name. The sequence is lazy and restartable: every range over it re-queries
// the store, so a second pass reflects the current state instead of a frozen
// snapshot.
func (ix *Index) ListChildren(ctx context.Context, parentID string) iter.Seq2[*data.Entry, error] {
	return func(yield func(*data.Entry, error) bool) {
		entries, err := ix.store.Children(ctx, parentID)
		if err != nil {
			yield(nil, err)
			return
		}

		for _, entry := range entries {
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// Update applies a partial attribute change if the stored version still
// equals expectedVersion, and returns the incremented version. On a version
// conflict the caller is expected to re-read and resubmit.
func (ix *Index) Update(ctx context.Context, id string, expectedVersion int64, update *data.EntryUpdate) (int64, error) {
	version, err := ix.store.Update(ctx, id, expectedVersion, update)
	if err != nil {
		return 0, err
	}

	ix.log.Debug("updated id %s to version %d", id, version)
	return version, nil
}

// Move re-parents and/or renames an entry. For directories the materialized
// paths of the whole subtree are rewritten in the same operation; descendant
// versions are unaffected.
func (ix *Index) Move(ctx context.Context, id, newParentID, newName string, expectedVersion int64) (*data.Entry, error) {
	if err := data.ValidateName(newName); err != nil {
		return nil, err
	}

	entry, err := ix.store.Move(ctx, id, newParentID, newName, expectedVersion)
	if err != nil {
		return nil, err
	}

	ix.log.Debug("moved id %s to '%s'", id, entry.Path)
	return entry, nil
}

// Delete removes an entry; directories cascade over their entire subtree in
// the same atomic operation. Returns the number of entries removed.
func (ix *Index) Delete(ctx context.Context, id string, expectedVersion int64) (int, error) {
	count, err := ix.store.Delete(ctx, id, expectedVersion)
	if err != nil {
		return 0, err
	}

	ix.log.Debug("deleted id %s (%d entries)", id, count)
	return count, nil
}

// Close releases the underlying store.
func (ix *Index) Close(ctx context.Context) error {
	return ix.store.Close(ctx)
}
