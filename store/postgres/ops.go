package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mwantia/findex/data"
)

func (ps *PostgresStore) Create(ctx context.Context, entry *data.Entry) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	tx, err := ps.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	if err := ps.createTx(ctx, tx, entry, nil); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	ps.paths.Set(entry.Path, entry.ID)
	return nil
}

// createBatch tracks entries inserted earlier in the same transaction,
// so batched restores can resolve parents that are not committed yet.
type createBatch struct {
	byID map[string]*data.Entry
}

// createTx inserts an entry within the given transaction.
// MUST be called while holding the write lock. A non-nil batch switches to
// verbatim mode: IDs and versions are preserved as given.
func (ps *PostgresStore) createTx(ctx context.Context, tx pgx.Tx, entry *data.Entry, batch *createBatch) error {
	if _, exists := ps.paths.Get(entry.Path); exists {
		return fmt.Errorf("%w: '%s'", data.ErrDuplicatePath, entry.Path)
	}
	if batch != nil {
		for _, pending := range batch.byID {
			if pending.Path == entry.Path {
				return fmt.Errorf("%w: '%s'", data.ErrDuplicatePath, entry.Path)
			}
		}
	}

	if entry.ParentID == "" {
		if !data.IsRoot(entry.Path) {
			return fmt.Errorf("%w: '%s' has no parent", data.ErrInvalidParent, entry.Path)
		}
		entry.ParentPath = ""
	} else {
		parent, err := ps.lookupTx(ctx, tx, entry.ParentID)
		if err != nil && batch != nil {
			if pending, exists := batch.byID[entry.ParentID]; exists {
				parent, err = pending, nil
			}
		}
		if err != nil {
			return fmt.Errorf("%w: '%s' not found", data.ErrInvalidParent, entry.ParentID)
		}
		if !parent.IsDir {
			return fmt.Errorf("%w: '%s' is not a directory", data.ErrInvalidParent, parent.Path)
		}
		if data.Join(parent.Path, entry.Name) != entry.Path {
			return fmt.Errorf("%w: '%s' is not inside '%s'", data.ErrInvalidParent, entry.Path, parent.Path)
		}

		entry.ParentPath = parent.Path
	}

	if entry.ID == "" {
		entry.ID = data.NewEntryID()
	}
	if entry.MTime == 0 {
		entry.MTime = time.Now().Unix()
	}
	if batch == nil || entry.Version == 0 {
		entry.Version = 1
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO findex_entries (id, path, parent_id, parent_path, name, is_dir, size, mtime, permissions, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.Path, nullString(entry.ParentID), nullString(entry.ParentPath),
		entry.Name, entry.IsDir, entry.Size, entry.MTime, entry.Permissions, entry.Version)

	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return nil
}

func (ps *PostgresStore) Get(ctx context.Context, path string) (*data.Entry, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	id, exists := ps.paths.Get(path)
	if !exists {
		return nil, fmt.Errorf("%w: '%s'", data.ErrNotFound, path)
	}

	entry, err := scanEntry(ps.pool.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM findex_entries WHERE id = $1", id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: '%s'", data.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return entry, nil
}

func (ps *PostgresStore) Lookup(ctx context.Context, id string) (*data.Entry, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	entry, err := scanEntry(ps.pool.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM findex_entries WHERE id = $1", id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: '%s'", data.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return entry, nil
}

// lookupTx reads an entry by ID within a transaction.
func (ps *PostgresStore) lookupTx(ctx context.Context, tx pgx.Tx, id string) (*data.Entry, error) {
	entry, err := scanEntry(tx.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM findex_entries WHERE id = $1", id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: '%s'", data.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return entry, nil
}

func (ps *PostgresStore) Children(ctx context.Context, parentID string) ([]*data.Entry, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	parent, err := scanEntry(ps.pool.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM findex_entries WHERE id = $1", parentID))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: '%s'", data.ErrNotFound, parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}
	if !parent.IsDir {
		return nil, fmt.Errorf("%w: '%s' is not a directory", data.ErrInvalidParent, parent.Path)
	}

	rows, err := ps.pool.Query(ctx,
		"SELECT "+entryColumns+" FROM findex_entries WHERE parent_id = $1 ORDER BY name", parentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}
	defer rows.Close()

	var entries []*data.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return entries, nil
}

func (ps *PostgresStore) Update(ctx context.Context, id string, expectedVersion int64, update *data.EntryUpdate) (int64, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	tx, err := ps.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	entry, err := ps.lookupTx(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	if entry.Version != expectedVersion {
		return 0, fmt.Errorf("%w: expected %d, stored %d", data.ErrVersionConflict, expectedVersion, entry.Version)
	}

	if _, err := update.Apply(entry); err != nil {
		return 0, err
	}
	entry.Version++

	_, err = tx.Exec(ctx, `
		UPDATE findex_entries SET size = $1, mtime = $2, permissions = $3, version = $4
		WHERE id = $5
	`, entry.Size, entry.MTime, entry.Permissions, entry.Version, id)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return entry.Version, nil
}

func (ps *PostgresStore) Move(ctx context.Context, id, newParentID, newName string, expectedVersion int64) (*data.Entry, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	tx, err := ps.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	entry, err := ps.lookupTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if entry.Version != expectedVersion {
		return nil, fmt.Errorf("%w: expected %d, stored %d", data.ErrVersionConflict, expectedVersion, entry.Version)
	}
	if entry.IsRootEntry() {
		return nil, fmt.Errorf("%w: root cannot be moved", data.ErrInvalidParent)
	}

	parent, err := ps.lookupTx(ctx, tx, newParentID)
	if err != nil {
		return nil, fmt.Errorf("%w: '%s' not found", data.ErrInvalidParent, newParentID)
	}
	if !parent.IsDir {
		return nil, fmt.Errorf("%w: '%s' is not a directory", data.ErrInvalidParent, parent.Path)
	}
	if entry.IsDir && data.WithinSubtree(parent.Path, entry.Path) {
		return nil, fmt.Errorf("%w: '%s' is inside '%s'", data.ErrInvalidParent, parent.Path, entry.Path)
	}

	oldPath := entry.Path
	newPath := data.Join(parent.Path, newName)
	if other, exists := ps.paths.Get(newPath); exists && other != id {
		return nil, fmt.Errorf("%w: '%s'", data.ErrDuplicatePath, newPath)
	}

	// Rewrite the materialized paths of the whole subtree in the same
	// transaction. Descendant versions are untouched.
	var rewrites [][2]string // descendant ID, new path
	if entry.IsDir && oldPath != newPath {
		for _, desc := range ps.subtree(oldPath) {
			rewritten := newPath + strings.TrimPrefix(desc.path, oldPath)
			parentPath, _ := data.Split(rewritten)

			_, err := tx.Exec(ctx,
				"UPDATE findex_entries SET path = $1, parent_path = $2 WHERE id = $3",
				rewritten, parentPath, desc.id)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
			}

			rewrites = append(rewrites, [2]string{desc.id, rewritten})
		}
	}

	entry.Path = newPath
	entry.ParentID = newParentID
	entry.ParentPath = parent.Path
	entry.Name = newName
	entry.Version++

	_, err = tx.Exec(ctx, `
		UPDATE findex_entries SET path = $1, parent_id = $2, parent_path = $3, name = $4, version = $5
		WHERE id = $6
	`, entry.Path, nullString(entry.ParentID), nullString(entry.ParentPath),
		entry.Name, entry.Version, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	// Only touch the B-tree once the transaction is durable.
	if oldPath != newPath {
		for _, desc := range ps.subtree(oldPath) {
			ps.paths.Delete(desc.path)
		}
		for _, rewrite := range rewrites {
			ps.paths.Set(rewrite[1], rewrite[0])
		}

		ps.paths.Delete(oldPath)
		ps.paths.Set(newPath, id)
	}

	return entry, nil
}

func (ps *PostgresStore) Delete(ctx context.Context, id string, expectedVersion int64) (int, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	tx, err := ps.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	entry, err := ps.lookupTx(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	if entry.Version != expectedVersion {
		return 0, fmt.Errorf("%w: expected %d, stored %d", data.ErrVersionConflict, expectedVersion, entry.Version)
	}

	removed := []pathID{{path: entry.Path, id: id}}
	if entry.IsDir {
		removed = append(removed, ps.subtree(entry.Path)...)
	}

	for _, victim := range removed {
		if _, err := tx.Exec(ctx, "DELETE FROM findex_entries WHERE id = $1", victim.id); err != nil {
			return 0, fmt.Errorf("%w: %v", data.ErrStorage, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	for _, victim := range removed {
		ps.paths.Delete(victim.path)
	}

	return len(removed), nil
}

type pathID struct {
	path string
	id   string
}

// subtree collects path/ID pairs of every entry strictly below root, in
// path order. MUST be called while holding at least the read lock.
func (ps *PostgresStore) subtree(root string) []pathID {
	prefix := root + "/"
	if data.IsRoot(root) {
		prefix = "/"
	}

	var pairs []pathID
	ps.paths.Ascend(prefix, func(path, id string) bool {
		if !strings.HasPrefix(path, prefix) {
			return false
		}
		if path == root {
			return true
		}

		pairs = append(pairs, pathID{path: path, id: id})
		return true
	})

	return pairs
}

func (ps *PostgresStore) All(ctx context.Context) ([]*data.Entry, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	rows, err := ps.pool.Query(ctx,
		"SELECT "+entryColumns+" FROM findex_entries ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}
	defer rows.Close()

	var entries []*data.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return entries, nil
}

func (ps *PostgresStore) CreateAll(ctx context.Context, entries []*data.Entry) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	tx, err := ps.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	batch := &createBatch{byID: make(map[string]*data.Entry, len(entries))}
	for _, entry := range entries {
		if err := ps.createTx(ctx, tx, entry, batch); err != nil {
			return err
		}

		batch.byID[entry.ID] = entry
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	for _, entry := range entries {
		ps.paths.Set(entry.Path, entry.ID)
	}

	return nil
}
