package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/mwantia/findex/data"
	"github.com/tidwall/btree"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists the index in a SQLite database with a two-layer architecture:
//
// Layer 1: In-memory B-tree for fast path → ID lookups (paths map)
// Layer 2: SQLite entry table (findex_entries) for the durable records
//
// This architecture enables:
// - Fast path lookups via B-tree (O(log n)) without touching the database
// - Ordered prefix scans over the B-tree for subtree moves and cascades
// - Transaction support so every mutation is all-or-nothing
//
// Cascading deletes are performed explicitly inside the transaction instead
// of through a foreign-key ON DELETE CASCADE, so the guarantee does not
// depend on the storage engine.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB

	// In-memory B-tree for fast path lookups
	paths *btree.Map[string, string]
}

// NewSQLiteStore creates a new SQLite-backed index store.
// The dbPath can be ":memory:" for an in-memory database or a file path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	store := &SQLiteStore{
		db:    db,
		paths: btree.NewMap[string, string](0),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	if err := store.loadPaths(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return store, nil
}

// initSchema creates the database schema.
func (ss *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS findex_entries (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL UNIQUE,
		parent_id TEXT,
		parent_path TEXT,
		name TEXT NOT NULL,
		is_dir INTEGER NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		mtime INTEGER NOT NULL,
		permissions TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_findex_entries_parent_id ON findex_entries(parent_id);
	CREATE INDEX IF NOT EXISTS idx_findex_entries_path ON findex_entries(path);
	`

	_, err := ss.db.Exec(schema)
	return err
}

// loadPaths fills the B-tree from the table, so reopening a database
// file resumes with a warm path index.
func (ss *SQLiteStore) loadPaths(ctx context.Context) error {
	rows, err := ss.db.QueryContext(ctx, "SELECT path, id FROM findex_entries")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var path, id string
		if err := rows.Scan(&path, &id); err != nil {
			return err
		}
		ss.paths.Set(path, id)
	}

	return rows.Err()
}

// Close releases the database handle.
func (ss *SQLiteStore) Close(ctx context.Context) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	ss.paths.Clear()
	if err := ss.db.Close(); err != nil {
		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return nil
}

const entryColumns = "id, path, parent_id, parent_path, name, is_dir, size, mtime, permissions, version"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*data.Entry, error) {
	var entry data.Entry
	var parentID, parentPath sql.NullString

	err := row.Scan(&entry.ID, &entry.Path, &parentID, &parentPath, &entry.Name,
		&entry.IsDir, &entry.Size, &entry.MTime, &entry.Permissions, &entry.Version)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		entry.ParentID = parentID.String
	}
	if parentPath.Valid {
		entry.ParentPath = parentPath.String
	}

	return &entry, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}
