package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mwantia/findex/data"
)

func (ms *MemoryStore) Create(ctx context.Context, entry *data.Entry) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.createUnsafe(entry, false)
}

// createUnsafe inserts an entry without acquiring locks.
// MUST be called while holding the write lock.
// With verbatim set, ID and Version of the entry are preserved as given,
// which is required for snapshot restores.
func (ms *MemoryStore) createUnsafe(entry *data.Entry, verbatim bool) error {
	if _, exists := ms.paths.Get(entry.Path); exists {
		return fmt.Errorf("%w: '%s'", data.ErrDuplicatePath, entry.Path)
	}

	if err := ms.checkParentUnsafe(entry); err != nil {
		return err
	}

	if entry.ID == "" {
		entry.ID = data.NewEntryID()
	}
	if entry.MTime == 0 {
		entry.MTime = time.Now().Unix()
	}
	if !verbatim || entry.Version == 0 {
		entry.Version = 1
	}

	stored := entry.Clone()
	ms.paths.Set(stored.Path, stored.ID)
	ms.entries[stored.ID] = stored
	ms.linkChildUnsafe(stored.ParentID, stored.Name, stored.ID)

	return nil
}

// checkParentUnsafe validates the parent reference and fills in the
// denormalized ParentPath from the authoritative ParentID.
func (ms *MemoryStore) checkParentUnsafe(entry *data.Entry) error {
	if entry.ParentID == "" {
		if !data.IsRoot(entry.Path) {
			return fmt.Errorf("%w: '%s' has no parent", data.ErrInvalidParent, entry.Path)
		}

		entry.ParentPath = ""
		entry.Name = ""
		return nil
	}

	parent, exists := ms.entries[entry.ParentID]
	if !exists {
		return fmt.Errorf("%w: '%s' not found", data.ErrInvalidParent, entry.ParentID)
	}
	if !parent.IsDir {
		return fmt.Errorf("%w: '%s' is not a directory", data.ErrInvalidParent, parent.Path)
	}
	if data.Join(parent.Path, entry.Name) != entry.Path {
		return fmt.Errorf("%w: '%s' is not inside '%s'", data.ErrInvalidParent, entry.Path, parent.Path)
	}

	entry.ParentPath = parent.Path
	return nil
}

func (ms *MemoryStore) linkChildUnsafe(parentID, name, id string) {
	if parentID == "" {
		return
	}

	if ms.children[parentID] == nil {
		ms.children[parentID] = make(map[string]string)
	}
	ms.children[parentID][name] = id
}

func (ms *MemoryStore) Get(ctx context.Context, path string) (*data.Entry, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	id, exists := ms.paths.Get(path)
	if !exists {
		return nil, fmt.Errorf("%w: '%s'", data.ErrNotFound, path)
	}

	return ms.entries[id].Clone(), nil
}

func (ms *MemoryStore) Lookup(ctx context.Context, id string) (*data.Entry, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	entry, exists := ms.entries[id]
	if !exists {
		return nil, fmt.Errorf("%w: '%s'", data.ErrNotFound, id)
	}

	return entry.Clone(), nil
}

func (ms *MemoryStore) Children(ctx context.Context, parentID string) ([]*data.Entry, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	parent, exists := ms.entries[parentID]
	if !exists {
		return nil, fmt.Errorf("%w: '%s'", data.ErrNotFound, parentID)
	}
	if !parent.IsDir {
		return nil, fmt.Errorf("%w: '%s' is not a directory", data.ErrInvalidParent, parent.Path)
	}

	names := make([]string, 0, len(ms.children[parentID]))
	for name := range ms.children[parentID] {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]*data.Entry, 0, len(names))
	for _, name := range names {
		entries = append(entries, ms.entries[ms.children[parentID][name]].Clone())
	}

	return entries, nil
}

func (ms *MemoryStore) Update(ctx context.Context, id string, expectedVersion int64, update *data.EntryUpdate) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	entry, exists := ms.entries[id]
	if !exists {
		return 0, fmt.Errorf("%w: '%s'", data.ErrNotFound, id)
	}
	if entry.Version != expectedVersion {
		return 0, fmt.Errorf("%w: expected %d, stored %d", data.ErrVersionConflict, expectedVersion, entry.Version)
	}

	next := entry.Clone()
	if _, err := update.Apply(next); err != nil {
		return 0, err
	}

	next.Version++
	ms.entries[id] = next

	return next.Version, nil
}

func (ms *MemoryStore) Move(ctx context.Context, id, newParentID, newName string, expectedVersion int64) (*data.Entry, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	entry, exists := ms.entries[id]
	if !exists {
		return nil, fmt.Errorf("%w: '%s'", data.ErrNotFound, id)
	}
	if entry.Version != expectedVersion {
		return nil, fmt.Errorf("%w: expected %d, stored %d", data.ErrVersionConflict, expectedVersion, entry.Version)
	}
	if entry.IsRootEntry() {
		return nil, fmt.Errorf("%w: root cannot be moved", data.ErrInvalidParent)
	}

	parent, exists := ms.entries[newParentID]
	if !exists {
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
	if other, exists := ms.paths.Get(newPath); exists && other != id {
		return nil, fmt.Errorf("%w: '%s'", data.ErrDuplicatePath, newPath)
	}

	// Rewrite the subtree below a moved directory. The descendants keep
	// their IDs, parent IDs and versions; only the materialized path
	// strings change.
	if entry.IsDir && oldPath != newPath {
		for _, descID := range ms.subtreeUnsafe(oldPath) {
			desc := ms.entries[descID]
			rewritten := newPath + strings.TrimPrefix(desc.Path, oldPath)

			ms.paths.Delete(desc.Path)
			ms.paths.Set(rewritten, descID)

			desc.Path = rewritten
			desc.ParentPath, _ = data.Split(rewritten)
		}
	}

	delete(ms.children[entry.ParentID], entry.Name)
	ms.linkChildUnsafe(newParentID, newName, id)

	ms.paths.Delete(oldPath)
	ms.paths.Set(newPath, id)

	next := entry.Clone()
	next.Path = newPath
	next.ParentID = newParentID
	next.ParentPath = parent.Path
	next.Name = newName
	next.Version++
	ms.entries[id] = next

	return next.Clone(), nil
}

func (ms *MemoryStore) Delete(ctx context.Context, id string, expectedVersion int64) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	entry, exists := ms.entries[id]
	if !exists {
		return 0, fmt.Errorf("%w: '%s'", data.ErrNotFound, id)
	}
	if entry.Version != expectedVersion {
		return 0, fmt.Errorf("%w: expected %d, stored %d", data.ErrVersionConflict, expectedVersion, entry.Version)
	}

	removed := []string{id}
	if entry.IsDir {
		removed = append(removed, ms.subtreeUnsafe(entry.Path)...)
	}

	for _, rid := range removed {
		e := ms.entries[rid]
		ms.paths.Delete(e.Path)
		delete(ms.entries, rid)
		delete(ms.children, rid)
	}
	delete(ms.children[entry.ParentID], entry.Name)

	return len(removed), nil
}

// subtreeUnsafe collects the IDs of every entry strictly below root,
// in path order. MUST be called while holding at least the read lock.
func (ms *MemoryStore) subtreeUnsafe(root string) []string {
	prefix := root + "/"
	if data.IsRoot(root) {
		prefix = "/"
	}

	var ids []string
	ms.paths.Ascend(prefix, func(path, id string) bool {
		if !strings.HasPrefix(path, prefix) {
			return false
		}
		if path == root {
			return true
		}

		ids = append(ids, id)
		return true
	})

	return ids
}

func (ms *MemoryStore) All(ctx context.Context) ([]*data.Entry, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	entries := make([]*data.Entry, 0, len(ms.entries))
	ms.paths.Scan(func(path, id string) bool {
		entries = append(entries, ms.entries[id].Clone())
		return true
	})

	return entries, nil
}

func (ms *MemoryStore) CreateAll(ctx context.Context, entries []*data.Entry) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for i, entry := range entries {
		if err := ms.createUnsafe(entry, true); err != nil {
			// Roll back the partial batch so the store is left untouched.
			for _, inserted := range entries[:i] {
				stored := ms.entries[inserted.ID]
				ms.paths.Delete(stored.Path)
				delete(ms.entries, inserted.ID)
				delete(ms.children, inserted.ID)
				if stored.ParentID != "" {
					delete(ms.children[stored.ParentID], stored.Name)
				}
			}

			return err
		}
	}

	return nil
}
