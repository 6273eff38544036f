package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/mwantia/findex/data"
)

func (cs *ConsulStore) Create(ctx context.Context, entry *data.Entry) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return cs.createUnsafe(ctx, entry, false, nil)
}

// createUnsafe validates and persists a new entry without acquiring locks.
// MUST be called while holding the write lock. With verbatim set, ID and
// Version are preserved as given; pending carries the not-yet-visible
// entries of a batched restore.
func (cs *ConsulStore) createUnsafe(ctx context.Context, entry *data.Entry, verbatim bool, pending map[string]*data.Entry) error {
	if _, exists, err := cs.getIDByPath(ctx, entry.Path); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: '%s'", data.ErrDuplicatePath, entry.Path)
	}
	for _, other := range pending {
		if other.Path == entry.Path {
			return fmt.Errorf("%w: '%s'", data.ErrDuplicatePath, entry.Path)
		}
	}

	if entry.ParentID == "" {
		if !data.IsRoot(entry.Path) {
			return fmt.Errorf("%w: '%s' has no parent", data.ErrInvalidParent, entry.Path)
		}
		entry.ParentPath = ""
	} else {
		parent, err := cs.getEntry(ctx, entry.ParentID)
		if err != nil {
			if other, exists := pending[entry.ParentID]; exists {
				parent, err = other, nil
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
	if !verbatim || entry.Version == 0 {
		entry.Version = 1
	}

	ops, err := cs.setEntryOps(entry)
	if err != nil {
		return err
	}

	return cs.runTxn(ctx, ops)
}

func (cs *ConsulStore) Get(ctx context.Context, path string) (*data.Entry, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	id, exists, err := cs.getIDByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: '%s'", data.ErrNotFound, path)
	}

	return cs.getEntry(ctx, id)
}

func (cs *ConsulStore) Lookup(ctx context.Context, id string) (*data.Entry, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return cs.getEntry(ctx, id)
}

func (cs *ConsulStore) Children(ctx context.Context, parentID string) ([]*data.Entry, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	parent, err := cs.getEntry(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if !parent.IsDir {
		return nil, fmt.Errorf("%w: '%s' is not a directory", data.ErrInvalidParent, parent.Path)
	}

	// The separator turns the path index into a one-level listing; deeper
	// descendants come back as prefix stubs with a trailing slash.
	prefix := cs.pathKey(parent.Path) + "/"
	keys, _, err := cs.kv.Keys(prefix, "/", (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	var entries []*data.Entry
	for _, key := range keys {
		if strings.HasSuffix(key, "/") {
			continue
		}

		pair, _, err := cs.kv.Get(key, (&api.QueryOptions{}).WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
		}
		if pair == nil {
			continue
		}

		entry, err := cs.getEntry(ctx, string(pair.Value))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})

	return entries, nil
}

func (cs *ConsulStore) Update(ctx context.Context, id string, expectedVersion int64, update *data.EntryUpdate) (int64, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entry, err := cs.getEntry(ctx, id)
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

	value, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	pair := &api.KVPair{Key: cs.entryKey(id), Value: value}
	if _, err := cs.kv.Put(pair, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return 0, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return entry.Version, nil
}

func (cs *ConsulStore) Move(ctx context.Context, id, newParentID, newName string, expectedVersion int64) (*data.Entry, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entry, err := cs.getEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Version != expectedVersion {
		return nil, fmt.Errorf("%w: expected %d, stored %d", data.ErrVersionConflict, expectedVersion, entry.Version)
	}
	if entry.IsRootEntry() {
		return nil, fmt.Errorf("%w: root cannot be moved", data.ErrInvalidParent)
	}

	parent, err := cs.getEntry(ctx, newParentID)
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
	if other, exists, err := cs.getIDByPath(ctx, newPath); err != nil {
		return nil, err
	} else if exists && other != id {
		return nil, fmt.Errorf("%w: '%s'", data.ErrDuplicatePath, newPath)
	}

	var ops api.TxnOps

	// Rewrite the materialized paths of the whole subtree. Descendant
	// versions are untouched.
	if entry.IsDir && oldPath != newPath {
		descendants, err := cs.subtree(ctx, oldPath)
		if err != nil {
			return nil, err
		}

		for _, desc := range descendants {
			rewritten := newPath + strings.TrimPrefix(desc.Path, oldPath)

			ops = append(ops, &api.TxnOp{KV: &api.KVTxnOp{Verb: api.KVDelete, Key: cs.pathKey(desc.Path)}})

			desc.Path = rewritten
			desc.ParentPath, _ = data.Split(rewritten)

			descOps, err := cs.setEntryOps(desc)
			if err != nil {
				return nil, err
			}
			ops = append(ops, descOps...)
		}
	}

	ops = append(ops, &api.TxnOp{KV: &api.KVTxnOp{Verb: api.KVDelete, Key: cs.pathKey(oldPath)}})

	entry.Path = newPath
	entry.ParentID = newParentID
	entry.ParentPath = parent.Path
	entry.Name = newName
	entry.Version++

	entryOps, err := cs.setEntryOps(entry)
	if err != nil {
		return nil, err
	}
	ops = append(ops, entryOps...)

	if err := cs.runTxn(ctx, ops); err != nil {
		return nil, err
	}

	return entry, nil
}

func (cs *ConsulStore) Delete(ctx context.Context, id string, expectedVersion int64) (int, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entry, err := cs.getEntry(ctx, id)
	if err != nil {
		return 0, err
	}
	if entry.Version != expectedVersion {
		return 0, fmt.Errorf("%w: expected %d, stored %d", data.ErrVersionConflict, expectedVersion, entry.Version)
	}

	victims := []*data.Entry{entry}
	if entry.IsDir {
		descendants, err := cs.subtree(ctx, entry.Path)
		if err != nil {
			return 0, err
		}
		victims = append(victims, descendants...)
	}

	var ops api.TxnOps
	for _, victim := range victims {
		ops = append(ops,
			&api.TxnOp{KV: &api.KVTxnOp{Verb: api.KVDelete, Key: cs.entryKey(victim.ID)}},
			&api.TxnOp{KV: &api.KVTxnOp{Verb: api.KVDelete, Key: cs.pathKey(victim.Path)}})
	}

	if err := cs.runTxn(ctx, ops); err != nil {
		return 0, err
	}

	return len(victims), nil
}

// subtree loads every entry strictly below root through the path index.
func (cs *ConsulStore) subtree(ctx context.Context, root string) ([]*data.Entry, error) {
	prefix := cs.pathKey(root) + "/"
	pairs, _, err := cs.kv.List(prefix, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	var entries []*data.Entry
	for _, pair := range pairs {
		entry, err := cs.getEntry(ctx, string(pair.Value))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	return entries, nil
}

func (cs *ConsulStore) All(ctx context.Context) ([]*data.Entry, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	pairs, _, err := cs.kv.List(cs.config.Prefix+"/entry/", (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	entries := make([]*data.Entry, 0, len(pairs))
	for _, pair := range pairs {
		var entry data.Entry
		if err := json.Unmarshal(pair.Value, &entry); err != nil {
			return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
		}
		entries = append(entries, &entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	return entries, nil
}

func (cs *ConsulStore) CreateAll(ctx context.Context, entries []*data.Entry) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	pending := make(map[string]*data.Entry, len(entries))
	for _, entry := range entries {
		if err := cs.createUnsafe(ctx, entry, true, pending); err != nil {
			return err
		}

		pending[entry.ID] = entry
	}

	return nil
}
