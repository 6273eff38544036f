package memory

import (
	"context"
	"sync"

	"github.com/mwantia/findex/data"
	"github.com/tidwall/btree"
)

// MemoryStore keeps the whole index in process memory.
//
// Architecture:
// - B-tree for ordered path → ID lookups (enables subtree prefix scans)
// - Map for ID → entry lookups
// - Parent index (parent ID → name → child ID) for children listing
//
// A single RWMutex serializes mutations, which makes every operation's
// check-then-act sequence atomic. Intended for tests and ephemeral indexes.
type MemoryStore struct {
	mu sync.RWMutex

	paths    *btree.Map[string, string]
	entries  map[string]*data.Entry
	children map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		paths:    btree.NewMap[string, string](0),
		entries:  make(map[string]*data.Entry),
		children: make(map[string]map[string]string),
	}
}

// Close releases all held entries.
func (ms *MemoryStore) Close(ctx context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.paths.Clear()
	for k := range ms.entries {
		delete(ms.entries, k)
	}
	for k := range ms.children {
		delete(ms.children, k)
	}

	return nil
}
