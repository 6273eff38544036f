package store_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/mwantia/findex/data"
	"github.com/mwantia/findex/store"
	"github.com/mwantia/findex/store/memory"
	"github.com/mwantia/findex/store/sqlite"
)

// TestStoreFactory creates a new store instance for testing.
type TestStoreFactory func(t *testing.T) (store.Store, error)

// GetTestStoreFactories returns all store implementations to test.
// Postgres and Consul need running servers and are exercised through the
// same contract by pointing a factory at them manually.
func GetTestStoreFactories() map[string]TestStoreFactory {
	return map[string]TestStoreFactory{
		"memory": func(t *testing.T) (store.Store, error) {
			return memory.NewMemoryStore(), nil
		},
		"sqlite": func(t *testing.T) (store.Store, error) {
			return sqlite.NewSQLiteStore(":memory:")
		},
	}
}

func mustCreate(t *testing.T, s store.Store, path, parentID string, isDir bool) *data.Entry {
	t.Helper()

	_, name := data.Split(path)
	permissions := "0644"
	if isDir {
		permissions = "0755"
	}

	entry := &data.Entry{
		Path:        path,
		ParentID:    parentID,
		Name:        name,
		IsDir:       isDir,
		Size:        42,
		MTime:       1700000000,
		Permissions: permissions,
	}

	if err := s.Create(t.Context(), entry); err != nil {
		t.Fatalf("Create %s failed: %v", path, err)
	}

	return entry
}

// buildTree creates /, /a, /a/b, /a/b/c and /x.
func buildTree(t *testing.T, s store.Store) map[string]*data.Entry {
	t.Helper()

	tree := make(map[string]*data.Entry)
	tree["/"] = mustCreate(t, s, "/", "", true)
	tree["/a"] = mustCreate(t, s, "/a", tree["/"].ID, true)
	tree["/a/b"] = mustCreate(t, s, "/a/b", tree["/a"].ID, true)
	tree["/a/b/c"] = mustCreate(t, s, "/a/b/c", tree["/a/b"].ID, false)
	tree["/x"] = mustCreate(t, s, "/x", tree["/"].ID, true)

	return tree
}

// checkParentPaths re-reads every live entry and verifies the denormalized
// parent path against the entry its parent ID references.
func checkParentPaths(t *testing.T, s store.Store) {
	t.Helper()

	entries, err := s.All(t.Context())
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}

	for _, entry := range entries {
		if entry.ParentID == "" {
			continue
		}

		parent, err := s.Lookup(t.Context(), entry.ParentID)
		if err != nil {
			t.Fatalf("Parent of %s not live: %v", entry.Path, err)
		}
		if entry.ParentPath != parent.Path {
			t.Errorf("Entry %s caches parent path %q, parent is at %q", entry.Path, entry.ParentPath, parent.Path)
		}
	}
}

func TestAllStores_CreateAndGet(t *testing.T) {
	for name, factory := range GetTestStoreFactories() {
		t.Run(name, func(t *testing.T) {
			s, err := factory(t)
			if err != nil {
				t.Fatalf("Store init failed: %v", err)
			}
			defer s.Close(t.Context())

			tree := buildTree(t, s)

			got, err := s.Get(t.Context(), "/a/b/c")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.ID != tree["/a/b/c"].ID {
				t.Errorf("Get returned id %s, want %s", got.ID, tree["/a/b/c"].ID)
			}
			if got.Version != 1 {
				t.Errorf("New entry has version %d, want 1", got.Version)
			}
			if got.Name != "c" || got.IsDir || got.Size != 42 || got.Permissions != "0644" {
				t.Errorf("Get returned unexpected attributes: %+v", got)
			}
			if got.ParentID != tree["/a/b"].ID || got.ParentPath != "/a/b" {
				t.Errorf("Get returned unexpected parent linkage: %+v", got)
			}

			if _, err := s.Get(t.Context(), "/missing"); !errors.Is(err, data.ErrNotFound) {
				t.Errorf("Get of missing path returned %v, want ErrNotFound", err)
			}

			byID, err := s.Lookup(t.Context(), tree["/a"].ID)
			if err != nil {
				t.Fatalf("Lookup failed: %v", err)
			}
			if byID.Path != "/a" {
				t.Errorf("Lookup returned path %s, want /a", byID.Path)
			}

			checkParentPaths(t, s)
		})
	}
}

func TestAllStores_DuplicateCreate(t *testing.T) {
	for name, factory := range GetTestStoreFactories() {
		t.Run(name, func(t *testing.T) {
			s, err := factory(t)
			if err != nil {
				t.Fatalf("Store init failed: %v", err)
			}
			defer s.Close(t.Context())

			tree := buildTree(t, s)

			duplicate := &data.Entry{
				Path: "/a", ParentID: tree["/"].ID, Name: "a", IsDir: true,
			}
			if err := s.Create(t.Context(), duplicate); !errors.Is(err, data.ErrDuplicatePath) {
				t.Fatalf("Duplicate create returned %v, want ErrDuplicatePath", err)
			}

			// Failed creates are repeatable and fail the same way.
			if err := s.Create(t.Context(), duplicate); !errors.Is(err, data.ErrDuplicatePath) {
				t.Fatalf("Repeated duplicate create returned %v, want ErrDuplicatePath", err)
			}

			// A failed create leaves the stored entry untouched.
			got, err := s.Get(t.Context(), "/a")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.ID != tree["/a"].ID || got.Version != 1 {
				t.Errorf("Duplicate create mutated stored entry: %+v", got)
			}
		})
	}
}

func TestAllStores_InvalidParent(t *testing.T) {
	for name, factory := range GetTestStoreFactories() {
		t.Run(name, func(t *testing.T) {
			s, err := factory(t)
			if err != nil {
				t.Fatalf("Store init failed: %v", err)
			}
			defer s.Close(t.Context())

			tree := buildTree(t, s)

			// Missing parent reference
			err = s.Create(t.Context(), &data.Entry{
				Path: "/ghost/child", ParentID: "no-such-id", Name: "child",
			})
			if !errors.Is(err, data.ErrInvalidParent) {
				t.Errorf("Create with missing parent returned %v, want ErrInvalidParent", err)
			}

			// Plain files may not have children
			err = s.Create(t.Context(), &data.Entry{
				Path: "/a/b/c/d", ParentID: tree["/a/b/c"].ID, Name: "d",
			})
			if !errors.Is(err, data.ErrInvalidParent) {
				t.Errorf("Create under a file returned %v, want ErrInvalidParent", err)
			}

			// Only the root may omit the parent
			err = s.Create(t.Context(), &data.Entry{Path: "/orphan", Name: "orphan"})
			if !errors.Is(err, data.ErrInvalidParent) {
				t.Errorf("Create without parent returned %v, want ErrInvalidParent", err)
			}
		})
	}
}

func TestAllStores_UpdateVersioning(t *testing.T) {
	for name, factory := range GetTestStoreFactories() {
		t.Run(name, func(t *testing.T) {
			s, err := factory(t)
			if err != nil {
				t.Fatalf("Store init failed: %v", err)
			}
			defer s.Close(t.Context())

			tree := buildTree(t, s)
			id := tree["/a/b/c"].ID

			version := tree["/a/b/c"].Version
			for i := range 5 {
				update := &data.EntryUpdate{
					Mask:  data.EntryUpdateSize | data.EntryUpdateMTime,
					Entry: &data.Entry{Size: int64(100 + i), MTime: int64(1700000000 + i)},
				}

				next, err := s.Update(t.Context(), id, version, update)
				if err != nil {
					t.Fatalf("Update %d failed: %v", i, err)
				}
				if next != version+1 {
					t.Fatalf("Update returned version %d, want %d", next, version+1)
				}
				version = next
			}

			if version != 6 {
				t.Errorf("After 5 updates version is %d, want 6", version)
			}

			// Stale version is rejected and leaves the entry untouched
			update := &data.EntryUpdate{
				Mask:  data.EntryUpdateSize,
				Entry: &data.Entry{Size: 9999},
			}
			if _, err := s.Update(t.Context(), id, version-1, update); !errors.Is(err, data.ErrVersionConflict) {
				t.Fatalf("Stale update returned %v, want ErrVersionConflict", err)
			}

			got, err := s.Lookup(t.Context(), id)
			if err != nil {
				t.Fatalf("Lookup failed: %v", err)
			}
			if got.Version != version {
				t.Errorf("Stale update changed version to %d, want %d", got.Version, version)
			}
			if got.Size != 104 {
				t.Errorf("Stale update changed size to %d, want 104", got.Size)
			}

			if _, err := s.Update(t.Context(), "no-such-id", 1, update); !errors.Is(err, data.ErrNotFound) {
				t.Errorf("Update of missing id returned %v, want ErrNotFound", err)
			}

			// Permissions update through the mask
			update = &data.EntryUpdate{
				Mask:  data.EntryUpdatePermissions,
				Entry: &data.Entry{Permissions: "0600"},
			}
			if _, err := s.Update(t.Context(), id, version, update); err != nil {
				t.Fatalf("Permissions update failed: %v", err)
			}

			got, _ = s.Lookup(t.Context(), id)
			if got.Permissions != "0600" {
				t.Errorf("Permissions update stored %q, want 0600", got.Permissions)
			}
			if got.Size != 104 || got.MTime != 1700000004 {
				t.Errorf("Masked update touched unrelated fields: %+v", got)
			}
		})
	}
}

func TestAllStores_MoveSubtree(t *testing.T) {
	for name, factory := range GetTestStoreFactories() {
		t.Run(name, func(t *testing.T) {
			s, err := factory(t)
			if err != nil {
				t.Fatalf("Store init failed: %v", err)
			}
			defer s.Close(t.Context())

			tree := buildTree(t, s)

			moved, err := s.Move(t.Context(), tree["/a/b"].ID, tree["/x"].ID, "b", 1)
			if err != nil {
				t.Fatalf("Move failed: %v", err)
			}
			if moved.Path != "/x/b" || moved.ParentPath != "/x" || moved.Version != 2 {
				t.Errorf("Move returned %+v", moved)
			}

			// The whole subtree follows
			desc, err := s.Get(t.Context(), "/x/b/c")
			if err != nil {
				t.Fatalf("Get of moved descendant failed: %v", err)
			}
			if desc.ID != tree["/a/b/c"].ID {
				t.Errorf("Descendant changed identity across move")
			}
			if desc.ParentID != tree["/a/b"].ID || desc.ParentPath != "/x/b" {
				t.Errorf("Descendant has parent linkage %s/%s", desc.ParentID, desc.ParentPath)
			}
			if desc.Version != 1 {
				t.Errorf("Descendant version changed to %d on ancestor move", desc.Version)
			}

			// The old paths are gone
			if _, err := s.Get(t.Context(), "/a/b"); !errors.Is(err, data.ErrNotFound) {
				t.Errorf("Get of old path returned %v, want ErrNotFound", err)
			}
			if _, err := s.Get(t.Context(), "/a/b/c"); !errors.Is(err, data.ErrNotFound) {
				t.Errorf("Get of old descendant path returned %v, want ErrNotFound", err)
			}

			checkParentPaths(t, s)

			// Version conflicts and missing ids surface unchanged
			if _, err := s.Move(t.Context(), moved.ID, tree["/"].ID, "b", 1); !errors.Is(err, data.ErrVersionConflict) {
				t.Errorf("Stale move returned %v, want ErrVersionConflict", err)
			}
			if _, err := s.Move(t.Context(), "no-such-id", tree["/"].ID, "b", 1); !errors.Is(err, data.ErrNotFound) {
				t.Errorf("Move of missing id returned %v, want ErrNotFound", err)
			}
		})
	}
}

func TestAllStores_MoveCollision(t *testing.T) {
	for name, factory := range GetTestStoreFactories() {
		t.Run(name, func(t *testing.T) {
			s, err := factory(t)
			if err != nil {
				t.Fatalf("Store init failed: %v", err)
			}
			defer s.Close(t.Context())

			tree := buildTree(t, s)

			// "/x" is already taken
			if _, err := s.Move(t.Context(), tree["/a/b"].ID, tree["/"].ID, "x", 1); !errors.Is(err, data.ErrDuplicatePath) {
				t.Fatalf("Colliding move returned %v, want ErrDuplicatePath", err)
			}

			// Nothing moved
			if _, err := s.Get(t.Context(), "/a/b/c"); err != nil {
				t.Errorf("Subtree changed after failed move: %v", err)
			}

			got, _ := s.Lookup(t.Context(), tree["/a/b"].ID)
			if got.Version != 1 || got.Path != "/a/b" {
				t.Errorf("Failed move mutated entry: %+v", got)
			}
		})
	}
}

func TestAllStores_MoveCycle(t *testing.T) {
	for name, factory := range GetTestStoreFactories() {
		t.Run(name, func(t *testing.T) {
			s, err := factory(t)
			if err != nil {
				t.Fatalf("Store init failed: %v", err)
			}
			defer s.Close(t.Context())

			tree := buildTree(t, s)

			// Moving /a under /a/b would orphan the subtree
			if _, err := s.Move(t.Context(), tree["/a"].ID, tree["/a/b"].ID, "a", 1); !errors.Is(err, data.ErrInvalidParent) {
				t.Errorf("Cyclic move returned %v, want ErrInvalidParent", err)
			}

			// Moving a directory onto itself is equally invalid
			if _, err := s.Move(t.Context(), tree["/a"].ID, tree["/a"].ID, "a", 1); !errors.Is(err, data.ErrInvalidParent) {
				t.Errorf("Self move returned %v, want ErrInvalidParent", err)
			}

			// The root stays where it is
			if _, err := s.Move(t.Context(), tree["/"].ID, tree["/x"].ID, "root", 1); !errors.Is(err, data.ErrInvalidParent) {
				t.Errorf("Root move returned %v, want ErrInvalidParent", err)
			}
		})
	}
}

func TestAllStores_DeleteCascade(t *testing.T) {
	for name, factory := range GetTestStoreFactories() {
		t.Run(name, func(t *testing.T) {
			s, err := factory(t)
			if err != nil {
				t.Fatalf("Store init failed: %v", err)
			}
			defer s.Close(t.Context())

			tree := buildTree(t, s)

			count, err := s.Delete(t.Context(), tree["/a"].ID, 1)
			if err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if count != 3 {
				t.Errorf("Delete removed %d entries, want 3", count)
			}

			for _, path := range []string{"/a", "/a/b", "/a/b/c"} {
				if _, err := s.Get(t.Context(), path); !errors.Is(err, data.ErrNotFound) {
					t.Errorf("Get %s after cascade returned %v, want ErrNotFound", path, err)
				}
			}

			// Unrelated entries survive
			if _, err := s.Get(t.Context(), "/x"); err != nil {
				t.Errorf("Cascade removed unrelated entry: %v", err)
			}

			// Repeating a successful delete is not a silent no-op
			if _, err := s.Delete(t.Context(), tree["/a"].ID, 1); !errors.Is(err, data.ErrNotFound) {
				t.Errorf("Repeated delete returned %v, want ErrNotFound", err)
			}

			// A deleted path is free for reuse
			if _, err := s.Get(t.Context(), "/a"); !errors.Is(err, data.ErrNotFound) {
				t.Fatalf("Expected /a to be gone")
			}
			mustCreate(t, s, "/a", tree["/"].ID, false)
		})
	}
}

func TestAllStores_DeleteVersionConflict(t *testing.T) {
	for name, factory := range GetTestStoreFactories() {
		t.Run(name, func(t *testing.T) {
			s, err := factory(t)
			if err != nil {
				t.Fatalf("Store init failed: %v", err)
			}
			defer s.Close(t.Context())

			tree := buildTree(t, s)

			if _, err := s.Delete(t.Context(), tree["/a"].ID, 7); !errors.Is(err, data.ErrVersionConflict) {
				t.Fatalf("Stale delete returned %v, want ErrVersionConflict", err)
			}

			// The subtree is fully intact
			for _, path := range []string{"/a", "/a/b", "/a/b/c"} {
				if _, err := s.Get(t.Context(), path); err != nil {
					t.Errorf("Failed delete removed %s: %v", path, err)
				}
			}
		})
	}
}

func TestAllStores_ChildrenOrdered(t *testing.T) {
	for name, factory := range GetTestStoreFactories() {
		t.Run(name, func(t *testing.T) {
			s, err := factory(t)
			if err != nil {
				t.Fatalf("Store init failed: %v", err)
			}
			defer s.Close(t.Context())

			root := mustCreate(t, s, "/", "", true)
			dir := mustCreate(t, s, "/docs", root.ID, true)

			for _, name := range []string{"zeta", "alpha", "midway"} {
				mustCreate(t, s, "/docs/"+name, dir.ID, false)
			}

			children, err := s.Children(t.Context(), dir.ID)
			if err != nil {
				t.Fatalf("Children failed: %v", err)
			}

			want := []string{"alpha", "midway", "zeta"}
			if len(children) != len(want) {
				t.Fatalf("Children returned %d entries, want %d", len(children), len(want))
			}
			for i, child := range children {
				if child.Name != want[i] {
					t.Errorf("Children[%d] = %s, want %s", i, child.Name, want[i])
				}
			}

			// Re-querying reflects the current state, not a frozen snapshot
			mustCreate(t, s, "/docs/beta", dir.ID, false)
			children, err = s.Children(t.Context(), dir.ID)
			if err != nil {
				t.Fatalf("Children failed: %v", err)
			}
			if len(children) != 4 || children[1].Name != "beta" {
				t.Errorf("Re-query did not reflect new child: %+v", children)
			}

			// Listing a file or a missing id fails
			file, _ := s.Get(t.Context(), "/docs/alpha")
			if _, err := s.Children(t.Context(), file.ID); !errors.Is(err, data.ErrInvalidParent) {
				t.Errorf("Children of a file returned %v, want ErrInvalidParent", err)
			}
			if _, err := s.Children(t.Context(), "no-such-id"); !errors.Is(err, data.ErrNotFound) {
				t.Errorf("Children of missing id returned %v, want ErrNotFound", err)
			}
		})
	}
}

func TestAllStores_ConcurrentCreate(t *testing.T) {
	for name, factory := range GetTestStoreFactories() {
		t.Run(name, func(t *testing.T) {
			s, err := factory(t)
			if err != nil {
				t.Fatalf("Store init failed: %v", err)
			}
			defer s.Close(t.Context())

			root := mustCreate(t, s, "/", "", true)

			const workers = 16
			var wg sync.WaitGroup
			results := make([]error, workers)

			for i := range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()

					results[i] = s.Create(t.Context(), &data.Entry{
						Path:     "/contested",
						ParentID: root.ID,
						Name:     "contested",
					})
				}()
			}
			wg.Wait()

			var succeeded, conflicted int
			for _, err := range results {
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, data.ErrDuplicatePath):
					conflicted++
				default:
					t.Errorf("Unexpected create error: %v", err)
				}
			}

			if succeeded != 1 || conflicted != workers-1 {
				t.Errorf("Concurrent creates: %d succeeded, %d conflicted (want 1/%d)", succeeded, conflicted, workers-1)
			}
		})
	}
}

func TestAllStores_AllAndCreateAll(t *testing.T) {
	for name, factory := range GetTestStoreFactories() {
		t.Run(name, func(t *testing.T) {
			s, err := factory(t)
			if err != nil {
				t.Fatalf("Store init failed: %v", err)
			}
			defer s.Close(t.Context())

			tree := buildTree(t, s)
			if _, err := s.Update(t.Context(), tree["/a/b/c"].ID, 1, &data.EntryUpdate{
				Mask:  data.EntryUpdateSize,
				Entry: &data.Entry{Size: 1234},
			}); err != nil {
				t.Fatalf("Update failed: %v", err)
			}

			entries, err := s.All(t.Context())
			if err != nil {
				t.Fatalf("All failed: %v", err)
			}
			if len(entries) != len(tree) {
				t.Fatalf("All returned %d entries, want %d", len(entries), len(tree))
			}

			// Replay into a fresh store; ids and versions must survive
			fresh, err := factory(t)
			if err != nil {
				t.Fatalf("Store init failed: %v", err)
			}
			defer fresh.Close(t.Context())

			if err := fresh.CreateAll(t.Context(), entries); err != nil {
				t.Fatalf("CreateAll failed: %v", err)
			}

			restored, err := fresh.Get(t.Context(), "/a/b/c")
			if err != nil {
				t.Fatalf("Get after restore failed: %v", err)
			}
			if restored.ID != tree["/a/b/c"].ID {
				t.Errorf("Restore changed id to %s", restored.ID)
			}
			if restored.Version != 2 || restored.Size != 1234 {
				t.Errorf("Restore dropped mutations: %+v", restored)
			}

			checkParentPaths(t, fresh)
		})
	}
}

func TestAllStores_ScaledCascade(t *testing.T) {
	for name, factory := range GetTestStoreFactories() {
		t.Run(name, func(t *testing.T) {
			s, err := factory(t)
			if err != nil {
				t.Fatalf("Store init failed: %v", err)
			}
			defer s.Close(t.Context())

			root := mustCreate(t, s, "/", "", true)
			dir := mustCreate(t, s, "/big", root.ID, true)

			const files = 100
			for i := range files {
				mustCreate(t, s, fmt.Sprintf("/big/file-%03d", i), dir.ID, false)
			}

			count, err := s.Delete(t.Context(), dir.ID, 1)
			if err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if count != files+1 {
				t.Errorf("Delete removed %d entries, want %d", count, files+1)
			}

			entries, _ := s.All(t.Context())
			if len(entries) != 1 {
				t.Errorf("Cascade left %d entries, want 1 (root)", len(entries))
			}
		})
	}
}
