package findex

import (
	"context"
	"errors"
	"fmt"

	"github.com/mwantia/findex/data"
)

// Verify audits the full entry set against the tree invariants:
// unique live paths, every non-root parent referencing a live directory,
// denormalized parent paths matching the referenced parent, names matching
// the final path segment, and version counters of at least 1.
//
// Intended for consistency checks after crash recovery or a snapshot
// restore. Returns all violations joined into a single error.
func (ix *Index) Verify(ctx context.Context) error {
	entries, err := ix.store.All(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]*data.Entry, len(entries))
	byPath := make(map[string]*data.Entry, len(entries))

	var errs []error
	for _, entry := range entries {
		if other, exists := byPath[entry.Path]; exists {
			errs = append(errs, fmt.Errorf("duplicate path '%s' (ids %s, %s)", entry.Path, other.ID, entry.ID))
		}

		byID[entry.ID] = entry
		byPath[entry.Path] = entry
	}

	for _, entry := range entries {
		if entry.Version < 1 {
			errs = append(errs, fmt.Errorf("entry '%s' has version %d", entry.Path, entry.Version))
		}

		if entry.ParentID == "" {
			if !data.IsRoot(entry.Path) {
				errs = append(errs, fmt.Errorf("entry '%s' has no parent", entry.Path))
			}
			continue
		}

		_, name := data.Split(entry.Path)
		if entry.Name != name {
			errs = append(errs, fmt.Errorf("entry '%s' is named '%s'", entry.Path, entry.Name))
		}

		parent, exists := byID[entry.ParentID]
		switch {
		case !exists:
			errs = append(errs, fmt.Errorf("entry '%s' references missing parent %s", entry.Path, entry.ParentID))
		case !parent.IsDir:
			errs = append(errs, fmt.Errorf("entry '%s' has non-directory parent '%s'", entry.Path, parent.Path))
		case entry.ParentPath != parent.Path:
			errs = append(errs, fmt.Errorf("entry '%s' caches parent path '%s', parent is at '%s'",
				entry.Path, entry.ParentPath, parent.Path))
		case data.Join(parent.Path, entry.Name) != entry.Path:
			errs = append(errs, fmt.Errorf("entry '%s' is not inside its parent '%s'", entry.Path, parent.Path))
		}
	}

	return errors.Join(errs...)
}
