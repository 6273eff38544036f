package data

import (
	"github.com/google/uuid"
)

// Entry represents a single record in the metadata index, describing one
// file or directory of the tracked tree. The identity of an entry is its ID;
// the path is a mutable attribute that changes when the entry (or one of its
// ancestors) is moved.
type Entry struct {
	// Identity - unique identifier, assigned at creation and never reused
	ID string `json:"id"`

	// Full normalized path, unique among all live entries
	Path string `json:"path"`

	// ID of the containing directory entry; empty only for the root
	ParentID string `json:"parent_id,omitempty"`

	// Denormalized copy of the parent's path, kept consistent with ParentID
	ParentPath string `json:"parent_path,omitempty"`

	// Base name of the entry, always the final segment of Path
	Name string `json:"name"`

	// Whether this entry is a directory and may contain children
	IsDir bool `json:"is_dir"`

	// Size in bytes (0 for directories)
	Size int64 `json:"size"`

	// Last modification, seconds since epoch
	MTime int64 `json:"mtime"`

	// Unix-style access mode in octal notation, e.g. "0644"
	Permissions string `json:"permissions"`

	// Starts at 1, incremented on every successful mutation of this entry
	Version int64 `json:"version"`
}

// NewEntryID generates a new time-ordered unique identifier.
func NewEntryID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// IsRootEntry reports whether this entry is the tree root.
func (e *Entry) IsRootEntry() bool {
	return e.ParentID == "" && e.Path == "/"
}

// Clone returns a deep copy of the entry, so stores can hand out
// results without exposing their internal state to the caller.
func (e *Entry) Clone() *Entry {
	clone := *e
	return &clone
}
