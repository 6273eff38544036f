package data

import "errors"

// Standard index errors that Store implementations should use.
// Stores wrap these with context via fmt.Errorf("...%w...") so callers
// can classify failures with errors.Is.
var (
	// Lookup errors
	ErrNotFound    = errors.New("findex: entry not found")
	ErrInvalidPath = errors.New("findex: invalid path detected")

	// Integrity errors
	ErrDuplicatePath = errors.New("findex: path already exists")
	ErrInvalidParent = errors.New("findex: invalid parent")

	// Optimistic-concurrency errors
	ErrVersionConflict = errors.New("findex: version conflict")

	// Storage engine failures the index does not interpret further
	ErrStorage = errors.New("findex: storage failure")
)
