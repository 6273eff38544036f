package data

// EntryUpdateMask controls which fields of an entry should be updated.
// This allows partial updates without needing to fetch and write back entire entries.
type EntryUpdateMask int

const (
	EntryUpdateSize        EntryUpdateMask = 1 << iota // Update Size
	EntryUpdateMTime                                   // Update MTime
	EntryUpdatePermissions                             // Update Permissions

	EntryUpdateAll = ^EntryUpdateMask(0) // Update all fields
)

// EntryUpdate represents a partial attribute change to an entry.
// Structural fields (path, parent, name) are never part of an update;
// those only change through Move.
type EntryUpdate struct {
	Mask  EntryUpdateMask `json:"mask"`
	Entry *Entry          `json:"entry"`
}

// Apply applies this update to an existing entry.
// Version bookkeeping is left to the store performing the mutation.
func (eu *EntryUpdate) Apply(target *Entry) (bool, error) {
	// Use a dedicated value to check if any
	// modification to the target has been done
	modified := false

	if eu.Mask&EntryUpdateSize != 0 {
		target.Size = eu.Entry.Size
		modified = true
	}

	if eu.Mask&EntryUpdateMTime != 0 {
		target.MTime = eu.Entry.MTime
		modified = true
	}

	if eu.Mask&EntryUpdatePermissions != 0 {
		target.Permissions = eu.Entry.Permissions
		modified = true
	}

	return modified, nil
}
