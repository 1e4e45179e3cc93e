// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changeset

import "fmt"

// Reason identifies the kind of mutation a Change describes.
type Reason int

const (
	// Add is a single item inserted at an index.
	Add Reason = iota
	// AddRange is a contiguous run of items inserted starting at an index.
	AddRange
	// Remove is a single item removed from an index.
	Remove
	// RemoveRange is a contiguous run of items removed starting at an index.
	RemoveRange
	// Replace swaps the item at an index for another one.
	Replace
	// Move relocates an item from one index to another.
	Move
	// Refresh signals that the item at an index changed in place.
	Refresh
	// Clear removes every item.
	Clear
)

var reasonNames = [...]string{
	Add:         "Add",
	AddRange:    "AddRange",
	Remove:      "Remove",
	RemoveRange: "RemoveRange",
	Replace:     "Replace",
	Move:        "Move",
	Refresh:     "Refresh",
	Clear:       "Clear",
}

// String implements fmt.Stringer.
func (r Reason) String() string {
	if r < 0 || int(r) >= len(reasonNames) {
		return fmt.Sprintf("Reason(%d)", int(r))
	}
	return reasonNames[r]
}

// IsRange reports whether the reason carries a range of items rather than
// a single item.
func (r Reason) IsRange() bool {
	return r == AddRange || r == RemoveRange || r == Clear
}
