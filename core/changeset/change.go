// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changeset

import (
	"fmt"

	"github.com/juju/errors"
)

// ItemChange describes a mutation of a single item.
type ItemChange[T any] struct {
	// Current is the item after the change. For a Remove it is the item
	// that was removed.
	Current T

	// Previous is the replaced item. Only meaningful when HasPrevious is set.
	Previous T

	// HasPrevious is true for Replace changes.
	HasPrevious bool

	// CurrentIndex is the index of the item after the change (or the index
	// it was removed from).
	CurrentIndex int

	// PreviousIndex is the index the item was moved from. It is -1 for
	// everything but Move.
	PreviousIndex int
}

// RangeChange describes a mutation of a contiguous run of items.
type RangeChange[T any] struct {
	// Items holds the added or removed items in list order.
	Items []T

	// Index is the position of the first item of the run.
	Index int
}

// Change is a single, immutable mutation record.
type Change[T any] struct {
	reason Reason
	item   ItemChange[T]
	rng    RangeChange[T]
}

// Added returns an Add change for item inserted at index.
func Added[T any](item T, index int) Change[T] {
	return itemChange(Add, item, index)
}

// Removed returns a Remove change for item removed from index.
func Removed[T any](item T, index int) Change[T] {
	return itemChange(Remove, item, index)
}

// Refreshed returns a Refresh change for item at index.
func Refreshed[T any](item T, index int) Change[T] {
	return itemChange(Refresh, item, index)
}

// Replaced returns a Replace change where previous was swapped for current
// at index.
func Replaced[T any](previous, current T, index int) Change[T] {
	return Change[T]{
		reason: Replace,
		item: ItemChange[T]{
			Current:       current,
			Previous:      previous,
			HasPrevious:   true,
			CurrentIndex:  index,
			PreviousIndex: -1,
		},
	}
}

// Moved returns a Move change for item relocated from one index to another.
func Moved[T any](item T, from, to int) Change[T] {
	return Change[T]{
		reason: Move,
		item: ItemChange[T]{
			Current:       item,
			CurrentIndex:  to,
			PreviousIndex: from,
		},
	}
}

// RangeAdded returns an AddRange change. The range must not be empty.
func RangeAdded[T any](items []T, index int) (Change[T], error) {
	return rangeChange(AddRange, items, index)
}

// RangeRemoved returns a RemoveRange change. The range must not be empty.
func RangeRemoved[T any](items []T, index int) (Change[T], error) {
	return rangeChange(RemoveRange, items, index)
}

// Cleared returns a Clear change carrying the items that were removed.
func Cleared[T any](items []T) Change[T] {
	return Change[T]{
		reason: Clear,
		rng: RangeChange[T]{
			Items: append([]T(nil), items...),
		},
	}
}

func itemChange[T any](reason Reason, item T, index int) Change[T] {
	return Change[T]{
		reason: reason,
		item: ItemChange[T]{
			Current:       item,
			CurrentIndex:  index,
			PreviousIndex: -1,
		},
	}
}

func rangeChange[T any](reason Reason, items []T, index int) (Change[T], error) {
	if len(items) == 0 {
		return Change[T]{}, errors.NotValidf("empty %s", reason)
	}
	if index < 0 {
		return Change[T]{}, errors.NotValidf("%s index %d", reason, index)
	}
	return Change[T]{
		reason: reason,
		rng: RangeChange[T]{
			Items: append([]T(nil), items...),
			Index: index,
		},
	}, nil
}

// Reason returns what kind of change this is.
func (c Change[T]) Reason() Reason {
	return c.reason
}

// Item returns the single item details. It is the zero value for range
// changes.
func (c Change[T]) Item() ItemChange[T] {
	return c.item
}

// Range returns the range details. It is the zero value for single item
// changes. The returned Items must not be modified.
func (c Change[T]) Range() RangeChange[T] {
	return c.rng
}

// Count returns the number of items affected by the change.
func (c Change[T]) Count() int {
	if c.reason.IsRange() {
		return len(c.rng.Items)
	}
	return 1
}

// Validate returns an error if the change is not internally consistent.
func (c Change[T]) Validate() error {
	switch c.reason {
	case Add, Remove, Refresh, Replace:
		if c.item.CurrentIndex < 0 {
			return errors.NotValidf("%s index %d", c.reason, c.item.CurrentIndex)
		}
		if (c.reason == Replace) != c.item.HasPrevious {
			return errors.NotValidf("%s previous item", c.reason)
		}
	case Move:
		if c.item.CurrentIndex < 0 || c.item.PreviousIndex < 0 {
			return errors.NotValidf("move from %d to %d", c.item.PreviousIndex, c.item.CurrentIndex)
		}
	case AddRange, RemoveRange:
		if len(c.rng.Items) == 0 {
			return errors.NotValidf("empty %s", c.reason)
		}
		if c.rng.Index < 0 {
			return errors.NotValidf("%s index %d", c.reason, c.rng.Index)
		}
	case Clear:
	default:
		return errors.NotValidf("reason %d", int(c.reason))
	}
	return nil
}

// String implements fmt.Stringer.
func (c Change[T]) String() string {
	switch c.reason {
	case AddRange, RemoveRange:
		return fmt.Sprintf("%s(%d items at %d)", c.reason, len(c.rng.Items), c.rng.Index)
	case Clear:
		return fmt.Sprintf("Clear(%d items)", len(c.rng.Items))
	case Move:
		return fmt.Sprintf("Move(%v %d->%d)", c.item.Current, c.item.PreviousIndex, c.item.CurrentIndex)
	case Replace:
		return fmt.Sprintf("Replace(%v->%v at %d)", c.item.Previous, c.item.Current, c.item.CurrentIndex)
	}
	return fmt.Sprintf("%s(%v at %d)", c.reason, c.item.Current, c.item.CurrentIndex)
}
