// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changeset

import (
	"strings"

	"github.com/juju/errors"
)

// ChangeSet is an ordered, immutable batch of changes describing one
// transition of a list. Applying the changes in order to the prior state
// yields the new state.
type ChangeSet[T any] struct {
	changes []Change[T]
}

// New returns a ChangeSet holding the supplied changes in order.
func New[T any](changes ...Change[T]) ChangeSet[T] {
	if len(changes) == 0 {
		return ChangeSet[T]{}
	}
	return ChangeSet[T]{changes: append([]Change[T](nil), changes...)}
}

// Empty returns a ChangeSet with no changes.
func Empty[T any]() ChangeSet[T] {
	return ChangeSet[T]{}
}

// Len returns the number of changes.
func (cs ChangeSet[T]) Len() int {
	return len(cs.changes)
}

// IsEmpty reports whether the set holds no changes.
func (cs ChangeSet[T]) IsEmpty() bool {
	return len(cs.changes) == 0
}

// At returns the change at position i.
func (cs ChangeSet[T]) At(i int) Change[T] {
	return cs.changes[i]
}

// Changes returns a copy of the changes.
func (cs ChangeSet[T]) Changes() []Change[T] {
	return append([]Change[T](nil), cs.changes...)
}

// Each calls fn for every change in order.
func (cs ChangeSet[T]) Each(fn func(Change[T])) {
	for _, ch := range cs.changes {
		fn(ch)
	}
}

// Adds returns the number of items added, counting each item of a range.
func (cs ChangeSet[T]) Adds() int {
	return cs.count(Add, AddRange)
}

// Removes returns the number of items removed, including cleared items.
func (cs ChangeSet[T]) Removes() int {
	return cs.count(Remove, RemoveRange, Clear)
}

// Replaced returns the number of Replace changes.
func (cs ChangeSet[T]) Replaced() int {
	return cs.count(Replace)
}

// Refreshes returns the number of Refresh changes.
func (cs ChangeSet[T]) Refreshes() int {
	return cs.count(Refresh)
}

// Moves returns the number of Move changes.
func (cs ChangeSet[T]) Moves() int {
	return cs.count(Move)
}

// TotalChanges returns the number of items touched by the set.
func (cs ChangeSet[T]) TotalChanges() int {
	total := 0
	for _, ch := range cs.changes {
		total += ch.Count()
	}
	return total
}

func (cs ChangeSet[T]) count(reasons ...Reason) int {
	total := 0
	for _, ch := range cs.changes {
		for _, r := range reasons {
			if ch.reason == r {
				total += ch.Count()
				break
			}
		}
	}
	return total
}

// Validate checks every change in the set.
func (cs ChangeSet[T]) Validate() error {
	for i, ch := range cs.changes {
		if err := ch.Validate(); err != nil {
			return errors.Annotatef(err, "change %d", i)
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (cs ChangeSet[T]) String() string {
	parts := make([]string, len(cs.changes))
	for i, ch := range cs.changes {
		parts[i] = ch.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
