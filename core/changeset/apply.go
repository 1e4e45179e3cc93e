// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changeset

import (
	"slices"

	"github.com/juju/errors"
)

// ApplyTo replays the changes onto items and returns the resulting slice.
// The input slice may be modified in place. An index outside of the list at
// the time a change is replayed results in a NotValid error; the changes
// already replayed are kept in the returned slice.
func (cs ChangeSet[T]) ApplyTo(items []T) ([]T, error) {
	for i, ch := range cs.changes {
		var err error
		if items, err = apply(items, ch); err != nil {
			return items, errors.Annotatef(err, "applying change %d", i)
		}
	}
	return items, nil
}

func apply[T any](items []T, ch Change[T]) ([]T, error) {
	switch ch.reason {
	case Add:
		idx := ch.item.CurrentIndex
		if idx < 0 || idx > len(items) {
			return items, errors.NotValidf("add at %d of %d", idx, len(items))
		}
		return slices.Insert(items, idx, ch.item.Current), nil

	case AddRange:
		idx := ch.rng.Index
		if idx < 0 || idx > len(items) {
			return items, errors.NotValidf("add range at %d of %d", idx, len(items))
		}
		return slices.Insert(items, idx, ch.rng.Items...), nil

	case Remove:
		idx := ch.item.CurrentIndex
		if idx < 0 || idx >= len(items) {
			return items, errors.NotValidf("remove at %d of %d", idx, len(items))
		}
		return slices.Delete(items, idx, idx+1), nil

	case RemoveRange:
		idx, n := ch.rng.Index, len(ch.rng.Items)
		if idx < 0 || idx+n > len(items) {
			return items, errors.NotValidf("remove %d at %d of %d", n, idx, len(items))
		}
		return slices.Delete(items, idx, idx+n), nil

	case Replace, Refresh:
		idx := ch.item.CurrentIndex
		if idx < 0 || idx >= len(items) {
			return items, errors.NotValidf("%s at %d of %d", ch.reason, idx, len(items))
		}
		items[idx] = ch.item.Current
		return items, nil

	case Move:
		from, to := ch.item.PreviousIndex, ch.item.CurrentIndex
		if from < 0 || from >= len(items) || to < 0 || to >= len(items) {
			return items, errors.NotValidf("move %d to %d of %d", from, to, len(items))
		}
		item := items[from]
		items = slices.Delete(items, from, from+1)
		return slices.Insert(items, to, item), nil

	case Clear:
		return items[:0], nil
	}
	return items, errors.NotValidf("reason %d", int(ch.reason))
}
