// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package list

import (
	"slices"

	"github.com/juju/errors"

	"github.com/juju/dynamicdata/core/changeset"
)

const (
	// ErrIndexOutOfRange is returned when an index or a window falls
	// outside of the list.
	ErrIndexOutOfRange = errors.ConstError("index out of range")
)

// ChangeAwareList is a list that records every mutation made to it. The
// recorded changes are drained with CaptureChanges.
//
// Contiguous inserts after the last added run coalesce into one AddRange,
// and removals at the same index (or just before the last removed index)
// coalesce into one RemoveRange.
//
// A ChangeAwareList is not safe for concurrent use.
type ChangeAwareList[T any] struct {
	items   []T
	pending []pending[T]
	equal   func(a, b T) bool
}

// pending is a change still open for coalescing.
type pending[T any] struct {
	reason changeset.Reason
	items  []T
	index  int
	change changeset.Change[T]
}

// NewChangeAwareList returns an empty list comparing items with ==.
func NewChangeAwareList[T comparable]() *ChangeAwareList[T] {
	return NewChangeAwareListFunc(func(a, b T) bool { return a == b })
}

// NewChangeAwareListFunc returns an empty list comparing items with equal.
func NewChangeAwareListFunc[T any](equal func(a, b T) bool) *ChangeAwareList[T] {
	return &ChangeAwareList[T]{equal: equal}
}

// Items returns a copy of the items.
func (l *ChangeAwareList[T]) Items() []T {
	return slices.Clone(l.items)
}

// Count returns the number of items.
func (l *ChangeAwareList[T]) Count() int {
	return len(l.items)
}

// At returns the item at index.
func (l *ChangeAwareList[T]) At(index int) (T, error) {
	if index < 0 || index >= len(l.items) {
		var zero T
		return zero, outOfRange(index, len(l.items))
	}
	return l.items[index], nil
}

// IndexOf returns the index of the first item equal to item, or -1.
func (l *ChangeAwareList[T]) IndexOf(item T) int {
	return l.indexFrom(item, 0)
}

func (l *ChangeAwareList[T]) indexFrom(item T, start int) int {
	for i := start; i < len(l.items); i++ {
		if l.equal(l.items[i], item) {
			return i
		}
	}
	return -1
}

// Add appends item.
func (l *ChangeAwareList[T]) Add(item T) {
	l.insert(len(l.items), item)
}

// AddRange appends items. An empty range is ignored.
func (l *ChangeAwareList[T]) AddRange(items []T) {
	l.insertRange(items, len(l.items))
}

// Insert inserts item at index.
func (l *ChangeAwareList[T]) Insert(index int, item T) error {
	if index < 0 || index > len(l.items) {
		return outOfRange(index, len(l.items))
	}
	l.insert(index, item)
	return nil
}

// InsertRange inserts items starting at index. An empty range is ignored.
func (l *ChangeAwareList[T]) InsertRange(items []T, index int) error {
	if index < 0 || index > len(l.items) {
		return outOfRange(index, len(l.items))
	}
	l.insertRange(items, index)
	return nil
}

func (l *ChangeAwareList[T]) insert(index int, item T) {
	l.items = slices.Insert(l.items, index, item)
	if last := l.last(); last != nil && last.continuesAdd(index) {
		last.reason = changeset.AddRange
		last.items = append(last.items, item)
		return
	}
	l.pending = append(l.pending, pending[T]{
		reason: changeset.Add,
		items:  []T{item},
		index:  index,
	})
}

func (l *ChangeAwareList[T]) insertRange(items []T, index int) {
	if len(items) == 0 {
		return
	}
	l.items = slices.Insert(l.items, index, items...)
	if last := l.last(); last != nil && last.continuesAdd(index) {
		last.reason = changeset.AddRange
		last.items = append(last.items, items...)
		return
	}
	l.pending = append(l.pending, pending[T]{
		reason: changeset.AddRange,
		items:  slices.Clone(items),
		index:  index,
	})
}

// Remove removes the first item equal to item. It reports whether an item
// was removed.
func (l *ChangeAwareList[T]) Remove(item T) bool {
	index := l.IndexOf(item)
	if index < 0 {
		return false
	}
	l.removeAt(index)
	return true
}

// RemoveMany removes one occurrence per requested item: asking for a value
// twice removes at most two equal items, not every equal item. Items are
// removed from the highest index down. It returns the number of items
// removed.
func (l *ChangeAwareList[T]) RemoveMany(items []T) int {
	if len(items) == 0 || len(l.items) == 0 {
		return 0
	}
	wanted := slices.Clone(items)
	var indices []int
	for i, existing := range l.items {
		for j, w := range wanted {
			if l.equal(existing, w) {
				indices = append(indices, i)
				wanted = slices.Delete(wanted, j, j+1)
				break
			}
		}
		if len(wanted) == 0 {
			break
		}
	}
	for i := len(indices) - 1; i >= 0; i-- {
		l.removeAt(indices[i])
	}
	return len(indices)
}

// RemoveAt removes and returns the item at index.
func (l *ChangeAwareList[T]) RemoveAt(index int) (T, error) {
	if index < 0 || index >= len(l.items) {
		var zero T
		return zero, outOfRange(index, len(l.items))
	}
	return l.removeAt(index), nil
}

// RemoveRange removes count items starting at index. The whole window must
// lie within the list.
func (l *ChangeAwareList[T]) RemoveRange(index, count int) error {
	if index < 0 || count < 0 || index+count > len(l.items) {
		return errors.Annotatef(ErrIndexOutOfRange, "removing %d items at %d of %d", count, index, len(l.items))
	}
	if count == 0 {
		return nil
	}
	removed := slices.Clone(l.items[index : index+count])
	l.items = slices.Delete(l.items, index, index+count)
	if last := l.last(); last != nil && last.isRemove() {
		switch {
		case last.index == index:
			last.reason = changeset.RemoveRange
			last.items = append(last.items, removed...)
			return nil
		case last.index == index+count:
			last.reason = changeset.RemoveRange
			last.items = append(removed, last.items...)
			last.index = index
			return nil
		}
	}
	l.pending = append(l.pending, pending[T]{
		reason: changeset.RemoveRange,
		items:  removed,
		index:  index,
	})
	return nil
}

func (l *ChangeAwareList[T]) removeAt(index int) T {
	item := l.items[index]
	l.items = slices.Delete(l.items, index, index+1)
	if last := l.last(); last != nil && last.isRemove() {
		switch index {
		case last.index:
			last.reason = changeset.RemoveRange
			last.items = append(last.items, item)
			return item
		case last.index - 1:
			last.reason = changeset.RemoveRange
			last.items = append([]T{item}, last.items...)
			last.index = index
			return item
		}
	}
	l.pending = append(l.pending, pending[T]{
		reason: changeset.Remove,
		items:  []T{item},
		index:  index,
	})
	return item
}

// Move relocates the item at from to index to.
func (l *ChangeAwareList[T]) Move(from, to int) error {
	if from < 0 || from >= len(l.items) {
		return outOfRange(from, len(l.items))
	}
	if to < 0 || to >= len(l.items) {
		return outOfRange(to, len(l.items))
	}
	if from == to {
		return nil
	}
	item := l.items[from]
	l.items = slices.Delete(l.items, from, from+1)
	l.items = slices.Insert(l.items, to, item)
	l.record(changeset.Moved(item, from, to))
	return nil
}

// Refresh records a Refresh for the first item equal to item. It reports
// whether the item was found.
func (l *ChangeAwareList[T]) Refresh(item T) bool {
	index := l.IndexOf(item)
	if index < 0 {
		return false
	}
	l.record(changeset.Refreshed(l.items[index], index))
	return true
}

// RefreshAt records a Refresh for the item at index.
func (l *ChangeAwareList[T]) RefreshAt(index int) error {
	if index < 0 || index >= len(l.items) {
		return outOfRange(index, len(l.items))
	}
	l.record(changeset.Refreshed(l.items[index], index))
	return nil
}

// Replace swaps the first item equal to original for replacement. It
// reports whether original was found.
func (l *ChangeAwareList[T]) Replace(original, replacement T) bool {
	index := l.IndexOf(original)
	if index < 0 {
		return false
	}
	l.replaceAt(index, replacement)
	return true
}

// ReplaceAt swaps the item at index for item.
func (l *ChangeAwareList[T]) ReplaceAt(index int, item T) error {
	if index < 0 || index >= len(l.items) {
		return outOfRange(index, len(l.items))
	}
	l.replaceAt(index, item)
	return nil
}

func (l *ChangeAwareList[T]) replaceAt(index int, item T) {
	previous := l.items[index]
	l.items[index] = item
	l.record(changeset.Replaced(previous, item, index))
}

// Clear removes every item. Clearing an empty list records nothing.
func (l *ChangeAwareList[T]) Clear() {
	if len(l.items) == 0 {
		return
	}
	removed := l.items
	l.items = nil
	l.record(changeset.Cleared(removed))
}

// Apply replays cs onto the list, recording every change. Replay stops at
// the first change that does not fit the list.
func (l *ChangeAwareList[T]) Apply(cs changeset.ChangeSet[T]) error {
	for i := 0; i < cs.Len(); i++ {
		if err := l.apply(cs.At(i)); err != nil {
			return errors.Annotatef(err, "applying change %d", i)
		}
	}
	return nil
}

func (l *ChangeAwareList[T]) apply(ch changeset.Change[T]) error {
	item := ch.Item()
	switch ch.Reason() {
	case changeset.Add:
		return l.Insert(item.CurrentIndex, item.Current)
	case changeset.AddRange:
		r := ch.Range()
		return l.InsertRange(r.Items, r.Index)
	case changeset.Remove:
		_, err := l.RemoveAt(item.CurrentIndex)
		return err
	case changeset.RemoveRange:
		r := ch.Range()
		return l.RemoveRange(r.Index, len(r.Items))
	case changeset.Replace:
		return l.ReplaceAt(item.CurrentIndex, item.Current)
	case changeset.Refresh:
		return l.RefreshAt(item.CurrentIndex)
	case changeset.Move:
		return l.Move(item.PreviousIndex, item.CurrentIndex)
	case changeset.Clear:
		l.Clear()
		return nil
	}
	return errors.NotValidf("reason %s", ch.Reason())
}

// CaptureChanges drains the recorded changes into a ChangeSet.
func (l *ChangeAwareList[T]) CaptureChanges() changeset.ChangeSet[T] {
	if len(l.pending) == 0 {
		return changeset.Empty[T]()
	}
	changes := make([]changeset.Change[T], len(l.pending))
	for i, p := range l.pending {
		changes[i] = p.build()
	}
	l.pending = nil
	return changeset.New(changes...)
}

// ClearChanges drops the recorded changes without touching the items.
func (l *ChangeAwareList[T]) ClearChanges() {
	l.pending = nil
}

func (l *ChangeAwareList[T]) record(ch changeset.Change[T]) {
	l.pending = append(l.pending, pending[T]{reason: ch.Reason(), change: ch})
}

func (l *ChangeAwareList[T]) last() *pending[T] {
	if len(l.pending) == 0 {
		return nil
	}
	return &l.pending[len(l.pending)-1]
}

func (p *pending[T]) continuesAdd(index int) bool {
	return (p.reason == changeset.Add || p.reason == changeset.AddRange) &&
		index == p.index+len(p.items)
}

func (p *pending[T]) isRemove() bool {
	return p.reason == changeset.Remove || p.reason == changeset.RemoveRange
}

func (p pending[T]) build() changeset.Change[T] {
	switch p.reason {
	case changeset.Add:
		return changeset.Added(p.items[0], p.index)
	case changeset.Remove:
		return changeset.Removed(p.items[0], p.index)
	case changeset.AddRange:
		return mustRange(changeset.RangeAdded(p.items, p.index))
	case changeset.RemoveRange:
		return mustRange(changeset.RangeRemoved(p.items, p.index))
	}
	return p.change
}

// mustRange unwraps a range change built from a run that is known to be
// non-empty.
func mustRange[T any](ch changeset.Change[T], err error) changeset.Change[T] {
	if err != nil {
		panic(err)
	}
	return ch
}

func outOfRange(index, count int) error {
	return errors.Annotatef(ErrIndexOutOfRange, "index %d of %d", index, count)
}
