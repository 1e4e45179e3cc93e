// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operator

import (
	"slices"
	"sort"

	"github.com/juju/errors"

	"github.com/juju/dynamicdata/core/changeset"
	"github.com/juju/dynamicdata/core/list"
	"github.com/juju/dynamicdata/core/stream"
)

// Sort keeps the items of src ordered by compare, which returns a negative
// number when a sorts before b. Items comparing equal keep their arrival
// order. A Refresh that changes an item's position becomes a Move. Moves
// upstream have no effect on the sorted list.
func Sort[T any](
	src stream.Observable[changeset.ChangeSet[T]],
	compare func(a, b T) int,
) (stream.Observable[changeset.ChangeSet[T]], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if compare == nil {
		return nil, errors.NotValidf("nil comparer")
	}
	return stream.Create(func(o stream.Observer[changeset.ChangeSet[T]]) func() {
		st := newSorter(compare)
		sk := newSink(o)
		var ser serializer
		sk.subs.add(src.Subscribe(stream.ObserverFuncs[changeset.ChangeSet[T]]{
			Next: func(cs changeset.ChangeSet[T]) {
				ser.run(func() { st.onChanges(sk, cs) })
			},
			Error: func(err error) {
				ser.run(func() { sk.fail(err) })
			},
			Completed: func() {
				ser.run(sk.complete)
			},
		}))
		return sk.subs.dispose
	}), nil
}

// SortDynamic sorts src with the latest comparer produced by comparers.
// Nothing is emitted before the first comparer; each later comparer
// re-sorts the whole list as a Clear followed by an AddRange. The result
// completes when both streams have completed, or straight away if
// comparers completes without producing a comparer.
func SortDynamic[T any](
	src stream.Observable[changeset.ChangeSet[T]],
	comparers stream.Observable[func(a, b T) int],
) (stream.Observable[changeset.ChangeSet[T]], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if comparers == nil {
		return nil, errors.NotValidf("nil comparer stream")
	}
	return stream.Create(func(o stream.Observer[changeset.ChangeSet[T]]) func() {
		st := newSorter[T](nil)
		sk := newSink(o)
		var (
			ser                serializer
			srcDone, cmpDone   bool
			seen               bool
			completeIfBothDone = func() {
				if srcDone && cmpDone {
					sk.complete()
				}
			}
		)
		sk.subs.add(comparers.Subscribe(stream.ObserverFuncs[func(a, b T) int]{
			Next: func(compare func(a, b T) int) {
				ser.run(func() {
					if compare == nil {
						sk.fail(errors.NotValidf("nil comparer"))
						return
					}
					seen = true
					st.resort(sk, compare)
				})
			},
			Error: func(err error) {
				ser.run(func() { sk.fail(err) })
			},
			Completed: func() {
				ser.run(func() {
					cmpDone = true
					if !seen {
						sk.complete()
						return
					}
					completeIfBothDone()
				})
			},
		}))
		sk.subs.add(src.Subscribe(stream.ObserverFuncs[changeset.ChangeSet[T]]{
			Next: func(cs changeset.ChangeSet[T]) {
				ser.run(func() { st.onChanges(sk, cs) })
			},
			Error: func(err error) {
				ser.run(func() { sk.fail(err) })
			},
			Completed: func() {
				ser.run(func() {
					srcDone = true
					completeIfBothDone()
				})
			},
		}))
		return sk.subs.dispose
	}), nil
}

// sortEntry gives every upstream item an identity, so equal items can be
// told apart in the sorted list.
type sortEntry[T any] struct {
	item T
}

type sorter[T any] struct {
	compare func(a, b T) int
	mirror  []*sortEntry[T]
	sorted  []*sortEntry[T]
	out     *list.ChangeAwareList[T]
}

func newSorter[T any](compare func(a, b T) int) *sorter[T] {
	return &sorter[T]{
		compare: compare,
		out:     list.NewChangeAwareListFunc(func(T, T) bool { return false }),
	}
}

func (s *sorter[T]) onChanges(sk *sink[changeset.ChangeSet[T]], cs changeset.ChangeSet[T]) {
	if sk.done {
		return
	}
	for i := 0; i < cs.Len(); i++ {
		if err := s.apply(cs.At(i)); err != nil {
			sk.fail(errors.Annotatef(err, "sorting change %d", i))
			return
		}
	}
	if out := s.out.CaptureChanges(); !out.IsEmpty() {
		sk.next(out)
	}
}

// resort orders everything with compare and emits the whole list again.
func (s *sorter[T]) resort(sk *sink[changeset.ChangeSet[T]], compare func(a, b T) int) {
	if sk.done {
		return
	}
	s.compare = compare
	s.sorted = slices.Clone(s.mirror)
	sort.SliceStable(s.sorted, func(i, j int) bool {
		return compare(s.sorted[i].item, s.sorted[j].item) < 0
	})
	items := make([]T, len(s.sorted))
	for i, e := range s.sorted {
		items[i] = e.item
	}
	s.out.Clear()
	s.out.AddRange(items)
	if out := s.out.CaptureChanges(); !out.IsEmpty() {
		sk.next(out)
	}
}

// insertPosition returns the index after the last sorted item not greater
// than item.
func (s *sorter[T]) insertPosition(item T) int {
	return sort.Search(len(s.sorted), func(i int) bool {
		return s.compare(item, s.sorted[i].item) < 0
	})
}

// position returns the index of e in the sorted list.
func (s *sorter[T]) position(e *sortEntry[T]) int {
	start := sort.Search(len(s.sorted), func(i int) bool {
		return s.compare(e.item, s.sorted[i].item) <= 0
	})
	for i := start; i < len(s.sorted); i++ {
		if s.sorted[i] == e {
			return i
		}
	}
	// The item was mutated in place since it was sorted; fall back to a
	// full scan.
	for i, other := range s.sorted {
		if other == e {
			return i
		}
	}
	return -1
}

// fits reports whether e may stay at index pos of the sorted list.
func (s *sorter[T]) fits(pos int) bool {
	item := s.sorted[pos].item
	if pos > 0 && s.compare(s.sorted[pos-1].item, item) > 0 {
		return false
	}
	if pos < len(s.sorted)-1 && s.compare(item, s.sorted[pos+1].item) > 0 {
		return false
	}
	return true
}

func (s *sorter[T]) add(item T, index int) error {
	e := &sortEntry[T]{item: item}
	s.mirror = insertAt(s.mirror, index, e)
	if s.compare == nil {
		return nil
	}
	pos := s.insertPosition(item)
	s.sorted = insertAt(s.sorted, pos, e)
	return s.out.Insert(pos, item)
}

func (s *sorter[T]) remove(index int) error {
	e := s.mirror[index]
	s.mirror = removeAt(s.mirror, index, 1)
	if s.compare == nil {
		return nil
	}
	pos := s.position(e)
	s.sorted = removeAt(s.sorted, pos, 1)
	_, err := s.out.RemoveAt(pos)
	return err
}

// update changes the item at index and reports the change either in place
// or as a move.
func (s *sorter[T]) update(index int, item T, replace bool) error {
	e := s.mirror[index]
	if s.compare == nil {
		e.item = item
		return nil
	}
	pos := s.position(e)
	e.item = item
	if replace {
		if err := s.out.ReplaceAt(pos, item); err != nil {
			return err
		}
	}
	if s.fits(pos) {
		if replace {
			return nil
		}
		return s.out.RefreshAt(pos)
	}
	s.sorted = removeAt(s.sorted, pos, 1)
	newPos := s.insertPosition(item)
	s.sorted = insertAt(s.sorted, newPos, e)
	return s.out.Move(pos, newPos)
}

func (s *sorter[T]) apply(ch changeset.Change[T]) error {
	item := ch.Item()
	switch ch.Reason() {
	case changeset.Add:
		if err := checkIndex(item.CurrentIndex, len(s.mirror)+1); err != nil {
			return err
		}
		return s.add(item.Current, item.CurrentIndex)

	case changeset.AddRange:
		r := ch.Range()
		if err := checkIndex(r.Index, len(s.mirror)+1); err != nil {
			return err
		}
		if len(s.sorted) == 0 && s.compare != nil {
			return s.load(r.Items, r.Index)
		}
		for i, v := range r.Items {
			if err := s.add(v, r.Index+i); err != nil {
				return err
			}
		}

	case changeset.Remove:
		if err := checkIndex(item.CurrentIndex, len(s.mirror)); err != nil {
			return err
		}
		return s.remove(item.CurrentIndex)

	case changeset.RemoveRange:
		r := ch.Range()
		if err := checkWindow(r.Index, len(r.Items), len(s.mirror)); err != nil {
			return err
		}
		for i := len(r.Items) - 1; i >= 0; i-- {
			if err := s.remove(r.Index + i); err != nil {
				return err
			}
		}

	case changeset.Replace, changeset.Refresh:
		if err := checkIndex(item.CurrentIndex, len(s.mirror)); err != nil {
			return err
		}
		return s.update(item.CurrentIndex, item.Current, ch.Reason() == changeset.Replace)

	case changeset.Move:
		from, to := item.PreviousIndex, item.CurrentIndex
		if err := checkIndex(from, len(s.mirror)); err != nil {
			return err
		}
		if err := checkIndex(to, len(s.mirror)); err != nil {
			return err
		}
		e := s.mirror[from]
		s.mirror = removeAt(s.mirror, from, 1)
		s.mirror = insertAt(s.mirror, to, e)

	case changeset.Clear:
		s.mirror = nil
		s.sorted = nil
		s.out.Clear()

	default:
		return errors.NotValidf("reason %s", ch.Reason())
	}
	return nil
}

// load sorts a batch into an empty sorted list in one AddRange.
func (s *sorter[T]) load(items []T, index int) error {
	entries := make([]*sortEntry[T], len(items))
	for i, v := range items {
		entries[i] = &sortEntry[T]{item: v}
	}
	s.mirror = insertAt(s.mirror, index, entries...)
	s.sorted = slices.Clone(entries)
	sort.SliceStable(s.sorted, func(i, j int) bool {
		return s.compare(s.sorted[i].item, s.sorted[j].item) < 0
	})
	sortedItems := make([]T, len(s.sorted))
	for i, e := range s.sorted {
		sortedItems[i] = e.item
	}
	return s.out.InsertRange(sortedItems, 0)
}
