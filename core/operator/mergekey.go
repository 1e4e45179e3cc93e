// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operator

import (
	"github.com/juju/errors"

	"github.com/juju/dynamicdata/core/changeset"
	"github.com/juju/dynamicdata/core/list"
	"github.com/juju/dynamicdata/core/stream"
)

// candidate is one item produced by an inner stream, competing with the
// items of other inner streams sharing its key.
type candidate[K comparable, U any] struct {
	item U
	key  K
}

type keySlot[K comparable, U any] struct {
	mergeSlot
	source  stream.Observable[changeset.ChangeSet[U]]
	entries []*candidate[K, U]
}

// MergeManyChangeSetsByKey merges the changeset streams selected for the
// items of src, keeping one item per key. Of the candidates sharing a key
// the visible one is the first in arrival order for which compare reports
// nothing smaller; with a nil compare the earliest candidate wins. When
// the visible candidate goes away and another takes over, the key is
// reported as a Replace rather than a removal and an addition.
func MergeManyChangeSetsByKey[T, U any, K comparable](
	src stream.Observable[changeset.ChangeSet[T]],
	selector func(T) stream.Observable[changeset.ChangeSet[U]],
	key func(U) K,
	compare func(a, b U) int,
) (stream.Observable[changeset.ChangeSet[U]], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if selector == nil {
		return nil, errors.NotValidf("nil selector")
	}
	if key == nil {
		return nil, errors.NotValidf("nil key selector")
	}
	return stream.Create(func(o stream.Observer[changeset.ChangeSet[U]]) func() {
		m := &keyMerger[T, U, K]{
			selector:   selector,
			key:        key,
			compare:    compare,
			sk:         newSink(o),
			candidates: make(map[K][]*candidate[K, U]),
			visible:    make(map[K]*candidate[K, U]),
			inner:      newKeyedDisposables[*mergeSlot](),
			out:        list.NewChangeAwareListFunc(func(U, U) bool { return false }),
		}
		m.fan = &fanIn[T, keySlot[K, U]]{
			create: m.create,
			drop:   m.drop,
		}
		m.sk.subs.add(src.Subscribe(stream.ObserverFuncs[changeset.ChangeSet[T]]{
			Next: func(cs changeset.ChangeSet[T]) {
				m.ser.run(func() { m.onOuter(cs) })
			},
			Error: func(err error) {
				m.ser.run(func() { m.sk.fail(err) })
			},
			Completed: func() {
				m.ser.run(func() {
					m.outerDone = true
					m.completeIfDone()
				})
			},
		}))
		m.sk.subs.add(m.inner.dispose)
		return m.sk.subs.dispose
	}), nil
}

type keyMerger[T, U any, K comparable] struct {
	selector func(T) stream.Observable[changeset.ChangeSet[U]]
	key      func(U) K
	compare  func(a, b U) int

	sk    *sink[changeset.ChangeSet[U]]
	ser   serializer
	fan   *fanIn[T, keySlot[K, U]]
	inner *keyedDisposables[*mergeSlot]

	// candidates holds every candidate per key in arrival order.
	candidates map[K][]*candidate[K, U]
	visible    map[K]*candidate[K, U]

	// order holds the keys of the merged list, in list order.
	order     []K
	out       *list.ChangeAwareList[U]
	outerDone bool
}

func (m *keyMerger[T, U, K]) create(item T) *keySlot[K, U] {
	return &keySlot[K, U]{source: m.selector(item), mergeSlot: mergeSlot{subs: m.inner, live: true}}
}

func (m *keyMerger[T, U, K]) drop(s *keySlot[K, U]) {
	entries := s.entries
	s.entries = nil
	for _, e := range entries {
		m.withdraw(e)
	}
	s.release()
}

func (m *keyMerger[T, U, K]) completeIfDone() {
	if !m.outerDone {
		return
	}
	for _, s := range m.fan.slots {
		if s.live {
			return
		}
	}
	m.sk.complete()
}

func (m *keyMerger[T, U, K]) emit() {
	if out := m.out.CaptureChanges(); !out.IsEmpty() {
		m.sk.next(out)
	}
}

func (m *keyMerger[T, U, K]) onOuter(cs changeset.ChangeSet[T]) {
	if m.sk.done {
		return
	}
	var created []*keySlot[K, U]
	for i := 0; i < cs.Len(); i++ {
		slots, err := m.fan.apply(cs.At(i))
		if err != nil {
			m.sk.fail(errors.Annotatef(err, "merging outer change %d", i))
			return
		}
		created = append(created, slots...)
	}
	m.emit()
	for _, s := range created {
		if !s.removed && !m.sk.done {
			m.subscribe(s)
		}
	}
	m.completeIfDone()
}

func (m *keyMerger[T, U, K]) subscribe(s *keySlot[K, U]) {
	if s.source == nil {
		m.sk.fail(errors.NotValidf("nil inner stream"))
		return
	}
	unsub := s.source.Subscribe(stream.ObserverFuncs[changeset.ChangeSet[U]]{
		Next: func(cs changeset.ChangeSet[U]) {
			m.ser.run(func() {
				if m.sk.done || s.removed {
					return
				}
				for i := 0; i < cs.Len(); i++ {
					if err := m.applyInner(s, cs.At(i)); err != nil {
						m.sk.fail(errors.Annotatef(err, "merging change %d", i))
						return
					}
				}
				m.emit()
			})
		},
		Error: func(err error) {
			m.ser.run(func() { m.sk.fail(err) })
		},
		Completed: func() {
			m.ser.run(func() {
				if s.removed {
					return
				}
				s.live = false
				m.completeIfDone()
			})
		},
	})
	s.attach(unsub)
}

// best returns the candidate that should be visible for k.
func (m *keyMerger[T, U, K]) best(k K) *candidate[K, U] {
	var winner *candidate[K, U]
	for _, c := range m.candidates[k] {
		if winner == nil || (m.compare != nil && m.compare(c.item, winner.item) < 0) {
			winner = c
		}
	}
	return winner
}

func (m *keyMerger[T, U, K]) indexOf(k K) int {
	for i, other := range m.order {
		if other == k {
			return i
		}
	}
	return -1
}

// settle brings the merged list in line with the best candidate for k.
// changed reports that the visible candidate's item was replaced in place.
func (m *keyMerger[T, U, K]) settle(k K, changed bool) {
	current := m.visible[k]
	winner := m.best(k)
	switch {
	case current == nil && winner == nil:
	case current == nil:
		m.visible[k] = winner
		m.order = append(m.order, k)
		m.out.Add(winner.item)
	case winner == nil:
		index := m.indexOf(k)
		delete(m.visible, k)
		m.order = removeAt(m.order, index, 1)
		_, err := m.out.RemoveAt(index)
		mustApply(err)
	case winner != current || changed:
		m.visible[k] = winner
		mustApply(m.out.ReplaceAt(m.indexOf(k), winner.item))
	}
}

func (m *keyMerger[T, U, K]) offer(item U) *candidate[K, U] {
	c := &candidate[K, U]{item: item, key: m.key(item)}
	m.candidates[c.key] = append(m.candidates[c.key], c)
	m.settle(c.key, false)
	return c
}

func (m *keyMerger[T, U, K]) withdraw(c *candidate[K, U]) {
	remaining := m.candidates[c.key]
	for i, other := range remaining {
		if other == c {
			remaining = removeAt(remaining, i, 1)
			break
		}
	}
	if len(remaining) == 0 {
		delete(m.candidates, c.key)
	} else {
		m.candidates[c.key] = remaining
	}
	m.settle(c.key, false)
}

func (m *keyMerger[T, U, K]) applyInner(s *keySlot[K, U], ch changeset.Change[U]) error {
	item := ch.Item()
	switch ch.Reason() {
	case changeset.Add:
		if err := checkIndex(item.CurrentIndex, len(s.entries)+1); err != nil {
			return err
		}
		s.entries = insertAt(s.entries, item.CurrentIndex, m.offer(item.Current))

	case changeset.AddRange:
		r := ch.Range()
		if err := checkIndex(r.Index, len(s.entries)+1); err != nil {
			return err
		}
		offered := make([]*candidate[K, U], len(r.Items))
		for i, v := range r.Items {
			offered[i] = m.offer(v)
		}
		s.entries = insertAt(s.entries, r.Index, offered...)

	case changeset.Remove:
		if err := checkIndex(item.CurrentIndex, len(s.entries)); err != nil {
			return err
		}
		c := s.entries[item.CurrentIndex]
		s.entries = removeAt(s.entries, item.CurrentIndex, 1)
		m.withdraw(c)

	case changeset.RemoveRange:
		r := ch.Range()
		if err := checkWindow(r.Index, len(r.Items), len(s.entries)); err != nil {
			return err
		}
		removed := append([]*candidate[K, U](nil), s.entries[r.Index:r.Index+len(r.Items)]...)
		s.entries = removeAt(s.entries, r.Index, len(r.Items))
		for _, c := range removed {
			m.withdraw(c)
		}

	case changeset.Replace:
		if err := checkIndex(item.CurrentIndex, len(s.entries)); err != nil {
			return err
		}
		c := s.entries[item.CurrentIndex]
		if k := m.key(item.Current); k != c.key {
			m.withdraw(c)
			s.entries[item.CurrentIndex] = m.offer(item.Current)
			return nil
		}
		c.item = item.Current
		m.settle(c.key, m.visible[c.key] == c)

	case changeset.Refresh:
		if err := checkIndex(item.CurrentIndex, len(s.entries)); err != nil {
			return err
		}
		c := s.entries[item.CurrentIndex]
		// The refreshed item may now compare differently; a change of
		// winner is reported as the Replace alone.
		if visible := m.visible[c.key]; m.best(c.key) != visible {
			m.settle(c.key, false)
		} else if visible == c {
			mustApply(m.out.RefreshAt(m.indexOf(c.key)))
		}

	case changeset.Move:
		from, to := item.PreviousIndex, item.CurrentIndex
		if err := checkIndex(from, len(s.entries)); err != nil {
			return err
		}
		if err := checkIndex(to, len(s.entries)); err != nil {
			return err
		}
		c := s.entries[from]
		s.entries = removeAt(s.entries, from, 1)
		s.entries = insertAt(s.entries, to, c)

	case changeset.Clear:
		entries := s.entries
		s.entries = nil
		for _, c := range entries {
			m.withdraw(c)
		}

	default:
		return errors.NotValidf("reason %s", ch.Reason())
	}
	return nil
}
