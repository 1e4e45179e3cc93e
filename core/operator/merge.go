// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operator

import (
	"github.com/juju/errors"

	"github.com/juju/dynamicdata/core/changeset"
	"github.com/juju/dynamicdata/core/list"
	"github.com/juju/dynamicdata/core/stream"
)

// mergeSlot is the inner subscription belonging to one outer item. The
// cancel func lives in subs, which is shared by every slot of an operator
// subscription and released directly on dispose.
type mergeSlot struct {
	subs    *keyedDisposables[*mergeSlot]
	live    bool
	removed bool
}

// fanIn is the shared outer-list bookkeeping of the merge operators. Each
// outer item owns a slot; slots are created, dropped and reordered as the
// outer list changes.
type fanIn[T any, S any] struct {
	slots []*S

	// create returns the slot for a new outer item.
	create func(item T) *S
	// drop releases the slot of a removed outer item.
	drop func(slot *S)
	// moved is told when a slot changes position.
	moved func(slot *S, from, to int)
}

// apply updates the slots for one outer change and returns the slots
// created by it.
func (f *fanIn[T, S]) apply(ch changeset.Change[T]) ([]*S, error) {
	item := ch.Item()
	switch ch.Reason() {
	case changeset.Add:
		if err := checkIndex(item.CurrentIndex, len(f.slots)+1); err != nil {
			return nil, err
		}
		s := f.create(item.Current)
		f.slots = insertAt(f.slots, item.CurrentIndex, s)
		return []*S{s}, nil

	case changeset.AddRange:
		r := ch.Range()
		if err := checkIndex(r.Index, len(f.slots)+1); err != nil {
			return nil, err
		}
		created := make([]*S, len(r.Items))
		for i, v := range r.Items {
			created[i] = f.create(v)
		}
		f.slots = insertAt(f.slots, r.Index, created...)
		return created, nil

	case changeset.Remove:
		if err := checkIndex(item.CurrentIndex, len(f.slots)); err != nil {
			return nil, err
		}
		f.remove(item.CurrentIndex, 1)

	case changeset.RemoveRange:
		r := ch.Range()
		if err := checkWindow(r.Index, len(r.Items), len(f.slots)); err != nil {
			return nil, err
		}
		f.remove(r.Index, len(r.Items))

	case changeset.Replace:
		if err := checkIndex(item.CurrentIndex, len(f.slots)); err != nil {
			return nil, err
		}
		f.drop(f.slots[item.CurrentIndex])
		s := f.create(item.Current)
		f.slots[item.CurrentIndex] = s
		return []*S{s}, nil

	case changeset.Move:
		from, to := item.PreviousIndex, item.CurrentIndex
		if err := checkIndex(from, len(f.slots)); err != nil {
			return nil, err
		}
		if err := checkIndex(to, len(f.slots)); err != nil {
			return nil, err
		}
		s := f.slots[from]
		if f.moved != nil {
			f.moved(s, from, to)
		}
		f.slots = removeAt(f.slots, from, 1)
		f.slots = insertAt(f.slots, to, s)

	case changeset.Refresh:

	case changeset.Clear:
		f.remove(0, len(f.slots))

	default:
		return nil, errors.NotValidf("reason %s", ch.Reason())
	}
	return nil, nil
}

// remove drops count slots from index, last first.
func (f *fanIn[T, S]) remove(index, count int) {
	for i := index + count - 1; i >= index; i-- {
		f.drop(f.slots[i])
	}
	f.slots = removeAt(f.slots, index, count)
}

// MergeMany subscribes to the stream selected for every item of src and
// merges their values. Removing an item unsubscribes from its stream. The
// result completes once src and every current inner stream have completed.
func MergeMany[T, U any](
	src stream.Observable[changeset.ChangeSet[T]],
	selector func(T) stream.Observable[U],
) (stream.Observable[U], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if selector == nil {
		return nil, errors.NotValidf("nil selector")
	}
	return stream.Create(func(o stream.Observer[U]) func() {
		sk := newSink(o)
		inner := newKeyedDisposables[*mergeSlot]()
		var (
			ser       serializer
			outerDone bool
			fan       *fanIn[T, valueSlot[U]]
		)
		completeIfDone := func() {
			if !outerDone {
				return
			}
			for _, s := range fan.slots {
				if s.live {
					return
				}
			}
			sk.complete()
		}
		fan = &fanIn[T, valueSlot[U]]{
			create: func(item T) *valueSlot[U] {
				return &valueSlot[U]{source: selector(item), mergeSlot: mergeSlot{subs: inner, live: true}}
			},
			drop: func(s *valueSlot[U]) {
				s.release()
			},
		}
		subscribe := func(s *valueSlot[U]) {
			if s.source == nil {
				sk.fail(errors.NotValidf("nil inner stream"))
				return
			}
			unsub := s.source.Subscribe(stream.ObserverFuncs[U]{
				Next: func(v U) {
					ser.run(func() {
						if !s.removed {
							sk.next(v)
						}
					})
				},
				Error: func(err error) {
					ser.run(func() { sk.fail(err) })
				},
				Completed: func() {
					ser.run(func() {
						if s.removed {
							return
						}
						s.live = false
						completeIfDone()
					})
				},
			})
			s.attach(unsub)
		}
		sk.subs.add(src.Subscribe(stream.ObserverFuncs[changeset.ChangeSet[T]]{
			Next: func(cs changeset.ChangeSet[T]) {
				ser.run(func() {
					if sk.done {
						return
					}
					var created []*valueSlot[U]
					for i := 0; i < cs.Len(); i++ {
						slots, err := fan.apply(cs.At(i))
						if err != nil {
							sk.fail(errors.Annotatef(err, "merging outer change %d", i))
							return
						}
						created = append(created, slots...)
					}
					for _, s := range created {
						if !s.removed && !sk.done {
							subscribe(s)
						}
					}
					completeIfDone()
				})
			},
			Error: func(err error) {
				ser.run(func() { sk.fail(err) })
			},
			Completed: func() {
				ser.run(func() {
					outerDone = true
					completeIfDone()
				})
			},
		}))
		sk.subs.add(inner.dispose)
		return sk.subs.dispose
	}), nil
}

type valueSlot[U any] struct {
	mergeSlot
	source stream.Observable[U]
}

// attach records the inner subscription, cancelling it straight away if
// the slot was removed while subscribing.
func (s *mergeSlot) attach(unsub func()) {
	if s.removed {
		unsub()
		return
	}
	s.subs.set(s, unsub)
}

func (s *mergeSlot) release() {
	s.removed = true
	s.live = false
	s.subs.remove(s)
}

// blockSlot is an inner changeset stream owning a contiguous block of the
// merged list.
type blockSlot[U any] struct {
	mergeSlot
	source stream.Observable[changeset.ChangeSet[U]]
	size   int
}

// MergeManyChangeSets subscribes to the changeset stream selected for
// every item of src and merges them into one list. The items of each inner
// stream form a contiguous block, and blocks follow the order of src.
// Removing an item of src removes its block.
func MergeManyChangeSets[T, U any](
	src stream.Observable[changeset.ChangeSet[T]],
	selector func(T) stream.Observable[changeset.ChangeSet[U]],
) (stream.Observable[changeset.ChangeSet[U]], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if selector == nil {
		return nil, errors.NotValidf("nil selector")
	}
	return stream.Create(func(o stream.Observer[changeset.ChangeSet[U]]) func() {
		m := &blockMerger[T, U]{
			selector: selector,
			sk:       newSink(o),
			inner:    newKeyedDisposables[*mergeSlot](),
			out:      list.NewChangeAwareListFunc(func(U, U) bool { return false }),
		}
		m.fan = &fanIn[T, blockSlot[U]]{
			create: m.create,
			drop:   m.drop,
			moved:  m.moved,
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

type blockMerger[T, U any] struct {
	selector  func(T) stream.Observable[changeset.ChangeSet[U]]
	sk        *sink[changeset.ChangeSet[U]]
	ser       serializer
	fan       *fanIn[T, blockSlot[U]]
	inner     *keyedDisposables[*mergeSlot]
	out       *list.ChangeAwareList[U]
	outerDone bool
}

func (m *blockMerger[T, U]) create(item T) *blockSlot[U] {
	return &blockSlot[U]{source: m.selector(item), mergeSlot: mergeSlot{subs: m.inner, live: true}}
}

func (m *blockMerger[T, U]) drop(s *blockSlot[U]) {
	if s.size > 0 {
		mustApply(m.out.RemoveRange(m.offset(s), s.size))
		s.size = 0
	}
	s.release()
}

func (m *blockMerger[T, U]) moved(s *blockSlot[U], from, to int) {
	if s.size == 0 {
		return
	}
	start := m.offset(s)
	items := append([]U(nil), m.out.Items()[start:start+s.size]...)
	mustApply(m.out.RemoveRange(start, s.size))

	// The block lands where the slot will be once moved.
	target := 0
	for i, other := range m.fan.slots {
		if other == s {
			continue
		}
		position := i
		if i > from {
			position--
		}
		if position < to {
			target += other.size
		}
	}
	mustApply(m.out.InsertRange(items, target))
}

// offset returns the index of the first item of s in the merged list.
func (m *blockMerger[T, U]) offset(s *blockSlot[U]) int {
	offset := 0
	for _, other := range m.fan.slots {
		if other == s {
			return offset
		}
		offset += other.size
	}
	return offset
}

func (m *blockMerger[T, U]) completeIfDone() {
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

func (m *blockMerger[T, U]) emit() {
	if out := m.out.CaptureChanges(); !out.IsEmpty() {
		m.sk.next(out)
	}
}

func (m *blockMerger[T, U]) onOuter(cs changeset.ChangeSet[T]) {
	if m.sk.done {
		return
	}
	var created []*blockSlot[U]
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

func (m *blockMerger[T, U]) subscribe(s *blockSlot[U]) {
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
				if err := m.onInner(s, cs); err != nil {
					m.sk.fail(err)
					return
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

func (m *blockMerger[T, U]) onInner(s *blockSlot[U], cs changeset.ChangeSet[U]) error {
	offset := m.offset(s)
	for i := 0; i < cs.Len(); i++ {
		if err := m.applyInner(s, offset, cs.At(i)); err != nil {
			return errors.Annotatef(err, "merging change %d", i)
		}
	}
	return nil
}

func (m *blockMerger[T, U]) applyInner(s *blockSlot[U], offset int, ch changeset.Change[U]) error {
	item := ch.Item()
	switch ch.Reason() {
	case changeset.Add:
		if err := checkIndex(item.CurrentIndex, s.size+1); err != nil {
			return err
		}
		s.size++
		return m.out.Insert(offset+item.CurrentIndex, item.Current)

	case changeset.AddRange:
		r := ch.Range()
		if err := checkIndex(r.Index, s.size+1); err != nil {
			return err
		}
		s.size += len(r.Items)
		return m.out.InsertRange(r.Items, offset+r.Index)

	case changeset.Remove:
		if err := checkIndex(item.CurrentIndex, s.size); err != nil {
			return err
		}
		s.size--
		_, err := m.out.RemoveAt(offset + item.CurrentIndex)
		return err

	case changeset.RemoveRange:
		r := ch.Range()
		if err := checkWindow(r.Index, len(r.Items), s.size); err != nil {
			return err
		}
		s.size -= len(r.Items)
		return m.out.RemoveRange(offset+r.Index, len(r.Items))

	case changeset.Replace:
		if err := checkIndex(item.CurrentIndex, s.size); err != nil {
			return err
		}
		return m.out.ReplaceAt(offset+item.CurrentIndex, item.Current)

	case changeset.Refresh:
		if err := checkIndex(item.CurrentIndex, s.size); err != nil {
			return err
		}
		return m.out.RefreshAt(offset + item.CurrentIndex)

	case changeset.Move:
		from, to := item.PreviousIndex, item.CurrentIndex
		if err := checkIndex(from, s.size); err != nil {
			return err
		}
		if err := checkIndex(to, s.size); err != nil {
			return err
		}
		return m.out.Move(offset+from, offset+to)

	case changeset.Clear:
		if s.size == 0 {
			return nil
		}
		size := s.size
		s.size = 0
		return m.out.RemoveRange(offset, size)
	}
	return errors.NotValidf("reason %s", ch.Reason())
}

// mustApply panics on an error from an edit that the merger's own
// bookkeeping guarantees to be in range.
func mustApply(err error) {
	if err != nil {
		panic(errors.Annotate(err, "merged list out of step"))
	}
}
