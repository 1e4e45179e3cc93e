// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operator

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/juju/errors"

	"github.com/juju/dynamicdata/core/changeset"
	"github.com/juju/dynamicdata/core/list"
	"github.com/juju/dynamicdata/core/stream"
)

// combineOp is the set policy of a combiner.
type combineOp int

const (
	combineOr combineOp = iota
	combineAnd
	combineXor
	combineExcept
)

func (op combineOp) String() string {
	switch op {
	case combineOr:
		return "Or"
	case combineAnd:
		return "And"
	case combineXor:
		return "Xor"
	}
	return "Except"
}

// Or returns the distinct items present in at least one source.
func Or[T comparable](sources ...stream.Observable[changeset.ChangeSet[T]]) (stream.Observable[changeset.ChangeSet[T]], error) {
	return combineStatic(combineOr, sources)
}

// And returns the distinct items present in every source.
func And[T comparable](sources ...stream.Observable[changeset.ChangeSet[T]]) (stream.Observable[changeset.ChangeSet[T]], error) {
	return combineStatic(combineAnd, sources)
}

// Xor returns the distinct items present in exactly one source.
func Xor[T comparable](sources ...stream.Observable[changeset.ChangeSet[T]]) (stream.Observable[changeset.ChangeSet[T]], error) {
	return combineStatic(combineXor, sources)
}

// Except returns the distinct items of the first source that are in none
// of the others.
func Except[T comparable](sources ...stream.Observable[changeset.ChangeSet[T]]) (stream.Observable[changeset.ChangeSet[T]], error) {
	return combineStatic(combineExcept, sources)
}

// DynamicOr is Or over a changing list of sources. Adding a source merges
// its items in; removing it, or its completion, retracts them.
func DynamicOr[T comparable](sources stream.Observable[changeset.ChangeSet[stream.Observable[changeset.ChangeSet[T]]]]) (stream.Observable[changeset.ChangeSet[T]], error) {
	return combineDynamic(combineOr, sources)
}

// DynamicAnd is And over a changing list of sources.
func DynamicAnd[T comparable](sources stream.Observable[changeset.ChangeSet[stream.Observable[changeset.ChangeSet[T]]]]) (stream.Observable[changeset.ChangeSet[T]], error) {
	return combineDynamic(combineAnd, sources)
}

// DynamicXor is Xor over a changing list of sources.
func DynamicXor[T comparable](sources stream.Observable[changeset.ChangeSet[stream.Observable[changeset.ChangeSet[T]]]]) (stream.Observable[changeset.ChangeSet[T]], error) {
	return combineDynamic(combineXor, sources)
}

// DynamicExcept is Except over a changing list of sources. The first
// source is whichever is first in the list at the time.
func DynamicExcept[T comparable](sources stream.Observable[changeset.ChangeSet[stream.Observable[changeset.ChangeSet[T]]]]) (stream.Observable[changeset.ChangeSet[T]], error) {
	return combineDynamic(combineExcept, sources)
}

func combineStatic[T comparable](op combineOp, sources []stream.Observable[changeset.ChangeSet[T]]) (stream.Observable[changeset.ChangeSet[T]], error) {
	if len(sources) == 0 {
		return nil, errors.NotValidf("%s without sources", op)
	}
	for i, src := range sources {
		if src == nil {
			return nil, errors.NotValidf("nil source %d", i)
		}
	}
	added, err := changeset.RangeAdded(sources, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return combineDynamic(op, stream.Of(changeset.New(added)))
}

func combineDynamic[T comparable](
	op combineOp,
	sources stream.Observable[changeset.ChangeSet[stream.Observable[changeset.ChangeSet[T]]]],
) (stream.Observable[changeset.ChangeSet[T]], error) {
	if sources == nil {
		return nil, errors.NotValidf("nil source collection")
	}
	return stream.Create(func(o stream.Observer[changeset.ChangeSet[T]]) func() {
		sk := newSink(o)
		c := &combiner[T]{
			op:      op,
			sk:      sk,
			present: make(map[T]int),
			out:     list.NewChangeAwareList[T](),
			inner:   newKeyedDisposables[*combineSlot[T]](),
		}
		sk.subs.add(sources.Subscribe(stream.ObserverFuncs[changeset.ChangeSet[stream.Observable[changeset.ChangeSet[T]]]]{
			Next: func(cs changeset.ChangeSet[stream.Observable[changeset.ChangeSet[T]]]) {
				c.ser.run(func() { c.onSources(cs) })
			},
			Error: func(err error) {
				c.ser.run(func() { sk.fail(err) })
			},
			Completed: func() {
				c.ser.run(func() {
					c.outerDone = true
					c.completeIfDone()
				})
			},
		}))
		// Inner subscriptions are released on the disposing goroutine,
		// whoever is draining the serializer.
		sk.subs.add(c.inner.dispose)
		return sk.subs.dispose
	}), nil
}

// combineSlot is one inner source of a combiner.
type combineSlot[T comparable] struct {
	source stream.Observable[changeset.ChangeSet[T]]
	items  []T
	counts map[T]int

	// live is false once the source completed or was removed.
	live    bool
	removed bool
}

func (s *combineSlot[T]) contains(item T) bool {
	return s.counts[item] > 0
}

type combiner[T comparable] struct {
	op  combineOp
	sk  *sink[changeset.ChangeSet[T]]
	ser serializer

	slots     []*combineSlot[T]
	inner     *keyedDisposables[*combineSlot[T]]
	present   map[T]int
	out       *list.ChangeAwareList[T]
	outerDone bool
}

func (c *combiner[T]) completeIfDone() {
	if !c.outerDone {
		return
	}
	for _, s := range c.slots {
		if s.live {
			return
		}
	}
	c.sk.complete()
}

func (c *combiner[T]) unsubscribe(s *combineSlot[T]) {
	c.inner.remove(s)
}

func (c *combiner[T]) onSources(cs changeset.ChangeSet[stream.Observable[changeset.ChangeSet[T]]]) {
	if c.sk.done {
		return
	}
	var added []*combineSlot[T]
	for i := 0; i < cs.Len(); i++ {
		slots, err := c.applySource(cs.At(i))
		if err != nil {
			c.sk.fail(errors.Annotatef(err, "combining source change %d", i))
			return
		}
		added = append(added, slots...)
	}
	c.reevaluateAll()
	c.emit()

	// Subscribe after the structural change has been emitted; the inner
	// notifications are queued behind this one.
	for _, s := range added {
		if s.removed {
			continue
		}
		c.subscribe(s)
	}
	c.completeIfDone()
}

func (c *combiner[T]) applySource(ch changeset.Change[stream.Observable[changeset.ChangeSet[T]]]) ([]*combineSlot[T], error) {
	item := ch.Item()
	switch ch.Reason() {
	case changeset.Add:
		if err := checkIndex(item.CurrentIndex, len(c.slots)+1); err != nil {
			return nil, err
		}
		s := newCombineSlot(item.Current)
		c.slots = insertAt(c.slots, item.CurrentIndex, s)
		return []*combineSlot[T]{s}, nil

	case changeset.AddRange:
		r := ch.Range()
		if err := checkIndex(r.Index, len(c.slots)+1); err != nil {
			return nil, err
		}
		slots := make([]*combineSlot[T], len(r.Items))
		for i, src := range r.Items {
			slots[i] = newCombineSlot(src)
		}
		c.slots = insertAt(c.slots, r.Index, slots...)
		return slots, nil

	case changeset.Remove:
		if err := checkIndex(item.CurrentIndex, len(c.slots)); err != nil {
			return nil, err
		}
		c.removeSlots(item.CurrentIndex, 1)

	case changeset.RemoveRange:
		r := ch.Range()
		if err := checkWindow(r.Index, len(r.Items), len(c.slots)); err != nil {
			return nil, err
		}
		c.removeSlots(r.Index, len(r.Items))

	case changeset.Replace:
		if err := checkIndex(item.CurrentIndex, len(c.slots)); err != nil {
			return nil, err
		}
		c.removeSlots(item.CurrentIndex, 1)
		s := newCombineSlot(item.Current)
		c.slots = insertAt(c.slots, item.CurrentIndex, s)
		return []*combineSlot[T]{s}, nil

	case changeset.Move:
		from, to := item.PreviousIndex, item.CurrentIndex
		if err := checkIndex(from, len(c.slots)); err != nil {
			return nil, err
		}
		if err := checkIndex(to, len(c.slots)); err != nil {
			return nil, err
		}
		s := c.slots[from]
		c.slots = removeAt(c.slots, from, 1)
		c.slots = insertAt(c.slots, to, s)

	case changeset.Refresh:

	case changeset.Clear:
		c.removeSlots(0, len(c.slots))

	default:
		return nil, errors.NotValidf("reason %s", ch.Reason())
	}
	return nil, nil
}

func newCombineSlot[T comparable](src stream.Observable[changeset.ChangeSet[T]]) *combineSlot[T] {
	return &combineSlot[T]{
		source: src,
		counts: make(map[T]int),
		live:   true,
	}
}

// removeSlots unsubscribes from and forgets count slots starting at index,
// retracting their items.
func (c *combiner[T]) removeSlots(index, count int) {
	for _, s := range c.slots[index : index+count] {
		c.retract(s)
		s.live = false
		s.removed = true
		c.unsubscribe(s)
	}
	c.slots = removeAt(c.slots, index, count)
}

// retract removes every item of s from the tally.
func (c *combiner[T]) retract(s *combineSlot[T]) {
	for item := range s.counts {
		c.decrement(item)
	}
	s.items = nil
	s.counts = make(map[T]int)
}

func (c *combiner[T]) increment(item T) {
	c.present[item]++
}

func (c *combiner[T]) decrement(item T) {
	if c.present[item] <= 1 {
		delete(c.present, item)
		return
	}
	c.present[item]--
}

// includes reports whether item belongs in the output.
func (c *combiner[T]) includes(item T) bool {
	n := c.present[item]
	switch c.op {
	case combineOr:
		return n >= 1
	case combineAnd:
		return n > 0 && n == len(c.slots)
	case combineXor:
		return n == 1
	}
	return n == 1 && len(c.slots) > 0 && c.slots[0].contains(item)
}

// reevaluateAll brings the output in line with the tally after the set of
// sources changed.
func (c *combiner[T]) reevaluateAll() {
	for i := c.out.Count() - 1; i >= 0; i-- {
		item, _ := c.out.At(i)
		if !c.includes(item) {
			_, _ = c.out.RemoveAt(i)
		}
	}
	included := mapset.NewThreadUnsafeSet[T](c.out.Items()...)
	for _, s := range c.slots {
		for _, item := range s.items {
			if included.Contains(item) || !c.includes(item) {
				continue
			}
			included.Add(item)
			c.out.Add(item)
		}
	}
}

// reevaluate brings the inclusion of the candidates in line with the
// tally, in candidate order.
func (c *combiner[T]) reevaluate(candidates []T) {
	for _, item := range candidates {
		index := c.out.IndexOf(item)
		switch should := c.includes(item); {
		case should && index < 0:
			c.out.Add(item)
		case !should && index >= 0:
			_, _ = c.out.RemoveAt(index)
		}
	}
}

func (c *combiner[T]) emit() {
	if out := c.out.CaptureChanges(); !out.IsEmpty() {
		c.sk.next(out)
	}
}

func (c *combiner[T]) subscribe(s *combineSlot[T]) {
	src := s.source
	if src == nil {
		c.sk.fail(errors.NotValidf("nil source"))
		return
	}
	unsub := src.Subscribe(stream.ObserverFuncs[changeset.ChangeSet[T]]{
		Next: func(cs changeset.ChangeSet[T]) {
			c.ser.run(func() { c.onInner(s, cs) })
		},
		Error: func(err error) {
			c.ser.run(func() { c.sk.fail(err) })
		},
		Completed: func() {
			c.ser.run(func() {
				if s.removed || !s.live {
					return
				}
				// A completed source no longer contributes.
				s.live = false
				c.retract(s)
				c.reevaluateAll()
				c.emit()
				c.completeIfDone()
			})
		},
	})
	if s.removed || c.sk.done {
		unsub()
		return
	}
	c.inner.set(s, unsub)
}

func (c *combiner[T]) onInner(s *combineSlot[T], cs changeset.ChangeSet[T]) {
	if c.sk.done || s.removed || !s.live {
		return
	}
	var (
		candidates []T
		seen       = mapset.NewThreadUnsafeSet[T]()
		candidate  = func(item T) {
			if seen.Add(item) {
				candidates = append(candidates, item)
			}
		}
	)
	for i := 0; i < cs.Len(); i++ {
		if err := c.applyInner(s, cs.At(i), candidate); err != nil {
			c.sk.fail(errors.Annotatef(err, "combining change %d", i))
			return
		}
	}
	c.reevaluate(candidates)
	c.emit()
}

func (c *combiner[T]) add(s *combineSlot[T], item T, candidate func(T)) {
	s.counts[item]++
	if s.counts[item] == 1 {
		c.increment(item)
		candidate(item)
	}
}

func (c *combiner[T]) remove(s *combineSlot[T], item T, candidate func(T)) {
	if s.counts[item] <= 1 {
		delete(s.counts, item)
		c.decrement(item)
		candidate(item)
		return
	}
	s.counts[item]--
}

func (c *combiner[T]) applyInner(s *combineSlot[T], ch changeset.Change[T], candidate func(T)) error {
	item := ch.Item()
	switch ch.Reason() {
	case changeset.Add:
		if err := checkIndex(item.CurrentIndex, len(s.items)+1); err != nil {
			return err
		}
		s.items = insertAt(s.items, item.CurrentIndex, item.Current)
		c.add(s, item.Current, candidate)

	case changeset.AddRange:
		r := ch.Range()
		if err := checkIndex(r.Index, len(s.items)+1); err != nil {
			return err
		}
		s.items = insertAt(s.items, r.Index, r.Items...)
		for _, v := range r.Items {
			c.add(s, v, candidate)
		}

	case changeset.Remove:
		if err := checkIndex(item.CurrentIndex, len(s.items)); err != nil {
			return err
		}
		removed := s.items[item.CurrentIndex]
		s.items = removeAt(s.items, item.CurrentIndex, 1)
		c.remove(s, removed, candidate)

	case changeset.RemoveRange:
		r := ch.Range()
		if err := checkWindow(r.Index, len(r.Items), len(s.items)); err != nil {
			return err
		}
		removed := append([]T(nil), s.items[r.Index:r.Index+len(r.Items)]...)
		s.items = removeAt(s.items, r.Index, len(r.Items))
		for _, v := range removed {
			c.remove(s, v, candidate)
		}

	case changeset.Replace:
		if err := checkIndex(item.CurrentIndex, len(s.items)); err != nil {
			return err
		}
		previous := s.items[item.CurrentIndex]
		s.items[item.CurrentIndex] = item.Current
		if previous == item.Current {
			if index := c.out.IndexOf(item.Current); index >= 0 {
				return c.out.ReplaceAt(index, item.Current)
			}
			return nil
		}
		c.remove(s, previous, candidate)
		c.add(s, item.Current, candidate)

	case changeset.Refresh:
		if err := checkIndex(item.CurrentIndex, len(s.items)); err != nil {
			return err
		}
		if index := c.out.IndexOf(item.Current); index >= 0 {
			return c.out.RefreshAt(index)
		}

	case changeset.Move:
		from, to := item.PreviousIndex, item.CurrentIndex
		if err := checkIndex(from, len(s.items)); err != nil {
			return err
		}
		if err := checkIndex(to, len(s.items)); err != nil {
			return err
		}
		moved := s.items[from]
		s.items = removeAt(s.items, from, 1)
		s.items = insertAt(s.items, to, moved)

	case changeset.Clear:
		for _, v := range s.items {
			c.remove(s, v, candidate)
		}
		s.items = nil

	default:
		return errors.NotValidf("reason %s", ch.Reason())
	}
	return nil
}
