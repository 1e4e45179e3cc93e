// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operator

import (
	"github.com/juju/errors"

	"github.com/juju/dynamicdata/core/changeset"
	"github.com/juju/dynamicdata/core/list"
	"github.com/juju/dynamicdata/core/stream"
)

// TransformMany expands every item of src into the items returned by fn
// and flattens them. The children of one item stay together, in the
// position of their parent.
func TransformMany[T, U any](
	src stream.Observable[changeset.ChangeSet[T]],
	fn func(T) []U,
) (stream.Observable[changeset.ChangeSet[U]], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if fn == nil {
		return nil, errors.NotValidf("nil selector")
	}
	return stream.Create(func(o stream.Observer[changeset.ChangeSet[U]]) func() {
		m := &manyTransformer[T, U]{
			fn:   fn,
			flat: list.NewChangeAwareListFunc(func(U, U) bool { return false }),
		}
		sk := newSink(o)
		var ser serializer
		sk.subs.add(src.Subscribe(stream.ObserverFuncs[changeset.ChangeSet[T]]{
			Next: func(cs changeset.ChangeSet[T]) {
				ser.run(func() {
					if sk.done {
						return
					}
					for i := 0; i < cs.Len(); i++ {
						if err := m.apply(cs.At(i)); err != nil {
							sk.fail(errors.Annotatef(err, "expanding change %d", i))
							return
						}
					}
					if out := m.flat.CaptureChanges(); !out.IsEmpty() {
						sk.next(out)
					}
				})
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

// TransformManyRecursive expands every item of src into itself followed by
// all of its descendants, as found by RecursiveSelect.
func TransformManyRecursive[T comparable](
	src stream.Observable[changeset.ChangeSet[T]],
	children func(T) []T,
) (stream.Observable[changeset.ChangeSet[T]], error) {
	if children == nil {
		return nil, errors.NotValidf("nil children selector")
	}
	return TransformMany(src, func(item T) []T {
		return RecursiveSelect([]T{item}, children)
	})
}

// RecursiveSelect walks the graph reachable from roots depth first and
// returns every node once, in pre-order. Cycles are cut at the first
// repeated node. The walk uses an explicit stack, so deep graphs do not
// grow the goroutine stack.
func RecursiveSelect[T comparable](roots []T, children func(T) []T) []T {
	var (
		result  []T
		visited = make(map[T]struct{})
		stack   = make([]T, 0, len(roots))
	)
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, roots[i])
	}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[node]; seen {
			continue
		}
		visited[node] = struct{}{}
		result = append(result, node)

		kids := children(node)
		for i := len(kids) - 1; i >= 0; i-- {
			if _, seen := visited[kids[i]]; !seen {
				stack = append(stack, kids[i])
			}
		}
	}
	return result
}

// manyTransformer tracks how many children each upstream item produced,
// so upstream indices can be translated to blocks of the flat list.
type manyTransformer[T, U any] struct {
	fn     func(T) []U
	counts []int
	flat   *list.ChangeAwareList[U]
}

func (m *manyTransformer[T, U]) offset(index int) int {
	n := 0
	for _, c := range m.counts[:index] {
		n += c
	}
	return n
}

func (m *manyTransformer[T, U]) apply(ch changeset.Change[T]) error {
	item := ch.Item()
	switch ch.Reason() {
	case changeset.Add:
		if err := checkIndex(item.CurrentIndex, len(m.counts)+1); err != nil {
			return err
		}
		kids := m.fn(item.Current)
		off := m.offset(item.CurrentIndex)
		m.counts = insertAt(m.counts, item.CurrentIndex, len(kids))
		return m.flat.InsertRange(kids, off)

	case changeset.AddRange:
		r := ch.Range()
		if err := checkIndex(r.Index, len(m.counts)+1); err != nil {
			return err
		}
		off := m.offset(r.Index)
		counts := make([]int, len(r.Items))
		var kids []U
		for i, v := range r.Items {
			expanded := m.fn(v)
			counts[i] = len(expanded)
			kids = append(kids, expanded...)
		}
		m.counts = insertAt(m.counts, r.Index, counts...)
		return m.flat.InsertRange(kids, off)

	case changeset.Remove:
		if err := checkIndex(item.CurrentIndex, len(m.counts)); err != nil {
			return err
		}
		off, n := m.offset(item.CurrentIndex), m.counts[item.CurrentIndex]
		m.counts = removeAt(m.counts, item.CurrentIndex, 1)
		return m.flat.RemoveRange(off, n)

	case changeset.RemoveRange:
		r := ch.Range()
		if err := checkWindow(r.Index, len(r.Items), len(m.counts)); err != nil {
			return err
		}
		off, n := m.offset(r.Index), 0
		for _, c := range m.counts[r.Index : r.Index+len(r.Items)] {
			n += c
		}
		m.counts = removeAt(m.counts, r.Index, len(r.Items))
		return m.flat.RemoveRange(off, n)

	case changeset.Replace:
		if err := checkIndex(item.CurrentIndex, len(m.counts)); err != nil {
			return err
		}
		return m.replace(item.CurrentIndex, m.fn(item.Current))

	case changeset.Refresh:
		if err := checkIndex(item.CurrentIndex, len(m.counts)); err != nil {
			return err
		}
		off := m.offset(item.CurrentIndex)
		for i := 0; i < m.counts[item.CurrentIndex]; i++ {
			if err := m.flat.RefreshAt(off + i); err != nil {
				return err
			}
		}

	case changeset.Move:
		from, to := item.PreviousIndex, item.CurrentIndex
		if err := checkIndex(from, len(m.counts)); err != nil {
			return err
		}
		if err := checkIndex(to, len(m.counts)); err != nil {
			return err
		}
		off, n := m.offset(from), m.counts[from]
		block := m.flat.Items()[off : off+n]
		if err := m.flat.RemoveRange(off, n); err != nil {
			return err
		}
		m.counts = removeAt(m.counts, from, 1)
		m.counts = insertAt(m.counts, to, n)
		return m.flat.InsertRange(block, m.offset(to))

	case changeset.Clear:
		m.counts = nil
		m.flat.Clear()

	default:
		return errors.NotValidf("reason %s", ch.Reason())
	}
	return nil
}

// replace swaps the children of the item at index, replacing in place as
// many children as the old and new blocks share.
func (m *manyTransformer[T, U]) replace(index int, kids []U) error {
	off, n := m.offset(index), m.counts[index]
	shared := min(n, len(kids))
	for i := 0; i < shared; i++ {
		if err := m.flat.ReplaceAt(off+i, kids[i]); err != nil {
			return err
		}
	}
	if n > shared {
		if err := m.flat.RemoveRange(off+shared, n-shared); err != nil {
			return err
		}
	}
	if len(kids) > shared {
		if err := m.flat.InsertRange(kids[shared:], off+shared); err != nil {
			return err
		}
	}
	m.counts[index] = len(kids)
	return nil
}
