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

// Grouping is an immutable snapshot of the items sharing a key, in source
// order.
type Grouping[K comparable, T any] struct {
	Key   K
	Items []T
}

// Count returns the number of items in the group.
func (g Grouping[K, T]) Count() int {
	return len(g.Items)
}

// GroupWithImmutableState groups the items of src by key. Each changeset
// upstream yields at most one change per affected group: an Add for a new
// group, a Replace carrying the new snapshot for a changed group and a
// Remove for a group that became empty. Groups are ordered by when they
// were first created.
func GroupWithImmutableState[K comparable, T any](
	src stream.Observable[changeset.ChangeSet[T]],
	key func(T) K,
) (stream.Observable[changeset.ChangeSet[Grouping[K, T]]], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if key == nil {
		return nil, errors.NotValidf("nil key selector")
	}
	return stream.Create(func(o stream.Observer[changeset.ChangeSet[Grouping[K, T]]]) func() {
		g := &grouper[K, T]{
			key: key,
			out: list.NewChangeAwareListFunc(func(Grouping[K, T], Grouping[K, T]) bool { return false }),
		}
		sk := newSink(o)
		var ser serializer
		sk.subs.add(src.Subscribe(stream.ObserverFuncs[changeset.ChangeSet[T]]{
			Next: func(cs changeset.ChangeSet[T]) {
				ser.run(func() {
					if sk.done {
						return
					}
					if err := g.onChanges(cs); err != nil {
						sk.fail(err)
						return
					}
					if out := g.out.CaptureChanges(); !out.IsEmpty() {
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

type groupEntry[K comparable, T any] struct {
	item T
	key  K
}

type grouper[K comparable, T any] struct {
	key    func(T) K
	mirror []groupEntry[K, T]

	// order holds the key of every group in out, by position.
	order []K
	out   *list.ChangeAwareList[Grouping[K, T]]
}

func (g *grouper[K, T]) onChanges(cs changeset.ChangeSet[T]) error {
	affected := mapset.NewThreadUnsafeSet[K]()
	for i := 0; i < cs.Len(); i++ {
		if err := g.apply(cs.At(i), affected); err != nil {
			return errors.Annotatef(err, "grouping change %d", i)
		}
	}
	if affected.Cardinality() == 0 {
		return nil
	}

	members := make(map[K][]T, affected.Cardinality())
	var created []K
	for _, e := range g.mirror {
		if !affected.Contains(e.key) {
			continue
		}
		if _, ok := members[e.key]; !ok {
			created = append(created, e.key)
		}
		members[e.key] = append(members[e.key], e.item)
	}

	// Existing groups: replace changed snapshots, then drop empty groups
	// from the highest index down.
	var emptied []int
	for i, k := range g.order {
		if !affected.Contains(k) {
			continue
		}
		affected.Remove(k)
		items, ok := members[k]
		if !ok {
			emptied = append(emptied, i)
			continue
		}
		if err := g.out.ReplaceAt(i, Grouping[K, T]{Key: k, Items: items}); err != nil {
			return errors.Trace(err)
		}
	}
	for i := len(emptied) - 1; i >= 0; i-- {
		if _, err := g.out.RemoveAt(emptied[i]); err != nil {
			return errors.Trace(err)
		}
		g.order = removeAt(g.order, emptied[i], 1)
	}

	// Whatever is still affected is a new group.
	for _, k := range created {
		if !affected.Contains(k) {
			continue
		}
		g.order = append(g.order, k)
		g.out.Add(Grouping[K, T]{Key: k, Items: members[k]})
	}
	return nil
}

func (g *grouper[K, T]) apply(ch changeset.Change[T], affected mapset.Set[K]) error {
	item := ch.Item()
	switch ch.Reason() {
	case changeset.Add:
		if err := checkIndex(item.CurrentIndex, len(g.mirror)+1); err != nil {
			return err
		}
		e := groupEntry[K, T]{item: item.Current, key: g.key(item.Current)}
		g.mirror = insertAt(g.mirror, item.CurrentIndex, e)
		affected.Add(e.key)

	case changeset.AddRange:
		r := ch.Range()
		if err := checkIndex(r.Index, len(g.mirror)+1); err != nil {
			return err
		}
		entries := make([]groupEntry[K, T], len(r.Items))
		for i, v := range r.Items {
			entries[i] = groupEntry[K, T]{item: v, key: g.key(v)}
			affected.Add(entries[i].key)
		}
		g.mirror = insertAt(g.mirror, r.Index, entries...)

	case changeset.Remove:
		if err := checkIndex(item.CurrentIndex, len(g.mirror)); err != nil {
			return err
		}
		affected.Add(g.mirror[item.CurrentIndex].key)
		g.mirror = removeAt(g.mirror, item.CurrentIndex, 1)

	case changeset.RemoveRange:
		r := ch.Range()
		if err := checkWindow(r.Index, len(r.Items), len(g.mirror)); err != nil {
			return err
		}
		for _, e := range g.mirror[r.Index : r.Index+len(r.Items)] {
			affected.Add(e.key)
		}
		g.mirror = removeAt(g.mirror, r.Index, len(r.Items))

	case changeset.Replace, changeset.Refresh:
		if err := checkIndex(item.CurrentIndex, len(g.mirror)); err != nil {
			return err
		}
		old := g.mirror[item.CurrentIndex]
		e := groupEntry[K, T]{item: item.Current, key: g.key(item.Current)}
		g.mirror[item.CurrentIndex] = e
		affected.Add(old.key)
		affected.Add(e.key)

	case changeset.Move:
		from, to := item.PreviousIndex, item.CurrentIndex
		if err := checkIndex(from, len(g.mirror)); err != nil {
			return err
		}
		if err := checkIndex(to, len(g.mirror)); err != nil {
			return err
		}
		e := g.mirror[from]
		g.mirror = removeAt(g.mirror, from, 1)
		g.mirror = insertAt(g.mirror, to, e)
		affected.Add(e.key)

	case changeset.Clear:
		for _, e := range g.mirror {
			affected.Add(e.key)
		}
		g.mirror = nil

	default:
		return errors.NotValidf("reason %s", ch.Reason())
	}
	return nil
}
