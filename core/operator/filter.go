// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operator

import (
	"github.com/juju/errors"

	"github.com/juju/dynamicdata/core/changeset"
	"github.com/juju/dynamicdata/core/list"
	"github.com/juju/dynamicdata/core/stream"
)

// FilterPolicy selects how a filter reports a full re-evaluation, which
// happens when its predicate changes.
type FilterPolicy int

const (
	// CalculateDiff removes the items that stopped matching and inserts
	// the items that started matching, keeping the order of the rest.
	CalculateDiff FilterPolicy = iota

	// ClearAndReplace clears the filtered list and adds every matching
	// item again.
	ClearAndReplace
)

type filterOptions struct {
	policy    FilterPolicy
	emitEmpty bool
}

// FilterOption configures a filter.
type FilterOption func(*filterOptions)

// WithPolicy sets the re-evaluation policy. The default is CalculateDiff.
func WithPolicy(policy FilterPolicy) FilterOption {
	return func(o *filterOptions) {
		o.policy = policy
	}
}

// EmitEmptyChangeSets makes the filter emit a changeset even when an
// upstream changeset did not affect the filtered items.
func EmitEmptyChangeSets() FilterOption {
	return func(o *filterOptions) {
		o.emitEmpty = true
	}
}

// Filter returns the items of src that satisfy predicate.
func Filter[T any](
	src stream.Observable[changeset.ChangeSet[T]],
	predicate func(T) bool,
	opts ...FilterOption,
) (stream.Observable[changeset.ChangeSet[T]], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if predicate == nil {
		return nil, errors.NotValidf("nil predicate")
	}
	options := newFilterOptions(opts)
	return stream.Create(func(o stream.Observer[changeset.ChangeSet[T]]) func() {
		f := newFilterer(options, predicate)
		sk := newSink(o)
		var ser serializer
		sk.subs.add(src.Subscribe(stream.ObserverFuncs[changeset.ChangeSet[T]]{
			Next: func(cs changeset.ChangeSet[T]) {
				ser.run(func() { f.onChanges(sk, cs) })
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

// FilterOnState returns the items of src that satisfy predicate for the
// latest value of state. Nothing is emitted until state produces its first
// value; every later value re-evaluates all items. The result completes
// when both src and state have completed, or straight away if state
// completes without ever producing a value.
func FilterOnState[S, T any](
	src stream.Observable[changeset.ChangeSet[T]],
	state stream.Observable[S],
	predicate func(S, T) bool,
	opts ...FilterOption,
) (stream.Observable[changeset.ChangeSet[T]], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if state == nil {
		return nil, errors.NotValidf("nil predicate state")
	}
	if predicate == nil {
		return nil, errors.NotValidf("nil predicate")
	}
	options := newFilterOptions(opts)
	return stream.Create(func(o stream.Observer[changeset.ChangeSet[T]]) func() {
		f := newFilterer[T](options, nil)
		sk := newSink(o)
		var (
			ser            serializer
			srcDone        bool
			stateDone      bool
			stateSeen      bool
			completeIfDone = func() {
				if srcDone && stateDone {
					sk.complete()
				}
			}
		)
		sk.subs.add(state.Subscribe(stream.ObserverFuncs[S]{
			Next: func(value S) {
				ser.run(func() {
					stateSeen = true
					f.refilter(sk, func(item T) bool { return predicate(value, item) })
				})
			},
			Error: func(err error) {
				ser.run(func() { sk.fail(err) })
			},
			Completed: func() {
				ser.run(func() {
					stateDone = true
					if !stateSeen {
						sk.complete()
						return
					}
					completeIfDone()
				})
			},
		}))
		sk.subs.add(src.Subscribe(stream.ObserverFuncs[changeset.ChangeSet[T]]{
			Next: func(cs changeset.ChangeSet[T]) {
				ser.run(func() { f.onChanges(sk, cs) })
			},
			Error: func(err error) {
				ser.run(func() { sk.fail(err) })
			},
			Completed: func() {
				ser.run(func() {
					srcDone = true
					completeIfDone()
				})
			},
		}))
		return sk.subs.dispose
	}), nil
}

// FilterDynamic filters src with the latest predicate produced by
// predicates, following the rules of FilterOnState.
func FilterDynamic[T any](
	src stream.Observable[changeset.ChangeSet[T]],
	predicates stream.Observable[func(T) bool],
	opts ...FilterOption,
) (stream.Observable[changeset.ChangeSet[T]], error) {
	if predicates == nil {
		return nil, errors.NotValidf("nil predicate stream")
	}
	checked := stream.Create(func(o stream.Observer[func(T) bool]) func() {
		return predicates.Subscribe(stream.ObserverFuncs[func(T) bool]{
			Next: func(p func(T) bool) {
				if p == nil {
					o.OnError(errors.NotValidf("nil predicate"))
					return
				}
				o.OnNext(p)
			},
			Error:     o.OnError,
			Completed: o.OnCompleted,
		})
	})
	return FilterOnState(src, checked, func(p func(T) bool, item T) bool {
		return p(item)
	}, opts...)
}

func newFilterOptions(opts []FilterOption) filterOptions {
	var options filterOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

type filterEntry[T any] struct {
	item  T
	match bool
}

// filterer keeps a mirror of the upstream list, recording for every item
// whether it currently matches, and the filtered list derived from it.
type filterer[T any] struct {
	options   filterOptions
	predicate func(T) bool
	mirror    []filterEntry[T]
	filtered  *list.ChangeAwareList[T]
}

// newFilterer returns a filterer. A nil predicate means the predicate is
// not known yet: upstream changes are mirrored but nothing matches and
// nothing is emitted.
func newFilterer[T any](options filterOptions, predicate func(T) bool) *filterer[T] {
	return &filterer[T]{
		options:   options,
		predicate: predicate,
		filtered:  list.NewChangeAwareListFunc(func(T, T) bool { return false }),
	}
}

func (f *filterer[T]) matches(item T) bool {
	return f.predicate != nil && f.predicate(item)
}

// filteredIndex returns the index in the filtered list matching the
// upstream index.
func (f *filterer[T]) filteredIndex(index int) int {
	n := 0
	for _, e := range f.mirror[:index] {
		if e.match {
			n++
		}
	}
	return n
}

func (f *filterer[T]) onChanges(sk *sink[changeset.ChangeSet[T]], cs changeset.ChangeSet[T]) {
	if sk.done {
		return
	}
	for i := 0; i < cs.Len(); i++ {
		if err := f.apply(cs.At(i)); err != nil {
			sk.fail(errors.Annotatef(err, "filtering change %d", i))
			return
		}
	}
	f.emit(sk)
}

func (f *filterer[T]) emit(sk *sink[changeset.ChangeSet[T]]) {
	out := f.filtered.CaptureChanges()
	if f.predicate == nil {
		return
	}
	if out.IsEmpty() && !f.options.emitEmpty {
		return
	}
	sk.next(out)
}

func (f *filterer[T]) apply(ch changeset.Change[T]) error {
	item := ch.Item()
	switch ch.Reason() {
	case changeset.Add:
		if err := checkIndex(item.CurrentIndex, len(f.mirror)+1); err != nil {
			return err
		}
		match := f.matches(item.Current)
		fi := f.filteredIndex(item.CurrentIndex)
		f.mirror = insertAt(f.mirror, item.CurrentIndex, filterEntry[T]{item: item.Current, match: match})
		if match {
			return f.filtered.Insert(fi, item.Current)
		}

	case changeset.AddRange:
		r := ch.Range()
		if err := checkIndex(r.Index, len(f.mirror)+1); err != nil {
			return err
		}
		fi := f.filteredIndex(r.Index)
		entries := make([]filterEntry[T], len(r.Items))
		var matched []T
		for i, v := range r.Items {
			entries[i] = filterEntry[T]{item: v, match: f.matches(v)}
			if entries[i].match {
				matched = append(matched, v)
			}
		}
		f.mirror = insertAt(f.mirror, r.Index, entries...)
		return f.filtered.InsertRange(matched, fi)

	case changeset.Remove:
		if err := checkIndex(item.CurrentIndex, len(f.mirror)); err != nil {
			return err
		}
		e := f.mirror[item.CurrentIndex]
		fi := f.filteredIndex(item.CurrentIndex)
		f.mirror = removeAt(f.mirror, item.CurrentIndex, 1)
		if e.match {
			_, err := f.filtered.RemoveAt(fi)
			return err
		}

	case changeset.RemoveRange:
		r := ch.Range()
		if err := checkWindow(r.Index, len(r.Items), len(f.mirror)); err != nil {
			return err
		}
		fi := f.filteredIndex(r.Index)
		n := 0
		for _, e := range f.mirror[r.Index : r.Index+len(r.Items)] {
			if e.match {
				n++
			}
		}
		f.mirror = removeAt(f.mirror, r.Index, len(r.Items))
		return f.filtered.RemoveRange(fi, n)

	case changeset.Replace, changeset.Refresh:
		if err := checkIndex(item.CurrentIndex, len(f.mirror)); err != nil {
			return err
		}
		old := f.mirror[item.CurrentIndex]
		match := f.matches(item.Current)
		fi := f.filteredIndex(item.CurrentIndex)
		f.mirror[item.CurrentIndex] = filterEntry[T]{item: item.Current, match: match}
		switch {
		case old.match && match && ch.Reason() == changeset.Refresh:
			return f.filtered.RefreshAt(fi)
		case old.match && match:
			return f.filtered.ReplaceAt(fi, item.Current)
		case old.match:
			_, err := f.filtered.RemoveAt(fi)
			return err
		case match:
			return f.filtered.Insert(fi, item.Current)
		}

	case changeset.Move:
		from, to := item.PreviousIndex, item.CurrentIndex
		if err := checkIndex(from, len(f.mirror)); err != nil {
			return err
		}
		if err := checkIndex(to, len(f.mirror)); err != nil {
			return err
		}
		e := f.mirror[from]
		fromF := f.filteredIndex(from)
		f.mirror = removeAt(f.mirror, from, 1)
		f.mirror = insertAt(f.mirror, to, e)
		if e.match {
			return f.filtered.Move(fromF, f.filteredIndex(to))
		}

	case changeset.Clear:
		f.mirror = nil
		f.filtered.Clear()

	default:
		return errors.NotValidf("reason %s", ch.Reason())
	}
	return nil
}

// refilter re-evaluates every item against predicate and emits the
// difference according to the policy.
func (f *filterer[T]) refilter(sk *sink[changeset.ChangeSet[T]], predicate func(T) bool) {
	if sk.done {
		return
	}
	f.predicate = predicate

	if f.options.policy == ClearAndReplace {
		var matched []T
		for i := range f.mirror {
			f.mirror[i].match = predicate(f.mirror[i].item)
			if f.mirror[i].match {
				matched = append(matched, f.mirror[i].item)
			}
		}
		f.filtered.Clear()
		f.filtered.AddRange(matched)
		f.emit(sk)
		return
	}

	fi := 0
	for i := range f.mirror {
		e := &f.mirror[i]
		match := predicate(e.item)
		switch {
		case e.match && !match:
			if _, err := f.filtered.RemoveAt(fi); err != nil {
				sk.fail(errors.Trace(err))
				return
			}
		case !e.match && match:
			if err := f.filtered.Insert(fi, e.item); err != nil {
				sk.fail(errors.Trace(err))
				return
			}
			fi++
		case match:
			fi++
		}
		e.match = match
	}
	f.emit(sk)
}
