// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operator

import (
	"github.com/juju/collections/transform"
	"github.com/juju/errors"

	"github.com/juju/dynamicdata/core/changeset"
	"github.com/juju/dynamicdata/core/list"
	"github.com/juju/dynamicdata/core/stream"
)

type transformOptions struct {
	onRefresh bool
}

// TransformOption configures a transform.
type TransformOption func(*transformOptions)

// TransformOnRefresh makes a Refresh upstream re-run the projection, and
// emit the new value as a Replace.
func TransformOnRefresh() TransformOption {
	return func(o *transformOptions) {
		o.onRefresh = true
	}
}

// Transform projects every item of src with fn. The projection runs once
// per added or replaced item; removals and moves reuse the projected value.
func Transform[T, U any](
	src stream.Observable[changeset.ChangeSet[T]],
	fn func(T) U,
	opts ...TransformOption,
) (stream.Observable[changeset.ChangeSet[U]], error) {
	if fn == nil {
		return nil, errors.NotValidf("nil transform")
	}
	return TransformWithError(src, func(item T) (U, error) {
		return fn(item), nil
	}, opts...)
}

// TransformWithError is Transform with a projection that may fail. A
// failure ends the stream with the projection's error.
func TransformWithError[T, U any](
	src stream.Observable[changeset.ChangeSet[T]],
	fn func(T) (U, error),
	opts ...TransformOption,
) (stream.Observable[changeset.ChangeSet[U]], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if fn == nil {
		return nil, errors.NotValidf("nil transform")
	}
	var options transformOptions
	for _, opt := range opts {
		opt(&options)
	}
	return stream.Create(func(o stream.Observer[changeset.ChangeSet[U]]) func() {
		t := &transformer[T, U]{
			fn:        fn,
			options:   options,
			projected: list.NewChangeAwareListFunc(func(U, U) bool { return false }),
		}
		sk := newSink(o)
		var ser serializer
		sk.subs.add(src.Subscribe(stream.ObserverFuncs[changeset.ChangeSet[T]]{
			Next: func(cs changeset.ChangeSet[T]) {
				ser.run(func() {
					if sk.done {
						return
					}
					if err := t.onChanges(cs); err != nil {
						sk.fail(err)
						return
					}
					if out := t.projected.CaptureChanges(); !out.IsEmpty() {
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

// transformer holds the projected list of one subscription, parallel to
// the upstream list.
type transformer[T, U any] struct {
	fn        func(T) (U, error)
	options   transformOptions
	projected *list.ChangeAwareList[U]
}

func (t *transformer[T, U]) onChanges(cs changeset.ChangeSet[T]) error {
	for i := 0; i < cs.Len(); i++ {
		if err := t.apply(cs.At(i)); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (t *transformer[T, U]) project(items []T) ([]U, error) {
	var firstErr error
	out := transform.Slice(items, func(item T) U {
		if firstErr != nil {
			var zero U
			return zero
		}
		u, err := t.fn(item)
		if err != nil {
			firstErr = err
		}
		return u
	})
	return out, firstErr
}

func (t *transformer[T, U]) apply(ch changeset.Change[T]) error {
	item := ch.Item()
	switch ch.Reason() {
	case changeset.Add:
		u, err := t.fn(item.Current)
		if err != nil {
			return err
		}
		return t.projected.Insert(item.CurrentIndex, u)

	case changeset.AddRange:
		r := ch.Range()
		projected, err := t.project(r.Items)
		if err != nil {
			return err
		}
		return t.projected.InsertRange(projected, r.Index)

	case changeset.Remove:
		_, err := t.projected.RemoveAt(item.CurrentIndex)
		return err

	case changeset.RemoveRange:
		r := ch.Range()
		return t.projected.RemoveRange(r.Index, len(r.Items))

	case changeset.Replace:
		u, err := t.fn(item.Current)
		if err != nil {
			return err
		}
		return t.projected.ReplaceAt(item.CurrentIndex, u)

	case changeset.Refresh:
		if !t.options.onRefresh {
			return t.projected.RefreshAt(item.CurrentIndex)
		}
		u, err := t.fn(item.Current)
		if err != nil {
			return err
		}
		return t.projected.ReplaceAt(item.CurrentIndex, u)

	case changeset.Move:
		return t.projected.Move(item.PreviousIndex, item.CurrentIndex)

	case changeset.Clear:
		t.projected.Clear()
		return nil
	}
	return errors.NotValidf("reason %s", ch.Reason())
}
