// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operator

import (
	"io"
	"reflect"

	"github.com/juju/errors"

	"github.com/juju/dynamicdata/core/changeset"
	"github.com/juju/dynamicdata/core/stream"
)

// OnItemAdded calls fn for every item added to src, including the new
// item of a Replace, before forwarding the changeset.
func OnItemAdded[T any](
	src stream.Observable[changeset.ChangeSet[T]],
	fn func(T),
) (stream.Observable[changeset.ChangeSet[T]], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if fn == nil {
		return nil, errors.NotValidf("nil callback")
	}
	return stream.Create(func(o stream.Observer[changeset.ChangeSet[T]]) func() {
		sk := newSink(o)
		var ser serializer
		sk.subs.add(src.Subscribe(stream.ObserverFuncs[changeset.ChangeSet[T]]{
			Next: func(cs changeset.ChangeSet[T]) {
				ser.run(func() {
					if sk.done {
						return
					}
					cs.Each(func(ch changeset.Change[T]) {
						switch ch.Reason() {
						case changeset.Add, changeset.Replace:
							fn(ch.Item().Current)
						case changeset.AddRange:
							for _, item := range ch.Range().Items {
								fn(item)
							}
						}
					})
					sk.next(cs)
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

// OnItemRemoved calls fn for every item removed from src: removed and
// cleared items and the previous item of a Replace. With
// invokeOnUnsubscribe set, fn is also called for every item still present
// when the subscription ends, whether by unsubscribing, completion or
// error.
func OnItemRemoved[T any](
	src stream.Observable[changeset.ChangeSet[T]],
	fn func(T),
	invokeOnUnsubscribe bool,
) (stream.Observable[changeset.ChangeSet[T]], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if fn == nil {
		return nil, errors.NotValidf("nil callback")
	}
	return stream.Create(func(o stream.Observer[changeset.ChangeSet[T]]) func() {
		sk := newSink(o)
		var (
			ser    serializer
			mirror []T
		)
		if invokeOnUnsubscribe {
			// Added first so that it runs after the upstream subscription
			// has been released.
			sk.subs.add(func() {
				ser.run(func() {
					remaining := mirror
					mirror = nil
					for _, item := range remaining {
						fn(item)
					}
				})
			})
		}
		sk.subs.add(src.Subscribe(stream.ObserverFuncs[changeset.ChangeSet[T]]{
			Next: func(cs changeset.ChangeSet[T]) {
				ser.run(func() {
					if sk.done {
						return
					}
					if invokeOnUnsubscribe {
						var err error
						if mirror, err = cs.ApplyTo(mirror); err != nil {
							sk.fail(errors.Trace(err))
							return
						}
					}
					cs.Each(func(ch changeset.Change[T]) {
						switch ch.Reason() {
						case changeset.Remove:
							fn(ch.Item().Current)
						case changeset.Replace:
							if item := ch.Item(); !sameItem(item.Previous, item.Current) {
								fn(item.Previous)
							}
						case changeset.RemoveRange, changeset.Clear:
							for _, item := range ch.Range().Items {
								fn(item)
							}
						}
					})
					sk.next(cs)
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

// DisposeMany closes every item of src implementing io.Closer once it
// leaves the list: when removed, cleared or replaced by a different item,
// and when the subscription ends. Close errors are logged.
func DisposeMany[T any](src stream.Observable[changeset.ChangeSet[T]]) (stream.Observable[changeset.ChangeSet[T]], error) {
	return OnItemRemoved(src, closeItem[T], true)
}

func closeItem[T any](item T) {
	closer, ok := any(item).(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warningf("closing %T: %v", item, err)
	}
}

// sameItem reports whether a and b are the same value, treating values
// that cannot be compared as distinct.
func sameItem[T any](a, b T) bool {
	va, vb := any(a), any(b)
	if va == nil || vb == nil {
		return va == nil && vb == nil
	}
	ta, tb := reflect.TypeOf(va), reflect.TypeOf(vb)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return va == vb
}
