// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operator

import (
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/juju/dynamicdata/core/changeset"
	"github.com/juju/dynamicdata/core/list"
	"github.com/juju/dynamicdata/core/stream"
)

// ToChangeSetConfig configures ToObservableChangeSet.
type ToChangeSetConfig[T any] struct {
	// LimitSizeTo, when positive, caps the list by removing the oldest
	// items.
	LimitSizeTo int

	// Expire, when set, removes items once they expire.
	Expire *ExpireConfig[T]
}

// Validate returns an error if config is not usable.
func (config ToChangeSetConfig[T]) Validate() error {
	if config.LimitSizeTo < 0 {
		return errors.NotValidf("negative LimitSizeTo")
	}
	if config.Expire != nil {
		if err := config.Expire.Validate(); err != nil {
			return errors.Annotate(err, "expire")
		}
	}
	return nil
}

// ToObservableChangeSet collects the values of src into a list, each value
// appended as an Add. The result completes after src completes and every
// outstanding expiration has fired.
func ToObservableChangeSet[T any](
	src stream.Observable[T],
	config ToChangeSetConfig[T],
) (stream.Observable[changeset.ChangeSet[T]], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	batches := stream.Create(func(o stream.Observer[[]T]) func() {
		return src.Subscribe(stream.ObserverFuncs[T]{
			Next: func(v T) {
				o.OnNext([]T{v})
			},
			Error:     o.OnError,
			Completed: o.OnCompleted,
		})
	})
	return ToObservableChangeSetBatches(batches, config)
}

// ToObservableChangeSetBatches is ToObservableChangeSet for a stream of
// batches; each non-empty batch is appended as one AddRange.
func ToObservableChangeSetBatches[T any](
	src stream.Observable[[]T],
	config ToChangeSetConfig[T],
) (stream.Observable[changeset.ChangeSet[T]], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	var expireConfig ExpireConfig[T]
	if config.Expire != nil {
		expireConfig = config.Expire.withDefaults()
	}
	return stream.Create(func(o stream.Observer[changeset.ChangeSet[T]]) func() {
		collected := list.NewSourceListFunc(func(T, T) bool { return false })
		sk := newSink(o)
		var (
			ser     serializer
			mu      sync.Mutex
			srcDone bool
			expirer *sourceExpirer[T]
		)
		completeIfDone := func() {
			mu.Lock()
			done := srcDone && (expirer == nil || expirer.pending() == 0)
			mu.Unlock()
			if done {
				collected.Complete()
			}
		}

		sk.subs.add(collected.Connect().Subscribe(stream.ObserverFuncs[changeset.ChangeSet[T]]{
			Next: func(cs changeset.ChangeSet[T]) {
				ser.run(func() { sk.next(cs) })
			},
			Error: func(err error) {
				ser.run(func() { sk.fail(err) })
			},
			Completed: func() {
				ser.run(sk.complete)
			},
		}))

		if config.Expire != nil {
			var err error
			expirer, err = newSourceExpirer(collected, expireConfig, func(time.Time, []T) {
				completeIfDone()
			})
			if err != nil {
				collected.Fail(errors.Trace(err))
				return sk.subs.dispose
			}
			sk.subs.add(collected.Connect().Subscribe(stream.ObserverFuncs[changeset.ChangeSet[T]]{
				Next: func(cs changeset.ChangeSet[T]) {
					if err := expirer.observe(cs); err != nil {
						ser.run(func() { sk.fail(err) })
					}
				},
			}))
			sk.subs.add(expirer.tracker.scheduler.Kill)
		}

		sk.subs.add(src.Subscribe(stream.ObserverFuncs[[]T]{
			Next: func(batch []T) {
				if len(batch) == 0 {
					return
				}
				err := collected.Edit(func(l *list.ChangeAwareList[T]) error {
					if len(batch) == 1 {
						l.Add(batch[0])
					} else {
						l.AddRange(batch)
					}
					if excess := l.Count() - config.LimitSizeTo; config.LimitSizeTo > 0 && excess > 0 {
						return l.RemoveRange(0, excess)
					}
					return nil
				})
				if err != nil {
					logger.Debugf("dropping batch of %d: %v", len(batch), err)
				}
			},
			Error: func(err error) {
				collected.Fail(err)
			},
			Completed: func() {
				mu.Lock()
				srcDone = true
				mu.Unlock()
				completeIfDone()
			},
		}))
		return sk.subs.dispose
	}), nil
}
