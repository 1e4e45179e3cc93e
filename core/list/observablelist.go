// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package list

import (
	"sync"

	"github.com/juju/errors"

	"github.com/juju/dynamicdata/core/changeset"
	"github.com/juju/dynamicdata/core/stream"
)

// ObservableList is a read only list kept in step with a changeset stream.
type ObservableList[T any] struct {
	source *SourceList[T]
	unsub  func()

	mu  sync.Mutex
	err error
}

// AsObservableList subscribes to src and materializes it. The list is
// completed or failed along with src.
func AsObservableList[T any](src stream.Observable[changeset.ChangeSet[T]]) (*ObservableList[T], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	l := &ObservableList[T]{
		// Items are only ever placed by index, so equality is unused.
		source: NewSourceListFunc(func(T, T) bool { return false }),
	}
	l.unsub = src.Subscribe(stream.ObserverFuncs[changeset.ChangeSet[T]]{
		Next: func(cs changeset.ChangeSet[T]) {
			err := l.source.Edit(func(inner *ChangeAwareList[T]) error {
				return inner.Apply(cs)
			})
			if err != nil && !errors.Is(err, ErrSourceTerminated) {
				l.fail(errors.Annotate(err, "materializing changeset"))
			}
		},
		Error: l.fail,
		Completed: func() {
			l.source.Complete()
		},
	})
	return l, nil
}

func (l *ObservableList[T]) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	l.source.Fail(err)
}

// Connect returns a stream that starts with the current items.
func (l *ObservableList[T]) Connect() stream.Observable[changeset.ChangeSet[T]] {
	return l.source.Connect()
}

// Items returns a copy of the current items.
func (l *ObservableList[T]) Items() []T {
	return l.source.Items()
}

// Count returns the number of items.
func (l *ObservableList[T]) Count() int {
	return l.source.Count()
}

// Err returns the error the upstream failed with, if any.
func (l *ObservableList[T]) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Dispose cancels the upstream subscription and completes subscribers.
func (l *ObservableList[T]) Dispose() {
	l.unsub()
	l.source.Complete()
}
