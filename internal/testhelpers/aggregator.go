// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testhelpers

import (
	"sync"
	"time"

	gc "gopkg.in/check.v1"

	"github.com/juju/dynamicdata/core/changeset"
	"github.com/juju/dynamicdata/core/stream"
)

// Aggregator subscribes to a changeset stream and records every
// notification. Each changeset is replayed onto a plain slice so tests can
// compare the reconstructed list against the expected contents.
type Aggregator[T any] struct {
	mu        sync.Mutex
	messages  []changeset.ChangeSet[T]
	data      []T
	applyErr  error
	err       error
	completed bool
	notify    chan struct{}
	unsub     func()
}

// NewAggregator subscribes to src.
func NewAggregator[T any](src stream.Observable[changeset.ChangeSet[T]]) *Aggregator[T] {
	a := &Aggregator[T]{notify: make(chan struct{}, 1)}
	a.unsub = src.Subscribe(a)
	return a
}

// OnNext is part of the stream.Observer interface.
func (a *Aggregator[T]) OnNext(cs changeset.ChangeSet[T]) {
	a.mu.Lock()
	a.messages = append(a.messages, cs)
	if a.applyErr == nil {
		a.data, a.applyErr = cs.ApplyTo(a.data)
	}
	a.mu.Unlock()
	a.signal()
}

// OnError is part of the stream.Observer interface.
func (a *Aggregator[T]) OnError(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	a.signal()
}

// OnCompleted is part of the stream.Observer interface.
func (a *Aggregator[T]) OnCompleted() {
	a.mu.Lock()
	a.completed = true
	a.mu.Unlock()
	a.signal()
}

func (a *Aggregator[T]) signal() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// Messages returns the changesets received so far.
func (a *Aggregator[T]) Messages() []changeset.ChangeSet[T] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]changeset.ChangeSet[T](nil), a.messages...)
}

// Data returns the list reconstructed from the received changesets.
func (a *Aggregator[T]) Data() []T {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]T(nil), a.data...)
}

// ApplyErr returns the error, if any, hit while replaying a changeset.
func (a *Aggregator[T]) ApplyErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applyErr
}

// Err returns the error the stream failed with.
func (a *Aggregator[T]) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Completed reports whether the stream completed.
func (a *Aggregator[T]) Completed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completed
}

// Dispose cancels the subscription.
func (a *Aggregator[T]) Dispose() {
	a.unsub()
}

// WaitMessages blocks until at least n changesets have been received,
// failing the test after LongWait.
func (a *Aggregator[T]) WaitMessages(c *gc.C, n int) {
	a.waitFor(c, func() bool { return len(a.messages) >= n }, "%d messages", n)
}

// WaitTerminated blocks until the stream failed or completed, failing the
// test after LongWait.
func (a *Aggregator[T]) WaitTerminated(c *gc.C) {
	a.waitFor(c, func() bool { return a.completed || a.err != nil }, "termination")
}

// CheckNoMoreMessages asserts that the message count stays at n for
// ShortWait.
func (a *Aggregator[T]) CheckNoMoreMessages(c *gc.C, n int) {
	time.Sleep(ShortWait)
	c.Check(a.Messages(), gc.HasLen, n)
}

func (a *Aggregator[T]) waitFor(c *gc.C, cond func() bool, format string, args ...interface{}) {
	timeout := time.After(LongWait)
	for {
		a.mu.Lock()
		ok := cond()
		a.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-a.notify:
		case <-timeout:
			c.Fatalf("timed out waiting for "+format, args...)
		}
	}
}
