// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operator

import (
	"sync"

	"github.com/juju/loggo"

	"github.com/juju/dynamicdata/core/stream"
)

var logger = loggo.GetLogger("dynamicdata.operator")

// serializer runs queued work one item at a time. The goroutine that finds
// the queue idle drains it; everyone else only enqueues. Work queued from
// inside running work is run after it, on the same goroutine.
type serializer struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

func (s *serializer) run(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		next()
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

// disposables collects cancel funcs. Funcs added after dispose are run
// straight away.
type disposables struct {
	mu       sync.Mutex
	fns      []func()
	disposed bool
}

func (d *disposables) add(fn func()) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		fn()
		return
	}
	d.fns = append(d.fns, fn)
	d.mu.Unlock()
}

func (d *disposables) dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	fns := d.fns
	d.fns = nil
	d.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

func (d *disposables) isDisposed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disposed
}

// keyedDisposables holds one cancel func per key, for inner subscriptions.
type keyedDisposables[K comparable] struct {
	mu       sync.Mutex
	fns      map[K]func()
	disposed bool
}

func newKeyedDisposables[K comparable]() *keyedDisposables[K] {
	return &keyedDisposables[K]{fns: make(map[K]func())}
}

// set stores fn under key, cancelling whatever was there before.
func (d *keyedDisposables[K]) set(key K, fn func()) {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		if fn != nil {
			fn()
		}
		return
	}
	old := d.fns[key]
	d.fns[key] = fn
	d.mu.Unlock()
	if old != nil {
		old()
	}
}

// remove cancels and forgets the func stored under key.
func (d *keyedDisposables[K]) remove(key K) {
	d.mu.Lock()
	fn := d.fns[key]
	delete(d.fns, key)
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (d *keyedDisposables[K]) dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	fns := d.fns
	d.fns = nil
	d.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

// sink is the downstream end of one operator subscription. It must only be
// used from inside the subscription's serializer.
type sink[T any] struct {
	observer stream.Observer[T]
	subs     disposables
	done     bool
}

func newSink[T any](observer stream.Observer[T]) *sink[T] {
	return &sink[T]{observer: observer}
}

func (s *sink[T]) next(v T) {
	if !s.done {
		s.observer.OnNext(v)
	}
}

// fail tears down every upstream subscription then delivers err.
func (s *sink[T]) fail(err error) {
	if s.done {
		return
	}
	s.done = true
	s.subs.dispose()
	s.observer.OnError(err)
}

// complete tears down every upstream subscription then completes.
func (s *sink[T]) complete() {
	if s.done {
		return
	}
	s.done = true
	s.subs.dispose()
	s.observer.OnCompleted()
}
