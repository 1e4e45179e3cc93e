// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stream

import (
	"sync"
	"sync/atomic"
)

// Observer receives the notifications of an Observable. A well behaved
// Observable calls OnNext zero or more times followed by at most one of
// OnError or OnCompleted.
type Observer[T any] interface {
	OnNext(T)
	OnError(error)
	OnCompleted()
}

// ObserverFuncs adapts plain functions to an Observer. Nil functions are
// ignored.
type ObserverFuncs[T any] struct {
	Next      func(T)
	Error     func(error)
	Completed func()
}

// OnNext is part of the Observer interface.
func (o ObserverFuncs[T]) OnNext(v T) {
	if o.Next != nil {
		o.Next(v)
	}
}

// OnError is part of the Observer interface.
func (o ObserverFuncs[T]) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// OnCompleted is part of the Observer interface.
func (o ObserverFuncs[T]) OnCompleted() {
	if o.Completed != nil {
		o.Completed()
	}
}

// Synchronize returns an Observer that serializes calls to observer, so it
// can be fed from more than one goroutine.
func Synchronize[T any](observer Observer[T]) Observer[T] {
	return &syncObserver[T]{inner: observer}
}

type syncObserver[T any] struct {
	mu    sync.Mutex
	inner Observer[T]
}

func (o *syncObserver[T]) OnNext(v T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inner.OnNext(v)
}

func (o *syncObserver[T]) OnError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inner.OnError(err)
}

func (o *syncObserver[T]) OnCompleted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inner.OnCompleted()
}

// safeObserver enforces the notification grammar: nothing after a terminal
// event and nothing after the subscription was disposed.
type safeObserver[T any] struct {
	inner Observer[T]
	done  atomic.Bool
}

func (o *safeObserver[T]) OnNext(v T) {
	if o.done.Load() {
		return
	}
	o.inner.OnNext(v)
}

func (o *safeObserver[T]) OnError(err error) {
	if o.done.CompareAndSwap(false, true) {
		o.inner.OnError(err)
	}
}

func (o *safeObserver[T]) OnCompleted() {
	if o.done.CompareAndSwap(false, true) {
		o.inner.OnCompleted()
	}
}

func (o *safeObserver[T]) dispose() {
	o.done.Store(true)
}
