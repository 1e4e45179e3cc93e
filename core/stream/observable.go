// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stream

import "sync"

// Observable is a push based source of values.
type Observable[T any] interface {
	// Subscribe registers observer and returns a func that cancels the
	// subscription. Cancelling is idempotent and releases every resource
	// the subscription holds.
	Subscribe(observer Observer[T]) func()
}

// SubscribeFunc implements Observable with a plain function.
type SubscribeFunc[T any] func(Observer[T]) func()

// Subscribe is part of the Observable interface.
func (f SubscribeFunc[T]) Subscribe(observer Observer[T]) func() {
	return f(observer)
}

// Create returns an Observable that calls subscribe for every observer.
// The observer handed to subscribe drops notifications after a terminal
// event or after the returned cancel func has been called, and the cancel
// func returned by subscribe runs at most once.
func Create[T any](subscribe func(Observer[T]) func()) Observable[T] {
	return SubscribeFunc[T](func(observer Observer[T]) func() {
		safe := &safeObserver[T]{inner: observer}
		cancel := subscribe(safe)
		var once sync.Once
		return func() {
			once.Do(func() {
				safe.dispose()
				if cancel != nil {
					cancel()
				}
			})
		}
	})
}

// Of returns an Observable that emits values then completes.
func Of[T any](values ...T) Observable[T] {
	values = append([]T(nil), values...)
	return Create(func(o Observer[T]) func() {
		for _, v := range values {
			o.OnNext(v)
		}
		o.OnCompleted()
		return nil
	})
}

// Empty returns an Observable that completes immediately.
func Empty[T any]() Observable[T] {
	return Of[T]()
}

// Never returns an Observable that never notifies.
func Never[T any]() Observable[T] {
	return Create(func(Observer[T]) func() { return nil })
}

// Fail returns an Observable that fails immediately with err.
func Fail[T any](err error) Observable[T] {
	return Create(func(o Observer[T]) func() {
		o.OnError(err)
		return nil
	})
}
