// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stream

import (
	"sync"

	"gopkg.in/tomb.v2"
)

// FromChannel returns an Observable that forwards every value received on
// ch. Each subscription runs its own pump goroutine; the stream completes
// when ch is closed. Several subscriptions compete for the channel's values.
func FromChannel[T any](ch <-chan T) Observable[T] {
	return Create(func(o Observer[T]) func() {
		var t tomb.Tomb
		t.Go(func() error {
			pump(ch, o, &t)
			return nil
		})
		// Cancelling may happen from inside OnNext on the pump goroutine,
		// so only kill the tomb here.
		return func() { t.Kill(nil) }
	})
}

// pump copies values from ch to o until ch is closed or the tomb dies.
func pump[T any](ch <-chan T, o Observer[T], t *tomb.Tomb) {
	for {
		select {
		case <-t.Dying():
			return
		case v, ok := <-ch:
			if !ok {
				o.OnCompleted()
				return
			}
			select {
			case <-t.Dying():
				return
			default:
			}
			o.OnNext(v)
		}
	}
}

// ToChannel subscribes to src and returns a channel carrying its values,
// a func returning the terminal error once the channel is closed, and a func
// cancelling the subscription. The channel is closed when the stream
// terminates or is cancelled. Values are queued without bound until read,
// so src is never blocked by a slow reader.
func ToChannel[T any](src Observable[T], buffer int) (<-chan T, func() error, func()) {
	type event struct {
		value T
		done  bool
		err   error
	}
	var (
		mu      sync.Mutex
		pending []event
	)
	out := make(chan T, buffer)
	wake := make(chan struct{}, 1)
	var t tomb.Tomb
	t.Go(func() error {
		defer close(out)
		for {
			mu.Lock()
			events := pending
			pending = nil
			mu.Unlock()
			for _, ev := range events {
				if ev.done {
					return ev.err
				}
				select {
				case out <- ev.value:
				case <-t.Dying():
					return tomb.ErrDying
				}
			}
			select {
			case <-t.Dying():
				return tomb.ErrDying
			case <-wake:
			}
		}
	})
	send := func(ev event) {
		mu.Lock()
		pending = append(pending, ev)
		mu.Unlock()
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	unsub := src.Subscribe(ObserverFuncs[T]{
		Next:      func(v T) { send(event{value: v}) },
		Error:     func(err error) { send(event{done: true, err: err}) },
		Completed: func() { send(event{done: true}) },
	})
	return out, t.Wait, func() {
		unsub()
		t.Kill(nil)
	}
}
