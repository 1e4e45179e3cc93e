// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stream

import "sync"

// Subject is both an Observer and an Observable: every notification it
// receives is multicast to the current subscribers. Subscribers arriving
// after a terminal event receive that event immediately.
//
// Notifications are delivered on the caller's goroutine without holding
// the subject's lock; callers feeding a Subject from several goroutines
// must serialize themselves, e.g. with Synchronize.
type Subject[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	observers []subscription[T]
	done      bool
	err       error
}

type subscription[T any] struct {
	id       uint64
	observer Observer[T]
}

// NewSubject returns a Subject with no subscribers.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{}
}

// Subscribe is part of the Observable interface.
func (s *Subject[T]) Subscribe(observer Observer[T]) func() {
	return Create(func(o Observer[T]) func() {
		return s.register(o, nil)
	}).Subscribe(observer)
}

// register adds o as a subscriber. When the subject has already terminated
// the terminal event is delivered instead. replay, if not nil, is called
// with o while the registration lock is held so it cannot miss or reorder
// a concurrent terminal event.
func (s *Subject[T]) register(o Observer[T], replay func() (T, bool)) func() {
	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		if err != nil {
			o.OnError(err)
		} else {
			o.OnCompleted()
		}
		return nil
	}
	s.nextID++
	id := s.nextID
	s.observers = append(s.observers, subscription[T]{id: id, observer: o})
	var (
		value    T
		replayed bool
	)
	if replay != nil {
		value, replayed = replay()
	}
	s.mu.Unlock()

	if replayed {
		o.OnNext(value)
	}
	return func() { s.remove(id) }
}

func (s *Subject[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.observers {
		if sub.id == id {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return
		}
	}
}

func (s *Subject[T]) snapshot() []subscription[T] {
	return append([]subscription[T](nil), s.observers...)
}

// OnNext is part of the Observer interface.
func (s *Subject[T]) OnNext(v T) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	observers := s.snapshot()
	s.mu.Unlock()

	for _, sub := range observers {
		sub.observer.OnNext(v)
	}
}

// OnError is part of the Observer interface.
func (s *Subject[T]) OnError(err error) {
	observers, ok := s.terminate(err)
	if !ok {
		return
	}
	for _, sub := range observers {
		sub.observer.OnError(err)
	}
}

// OnCompleted is part of the Observer interface.
func (s *Subject[T]) OnCompleted() {
	observers, ok := s.terminate(nil)
	if !ok {
		return
	}
	for _, sub := range observers {
		sub.observer.OnCompleted()
	}
}

func (s *Subject[T]) terminate(err error) ([]subscription[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, false
	}
	s.done = true
	s.err = err
	observers := s.observers
	s.observers = nil
	return observers, true
}

// HasObservers reports whether the subject has live subscribers.
func (s *Subject[T]) HasObservers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers) > 0
}

// BehaviorSubject is a Subject that remembers the latest value and replays
// it to every new subscriber.
type BehaviorSubject[T any] struct {
	Subject[T]

	value    T
	hasValue bool
}

// NewBehaviorSubject returns a BehaviorSubject seeded with initial.
func NewBehaviorSubject[T any](initial T) *BehaviorSubject[T] {
	return &BehaviorSubject[T]{value: initial, hasValue: true}
}

// NewEmptyBehaviorSubject returns a BehaviorSubject that replays nothing
// until its first value.
func NewEmptyBehaviorSubject[T any]() *BehaviorSubject[T] {
	return &BehaviorSubject[T]{}
}

// Subscribe is part of the Observable interface.
func (s *BehaviorSubject[T]) Subscribe(observer Observer[T]) func() {
	return Create(func(o Observer[T]) func() {
		return s.register(o, func() (T, bool) {
			return s.value, s.hasValue
		})
	}).Subscribe(observer)
}

// OnNext is part of the Observer interface.
func (s *BehaviorSubject[T]) OnNext(v T) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.value, s.hasValue = v, true
	observers := s.snapshot()
	s.mu.Unlock()

	for _, sub := range observers {
		sub.observer.OnNext(v)
	}
}

// Value returns the latest value and whether there is one.
func (s *BehaviorSubject[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.hasValue
}
