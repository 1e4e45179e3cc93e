// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testhelpers

import (
	"sync/atomic"

	"github.com/juju/dynamicdata/core/stream"
)

// SyncChecker records notifications that overlap in time, which means a
// stream delivered to one observer from several goroutines at once.
type SyncChecker struct {
	inFlight   atomic.Int32
	violations atomic.Int32
}

// Violations returns how many overlapping notifications were seen.
func (s *SyncChecker) Violations() int {
	return int(s.violations.Load())
}

func (s *SyncChecker) enter() {
	if s.inFlight.Add(1) > 1 {
		s.violations.Add(1)
	}
}

func (s *SyncChecker) leave() {
	s.inFlight.Add(-1)
}

// CheckSynchronized returns src with every notification checked by s.
func CheckSynchronized[T any](s *SyncChecker, src stream.Observable[T]) stream.Observable[T] {
	return stream.Create(func(o stream.Observer[T]) func() {
		return src.Subscribe(stream.ObserverFuncs[T]{
			Next: func(v T) {
				s.enter()
				defer s.leave()
				o.OnNext(v)
			},
			Error: func(err error) {
				s.enter()
				defer s.leave()
				o.OnError(err)
			},
			Completed: func() {
				s.enter()
				defer s.leave()
				o.OnCompleted()
			},
		})
	})
}
