// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package expiry

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
)

// DefaultTolerance is how early a timer may fire while still expiring the
// keys it was armed for.
const DefaultTolerance = time.Millisecond

// Logger represents the methods used by the scheduler to log information.
type Logger interface {
	Debugf(string, ...interface{})
	Warningf(string, ...interface{})
}

// Config defines the operation of a Scheduler.
type Config[K comparable] struct {
	Clock  clock.Clock
	Logger Logger

	// PollingInterval, when positive, makes the scheduler check for due
	// keys on a fixed cadence instead of waking at the soonest due time.
	// All keys due at a tick are expired together.
	PollingInterval time.Duration

	// Tolerance is how early the timer may fire and still count as having
	// reached the due time it was armed for. Only keys due at or before that
	// time are expired; later neighbours wait for their own time. It has no
	// effect when polling. Zero means DefaultTolerance.
	Tolerance time.Duration

	// Expire is called from the scheduler's goroutine with every key that
	// fell due, ordered by due time. The keys are no longer scheduled when
	// it is called.
	Expire func(now time.Time, keys []K)
}

// Validate returns an error if config cannot drive a Scheduler.
func (config Config[K]) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Expire == nil {
		return errors.NotValidf("nil Expire")
	}
	if config.PollingInterval < 0 {
		return errors.NotValidf("negative PollingInterval")
	}
	if config.Tolerance < 0 {
		return errors.NotValidf("negative Tolerance")
	}
	return nil
}

type entry struct {
	due time.Time
	seq uint64
}

// Scheduler is a worker that holds a due time per key and reports keys
// once their due time has passed.
type Scheduler[K comparable] struct {
	catacomb catacomb.Catacomb
	config   Config[K]

	mu      sync.Mutex
	entries map[K]entry
	seq     uint64
	changed chan struct{}

	// Owned by the loop goroutine.
	timer       clock.Timer
	nextTrigger time.Time
	started     time.Time
}

// NewScheduler returns a running Scheduler backed by config.
func NewScheduler[K comparable](config Config[K]) (*Scheduler[K], error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Tolerance == 0 {
		config.Tolerance = DefaultTolerance
	}
	s := &Scheduler[K]{
		config:  config,
		entries: make(map[K]entry),
		changed: make(chan struct{}, 1),
		started: config.Clock.Now(),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
	})
	return s, errors.Trace(err)
}

// Kill is part of the worker.Worker interface.
func (s *Scheduler[K]) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Scheduler[K]) Wait() error {
	return s.catacomb.Wait()
}

// Schedule sets the due time of key, replacing any earlier schedule. A zero
// due time cancels it.
func (s *Scheduler[K]) Schedule(key K, due time.Time) {
	if due.IsZero() {
		s.Cancel(key)
		return
	}
	s.mu.Lock()
	s.seq++
	s.entries[key] = entry{due: due, seq: s.seq}
	s.mu.Unlock()
	s.signal()
}

// Cancel drops the schedule of key. It reports whether key was scheduled.
func (s *Scheduler[K]) Cancel(key K) bool {
	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()
	if ok {
		s.signal()
	}
	return ok
}

// Due returns the due time of key, if it is scheduled.
func (s *Scheduler[K]) Due(key K) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e.due, ok
}

// Pending returns the number of scheduled keys.
func (s *Scheduler[K]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler[K]) signal() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Scheduler[K]) loop() error {
	defer s.stopTimer()
	for {
		var timeout <-chan time.Time
		if s.timer != nil {
			timeout = s.timer.Chan()
		}
		select {
		case <-s.catacomb.Dying():
			return s.catacomb.ErrDying()
		case <-s.changed:
			s.reschedule()
		case <-timeout:
			// The timer has fired, it must be reset even if the soonest
			// due time is unchanged.
			trigger := s.nextTrigger
			s.nextTrigger = time.Time{}
			s.expire(trigger)
			s.reschedule()
		}
	}
}

// expire reports every key due at or before now. When the timer armed for
// trigger fires within Tolerance of it, keys due at trigger count as due too.
func (s *Scheduler[K]) expire(trigger time.Time) {
	now := s.config.Clock.Now()
	deadline := now
	if s.config.PollingInterval == 0 && trigger.After(now) &&
		!now.Before(trigger.Add(-s.config.Tolerance)) {
		deadline = trigger
	}

	type dueKey struct {
		key K
		entry
	}
	var due []dueKey
	s.mu.Lock()
	for key, e := range s.entries {
		if !e.due.After(deadline) {
			due = append(due, dueKey{key: key, entry: e})
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()

	if len(due) > 0 {
		sort.Slice(due, func(i, j int) bool {
			if due[i].due.Equal(due[j].due) {
				return due[i].seq < due[j].seq
			}
			return due[i].due.Before(due[j].due)
		})
		keys := make([]K, len(due))
		for i, d := range due {
			keys[i] = d.key
		}
		s.config.Logger.Debugf("expiring %d keys at %s", len(keys), now)
		s.config.Expire(now, keys)
	}
}

// reschedule arms the timer for the soonest due time, expiring straight
// away whatever is already overdue.
func (s *Scheduler[K]) reschedule() {
	for s.computeNextExpireTime() {
		s.expire(time.Time{})
	}
}

// computeNextExpireTime arms the timer. It returns true, without arming,
// when a key is already past due and polling is off.
func (s *Scheduler[K]) computeNextExpireTime() bool {
	s.mu.Lock()
	var soonest time.Time
	for _, e := range s.entries {
		if soonest.IsZero() || e.due.Before(soonest) {
			soonest = e.due
		}
	}
	s.mu.Unlock()

	if soonest.IsZero() {
		s.stopTimer()
		return false
	}

	now := s.config.Clock.Now()
	next := soonest
	if s.config.PollingInterval > 0 {
		next = s.nextTick(now)
	} else if !next.After(now) {
		return true
	}
	if s.timer != nil && s.nextTrigger.Equal(next) {
		return false
	}

	nextDuration := next.Sub(now)
	s.config.Logger.Debugf("next expiry check in %v at %s", nextDuration, next)
	s.nextTrigger = next
	if s.timer == nil {
		s.timer = s.config.Clock.NewTimer(nextDuration)
		return false
	}
	if !s.timer.Stop() {
		select {
		case <-s.timer.Chan():
		default:
		}
	}
	s.timer.Reset(nextDuration)
	return false
}

// nextTick returns the first polling tick strictly after now, counting
// ticks from when the scheduler started.
func (s *Scheduler[K]) nextTick(now time.Time) time.Time {
	interval := s.config.PollingInterval
	elapsed := now.Sub(s.started)
	if elapsed < 0 {
		elapsed = 0
	}
	ticks := elapsed/interval + 1
	return s.started.Add(ticks * interval)
}

func (s *Scheduler[K]) stopTimer() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
	s.nextTrigger = time.Time{}
}
