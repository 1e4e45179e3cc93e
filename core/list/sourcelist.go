// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package list

import (
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/dynamicdata/core/changeset"
	"github.com/juju/dynamicdata/core/stream"
)

var logger = loggo.GetLogger("dynamicdata.list")

const (
	// ErrSourceTerminated is returned when editing a list that has been
	// completed or failed.
	ErrSourceTerminated = errors.ConstError("source list terminated")
)

// SourceList is a thread safe list that publishes every batch of edits as
// one changeset to its subscribers.
//
// Edits are serialized and each changeset is delivered to every subscriber
// before the next edit starts. Editing a SourceList, or connecting to it,
// from inside one of its own subscribers deadlocks. Reading it with Items
// or Count does not.
type SourceList[T any] struct {
	// editMu serializes edits with their delivery, and with Connect.
	editMu sync.Mutex

	// mu guards list.
	mu   sync.RWMutex
	list *ChangeAwareList[T]

	subject    *stream.Subject[changeset.ChangeSet[T]]
	terminated bool
}

// NewSourceList returns an empty SourceList comparing items with ==.
func NewSourceList[T comparable]() *SourceList[T] {
	return newSourceList(NewChangeAwareList[T]())
}

// NewSourceListFunc returns an empty SourceList comparing items with equal.
func NewSourceListFunc[T any](equal func(a, b T) bool) *SourceList[T] {
	return newSourceList(NewChangeAwareListFunc(equal))
}

func newSourceList[T any](l *ChangeAwareList[T]) *SourceList[T] {
	return &SourceList[T]{
		list:    l,
		subject: stream.NewSubject[changeset.ChangeSet[T]](),
	}
}

// Edit runs fn against the list and publishes the changes it made as one
// changeset. Nothing is published when fn makes no changes. Changes made
// before fn returns an error are still published, and the error is
// returned.
func (s *SourceList[T]) Edit(fn func(*ChangeAwareList[T]) error) error {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	if s.terminated {
		return ErrSourceTerminated
	}

	cs, err := s.capture(fn)
	if !cs.IsEmpty() {
		logger.Tracef("publishing %d changes", cs.Len())
		s.subject.OnNext(cs)
	}
	return errors.Trace(err)
}

// capture runs fn under the list lock and collects what it changed.
func (s *SourceList[T]) capture(fn func(*ChangeAwareList[T]) error) (changeset.ChangeSet[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := fn(s.list)
	return s.list.CaptureChanges(), err
}

// Connect returns a stream of the list's changesets. A new subscriber first
// receives the current items as one AddRange, unless the list is empty.
func (s *SourceList[T]) Connect() stream.Observable[changeset.ChangeSet[T]] {
	return stream.Create(func(o stream.Observer[changeset.ChangeSet[T]]) func() {
		s.editMu.Lock()
		defer s.editMu.Unlock()

		s.mu.RLock()
		items := s.list.Items()
		s.mu.RUnlock()
		if len(items) > 0 {
			o.OnNext(changeset.New(mustRange(changeset.RangeAdded(items, 0))))
		}
		return s.subject.Subscribe(o)
	})
}

// Items returns a copy of the current items.
func (s *SourceList[T]) Items() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list.Items()
}

// Count returns the number of items.
func (s *SourceList[T]) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list.Count()
}

// Complete completes every subscriber. Later edits fail with
// ErrSourceTerminated; later subscribers receive the items then complete.
func (s *SourceList[T]) Complete() {
	s.terminate(nil)
}

// Fail fails every subscriber with err.
func (s *SourceList[T]) Fail(err error) {
	s.terminate(err)
}

func (s *SourceList[T]) terminate(err error) {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	if s.terminated {
		return
	}
	s.terminated = true
	if err != nil {
		s.subject.OnError(err)
		return
	}
	s.subject.OnCompleted()
}

// Add appends item.
func (s *SourceList[T]) Add(item T) error {
	return s.Edit(func(l *ChangeAwareList[T]) error {
		l.Add(item)
		return nil
	})
}

// AddRange appends items.
func (s *SourceList[T]) AddRange(items []T) error {
	return s.Edit(func(l *ChangeAwareList[T]) error {
		l.AddRange(items)
		return nil
	})
}

// Insert inserts item at index.
func (s *SourceList[T]) Insert(index int, item T) error {
	return s.Edit(func(l *ChangeAwareList[T]) error {
		return l.Insert(index, item)
	})
}

// Remove removes the first item equal to item, if any.
func (s *SourceList[T]) Remove(item T) error {
	return s.Edit(func(l *ChangeAwareList[T]) error {
		l.Remove(item)
		return nil
	})
}

// RemoveMany removes one occurrence per requested item.
func (s *SourceList[T]) RemoveMany(items []T) error {
	return s.Edit(func(l *ChangeAwareList[T]) error {
		l.RemoveMany(items)
		return nil
	})
}

// RemoveAt removes the item at index.
func (s *SourceList[T]) RemoveAt(index int) error {
	return s.Edit(func(l *ChangeAwareList[T]) error {
		_, err := l.RemoveAt(index)
		return err
	})
}

// Replace swaps the first item equal to original for replacement.
func (s *SourceList[T]) Replace(original, replacement T) error {
	return s.Edit(func(l *ChangeAwareList[T]) error {
		l.Replace(original, replacement)
		return nil
	})
}

// ReplaceAt swaps the item at index.
func (s *SourceList[T]) ReplaceAt(index int, item T) error {
	return s.Edit(func(l *ChangeAwareList[T]) error {
		return l.ReplaceAt(index, item)
	})
}

// Move relocates the item at from to index to.
func (s *SourceList[T]) Move(from, to int) error {
	return s.Edit(func(l *ChangeAwareList[T]) error {
		return l.Move(from, to)
	})
}

// Refresh signals that the first item equal to item changed in place.
func (s *SourceList[T]) Refresh(item T) error {
	return s.Edit(func(l *ChangeAwareList[T]) error {
		l.Refresh(item)
		return nil
	})
}

// RefreshAt signals that the item at index changed in place.
func (s *SourceList[T]) RefreshAt(index int) error {
	return s.Edit(func(l *ChangeAwareList[T]) error {
		return l.RefreshAt(index)
	})
}

// Clear removes every item.
func (s *SourceList[T]) Clear() error {
	return s.Edit(func(l *ChangeAwareList[T]) error {
		l.Clear()
		return nil
	})
}
