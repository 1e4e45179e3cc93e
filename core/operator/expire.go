// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operator

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/dynamicdata/core/changeset"
	"github.com/juju/dynamicdata/core/list"
	"github.com/juju/dynamicdata/core/metrics"
	"github.com/juju/dynamicdata/core/stream"
	"github.com/juju/dynamicdata/internal/expiry"
)

// NeverExpires is a lifetime long enough to mean the item never expires.
const NeverExpires = time.Duration(math.MaxInt64)

// ExpireConfig describes how items expire. Exactly one of Lifetime and
// DueTime must be set.
type ExpireConfig[T any] struct {
	// Lifetime returns how long an item lives from the moment it is
	// added, or false if it never expires.
	Lifetime func(T) (time.Duration, bool)

	// DueTime returns when an item expires, or false if it never does.
	DueTime func(T) (time.Time, bool)

	Clock clock.Clock

	// PollingInterval, when positive, batches expirations onto a fixed
	// cadence.
	PollingInterval time.Duration

	// Tolerance is how early a timer may fire and still count as reaching
	// the due time it was armed for. Zero means expiry.DefaultTolerance.
	Tolerance time.Duration

	// Logger defaults to the package logger.
	Logger expiry.Logger

	// Metrics, if set, counts expired items under Name.
	Metrics *metrics.Collector
	Name    string
}

// Validate returns an error if config cannot drive an expiration.
func (config ExpireConfig[T]) Validate() error {
	if config.Lifetime == nil && config.DueTime == nil {
		return errors.NotValidf("missing Lifetime or DueTime")
	}
	if config.Lifetime != nil && config.DueTime != nil {
		return errors.NotValidf("both Lifetime and DueTime")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.PollingInterval < 0 {
		return errors.NotValidf("negative PollingInterval")
	}
	if config.Tolerance < 0 {
		return errors.NotValidf("negative Tolerance")
	}
	return nil
}

func (config ExpireConfig[T]) withDefaults() ExpireConfig[T] {
	if config.Logger == nil {
		config.Logger = loggo.GetLogger("dynamicdata.operator.expire")
	}
	if config.Name == "" {
		config.Name = "expire"
	}
	return config
}

// selection is what the configured selector returned for an item.
type selection struct {
	lifetime time.Duration
	due      time.Time
	expires  bool
}

func (config ExpireConfig[T]) selectFor(item T) selection {
	if config.DueTime != nil {
		due, ok := config.DueTime(item)
		return selection{due: due, expires: ok && !due.IsZero()}
	}
	lifetime, ok := config.Lifetime(item)
	return selection{lifetime: lifetime, expires: ok && lifetime < NeverExpires}
}

func (sel selection) equal(other selection) bool {
	return sel.expires == other.expires &&
		sel.lifetime == other.lifetime &&
		sel.due.Equal(other.due)
}

// dueAt returns when an item with sel added at now expires.
func (sel selection) dueAt(now time.Time) (time.Time, bool) {
	if !sel.expires {
		return time.Time{}, false
	}
	if !sel.due.IsZero() {
		return sel.due, true
	}
	due := now.Add(sel.lifetime)
	if sel.lifetime > 0 && due.Before(now) {
		return time.Time{}, false
	}
	return due, true
}

// expiring is a tracked item. Its id changes whenever it is rescheduled,
// so that a stale expiry for an old schedule is ignored.
type expiring[T any] struct {
	id        uint64
	item      T
	sel       selection
	live      bool
	scheduled bool
}

// expiryTracker mirrors a list of items and keeps the scheduler in step
// with it. It is not safe for concurrent use.
type expiryTracker[T any] struct {
	config    ExpireConfig[T]
	scheduler *expiry.Scheduler[uint64]
	entries   []*expiring[T]
	nextID    uint64
}

func (t *expiryTracker[T]) schedule(e *expiring[T]) {
	t.nextID++
	e.id = t.nextID
	due, ok := e.sel.dueAt(t.config.Clock.Now())
	e.scheduled = ok
	if ok {
		t.scheduler.Schedule(e.id, due)
	}
}

// pending returns the number of live items waiting to expire. An item
// counts until its expiry has been processed, even once the scheduler
// has let go of it.
func (t *expiryTracker[T]) pending() int {
	n := 0
	for _, e := range t.entries {
		if e.live && e.scheduled {
			n++
		}
	}
	return n
}

func (t *expiryTracker[T]) track(item T) *expiring[T] {
	e := &expiring[T]{item: item, sel: t.config.selectFor(item), live: true}
	t.schedule(e)
	return e
}

func (t *expiryTracker[T]) untrack(e *expiring[T]) {
	t.scheduler.Cancel(e.id)
}

// replace swaps the item of e, scheduling it afresh.
func (t *expiryTracker[T]) replace(e *expiring[T], item T) {
	t.scheduler.Cancel(e.id)
	e.item = item
	e.sel = t.config.selectFor(item)
	e.live = true
	t.schedule(e)
}

// refresh reschedules e if its selector result changed.
func (t *expiryTracker[T]) refresh(e *expiring[T]) {
	sel := t.config.selectFor(e.item)
	if sel.equal(e.sel) {
		return
	}
	t.scheduler.Cancel(e.id)
	e.sel = sel
	e.scheduled = false
	if e.live {
		t.schedule(e)
	}
}

// indexOf returns the position of the entry with id.
func (t *expiryTracker[T]) indexOf(id uint64) int {
	for i, e := range t.entries {
		if e.id == id {
			return i
		}
	}
	return -1
}

// liveIndex returns the number of live entries before index.
func (t *expiryTracker[T]) liveIndex(index int) int {
	n := 0
	for _, e := range t.entries[:index] {
		if e.live {
			n++
		}
	}
	return n
}

// apply brings the mirror in line with ch, tracking added items and
// untracking removed ones. out, when not nil, receives the matching
// changes to the live items.
func (t *expiryTracker[T]) apply(ch changeset.Change[T], out *list.ChangeAwareList[T]) error {
	item := ch.Item()
	switch ch.Reason() {
	case changeset.Add:
		if err := checkIndex(item.CurrentIndex, len(t.entries)+1); err != nil {
			return err
		}
		e := t.track(item.Current)
		if out != nil {
			mustApply(out.Insert(t.liveIndex(item.CurrentIndex), item.Current))
		}
		t.entries = insertAt(t.entries, item.CurrentIndex, e)

	case changeset.AddRange:
		r := ch.Range()
		if err := checkIndex(r.Index, len(t.entries)+1); err != nil {
			return err
		}
		added := make([]*expiring[T], len(r.Items))
		for i, v := range r.Items {
			added[i] = t.track(v)
		}
		if out != nil {
			mustApply(out.InsertRange(r.Items, t.liveIndex(r.Index)))
		}
		t.entries = insertAt(t.entries, r.Index, added...)

	case changeset.Remove:
		if err := checkIndex(item.CurrentIndex, len(t.entries)); err != nil {
			return err
		}
		t.removeAt(item.CurrentIndex, out)

	case changeset.RemoveRange:
		r := ch.Range()
		if err := checkWindow(r.Index, len(r.Items), len(t.entries)); err != nil {
			return err
		}
		for i := r.Index + len(r.Items) - 1; i >= r.Index; i-- {
			t.removeAt(i, out)
		}

	case changeset.Replace:
		if err := checkIndex(item.CurrentIndex, len(t.entries)); err != nil {
			return err
		}
		e := t.entries[item.CurrentIndex]
		wasLive := e.live
		t.replace(e, item.Current)
		if out != nil {
			index := t.liveIndex(item.CurrentIndex)
			if wasLive {
				mustApply(out.ReplaceAt(index, item.Current))
			} else {
				mustApply(out.Insert(index, item.Current))
			}
		}

	case changeset.Refresh:
		if err := checkIndex(item.CurrentIndex, len(t.entries)); err != nil {
			return err
		}
		e := t.entries[item.CurrentIndex]
		t.refresh(e)
		if out != nil && e.live {
			mustApply(out.RefreshAt(t.liveIndex(item.CurrentIndex)))
		}

	case changeset.Move:
		from, to := item.PreviousIndex, item.CurrentIndex
		if err := checkIndex(from, len(t.entries)); err != nil {
			return err
		}
		if err := checkIndex(to, len(t.entries)); err != nil {
			return err
		}
		e := t.entries[from]
		liveFrom := t.liveIndex(from)
		t.entries = removeAt(t.entries, from, 1)
		t.entries = insertAt(t.entries, to, e)
		if out != nil && e.live {
			mustApply(out.Move(liveFrom, t.liveIndex(to)))
		}

	case changeset.Clear:
		for _, e := range t.entries {
			t.untrack(e)
		}
		t.entries = nil
		if out != nil {
			out.Clear()
		}

	default:
		return errors.NotValidf("reason %s", ch.Reason())
	}
	return nil
}

func (t *expiryTracker[T]) removeAt(index int, out *list.ChangeAwareList[T]) {
	e := t.entries[index]
	t.untrack(e)
	if out != nil && e.live {
		_, err := out.RemoveAt(t.liveIndex(index))
		mustApply(err)
	}
	t.entries = removeAt(t.entries, index, 1)
}

func newExpiryTracker[T any](config ExpireConfig[T], expire func(now time.Time, ids []uint64)) (*expiryTracker[T], error) {
	scheduler, err := expiry.NewScheduler(expiry.Config[uint64]{
		Clock:           config.Clock,
		Logger:          config.Logger,
		PollingInterval: config.PollingInterval,
		Tolerance:       config.Tolerance,
		Expire:          expire,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &expiryTracker[T]{config: config, scheduler: scheduler}, nil
}

// ExpireAfter forwards the changes of src and removes items once they
// expire. Items expiring together are removed in one changeset. A Replace
// schedules the new item afresh; a Refresh reschedules only when the
// selector's result changed. When src completes, the result completes
// once the outstanding expirations have fired.
func ExpireAfter[T any](
	src stream.Observable[changeset.ChangeSet[T]],
	config ExpireConfig[T],
) (stream.Observable[changeset.ChangeSet[T]], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	config = config.withDefaults()
	return stream.Create(func(o stream.Observer[changeset.ChangeSet[T]]) func() {
		sk := newSink(o)
		var (
			ser      serializer
			srcDone  bool
			tracker  *expiryTracker[T]
			out      = list.NewChangeAwareListFunc(func(T, T) bool { return false })
			finished = func() {
				if srcDone && tracker.pending() == 0 {
					sk.complete()
				}
			}
			emit = func() {
				if cs := out.CaptureChanges(); !cs.IsEmpty() {
					sk.next(cs)
				}
			}
		)
		expire := func(now time.Time, ids []uint64) {
			ser.run(func() {
				if sk.done {
					return
				}
				expired := 0
				for _, id := range ids {
					index := tracker.indexOf(id)
					if index < 0 || !tracker.entries[index].live {
						continue
					}
					live := tracker.liveIndex(index)
					tracker.entries[index].live = false
					_, err := out.RemoveAt(live)
					mustApply(err)
					expired++
				}
				if expired > 0 {
					config.Logger.Debugf("expired %d items at %s", expired, now)
					if config.Metrics != nil {
						config.Metrics.Expired(config.Name, expired)
					}
				}
				emit()
				finished()
			})
		}
		var err error
		if tracker, err = newExpiryTracker(config, expire); err != nil {
			o.OnError(errors.Trace(err))
			return func() {}
		}
		sk.subs.add(tracker.scheduler.Kill)
		sk.subs.add(src.Subscribe(stream.ObserverFuncs[changeset.ChangeSet[T]]{
			Next: func(cs changeset.ChangeSet[T]) {
				ser.run(func() {
					if sk.done {
						return
					}
					for i := 0; i < cs.Len(); i++ {
						if err := tracker.apply(cs.At(i), out); err != nil {
							sk.fail(errors.Annotatef(err, "expiring change %d", i))
							return
						}
					}
					emit()
				})
			},
			Error: func(err error) {
				ser.run(func() { sk.fail(err) })
			},
			Completed: func() {
				ser.run(func() {
					srcDone = true
					finished()
				})
			},
		}))
		return sk.subs.dispose
	}), nil
}

// sourceExpirer removes expired items from a source list. Its mirror is
// updated while the list's edit lock is held, so it is current inside any
// edit.
type sourceExpirer[T any] struct {
	source  *list.SourceList[T]
	config  ExpireConfig[T]
	tracker *expiryTracker[T]

	// mu guards tracker.
	mu sync.Mutex

	// onExpired is called with every batch removed from the list.
	onExpired func(now time.Time, items []T)
}

func newSourceExpirer[T any](
	source *list.SourceList[T],
	config ExpireConfig[T],
	onExpired func(time.Time, []T),
) (*sourceExpirer[T], error) {
	e := &sourceExpirer[T]{source: source, config: config, onExpired: onExpired}
	tracker, err := newExpiryTracker(config, e.expire)
	if err != nil {
		return nil, errors.Trace(err)
	}
	e.tracker = tracker
	return e, nil
}

func (e *sourceExpirer[T]) observe(cs changeset.ChangeSet[T]) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < cs.Len(); i++ {
		if err := e.tracker.apply(cs.At(i), nil); err != nil {
			return errors.Annotatef(err, "expiring change %d", i)
		}
	}
	return nil
}

func (e *sourceExpirer[T]) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.pending()
}

func (e *sourceExpirer[T]) expire(now time.Time, ids []uint64) {
	var removed []T
	err := e.source.Edit(func(l *list.ChangeAwareList[T]) error {
		e.mu.Lock()
		indexes := make([]int, 0, len(ids))
		for _, id := range ids {
			if index := e.tracker.indexOf(id); index >= 0 {
				indexes = append(indexes, index)
			}
		}
		e.mu.Unlock()

		removed = make([]T, len(indexes))
		for _, i := range descending(indexes) {
			item, err := l.RemoveAt(indexes[i])
			if err != nil {
				return errors.Trace(err)
			}
			removed[i] = item
		}
		return nil
	})
	if errors.Is(err, list.ErrSourceTerminated) {
		e.config.Logger.Debugf("source terminated before %d items expired", len(ids))
		return
	} else if err != nil {
		e.config.Logger.Warningf("removing expired items: %v", err)
		return
	}
	if len(removed) == 0 {
		return
	}
	e.config.Logger.Debugf("expired %d items at %s", len(removed), now)
	if e.config.Metrics != nil {
		e.config.Metrics.Expired(e.config.Name, len(removed))
	}
	e.onExpired(now, removed)
}

// descending returns the positions of indexes ordered by decreasing index.
func descending(indexes []int) []int {
	order := make([]int, len(indexes))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return indexes[order[a]] > indexes[order[b]]
	})
	return order
}

// ExpireFromSource removes items from source once they expire, and emits
// each batch of removed items in due order. The result completes or fails
// with source.
func ExpireFromSource[T any](
	source *list.SourceList[T],
	config ExpireConfig[T],
) (stream.Observable[[]T], error) {
	if source == nil {
		return nil, errors.NotValidf("nil source list")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	config = config.withDefaults()
	return stream.Create(func(o stream.Observer[[]T]) func() {
		sk := newSink(o)
		var ser serializer
		expirer, err := newSourceExpirer(source, config, func(_ time.Time, items []T) {
			ser.run(func() { sk.next(items) })
		})
		if err != nil {
			o.OnError(errors.Trace(err))
			return func() {}
		}
		sk.subs.add(expirer.tracker.scheduler.Kill)
		sk.subs.add(source.Connect().Subscribe(stream.ObserverFuncs[changeset.ChangeSet[T]]{
			Next: func(cs changeset.ChangeSet[T]) {
				if err := expirer.observe(cs); err != nil {
					ser.run(func() { sk.fail(err) })
				}
			},
			Error: func(err error) {
				ser.run(func() { sk.fail(err) })
			},
			Completed: func() {
				ser.run(sk.complete)
			},
		}))
		return sk.subs.dispose
	}), nil
}
