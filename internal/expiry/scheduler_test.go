// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package expiry_test

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"

	"github.com/juju/dynamicdata/internal/expiry"
	"github.com/juju/dynamicdata/internal/testhelpers"
)

type schedulerSuite struct {
	testing.IsolationSuite

	clock   *testclock.Clock
	expired chan []string
}

var _ = gc.Suite(&schedulerSuite{})

func (s *schedulerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Now())
	s.expired = make(chan []string, 10)
}

func (s *schedulerSuite) config() expiry.Config[string] {
	return expiry.Config[string]{
		Clock:  s.clock,
		Logger: loggo.GetLogger("test"),
		Expire: func(_ time.Time, keys []string) {
			s.expired <- keys
		},
	}
}

func (s *schedulerSuite) newScheduler(c *gc.C, config expiry.Config[string]) *expiry.Scheduler[string] {
	sched, err := expiry.NewScheduler(config)
	c.Assert(err, jc.ErrorIsNil)
	return sched
}

func (s *schedulerSuite) assertExpired(c *gc.C, expected ...string) {
	select {
	case keys := <-s.expired:
		c.Assert(keys, jc.DeepEquals, expected)
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timed out waiting for %v to expire", expected)
	}
}

func (s *schedulerSuite) assertNothingExpired(c *gc.C) {
	select {
	case keys := <-s.expired:
		c.Fatalf("unexpected expiry of %v", keys)
	case <-time.After(testhelpers.ShortWait):
	}
}

func (s *schedulerSuite) TestValidate(c *gc.C) {
	tests := []struct {
		about  string
		modify func(*expiry.Config[string])
		err    string
	}{{
		about:  "nil clock",
		modify: func(cfg *expiry.Config[string]) { cfg.Clock = nil },
		err:    "nil Clock not valid",
	}, {
		about:  "nil logger",
		modify: func(cfg *expiry.Config[string]) { cfg.Logger = nil },
		err:    "nil Logger not valid",
	}, {
		about:  "nil expire",
		modify: func(cfg *expiry.Config[string]) { cfg.Expire = nil },
		err:    "nil Expire not valid",
	}, {
		about:  "negative polling interval",
		modify: func(cfg *expiry.Config[string]) { cfg.PollingInterval = -time.Second },
		err:    "negative PollingInterval not valid",
	}, {
		about:  "negative tolerance",
		modify: func(cfg *expiry.Config[string]) { cfg.Tolerance = -time.Second },
		err:    "negative Tolerance not valid",
	}}
	for i, test := range tests {
		c.Logf("test %d: %s", i, test.about)
		cfg := s.config()
		test.modify(&cfg)
		err := cfg.Validate()
		c.Check(err, jc.Satisfies, errors.IsNotValid)
		c.Check(err, gc.ErrorMatches, test.err)

		_, err = expiry.NewScheduler(cfg)
		c.Check(err, jc.Satisfies, errors.IsNotValid)
	}
}

func (s *schedulerSuite) TestExpireBatchesDueKeys(c *gc.C) {
	sched := s.newScheduler(c, s.config())
	defer workertest.CleanKill(c, sched)

	due := s.clock.Now().Add(10 * time.Millisecond)
	sched.Schedule("a", due)
	sched.Schedule("b", due)
	sched.Schedule("c", due)
	c.Check(sched.Cancel("b"), jc.IsTrue)
	c.Check(sched.Cancel("b"), jc.IsFalse)
	c.Check(sched.Pending(), gc.Equals, 2)

	err := s.clock.WaitAdvance(10*time.Millisecond, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.assertExpired(c, "a", "c")
	s.assertNothingExpired(c)
	c.Check(sched.Pending(), gc.Equals, 0)
}

func (s *schedulerSuite) TestNotDueBeforeTime(c *gc.C) {
	sched := s.newScheduler(c, s.config())
	defer workertest.CleanKill(c, sched)

	sched.Schedule("a", s.clock.Now().Add(time.Second))
	sched.Schedule("b", s.clock.Now().Add(2*time.Second))

	err := s.clock.WaitAdvance(time.Second-10*time.Millisecond, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.assertNothingExpired(c)

	err = s.clock.WaitAdvance(10*time.Millisecond, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.assertExpired(c, "a")

	err = s.clock.WaitAdvance(time.Second, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.assertExpired(c, "b")
}

func (s *schedulerSuite) TestNeighbourWithinToleranceWaitsForItsTime(c *gc.C) {
	sched := s.newScheduler(c, s.config())
	defer workertest.CleanKill(c, sched)

	now := s.clock.Now()
	sched.Schedule("a", now.Add(10*time.Millisecond))
	sched.Schedule("b", now.Add(10*time.Millisecond+900*time.Microsecond))

	err := s.clock.WaitAdvance(10*time.Millisecond, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.assertExpired(c, "a")
	s.assertNothingExpired(c)
	c.Check(sched.Pending(), gc.Equals, 1)

	err = s.clock.WaitAdvance(900*time.Microsecond, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.assertExpired(c, "b")
}

func (s *schedulerSuite) TestReschedule(c *gc.C) {
	sched := s.newScheduler(c, s.config())
	defer workertest.CleanKill(c, sched)

	start := s.clock.Now()
	sched.Schedule("a", start.Add(10*time.Millisecond))
	sched.Schedule("a", start.Add(30*time.Millisecond))
	due, ok := sched.Due("a")
	c.Check(ok, jc.IsTrue)
	c.Check(due, gc.Equals, start.Add(30*time.Millisecond))

	err := s.clock.WaitAdvance(10*time.Millisecond, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.assertNothingExpired(c)

	err = s.clock.WaitAdvance(20*time.Millisecond, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.assertExpired(c, "a")
}

func (s *schedulerSuite) TestZeroDueTimeCancels(c *gc.C) {
	sched := s.newScheduler(c, s.config())
	defer workertest.CleanKill(c, sched)

	sched.Schedule("a", s.clock.Now().Add(time.Millisecond))
	sched.Schedule("a", time.Time{})
	c.Check(sched.Pending(), gc.Equals, 0)

	s.clock.Advance(time.Second)
	s.assertNothingExpired(c)
}

func (s *schedulerSuite) TestPastDueExpiresImmediately(c *gc.C) {
	sched := s.newScheduler(c, s.config())
	defer workertest.CleanKill(c, sched)

	sched.Schedule("late", s.clock.Now().Add(-time.Hour))
	s.assertExpired(c, "late")
}

func (s *schedulerSuite) TestOrderedByDueTime(c *gc.C) {
	sched := s.newScheduler(c, s.config())
	defer workertest.CleanKill(c, sched)

	now := s.clock.Now()
	sched.Schedule("third", now.Add(-time.Second))
	sched.Schedule("first", now.Add(-3*time.Second))
	sched.Schedule("second", now.Add(-2*time.Second))

	var got []string
	for len(got) < 3 {
		select {
		case keys := <-s.expired:
			got = append(got, keys...)
		case <-time.After(testhelpers.LongWait):
			c.Fatalf("timed out, got %v", got)
		}
	}
	// Keys may be split across batches as they are scheduled, but every
	// batch is in due order.
	c.Check(got, jc.SameContents, []string{"first", "second", "third"})
}

func (s *schedulerSuite) TestPollingBatchesByTick(c *gc.C) {
	cfg := s.config()
	cfg.PollingInterval = 50 * time.Millisecond
	sched := s.newScheduler(c, cfg)
	defer workertest.CleanKill(c, sched)

	now := s.clock.Now()
	sched.Schedule("a", now.Add(10*time.Millisecond))
	sched.Schedule("b", now.Add(60*time.Millisecond))
	sched.Schedule("c", now.Add(70*time.Millisecond))

	// Nothing fires at the first due time, only at the tick.
	err := s.clock.WaitAdvance(10*time.Millisecond, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.assertNothingExpired(c)

	err = s.clock.WaitAdvance(40*time.Millisecond, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.assertExpired(c, "a")

	err = s.clock.WaitAdvance(50*time.Millisecond, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.assertExpired(c, "b", "c")
}

func (s *schedulerSuite) TestPollingExpiresOnlyPastDueKeys(c *gc.C) {
	cfg := s.config()
	cfg.PollingInterval = 10 * time.Millisecond
	sched := s.newScheduler(c, cfg)
	defer workertest.CleanKill(c, sched)

	sched.Schedule("a", s.clock.Now().Add(10*time.Millisecond+500*time.Microsecond))

	err := s.clock.WaitAdvance(10*time.Millisecond, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.assertNothingExpired(c)
	c.Check(sched.Pending(), gc.Equals, 1)

	err = s.clock.WaitAdvance(10*time.Millisecond, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.assertExpired(c, "a")
}

func (s *schedulerSuite) TestPollingIdleWithoutKeys(c *gc.C) {
	cfg := s.config()
	cfg.PollingInterval = 50 * time.Millisecond
	sched := s.newScheduler(c, cfg)
	defer workertest.CleanKill(c, sched)

	sched.Schedule("a", s.clock.Now().Add(10*time.Millisecond))
	err := s.clock.WaitAdvance(50*time.Millisecond, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.assertExpired(c, "a")

	// No empty batches are reported on later ticks.
	s.clock.Advance(time.Second)
	s.assertNothingExpired(c)
}

func (s *schedulerSuite) TestExpireCanReschedule(c *gc.C) {
	cfg := s.config()
	var sched *expiry.Scheduler[string]
	cfg.Expire = func(now time.Time, keys []string) {
		for _, key := range keys {
			if key == "again" {
				sched.Schedule("once-more", now.Add(time.Second))
			}
		}
		s.expired <- keys
	}
	sched = s.newScheduler(c, cfg)
	defer workertest.CleanKill(c, sched)

	sched.Schedule("again", s.clock.Now().Add(time.Second))
	err := s.clock.WaitAdvance(time.Second, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.assertExpired(c, "again")

	err = s.clock.WaitAdvance(time.Second, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.assertExpired(c, "once-more")
}

func (s *schedulerSuite) TestKill(c *gc.C) {
	sched := s.newScheduler(c, s.config())
	workertest.CheckAlive(c, sched)
	sched.Schedule("a", s.clock.Now().Add(time.Second))
	workertest.CleanKill(c, sched)

	s.clock.Advance(time.Hour)
	s.assertNothingExpired(c)
}

// earlyClock hands out a mock timer so a test can fire it before the
// clock reaches the due time.
type earlyClock struct {
	*testclock.Clock
	timer     clock.Timer
	durations chan time.Duration
}

func (e *earlyClock) NewTimer(d time.Duration) clock.Timer {
	e.durations <- d
	return e.timer
}

type earlyFireSuite struct {
	testing.IsolationSuite

	timer *MockTimer
	fire  chan time.Time
	clock *earlyClock
}

var _ = gc.Suite(&earlyFireSuite{})

func (s *earlyFireSuite) setupMocks(c *gc.C) *gomock.Controller {
	ctrl := gomock.NewController(c)
	s.timer = NewMockTimer(ctrl)
	s.fire = make(chan time.Time, 1)

	var ch <-chan time.Time = s.fire
	s.timer.EXPECT().Chan().Return(ch).AnyTimes()
	s.timer.EXPECT().Stop().Return(false).AnyTimes()

	s.clock = &earlyClock{
		Clock:     testclock.NewClock(time.Now()),
		timer:     s.timer,
		durations: make(chan time.Duration, 1),
	}
	return ctrl
}

func (s *earlyFireSuite) waitTimer(c *gc.C) time.Duration {
	select {
	case d := <-s.clock.durations:
		return d
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timer not created")
	}
	return 0
}

func (s *earlyFireSuite) TestEarlyTimerWithinTolerance(c *gc.C) {
	defer s.setupMocks(c).Finish()

	expired := make(chan []string, 1)
	sched, err := expiry.NewScheduler(expiry.Config[string]{
		Clock:  s.clock,
		Logger: loggo.GetLogger("test"),
		Expire: func(_ time.Time, keys []string) { expired <- keys },
	})
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, sched)

	sched.Schedule("a", s.clock.Now().Add(500*time.Microsecond))
	c.Check(s.waitTimer(c), gc.Equals, 500*time.Microsecond)

	// The timer fires while the clock still reads half a millisecond
	// before the due time.
	s.fire <- s.clock.Now()
	select {
	case keys := <-expired:
		c.Check(keys, jc.DeepEquals, []string{"a"})
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("early timer skipped the due key")
	}
}

func (s *earlyFireSuite) TestEarlyTimerOutsideToleranceRearms(c *gc.C) {
	defer s.setupMocks(c).Finish()

	reset := make(chan time.Duration, 1)
	s.timer.EXPECT().Reset(gomock.Any()).DoAndReturn(func(d time.Duration) bool {
		reset <- d
		return true
	})

	expired := make(chan []string, 1)
	sched, err := expiry.NewScheduler(expiry.Config[string]{
		Clock:     s.clock,
		Logger:    loggo.GetLogger("test"),
		Tolerance: 100 * time.Microsecond,
		Expire:    func(_ time.Time, keys []string) { expired <- keys },
	})
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, sched)

	sched.Schedule("a", s.clock.Now().Add(500*time.Microsecond))
	c.Check(s.waitTimer(c), gc.Equals, 500*time.Microsecond)

	s.fire <- s.clock.Now()
	select {
	case d := <-reset:
		c.Check(d, gc.Equals, 500*time.Microsecond)
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timer not rearmed after firing early")
	}
	select {
	case keys := <-expired:
		c.Fatalf("unexpected expiry of %v", keys)
	default:
	}
	c.Check(sched.Pending(), gc.Equals, 1)
}
