// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operator_test

import (
	"math/rand"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/dynamicdata/core/changeset"
	"github.com/juju/dynamicdata/core/list"
	"github.com/juju/dynamicdata/core/operator"
	"github.com/juju/dynamicdata/core/stream"
	"github.com/juju/dynamicdata/internal/testhelpers"
)

type filterSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&filterSuite{})

func greaterThan(n int) func(int) bool {
	return func(i int) bool { return i > n }
}

func filterInts(items []int, predicate func(int) bool) []int {
	var out []int
	for _, i := range items {
		if predicate(i) {
			out = append(out, i)
		}
	}
	return out
}

func (s *filterSuite) TestNotValid(c *gc.C) {
	source := list.NewSourceList[int]()
	_, err := operator.Filter[int](nil, greaterThan(1))
	c.Check(err, jc.Satisfies, errors.IsNotValid)
	_, err = operator.Filter(source.Connect(), nil)
	c.Check(err, gc.ErrorMatches, "nil predicate not valid")
	_, err = operator.FilterOnState[int, int](source.Connect(), nil, func(int, int) bool { return true })
	c.Check(err, jc.Satisfies, errors.IsNotValid)
	_, err = operator.FilterDynamic[int](source.Connect(), nil)
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *filterSuite) TestScenario(c *gc.C) {
	source := list.NewSourceList[int]()
	filtered, err := operator.Filter(source.Connect(), greaterThan(2))
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(filtered)
	defer results.Dispose()

	c.Assert(source.AddRange([]int{1, 2, 3, 4, 3, 2}), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{3, 4, 3})
	c.Assert(results.Messages(), gc.HasLen, 1)
	c.Check(results.Messages()[0].Adds(), gc.Equals, 3)

	// Removing an item that never matched emits nothing.
	c.Assert(source.RemoveAt(0), jc.ErrorIsNil)
	c.Check(results.Messages(), gc.HasLen, 1)

	c.Assert(source.Remove(3), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{4, 3})

	c.Assert(source.ReplaceAt(0, 5), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{5, 4, 3})

	c.Assert(source.ReplaceAt(1, 1), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{5, 3})

	c.Assert(source.Move(0, 3), jc.ErrorIsNil)
	c.Check(source.Items(), jc.DeepEquals, []int{1, 3, 2, 5})
	c.Check(results.Data(), jc.DeepEquals, []int{3, 5})

	c.Assert(source.Clear(), jc.ErrorIsNil)
	c.Check(results.Data(), gc.HasLen, 0)
	c.Check(results.ApplyErr(), jc.ErrorIsNil)
}

func (s *filterSuite) TestDuplicatesTrackedSeparately(c *gc.C) {
	source := list.NewSourceList[int]()
	filtered, err := operator.Filter(source.Connect(), func(i int) bool { return i%2 == 0 })
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(filtered)
	defer results.Dispose()

	c.Assert(source.AddRange([]int{1, 2, 3, 4, 3, 2}), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{2, 4, 2})

	c.Assert(source.Remove(2), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{4, 2})

	c.Assert(source.Remove(3), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{4, 2})
	c.Check(results.Messages(), gc.HasLen, 2)

	c.Assert(source.Remove(2), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{4})
}

func (s *filterSuite) TestMembershipAfterEveryEdit(c *gc.C) {
	predicate := func(i int) bool { return i%3 != 0 }
	source := list.NewSourceList[int]()
	filtered, err := operator.Filter(source.Connect(), predicate)
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(filtered)
	defer results.Dispose()

	rnd := rand.New(rand.NewSource(42))
	for step := 0; step < 500; step++ {
		count := source.Count()
		switch op := rnd.Intn(10); {
		case op < 3 || count == 0:
			c.Assert(source.Insert(rnd.Intn(count+1), rnd.Intn(20)), jc.ErrorIsNil)
		case op < 5:
			c.Assert(source.RemoveAt(rnd.Intn(count)), jc.ErrorIsNil)
		case op < 7:
			c.Assert(source.ReplaceAt(rnd.Intn(count), rnd.Intn(20)), jc.ErrorIsNil)
		case op < 8:
			c.Assert(source.Move(rnd.Intn(count), rnd.Intn(count)), jc.ErrorIsNil)
		case op < 9:
			c.Assert(source.RefreshAt(rnd.Intn(count)), jc.ErrorIsNil)
		default:
			c.Assert(source.AddRange([]int{rnd.Intn(20), rnd.Intn(20), rnd.Intn(20)}), jc.ErrorIsNil)
		}
		c.Assert(results.ApplyErr(), jc.ErrorIsNil)
		c.Assert(results.Data(), jc.DeepEquals, filterInts(source.Items(), predicate), gc.Commentf("step %d", step))
	}
}

func (s *filterSuite) TestRefreshTranslation(c *gc.C) {
	type item struct{ value int }
	a, b := &item{value: 1}, &item{value: 5}
	source := list.NewSourceList[*item]()
	c.Assert(source.AddRange([]*item{a, b}), jc.ErrorIsNil)

	filtered, err := operator.Filter(source.Connect(), func(i *item) bool { return i.value > 2 })
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(filtered)
	defer results.Dispose()
	c.Check(results.Data(), jc.DeepEquals, []*item{b})

	// Starts matching: an Add.
	a.value = 3
	c.Assert(source.Refresh(a), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []*item{a, b})
	last := results.Messages()[len(results.Messages())-1]
	c.Check(last.At(0).Reason(), gc.Equals, changeset.Add)

	// Still matching: a Refresh.
	c.Assert(source.Refresh(b), jc.ErrorIsNil)
	last = results.Messages()[len(results.Messages())-1]
	c.Check(last.At(0).Reason(), gc.Equals, changeset.Refresh)
	c.Check(last.At(0).Item().CurrentIndex, gc.Equals, 1)

	// Stops matching: a Remove.
	b.value = 0
	c.Assert(source.Refresh(b), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []*item{a})
	last = results.Messages()[len(results.Messages())-1]
	c.Check(last.At(0).Reason(), gc.Equals, changeset.Remove)
}

func (s *filterSuite) TestEmptyChangeSets(c *gc.C) {
	source := list.NewSourceList[int]()
	suppressed, err := operator.Filter(source.Connect(), greaterThan(2))
	c.Assert(err, jc.ErrorIsNil)
	emitted, err := operator.Filter(source.Connect(), greaterThan(2), operator.EmitEmptyChangeSets())
	c.Assert(err, jc.ErrorIsNil)

	quiet := testhelpers.NewAggregator(suppressed)
	defer quiet.Dispose()
	loud := testhelpers.NewAggregator(emitted)
	defer loud.Dispose()

	c.Assert(source.Add(1), jc.ErrorIsNil)
	c.Check(quiet.Messages(), gc.HasLen, 0)
	c.Assert(loud.Messages(), gc.HasLen, 1)
	c.Check(loud.Messages()[0].IsEmpty(), jc.IsTrue)
}

func (s *filterSuite) TestOnStateWaitsForFirstValue(c *gc.C) {
	source := list.NewSourceList[int]()
	threshold := stream.NewSubject[int]()
	filtered, err := operator.FilterOnState(source.Connect(), threshold, func(min, i int) bool { return i > min })
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(filtered)
	defer results.Dispose()

	c.Assert(source.AddRange([]int{1, 2, 3, 4}), jc.ErrorIsNil)
	c.Check(results.Messages(), gc.HasLen, 0)

	threshold.OnNext(2)
	c.Check(results.Data(), jc.DeepEquals, []int{3, 4})

	threshold.OnNext(0)
	c.Check(results.Data(), jc.DeepEquals, []int{1, 2, 3, 4})

	// Only the difference is reported.
	last := results.Messages()[len(results.Messages())-1]
	c.Check(last.Adds(), gc.Equals, 2)
	c.Check(last.Removes(), gc.Equals, 0)
}

func (s *filterSuite) TestClearAndReplacePolicy(c *gc.C) {
	source := list.NewSourceList[int]()
	c.Assert(source.AddRange([]int{1, 2, 3, 4}), jc.ErrorIsNil)
	threshold := stream.NewBehaviorSubject(2)
	filtered, err := operator.FilterOnState(source.Connect(), threshold,
		func(min, i int) bool { return i > min },
		operator.WithPolicy(operator.ClearAndReplace),
	)
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(filtered)
	defer results.Dispose()
	c.Check(results.Data(), jc.DeepEquals, []int{3, 4})

	threshold.OnNext(1)
	c.Check(results.Data(), jc.DeepEquals, []int{2, 3, 4})
	last := results.Messages()[len(results.Messages())-1]
	c.Assert(last.Len(), gc.Equals, 2)
	c.Check(last.At(0).Reason(), gc.Equals, changeset.Clear)
	c.Check(last.At(1).Reason(), gc.Equals, changeset.AddRange)
}

func (s *filterSuite) TestOnStateCompletion(c *gc.C) {
	source := list.NewSourceList[int]()
	state := stream.NewSubject[int]()
	filtered, err := operator.FilterOnState(source.Connect(), state, func(min, i int) bool { return i > min })
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(filtered)
	defer results.Dispose()

	state.OnNext(0)
	source.Complete()
	c.Check(results.Completed(), jc.IsFalse)
	state.OnCompleted()
	c.Check(results.Completed(), jc.IsTrue)
}

func (s *filterSuite) TestOnStateCompletesWithoutValue(c *gc.C) {
	source := list.NewSourceList[int]()
	state := stream.NewSubject[int]()
	filtered, err := operator.FilterOnState(source.Connect(), state, func(min, i int) bool { return i > min })
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(filtered)
	defer results.Dispose()

	state.OnCompleted()
	c.Check(results.Completed(), jc.IsTrue)
	c.Check(results.Messages(), gc.HasLen, 0)
}

func (s *filterSuite) TestDynamic(c *gc.C) {
	source := list.NewSourceList[int]()
	c.Assert(source.AddRange([]int{1, 2, 3, 4, 5, 6}), jc.ErrorIsNil)
	predicates := stream.NewSubject[func(int) bool]()
	filtered, err := operator.FilterDynamic(source.Connect(), predicates)
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(filtered)
	defer results.Dispose()

	predicates.OnNext(func(i int) bool { return i%2 == 0 })
	c.Check(results.Data(), jc.DeepEquals, []int{2, 4, 6})
	predicates.OnNext(greaterThan(4))
	c.Check(results.Data(), jc.DeepEquals, []int{5, 6})

	predicates.OnNext(nil)
	c.Check(results.Err(), jc.Satisfies, errors.IsNotValid)
}

func (s *filterSuite) TestUpstreamError(c *gc.C) {
	source := list.NewSourceList[int]()
	filtered, err := operator.Filter(source.Connect(), greaterThan(0))
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(filtered)
	defer results.Dispose()

	source.Fail(errors.New("boom"))
	c.Check(results.Err(), gc.ErrorMatches, "boom")
	c.Check(results.Completed(), jc.IsFalse)
}

func (s *filterSuite) TestInconsistentUpstream(c *gc.C) {
	bad := stream.Of(changeset.New(changeset.Removed(1, 3)))
	filtered, err := operator.Filter(bad, greaterThan(0))
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(filtered)
	defer results.Dispose()

	c.Check(results.Err(), jc.ErrorIs, list.ErrIndexOutOfRange)
}
