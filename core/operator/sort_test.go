// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operator_test

import (
	"cmp"
	"math/rand"
	"slices"

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

type sortSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&sortSuite{})

func reasons[T any](cs changeset.ChangeSet[T]) []changeset.Reason {
	out := make([]changeset.Reason, cs.Len())
	for i := range out {
		out[i] = cs.At(i).Reason()
	}
	return out
}

func lastMessage[T any](c *gc.C, results *testhelpers.Aggregator[T]) changeset.ChangeSet[T] {
	messages := results.Messages()
	c.Assert(messages, gc.Not(gc.HasLen), 0)
	return messages[len(messages)-1]
}

func (s *sortSuite) TestNotValid(c *gc.C) {
	_, err := operator.Sort[int](nil, cmp.Compare[int])
	c.Check(err, jc.Satisfies, errors.IsNotValid)
	_, err = operator.Sort(list.NewSourceList[int]().Connect(), nil)
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *sortSuite) TestInitialLoadIsOneAddRange(c *gc.C) {
	source := list.NewSourceList[int]()
	c.Assert(source.AddRange([]int{5, 1, 4}), jc.ErrorIsNil)
	sorted, err := operator.Sort(source.Connect(), cmp.Compare[int])
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(sorted)
	defer results.Dispose()

	c.Check(results.Data(), jc.DeepEquals, []int{1, 4, 5})
	c.Assert(results.Messages(), gc.HasLen, 1)
	c.Check(reasons(results.Messages()[0]), jc.DeepEquals, []changeset.Reason{changeset.AddRange})

	c.Assert(source.Add(3), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{1, 3, 4, 5})
	c.Check(lastMessage(c, results).At(0).Item().CurrentIndex, gc.Equals, 1)
}

func (s *sortSuite) TestEqualItemsKeepArrivalOrder(c *gc.C) {
	byTens := func(a, b int) int { return cmp.Compare(a/10, b/10) }
	source := list.NewSourceList[int]()
	sorted, err := operator.Sort(source.Connect(), byTens)
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(sorted)
	defer results.Dispose()

	for _, i := range []int{13, 2, 11, 25, 12} {
		c.Assert(source.Add(i), jc.ErrorIsNil)
	}
	c.Check(results.Data(), jc.DeepEquals, []int{2, 13, 11, 12, 25})
}

func (s *sortSuite) TestReplaceMovesWhenOutOfPlace(c *gc.C) {
	source := list.NewSourceList[int]()
	c.Assert(source.AddRange([]int{5, 1, 4}), jc.ErrorIsNil)
	sorted, err := operator.Sort(source.Connect(), cmp.Compare[int])
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(sorted)
	defer results.Dispose()

	c.Assert(source.ReplaceAt(0, 0), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{0, 1, 4})
	c.Check(reasons(lastMessage(c, results)), jc.DeepEquals, []changeset.Reason{changeset.Replace, changeset.Move})

	c.Assert(source.ReplaceAt(2, 3), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{0, 1, 3})
	c.Check(reasons(lastMessage(c, results)), jc.DeepEquals, []changeset.Reason{changeset.Replace})
}

func (s *sortSuite) TestRefreshBecomesMove(c *gc.C) {
	a, b, d := &counter{name: "a", count: 1}, &counter{name: "b", count: 2}, &counter{name: "d", count: 3}
	source := list.NewSourceList[*counter]()
	c.Assert(source.AddRange([]*counter{a, b, d}), jc.ErrorIsNil)
	sorted, err := operator.Sort(source.Connect(), func(x, y *counter) int { return cmp.Compare(x.count, y.count) })
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(sorted)
	defer results.Dispose()

	a.count = 10
	c.Assert(source.Refresh(a), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []*counter{b, d, a})
	move := lastMessage(c, results).At(0)
	c.Check(move.Reason(), gc.Equals, changeset.Move)
	c.Check(move.Item().PreviousIndex, gc.Equals, 0)
	c.Check(move.Item().CurrentIndex, gc.Equals, 2)

	c.Assert(source.Refresh(b), jc.ErrorIsNil)
	c.Check(lastMessage(c, results).At(0).Reason(), gc.Equals, changeset.Refresh)
}

func (s *sortSuite) TestUpstreamMoveIgnored(c *gc.C) {
	source := list.NewSourceList[int]()
	c.Assert(source.AddRange([]int{3, 1, 2}), jc.ErrorIsNil)
	sorted, err := operator.Sort(source.Connect(), cmp.Compare[int])
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(sorted)
	defer results.Dispose()

	c.Assert(source.Move(0, 2), jc.ErrorIsNil)
	c.Check(results.Messages(), gc.HasLen, 1)

	// The mirror followed the move: removing upstream index 2 removes 3.
	c.Assert(source.RemoveAt(2), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{1, 2})
}

func (s *sortSuite) TestStaysSorted(c *gc.C) {
	source := list.NewSourceList[int]()
	sorted, err := operator.Sort(source.Connect(), cmp.Compare[int])
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(sorted)
	defer results.Dispose()

	rnd := rand.New(rand.NewSource(7))
	for step := 0; step < 300; step++ {
		count := source.Count()
		switch op := rnd.Intn(4); {
		case op == 0 || count == 0:
			c.Assert(source.Insert(rnd.Intn(count+1), rnd.Intn(50)), jc.ErrorIsNil)
		case op == 1:
			c.Assert(source.RemoveAt(rnd.Intn(count)), jc.ErrorIsNil)
		case op == 2:
			c.Assert(source.ReplaceAt(rnd.Intn(count), rnd.Intn(50)), jc.ErrorIsNil)
		default:
			c.Assert(source.Move(rnd.Intn(count), rnd.Intn(count)), jc.ErrorIsNil)
		}
		expected := source.Items()
		slices.Sort(expected)
		c.Assert(results.ApplyErr(), jc.ErrorIsNil)
		c.Assert(results.Data(), jc.DeepEquals, expected, gc.Commentf("step %d", step))
	}
}

func (s *sortSuite) TestDynamicComparer(c *gc.C) {
	source := list.NewSourceList[int]()
	c.Assert(source.AddRange([]int{2, 3, 1}), jc.ErrorIsNil)
	comparers := stream.NewSubject[func(a, b int) int]()
	sorted, err := operator.SortDynamic(source.Connect(), comparers)
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(sorted)
	defer results.Dispose()
	c.Check(results.Messages(), gc.HasLen, 0)

	comparers.OnNext(cmp.Compare[int])
	c.Check(results.Data(), jc.DeepEquals, []int{1, 2, 3})

	comparers.OnNext(func(a, b int) int { return cmp.Compare(b, a) })
	c.Check(results.Data(), jc.DeepEquals, []int{3, 2, 1})
	c.Check(reasons(lastMessage(c, results)), jc.DeepEquals, []changeset.Reason{changeset.Clear, changeset.AddRange})

	c.Assert(source.Add(5), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{5, 3, 2, 1})
}

func (s *sortSuite) TestDynamicComparerOnEmptyList(c *gc.C) {
	source := list.NewSourceList[int]()
	comparers := stream.NewSubject[func(a, b int) int]()
	sorted, err := operator.SortDynamic(source.Connect(), comparers)
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(sorted)
	defer results.Dispose()

	comparers.OnNext(cmp.Compare[int])
	comparers.OnNext(func(a, b int) int { return cmp.Compare(b, a) })
	c.Check(results.Messages(), gc.HasLen, 0)

	c.Assert(source.AddRange([]int{1, 3, 2}), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{3, 2, 1})
	c.Check(results.Messages(), gc.HasLen, 1)
}
