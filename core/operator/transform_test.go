// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operator_test

import (
	"fmt"
	"strconv"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/dynamicdata/core/changeset"
	"github.com/juju/dynamicdata/core/list"
	"github.com/juju/dynamicdata/core/operator"
	"github.com/juju/dynamicdata/internal/testhelpers"
)

type transformSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&transformSuite{})

func (s *transformSuite) TestNotValid(c *gc.C) {
	source := list.NewSourceList[int]()
	_, err := operator.Transform[int, string](source.Connect(), nil)
	c.Check(err, gc.ErrorMatches, "nil transform not valid")
	_, err = operator.TransformWithError[int, string](nil, func(int) (string, error) { return "", nil })
	c.Check(err, gc.ErrorMatches, "nil source not valid")
	_, err = operator.TransformMany[int, int](source.Connect(), nil)
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *transformSuite) TestFollowsSource(c *gc.C) {
	source := list.NewSourceList[int]()
	projected, err := operator.Transform(source.Connect(), strconv.Itoa)
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(projected)
	defer results.Dispose()

	c.Assert(source.AddRange([]int{1, 2, 3}), jc.ErrorIsNil)
	c.Assert(source.Insert(0, 0), jc.ErrorIsNil)
	c.Assert(source.ReplaceAt(2, 20), jc.ErrorIsNil)
	c.Assert(source.Move(3, 0), jc.ErrorIsNil)
	c.Assert(source.RemoveAt(1), jc.ErrorIsNil)
	c.Check(source.Items(), jc.DeepEquals, []int{3, 1, 20})
	c.Check(results.Data(), jc.DeepEquals, []string{"3", "1", "20"})
	c.Check(results.ApplyErr(), jc.ErrorIsNil)

	c.Assert(source.Clear(), jc.ErrorIsNil)
	c.Check(results.Data(), gc.HasLen, 0)
}

func (s *transformSuite) TestSubscriptionsAreIndependent(c *gc.C) {
	source := list.NewSourceList[int]()
	c.Assert(source.AddRange([]int{1, 2}), jc.ErrorIsNil)
	calls := 0
	projected, err := operator.Transform(source.Connect(), func(i int) string {
		calls++
		return fmt.Sprintf("item-%d", i)
	})
	c.Assert(err, jc.ErrorIsNil)

	first := testhelpers.NewAggregator(projected)
	defer first.Dispose()
	second := testhelpers.NewAggregator(projected)
	defer second.Dispose()
	c.Check(calls, gc.Equals, 4)

	first.Dispose()
	c.Assert(source.Add(3), jc.ErrorIsNil)
	c.Check(calls, gc.Equals, 5)
	c.Check(first.Data(), jc.DeepEquals, []string{"item-1", "item-2"})
	c.Check(second.Data(), jc.DeepEquals, []string{"item-1", "item-2", "item-3"})
}

func (s *transformSuite) TestRemovalsReuseProjection(c *gc.C) {
	source := list.NewSourceList[int]()
	calls := 0
	projected, err := operator.Transform(source.Connect(), func(i int) int {
		calls++
		return i * 10
	})
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(projected)
	defer results.Dispose()

	c.Assert(source.AddRange([]int{1, 2, 3}), jc.ErrorIsNil)
	c.Assert(source.Move(0, 2), jc.ErrorIsNil)
	c.Assert(source.RemoveAt(0), jc.ErrorIsNil)
	c.Check(calls, gc.Equals, 3)
	c.Check(results.Data(), jc.DeepEquals, []int{30, 10})
}

func (s *transformSuite) TestErrorEndsStream(c *gc.C) {
	source := list.NewSourceList[int]()
	projected, err := operator.TransformWithError(source.Connect(), func(i int) (string, error) {
		if i < 0 {
			return "", errors.NotValidf("negative %d", i)
		}
		return strconv.Itoa(i), nil
	})
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(projected)
	defer results.Dispose()

	c.Assert(source.AddRange([]int{1, 2}), jc.ErrorIsNil)
	c.Assert(source.Add(-1), jc.ErrorIsNil)
	c.Check(results.Err(), gc.ErrorMatches, "negative -1 not valid")
	c.Check(results.Data(), jc.DeepEquals, []string{"1", "2"})

	// Nothing more arrives once the stream has failed.
	c.Assert(source.Add(3), jc.ErrorIsNil)
	c.Check(results.Messages(), gc.HasLen, 1)
}

type counter struct {
	name  string
	count int
}

func (s *transformSuite) TestRefreshForwardedByDefault(c *gc.C) {
	item := &counter{name: "a"}
	source := list.NewSourceList[*counter]()
	c.Assert(source.Add(item), jc.ErrorIsNil)
	projected, err := operator.Transform(source.Connect(), func(ctr *counter) string {
		return fmt.Sprintf("%s=%d", ctr.name, ctr.count)
	})
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(projected)
	defer results.Dispose()

	item.count = 5
	c.Assert(source.Refresh(item), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []string{"a=0"})
	last := results.Messages()[len(results.Messages())-1]
	c.Check(last.At(0).Reason(), gc.Equals, changeset.Refresh)
}

func (s *transformSuite) TestTransformOnRefresh(c *gc.C) {
	item := &counter{name: "a"}
	source := list.NewSourceList[*counter]()
	c.Assert(source.Add(item), jc.ErrorIsNil)
	projected, err := operator.Transform(source.Connect(), func(ctr *counter) string {
		return fmt.Sprintf("%s=%d", ctr.name, ctr.count)
	}, operator.TransformOnRefresh())
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(projected)
	defer results.Dispose()

	item.count = 5
	c.Assert(source.Refresh(item), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []string{"a=5"})
	last := results.Messages()[len(results.Messages())-1]
	c.Check(last.At(0).Reason(), gc.Equals, changeset.Replace)
	c.Check(last.At(0).Item().Previous, gc.Equals, "a=0")
}

type transformManySuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&transformManySuite{})

func repeat(i int) []int {
	out := make([]int, i)
	for j := range out {
		out[j] = i
	}
	return out
}

func (s *transformManySuite) TestFlattens(c *gc.C) {
	source := list.NewSourceList[int]()
	flat, err := operator.TransformMany(source.Connect(), repeat)
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(flat)
	defer results.Dispose()

	c.Assert(source.AddRange([]int{1, 2, 3}), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{1, 2, 2, 3, 3, 3})

	c.Assert(source.Move(2, 0), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{3, 3, 3, 1, 2, 2})

	c.Assert(source.ReplaceAt(1, 2), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{3, 3, 3, 2, 2, 2, 2})

	c.Assert(source.ReplaceAt(0, 0), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{2, 2, 2, 2})

	c.Assert(source.RemoveAt(1), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []int{2, 2})
	c.Check(results.ApplyErr(), jc.ErrorIsNil)
}

func (s *transformManySuite) TestRecursiveSelect(c *gc.C) {
	tree := map[string][]string{
		"root": {"a", "b"},
		"a":    {"a1", "a2"},
		"b":    {"b1"},
		"a2":   {"root"},
	}
	children := func(n string) []string { return tree[n] }
	c.Check(operator.RecursiveSelect([]string{"root"}, children), jc.DeepEquals,
		[]string{"root", "a", "a1", "a2", "b", "b1"})
	c.Check(operator.RecursiveSelect([]string{"b", "a"}, children), jc.DeepEquals,
		[]string{"b", "b1", "a", "a1", "a2", "root"})
	c.Check(operator.RecursiveSelect(nil, children), gc.HasLen, 0)
}

func (s *transformManySuite) TestRecursiveSelectDeepChain(c *gc.C) {
	const depth = 100000
	children := func(n int) []int {
		if n == depth {
			return nil
		}
		return []int{n + 1}
	}
	nodes := operator.RecursiveSelect([]int{0}, children)
	c.Check(nodes, gc.HasLen, depth+1)
	c.Check(nodes[depth], gc.Equals, depth)
}

func (s *transformManySuite) TestTransformManyRecursive(c *gc.C) {
	tree := map[string][]string{
		"x": {"y"},
		"y": {"z", "x"},
	}
	source := list.NewSourceList[string]()
	flat, err := operator.TransformManyRecursive(source.Connect(), func(n string) []string { return tree[n] })
	c.Assert(err, jc.ErrorIsNil)
	results := testhelpers.NewAggregator(flat)
	defer results.Dispose()

	c.Assert(source.AddRange([]string{"y", "q"}), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []string{"y", "z", "x", "q"})
	c.Assert(source.RemoveAt(0), jc.ErrorIsNil)
	c.Check(results.Data(), jc.DeepEquals, []string{"q"})
}
