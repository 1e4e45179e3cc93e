// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operator

import (
	"github.com/juju/errors"

	"github.com/juju/dynamicdata/core/changeset"
	"github.com/juju/dynamicdata/core/metrics"
	"github.com/juju/dynamicdata/core/stream"
)

// Instrument passes src through unchanged, recording its changesets,
// changes and subscriptions in collector under name.
func Instrument[T any](
	src stream.Observable[changeset.ChangeSet[T]],
	name string,
	collector *metrics.Collector,
) (stream.Observable[changeset.ChangeSet[T]], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if name == "" {
		return nil, errors.NotValidf("empty name")
	}
	if collector == nil {
		return nil, errors.NotValidf("nil collector")
	}
	return stream.Create(func(o stream.Observer[changeset.ChangeSet[T]]) func() {
		collector.Subscribed(name)
		logger.Tracef("subscribed to %q", name)
		sk := newSink(o)
		var ser serializer
		sk.subs.add(func() {
			collector.Unsubscribed(name)
			logger.Tracef("unsubscribed from %q", name)
		})
		sk.subs.add(src.Subscribe(stream.ObserverFuncs[changeset.ChangeSet[T]]{
			Next: func(cs changeset.ChangeSet[T]) {
				ser.run(func() {
					if sk.done {
						return
					}
					collector.ChangeSet(name)
					cs.Each(func(ch changeset.Change[T]) {
						collector.Changes(name, ch.Reason().String(), ch.Count())
					})
					sk.next(cs)
				})
			},
			Error: func(err error) {
				ser.run(func() {
					if !sk.done {
						collector.Failed(name)
					}
					sk.fail(err)
				})
			},
			Completed: func() {
				ser.run(sk.complete)
			},
		}))
		return sk.subs.dispose
	}), nil
}
