// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stream

import (
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"
)

var logger = loggo.GetLogger("dynamicdata.stream")

// FromHub returns an Observable of the values published on topic. Values
// of a type other than T fail the stream with a NotValid error.
//
// The hub calls each subscriber on its own goroutine, in publish order, so
// the observable may be consumed without further synchronization.
func FromHub[T any](hub *pubsub.SimpleHub, topic string) Observable[T] {
	return Create(func(o Observer[T]) func() {
		// The hub may still be calling the handler while the
		// subscription is being torn down.
		var closed atomic.Bool
		unsub := hub.Subscribe(topic, func(topic string, data interface{}) {
			if closed.Load() {
				return
			}
			v, ok := data.(T)
			if !ok {
				closed.Store(true)
				o.OnError(errors.NotValidf("%T published on %q", data, topic))
				return
			}
			o.OnNext(v)
		})
		return func() {
			closed.Store(true)
			unsub()
		}
	})
}

// PublishTo returns an Observer that publishes every value it receives on
// topic. Terminal events are logged and not published.
func PublishTo[T any](hub *pubsub.SimpleHub, topic string) Observer[T] {
	return ObserverFuncs[T]{
		Next: func(v T) {
			_ = hub.Publish(topic, v)
		},
		Error: func(err error) {
			logger.Debugf("stream published on %q failed: %v", topic, err)
		},
		Completed: func() {
			logger.Tracef("stream published on %q completed", topic)
		},
	}
}
