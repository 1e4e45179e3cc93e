// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

/*
Package core holds the pure logic of dynamicdata: lists that describe their
own changes, and the operators that keep derived lists in step with them.

The layering is strict, from the bottom up:

  - changeset describes a batch of list changes and how to replay it.
  - stream is the push primitive; it knows nothing about lists.
  - list records changes as they are made and publishes them.
  - operator derives new changeset streams from existing ones.
  - metrics counts what flows through instrumented streams.

...and when adding to core:

  - a package may import those below it, never those above.
  - nothing here starts goroutines of its own except through a worker in
    internal/ (the expiry scheduler) or a tomb (stream.FromChannel).
  - no mutable package state beyond loggers.

Operators are lazy. Nothing is subscribed upstream until a subscriber
arrives, and each subscription builds its own state, so two subscribers to
the same operator never share a list.
*/
package core
