// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package operator provides the stages of a changeset pipeline. Every stage
// consumes a stream of changesets and produces a derived stream whose
// changesets, replayed in order, describe the derived list exactly.
//
// All operators validate their arguments when called and return a NotValid
// error instead of a stream when a required argument is missing. The state
// an operator keeps is created for each subscription, so subscribing twice
// to the same operator yields two independent pipelines. Notifications
// arriving on several goroutines, or re-entrantly from a downstream
// subscriber, are queued and delivered downstream one at a time in arrival
// order.
package operator
