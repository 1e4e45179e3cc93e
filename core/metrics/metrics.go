// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "dynamicdata"

const (
	streamLabel = "stream"
	reasonLabel = "reason"
)

// Collector is a prometheus.Collector that collects metrics about named
// changeset streams.
type Collector struct {
	changeSets    *prometheus.CounterVec
	changes       *prometheus.CounterVec
	expirations   *prometheus.CounterVec
	subscriptions *prometheus.GaugeVec
	errors        *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		changeSets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "changesets_total",
				Help:      "The number of changesets emitted by a stream.",
			}, []string{streamLabel},
		),
		changes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "changes_total",
				Help:      "The number of items changed by a stream, by reason.",
			}, []string{streamLabel, reasonLabel},
		),
		expirations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "expirations_total",
				Help:      "The number of items removed because they expired.",
			}, []string{streamLabel},
		),
		subscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "subscriptions",
				Help:      "The number of live subscriptions to a stream.",
			}, []string{streamLabel},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "errors_total",
				Help:      "The number of subscriptions ended by an error.",
			}, []string{streamLabel},
		),
	}
}

// ChangeSet records one emitted changeset.
func (c *Collector) ChangeSet(stream string) {
	c.changeSets.WithLabelValues(stream).Inc()
}

// Changes records count items changed for reason.
func (c *Collector) Changes(stream, reason string, count int) {
	c.changes.WithLabelValues(stream, reason).Add(float64(count))
}

// Expired records count expired items.
func (c *Collector) Expired(stream string, count int) {
	c.expirations.WithLabelValues(stream).Add(float64(count))
}

// Subscribed records a new subscription.
func (c *Collector) Subscribed(stream string) {
	c.subscriptions.WithLabelValues(stream).Inc()
}

// Unsubscribed records the end of a subscription.
func (c *Collector) Unsubscribed(stream string) {
	c.subscriptions.WithLabelValues(stream).Dec()
}

// Failed records a subscription ended by an error.
func (c *Collector) Failed(stream string) {
	c.errors.WithLabelValues(stream).Inc()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.changeSets.Describe(ch)
	c.changes.Describe(ch)
	c.expirations.Describe(ch)
	c.subscriptions.Describe(ch)
	c.errors.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.changeSets.Collect(ch)
	c.changes.Collect(ch)
	c.expirations.Collect(ch)
	c.subscriptions.Collect(ch)
	c.errors.Collect(ch)
}
