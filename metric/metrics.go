// Copyright 2025-2026 The streamgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all proxy instrumentation. All methods are nil receiver safe
// so components can run without instrumentation in unit tests.
type Metrics struct {
	registry *prometheus.Registry

	// Frame transport
	FramesRead      prometheus.Counter
	FramesWritten   prometheus.Counter
	MalformedFrames prometheus.Counter

	// Payload store
	PayloadsStored    prometheus.Counter
	PayloadsRetrieved prometheus.Counter
	PayloadsExpired   prometheus.Counter

	// Subscriptions and event delivery, labeled by owning protocol
	SubscriptionsStarted *prometheus.CounterVec
	SubscriptionsEnded   *prometheus.CounterVec
	EventsDelivered      *prometheus.CounterVec

	// Schema cache
	SchemaCacheHits   prometheus.Counter
	SchemaCacheMisses prometheus.Counter
	DecodeFailures    prometheus.Counter
}

// GetMetricsInstance define a new Metrics set backed by its own registry
func GetMetricsInstance() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FramesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamgate", Subsystem: "transport", Name: "frames_read_total",
			Help: "Total frames read from the local channel",
		}),
		FramesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamgate", Subsystem: "transport", Name: "frames_written_total",
			Help: "Total frames written to the local channel",
		}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamgate", Subsystem: "transport", Name: "malformed_frames_total",
			Help: "Total inbound frames rejected as malformed",
		}),
		PayloadsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamgate", Subsystem: "payload", Name: "stored_total",
			Help: "Total oversized payloads parked in the payload store",
		}),
		PayloadsRetrieved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamgate", Subsystem: "payload", Name: "retrieved_total",
			Help: "Total payloads successfully retrieved",
		}),
		PayloadsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamgate", Subsystem: "payload", Name: "expired_total",
			Help: "Total payloads deleted unfetched after TTL",
		}),
		SubscriptionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamgate", Subsystem: "subscription", Name: "started_total",
			Help: "Total subscriptions started",
		}, []string{"protocol"}),
		SubscriptionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamgate", Subsystem: "subscription", Name: "ended_total",
			Help: "Total subscriptions ended",
		}, []string{"protocol"}),
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamgate", Subsystem: "subscription", Name: "events_delivered_total",
			Help: "Total events delivered to the caller",
		}, []string{"protocol"}),
		SchemaCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamgate", Subsystem: "schema", Name: "cache_hits_total",
			Help: "Total schema resolves served from cache",
		}),
		SchemaCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamgate", Subsystem: "schema", Name: "cache_misses_total",
			Help: "Total schema resolves requiring an upstream fetch",
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamgate", Subsystem: "schema", Name: "decode_failures_total",
			Help: "Total event payloads which failed schema decode",
		}),
	}
	collectors := []prometheus.Collector{
		m.FramesRead, m.FramesWritten, m.MalformedFrames,
		m.PayloadsStored, m.PayloadsRetrieved, m.PayloadsExpired,
		m.SubscriptionsStarted, m.SubscriptionsEnded, m.EventsDelivered,
		m.SchemaCacheHits, m.SchemaCacheMisses, m.DecodeFailures,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// HTTPHandler expose the metric registry for scraping
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFrameRead count one frame read from the local channel
func (m *Metrics) RecordFrameRead() {
	if m != nil {
		m.FramesRead.Inc()
	}
}

// RecordFrameWritten count one frame written to the local channel
func (m *Metrics) RecordFrameWritten() {
	if m != nil {
		m.FramesWritten.Inc()
	}
}

// RecordMalformedFrame count one rejected inbound frame
func (m *Metrics) RecordMalformedFrame() {
	if m != nil {
		m.MalformedFrames.Inc()
	}
}

// RecordPayloadStored count one parked payload
func (m *Metrics) RecordPayloadStored() {
	if m != nil {
		m.PayloadsStored.Inc()
	}
}

// RecordPayloadRetrieved count one retrieved payload
func (m *Metrics) RecordPayloadRetrieved() {
	if m != nil {
		m.PayloadsRetrieved.Inc()
	}
}

// RecordPayloadExpired count one payload deleted unfetched
func (m *Metrics) RecordPayloadExpired() {
	if m != nil {
		m.PayloadsExpired.Inc()
	}
}

// RecordSubscriptionStarted count one new subscription for a protocol
func (m *Metrics) RecordSubscriptionStarted(protocol string) {
	if m != nil {
		m.SubscriptionsStarted.WithLabelValues(protocol).Inc()
	}
}

// RecordSubscriptionEnded count one ended subscription for a protocol
func (m *Metrics) RecordSubscriptionEnded(protocol string) {
	if m != nil {
		m.SubscriptionsEnded.WithLabelValues(protocol).Inc()
	}
}

// RecordEventDelivered count one event delivered to the caller
func (m *Metrics) RecordEventDelivered(protocol string) {
	if m != nil {
		m.EventsDelivered.WithLabelValues(protocol).Inc()
	}
}

// RecordSchemaCacheHit count one schema resolve served from cache
func (m *Metrics) RecordSchemaCacheHit() {
	if m != nil {
		m.SchemaCacheHits.Inc()
	}
}

// RecordSchemaCacheMiss count one schema resolve requiring an upstream fetch
func (m *Metrics) RecordSchemaCacheMiss() {
	if m != nil {
		m.SchemaCacheMisses.Inc()
	}
}

// RecordDecodeFailure count one event payload which failed schema decode
func (m *Metrics) RecordDecodeFailure() {
	if m != nil {
		m.DecodeFailures.Inc()
	}
}
