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
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsScrape(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetMetricsInstance()
	assert.Nil(err)

	uut.RecordFrameRead()
	uut.RecordFrameRead()
	uut.RecordFrameWritten()
	uut.RecordPayloadStored()
	uut.RecordSubscriptionStarted("eventStream")
	uut.RecordEventDelivered("longPoll")
	uut.RecordSchemaCacheMiss()

	server := httptest.NewServer(uut.HTTPHandler())
	defer server.Close()
	response, err := server.Client().Get(server.URL)
	assert.Nil(err)
	scraped, err := io.ReadAll(response.Body)
	assert.Nil(err)
	assert.Nil(response.Body.Close())

	exported := string(scraped)
	assert.True(strings.Contains(
		exported, "streamgate_transport_frames_read_total 2",
	))
	assert.True(strings.Contains(
		exported, "streamgate_transport_frames_written_total 1",
	))
	assert.True(strings.Contains(
		exported, `streamgate_subscription_started_total{protocol="eventStream"} 1`,
	))
	assert.True(strings.Contains(
		exported, `streamgate_subscription_events_delivered_total{protocol="longPoll"} 1`,
	))
	assert.True(strings.Contains(
		exported, "streamgate_schema_cache_misses_total 1",
	))
}

func TestMetricsNilReceiverSafe(t *testing.T) {
	var uut *Metrics

	// Components run uninstrumented in unit tests; recording must be a no-op
	uut.RecordFrameRead()
	uut.RecordFrameWritten()
	uut.RecordMalformedFrame()
	uut.RecordPayloadStored()
	uut.RecordPayloadRetrieved()
	uut.RecordPayloadExpired()
	uut.RecordSubscriptionStarted("eventStream")
	uut.RecordSubscriptionEnded("longPoll")
	uut.RecordEventDelivered("eventStream")
	uut.RecordSchemaCacheHit()
	uut.RecordSchemaCacheMiss()
	uut.RecordDecodeFailure()
	assert.Nil(t, uut)
}
