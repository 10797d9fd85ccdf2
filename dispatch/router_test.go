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

package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/streamgate/streamgate/cometd"
	"github.com/streamgate/streamgate/common"
	"github.com/streamgate/streamgate/eventbus"
	"github.com/streamgate/streamgate/payload"
	"github.com/stretchr/testify/assert"
)

// ==============================================================================
// Collaborator stand-ins

// captureFramer records outbound frames instead of writing them. A gate, when
// set, holds every write until released.
type captureFramer struct {
	lock    sync.Mutex
	hold    chan struct{}
	written chan interface{}
}

func (f *captureFramer) ReadMessage() (*common.Request, error) {
	return nil, io.EOF
}

func (f *captureFramer) setGate(gate chan struct{}) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.hold = gate
}

func (f *captureFramer) WriteMessage(v interface{}) error {
	f.lock.Lock()
	gate := f.hold
	f.lock.Unlock()
	if gate != nil {
		<-gate
	}
	f.written <- v
	return nil
}

// fakeStreamSub stands in for an event stream subscription
type fakeStreamSub struct {
	id      string
	stopped int32
}

func (s *fakeStreamSub) ID() string { return s.id }
func (s *fakeStreamSub) State() eventbus.State { return eventbus.StateStreaming }
func (s *fakeStreamSub) Stop() error { atomic.StoreInt32(&s.stopped, 1); return nil }
func (s *fakeStreamSub) stoppedForGood() bool { return atomic.LoadInt32(&s.stopped) == 1 }

// fakeEventBus stands in for the gRPC protocol client
type fakeEventBus struct {
	lock         sync.Mutex
	deliver      eventbus.DeliverFunc
	subs         []*fakeStreamSub
	subscribeErr error
	// gate, when set, holds Subscribe until released
	gate      chan bool
	topic     *common.TopicMetadata
	topicErr  error
	schema    *common.SchemaInfo
	schemaErr error
}

func (c *fakeEventBus) Subscribe(
	ctxt context.Context, params eventbus.SubscribeParams, deliver eventbus.DeliverFunc,
) (eventbus.Subscription, error) {
	c.lock.Lock()
	gate := c.gate
	c.lock.Unlock()
	if gate != nil {
		<-gate
	}
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	sub := &fakeStreamSub{id: params.SubscriptionID}
	c.lock.Lock()
	c.deliver = deliver
	c.subs = append(c.subs, sub)
	c.lock.Unlock()
	return sub, nil
}

func (c *fakeEventBus) GetTopic(
	ctxt context.Context, connect eventbus.ConnectParams, topic string,
) (*common.TopicMetadata, error) {
	return c.topic, c.topicErr
}

func (c *fakeEventBus) GetSchema(
	ctxt context.Context, connect eventbus.ConnectParams, schemaID string,
) (*common.SchemaInfo, error) {
	return c.schema, c.schemaErr
}

func (c *fakeEventBus) lastSub() *fakeStreamSub {
	c.lock.Lock()
	defer c.lock.Unlock()
	if len(c.subs) == 0 {
		return nil
	}
	return c.subs[len(c.subs)-1]
}

func (c *fakeEventBus) pushEvent(push common.Push) {
	c.lock.Lock()
	deliver := c.deliver
	c.lock.Unlock()
	deliver(push)
}

// fakeLongPollSub stands in for a Bayeux channel subscription
type fakeLongPollSub struct {
	id      string
	stopped int32
}

func (s *fakeLongPollSub) ID() string  { return s.id }
func (s *fakeLongPollSub) Stop() error { atomic.StoreInt32(&s.stopped, 1); return nil }

// fakeLongPoll stands in for the Bayeux session pool
type fakeLongPoll struct {
	lock         sync.Mutex
	deliver      cometd.DeliverFunc
	subs         []*fakeLongPollSub
	subscribeErr error
}

func (p *fakeLongPoll) Subscribe(
	ctxt context.Context, params cometd.SubscribeParams, deliver cometd.DeliverFunc,
) (cometd.Subscription, error) {
	if p.subscribeErr != nil {
		return nil, p.subscribeErr
	}
	sub := &fakeLongPollSub{id: params.SubscriptionID}
	p.lock.Lock()
	p.deliver = deliver
	p.subs = append(p.subs, sub)
	p.lock.Unlock()
	return sub, nil
}

func (p *fakeLongPoll) ActiveSessions() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.subs)
}

func (p *fakeLongPoll) pushEvent(push common.Push) {
	p.lock.Lock()
	deliver := p.deliver
	p.lock.Unlock()
	deliver(push)
}

// ==============================================================================
// Fixture

type routerFixture struct {
	router   Router
	framer   *captureFramer
	manager  Manager
	eventBus *fakeEventBus
	longPoll *fakeLongPoll
	store    payload.Store
	secret   string
	aborts   int32
}

func defineRouterFixture(t *testing.T, inlineThreshold int) *routerFixture {
	return defineRouterFixtureWithConfig(
		t, inlineThreshold, common.RouterConfig{TaskBuffer: 16, PushBuffer: 16},
	)
}

func defineRouterFixtureWithConfig(
	t *testing.T, inlineThreshold int, config common.RouterConfig,
) *routerFixture {
	wg := &sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())

	secret, err := payload.GenerateSecret()
	assert.Nil(t, err)
	store, err := payload.GetPayloadStoreInstance(
		ctxt, common.PayloadConfig{TTL: 30, SweepInterval: 60, InlineThreshold: 1024},
		secret, wg, nil,
	)
	assert.Nil(t, err)
	manager, err := GetManagerInstance()
	assert.Nil(t, err)

	fixture := &routerFixture{
		framer:   &captureFramer{written: make(chan interface{}, 64)},
		manager:  manager,
		eventBus: &fakeEventBus{},
		longPoll: &fakeLongPoll{},
		store:    store,
		secret:   secret,
	}
	router, err := GetRouterInstance(ctxt, RouterParams{
		Config:          config,
		InlineThreshold: inlineThreshold,
		Framer:          fixture.framer,
		Payloads:        store,
		Subscriptions:   manager,
		EventBus:        fixture.eventBus,
		LongPoll:        fixture.longPoll,
		Handshake: common.HandshakeResponse{
			Port: 40123, Secret: secret, MaxInlineBytes: inlineThreshold, Version: common.Version,
		},
		FatalAbort: func() { atomic.AddInt32(&fixture.aborts, 1) },
		Metrics:    nil,
	}, wg)
	assert.Nil(t, err)
	assert.Nil(t, router.Start())
	fixture.router = router

	t.Cleanup(func() {
		assert.Nil(t, router.Stop())
		cancel()
		wg.Wait()
	})
	return fixture
}

func makeRequest(t *testing.T, requestType string, data interface{}) *common.Request {
	encoded, err := json.Marshal(data)
	assert.Nil(t, err)
	return &common.Request{ID: uuid.New().String(), Type: requestType, Data: encoded}
}

func (f *routerFixture) submit(t *testing.T, request *common.Request) {
	assert.Nil(t, f.router.SubmitRequest(context.Background(), request))
}

func (f *routerFixture) nextResponse(t *testing.T) *common.Response {
	select {
	case frame := <-f.framer.written:
		response, ok := frame.(*common.Response)
		assert.True(t, ok, "expected response frame, got %T", frame)
		return response
	case <-time.After(time.Second * 2):
		t.Fatal("no response frame arrived")
	}
	return nil
}

func (f *routerFixture) nextPush(t *testing.T) *common.Push {
	select {
	case frame := <-f.framer.written:
		push, ok := frame.(*common.Push)
		assert.True(t, ok, "expected push frame, got %T", frame)
		return push
	case <-time.After(time.Second * 2):
		t.Fatal("no push frame arrived")
	}
	return nil
}

func (f *routerFixture) expectSilence(t *testing.T, wait time.Duration) {
	select {
	case frame := <-f.framer.written:
		t.Fatalf("unexpected frame %T", frame)
	case <-time.After(wait):
	}
}

func subscribeData(subID, channel string) common.SubscribeRequest {
	return common.SubscribeRequest{
		SubscriptionID: subID,
		Channel:        channel,
		Endpoint:       "https://api.example.com",
		AccessToken:    "token-a",
	}
}

// ==============================================================================

func TestRouterHandshake(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := defineRouterFixture(t, 1024*1024)
	request := &common.Request{ID: uuid.New().String(), Type: common.RequestTypeHandshake}
	fixture.submit(t, request)

	response := fixture.nextResponse(t)
	assert.Equal(request.ID, response.ID)
	assert.True(response.Success)
	handshake, ok := response.Data.(common.HandshakeResponse)
	assert.True(ok)
	assert.Equal(40123, handshake.Port)
	assert.Equal(fixture.secret, handshake.Secret)
}

func TestRouterRejectsUnknownRequestType(t *testing.T) {
	assert := assert.New(t)

	fixture := defineRouterFixture(t, 1024*1024)
	fixture.submit(t, &common.Request{ID: uuid.New().String(), Type: "publish"})

	response := fixture.nextResponse(t)
	assert.False(response.Success)
	assert.Equal(common.CodeInvalidRequest, response.Error.Code)
}

func TestRouterRejectsUnroutableChannel(t *testing.T) {
	assert := assert.New(t)

	fixture := defineRouterFixture(t, 1024*1024)
	subID := uuid.New().String()
	fixture.submit(t, makeRequest(
		t, common.RequestTypeSubscribe, subscribeData(subID, "/custom/NoSuchSpace"),
	))

	response := fixture.nextResponse(t)
	assert.False(response.Success)
	assert.Equal(common.CodeUnknownChannelPattern, response.Error.Code)
	// No subscription was created
	assert.False(fixture.manager.Has(subID))
}

func TestRouterSubscribeLifecycle(t *testing.T) {
	assert := assert.New(t)

	fixture := defineRouterFixture(t, 1024*1024)
	subID := uuid.New().String()
	fixture.submit(t, makeRequest(
		t, common.RequestTypeSubscribe, subscribeData(subID, "/event/Change__e"),
	))

	response := fixture.nextResponse(t)
	assert.True(response.Success)
	assert.True(fixture.manager.Has(subID))
	assert.NotNil(fixture.eventBus.lastSub())

	// Event pushes flow through to the transport
	fixture.eventBus.pushEvent(common.Push{
		SubscriptionID: subID,
		Kind:           common.PushEvent,
		Event: &common.EventEnvelope{
			Channel: "/event/Change__e", ReplayID: "AQ==",
			Payload: json.RawMessage(`{"field":"value"}`),
		},
	})
	push := fixture.nextPush(t)
	assert.Equal(subID, push.SubscriptionID)
	assert.Equal(common.PushEvent, push.Kind)
	assert.Equal(`{"field":"value"}`, string(push.Event.Payload))

	// Unsubscribe stops the protocol subscription
	fixture.submit(t, makeRequest(
		t, common.RequestTypeUnsubscribe, common.UnsubscribeRequest{SubscriptionID: subID},
	))
	response = fixture.nextResponse(t)
	assert.True(response.Success)
	assert.False(fixture.manager.Has(subID))
	assert.True(fixture.eventBus.lastSub().stoppedForGood())

	// Late pushes for the removed subscription are dropped
	fixture.eventBus.pushEvent(common.Push{
		SubscriptionID: subID,
		Kind:           common.PushEvent,
		Event:          &common.EventEnvelope{Channel: "/event/Change__e"},
	})
	fixture.expectSilence(t, time.Millisecond*200)
}

func TestRouterLongPollRouting(t *testing.T) {
	assert := assert.New(t)

	fixture := defineRouterFixture(t, 1024*1024)
	subID := uuid.New().String()
	fixture.submit(t, makeRequest(
		t, common.RequestTypeSubscribe, subscribeData(subID, "/topic/Alpha"),
	))

	response := fixture.nextResponse(t)
	assert.True(response.Success)
	// The long poll client owns the channel, not the event bus
	assert.Nil(fixture.eventBus.lastSub())
	assert.Equal(1, fixture.longPoll.ActiveSessions())
}

func TestRouterDuplicateSubscriptionID(t *testing.T) {
	assert := assert.New(t)

	fixture := defineRouterFixture(t, 1024*1024)
	subID := uuid.New().String()
	fixture.submit(t, makeRequest(
		t, common.RequestTypeSubscribe, subscribeData(subID, "/event/Change__e"),
	))
	assert.True(fixture.nextResponse(t).Success)

	fixture.submit(t, makeRequest(
		t, common.RequestTypeSubscribe, subscribeData(subID, "/event/Other__e"),
	))
	response := fixture.nextResponse(t)
	assert.False(response.Success)
	assert.Equal(common.CodeSubscriptionExists, response.Error.Code)
}

func TestRouterUnsubscribeUnknownID(t *testing.T) {
	assert := assert.New(t)

	fixture := defineRouterFixture(t, 1024*1024)
	fixture.submit(t, makeRequest(
		t, common.RequestTypeUnsubscribe,
		common.UnsubscribeRequest{SubscriptionID: uuid.New().String()},
	))

	response := fixture.nextResponse(t)
	assert.False(response.Success)
	assert.Equal(common.CodeSubscriptionNotFound, response.Error.Code)
}

func TestRouterSubscribeFailureClearsRegistration(t *testing.T) {
	assert := assert.New(t)

	fixture := defineRouterFixture(t, 1024*1024)
	fixture.eventBus.subscribeErr = common.NewError(
		common.CodeAuthError, "upstream rejected credential",
	)

	subID := uuid.New().String()
	fixture.submit(t, makeRequest(
		t, common.RequestTypeSubscribe, subscribeData(subID, "/event/Change__e"),
	))

	response := fixture.nextResponse(t)
	assert.False(response.Success)
	assert.Equal(common.CodeAuthError, response.Error.Code)
	assert.False(fixture.manager.Has(subID))
}

func TestRouterCancelBeforeEstablishment(t *testing.T) {
	assert := assert.New(t)

	fixture := defineRouterFixture(t, 1024*1024)
	gate := make(chan bool)
	fixture.eventBus.gate = gate

	subID := uuid.New().String()
	fixture.submit(t, makeRequest(
		t, common.RequestTypeSubscribe, subscribeData(subID, "/event/Change__e"),
	))

	// The placeholder registration is visible while the handshake hangs
	waitForCondition(t, time.Second, func() bool { return fixture.manager.Has(subID) })

	// Unsubscribe wins the race against establishment
	fixture.submit(t, makeRequest(
		t, common.RequestTypeUnsubscribe, common.UnsubscribeRequest{SubscriptionID: subID},
	))
	response := fixture.nextResponse(t)
	assert.True(response.Success)

	// Establishment completes, discovers the cancellation, and tears down
	close(gate)
	response = fixture.nextResponse(t)
	assert.False(response.Success)
	assert.Equal(common.CodeSubscriptionNotFound, response.Error.Code)
	waitForCondition(t, time.Second, func() bool {
		sub := fixture.eventBus.lastSub()
		return sub != nil && sub.stoppedForGood()
	})
	assert.False(fixture.manager.Has(subID))
}

func TestRouterOversizedPushIsParked(t *testing.T) {
	assert := assert.New(t)

	fixture := defineRouterFixture(t, 256)
	subID := uuid.New().String()
	fixture.submit(t, makeRequest(
		t, common.RequestTypeSubscribe, subscribeData(subID, "/topic/Alpha"),
	))
	assert.True(fixture.nextResponse(t).Success)

	big := make([]byte, 600)
	for idx := range big {
		big[idx] = 'x'
	}
	bigBody, err := json.Marshal(map[string]string{"blob": string(big)})
	assert.Nil(err)
	fixture.longPoll.pushEvent(common.Push{
		SubscriptionID: subID,
		Kind:           common.PushEvent,
		Event: &common.EventEnvelope{
			Channel: "/topic/Alpha", ReplayID: "7", Payload: bigBody,
		},
	})

	push := fixture.nextPush(t)
	assert.Equal(common.PushEvent, push.Kind)
	// The body was parked, not inlined
	assert.Nil(push.Event.Payload)
	assert.NotNil(push.Event.PayloadRef)
	assert.Equal(int64(len(bigBody)), push.Event.PayloadRef.Size)

	// The parked body is retrievable exactly once
	fetched, contentType, err := fixture.store.Retrieve(
		context.Background(), push.Event.PayloadRef.Token, fixture.secret,
	)
	assert.Nil(err)
	assert.Equal("application/json", contentType)
	assert.Equal(string(bigBody), string(fetched))
}

func TestRouterSmallPushStaysInline(t *testing.T) {
	assert := assert.New(t)

	fixture := defineRouterFixture(t, 1024*1024)
	subID := uuid.New().String()
	fixture.submit(t, makeRequest(
		t, common.RequestTypeSubscribe, subscribeData(subID, "/topic/Alpha"),
	))
	assert.True(fixture.nextResponse(t).Success)

	fixture.longPoll.pushEvent(common.Push{
		SubscriptionID: subID,
		Kind:           common.PushEvent,
		Event: &common.EventEnvelope{
			Channel: "/topic/Alpha", Payload: json.RawMessage(`{"small":true}`),
		},
	})
	push := fixture.nextPush(t)
	assert.Nil(push.Event.PayloadRef)
	assert.Equal(`{"small":true}`, string(push.Event.Payload))
}

func TestRouterStreamEndRemovesSubscription(t *testing.T) {
	assert := assert.New(t)

	fixture := defineRouterFixture(t, 1024*1024)
	subID := uuid.New().String()
	fixture.submit(t, makeRequest(
		t, common.RequestTypeSubscribe, subscribeData(subID, "/event/Change__e"),
	))
	assert.True(fixture.nextResponse(t).Success)

	fixture.eventBus.pushEvent(common.Push{SubscriptionID: subID, Kind: common.PushEnd})
	push := fixture.nextPush(t)
	assert.Equal(common.PushEnd, push.Kind)
	assert.False(fixture.manager.Has(subID))
}

func TestRouterTopicMetadataQuery(t *testing.T) {
	assert := assert.New(t)

	fixture := defineRouterFixture(t, 1024*1024)
	fixture.eventBus.topic = &common.TopicMetadata{
		TopicName: "/event/Change__e", SchemaID: "schema-a", CanSubscribe: true,
	}

	fixture.submit(t, makeRequest(
		t, common.RequestTypeGetTopicMetadata, common.TopicMetadataRequest{
			Topic: "/event/Change__e", Endpoint: "https://api.example.com", AccessToken: "token-a",
		},
	))
	response := fixture.nextResponse(t)
	assert.True(response.Success)
	metadata, ok := response.Data.(*common.TopicMetadata)
	assert.True(ok)
	assert.Equal("schema-a", metadata.SchemaID)
	assert.True(metadata.CanSubscribe)
}

func TestRouterSchemaQueryFailure(t *testing.T) {
	assert := assert.New(t)

	fixture := defineRouterFixture(t, 1024*1024)
	fixture.eventBus.schemaErr = common.NewError(
		common.CodeStreamReset, "upstream unavailable",
	)

	fixture.submit(t, makeRequest(
		t, common.RequestTypeGetSchema, common.SchemaFetchRequest{
			SchemaID: "schema-a", Endpoint: "https://api.example.com", AccessToken: "token-a",
		},
	))
	response := fixture.nextResponse(t)
	assert.False(response.Success)
	assert.Equal(common.CodeStreamReset, response.Error.Code)
}

func TestRouterBusySubscriptionDoesNotStallOthers(t *testing.T) {
	assert := assert.New(t)

	fixture := defineRouterFixtureWithConfig(
		t, 1024*1024, common.RouterConfig{TaskBuffer: 4, PushBuffer: 2},
	)
	busyID := uuid.New().String()
	calmID := uuid.New().String()
	fixture.submit(t, makeRequest(
		t, common.RequestTypeSubscribe, subscribeData(busyID, "/event/Busy__e"),
	))
	assert.True(fixture.nextResponse(t).Success)
	fixture.submit(t, makeRequest(
		t, common.RequestTypeSubscribe, subscribeData(calmID, "/event/Calm__e"),
	))
	assert.True(fixture.nextResponse(t).Success)

	// Hold the write path so the dispatch loop backs up
	gate := make(chan struct{})
	fixture.framer.setGate(gate)

	// Flood one subscription far past the shared queue depth
	floodTotal := 40
	floodDone := make(chan bool)
	go func() {
		for idx := 0; idx < floodTotal; idx++ {
			fixture.router.SubmitPush(common.Push{
				SubscriptionID: busyID,
				Kind:           common.PushEvent,
				Event: &common.EventEnvelope{
					Channel: "/event/Busy__e", Payload: json.RawMessage(`{"seq":1}`),
				},
			})
		}
		close(floodDone)
	}()

	// The flooding producer is held on its own buffer
	select {
	case <-floodDone:
		t.Fatal("flood was absorbed without backpressure")
	case <-time.After(time.Millisecond * 200):
	}

	// The quiet subscription still enqueues without waiting out the flood
	calmDone := make(chan bool)
	go func() {
		fixture.router.SubmitPush(common.Push{
			SubscriptionID: calmID,
			Kind:           common.PushEvent,
			Event: &common.EventEnvelope{
				Channel: "/event/Calm__e", Payload: json.RawMessage(`{"calm":true}`),
			},
		})
		close(calmDone)
	}()
	select {
	case <-calmDone:
	case <-time.After(time.Millisecond * 500):
		t.Fatal("delivery for one subscription waited on another's backlog")
	}

	// Release the writes and everything queued drains through
	close(gate)
	<-floodDone
	calmSeen := false
	for delivered := 0; delivered < floodTotal+1; delivered++ {
		if fixture.nextPush(t).SubscriptionID == calmID {
			calmSeen = true
		}
	}
	assert.True(calmSeen)
}

func TestProtocolTagsMatchClients(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(eventbus.ProtocolName, string(ProtocolEventStream))
	assert.Equal(cometd.ProtocolName, string(ProtocolLongPoll))
}

// waitForCondition poll until condition holds or the deadline passes
func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
	assert.True(t, condition())
}
