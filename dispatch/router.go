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
	"reflect"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/streamgate/streamgate/cometd"
	"github.com/streamgate/streamgate/common"
	"github.com/streamgate/streamgate/eventbus"
	"github.com/streamgate/streamgate/metric"
	"github.com/streamgate/streamgate/payload"
	"github.com/streamgate/streamgate/transport"
)

// routingRule one channel name prefix to protocol binding
type routingRule struct {
	prefix   string
	protocol Protocol
}

// routingRules the fixed channel classification table
var routingRules = []routingRule{
	{prefix: "/event/", protocol: ProtocolEventStream},
	{prefix: "/topic/", protocol: ProtocolLongPoll},
	{prefix: "/data/", protocol: ProtocolLongPoll},
	{prefix: "/systemTopic/", protocol: ProtocolLongPoll},
}

// ClassifyChannel pick the owning protocol for a channel name
func ClassifyChannel(channel string) (Protocol, error) {
	for _, rule := range routingRules {
		if strings.HasPrefix(channel, rule.prefix) {
			return rule.protocol, nil
		}
	}
	return "", common.NewError(
		common.CodeUnknownChannelPattern, "channel %s matches no routing rule", channel,
	)
}

// ==============================================================================

// Router receives decoded caller requests, dispatches them to the owning
// protocol client, and returns responses and stream pushes through the frame
// transport. All dispatch decisions run on one event loop goroutine.
type Router interface {
	// Start start the dispatch event loop
	Start() error
	// SubmitRequest queue one caller request for dispatch
	SubmitRequest(ctxt context.Context, request *common.Request) error
	// SubmitPush queue one protocol client push for delivery. Pushes for
	// removed subscriptions are dropped.
	SubmitPush(push common.Push)
	// Stop cancel all live subscriptions, emit their end pushes, and halt
	// the event loop
	Stop() error
}

// RouterParams collaborators and settings for a Router
type RouterParams struct {
	// Config are the router tunables
	Config common.RouterConfig
	// InlineThreshold is the serialized frame size in bytes above which a
	// body is parked in the payload store
	InlineThreshold int
	// Framer is the caller facing frame transport
	Framer transport.Framer
	// Payloads parks oversized bodies
	Payloads payload.Store
	// Subscriptions is the subscription registry
	Subscriptions Manager
	// EventBus is the gRPC protocol client
	EventBus eventbus.Client
	// LongPoll is the Bayeux protocol client pool
	LongPoll cometd.SessionPool
	// Handshake is the connection parameter block returned on handshake
	Handshake common.HandshakeResponse
	// FatalAbort tears the whole process down. Invoked when the transport
	// write path fails, as that is the only channel back to the caller.
	FatalAbort context.CancelFunc
	// Metrics is the instrumentation surface
	Metrics *metric.Metrics
}

// routerImpl implements Router
type routerImpl struct {
	common.Component
	params           RouterParams
	tp               common.TaskProcessor
	validate         *validator.Validate
	operationContext context.Context
	wg               *sync.WaitGroup
	pumpLock         *sync.Mutex
	pumps            map[string]*pushPump
}

// Router event loop task params
type (
	requestTask struct {
		ctxt    context.Context
		request *common.Request
	}
	subscribeDoneTask struct {
		requestID      string
		subscriptionID string
		protocol       Protocol
		handle         *subHandle
		stop           func()
		err            error
	}
	queryDoneTask struct {
		requestID string
		data      interface{}
		err       error
	}
	pushTask struct {
		push common.Push
	}
)

// GetRouterInstance define a request router
func GetRouterInstance(
	ctxt context.Context, params RouterParams, wg *sync.WaitGroup,
) (Router, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "router",
	}
	tp, err := common.GetNewTaskProcessorInstance(ctxt, "router", params.Config.TaskBuffer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &routerImpl{
		Component:        common.Component{LogTags: logTags},
		params:           params,
		tp:               tp,
		validate:         validator.New(),
		operationContext: ctxt,
		wg:               wg,
		pumpLock:         &sync.Mutex{},
		pumps:            make(map[string]*pushPump),
	}
	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(requestTask{}):       instance.handleRequest,
		reflect.TypeOf(subscribeDoneTask{}): instance.handleSubscribeDone,
		reflect.TypeOf(queryDoneTask{}):     instance.handleQueryDone,
		reflect.TypeOf(pushTask{}):          instance.handlePush,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task handlers")
		return nil, err
	}
	return instance, nil
}

// Start start the dispatch event loop
func (r *routerImpl) Start() error {
	return r.tp.StartEventLoop(r.wg)
}

// Stop cancel all live subscriptions and halt the event loop
func (r *routerImpl) Stop() error {
	for _, id := range r.params.Subscriptions.CancelAll() {
		r.retirePump(id)
		r.write(&common.Push{SubscriptionID: id, Kind: common.PushEnd})
	}
	return r.tp.StopEventLoop()
}

// SubmitRequest queue one caller request for dispatch
func (r *routerImpl) SubmitRequest(ctxt context.Context, request *common.Request) error {
	return r.tp.Submit(ctxt, requestTask{ctxt: ctxt, request: request})
}

// SubmitPush queue one protocol client push for delivery. The push enters the
// owning subscription's buffer, so a subscription that cannot drain backs up
// onto its own producer and never holds the dispatch queue against the others.
func (r *routerImpl) SubmitPush(push common.Push) {
	r.pumpLock.Lock()
	pump := r.pumps[push.SubscriptionID]
	r.pumpLock.Unlock()
	if pump == nil {
		log.WithFields(r.LogTags).Debugf(
			"Dropped %s push for removed subscription %s", push.Kind, push.SubscriptionID,
		)
		return
	}
	select {
	case pump.queue <- push:
	case <-pump.retired:
	case <-r.operationContext.Done():
	}
}

// ==============================================================================
// Per subscription push buffering

// pushPump buffers one subscription's pushes between its protocol client and
// the dispatch loop
type pushPump struct {
	queue   chan common.Push
	retired chan struct{}
}

// installPump register a delivery buffer for one subscription and start
// draining it into the dispatch loop
func (r *routerImpl) installPump(id string) {
	pump := &pushPump{
		queue:   make(chan common.Push, r.params.Config.PushBuffer),
		retired: make(chan struct{}),
	}
	r.pumpLock.Lock()
	r.pumps[id] = pump
	r.pumpLock.Unlock()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runPump(pump)
	}()
}

// retirePump drop a subscription's delivery buffer. Producers blocked on a
// full buffer wake up, and anything still queued is discarded.
func (r *routerImpl) retirePump(id string) {
	r.pumpLock.Lock()
	pump, ok := r.pumps[id]
	if ok {
		delete(r.pumps, id)
	}
	r.pumpLock.Unlock()
	if ok {
		close(pump.retired)
	}
}

// runPump drain one subscription's buffer into the dispatch loop
func (r *routerImpl) runPump(pump *pushPump) {
	for {
		select {
		case <-r.operationContext.Done():
			return
		case <-pump.retired:
			return
		case push := <-pump.queue:
			if err := r.tp.Submit(r.operationContext, pushTask{push: push}); err != nil {
				log.WithError(err).WithFields(r.LogTags).Debugf(
					"Dropped push for %s", push.SubscriptionID,
				)
			}
		}
	}
}

// ==============================================================================
// Request dispatch

// handleRequest dispatch one caller request by type
func (r *routerImpl) handleRequest(param interface{}) error {
	task, ok := param.(requestTask)
	if !ok {
		return common.NewError(common.CodeUnknown, "router received unexpected %s", reflect.TypeOf(param))
	}
	request := task.request
	log.WithFields(r.LogTags).Debugf("Dispatching %s request %s", request.Type, request.ID)
	switch request.Type {
	case common.RequestTypeHandshake:
		r.writeResponse(common.GetStdSuccessResponse(request.ID, r.params.Handshake))
	case common.RequestTypeSubscribe:
		r.processSubscribe(request)
	case common.RequestTypeUnsubscribe:
		r.processUnsubscribe(request)
	case common.RequestTypeGetTopicMetadata:
		r.processGetTopicMetadata(request)
	case common.RequestTypeGetSchema:
		r.processGetSchema(request)
	default:
		r.writeResponse(common.GetStdErrorResponse(
			request.ID,
			common.NewError(common.CodeInvalidRequest, "unsupported request type %s", request.Type),
		))
	}
	return nil
}

// parseRequestData unmarshal and validate one request parameter block
func (r *routerImpl) parseRequestData(data json.RawMessage, into interface{}) error {
	if err := json.Unmarshal(data, into); err != nil {
		return common.WrapError(common.CodeInvalidRequest, err, "request data is not valid JSON")
	}
	if err := r.validate.Struct(into); err != nil {
		return common.WrapError(common.CodeInvalidRequest, err, "request data failed validation")
	}
	return nil
}

// subHandle bridge between the subscription registry's cancellation closure
// and a protocol subscription whose establishment may still be in flight
type subHandle struct {
	lock      *sync.Mutex
	stop      func()
	cancelled bool
}

// cancel stop the protocol subscription if established, or mark the handle so
// establishment tears it down on completion
func (h *subHandle) cancel() {
	h.lock.Lock()
	h.cancelled = true
	stop := h.stop
	h.lock.Unlock()
	if stop != nil {
		stop()
	}
}

// attach bind the established protocol subscription. Returns false if the
// handle was cancelled first.
func (h *subHandle) attach(stop func()) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.cancelled {
		return false
	}
	h.stop = stop
	return true
}

// processSubscribe route one subscribe request to its protocol client
func (r *routerImpl) processSubscribe(request *common.Request) {
	var params common.SubscribeRequest
	if err := r.parseRequestData(request.Data, &params); err != nil {
		r.writeResponse(common.GetStdErrorResponse(request.ID, err))
		return
	}
	protocol, err := ClassifyChannel(params.Channel)
	if err != nil {
		// No subscription is created for an unroutable channel
		r.writeResponse(common.GetStdErrorResponse(request.ID, err))
		return
	}
	handle := &subHandle{lock: &sync.Mutex{}}
	if err := r.params.Subscriptions.Add(
		params.SubscriptionID, protocol, params.Channel, handle.cancel,
	); err != nil {
		r.writeResponse(common.GetStdErrorResponse(request.ID, err))
		return
	}
	// The buffer must exist before the protocol client can deliver
	r.installPump(params.SubscriptionID)
	// The protocol handshake must not block the dispatch loop
	go func() {
		stop, err := r.establish(protocol, params)
		_ = r.tp.Submit(r.operationContext, subscribeDoneTask{
			requestID:      request.ID,
			subscriptionID: params.SubscriptionID,
			protocol:       protocol,
			handle:         handle,
			stop:           stop,
			err:            err,
		})
	}()
}

// establish run one protocol client's subscribe handshake
func (r *routerImpl) establish(
	protocol Protocol, params common.SubscribeRequest,
) (func(), error) {
	switch protocol {
	case ProtocolEventStream:
		sub, err := r.params.EventBus.Subscribe(
			r.operationContext,
			eventbus.SubscribeParams{
				SubscriptionID: params.SubscriptionID,
				Topic:          params.Channel,
				ReplayPreset:   params.ReplayPreset,
				ReplayID:       params.ReplayID,
				RequestedCount: params.RequestedCount,
				Connect: eventbus.ConnectParams{
					Endpoint:    params.Endpoint,
					AccessToken: params.AccessToken,
					TenantID:    params.TenantID,
				},
			},
			r.SubmitPush,
		)
		if err != nil {
			return nil, err
		}
		return func() { _ = sub.Stop() }, nil
	case ProtocolLongPoll:
		sub, err := r.params.LongPoll.Subscribe(
			r.operationContext,
			cometd.SubscribeParams{
				SubscriptionID: params.SubscriptionID,
				Channel:        params.Channel,
				ReplayID:       params.ReplayID,
				ReplayPreset:   params.ReplayPreset,
				Connect: cometd.ConnectParams{
					Endpoint:    params.Endpoint,
					AccessToken: params.AccessToken,
				},
			},
			r.SubmitPush,
		)
		if err != nil {
			return nil, err
		}
		return func() { _ = sub.Stop() }, nil
	}
	return nil, common.NewError(common.CodeUnknownChannelPattern, "no client for %s", protocol)
}

// handleSubscribeDone finalize one subscribe request after its protocol
// handshake completed
func (r *routerImpl) handleSubscribeDone(param interface{}) error {
	task, ok := param.(subscribeDoneTask)
	if !ok {
		return common.NewError(common.CodeUnknown, "router received unexpected %s", reflect.TypeOf(param))
	}
	if task.err != nil {
		// Drop the placeholder registration quietly
		_, _ = r.params.Subscriptions.Cancel(task.subscriptionID)
		r.retirePump(task.subscriptionID)
		log.WithError(task.err).WithFields(r.LogTags).Errorf(
			"Subscription %s failed to establish", task.subscriptionID,
		)
		r.writeResponse(common.GetStdErrorResponse(task.requestID, task.err))
		return nil
	}
	if !task.handle.attach(task.stop) {
		// Caller unsubscribed while the handshake was in flight
		task.stop()
		log.WithFields(r.LogTags).Infof(
			"Subscription %s cancelled before establishment", task.subscriptionID,
		)
		r.writeResponse(common.GetStdErrorResponse(
			task.requestID,
			common.NewError(
				common.CodeSubscriptionNotFound,
				"subscription %s cancelled before establishment", task.subscriptionID,
			),
		))
		return nil
	}
	r.params.Metrics.RecordSubscriptionStarted(string(task.protocol))
	r.writeResponse(common.GetStdSuccessResponse(
		task.requestID, map[string]string{"subscriptionId": task.subscriptionID},
	))
	return nil
}

// processUnsubscribe cancel one subscription by ID
func (r *routerImpl) processUnsubscribe(request *common.Request) {
	var params common.UnsubscribeRequest
	if err := r.parseRequestData(request.Data, &params); err != nil {
		r.writeResponse(common.GetStdErrorResponse(request.ID, err))
		return
	}
	// The registry knows which protocol owns the ID, the caller need not
	protocol, err := r.params.Subscriptions.Cancel(params.SubscriptionID)
	if err != nil {
		r.writeResponse(common.GetStdErrorResponse(request.ID, err))
		return
	}
	r.retirePump(params.SubscriptionID)
	r.params.Metrics.RecordSubscriptionEnded(string(protocol))
	r.writeResponse(common.GetStdSuccessResponse(
		request.ID, map[string]string{"subscriptionId": params.SubscriptionID},
	))
}

// processGetTopicMetadata run one topic metadata query
func (r *routerImpl) processGetTopicMetadata(request *common.Request) {
	var params common.TopicMetadataRequest
	if err := r.parseRequestData(request.Data, &params); err != nil {
		r.writeResponse(common.GetStdErrorResponse(request.ID, err))
		return
	}
	go func() {
		data, err := r.params.EventBus.GetTopic(
			r.operationContext,
			eventbus.ConnectParams{
				Endpoint:    params.Endpoint,
				AccessToken: params.AccessToken,
				TenantID:    params.TenantID,
			},
			params.Topic,
		)
		_ = r.tp.Submit(r.operationContext, queryDoneTask{
			requestID: request.ID, data: data, err: err,
		})
	}()
}

// processGetSchema run one schema definition query
func (r *routerImpl) processGetSchema(request *common.Request) {
	var params common.SchemaFetchRequest
	if err := r.parseRequestData(request.Data, &params); err != nil {
		r.writeResponse(common.GetStdErrorResponse(request.ID, err))
		return
	}
	go func() {
		data, err := r.params.EventBus.GetSchema(
			r.operationContext,
			eventbus.ConnectParams{
				Endpoint:    params.Endpoint,
				AccessToken: params.AccessToken,
				TenantID:    params.TenantID,
			},
			params.SchemaID,
		)
		_ = r.tp.Submit(r.operationContext, queryDoneTask{
			requestID: request.ID, data: data, err: err,
		})
	}()
}

// handleQueryDone reply to one finished upstream query
func (r *routerImpl) handleQueryDone(param interface{}) error {
	task, ok := param.(queryDoneTask)
	if !ok {
		return common.NewError(common.CodeUnknown, "router received unexpected %s", reflect.TypeOf(param))
	}
	if task.err != nil {
		r.writeResponse(common.GetStdErrorResponse(task.requestID, task.err))
		return nil
	}
	r.writeResponse(common.GetStdSuccessResponse(task.requestID, task.data))
	return nil
}

// ==============================================================================
// Push delivery

// handlePush forward one protocol client push to the caller
func (r *routerImpl) handlePush(param interface{}) error {
	task, ok := param.(pushTask)
	if !ok {
		return common.NewError(common.CodeUnknown, "router received unexpected %s", reflect.TypeOf(param))
	}
	push := task.push
	// Anything arriving after removal is dropped, so cancellation is
	// observable within one dispatch cycle
	if !r.params.Subscriptions.Has(push.SubscriptionID) {
		log.WithFields(r.LogTags).Debugf(
			"Dropped %s push for removed subscription %s", push.Kind, push.SubscriptionID,
		)
		return nil
	}
	if push.Kind == common.PushEnd {
		if protocol, err := r.params.Subscriptions.Cancel(push.SubscriptionID); err == nil {
			r.params.Metrics.RecordSubscriptionEnded(string(protocol))
		}
		r.retirePump(push.SubscriptionID)
	}
	if push.Kind == common.PushEvent {
		if protocol, err := ClassifyChannel(push.Event.Channel); err == nil {
			r.params.Metrics.RecordEventDelivered(string(protocol))
		}
	}
	r.writePush(push)
	return nil
}

// ==============================================================================
// Frame writing with oversize tunneling

// payloadRefEnvelope response data block substituted for a parked body
type payloadRefEnvelope struct {
	PayloadRef common.PayloadRef `json:"payloadRef"`
}

// writeResponse write one response frame, parking the data block in the
// payload store when the serialized frame exceeds the inline threshold
func (r *routerImpl) writeResponse(response common.Response) {
	if response.Data != nil {
		if encoded, err := json.Marshal(&response); err == nil &&
			len(encoded) > r.params.InlineThreshold {
			if ref, ok := r.parkBody(response.Data); ok {
				response.Data = payloadRefEnvelope{PayloadRef: ref}
			}
		}
	}
	r.write(&response)
}

// writePush write one push frame, parking the event payload in the payload
// store when the serialized frame exceeds the inline threshold
func (r *routerImpl) writePush(push common.Push) {
	if push.Event != nil && len(push.Event.Payload) > 0 {
		if encoded, err := json.Marshal(&push); err == nil &&
			len(encoded) > r.params.InlineThreshold {
			if ref, ok := r.parkBody(push.Event.Payload); ok {
				// Copy the envelope so the stored payload pointer is not shared
				event := *push.Event
				event.Payload = nil
				event.PayloadRef = &ref
				push.Event = &event
			}
		}
	}
	r.write(&push)
}

// parkBody store one oversized body and return its retrieval reference
func (r *routerImpl) parkBody(body interface{}) (common.PayloadRef, bool) {
	raw, err := json.Marshal(body)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to serialize oversized body")
		return common.PayloadRef{}, false
	}
	token, err := r.params.Payloads.Store(r.operationContext, raw, "application/json")
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to park oversized body")
		return common.PayloadRef{}, false
	}
	log.WithFields(r.LogTags).Infof("Parked %d byte body as %s...", len(raw), token[:8])
	return common.PayloadRef{
		Token: token, Size: int64(len(raw)), ContentType: "application/json",
	}, true
}

// write emit one frame. A failed write is fatal to the process since the
// transport is the only channel back to the caller.
func (r *routerImpl) write(v interface{}) {
	if err := r.params.Framer.WriteMessage(v); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Frame write failed")
		if common.CodeOf(err) == common.CodeWriteFailed {
			r.params.FatalAbort()
		}
	}
}
