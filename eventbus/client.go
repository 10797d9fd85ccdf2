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

package eventbus

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/streamgate/streamgate/common"
	"github.com/streamgate/streamgate/metric"
	"github.com/streamgate/streamgate/schema"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ProtocolName tag used for subscriptions owned by this client
const ProtocolName = "eventStream"

// State subscription stream state
type State int32

// Subscription stream states
const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateError
	StateEnded
)

// String implements Stringer
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateStreaming:
		return "Streaming"
	case StateError:
		return "Error"
	case StateEnded:
		return "Ended"
	}
	return "Unknown"
}

// ConnectParams upstream endpoint and credential for one request. Never cached
// beyond the life of the operation using it.
type ConnectParams struct {
	// Endpoint is the upstream gRPC host
	Endpoint string `validate:"required"`
	// AccessToken is the bearer credential
	AccessToken string `validate:"required"`
	// InstanceURL is the tenant API base URL, when distinct from Endpoint
	InstanceURL string
	// TenantID is the upstream tenant context
	TenantID string
}

// SubscribeParams parameters for one new event stream subscription
type SubscribeParams struct {
	// SubscriptionID is the caller chosen subscription identity
	SubscriptionID string
	// Topic is the upstream topic channel name
	Topic string
	// ReplayPreset picks where the stream starts in topic history
	ReplayPreset common.ReplayPreset
	// ReplayID is the base64 replay position when ReplayPreset is custom
	ReplayID string
	// RequestedCount is the flow control credit requested per fetch
	RequestedCount int32
	// Connect is the upstream endpoint and credential
	Connect ConnectParams
}

// DeliverFunc receives pushes produced by a subscription's stream
type DeliverFunc func(push common.Push)

// Subscription one active event stream subscription
type Subscription interface {
	// ID the caller chosen subscription identity
	ID() string
	// State the current stream state
	State() State
	// Stop cancel the stream. The state flips to Ended before Stop returns
	// even though transport teardown completes asynchronously.
	Stop() error
}

// Client event bus protocol client
type Client interface {
	// Subscribe open a subscription stream and deliver its events until
	// stopped or the stream ends
	Subscribe(ctxt context.Context, params SubscribeParams, deliver DeliverFunc) (Subscription, error)
	// GetTopic fetch metadata for one topic
	GetTopic(ctxt context.Context, connect ConnectParams, topic string) (*common.TopicMetadata, error)
	// GetSchema fetch one schema definition by ID
	GetSchema(ctxt context.Context, connect ConnectParams, schemaID string) (*common.SchemaInfo, error)
}

// eventStream the send / receive surface of the subscribe stream. Satisfied by
// grpc.ClientStream.
type eventStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// clientImpl implements Client
type clientImpl struct {
	common.Component
	config  common.EventStreamConfig
	schemas schema.Registry
	metrics *metric.Metrics
	rootCtx context.Context
	wg      *sync.WaitGroup
}

// GetClientInstance define an event bus client
func GetClientInstance(
	ctxt context.Context,
	config common.EventStreamConfig,
	schemas schema.Registry,
	wg *sync.WaitGroup,
	metrics *metric.Metrics,
) (Client, error) {
	logTags := log.Fields{
		"module": "eventbus", "component": "client",
	}
	return &clientImpl{
		Component: common.Component{LogTags: logTags},
		config:    config,
		schemas:   schemas,
		metrics:   metrics,
		rootCtx:   ctxt,
		wg:        wg,
	}, nil
}

// dialTarget normalize a caller supplied endpoint into a gRPC dial target
func dialTarget(endpoint string) string {
	target := endpoint
	if idx := strings.Index(target, "://"); idx >= 0 {
		target = target[idx+3:]
	}
	target = strings.TrimSuffix(target, "/")
	if !strings.Contains(target, ":") {
		target = target + ":443"
	}
	return target
}

// dial connect to the upstream endpoint
func (c *clientImpl) dial(ctxt context.Context, connect ConnectParams) (*grpc.ClientConn, error) {
	dialCtxt, cancel := context.WithTimeout(
		ctxt, time.Second*time.Duration(c.config.ConnectTimeout),
	)
	defer cancel()
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	conn, err := grpc.DialContext(
		dialCtxt, dialTarget(connect.Endpoint),
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
	)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Unable to dial %s", connect.Endpoint,
		)
		return nil, classifyRPCError(err)
	}
	return conn, nil
}

// withCallCredentials attach the per request credential metadata
func withCallCredentials(ctxt context.Context, connect ConnectParams) context.Context {
	instanceURL := connect.InstanceURL
	if instanceURL == "" {
		instanceURL = connect.Endpoint
	}
	return metadata.AppendToOutgoingContext(
		ctxt,
		"accesstoken", connect.AccessToken,
		"instanceurl", instanceURL,
		"tenantid", connect.TenantID,
	)
}

// classifyRPCError map transport failures onto the closed caller facing set
func classifyRPCError(err error) error {
	rpcStatus, ok := status.FromError(err)
	if !ok {
		return common.WrapError(common.CodeUnknown, err, "event bus failure")
	}
	switch rpcStatus.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return common.WrapError(common.CodeAuthError, err, "upstream rejected credential")
	case codes.Unavailable, codes.Canceled, codes.Aborted:
		return common.WrapError(common.CodeStreamReset, err, "upstream stream reset")
	}
	return common.WrapError(common.CodeUnknown, err, "event bus failure")
}

// decodeReplayID parse a caller supplied base64 replay position
func decodeReplayID(replayID string) ([]byte, error) {
	if replayID == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(replayID)
	if err != nil {
		return nil, common.WrapError(
			common.CodeInvalidRequest, err, "replay ID is not base64",
		)
	}
	return raw, nil
}

// replayPresetWireValue map the caller facing preset onto the wire enum
func replayPresetWireValue(preset common.ReplayPreset, replayID []byte) int {
	switch preset {
	case common.ReplayEarliest:
		return replayPresetEarliest
	case common.ReplayCustom:
		if len(replayID) > 0 {
			return replayPresetCustom
		}
	}
	return replayPresetLatest
}

// ==============================================================================

// subscriptionImpl implements Subscription
type subscriptionImpl struct {
	common.Component
	id       string
	topic    string
	state    int32
	cancel   context.CancelFunc
	stopOnce *sync.Once
}

// ID the caller chosen subscription identity
func (s *subscriptionImpl) ID() string {
	return s.id
}

// State the current stream state
func (s *subscriptionImpl) State() State {
	return State(atomic.LoadInt32(&s.state))
}

// setState record a state transition
func (s *subscriptionImpl) setState(newState State) {
	atomic.StoreInt32(&s.state, int32(newState))
}

// setStateIfActive record a state transition unless already stopped
func (s *subscriptionImpl) setStateIfActive(newState State) {
	for {
		current := atomic.LoadInt32(&s.state)
		if State(current) == StateEnded || State(current) == StateError {
			return
		}
		if atomic.CompareAndSwapInt32(&s.state, current, int32(newState)) {
			return
		}
	}
}

// Stop cancel the stream
func (s *subscriptionImpl) Stop() error {
	s.stopOnce.Do(func() {
		// Ended must be observable the moment Stop returns
		s.setState(StateEnded)
		s.cancel()
		log.WithFields(s.LogTags).Info("Subscription stopped")
	})
	return nil
}

// Subscribe open a subscription stream and deliver its events
func (c *clientImpl) Subscribe(
	ctxt context.Context, params SubscribeParams, deliver DeliverFunc,
) (Subscription, error) {
	logTags := log.Fields{
		"module":       "eventbus",
		"component":    "subscription",
		"subscription": params.SubscriptionID,
		"topic":        params.Topic,
	}

	replayID, err := decodeReplayID(params.ReplayID)
	if err != nil {
		return nil, err
	}
	requested := params.RequestedCount
	if requested <= 0 {
		requested = c.config.DefaultRequestedCount
	}

	sub := &subscriptionImpl{
		Component: common.Component{LogTags: logTags},
		id:        params.SubscriptionID,
		topic:     params.Topic,
		state:     int32(StateIdle),
		stopOnce:  &sync.Once{},
	}
	sub.setState(StateConnecting)

	conn, err := c.dial(ctxt, params.Connect)
	if err != nil {
		sub.setState(StateError)
		return nil, err
	}

	// The stream lives on the client root context, not the request context
	streamCtxt, streamCancel := context.WithCancel(
		withCallCredentials(c.rootCtx, params.Connect),
	)
	sub.cancel = streamCancel

	stream, err := conn.NewStream(
		streamCtxt,
		&grpc.StreamDesc{StreamName: "Subscribe", ClientStreams: true, ServerStreams: true},
		methodSubscribe,
		grpc.ForceCodec(wireCodec{}),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open subscribe stream")
		streamCancel()
		_ = conn.Close()
		sub.setState(StateError)
		return nil, classifyRPCError(err)
	}

	initial := &fetchRequest{
		TopicName:    params.Topic,
		ReplayPreset: replayPresetWireValue(params.ReplayPreset, replayID),
		ReplayID:     replayID,
		NumRequested: requested,
	}
	if err := stream.SendMsg(initial); err != nil {
		log.WithError(err).WithFields(logTags).Error("Initial fetch request failed")
		streamCancel()
		_ = conn.Close()
		sub.setState(StateError)
		return nil, classifyRPCError(err)
	}
	sub.setState(StateStreaming)
	log.WithFields(logTags).Infof("Streaming with %d requested", requested)

	fetchSchema := c.schemaFetcher(conn, params.Connect)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { _ = conn.Close() }()
		c.receiveLoop(streamCtxt, sub, stream, requested, fetchSchema, deliver)
	}()
	return sub, nil
}

// schemaFetcher build the schema registry fetch callback against one connection
func (c *clientImpl) schemaFetcher(
	conn *grpc.ClientConn, connect ConnectParams,
) schema.FetchFunc {
	return func(ctxt context.Context, schemaID string) (string, error) {
		callCtxt, cancel := context.WithTimeout(
			withCallCredentials(ctxt, connect),
			time.Second*time.Duration(c.config.CallTimeout),
		)
		defer cancel()
		info := &schemaInfo{}
		if err := conn.Invoke(
			callCtxt, methodGetSchema, &schemaRequest{SchemaID: schemaID}, info,
			grpc.ForceCodec(wireCodec{}),
		); err != nil {
			return "", classifyRPCError(err)
		}
		return info.SchemaJSON, nil
	}
}

// receiveLoop pump one subscription's stream until it ends
func (c *clientImpl) receiveLoop(
	ctxt context.Context,
	sub *subscriptionImpl,
	stream eventStream,
	requested int32,
	fetchSchema schema.FetchFunc,
	deliver DeliverFunc,
) {
	credit := requested
	for {
		response := &fetchResponse{}
		if err := stream.RecvMsg(response); err != nil {
			c.finishStream(sub, err, deliver)
			return
		}
		for _, event := range response.Events {
			if event.Event == nil {
				continue
			}
			credit--
			envelope, err := c.decodeEvent(ctxt, sub.topic, event, fetchSchema)
			if err != nil {
				// Skip the event, keep the stream alive
				log.WithError(err).WithFields(sub.LogTags).Error("Event decode failed")
				deliver(common.Push{
					SubscriptionID: sub.id,
					Kind:           common.PushError,
					Error: &common.ErrorDetail{
						Code: common.CodeOf(err), Message: err.Error(),
					},
				})
			} else {
				deliver(common.Push{
					SubscriptionID: sub.id, Kind: common.PushEvent, Event: envelope,
				})
			}
			// Refill the credit before delivery continues so the stream can
			// never stall waiting on flow control
			if credit <= 0 {
				if err := stream.SendMsg(&fetchRequest{NumRequested: requested}); err != nil {
					c.finishStream(sub, err, deliver)
					return
				}
				credit += requested
				log.WithFields(sub.LogTags).Debugf("Requested %d more events", requested)
			}
		}
	}
}

// decodeEvent decode one consumer event into a caller facing envelope
func (c *clientImpl) decodeEvent(
	ctxt context.Context, topic string, event *consumerEvent, fetchSchema schema.FetchFunc,
) (*common.EventEnvelope, error) {
	decoded, err := c.schemas.Decode(ctxt, event.Event.SchemaID, fetchSchema, event.Event.Payload)
	if err != nil {
		return nil, err
	}
	return &common.EventEnvelope{
		Channel:  topic,
		ReplayID: base64.StdEncoding.EncodeToString(event.ReplayID),
		SchemaID: event.Event.SchemaID,
		Payload:  decoded,
	}, nil
}

// finishStream record stream termination and notify the caller
func (c *clientImpl) finishStream(sub *subscriptionImpl, cause error, deliver DeliverFunc) {
	if sub.State() == StateEnded {
		// Caller already unsubscribed. Teardown noise is not reported.
		log.WithFields(sub.LogTags).Debug("Stream closed after stop")
		return
	}
	if cause == io.EOF {
		sub.setStateIfActive(StateEnded)
		log.WithFields(sub.LogTags).Info("Stream ended upstream")
		deliver(common.Push{SubscriptionID: sub.id, Kind: common.PushEnd})
		return
	}
	classified := classifyRPCError(cause)
	sub.setStateIfActive(StateError)
	log.WithError(classified).WithFields(sub.LogTags).Error("Stream failed")
	deliver(common.Push{
		SubscriptionID: sub.id,
		Kind:           common.PushError,
		Error: &common.ErrorDetail{
			Code: common.CodeOf(classified), Message: classified.Error(),
		},
	})
}

// ==============================================================================

// GetTopic fetch metadata for one topic
func (c *clientImpl) GetTopic(
	ctxt context.Context, connect ConnectParams, topic string,
) (*common.TopicMetadata, error) {
	conn, err := c.dial(ctxt, connect)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	callCtxt, cancel := context.WithTimeout(
		withCallCredentials(ctxt, connect),
		time.Second*time.Duration(c.config.CallTimeout),
	)
	defer cancel()
	info := &topicInfo{}
	if err := conn.Invoke(
		callCtxt, methodGetTopic, &topicRequest{TopicName: topic}, info,
		grpc.ForceCodec(wireCodec{}),
	); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("GetTopic %s failed", topic)
		return nil, classifyRPCError(err)
	}
	return &common.TopicMetadata{
		TopicName:    info.TopicName,
		SchemaID:     info.SchemaID,
		CanSubscribe: info.CanSubscribe,
		CanPublish:   info.CanPublish,
		TenantGUID:   info.TenantGUID,
	}, nil
}

// GetSchema fetch one schema definition by ID
func (c *clientImpl) GetSchema(
	ctxt context.Context, connect ConnectParams, schemaID string,
) (*common.SchemaInfo, error) {
	conn, err := c.dial(ctxt, connect)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	callCtxt, cancel := context.WithTimeout(
		withCallCredentials(ctxt, connect),
		time.Second*time.Duration(c.config.CallTimeout),
	)
	defer cancel()
	info := &schemaInfo{}
	if err := conn.Invoke(
		callCtxt, methodGetSchema, &schemaRequest{SchemaID: schemaID}, info,
		grpc.ForceCodec(wireCodec{}),
	); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("GetSchema %s failed", schemaID)
		return nil, classifyRPCError(err)
	}
	if !json.Valid([]byte(info.SchemaJSON)) {
		return nil, common.NewError(
			common.CodeSchemaDecodeError, "schema %s definition is not JSON", schemaID,
		)
	}
	resolvedID := info.SchemaID
	if resolvedID == "" {
		resolvedID = schemaID
	}
	return &common.SchemaInfo{
		SchemaID:   resolvedID,
		SchemaJSON: json.RawMessage(info.SchemaJSON),
	}, nil
}
