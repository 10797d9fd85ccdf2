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

package common

import "encoding/json"

// Request types accepted over the frame transport
const (
	RequestTypeHandshake        = "handshake"
	RequestTypeSubscribe        = "subscribe"
	RequestTypeUnsubscribe      = "unsubscribe"
	RequestTypeGetTopicMetadata = "getTopicMetadata"
	RequestTypeGetSchema        = "getSchema"
)

// Request one caller request received over the frame transport
type Request struct {
	// ID correlates the eventual response with this request
	ID string `json:"id" validate:"required"`
	// Type selects the operation
	Type string `json:"type" validate:"required,oneof=handshake subscribe unsubscribe getTopicMetadata getSchema"`
	// Data is the operation specific parameter block
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorDetail machine readable error within a response or push
type ErrorDetail struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

// Response reply to one caller request, correlated by ID
type Response struct {
	ID      string       `json:"id"`
	Success bool         `json:"success"`
	Data    interface{}  `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// GetStdSuccessResponse define a standard success response
func GetStdSuccessResponse(requestID string, data interface{}) Response {
	return Response{ID: requestID, Success: true, Data: data}
}

// GetStdErrorResponse define a standard error response from an error
func GetStdErrorResponse(requestID string, err error) Response {
	return Response{
		ID: requestID, Success: false, Error: &ErrorDetail{
			Code: CodeOf(err), Message: err.Error(),
		},
	}
}

// PushKind discriminates push messages
type PushKind string

// Push message kinds
const (
	PushEvent PushKind = "event"
	PushError PushKind = "error"
	PushEnd   PushKind = "end"
)

// Push proxy originated message for one subscription, uncorrelated to any request
type Push struct {
	// SubscriptionID is the owning subscription
	SubscriptionID string `json:"subscriptionId" validate:"required"`
	// Kind is one of event, error, or end
	Kind PushKind `json:"kind" validate:"required,oneof=event error end"`
	// Event is present when Kind == event
	Event *EventEnvelope `json:"event,omitempty"`
	// Error is present when Kind == error
	Error *ErrorDetail `json:"error,omitempty"`
}

// EventEnvelope one upstream event delivered to the caller
type EventEnvelope struct {
	// Channel the event arrived on
	Channel string `json:"channel"`
	// ReplayID marks this event's position in channel history
	ReplayID string `json:"replayId,omitempty"`
	// SchemaID identifies the schema the payload was decoded with
	SchemaID string `json:"schemaId,omitempty"`
	// Payload is the decoded event body, inline
	Payload json.RawMessage `json:"payload,omitempty"`
	// PayloadRef replaces Payload when the body was parked in the payload store
	PayloadRef *PayloadRef `json:"payloadRef,omitempty"`
}

// PayloadRef handle for an oversized body parked in the payload store
type PayloadRef struct {
	Token       string `json:"token"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType,omitempty"`
}

// HandshakeResponse connection parameters returned to the caller
type HandshakeResponse struct {
	// Port is the loopback retrieval server's bound TCP port
	Port int `json:"port"`
	// Secret must be presented on payload retrievals
	Secret string `json:"secret"`
	// MaxInlineBytes is the largest frame the proxy will write without tunneling
	MaxInlineBytes int `json:"maxInlineBytes"`
	// Version is the host build version
	Version string `json:"version"`
}

// ReplayPreset where a new subscription starts in channel history
type ReplayPreset string

// Supported replay presets
const (
	ReplayLatest   ReplayPreset = "latest"
	ReplayEarliest ReplayPreset = "earliest"
	ReplayCustom   ReplayPreset = "custom"
)

// SubscribeRequest caller parameters for one new subscription
type SubscribeRequest struct {
	// SubscriptionID is the caller chosen identity for this subscription
	SubscriptionID string `json:"subscriptionId" validate:"required"`
	// Channel is the upstream channel name, also used for protocol routing
	Channel string `json:"channel" validate:"required"`
	// Endpoint is the upstream endpoint for the owning protocol
	Endpoint string `json:"endpoint" validate:"required"`
	// AccessToken is the bearer credential presented upstream
	AccessToken string `json:"accessToken" validate:"required"`
	// TenantID is the upstream tenant context
	TenantID string `json:"tenantId,omitempty"`
	// ReplayPreset picks the replay start position. Defaults to latest.
	ReplayPreset ReplayPreset `json:"replayPreset,omitempty" validate:"omitempty,oneof=latest earliest custom"`
	// ReplayID is the explicit replay position when ReplayPreset == custom
	ReplayID string `json:"replayId,omitempty"`
	// RequestedCount is the initial flow control credit for event stream subscriptions
	RequestedCount int32 `json:"requestedCount,omitempty" validate:"gte=0"`
}

// UnsubscribeRequest caller parameters to stop a subscription
type UnsubscribeRequest struct {
	SubscriptionID string `json:"subscriptionId" validate:"required"`
}

// TopicMetadataRequest caller parameters for a topic metadata query
type TopicMetadataRequest struct {
	Topic       string `json:"topic" validate:"required"`
	Endpoint    string `json:"endpoint" validate:"required"`
	AccessToken string `json:"accessToken" validate:"required"`
	TenantID    string `json:"tenantId,omitempty"`
}

// SchemaFetchRequest caller parameters for a schema query
type SchemaFetchRequest struct {
	SchemaID    string `json:"schemaId" validate:"required"`
	Endpoint    string `json:"endpoint" validate:"required"`
	AccessToken string `json:"accessToken" validate:"required"`
	TenantID    string `json:"tenantId,omitempty"`
}

// TopicMetadata upstream topic state returned by getTopicMetadata
type TopicMetadata struct {
	TopicName    string `json:"topicName"`
	SchemaID     string `json:"schemaId,omitempty"`
	CanSubscribe bool   `json:"canSubscribe"`
	CanPublish   bool   `json:"canPublish"`
	TenantGUID   string `json:"tenantGuid,omitempty"`
}

// SchemaInfo upstream schema definition returned by getSchema
type SchemaInfo struct {
	SchemaID   string          `json:"schemaId"`
	SchemaJSON json.RawMessage `json:"schema"`
}
