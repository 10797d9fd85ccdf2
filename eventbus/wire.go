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
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The upstream RPC surface is a small closed set of messages, so the wire
// codecs are written directly against protowire instead of carrying
// generated stubs.

// RPC method names on the upstream event bus
const (
	methodSubscribe = "/eventbus.v1.PubSub/Subscribe"
	methodGetSchema = "/eventbus.v1.PubSub/GetSchema"
	methodGetTopic  = "/eventbus.v1.PubSub/GetTopic"
)

// Replay preset wire values
const (
	replayPresetLatest   = 0
	replayPresetEarliest = 1
	replayPresetCustom   = 2
)

// wireMessage a message hand encoded with protowire
type wireMessage interface {
	marshal() ([]byte, error)
	unmarshal(data []byte) error
}

// wireCodec grpc codec delegating to the hand written message codecs
type wireCodec struct{}

// Marshal implements grpc encoding.Codec
func (wireCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("%T is not a wire message", v)
	}
	return m.marshal()
}

// Unmarshal implements grpc encoding.Codec
func (wireCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("%T is not a wire message", v)
	}
	return m.unmarshal(data)
}

// Name implements grpc encoding.Codec
func (wireCodec) Name() string {
	return "proto"
}

// fieldError standard malformed field failure
func fieldError(message string, field protowire.Number) error {
	return fmt.Errorf("%s: bad field %d", message, field)
}

// scanFields walk all fields of an encoded message, calling visit per field.
// Fields the visitor does not recognize are skipped.
func scanFields(
	message string, data []byte,
	visit func(field protowire.Number, wireType protowire.Type, value []byte) (int, error),
) error {
	for len(data) > 0 {
		field, wireType, tagLen := protowire.ConsumeTag(data)
		if tagLen < 0 {
			return fmt.Errorf("%s: bad tag", message)
		}
		data = data[tagLen:]
		used, err := visit(field, wireType, data)
		if err != nil {
			return err
		}
		if used == 0 {
			used = protowire.ConsumeFieldValue(field, wireType, data)
			if used < 0 {
				return fieldError(message, field)
			}
		}
		data = data[used:]
	}
	return nil
}

// ==============================================================================

// fetchRequest flow control request sent on the subscribe stream
type fetchRequest struct {
	TopicName    string
	ReplayPreset int
	ReplayID     []byte
	NumRequested int32
}

func (m *fetchRequest) marshal() ([]byte, error) {
	var buf []byte
	if m.TopicName != "" {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendString(buf, m.TopicName)
	}
	if m.ReplayPreset != replayPresetLatest {
		buf = protowire.AppendTag(buf, 2, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.ReplayPreset))
	}
	if len(m.ReplayID) > 0 {
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, m.ReplayID)
	}
	if m.NumRequested != 0 {
		buf = protowire.AppendTag(buf, 4, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.NumRequested))
	}
	return buf, nil
}

func (m *fetchRequest) unmarshal(data []byte) error {
	return scanFields(
		"fetchRequest", data,
		func(field protowire.Number, wireType protowire.Type, value []byte) (int, error) {
			switch field {
			case 1:
				v, n := protowire.ConsumeString(value)
				if n < 0 {
					return 0, fieldError("fetchRequest", field)
				}
				m.TopicName = v
				return n, nil
			case 2:
				v, n := protowire.ConsumeVarint(value)
				if n < 0 {
					return 0, fieldError("fetchRequest", field)
				}
				m.ReplayPreset = int(v)
				return n, nil
			case 3:
				v, n := protowire.ConsumeBytes(value)
				if n < 0 {
					return 0, fieldError("fetchRequest", field)
				}
				m.ReplayID = append([]byte(nil), v...)
				return n, nil
			case 4:
				v, n := protowire.ConsumeVarint(value)
				if n < 0 {
					return 0, fieldError("fetchRequest", field)
				}
				m.NumRequested = int32(v)
				return n, nil
			}
			return 0, nil
		},
	)
}

// producerEvent one published event inside a consumer event
type producerEvent struct {
	ID       string
	SchemaID string
	Payload  []byte
}

func (m *producerEvent) marshal() ([]byte, error) {
	var buf []byte
	if m.ID != "" {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendString(buf, m.ID)
	}
	if m.SchemaID != "" {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendString(buf, m.SchemaID)
	}
	if len(m.Payload) > 0 {
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, m.Payload)
	}
	return buf, nil
}

func (m *producerEvent) unmarshal(data []byte) error {
	return scanFields(
		"producerEvent", data,
		func(field protowire.Number, wireType protowire.Type, value []byte) (int, error) {
			switch field {
			case 1:
				v, n := protowire.ConsumeString(value)
				if n < 0 {
					return 0, fieldError("producerEvent", field)
				}
				m.ID = v
				return n, nil
			case 2:
				v, n := protowire.ConsumeString(value)
				if n < 0 {
					return 0, fieldError("producerEvent", field)
				}
				m.SchemaID = v
				return n, nil
			case 3:
				v, n := protowire.ConsumeBytes(value)
				if n < 0 {
					return 0, fieldError("producerEvent", field)
				}
				m.Payload = append([]byte(nil), v...)
				return n, nil
			}
			return 0, nil
		},
	)
}

// consumerEvent one delivered event plus its replay position
type consumerEvent struct {
	Event    *producerEvent
	ReplayID []byte
}

func (m *consumerEvent) marshal() ([]byte, error) {
	var buf []byte
	if m.Event != nil {
		inner, err := m.Event.marshal()
		if err != nil {
			return nil, err
		}
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, inner)
	}
	if len(m.ReplayID) > 0 {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, m.ReplayID)
	}
	return buf, nil
}

func (m *consumerEvent) unmarshal(data []byte) error {
	return scanFields(
		"consumerEvent", data,
		func(field protowire.Number, wireType protowire.Type, value []byte) (int, error) {
			switch field {
			case 1:
				v, n := protowire.ConsumeBytes(value)
				if n < 0 {
					return 0, fieldError("consumerEvent", field)
				}
				event := &producerEvent{}
				if err := event.unmarshal(v); err != nil {
					return 0, err
				}
				m.Event = event
				return n, nil
			case 2:
				v, n := protowire.ConsumeBytes(value)
				if n < 0 {
					return 0, fieldError("consumerEvent", field)
				}
				m.ReplayID = append([]byte(nil), v...)
				return n, nil
			}
			return 0, nil
		},
	)
}

// fetchResponse one batch of events received on the subscribe stream
type fetchResponse struct {
	Events              []*consumerEvent
	LatestReplayID      []byte
	RPCID               string
	PendingNumRequested int32
}

func (m *fetchResponse) marshal() ([]byte, error) {
	var buf []byte
	for _, event := range m.Events {
		inner, err := event.marshal()
		if err != nil {
			return nil, err
		}
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, inner)
	}
	if len(m.LatestReplayID) > 0 {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, m.LatestReplayID)
	}
	if m.RPCID != "" {
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendString(buf, m.RPCID)
	}
	if m.PendingNumRequested != 0 {
		buf = protowire.AppendTag(buf, 4, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.PendingNumRequested))
	}
	return buf, nil
}

func (m *fetchResponse) unmarshal(data []byte) error {
	return scanFields(
		"fetchResponse", data,
		func(field protowire.Number, wireType protowire.Type, value []byte) (int, error) {
			switch field {
			case 1:
				v, n := protowire.ConsumeBytes(value)
				if n < 0 {
					return 0, fieldError("fetchResponse", field)
				}
				event := &consumerEvent{}
				if err := event.unmarshal(v); err != nil {
					return 0, err
				}
				m.Events = append(m.Events, event)
				return n, nil
			case 2:
				v, n := protowire.ConsumeBytes(value)
				if n < 0 {
					return 0, fieldError("fetchResponse", field)
				}
				m.LatestReplayID = append([]byte(nil), v...)
				return n, nil
			case 3:
				v, n := protowire.ConsumeString(value)
				if n < 0 {
					return 0, fieldError("fetchResponse", field)
				}
				m.RPCID = v
				return n, nil
			case 4:
				v, n := protowire.ConsumeVarint(value)
				if n < 0 {
					return 0, fieldError("fetchResponse", field)
				}
				m.PendingNumRequested = int32(v)
				return n, nil
			}
			return 0, nil
		},
	)
}

// ==============================================================================

// schemaRequest unary schema lookup request
type schemaRequest struct {
	SchemaID string
}

func (m *schemaRequest) marshal() ([]byte, error) {
	var buf []byte
	if m.SchemaID != "" {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendString(buf, m.SchemaID)
	}
	return buf, nil
}

func (m *schemaRequest) unmarshal(data []byte) error {
	return scanFields(
		"schemaRequest", data,
		func(field protowire.Number, wireType protowire.Type, value []byte) (int, error) {
			if field == 1 {
				v, n := protowire.ConsumeString(value)
				if n < 0 {
					return 0, fieldError("schemaRequest", field)
				}
				m.SchemaID = v
				return n, nil
			}
			return 0, nil
		},
	)
}

// schemaInfo unary schema lookup response
type schemaInfo struct {
	SchemaJSON string
	RPCID      string
	SchemaID   string
}

func (m *schemaInfo) marshal() ([]byte, error) {
	var buf []byte
	if m.SchemaJSON != "" {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendString(buf, m.SchemaJSON)
	}
	if m.RPCID != "" {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendString(buf, m.RPCID)
	}
	if m.SchemaID != "" {
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendString(buf, m.SchemaID)
	}
	return buf, nil
}

func (m *schemaInfo) unmarshal(data []byte) error {
	return scanFields(
		"schemaInfo", data,
		func(field protowire.Number, wireType protowire.Type, value []byte) (int, error) {
			switch field {
			case 1:
				v, n := protowire.ConsumeString(value)
				if n < 0 {
					return 0, fieldError("schemaInfo", field)
				}
				m.SchemaJSON = v
				return n, nil
			case 2:
				v, n := protowire.ConsumeString(value)
				if n < 0 {
					return 0, fieldError("schemaInfo", field)
				}
				m.RPCID = v
				return n, nil
			case 3:
				v, n := protowire.ConsumeString(value)
				if n < 0 {
					return 0, fieldError("schemaInfo", field)
				}
				m.SchemaID = v
				return n, nil
			}
			return 0, nil
		},
	)
}

// topicRequest unary topic metadata request
type topicRequest struct {
	TopicName string
}

func (m *topicRequest) marshal() ([]byte, error) {
	var buf []byte
	if m.TopicName != "" {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendString(buf, m.TopicName)
	}
	return buf, nil
}

func (m *topicRequest) unmarshal(data []byte) error {
	return scanFields(
		"topicRequest", data,
		func(field protowire.Number, wireType protowire.Type, value []byte) (int, error) {
			if field == 1 {
				v, n := protowire.ConsumeString(value)
				if n < 0 {
					return 0, fieldError("topicRequest", field)
				}
				m.TopicName = v
				return n, nil
			}
			return 0, nil
		},
	)
}

// topicInfo unary topic metadata response
type topicInfo struct {
	TopicName    string
	TenantGUID   string
	CanPublish   bool
	CanSubscribe bool
	SchemaID     string
}

func (m *topicInfo) marshal() ([]byte, error) {
	var buf []byte
	if m.TopicName != "" {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendString(buf, m.TopicName)
	}
	if m.TenantGUID != "" {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendString(buf, m.TenantGUID)
	}
	if m.CanPublish {
		buf = protowire.AppendTag(buf, 3, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
	}
	if m.CanSubscribe {
		buf = protowire.AppendTag(buf, 4, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
	}
	if m.SchemaID != "" {
		buf = protowire.AppendTag(buf, 5, protowire.BytesType)
		buf = protowire.AppendString(buf, m.SchemaID)
	}
	return buf, nil
}

func (m *topicInfo) unmarshal(data []byte) error {
	return scanFields(
		"topicInfo", data,
		func(field protowire.Number, wireType protowire.Type, value []byte) (int, error) {
			switch field {
			case 1:
				v, n := protowire.ConsumeString(value)
				if n < 0 {
					return 0, fieldError("topicInfo", field)
				}
				m.TopicName = v
				return n, nil
			case 2:
				v, n := protowire.ConsumeString(value)
				if n < 0 {
					return 0, fieldError("topicInfo", field)
				}
				m.TenantGUID = v
				return n, nil
			case 3:
				v, n := protowire.ConsumeVarint(value)
				if n < 0 {
					return 0, fieldError("topicInfo", field)
				}
				m.CanPublish = v != 0
				return n, nil
			case 4:
				v, n := protowire.ConsumeVarint(value)
				if n < 0 {
					return 0, fieldError("topicInfo", field)
				}
				m.CanSubscribe = v != 0
				return n, nil
			case 5:
				v, n := protowire.ConsumeString(value)
				if n < 0 {
					return 0, fieldError("topicInfo", field)
				}
				m.SchemaID = v
				return n, nil
			}
			return 0, nil
		},
	)
}
