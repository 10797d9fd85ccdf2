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

package cometd

import (
	"encoding/json"
	"strconv"
)

// Bayeux meta channels
const (
	metaHandshake   = "/meta/handshake"
	metaConnect     = "/meta/connect"
	metaSubscribe   = "/meta/subscribe"
	metaUnsubscribe = "/meta/unsubscribe"
	metaDisconnect  = "/meta/disconnect"
)

// Server advice reconnect directives
const (
	adviceRetry     = "retry"
	adviceHandshake = "handshake"
	adviceNone      = "none"
)

// Replay extension sentinel positions
const (
	replayNewOnly  int64 = -1
	replayEarliest int64 = -2
)

// adviceRank severity order of the reconnect directives, none over handshake
// over retry
func adviceRank(reconnect string) int {
	switch reconnect {
	case adviceNone:
		return 3
	case adviceHandshake:
		return 2
	case adviceRetry:
		return 1
	}
	return 0
}

// strongerAdvice keep whichever reconnect directive is more severe
func strongerAdvice(current, candidate *bayeuxAdvice) *bayeuxAdvice {
	if candidate == nil || adviceRank(candidate.Reconnect) == 0 {
		return current
	}
	if current == nil || adviceRank(candidate.Reconnect) > adviceRank(current.Reconnect) {
		return candidate
	}
	return current
}

// bayeuxAdvice server guidance on how the client should proceed
type bayeuxAdvice struct {
	// Reconnect is one of retry, handshake, or none
	Reconnect string `json:"reconnect,omitempty"`
	// Interval is the wait before reconnecting, in milliseconds
	Interval int `json:"interval,omitempty"`
	// Timeout is the server side long poll hold, in milliseconds
	Timeout int `json:"timeout,omitempty"`
}

// bayeuxMessage one message within a Bayeux exchange. Requests and responses
// travel as JSON arrays of these.
type bayeuxMessage struct {
	Channel                  string          `json:"channel"`
	Version                  string          `json:"version,omitempty"`
	SupportedConnectionTypes []string        `json:"supportedConnectionTypes,omitempty"`
	ConnectionType           string          `json:"connectionType,omitempty"`
	ClientID                 string          `json:"clientId,omitempty"`
	Subscription             string          `json:"subscription,omitempty"`
	ID                       string          `json:"id,omitempty"`
	Successful               *bool           `json:"successful,omitempty"`
	Error                    string          `json:"error,omitempty"`
	Advice                   *bayeuxAdvice   `json:"advice,omitempty"`
	Ext                      json.RawMessage `json:"ext,omitempty"`
	Data                     json.RawMessage `json:"data,omitempty"`
}

// succeeded whether the server marked the message successful
func (m *bayeuxMessage) succeeded() bool {
	return m.Successful != nil && *m.Successful
}

// replayExt build the replay extension block mapping channel to start position
func replayExt(channel string, position int64) json.RawMessage {
	ext := map[string]map[string]int64{
		"replay": {channel: position},
	}
	encoded, _ := json.Marshal(ext)
	return encoded
}

// deliveredEventMeta the portion of a delivered message's data block carrying
// the event replay position
type deliveredEventMeta struct {
	Event struct {
		ReplayID json.Number `json:"replayId"`
	} `json:"event"`
}

// extractReplayID pull the replay position out of a delivered message, if any
func extractReplayID(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var meta deliveredEventMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return ""
	}
	return meta.Event.ReplayID.String()
}

// parseReplayPosition map a caller supplied replay ID onto the extension value
func parseReplayPosition(replayID string) int64 {
	if replayID == "" {
		return replayNewOnly
	}
	position, err := strconv.ParseInt(replayID, 10, 64)
	if err != nil {
		return replayNewOnly
	}
	return position
}
