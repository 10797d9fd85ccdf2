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

import (
	"github.com/apex/log"
	"github.com/spf13/viper"
)

// ===============================================================================
// Frame Transport Related Config

// TransportConfig defines frame transport parameters
type TransportConfig struct {
	// MaxReadBytes is the hard ceiling on a declared inbound frame length.
	// Frames declaring more are rejected before any allocation.
	MaxReadBytes uint32 `mapstructure:"max_read_bytes" json:"max_read_bytes" validate:"required,gt=0"`
	// MaxWriteBytes is the protocol ceiling on an outbound frame body. Larger
	// bodies must be routed through the payload store instead.
	MaxWriteBytes uint32 `mapstructure:"max_write_bytes" json:"max_write_bytes" validate:"required,gt=0"`
}

// ===============================================================================
// Payload Store Related Config

// PayloadConfig defines payload store parameters
type PayloadConfig struct {
	// TTL is the lifetime of an unfetched payload entry in seconds
	TTL int `mapstructure:"ttl_sec" json:"ttl_sec" validate:"gte=1"`
	// SweepInterval is the duration between expiry sweeps in seconds
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
	// InlineThreshold is the serialized frame size in bytes above which a
	// response body is parked in the payload store instead of sent inline
	InlineThreshold int `mapstructure:"inline_threshold_bytes" json:"inline_threshold_bytes" validate:"gte=1024"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on. Zero selects an
	// ephemeral port; the bound port is reported through the handshake.
	Port uint16 `mapstructure:"listen_port" json:"listen_port"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// RetrievalServerConfig defines configuration for the loopback retrieval server
type RetrievalServerConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
	// PathPrefix is the end-point path prefix for the retrieval APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Event Stream Client Related Config

// EventStreamConfig defines gRPC event stream client parameters
type EventStreamConfig struct {
	// ConnectTimeout is the max duration for dialing the upstream in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// CallTimeout is the deadline for unary upstream calls in seconds
	CallTimeout int `mapstructure:"call_timeout_sec" json:"call_timeout_sec" validate:"gte=1"`
	// DefaultRequestedCount is the flow control credit used when the caller
	// does not name one
	DefaultRequestedCount int32 `mapstructure:"default_requested_count" json:"default_requested_count" validate:"gte=1"`
}

// ===============================================================================
// Long Poll Client Related Config

// LongPollConfig defines Bayeux long poll client parameters
type LongPollConfig struct {
	// HandshakeTimeout is the max duration of one handshake exchange in seconds
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=1"`
	// RequestTimeout is the client side ceiling on one long poll exchange in
	// seconds. Must exceed the server's hold duration.
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
	// MaxBackoff is the ceiling on reconnect backoff in seconds
	MaxBackoff int `mapstructure:"max_backoff_sec" json:"max_backoff_sec" validate:"gte=1"`
	// SubscriptionBuffer is the per subscription delivery buffer depth
	SubscriptionBuffer int `mapstructure:"subscription_buffer" json:"subscription_buffer" validate:"gte=1"`
}

// ===============================================================================
// Router Related Config

// RouterConfig defines request router parameters
type RouterConfig struct {
	// TaskBuffer is the router event loop queue depth
	TaskBuffer int `mapstructure:"task_buffer" json:"task_buffer" validate:"gte=1"`
	// PushBuffer is the per subscription push channel depth
	PushBuffer int `mapstructure:"push_buffer" json:"push_buffer" validate:"gte=1"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete proxy host config
type SystemConfig struct {
	// Transport are the frame transport config parameters
	Transport TransportConfig `mapstructure:"transport" json:"transport" validate:"required,dive"`
	// Payload are the payload store config parameters
	Payload PayloadConfig `mapstructure:"payload" json:"payload" validate:"required,dive"`
	// Retrieval are the loopback retrieval server configs
	Retrieval RetrievalServerConfig `mapstructure:"retrieval" json:"retrieval" validate:"required,dive"`
	// EventStream are the gRPC event stream client configs
	EventStream EventStreamConfig `mapstructure:"eventbus" json:"eventbus" validate:"required,dive"`
	// LongPoll are the Bayeux long poll client configs
	LongPoll LongPollConfig `mapstructure:"cometd" json:"cometd" validate:"required,dive"`
	// Router are the request router configs
	Router RouterConfig `mapstructure:"router" json:"router" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default frame transport settings
	viper.SetDefault("transport.max_read_bytes", 32*1024*1024)
	viper.SetDefault("transport.max_write_bytes", 1024*1024)

	// Default payload store settings
	viper.SetDefault("payload.ttl_sec", 60)
	viper.SetDefault("payload.sweep_interval_sec", 15)
	viper.SetDefault("payload.inline_threshold_bytes", 768*1024)

	// Default retrieval server settings
	viper.SetDefault("retrieval.path_prefix", "/")
	viper.SetDefault("retrieval.server_config.listen_on", "127.0.0.1")
	viper.SetDefault("retrieval.server_config.listen_port", 0)
	viper.SetDefault("retrieval.server_config.read_timeout_sec", 60)
	viper.SetDefault("retrieval.server_config.write_timeout_sec", 60)
	viper.SetDefault("retrieval.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"retrieval.logging_config.request_id_header", "Streamgate-Request-ID",
	)
	viper.SetDefault(
		"retrieval.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
			"X-Proxy-Secret",
		},
	)

	// Default event stream client settings
	viper.SetDefault("eventbus.connect_timeout_sec", 30)
	viper.SetDefault("eventbus.call_timeout_sec", 30)
	viper.SetDefault("eventbus.default_requested_count", 100)

	// Default long poll client settings
	viper.SetDefault("cometd.handshake_timeout_sec", 30)
	viper.SetDefault("cometd.request_timeout_sec", 125)
	viper.SetDefault("cometd.max_backoff_sec", 30)
	viper.SetDefault("cometd.subscription_buffer", 64)

	// Default router settings
	viper.SetDefault("router.task_buffer", 64)
	viper.SetDefault("router.push_buffer", 64)
}

// NormalizeConfigValues reconcile settings whose validity depends on each
// other. The inline threshold must stay at or under the frame write ceiling,
// or a frame that should have been parked would fail the write instead.
func NormalizeConfigValues(config *SystemConfig) {
	if config.Payload.InlineThreshold > int(config.Transport.MaxWriteBytes) {
		log.Warnf(
			"Clamping payload.inline_threshold_bytes %d to transport.max_write_bytes %d",
			config.Payload.InlineThreshold, config.Transport.MaxWriteBytes,
		)
		config.Payload.InlineThreshold = int(config.Transport.MaxWriteBytes)
	}
}
