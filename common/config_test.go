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
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		viper.Reset()
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
	}

	// Case 2: invalid config
	{
		config := []byte(`---
retrieval:
  server_config:
    listen_on: not-an-address`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid config
	{
		config := []byte(`---
payload:
  ttl_sec: -30`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: config file overrides a default
	{
		config := []byte(`---
payload:
  inline_threshold_bytes: 524288`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(512*1024, cfg.Payload.InlineThreshold)
	}
}

func TestConfigInlineThresholdClamp(t *testing.T) {
	assert := assert.New(t)

	validate := validator.New()

	// A threshold above the frame write ceiling is pulled back to it, so an
	// oversized body is always parked instead of failing the write
	{
		config := []byte(`---
transport:
  max_write_bytes: 262144
payload:
  inline_threshold_bytes: 524288`)
		viper.Reset()
		InstallDefaultConfigValues()
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		NormalizeConfigValues(&cfg)
		assert.Equal(262144, cfg.Payload.InlineThreshold)
	}

	// A threshold already under the ceiling is left alone
	{
		viper.Reset()
		InstallDefaultConfigValues()
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		NormalizeConfigValues(&cfg)
		assert.Equal(768*1024, cfg.Payload.InlineThreshold)
	}
}
