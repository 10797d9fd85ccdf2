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

package schema

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/apex/log"
	"github.com/linkedin/goavro/v2"
	"github.com/streamgate/streamgate/common"
	"github.com/streamgate/streamgate/metric"
	"golang.org/x/sync/singleflight"
)

// FetchFunc retrieve the Avro schema definition JSON for one schema ID
type FetchFunc func(ctxt context.Context, schemaID string) (string, error)

// Registry caches compiled Avro codecs by schema ID for the process lifetime.
// Schemas are versioned by ID upstream and never mutate, so entries are
// immutable once cached.
type Registry interface {
	// Resolve return the codec for schemaID, fetching and compiling it on the
	// first request. Concurrent resolves of the same uncached ID collapse into
	// one upstream fetch.
	Resolve(ctxt context.Context, schemaID string, fetch FetchFunc) (*goavro.Codec, error)
	// Decode decode one Avro binary payload into its JSON representation
	Decode(
		ctxt context.Context, schemaID string, fetch FetchFunc, payload []byte,
	) (json.RawMessage, error)
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	lock    *sync.RWMutex
	codecs  map[string]*goavro.Codec
	flight  *singleflight.Group
	metrics *metric.Metrics
}

// GetRegistryInstance define a schema registry
func GetRegistryInstance(metrics *metric.Metrics) (Registry, error) {
	logTags := log.Fields{
		"module": "schema", "component": "registry",
	}
	return &registryImpl{
		Component: common.Component{LogTags: logTags},
		lock:      &sync.RWMutex{},
		codecs:    make(map[string]*goavro.Codec),
		flight:    &singleflight.Group{},
		metrics:   metrics,
	}, nil
}

// Resolve return the codec for schemaID, fetching and compiling on first request
func (r *registryImpl) Resolve(
	ctxt context.Context, schemaID string, fetch FetchFunc,
) (*goavro.Codec, error) {
	r.lock.RLock()
	codec, ok := r.codecs[schemaID]
	r.lock.RUnlock()
	if ok {
		r.metrics.RecordSchemaCacheHit()
		return codec, nil
	}
	// Later concurrent callers for the same ID wait on the first fetch here
	// instead of issuing their own
	result, err, _ := r.flight.Do(schemaID, func() (interface{}, error) {
		r.lock.RLock()
		cached, found := r.codecs[schemaID]
		r.lock.RUnlock()
		if found {
			return cached, nil
		}
		r.metrics.RecordSchemaCacheMiss()
		log.WithFields(r.LogTags).Infof("Fetching schema %s", schemaID)
		definition, fetchErr := fetch(ctxt, schemaID)
		if fetchErr != nil {
			return nil, common.WrapError(
				common.CodeSchemaDecodeError, fetchErr, "schema %s fetch failed", schemaID,
			)
		}
		compiled, compileErr := goavro.NewCodec(definition)
		if compileErr != nil {
			return nil, common.WrapError(
				common.CodeSchemaDecodeError, compileErr, "schema %s failed to compile", schemaID,
			)
		}
		r.lock.Lock()
		r.codecs[schemaID] = compiled
		r.lock.Unlock()
		return compiled, nil
	})
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to resolve schema %s", schemaID)
		return nil, err
	}
	return result.(*goavro.Codec), nil
}

// Decode decode one Avro binary payload into its JSON representation
func (r *registryImpl) Decode(
	ctxt context.Context, schemaID string, fetch FetchFunc, payload []byte,
) (json.RawMessage, error) {
	codec, err := r.Resolve(ctxt, schemaID, fetch)
	if err != nil {
		r.metrics.RecordDecodeFailure()
		return nil, err
	}
	native, _, err := codec.NativeFromBinary(payload)
	if err != nil {
		r.metrics.RecordDecodeFailure()
		return nil, common.WrapError(
			common.CodeSchemaDecodeError, err,
			"schema %s rejected %d byte payload", schemaID, len(payload),
		)
	}
	asJSON, err := codec.TextualFromNative(nil, native)
	if err != nil {
		r.metrics.RecordDecodeFailure()
		return nil, common.WrapError(
			common.CodeSchemaDecodeError, err,
			"schema %s decoded %d byte payload but JSON render failed", schemaID, len(payload),
		)
	}
	return json.RawMessage(asJSON), nil
}
