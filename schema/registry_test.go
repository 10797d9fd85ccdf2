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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/linkedin/goavro/v2"
	"github.com/streamgate/streamgate/common"
	"github.com/stretchr/testify/assert"
)

const testRecordSchema = `{
	"type": "record",
	"name": "ChangeEvent",
	"fields": [
		{"name": "field_one", "type": "string"},
		{"name": "field_two", "type": "long"}
	]
}`

func TestSchemaResolveAndDecode(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetRegistryInstance(nil)
	assert.Nil(err)
	ctxt := context.Background()

	schemaID := uuid.New().String()
	fetchCalls := int32(0)
	fetch := func(ctxt context.Context, id string) (string, error) {
		atomic.AddInt32(&fetchCalls, 1)
		assert.Equal(schemaID, id)
		return testRecordSchema, nil
	}

	// Build an Avro binary payload matching the schema
	codec, err := goavro.NewCodec(testRecordSchema)
	assert.Nil(err)
	binaryPayload, err := codec.BinaryFromNative(nil, map[string]interface{}{
		"field_one": "hello", "field_two": int64(42),
	})
	assert.Nil(err)

	decoded, err := uut.Decode(ctxt, schemaID, fetch, binaryPayload)
	assert.Nil(err)
	var asMap map[string]interface{}
	assert.Nil(json.Unmarshal(decoded, &asMap))
	assert.Equal("hello", asMap["field_one"])

	// Second decode uses the cached codec
	_, err = uut.Decode(ctxt, schemaID, fetch, binaryPayload)
	assert.Nil(err)
	assert.Equal(int32(1), atomic.LoadInt32(&fetchCalls))
}

func TestSchemaConcurrentResolveSingleFetch(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRegistryInstance(nil)
	assert.Nil(err)
	ctxt := context.Background()

	schemaID := uuid.New().String()
	fetchCalls := int32(0)
	fetch := func(ctxt context.Context, id string) (string, error) {
		atomic.AddInt32(&fetchCalls, 1)
		// Hold the fetch open so concurrent resolves pile up behind it
		time.Sleep(time.Millisecond * 100)
		return testRecordSchema, nil
	}

	wg := sync.WaitGroup{}
	start := make(chan bool)
	for idx := 0; idx < 8; idx++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			codec, lclErr := uut.Resolve(ctxt, schemaID, fetch)
			assert.Nil(lclErr)
			assert.NotNil(codec)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(int32(1), atomic.LoadInt32(&fetchCalls))
}

func TestSchemaFetchFailure(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRegistryInstance(nil)
	assert.Nil(err)

	fetch := func(ctxt context.Context, id string) (string, error) {
		return "", fmt.Errorf("upstream gone")
	}
	_, err = uut.Resolve(context.Background(), uuid.New().String(), fetch)
	assert.NotNil(err)
	assert.Equal(common.CodeSchemaDecodeError, common.CodeOf(err))
}

func TestSchemaDecodeRejectsBadPayload(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRegistryInstance(nil)
	assert.Nil(err)

	fetch := func(ctxt context.Context, id string) (string, error) {
		return testRecordSchema, nil
	}
	_, err = uut.Decode(
		context.Background(), uuid.New().String(), fetch, []byte{0x01},
	)
	assert.NotNil(err)
	assert.Equal(common.CodeSchemaDecodeError, common.CodeOf(err))
}
