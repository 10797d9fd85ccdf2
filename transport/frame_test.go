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

package transport

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/streamgate/streamgate/common"
	"github.com/stretchr/testify/assert"
)

func testConfig() common.TransportConfig {
	return common.TransportConfig{MaxReadBytes: 1024, MaxWriteBytes: 256}
}

func encodeFrame(t *testing.T, v interface{}) []byte {
	body, err := json.Marshal(v)
	assert.Nil(t, err)
	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame
}

func TestFramerReadMessage(t *testing.T) {
	assert := assert.New(t)

	request := common.Request{ID: "req-1", Type: common.RequestTypeHandshake}
	input := bytes.NewBuffer(encodeFrame(t, &request))
	uut, err := GetFramerInstance(testConfig(), input, &bytes.Buffer{}, nil)
	assert.Nil(err)

	parsed, err := uut.ReadMessage()
	assert.Nil(err)
	assert.Equal("req-1", parsed.ID)
	assert.Equal(common.RequestTypeHandshake, parsed.Type)

	// Channel exhausted
	_, err = uut.ReadMessage()
	assert.Equal(io.EOF, err)
}

// slowReader returns one byte per Read call to force reassembly
type slowReader struct {
	data []byte
	pos  int
}

func (r *slowReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	p[0] = r.data[r.pos]
	r.pos++
	return 1, nil
}

func TestFramerReassemblesPartialFrames(t *testing.T) {
	assert := assert.New(t)

	request := common.Request{ID: "req-2", Type: common.RequestTypeSubscribe}
	uut, err := GetFramerInstance(
		testConfig(), &slowReader{data: encodeFrame(t, &request)}, &bytes.Buffer{}, nil,
	)
	assert.Nil(err)

	parsed, err := uut.ReadMessage()
	assert.Nil(err)
	assert.Equal("req-2", parsed.ID)
}

func TestFramerRejectsOversizedDeclaredLength(t *testing.T) {
	assert := assert.New(t)

	// Header declares far more than the ceiling. No body follows, so a
	// read attempting the declared length would fail differently.
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], 1<<30)
	uut, err := GetFramerInstance(
		testConfig(), bytes.NewBuffer(header[:]), &bytes.Buffer{}, nil,
	)
	assert.Nil(err)

	_, err = uut.ReadMessage()
	assert.NotNil(err)
	assert.Equal(common.CodeMalformedFrame, common.CodeOf(err))
	assert.True(errors.Is(err, ErrFrameTooLarge))
}

func TestFramerRejectsBadJSON(t *testing.T) {
	assert := assert.New(t)

	body := []byte("{this is not json")
	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	uut, err := GetFramerInstance(testConfig(), bytes.NewBuffer(frame), &bytes.Buffer{}, nil)
	assert.Nil(err)

	_, err = uut.ReadMessage()
	assert.NotNil(err)
	assert.Equal(common.CodeMalformedFrame, common.CodeOf(err))
	assert.True(errors.Is(err, ErrBodyNotJSON))
}

func TestFramerWriteMessage(t *testing.T) {
	assert := assert.New(t)

	output := &bytes.Buffer{}
	uut, err := GetFramerInstance(testConfig(), &bytes.Buffer{}, output, nil)
	assert.Nil(err)

	response := common.GetStdSuccessResponse("req-3", map[string]string{"hello": "world"})
	assert.Nil(uut.WriteMessage(&response))

	written := output.Bytes()
	assert.True(len(written) > 4)
	declared := binary.LittleEndian.Uint32(written[:4])
	assert.Equal(int(declared), len(written)-4)

	var decoded common.Response
	assert.Nil(json.Unmarshal(written[4:], &decoded))
	assert.Equal("req-3", decoded.ID)
	assert.True(decoded.Success)
}

func TestFramerEnforcesWriteCeiling(t *testing.T) {
	assert := assert.New(t)

	output := &bytes.Buffer{}
	uut, err := GetFramerInstance(testConfig(), &bytes.Buffer{}, output, nil)
	assert.Nil(err)

	big := make([]byte, 512)
	for idx := range big {
		big[idx] = 'x'
	}
	err = uut.WriteMessage(common.GetStdSuccessResponse("req-4", string(big)))
	assert.NotNil(err)
	assert.Equal(common.CodeMalformedFrame, common.CodeOf(err))
	assert.Equal(0, output.Len())
}

// failingWriter always rejects writes
type failingWriter struct{}

func (w failingWriter) Write(p []byte) (int, error) {
	return 0, fmt.Errorf("pipe closed")
}

func TestFramerReportsWriteFailure(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetFramerInstance(testConfig(), &bytes.Buffer{}, failingWriter{}, nil)
	assert.Nil(err)

	err = uut.WriteMessage(common.GetStdSuccessResponse("req-5", nil))
	assert.NotNil(err)
	assert.Equal(common.CodeWriteFailed, common.CodeOf(err))
}
