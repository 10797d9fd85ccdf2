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
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/apex/log"
	"github.com/streamgate/streamgate/common"
	"github.com/streamgate/streamgate/metric"
)

// ErrFrameTooLarge inbound frame declared a length above the hard read ceiling.
// The channel byte position is no longer trustworthy after this, so the caller
// must treat it as fatal rather than skip the frame.
var ErrFrameTooLarge = errors.New("declared frame length exceeds read ceiling")

// ErrBodyNotJSON a complete frame arrived but its body failed to parse. The
// channel framing is still intact, so the caller may keep reading.
var ErrBodyNotJSON = errors.New("frame body is not JSON")

// Framer reads and writes length prefixed JSON frames on the local channel.
// Frame layout is a four byte little endian length followed by that many bytes
// of UTF-8 JSON.
type Framer interface {
	// ReadMessage block until one complete frame is available and return the
	// parsed request. Returns io.EOF once the channel closes cleanly.
	ReadMessage() (*common.Request, error)
	// WriteMessage serialize v and write it as one frame. The write is atomic
	// with respect to other WriteMessage calls.
	WriteMessage(v interface{}) error
}

// framerImpl implements Framer
type framerImpl struct {
	common.Component
	reader    *bufio.Reader
	writer    io.Writer
	writeLock *sync.Mutex
	maxRead   uint32
	maxWrite  uint32
	metrics   *metric.Metrics
}

// GetFramerInstance define a Framer over a reader / writer pair
func GetFramerInstance(
	config common.TransportConfig, reader io.Reader, writer io.Writer, metrics *metric.Metrics,
) (Framer, error) {
	logTags := log.Fields{
		"module": "transport", "component": "framer",
	}
	return &framerImpl{
		Component: common.Component{LogTags: logTags},
		reader:    bufio.NewReader(reader),
		writer:    writer,
		writeLock: &sync.Mutex{},
		maxRead:   config.MaxReadBytes,
		maxWrite:  config.MaxWriteBytes,
		metrics:   metrics,
	}, nil
}

// ReadMessage block until one complete frame is available
func (f *framerImpl) ReadMessage() (*common.Request, error) {
	var header [4]byte
	if _, err := io.ReadFull(f.reader, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, common.WrapError(
			common.CodeMalformedFrame, err, "frame header read failed",
		)
	}
	declared := binary.LittleEndian.Uint32(header[:])
	// Reject before allocating anything for the body
	if declared > f.maxRead {
		f.metrics.RecordMalformedFrame()
		return nil, common.WrapError(
			common.CodeMalformedFrame, ErrFrameTooLarge,
			"declared %d > ceiling %d", declared, f.maxRead,
		)
	}
	body := make([]byte, int(declared))
	if _, err := io.ReadFull(f.reader, body); err != nil {
		f.metrics.RecordMalformedFrame()
		return nil, common.WrapError(
			common.CodeMalformedFrame, err, "frame body truncated at %d bytes", declared,
		)
	}
	var request common.Request
	if err := json.Unmarshal(body, &request); err != nil {
		f.metrics.RecordMalformedFrame()
		log.WithError(err).WithFields(f.LogTags).Error("Frame body failed JSON parse")
		return nil, common.WrapError(
			common.CodeMalformedFrame, ErrBodyNotJSON, "parse failed: %s", err,
		)
	}
	f.metrics.RecordFrameRead()
	return &request, nil
}

// WriteMessage serialize v and write it as one frame
func (f *framerImpl) WriteMessage(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return common.WrapError(common.CodeWriteFailed, err, "frame serialization failed")
	}
	if uint32(len(body)) > f.maxWrite {
		// Callers must have routed oversized bodies through the payload store
		return common.NewError(
			common.CodeMalformedFrame, "frame of %d bytes exceeds write ceiling %d",
			len(body), f.maxWrite,
		)
	}
	// Header and body go out as one Write call so concurrent writers can
	// never interleave partial frames
	buffer := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buffer[:4], uint32(len(body)))
	copy(buffer[4:], body)
	f.writeLock.Lock()
	defer f.writeLock.Unlock()
	if _, err := f.writer.Write(buffer); err != nil {
		log.WithError(err).WithFields(f.LogTags).Error("Frame write failed")
		return common.WrapError(common.CodeWriteFailed, err, "local channel rejected write")
	}
	f.metrics.RecordFrameWritten()
	return nil
}
