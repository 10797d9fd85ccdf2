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

package payload

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/streamgate/streamgate/common"
	"github.com/streamgate/streamgate/metric"
)

// Store holds oversized response bodies until the caller fetches them over
// the loopback retrieval server. Every entry is one-time read with a short TTL.
type Store interface {
	// Store insert data and return the retrieval token
	Store(ctxt context.Context, data []byte, contentType string) (string, error)
	// Retrieve fetch and delete the entry for token. Fails with PayloadNotFound
	// if the token is unknown, expired, already consumed, or the presented
	// secret does not match.
	Retrieve(ctxt context.Context, token, presentedSecret string) ([]byte, string, error)
	// StartSweeping start the periodic expiry sweep
	StartSweeping() error
	// StopSweeping stop the periodic expiry sweep
	StopSweeping() error
}

// storedPayload one parked response body
type storedPayload struct {
	data        []byte
	contentType string
	storedAt    time.Time
	expiresAt   time.Time
}

// storeImpl implements Store
type storeImpl struct {
	common.Component
	lock    *sync.Mutex
	entries map[string]storedPayload
	ttl     time.Duration
	sweep   time.Duration
	secret  []byte
	timer   common.IntervalTimer
	metrics *metric.Metrics
}

// GetPayloadStoreInstance define a payload store guarding retrievals with secret
func GetPayloadStoreInstance(
	ctxt context.Context,
	config common.PayloadConfig,
	secret string,
	wg *sync.WaitGroup,
	metrics *metric.Metrics,
) (Store, error) {
	logTags := log.Fields{
		"module": "payload", "component": "store",
	}
	timer, err := common.GetIntervalTimerInstance("payload-sweep", ctxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sweep timer")
		return nil, err
	}
	return &storeImpl{
		Component: common.Component{LogTags: logTags},
		lock:      &sync.Mutex{},
		entries:   make(map[string]storedPayload),
		ttl:       time.Second * time.Duration(config.TTL),
		sweep:     time.Second * time.Duration(config.SweepInterval),
		secret:    []byte(secret),
		timer:     timer,
		metrics:   metrics,
	}, nil
}

// GenerateSecret create the process wide retrieval secret
func GenerateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// newToken create one unguessable retrieval token
func newToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// Store insert data and return the retrieval token
func (s *storeImpl) Store(
	ctxt context.Context, data []byte, contentType string,
) (string, error) {
	token, err := newToken()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Token generation failed")
		return "", err
	}
	now := time.Now()
	s.lock.Lock()
	defer s.lock.Unlock()
	s.entries[token] = storedPayload{
		data:        data,
		contentType: contentType,
		storedAt:    now,
		expiresAt:   now.Add(s.ttl),
	}
	s.metrics.RecordPayloadStored()
	log.WithFields(s.LogTags).Debugf("Parked %d bytes of %s", len(data), contentType)
	return token, nil
}

// Retrieve fetch and delete the entry for token
func (s *storeImpl) Retrieve(
	ctxt context.Context, token, presentedSecret string,
) ([]byte, string, error) {
	// Secret compare happens regardless of whether the token exists
	secretOK := subtle.ConstantTimeCompare(s.secret, []byte(presentedSecret)) == 1
	s.lock.Lock()
	defer s.lock.Unlock()
	entry, ok := s.entries[token]
	if !ok || !secretOK {
		return nil, "", common.NewError(common.CodePayloadNotFound, "no payload for token")
	}
	// Expiry is authoritative by timestamp even before any sweep runs
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, token)
		s.metrics.RecordPayloadExpired()
		return nil, "", common.NewError(common.CodePayloadNotFound, "no payload for token")
	}
	// First successful read claims and deletes the entry, so a concurrent or
	// repeat fetch of the same token can never see it again
	delete(s.entries, token)
	s.metrics.RecordPayloadRetrieved()
	log.WithFields(s.LogTags).Debugf("Released %d bytes of %s", len(entry.data), entry.contentType)
	return entry.data, entry.contentType, nil
}

// sweepExpired delete expired but never fetched entries
func (s *storeImpl) sweepExpired() error {
	now := time.Now()
	s.lock.Lock()
	defer s.lock.Unlock()
	for token, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, token)
			s.metrics.RecordPayloadExpired()
			log.WithFields(s.LogTags).Debugf(
				"Swept %d bytes unfetched after %s", len(entry.data), now.Sub(entry.storedAt),
			)
		}
	}
	return nil
}

// StartSweeping start the periodic expiry sweep
func (s *storeImpl) StartSweeping() error {
	return s.timer.Start(s.sweep, s.sweepExpired, false)
}

// StopSweeping stop the periodic expiry sweep
func (s *storeImpl) StopSweeping() error {
	return s.timer.Stop()
}
