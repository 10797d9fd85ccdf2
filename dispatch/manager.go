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

package dispatch

import (
	"sync"

	"github.com/apex/log"
	"github.com/streamgate/streamgate/cometd"
	"github.com/streamgate/streamgate/common"
	"github.com/streamgate/streamgate/eventbus"
)

// Protocol tags the wire protocol owning a subscription
type Protocol string

// The closed set of protocols, tagged with the owning client's name
const (
	// ProtocolEventStream the gRPC event bus
	ProtocolEventStream Protocol = eventbus.ProtocolName
	// ProtocolLongPoll the Bayeux long poll endpoint
	ProtocolLongPoll Protocol = cometd.ProtocolName
)

// Manager is the single source of truth mapping subscription ID to its owning
// protocol and cancellation closure. All mutation goes through its
// synchronized operations.
type Manager interface {
	// Add register a new subscription. Fails if the ID is already live.
	Add(id string, protocol Protocol, channel string, cancel func()) error
	// Has whether a subscription is currently registered
	Has(id string) bool
	// Cancel remove a subscription and run its cancellation closure. The
	// closure runs exactly once even across repeated or concurrent cancels.
	Cancel(id string) (Protocol, error)
	// CancelAll cancel every live subscription and return their IDs
	CancelAll() []string
}

// subscriptionRecord one live subscription
type subscriptionRecord struct {
	protocol Protocol
	channel  string
	cancel   func()
	once     *sync.Once
}

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	lock    *sync.Mutex
	records map[string]*subscriptionRecord
}

// GetManagerInstance define a subscription manager
func GetManagerInstance() (Manager, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "subscription-manager",
	}
	return &managerImpl{
		Component: common.Component{LogTags: logTags},
		lock:      &sync.Mutex{},
		records:   make(map[string]*subscriptionRecord),
	}, nil
}

// Add register a new subscription
func (m *managerImpl) Add(id string, protocol Protocol, channel string, cancel func()) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.records[id]; ok {
		return common.NewError(
			common.CodeSubscriptionExists, "subscription %s is already live", id,
		)
	}
	m.records[id] = &subscriptionRecord{
		protocol: protocol, channel: channel, cancel: cancel, once: &sync.Once{},
	}
	log.WithFields(m.LogTags).Infof("Registered %s on %s via %s", id, channel, protocol)
	return nil
}

// Has whether a subscription is currently registered
func (m *managerImpl) Has(id string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	_, ok := m.records[id]
	return ok
}

// Cancel remove a subscription and run its cancellation closure
func (m *managerImpl) Cancel(id string) (Protocol, error) {
	m.lock.Lock()
	record, ok := m.records[id]
	if ok {
		delete(m.records, id)
	}
	m.lock.Unlock()
	if !ok {
		return "", common.NewError(
			common.CodeSubscriptionNotFound, "subscription %s is not registered", id,
		)
	}
	record.once.Do(record.cancel)
	log.WithFields(m.LogTags).Infof("Cancelled %s via %s", id, record.protocol)
	return record.protocol, nil
}

// CancelAll cancel every live subscription and return their IDs
func (m *managerImpl) CancelAll() []string {
	m.lock.Lock()
	doomed := make(map[string]*subscriptionRecord, len(m.records))
	for id, record := range m.records {
		doomed[id] = record
	}
	m.records = make(map[string]*subscriptionRecord)
	m.lock.Unlock()
	ids := make([]string, 0, len(doomed))
	for id, record := range doomed {
		record.once.Do(record.cancel)
		ids = append(ids, id)
	}
	if len(ids) > 0 {
		log.WithFields(m.LogTags).Infof("Cancelled %d live subscriptions", len(ids))
	}
	return ids
}
