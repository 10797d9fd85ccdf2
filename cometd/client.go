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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/streamgate/streamgate/common"
	"github.com/streamgate/streamgate/metric"
)

// ProtocolName tag used for subscriptions owned by this client
const ProtocolName = "longPoll"

// State long poll session state
type State int32

// Session states
const (
	StateDisconnected State = iota
	StateHandshaking
	StateConnected
	StateSubscribed
	StateReconnecting
)

// String implements Stringer
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateHandshaking:
		return "Handshaking"
	case StateConnected:
		return "Connected"
	case StateSubscribed:
		return "Subscribed"
	case StateReconnecting:
		return "Reconnecting"
	}
	return "Unknown"
}

// ConnectParams upstream endpoint and credential for one subscription
type ConnectParams struct {
	// Endpoint is the Bayeux HTTP endpoint URL
	Endpoint string `validate:"required,url"`
	// AccessToken is the bearer credential
	AccessToken string `validate:"required"`
}

// SubscribeParams parameters for one new long poll channel subscription
type SubscribeParams struct {
	// SubscriptionID is the caller chosen subscription identity
	SubscriptionID string
	// Channel is the Bayeux channel name
	Channel string
	// ReplayID is the decimal replay position to resume after, empty for
	// new events only
	ReplayID string
	// ReplayPreset overrides ReplayID with a sentinel position
	ReplayPreset common.ReplayPreset
	// Connect is the upstream endpoint and credential
	Connect ConnectParams
}

// DeliverFunc receives pushes produced for one subscription
type DeliverFunc func(push common.Push)

// Subscription one active long poll channel subscription
type Subscription interface {
	// ID the caller chosen subscription identity
	ID() string
	// Stop remove the subscription from its session. The session itself is
	// torn down once no subscription uses it.
	Stop() error
}

// SessionPool owns all Bayeux sessions, one per endpoint and credential pair.
// Subscriptions with the same pair share a session instead of opening more.
type SessionPool interface {
	// Subscribe attach a channel subscription to the pooled session for the
	// endpoint and credential, creating and handshaking the session on first use
	Subscribe(ctxt context.Context, params SubscribeParams, deliver DeliverFunc) (Subscription, error)
	// ActiveSessions the number of currently open sessions
	ActiveSessions() int
}

// poolImpl implements SessionPool
type poolImpl struct {
	common.Component
	config   common.LongPollConfig
	lock     *sync.Mutex
	sessions map[string]*session
	rootCtx  context.Context
	wg       *sync.WaitGroup
	metrics  *metric.Metrics
}

// GetSessionPoolInstance define a Bayeux session pool
func GetSessionPoolInstance(
	ctxt context.Context,
	config common.LongPollConfig,
	wg *sync.WaitGroup,
	metrics *metric.Metrics,
) (SessionPool, error) {
	logTags := log.Fields{
		"module": "cometd", "component": "session-pool",
	}
	return &poolImpl{
		Component: common.Component{LogTags: logTags},
		config:    config,
		lock:      &sync.Mutex{},
		sessions:  make(map[string]*session),
		rootCtx:   ctxt,
		wg:        wg,
		metrics:   metrics,
	}, nil
}

// sessionKey sessions are shared per endpoint and credential pair
func sessionKey(connect ConnectParams) string {
	return connect.Endpoint + "\x00" + connect.AccessToken
}

// ActiveSessions the number of currently open sessions
func (p *poolImpl) ActiveSessions() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.sessions)
}

// Subscribe attach a channel subscription to the pooled session
func (p *poolImpl) Subscribe(
	ctxt context.Context, params SubscribeParams, deliver DeliverFunc,
) (Subscription, error) {
	key := sessionKey(params.Connect)
	p.lock.Lock()
	sess, ok := p.sessions[key]
	if !ok {
		sess = p.newSession(key, params.Connect)
		p.sessions[key] = sess
	}
	p.lock.Unlock()

	// First caller performs the handshake, later callers share its outcome
	if err := sess.start(ctxt); err != nil {
		p.dropSession(sess)
		return nil, err
	}

	sub := &channelSub{
		Component: common.Component{LogTags: log.Fields{
			"module": "cometd", "component": "subscription",
			"subscription": params.SubscriptionID, "channel": params.Channel,
		}},
		id:      params.SubscriptionID,
		channel: params.Channel,
		replay:  resolveReplayPosition(params),
		deliver: deliver,
		session: sess,
		queue:   make(chan common.Push, p.config.SubscriptionBuffer),
		done:    make(chan struct{}),
	}
	if err := sess.subscribeChannel(ctxt, sub); err != nil {
		p.reapIfIdle(sess)
		return nil, err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		sub.pump(p.rootCtx)
	}()
	return sub, nil
}

// resolveReplayPosition compute the replay extension position for a subscription
func resolveReplayPosition(params SubscribeParams) int64 {
	switch params.ReplayPreset {
	case common.ReplayEarliest:
		return replayEarliest
	case common.ReplayCustom:
		return parseReplayPosition(params.ReplayID)
	}
	return replayNewOnly
}

// newSession define one session shell. The handshake happens in start.
func (p *poolImpl) newSession(key string, connect ConnectParams) *session {
	logTags := log.Fields{
		"module": "cometd", "component": "session", "endpoint": connect.Endpoint,
	}
	sessCtxt, cancel := context.WithCancel(p.rootCtx)
	return &session{
		Component: common.Component{LogTags: logTags},
		pool:      p,
		key:       key,
		connect:   connect,
		client: &http.Client{
			Timeout: time.Second * time.Duration(p.config.RequestTimeout),
		},
		lock:   &sync.Mutex{},
		subs:   make(map[string]*channelSub),
		ctxt:   sessCtxt,
		cancel: cancel,
	}
}

// dropSession remove a session which never became usable
func (p *poolImpl) dropSession(sess *session) {
	sess.cancel()
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.sessions[sess.key] == sess {
		delete(p.sessions, sess.key)
	}
}

// reapIfIdle tear the session down once nothing subscribes through it
func (p *poolImpl) reapIfIdle(sess *session) {
	if !sess.idle() {
		return
	}
	p.lock.Lock()
	if p.sessions[sess.key] == sess {
		delete(p.sessions, sess.key)
	}
	p.lock.Unlock()
	sess.shutdown()
}

// ==============================================================================

// channelSub one channel subscription riding a shared session
type channelSub struct {
	common.Component
	id      string
	channel string
	// replay advances as events arrive so a re-handshake resumes in place
	replay  int64
	deliver DeliverFunc
	session *session
	// queue decouples the session's poll loop from the consumer. A stalled
	// consumer only ever holds up its own subscription.
	queue   chan common.Push
	done    chan struct{}
	stopped int32
}

// ID the caller chosen subscription identity
func (s *channelSub) ID() string {
	return s.id
}

// Stop remove the subscription from its session
func (s *channelSub) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return nil
	}
	close(s.done)
	s.session.removeSubscription(s)
	s.session.pool.reapIfIdle(s.session)
	return nil
}

// active whether the subscription still wants delivery
func (s *channelSub) active() bool {
	return atomic.LoadInt32(&s.stopped) == 0
}

// enqueue hand one push to the delivery pump without blocking the session's
// poll loop. When the buffer is full the push is dropped; the caller can
// recover the gap through replay.
func (s *channelSub) enqueue(push common.Push) {
	if !s.active() {
		return
	}
	select {
	case s.queue <- push:
	default:
		log.WithFields(s.LogTags).Warnf("Delivery buffer full, dropped %s push", push.Kind)
	}
}

// pump drain the delivery buffer toward the consumer
func (s *channelSub) pump(ctxt context.Context) {
	for {
		select {
		case <-ctxt.Done():
			return
		case <-s.done:
			return
		case push := <-s.queue:
			s.deliver(push)
		}
	}
}

// ==============================================================================

// session one Bayeux client session shared by all channel subscriptions with
// the same endpoint and credential. All session state is owned here; callers
// go through the pool and never touch it directly.
type session struct {
	common.Component
	pool      *poolImpl
	key       string
	connect   ConnectParams
	client    *http.Client
	lock      *sync.Mutex
	clientID  string
	messageID int64
	state     int32
	subs      map[string]*channelSub
	startOnce sync.Once
	startErr  error
	ctxt      context.Context
	cancel    context.CancelFunc
}

// State the current session state
func (s *session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

// setState record a state transition
func (s *session) setState(newState State) {
	atomic.StoreInt32(&s.state, int32(newState))
}

// nextID allocate the next message ID for this session
func (s *session) nextID() string {
	return strconv.FormatInt(atomic.AddInt64(&s.messageID, 1), 10)
}

// idle whether no subscription uses this session
func (s *session) idle() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.subs) == 0
}

// start handshake and begin the long poll loop. Safe for concurrent callers;
// only the first performs the handshake.
func (s *session) start(ctxt context.Context) error {
	s.startOnce.Do(func() {
		if err := s.handshake(ctxt); err != nil {
			s.startErr = err
			return
		}
		s.pool.wg.Add(1)
		go func() {
			defer s.pool.wg.Done()
			s.connectLoop()
		}()
	})
	return s.startErr
}

// post execute one Bayeux exchange
func (s *session) post(
	ctxt context.Context, messages []bayeuxMessage,
) ([]bayeuxMessage, error) {
	body, err := json.Marshal(messages)
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(
		ctxt, http.MethodPost, s.connect.Endpoint, bytes.NewReader(body),
	)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+s.connect.AccessToken)
	response, err := s.client.Do(request)
	if err != nil {
		return nil, common.WrapError(common.CodeStreamReset, err, "long poll exchange failed")
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return nil, common.NewError(
			common.CodeAuthError, "upstream rejected credential with %d", response.StatusCode,
		)
	}
	if response.StatusCode != http.StatusOK {
		return nil, common.NewError(
			common.CodeStreamReset, "long poll exchange returned %d", response.StatusCode,
		)
	}
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, common.WrapError(common.CodeStreamReset, err, "long poll read failed")
	}
	var decoded []bayeuxMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, common.WrapError(
			common.CodeStreamReset, err, "long poll response is not a Bayeux array",
		)
	}
	return decoded, nil
}

// handshake negotiate a client session ID
func (s *session) handshake(ctxt context.Context) error {
	s.setState(StateHandshaking)
	handshakeCtxt, cancel := context.WithTimeout(
		ctxt, time.Second*time.Duration(s.pool.config.HandshakeTimeout),
	)
	defer cancel()
	responses, err := s.post(handshakeCtxt, []bayeuxMessage{{
		Channel:                  metaHandshake,
		Version:                  "1.0",
		SupportedConnectionTypes: []string{"long-polling"},
		ID:                       s.nextID(),
	}})
	if err != nil {
		s.setState(StateDisconnected)
		log.WithError(err).WithFields(s.LogTags).Error("Handshake exchange failed")
		return err
	}
	for _, message := range responses {
		if message.Channel != metaHandshake {
			continue
		}
		if !message.succeeded() || message.ClientID == "" {
			s.setState(StateDisconnected)
			return common.NewError(
				common.CodeAuthError, "handshake refused: %s", message.Error,
			)
		}
		s.lock.Lock()
		s.clientID = message.ClientID
		s.lock.Unlock()
		s.setState(StateConnected)
		log.WithFields(s.LogTags).Infof("Handshake complete as %s", message.ClientID)
		return nil
	}
	s.setState(StateDisconnected)
	return common.NewError(common.CodeStreamReset, "handshake response missing")
}

// subscribeChannel register one channel subscription with the server
func (s *session) subscribeChannel(ctxt context.Context, sub *channelSub) error {
	s.lock.Lock()
	clientID := s.clientID
	s.lock.Unlock()
	responses, err := s.post(ctxt, []bayeuxMessage{{
		Channel:      metaSubscribe,
		ClientID:     clientID,
		Subscription: sub.channel,
		ID:           s.nextID(),
		Ext:          replayExt(sub.channel, sub.replay),
	}})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Subscribe to %s failed", sub.channel)
		return err
	}
	for _, message := range responses {
		if message.Channel != metaSubscribe {
			continue
		}
		if !message.succeeded() {
			return common.NewError(
				common.CodeStreamReset, "subscribe to %s refused: %s", sub.channel, message.Error,
			)
		}
		s.lock.Lock()
		s.subs[sub.id] = sub
		s.lock.Unlock()
		s.setState(StateSubscribed)
		log.WithFields(s.LogTags).Infof("Subscribed to %s", sub.channel)
		return nil
	}
	return common.NewError(common.CodeStreamReset, "subscribe response missing")
}

// removeSubscription drop one channel subscription, unsubscribing upstream
// on a best effort basis
func (s *session) removeSubscription(sub *channelSub) {
	s.lock.Lock()
	delete(s.subs, sub.id)
	clientID := s.clientID
	stillServing := false
	for _, other := range s.subs {
		if other.channel == sub.channel {
			stillServing = true
			break
		}
	}
	s.lock.Unlock()
	if !stillServing {
		// Fire and forget so Stop never blocks on the network
		go func() {
			unsubCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			_, err := s.post(unsubCtxt, []bayeuxMessage{{
				Channel:      metaUnsubscribe,
				ClientID:     clientID,
				Subscription: sub.channel,
				ID:           s.nextID(),
			}})
			if err != nil {
				log.WithError(err).WithFields(s.LogTags).Debugf(
					"Unsubscribe from %s failed", sub.channel,
				)
			}
		}()
	}
}

// shutdown stop the long poll loop and disconnect
func (s *session) shutdown() {
	s.cancel()
	s.lock.Lock()
	clientID := s.clientID
	s.lock.Unlock()
	s.setState(StateDisconnected)
	go func() {
		disconnectCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if _, err := s.post(disconnectCtxt, []bayeuxMessage{{
			Channel:  metaDisconnect,
			ClientID: clientID,
			ID:       s.nextID(),
		}}); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Disconnect failed")
		}
	}()
	log.WithFields(s.LogTags).Info("Session shut down")
}

// connectLoop issue long poll connect exchanges until the session dies
func (s *session) connectLoop() {
	log.WithFields(s.LogTags).Info("Starting long poll loop")
	defer log.WithFields(s.LogTags).Info("Long poll loop exiting")
	backoff := time.Second
	maxBackoff := time.Second * time.Duration(s.pool.config.MaxBackoff)
	for {
		if s.ctxt.Err() != nil {
			return
		}
		s.lock.Lock()
		clientID := s.clientID
		s.lock.Unlock()
		responses, err := s.post(s.ctxt, []bayeuxMessage{{
			Channel:        metaConnect,
			ClientID:       clientID,
			ConnectionType: "long-polling",
			ID:             s.nextID(),
		}})
		if err != nil {
			if s.ctxt.Err() != nil {
				return
			}
			log.WithError(err).WithFields(s.LogTags).Warn("Connect exchange failed")
			s.setState(StateReconnecting)
			if !s.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}
		backoff = time.Second

		advice := s.dispatchResponses(responses)
		if advice == nil {
			s.setState(StateSubscribed)
			continue
		}
		switch advice.Reconnect {
		case adviceRetry:
			s.setState(StateReconnecting)
			wait := backoff
			if advice.Interval > 0 {
				wait = time.Millisecond * time.Duration(advice.Interval)
			}
			if !s.sleep(wait) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
		case adviceHandshake:
			s.setState(StateReconnecting)
			if err := s.rehandshake(); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Re-handshake failed")
				if !s.sleep(backoff) {
					return
				}
				backoff = nextBackoff(backoff, maxBackoff)
			}
		case adviceNone:
			log.WithFields(s.LogTags).Error("Server terminated the session")
			s.failAllSubscriptions("server ended the long poll session")
			s.pool.dropSession(s)
			return
		}
	}
}

// dispatchResponses deliver channel messages and surface the strongest advice
func (s *session) dispatchResponses(responses []bayeuxMessage) *bayeuxAdvice {
	var advice *bayeuxAdvice
	for idx := range responses {
		message := &responses[idx]
		advice = strongerAdvice(advice, message.Advice)
		if message.Channel == "" || message.Channel[0] != '/' {
			continue
		}
		if len(message.Channel) > 5 && message.Channel[:6] == "/meta/" {
			if message.Channel == metaConnect && !message.succeeded() &&
				advice == nil {
				advice = &bayeuxAdvice{Reconnect: adviceHandshake}
			}
			continue
		}
		s.deliverMessage(message)
	}
	return advice
}

// deliverMessage hand one server pushed message to its channel subscriptions
func (s *session) deliverMessage(message *bayeuxMessage) {
	replayID := extractReplayID(message.Data)
	s.lock.Lock()
	receivers := make([]*channelSub, 0, 1)
	for _, sub := range s.subs {
		if sub.channel == message.Channel {
			receivers = append(receivers, sub)
			if replayID != "" {
				if parsed, err := strconv.ParseInt(replayID, 10, 64); err == nil {
					sub.replay = parsed
				}
			}
		}
	}
	s.lock.Unlock()
	for _, sub := range receivers {
		sub.enqueue(common.Push{
			SubscriptionID: sub.id,
			Kind:           common.PushEvent,
			Event: &common.EventEnvelope{
				Channel:  message.Channel,
				ReplayID: replayID,
				Payload:  message.Data,
			},
		})
	}
}

// rehandshake redo the full handshake and resubscribe every channel
func (s *session) rehandshake() error {
	if err := s.handshake(s.ctxt); err != nil {
		return err
	}
	s.lock.Lock()
	resubscribe := make([]*channelSub, 0, len(s.subs))
	for _, sub := range s.subs {
		resubscribe = append(resubscribe, sub)
	}
	s.lock.Unlock()
	for _, sub := range resubscribe {
		if err := s.subscribeChannel(s.ctxt, sub); err != nil {
			sub.enqueue(common.Push{
				SubscriptionID: sub.id,
				Kind:           common.PushError,
				Error: &common.ErrorDetail{
					Code:    common.CodeOf(err),
					Message: fmt.Sprintf("resubscribe to %s failed: %s", sub.channel, err),
				},
			})
		}
	}
	return nil
}

// failAllSubscriptions push a terminal error to every subscription
func (s *session) failAllSubscriptions(reason string) {
	s.lock.Lock()
	failed := make([]*channelSub, 0, len(s.subs))
	for _, sub := range s.subs {
		failed = append(failed, sub)
	}
	s.subs = make(map[string]*channelSub)
	s.lock.Unlock()
	for _, sub := range failed {
		sub.enqueue(common.Push{
			SubscriptionID: sub.id,
			Kind:           common.PushError,
			Error: &common.ErrorDetail{
				Code: common.CodeStreamReset, Message: reason,
			},
		})
	}
}

// sleep wait unless the session dies first
func (s *session) sleep(wait time.Duration) bool {
	select {
	case <-s.ctxt.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

// nextBackoff double the wait up to the ceiling
func nextBackoff(current, ceiling time.Duration) time.Duration {
	doubled := current * 2
	if doubled > ceiling {
		return ceiling
	}
	return doubled
}
