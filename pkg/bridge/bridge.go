// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bridge manages named connections to MQTT brokers and keeps their
// subscriptions durable. A subscription acknowledged by a broker is saved to
// the persistence store and replayed automatically the next time the same
// connection id connects, including after a process restart.
package bridge

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/turtacn/mqtt-bridge/pkg/client"
	"github.com/turtacn/mqtt-bridge/pkg/metrics"
	"github.com/turtacn/mqtt-bridge/pkg/storage"
	"github.com/turtacn/mqtt-bridge/pkg/storage/messages"
	"github.com/turtacn/mqtt-bridge/pkg/topic"
)

const (
	// DefaultKeepAlive is the keep-alive in seconds used when a connect
	// request does not set one.
	DefaultKeepAlive = 60
	// ClientIDPrefix prefixes the connection id to form a default client id.
	ClientIDPrefix = "mqtt-bridge-"
)

// ConnectRequest carries the parameters of one broker connection. The
// password is only held in memory for the lifetime of the session.
type ConnectRequest struct {
	ID        string `json:"connection_id"`
	Broker    string `json:"broker"`
	Port      int    `json:"port,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	KeepAlive int    `json:"keep_alive,omitempty"`
}

func (r ConnectRequest) normalize() (ConnectRequest, error) {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return r, invalid("connection_id is required")
	}
	if r.Broker == "" {
		return r, invalid("broker is required")
	}
	if r.Port == 0 {
		r.Port = client.DefaultPort
	}
	if r.Port < 1 || r.Port > 65535 {
		return r, invalid("port %d out of range", r.Port)
	}
	if r.KeepAlive < 0 {
		return r, invalid("keep_alive must not be negative")
	}
	if r.KeepAlive == 0 {
		r.KeepAlive = DefaultKeepAlive
	}
	if r.ClientID == "" {
		r.ClientID = ClientIDPrefix + r.ID
	}
	return r, nil
}

// ConnectResult is returned by a successful Connect.
type ConnectResult struct {
	Connection ConnectionInfo `json:"connection"`
	Restore    RestoreReport  `json:"restore"`
}

// SubscriptionResult is returned by a successful Subscribe or Unsubscribe.
// Persisted is false when the broker acknowledged the change but saving it
// failed; the change stays in effect and is saved with the next mutation.
type SubscriptionResult struct {
	ConnectionID string `json:"connection_id"`
	Topic        string `json:"topic"`
	QoS          byte   `json:"qos"`
	Persisted    bool   `json:"persisted"`
	PersistError string `json:"persist_error,omitempty"`
}

// Stats is a summary of the bridge state.
type Stats struct {
	Connections            int    `json:"connections"`
	Connected              int    `json:"connected"`
	PersistedSubscriptions int    `json:"persisted_subscriptions"`
	MessagesRecorded       uint64 `json:"messages_recorded"`
}

// Options configures a Bridge.
type Options struct {
	// Store persists subscriptions. Defaults to an in-memory store.
	Store storage.Store
	// Dialer creates broker clients. Defaults to client.PahoDialer.
	Dialer client.Dialer
	// Messages configures the message log.
	Messages *messages.Config

	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

// Bridge is the process-wide context that owns the connection registry,
// the subscription tracker and the message log. All operations are safe for
// concurrent use.
type Bridge struct {
	registry *registry
	tracker  *tracker
	messages *messages.Log

	ctx    context.Context
	cancel context.CancelFunc

	closed bool
	mu     sync.Mutex
}

// New creates a Bridge and loads the persisted subscriptions from the store.
func New(opts Options) *Bridge {
	if opts.Store == nil {
		opts.Store = storage.NewMemStore()
	}
	if opts.Dialer == nil {
		opts.Dialer = client.PahoDialer
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		tracker:  newTracker(opts.Store),
		messages: messages.NewLog(opts.Messages),
		ctx:      ctx,
		cancel:   cancel,
	}
	b.registry = newRegistry(ctx, opts.Dialer)
	b.registry.connectTimeout = opts.ConnectTimeout
	b.registry.operationTimeout = opts.OperationTimeout
	b.registry.deliver = b.deliver
	b.registry.lost = b.tracker.forget
	b.tracker.sessions = b.registry
	return b
}

// Connect opens a broker session for req.ID and replays the persisted
// subscriptions of that id. A failed handshake returns a *BrokerError and
// leaves any previous record of the id untouched. Restore failures do not
// fail the connect; they are reported in the result.
func (b *Bridge) Connect(req ConnectRequest) (*ConnectResult, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}

	conn, err := b.registry.connect(req)
	if err != nil {
		return nil, err
	}
	// Shutdown may have started while the handshake was in flight; once
	// closed is set, any session it did not see is closed here.
	if b.isClosed() {
		_ = b.Disconnect(req.ID)
		return nil, ErrClosed
	}
	// A fresh clean session starts with nothing acknowledged.
	b.tracker.forget(req.ID)
	report := b.tracker.restore(conn)

	info, err := b.GetConnection(req.ID)
	if err != nil {
		return nil, err
	}
	return &ConnectResult{Connection: info, Restore: report}, nil
}

// Disconnect closes the session of id. The record and its persisted
// subscriptions are kept. Disconnecting twice is not an error.
func (b *Bridge) Disconnect(id string) error {
	if err := b.registry.disconnect(id); err != nil {
		return err
	}
	b.tracker.forget(id)
	return nil
}

// Subscribe subscribes connection id to topic at qos and saves the
// subscription once the broker acknowledges it.
func (b *Bridge) Subscribe(id, topic string, qos byte) (SubscriptionResult, error) {
	if err := validateQoS(qos); err != nil {
		return SubscriptionResult{}, err
	}
	if err := validateTopicFilter(topic); err != nil {
		return SubscriptionResult{}, err
	}
	conn, err := b.registry.session(id)
	if err != nil {
		return SubscriptionResult{}, err
	}

	persistErr, err := b.tracker.subscribe(conn, topic, qos)
	if err != nil {
		return SubscriptionResult{}, err
	}
	b.registry.touch(id)
	return subscriptionResult(id, topic, qos, persistErr), nil
}

// Unsubscribe removes topic from connection id on the broker and from the
// persisted subscriptions.
func (b *Bridge) Unsubscribe(id, topic string) (SubscriptionResult, error) {
	if topic == "" {
		return SubscriptionResult{}, invalid("topic is required")
	}
	conn, err := b.registry.session(id)
	if err != nil {
		return SubscriptionResult{}, err
	}

	persistErr, err := b.tracker.unsubscribe(conn, topic)
	if err != nil {
		return SubscriptionResult{}, err
	}
	b.registry.touch(id)
	return subscriptionResult(id, topic, 0, persistErr), nil
}

func subscriptionResult(id, topic string, qos byte, persistErr error) SubscriptionResult {
	res := SubscriptionResult{ConnectionID: id, Topic: topic, QoS: qos, Persisted: persistErr == nil}
	if persistErr != nil {
		res.PersistError = persistErr.Error()
	}
	return res
}

// Publish sends payload to topic over connection id and records it in the
// message log once the broker has accepted it.
func (b *Bridge) Publish(id, topic string, payload []byte, qos byte, retain bool) (messages.Message, error) {
	if err := validateQoS(qos); err != nil {
		return messages.Message{}, err
	}
	if err := validateTopicName(topic); err != nil {
		return messages.Message{}, err
	}
	conn, err := b.registry.session(id)
	if err != nil {
		return messages.Message{}, err
	}

	err = conn.client.Publish(topic, qos, retain, payload)
	metrics.BrokerOperationsTotal.WithLabelValues(string(client.OpPublish), metrics.Result(err)).Inc()
	if err != nil {
		log.Printf("[ERROR] Publish from %s to '%s' failed: %v", id, topic, err)
		return messages.Message{}, err
	}

	msg := b.messages.Record(messages.Message{
		ConnectionID: id,
		Topic:        topic,
		Payload:      payload,
		QoS:          qos,
		Retain:       retain,
		Direction:    messages.DirectionOutgoing,
	})
	metrics.MessagesTotal.WithLabelValues(string(messages.DirectionOutgoing)).Inc()
	b.registry.touch(id)
	return msg, nil
}

// deliver records an inbound message. It runs on the connection's delivery
// worker.
func (b *Bridge) deliver(id string, m client.Message) {
	b.messages.Record(messages.Message{
		ConnectionID: id,
		Topic:        m.Topic,
		Payload:      m.Payload,
		QoS:          m.QoS,
		Retain:       m.Retained,
		Direction:    messages.DirectionIncoming,
	})
	metrics.MessagesTotal.WithLabelValues(string(messages.DirectionIncoming)).Inc()
	b.registry.touch(id)
	log.Printf("[DEBUG] Received message on '%s' for %s (%d bytes)", m.Topic, id, len(m.Payload))
}

// ListConnections returns snapshots of every known connection, sorted by id.
func (b *Bridge) ListConnections() []ConnectionInfo {
	infos := b.registry.list()
	for i := range infos {
		infos[i].Subscriptions = b.tracker.active(infos[i].ID)
	}
	return infos
}

// GetConnection returns a snapshot of connection id.
func (b *Bridge) GetConnection(id string) (ConnectionInfo, error) {
	info, ok := b.registry.get(id)
	if !ok {
		return ConnectionInfo{}, notFound(id)
	}
	info.Subscriptions = b.tracker.active(id)
	return info, nil
}

// GetMessages returns up to limit of the most recent messages whose topic
// contains topicFilter.
func (b *Bridge) GetMessages(topicFilter string, limit int) []messages.Message {
	return b.messages.Query(topicFilter, limit)
}

// MatchMessages is GetMessages with an MQTT topic filter ("sensors/+/temp")
// in place of a substring.
func (b *Bridge) MatchMessages(filter string, limit int) ([]messages.Message, error) {
	if err := validateTopicFilter(filter); err != nil {
		return nil, err
	}
	return b.messages.Select(func(m messages.Message) bool {
		return topic.Match(filter, m.Topic)
	}, limit), nil
}

// RecentMessages returns the whole visible message window.
func (b *Bridge) RecentMessages() []messages.Message {
	return b.messages.Recent()
}

// PersistentSubscriptions returns the persisted subscriptions, limited to
// connection id when it is not empty.
func (b *Bridge) PersistentSubscriptions(id string) storage.SubscriptionMap {
	return b.tracker.persistent(id)
}

// DeleteSubscription removes topic from the persisted subscriptions of
// connection id, or of every connection when id is empty. Live sessions are
// not unsubscribed.
func (b *Bridge) DeleteSubscription(topic, id string) (DeletionReport, error) {
	if topic == "" {
		return DeletionReport{}, invalid("topic is required")
	}
	return b.tracker.deleteSubscription(topic, id), nil
}

// DeleteAllSubscriptions removes every persisted subscription when confirm
// is set, and reports a cancelled operation otherwise.
func (b *Bridge) DeleteAllSubscriptions(confirm bool) DeletionReport {
	return b.tracker.deleteAll(confirm)
}

// Stats returns a summary of the bridge state.
func (b *Bridge) Stats() Stats {
	infos := b.registry.list()
	s := Stats{
		Connections:            len(infos),
		PersistedSubscriptions: b.tracker.persistent("").Count(),
		MessagesRecorded:       b.messages.Len(),
	}
	for _, info := range infos {
		if info.Status == StatusConnected {
			s.Connected++
		}
	}
	return s
}

// PersistenceHealth returns the error of the last subscription save, or nil
// when the store is in sync with the desired subscriptions.
func (b *Bridge) PersistenceHealth() error {
	if err := b.tracker.lastSaveError(); err != nil {
		return fmt.Errorf("subscription store %s is out of sync: %w", b.tracker.store.Path(), err)
	}
	return nil
}

// ConnectionHealth reports connections whose session was lost.
func (b *Bridge) ConnectionHealth() error {
	var failed []string
	for _, info := range b.registry.list() {
		if info.Status == StatusFailed {
			failed = append(failed, info.ID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d connection(s) lost: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

// Shutdown saves the subscriptions and then closes every open session.
// Calling it again does nothing.
func (b *Bridge) Shutdown() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	log.Println("[INFO] Shutting down bridge")
	err := b.tracker.flush()

	for _, id := range b.registry.live() {
		if derr := b.Disconnect(id); derr != nil {
			log.Printf("[ERROR] Failed to disconnect %s during shutdown: %v", id, derr)
		}
	}
	b.cancel()
	return err
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func validateQoS(qos byte) error {
	if qos > 2 {
		return invalid("qos must be 0, 1 or 2, got %d", qos)
	}
	return nil
}

func validateTopicFilter(filter string) error {
	if err := topic.ValidateFilter(filter); err != nil {
		return invalid("%v", err)
	}
	return nil
}

func validateTopicName(name string) error {
	if err := topic.ValidateName(name); err != nil {
		return invalid("%v", err)
	}
	return nil
}
