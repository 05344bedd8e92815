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

package bridge

import (
	"fmt"
	"log"
	"sync"

	"github.com/turtacn/mqtt-bridge/pkg/client"
	"github.com/turtacn/mqtt-bridge/pkg/metrics"
	"github.com/turtacn/mqtt-bridge/pkg/storage"
)

// RestoreReport summarizes replaying persisted subscriptions after a connect.
type RestoreReport struct {
	Attempted    int      `json:"attempted"`
	Succeeded    int      `json:"succeeded"`
	Failed       int      `json:"failed"`
	FailedTopics []string `json:"failed_topics,omitempty"`
}

// DeletionReport summarizes a removal from the persisted subscriptions.
type DeletionReport struct {
	DeletedCount        int      `json:"deleted_count"`
	AffectedConnections []string `json:"affected_connections"`
	Message             string   `json:"message"`
	// Cancelled is set when a purge was requested without confirmation.
	Cancelled bool `json:"cancelled,omitempty"`
	// PersistError is set when the change was applied but could not be saved.
	PersistError string `json:"persist_error,omitempty"`
}

// tracker owns the desired subscription map, which mirrors the persisted
// record, and the runtime view of what each live session has had
// acknowledged by its broker. It is the only writer of the store.
type tracker struct {
	store   storage.Store
	desired storage.SubscriptionMap
	runtime map[string]map[string]byte
	saveErr error
	mu      sync.Mutex

	// sessions guards runtime updates against sessions that ended while a
	// broker call was in flight. Lock order: sessions.mu, then mu.
	sessions *registry
}

func newTracker(store storage.Store) *tracker {
	desired := store.Load()
	log.Printf("[INFO] Loaded %d persisted subscription(s) for %d connection(s) from %s",
		desired.Count(), len(desired), store.Path())
	return &tracker{
		store:   store,
		desired: desired,
		runtime: make(map[string]map[string]byte),
	}
}

// subscribe asks the broker for topic and, once acknowledged, records it in
// both views and saves. A broker failure changes nothing. The returned
// persistErr reports a failed save of an otherwise successful subscribe. If
// conn ended while the broker call was in flight, only the desired view is
// updated.
func (t *tracker) subscribe(conn *connection, topic string, qos byte) (persistErr error, err error) {
	id := conn.id
	err = conn.client.Subscribe(topic, qos)
	metrics.BrokerOperationsTotal.WithLabelValues(string(client.OpSubscribe), metrics.Result(err)).Inc()
	if err != nil {
		log.Printf("[ERROR] Subscribe %s to '%s' failed: %v", id, topic, err)
		return nil, err
	}

	t.ack(conn, topic, qos)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.desired.Put(id, topic, qos)
	log.Printf("[INFO] Subscribed %s to '%s' (qos %d)", id, topic, qos)
	return t.save(), nil
}

// unsubscribe is the inverse of subscribe.
func (t *tracker) unsubscribe(conn *connection, topic string) (persistErr error, err error) {
	id := conn.id
	err = conn.client.Unsubscribe(topic)
	metrics.BrokerOperationsTotal.WithLabelValues(string(client.OpUnsubscribe), metrics.Result(err)).Inc()
	if err != nil {
		log.Printf("[ERROR] Unsubscribe %s from '%s' failed: %v", id, topic, err)
		return nil, err
	}

	t.sessions.whileCurrent(conn, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if subs, ok := t.runtime[id]; ok {
			delete(subs, topic)
		}
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	t.desired.Remove(id, topic)
	log.Printf("[INFO] Unsubscribed %s from '%s'", id, topic)
	return t.save(), nil
}

// restore subscribes conn to every persisted subscription of its id. Failures
// are counted and never stop the replay. The store is not written.
func (t *tracker) restore(conn *connection) RestoreReport {
	id := conn.id
	t.mu.Lock()
	entries := append([]storage.Entry(nil), t.desired[id]...)
	t.mu.Unlock()

	var report RestoreReport
	if len(entries) == 0 {
		return report
	}
	log.Printf("[INFO] Restoring %d subscription(s) for %s", len(entries), id)

	for _, e := range entries {
		report.Attempted++
		err := conn.client.Subscribe(e.Topic, e.QoS)
		metrics.RestoredSubscriptionsTotal.WithLabelValues(metrics.Result(err)).Inc()
		if err != nil {
			report.Failed++
			report.FailedTopics = append(report.FailedTopics, e.Topic)
			log.Printf("[WARN] Failed to restore subscription '%s' for %s: %v", e.Topic, id, err)
			continue
		}
		report.Succeeded++
		t.ack(conn, e.Topic, e.QoS)
	}

	log.Printf("[INFO] Restored %d/%d subscription(s) for %s", report.Succeeded, report.Attempted, id)
	return report
}

// ack records a broker-acknowledged subscription in the runtime view of conn,
// unless conn has been disconnected, lost or replaced in the meantime.
func (t *tracker) ack(conn *connection, topic string, qos byte) {
	current := t.sessions.whileCurrent(conn, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.setRuntime(conn.id, topic, qos)
	})
	if !current {
		log.Printf("[DEBUG] Session of %s ended before '%s' was acknowledged", conn.id, topic)
	}
}

// deleteSubscription removes topic from the persisted subscriptions of one
// connection, or of every connection when id is empty. The broker is not
// told; live sessions keep receiving until they unsubscribe or reconnect.
func (t *tracker) deleteSubscription(topic, id string) DeletionReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := DeletionReport{AffectedConnections: []string{}}
	if len(t.desired) == 0 {
		report.Message = "No subscriptions found to delete."
		return report
	}

	targets := t.desired.ConnectionIDs()
	if id != "" {
		if _, ok := t.desired[id]; !ok {
			report.Message = fmt.Sprintf("Connection '%s' not found in persistence.", id)
			return report
		}
		targets = []string{id}
	}

	for _, cid := range targets {
		n := t.desired.Remove(cid, topic)
		if n == 0 {
			continue
		}
		report.DeletedCount += n
		report.AffectedConnections = append(report.AffectedConnections, cid)
		if subs, ok := t.runtime[cid]; ok {
			delete(subs, topic)
		}
	}

	if report.DeletedCount > 0 {
		if err := t.save(); err != nil {
			report.PersistError = err.Error()
		}
	}
	report.Message = fmt.Sprintf("Deleted %d subscription(s) for topic '%s' from %d connection(s).",
		report.DeletedCount, topic, len(report.AffectedConnections))
	log.Printf("[INFO] %s", report.Message)
	return report
}

// deleteAll empties the persisted subscriptions and every runtime view.
// Without confirm nothing happens.
func (t *tracker) deleteAll(confirm bool) DeletionReport {
	if !confirm {
		return DeletionReport{
			AffectedConnections: []string{},
			Message:             "Operation cancelled. To delete all subscriptions, set confirm=true.",
			Cancelled:           true,
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	report := DeletionReport{
		DeletedCount:        t.desired.Count(),
		AffectedConnections: t.desired.ConnectionIDs(),
	}
	t.desired = make(storage.SubscriptionMap)
	t.runtime = make(map[string]map[string]byte)
	if err := t.save(); err != nil {
		report.PersistError = err.Error()
	}

	if report.DeletedCount == 0 {
		report.Message = "No subscriptions found to delete."
	} else {
		report.Message = fmt.Sprintf("Deleted all %d subscription(s) from %d connection(s).",
			report.DeletedCount, len(report.AffectedConnections))
	}
	log.Printf("[INFO] %s", report.Message)
	return report
}

// persistent returns a copy of the desired map, limited to id when it is
// not empty.
func (t *tracker) persistent(id string) storage.SubscriptionMap {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == "" {
		return t.desired.Clone()
	}
	out := make(storage.SubscriptionMap)
	if entries, ok := t.desired[id]; ok {
		out[id] = append([]storage.Entry(nil), entries...)
	}
	return out
}

// active returns the broker-acknowledged topics of id.
func (t *tracker) active(id string) map[string]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]byte, len(t.runtime[id]))
	for topic, qos := range t.runtime[id] {
		out[topic] = qos
	}
	return out
}

// forget drops the runtime view of id once its session is gone. The desired
// subscriptions are kept for the next connect.
func (t *tracker) forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runtime, id)
}

// flush saves the whole desired map.
func (t *tracker) flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.save()
}

// setRuntime must be called with t.mu held.
func (t *tracker) setRuntime(id, topic string, qos byte) {
	subs, ok := t.runtime[id]
	if !ok {
		subs = make(map[string]byte)
		t.runtime[id] = subs
	}
	subs[topic] = qos
}

// save must be called with t.mu held. Failures are logged and returned but
// the in-memory state stays as it is; the next successful save catches the
// record up.
func (t *tracker) save() error {
	err := t.store.Save(t.desired.Clone())
	metrics.PersistenceSavesTotal.WithLabelValues(metrics.Result(err)).Inc()
	t.saveErr = err
	if err != nil {
		log.Printf("[ERROR] Failed to persist subscriptions to %s: %v", t.store.Path(), err)
		return fmt.Errorf("failed to persist subscriptions: %w", err)
	}
	return nil
}

// lastSaveError returns the error of the most recent save, nil once a save succeeds.
func (t *tracker) lastSaveError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveErr
}
