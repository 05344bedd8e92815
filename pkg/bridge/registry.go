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
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/mqtt-bridge/pkg/actor"
	"github.com/turtacn/mqtt-bridge/pkg/client"
	"github.com/turtacn/mqtt-bridge/pkg/metrics"
)

// Status is the lifecycle state of a connection.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

// deliveryBuffer is the mailbox size of a connection's delivery worker.
const deliveryBuffer = 256

// ConnectionInfo is a point-in-time snapshot of a connection. It never
// carries the password or the client handle.
type ConnectionInfo struct {
	ID             string          `json:"connection_id"`
	Broker         string          `json:"broker"`
	Port           int             `json:"port"`
	ClientID       string          `json:"client_id"`
	Username       string          `json:"username,omitempty"`
	KeepAlive      int             `json:"keep_alive"`
	Status         Status          `json:"status"`
	ConnectedAt    time.Time       `json:"connected_at"`
	DisconnectedAt *time.Time      `json:"disconnected_at,omitempty"`
	LastActivity   time.Time       `json:"last_activity"`
	LastError      string          `json:"last_error,omitempty"`
	Subscriptions  map[string]byte `json:"subscriptions"`
}

// connection is the registry's record for one connection id.
type connection struct {
	id       string
	broker   string
	port     int
	clientID string
	username string

	keepAlive time.Duration

	status         Status
	connectedAt    time.Time
	disconnectedAt time.Time
	lastActivity   time.Time
	lastError      string

	client  client.Client
	mailbox *actor.Mailbox
	worker  *actor.Worker
}

func (c *connection) info() ConnectionInfo {
	info := ConnectionInfo{
		ID:           c.id,
		Broker:       c.broker,
		Port:         c.port,
		ClientID:     c.clientID,
		Username:     c.username,
		KeepAlive:    int(c.keepAlive / time.Second),
		Status:       c.status,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
		LastError:    c.lastError,
	}
	if !c.disconnectedAt.IsZero() {
		t := c.disconnectedAt
		info.DisconnectedAt = &t
	}
	return info
}

// registry tracks every connection id the bridge has seen. Records are kept
// after disconnect so their last state can still be inspected.
type registry struct {
	conns  map[string]*connection
	dialer client.Dialer
	ctx    context.Context

	connectTimeout   time.Duration
	operationTimeout time.Duration

	// deliver is called by a connection's worker for each inbound message.
	deliver func(id string, msg client.Message)
	// lost is called with mu held when a connection is marked failed. It
	// must not call back into the registry.
	lost func(id string)

	mu sync.RWMutex
}

func newRegistry(ctx context.Context, dialer client.Dialer) *registry {
	return &registry{
		conns:  make(map[string]*connection),
		dialer: dialer,
		ctx:    ctx,
	}
}

// connect opens a new broker session for req. The registry is only changed
// once the handshake succeeds. A live session under the same id is closed
// and replaced.
func (r *registry) connect(req ConnectRequest) (*connection, error) {
	conn := &connection{
		id:        req.ID,
		broker:    req.Broker,
		port:      req.Port,
		clientID:  req.ClientID,
		username:  req.Username,
		keepAlive: time.Duration(req.KeepAlive) * time.Second,
		status:    StatusConnecting,
		mailbox:   actor.NewMailbox(deliveryBuffer),
	}

	mb := conn.mailbox
	conn.client = r.dialer.Dial(client.Options{
		Broker:           req.Broker,
		Port:             req.Port,
		Username:         req.Username,
		Password:         req.Password,
		ClientID:         req.ClientID,
		KeepAlive:        conn.keepAlive,
		ConnectTimeout:   r.connectTimeout,
		OperationTimeout: r.operationTimeout,
		OnMessage: func(m client.Message) {
			if err := mb.Send(m); err != nil {
				log.Printf("[DEBUG] Dropped message on %s for closed connection %s", m.Topic, req.ID)
			}
		},
		OnConnectionLost: func(err error) {
			r.markFailed(conn, err)
		},
	})

	// The worker must be running before the handshake: the broker may
	// deliver as soon as it acknowledges the connection.
	conn.worker = actor.Spawn(r.ctx, "delivery-"+req.ID, &deliveryActor{
		connectionID: req.ID,
		deliver:      r.deliver,
	}, mb)

	log.Printf("[INFO] Connecting %s to %s as %s", req.ID, client.Options{Broker: req.Broker, Port: req.Port}.BrokerURL(), req.ClientID)
	if err := conn.client.Connect(); err != nil {
		conn.worker.Stop()
		metrics.ConnectsTotal.WithLabelValues(metrics.Result(err)).Inc()
		log.Printf("[ERROR] Failed to connect %s: %v", req.ID, err)
		return nil, err
	}
	metrics.ConnectsTotal.WithLabelValues(metrics.Result(nil)).Inc()

	now := time.Now()
	r.mu.Lock()
	conn.status = StatusConnected
	conn.connectedAt = now
	conn.lastActivity = now
	old := r.conns[req.ID]
	r.conns[req.ID] = conn
	wasLive := old != nil && old.status == StatusConnected
	r.mu.Unlock()

	metrics.ActiveConnections.Inc()
	if old != nil {
		if wasLive {
			metrics.ActiveConnections.Dec()
			log.Printf("[INFO] Replacing existing session of %s", req.ID)
		}
		old.close()
	}

	log.Printf("[INFO] Connection %s established", req.ID)
	return conn, nil
}

// disconnect stops delivery and closes the session of id. Disconnecting a
// connection that is already down is a no-op.
func (r *registry) disconnect(id string) error {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return notFound(id)
	}
	if conn.status == StatusDisconnected {
		r.mu.Unlock()
		return nil
	}
	wasLive := conn.status == StatusConnected
	conn.status = StatusDisconnected
	conn.disconnectedAt = time.Now()
	r.mu.Unlock()

	if wasLive {
		metrics.ActiveConnections.Dec()
	}
	conn.close()
	log.Printf("[INFO] Connection %s disconnected", id)
	return nil
}

// close stops the delivery worker and then the transport.
func (c *connection) close() {
	c.worker.Stop()
	c.client.Disconnect()
}

// markFailed records an unexpected transport loss. Stale sessions that have
// already been replaced or closed are ignored.
func (r *registry) markFailed(conn *connection, err error) {
	r.mu.Lock()
	if r.conns[conn.id] != conn || conn.status != StatusConnected {
		r.mu.Unlock()
		return
	}
	conn.status = StatusFailed
	conn.disconnectedAt = time.Now()
	if err != nil {
		conn.lastError = err.Error()
	}
	// Under r.mu so a session replacing this one cannot interleave.
	if r.lost != nil {
		r.lost(conn.id)
	}
	r.mu.Unlock()

	metrics.ActiveConnections.Dec()
	log.Printf("[WARN] Connection %s marked failed: %v", conn.id, err)
}

// session returns the live session of a connected id.
func (r *registry) session(id string) (*connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	if !ok {
		return nil, notFound(id)
	}
	if conn.status != StatusConnected {
		return nil, notConnected(id)
	}
	return conn, nil
}

// whileCurrent runs fn only if conn is still the connected session of its id,
// and keeps the registry from changing that until fn returns. fn may take the
// tracker lock but must not call back into the registry.
func (r *registry) whileCurrent(conn *connection, fn func()) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conns[conn.id] != conn || conn.status != StatusConnected {
		return false
	}
	fn()
	return true
}

// touch refreshes the last-activity timestamp of id.
func (r *registry) touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[id]; ok {
		conn.lastActivity = time.Now()
	}
}

func (r *registry) get(id string) (ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	if !ok {
		return ConnectionInfo{}, false
	}
	return conn.info(), true
}

// list returns snapshots of every known connection, sorted by id.
func (r *registry) list() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// live returns the ids of connections that still hold a session, sorted.
func (r *registry) live() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, conn := range r.conns {
		if conn.status == StatusConnected || conn.status == StatusFailed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
