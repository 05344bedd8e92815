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

package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/mqtt-bridge/pkg/bridge"
	"github.com/turtacn/mqtt-bridge/pkg/client"
	"github.com/turtacn/mqtt-bridge/pkg/storage"
)

// stubBroker dials clients that succeed unless told otherwise.
type stubBroker struct {
	mu         sync.Mutex
	refuse     bool
	rejectSubs bool
}

func (sb *stubBroker) Dial(opts client.Options) client.Client {
	return &stubClient{broker: sb}
}

type stubClient struct {
	broker *stubBroker
}

func (c *stubClient) Connect() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.broker.refuse {
		return &client.BrokerError{Op: client.OpConnect, Code: 5, Err: errors.New("not authorised")}
	}
	return nil
}

func (c *stubClient) Disconnect()       {}
func (c *stubClient) IsConnected() bool { return true }

func (c *stubClient) Subscribe(topic string, qos byte) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.broker.rejectSubs {
		return &client.BrokerError{Op: client.OpSubscribe, Topic: topic, Code: client.SubackFailure, Err: client.ErrSubscriptionRejected}
	}
	return nil
}

func (c *stubClient) Unsubscribe(topic string) error { return nil }

func (c *stubClient) Publish(topic string, qos byte, retain bool, payload []byte) error {
	return nil
}

type testServer struct {
	mux    *http.ServeMux
	broker *stubBroker
	store  *storage.MemStore
	bridge *bridge.Bridge
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		mux:    http.NewServeMux(),
		broker: &stubBroker{},
		store:  storage.NewMemStore(),
	}
	ts.bridge = bridge.New(bridge.Options{Store: ts.store, Dialer: ts.broker})
	t.Cleanup(func() { _ = ts.bridge.Shutdown() })
	NewAPIServer(ts.bridge).RegisterRoutes(ts.mux)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) (int, APIResponse) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.mux.ServeHTTP(w, req)

	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func (ts *testServer) connect(t *testing.T, id string) {
	t.Helper()
	code, resp := ts.do(t, http.MethodPost, "/api/v1/connections", `{"connection_id":"`+id+`","broker":"localhost"}`)
	require.Equal(t, http.StatusOK, code, resp.Message)
}

func dataMap(t *testing.T, resp APIResponse) map[string]interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "data is %T", resp.Data)
	return m
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	code, resp := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	data := dataMap(t, resp)
	assert.Equal(t, "healthy", data["status"])
	checks, ok := data["checks"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, checks, "persistence")
	assert.Contains(t, checks, "connections")

	code, _ = ts.do(t, http.MethodPost, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestHealthUnhealthyWhenStoreFails(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t, "c1")
	ts.store.FailSaves(true)

	code, _ := ts.do(t, http.MethodPost, "/api/v1/connections/c1/subscriptions", `{"topic":"a","qos":0}`)
	require.Equal(t, http.StatusInternalServerError, code)

	code, resp := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, resp.Success)
	data := dataMap(t, resp)
	assert.Equal(t, "unhealthy", data["status"])
	persistence := data["checks"].(map[string]interface{})["persistence"].(map[string]interface{})
	assert.Equal(t, "failed", persistence["status"])
	assert.Contains(t, persistence["message"], "out of sync")

	ts.store.FailSaves(false)
	code, _ = ts.do(t, http.MethodPost, "/api/v1/connections/c1/subscriptions", `{"topic":"b","qos":0}`)
	require.Equal(t, http.StatusOK, code)

	code, resp = ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", dataMap(t, resp)["status"])
}

func TestConnectAndList(t *testing.T) {
	ts := newTestServer(t)

	code, resp := ts.do(t, http.MethodGet, "/api/v1/connections", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "No MQTT connections found", resp.Message)

	code, resp = ts.do(t, http.MethodPost, "/api/v1/connections", `{"connection_id":"c1","broker":"localhost","port":1883}`)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Equal(t, "Successfully connected to MQTT broker localhost:1883 with connection ID 'c1'", resp.Message)
	conn := dataMap(t, resp)["connection"].(map[string]interface{})
	assert.Equal(t, "mqtt-bridge-c1", conn["client_id"])
	assert.Equal(t, "connected", conn["status"])
	assert.NotContains(t, conn, "password")

	code, resp = ts.do(t, http.MethodGet, "/api/v1/connections", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), dataMap(t, resp)["count"])

	code, resp = ts.do(t, http.MethodGet, "/api/v1/connections/c1", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "c1", dataMap(t, resp)["connection_id"])
}

func TestConnectErrors(t *testing.T) {
	ts := newTestServer(t)

	code, resp := ts.do(t, http.MethodPost, "/api/v1/connections", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, resp.Success)

	code, resp = ts.do(t, http.MethodPost, "/api/v1/connections", `{"connection_id":"c1"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Error, "broker is required")

	ts.broker.refuse = true
	code, resp = ts.do(t, http.MethodPost, "/api/v1/connections", `{"connection_id":"c1","broker":"localhost"}`)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Contains(t, resp.Message, "Failed to connect to MQTT broker localhost")
	assert.Contains(t, resp.Error, "code 0x05")

	code, _ = ts.do(t, http.MethodGet, "/api/v1/connections/c1", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = ts.do(t, http.MethodPut, "/api/v1/connections", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestDisconnect(t *testing.T) {
	ts := newTestServer(t)

	code, _ := ts.do(t, http.MethodDelete, "/api/v1/connections/c1", "")
	assert.Equal(t, http.StatusNotFound, code)

	ts.connect(t, "c1")
	code, resp := ts.do(t, http.MethodDelete, "/api/v1/connections/c1", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Disconnected from MQTT broker for connection 'c1'", resp.Message)

	code, resp = ts.do(t, http.MethodPost, "/api/v1/connections/c1/publish", `{"topic":"a","payload":"x"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, resp.Success)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t, "c1")

	code, resp := ts.do(t, http.MethodPost, "/api/v1/connections/c1/subscriptions", `{"topic":"a/#","qos":1}`)
	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.Equal(t, "Subscribed to topic 'a/#' with QoS 1", resp.Message)
	assert.Equal(t, true, dataMap(t, resp)["persisted"])
	assert.Equal(t, storage.SubscriptionMap{"c1": {{Topic: "a/#", QoS: 1}}}, ts.store.Load())

	code, _ = ts.do(t, http.MethodPost, "/api/v1/connections/c1/subscriptions", `{"topic":"a","qos":5}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodPost, "/api/v1/connections/nope/subscriptions", `{"topic":"a","qos":0}`)
	assert.Equal(t, http.StatusNotFound, code)

	ts.broker.rejectSubs = true
	code, resp = ts.do(t, http.MethodPost, "/api/v1/connections/c1/subscriptions", `{"topic":"denied","qos":0}`)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Contains(t, resp.Error, "0x80")

	code, resp = ts.do(t, http.MethodDelete, "/api/v1/connections/c1/subscriptions?topic=a/%23", "")
	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.Equal(t, "Unsubscribed from topic 'a/#'", resp.Message)
	assert.Empty(t, ts.store.Load())

	code, _ = ts.do(t, http.MethodDelete, "/api/v1/connections/c1/subscriptions", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSubscribePersistFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t, "c1")
	ts.store.FailSaves(true)

	code, resp := ts.do(t, http.MethodPost, "/api/v1/connections/c1/subscriptions", `{"topic":"a","qos":0}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "failed to persist")
	assert.Equal(t, false, dataMap(t, resp)["persisted"])
}

func TestPublishAndMessages(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t, "c1")

	code, resp := ts.do(t, http.MethodGet, "/api/v1/messages", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "No MQTT messages received yet", resp.Message)

	for _, topic := range []string{"sensors/temp", "sensors/hum", "alerts"} {
		code, resp = ts.do(t, http.MethodPost, "/api/v1/connections/c1/publish", `{"topic":"`+topic+`","payload":"v","qos":1}`)
		require.Equal(t, http.StatusOK, code, resp.Message)
	}
	assert.Equal(t, "Message published to topic 'alerts' with QoS 1", resp.Message)

	code, resp = ts.do(t, http.MethodGet, "/api/v1/messages?topic=sensors&limit=1", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Found 1 MQTT messages matching 'sensors'", resp.Message)
	msgs := dataMap(t, resp)["messages"].([]interface{})
	require.Len(t, msgs, 1)
	assert.Equal(t, "sensors/hum", msgs[0].(map[string]interface{})["topic"])
	assert.Equal(t, "v", msgs[0].(map[string]interface{})["payload"])

	code, resp = ts.do(t, http.MethodGet, "/api/v1/messages/recent", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(3), dataMap(t, resp)["count"])

	code, resp = ts.do(t, http.MethodGet, "/api/v1/messages?match=sensors/%2B", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), dataMap(t, resp)["count"])

	code, _ = ts.do(t, http.MethodGet, "/api/v1/messages?match=a/%23/b", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodGet, "/api/v1/messages?limit=many", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodPost, "/api/v1/connections/c1/publish", `{"topic":"a/+","payload":"v"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodGet, "/api/v1/connections/c1/unknown", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPersistentSubscriptionsAndDeletion(t *testing.T) {
	ts := newTestServer(t)
	for _, id := range []string{"c1", "c2"} {
		ts.connect(t, id)
		code, _ := ts.do(t, http.MethodPost, "/api/v1/connections/"+id+"/subscriptions", `{"topic":"shared","qos":1}`)
		require.Equal(t, http.StatusOK, code)
	}

	code, resp := ts.do(t, http.MethodGet, "/api/v1/subscriptions", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Found 2 persistent subscription(s) across 2 connection(s)", resp.Message)

	code, resp = ts.do(t, http.MethodGet, "/api/v1/subscriptions?connection_id=c3", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "No persistent subscriptions found for connection 'c3'", resp.Message)

	code, resp = ts.do(t, http.MethodDelete, "/api/v1/subscriptions?topic=shared&connection_id=c1", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Deleted 1 subscription(s) for topic 'shared' from 1 connection(s).", resp.Message)

	code, _ = ts.do(t, http.MethodDelete, "/api/v1/subscriptions", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = ts.do(t, http.MethodPost, "/api/v1/subscriptions/purge", "")
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "Operation cancelled")
	assert.Len(t, ts.store.Load(), 1)

	code, resp = ts.do(t, http.MethodPost, "/api/v1/subscriptions/purge", `{"confirm":true}`)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Equal(t, float64(1), dataMap(t, resp)["deleted_count"])
	assert.Empty(t, ts.store.Load())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(bridge.ErrValidation))
	assert.Equal(t, http.StatusNotFound, statusFor(bridge.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(bridge.ErrNotConnected))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(bridge.ErrClosed))
	assert.Equal(t, http.StatusBadGateway, statusFor(&bridge.BrokerError{Op: client.OpPublish, Err: client.ErrTimeout}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("disk full")))
}
