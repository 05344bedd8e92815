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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/mqtt-bridge/pkg/client"
	"github.com/turtacn/mqtt-bridge/pkg/storage"
	"github.com/turtacn/mqtt-bridge/tests/testutil"
)

func newPahoBridge(t *testing.T, path string) *Bridge {
	t.Helper()
	b := New(Options{
		Store:            storage.NewFileStore(path),
		Dialer:           client.PahoDialer,
		ConnectTimeout:   2 * time.Second,
		OperationTimeout: 2 * time.Second,
	})
	t.Cleanup(func() { _ = b.Shutdown() })
	return b
}

func TestIntegration_SubscribeReceivePublish(t *testing.T) {
	broker := testutil.StartBroker(t)
	b := newPahoBridge(t, filepath.Join(t.TempDir(), "subscriptions.json"))

	req := ConnectRequest{ID: "it-1", Broker: broker.Host, Port: broker.Port}
	res, err := b.Connect(req)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, res.Connection.Status)

	_, err = b.Subscribe("it-1", "it/+/data", 1)
	require.NoError(t, err)

	_, err = b.Publish("it-1", "it/dev1/data", []byte("42"), 1, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, m := range b.GetMessages("it/dev1", 10) {
			if m.Direction == "incoming" && m.Text == "42" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestIntegration_RestartRestoresSubscriptions(t *testing.T) {
	broker := testutil.StartBroker(t)
	path := filepath.Join(t.TempDir(), "subscriptions.json")
	req := ConnectRequest{ID: "it-restart", Broker: broker.Host, Port: broker.Port}

	b1 := newPahoBridge(t, path)
	_, err := b1.Connect(req)
	require.NoError(t, err)
	_, err = b1.Subscribe("it-restart", "restart/topic", 1)
	require.NoError(t, err)
	require.NoError(t, b1.Shutdown())

	b2 := newPahoBridge(t, path)
	res, err := b2.Connect(req)
	require.NoError(t, err)
	assert.Equal(t, RestoreReport{Attempted: 1, Succeeded: 1}, res.Restore)
	assert.Equal(t, map[string]byte{"restart/topic": 1}, res.Connection.Subscriptions)

	// The restored subscription is live on the broker.
	_, err = b2.Publish("it-restart", "restart/topic", []byte("back"), 1, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, m := range b2.RecentMessages() {
			if m.Direction == "incoming" && m.Topic == "restart/topic" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestIntegration_ConnectRefused(t *testing.T) {
	b := newPahoBridge(t, filepath.Join(t.TempDir(), "subscriptions.json"))
	_, err := b.Connect(ConnectRequest{
		ID:     "it-refused",
		Broker: "127.0.0.1",
		Port:   testutil.FreePort(t),
	})
	require.Error(t, err)
	assert.Empty(t, b.ListConnections())
}
