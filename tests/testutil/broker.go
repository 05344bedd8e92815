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

// Package testutil starts throwaway MQTT brokers for integration tests.
package testutil

import (
	"net"
	"strconv"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"
)

// Broker is an in-process MQTT broker listening on 127.0.0.1.
type Broker struct {
	Host   string
	Port   int
	Server *mochi.Server
}

// StartBroker starts a broker that accepts every client on a free local port.
// The broker is closed when the test finishes.
func StartBroker(t *testing.T) *Broker {
	t.Helper()

	port := FreePort(t)
	server := mochi.New(nil)
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "t" + strconv.Itoa(port),
		Address: net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
	})
	require.NoError(t, server.AddListener(tcp))

	go func() {
		if err := server.Serve(); err != nil {
			t.Logf("test broker stopped: %v", err)
		}
	}()
	waitForListener(t, port)

	t.Cleanup(func() {
		_ = server.Close()
	})

	return &Broker{Host: "127.0.0.1", Port: port, Server: server}
}

// FreePort returns a local TCP port nobody is listening on right now.
func FreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func waitForListener(t *testing.T, port int) {
	t.Helper()
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("test broker did not start listening on %s", addr)
}
