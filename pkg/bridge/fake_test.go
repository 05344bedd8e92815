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
	"errors"
	"sync"

	"github.com/turtacn/mqtt-bridge/pkg/client"
)

var errRefused = errors.New("connection refused: not authorised")

// fakeBroker is a client.Dialer whose clients answer from in-memory state.
type fakeBroker struct {
	mu           sync.Mutex
	connectErr   error
	rejectTopics map[string]bool
	unsubErr     error
	publishErr   error
	gates        map[string]*gate
	connectGate  *gate
	clients      []*fakeClient
}

// gate holds Subscribe calls for one topic until it is opened.
type gate struct {
	entered chan struct{}
	open    chan struct{}
}

func (g *gate) wait() {
	if g == nil {
		return
	}
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.open
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{rejectTopics: make(map[string]bool), gates: make(map[string]*gate)}
}

func (f *fakeBroker) Dial(opts client.Options) client.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeClient{broker: f, opts: opts, subs: make(map[string]byte)}
	f.clients = append(f.clients, c)
	return c
}

func (f *fakeBroker) reject(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectTopics[topic] = true
}

// hold makes Subscribe of topic wait until release is called. entered is
// signalled once a Subscribe call is waiting.
func (f *fakeBroker) hold(topic string) (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := &gate{entered: make(chan struct{}, 1), open: make(chan struct{})}
	f.gates[topic] = g
	var once sync.Once
	return g.entered, func() { once.Do(func() { close(g.open) }) }
}

// holdConnect makes the next Connect calls wait until release is called.
func (f *fakeBroker) holdConnect() (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := &gate{entered: make(chan struct{}, 1), open: make(chan struct{})}
	f.connectGate = g
	var once sync.Once
	return g.entered, func() { once.Do(func() { close(g.open) }) }
}

func (f *fakeBroker) failConnect(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *fakeBroker) failPublish(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

// last returns the most recently dialed client.
func (f *fakeBroker) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

func (f *fakeBroker) dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

type fakeClient struct {
	broker *fakeBroker
	opts   client.Options

	mu             sync.Mutex
	connected      bool
	disconnected   bool
	subs           map[string]byte
	subscribeCalls []string
	unsubCalls     []string
	published      []client.Message
}

func (c *fakeClient) Connect() error {
	c.broker.mu.Lock()
	err := c.broker.connectErr
	g := c.broker.connectGate
	c.broker.mu.Unlock()
	g.wait()
	if err != nil {
		return &client.BrokerError{Op: client.OpConnect, Code: 5, Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Subscribe(topic string, qos byte) error {
	c.broker.mu.Lock()
	rejected := c.broker.rejectTopics[topic]
	g := c.broker.gates[topic]
	c.broker.mu.Unlock()

	g.wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeCalls = append(c.subscribeCalls, topic)
	if rejected {
		return &client.BrokerError{Op: client.OpSubscribe, Topic: topic, Code: client.SubackFailure, Err: client.ErrSubscriptionRejected}
	}
	c.subs[topic] = qos
	return nil
}

func (c *fakeClient) Unsubscribe(topic string) error {
	c.broker.mu.Lock()
	err := c.broker.unsubErr
	c.broker.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubCalls = append(c.unsubCalls, topic)
	if err != nil {
		return &client.BrokerError{Op: client.OpUnsubscribe, Topic: topic, Err: err}
	}
	delete(c.subs, topic)
	return nil
}

func (c *fakeClient) Publish(topic string, qos byte, retain bool, payload []byte) error {
	c.broker.mu.Lock()
	err := c.broker.publishErr
	c.broker.mu.Unlock()
	if err != nil {
		return &client.BrokerError{Op: client.OpPublish, Topic: topic, Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, client.Message{Topic: topic, Payload: payload, QoS: qos, Retained: retain})
	return nil
}

// deliver simulates the broker pushing a message to this client.
func (c *fakeClient) deliver(topic, payload string) {
	c.opts.OnMessage(client.Message{Topic: topic, Payload: []byte(payload), QoS: 1})
}

// lose simulates the transport dropping.
func (c *fakeClient) lose(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.opts.OnConnectionLost(err)
}

func (c *fakeClient) subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribeCalls...)
}

func (c *fakeClient) unsubscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.unsubCalls...)
}

func (c *fakeClient) wasDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}
