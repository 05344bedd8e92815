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

// Package client is the bridge's view of a broker session. It hides the MQTT
// client library behind a small synchronous interface: every call waits for
// the broker's answer and reports failures as *BrokerError.
package client

import (
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	DefaultPort             = 1883
	DefaultKeepAlive        = 60 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultOperationTimeout = 10 * time.Second

	disconnectQuiesce = 250 // milliseconds
)

// Message is an inbound message delivered by the broker.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Options configures a broker session.
type Options struct {
	Broker   string
	Port     int
	Username string
	Password string
	ClientID string

	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration

	// OnMessage is called for every inbound message, one at a time and in
	// the order the broker sent them.
	OnMessage func(Message)
	// OnConnectionLost is called when the transport drops unexpectedly.
	OnConnectionLost func(error)
}

// BrokerURL returns the URL the client dials. A broker given with a scheme
// (tcp://, ssl://, ws://) is used as is.
func (o Options) BrokerURL() string {
	if strings.Contains(o.Broker, "://") {
		return o.Broker
	}
	port := o.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("tcp://%s:%d", o.Broker, port)
}

func (o Options) withDefaults() Options {
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	return o
}

// Client is a single broker session.
type Client interface {
	Connect() error
	Disconnect()
	Subscribe(topic string, qos byte) error
	Unsubscribe(topic string) error
	Publish(topic string, qos byte, retain bool, payload []byte) error
	IsConnected() bool
}

// Dialer creates unconnected clients.
type Dialer interface {
	Dial(opts Options) Client
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(opts Options) Client

// Dial calls f(opts).
func (f DialerFunc) Dial(opts Options) Client {
	return f(opts)
}

// PahoDialer builds clients on top of the Eclipse Paho MQTT library.
var PahoDialer Dialer = DialerFunc(NewPahoClient)

type pahoClient struct {
	client mqtt.Client
	opts   Options
}

// NewPahoClient creates a Paho-backed client. The session uses a clean
// session and does not reconnect on its own: reconnecting is a decision for
// the caller.
func NewPahoClient(opts Options) Client {
	opts = opts.withDefaults()

	po := mqtt.NewClientOptions()
	po.AddBroker(opts.BrokerURL())
	po.SetClientID(opts.ClientID)
	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}
	po.SetKeepAlive(opts.KeepAlive)
	po.SetConnectTimeout(opts.ConnectTimeout)
	po.SetCleanSession(true)
	po.SetAutoReconnect(false)
	po.SetConnectRetry(false)
	po.SetOrderMatters(true)

	onMessage := opts.OnMessage
	po.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		if onMessage == nil {
			return
		}
		onMessage(Message{
			Topic:    msg.Topic(),
			Payload:  msg.Payload(),
			QoS:      msg.Qos(),
			Retained: msg.Retained(),
		})
	})

	onLost := opts.OnConnectionLost
	po.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[WARN] Connection to %s lost (client %s): %v", opts.BrokerURL(), opts.ClientID, err)
		if onLost != nil {
			onLost(err)
		}
	})

	return &pahoClient{
		client: mqtt.NewClient(po),
		opts:   opts,
	}
}

func (c *pahoClient) Connect() error {
	token := c.client.Connect()
	// Paho enforces the connect timeout itself; the extra second only guards
	// against a token that never completes.
	if !token.WaitTimeout(c.opts.ConnectTimeout + time.Second) {
		return &BrokerError{Op: OpConnect, Err: ErrTimeout}
	}
	if err := token.Error(); err != nil {
		var code byte
		if ct, ok := token.(*mqtt.ConnectToken); ok {
			code = ct.ReturnCode()
		}
		return &BrokerError{Op: OpConnect, Code: code, Err: err}
	}
	return nil
}

func (c *pahoClient) Disconnect() {
	c.client.Disconnect(disconnectQuiesce)
}

func (c *pahoClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func (c *pahoClient) Subscribe(topic string, qos byte) error {
	token := c.client.Subscribe(topic, qos, nil)
	if !token.WaitTimeout(c.opts.OperationTimeout) {
		return &BrokerError{Op: OpSubscribe, Topic: topic, Err: ErrTimeout}
	}

	var code byte
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		code = st.Result()[topic]
	}
	if err := token.Error(); err != nil {
		return &BrokerError{Op: OpSubscribe, Topic: topic, Code: code, Err: err}
	}
	if code == SubackFailure {
		return &BrokerError{Op: OpSubscribe, Topic: topic, Code: code, Err: ErrSubscriptionRejected}
	}
	return nil
}

func (c *pahoClient) Unsubscribe(topic string) error {
	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(c.opts.OperationTimeout) {
		return &BrokerError{Op: OpUnsubscribe, Topic: topic, Err: ErrTimeout}
	}
	if err := token.Error(); err != nil {
		return &BrokerError{Op: OpUnsubscribe, Topic: topic, Err: err}
	}
	return nil
}

func (c *pahoClient) Publish(topic string, qos byte, retain bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(c.opts.OperationTimeout) {
		return &BrokerError{Op: OpPublish, Topic: topic, Err: ErrTimeout}
	}
	if err := token.Error(); err != nil {
		return &BrokerError{Op: OpPublish, Topic: topic, Err: err}
	}
	return nil
}
