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

// Package messages records the MQTT messages that pass through the bridge,
// both those delivered by a broker and those published by the bridge. Reads
// only ever see the most recent window of records.
package messages

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Direction tells whether a message was received from or sent to a broker.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

const (
	// DefaultWindow is the number of most recent records visible to readers.
	DefaultWindow = 100
	// DefaultQueryLimit is used when a query does not ask for a positive limit.
	DefaultQueryLimit = 20
)

// Message is a single recorded MQTT message.
type Message struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	Topic        string    `json:"topic"`
	Payload      []byte    `json:"-"`
	Text         string    `json:"payload"`
	QoS          byte      `json:"qos"`
	Retain       bool      `json:"retain"`
	Direction    Direction `json:"direction"`
	Timestamp    time.Time `json:"timestamp"`
}

// Config defines message log options.
type Config struct {
	// Window is how many of the most recent records readers can see. Values
	// below DefaultWindow are raised to it.
	Window int `yaml:"window" json:"window"`
}

// DefaultConfig returns a default message log configuration
func DefaultConfig() *Config {
	return &Config{Window: DefaultWindow}
}

// Log is a thread-safe, append-only message record. It accepts appends from
// every connection's delivery worker concurrently with control-plane reads.
type Log struct {
	records []Message
	window  int
	total   uint64
	mu      sync.RWMutex
}

// NewLog creates an empty message log.
func NewLog(config *Config) *Log {
	if config == nil {
		config = DefaultConfig()
	}
	window := config.Window
	if window < DefaultWindow {
		window = DefaultWindow
	}
	return &Log{
		records: make([]Message, 0, window),
		window:  window,
	}
}

// Record appends msg, filling in ID, timestamp and text when missing.
func (l *Log) Record(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Text == "" && len(msg.Payload) > 0 {
		msg.Text = decodeText(msg.Payload)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, msg)
	l.total++

	// Records older than the window are unreachable; drop them once they
	// outnumber the window.
	if len(l.records) >= 2*l.window {
		kept := make([]Message, l.window, 2*l.window)
		copy(kept, l.records[len(l.records)-l.window:])
		l.records = kept
	}
	return msg
}

// Query returns at most limit of the most recent records whose topic contains
// topicFilter, oldest first. Matching is literal and case-sensitive; an empty
// filter matches everything. Only the visible window is searched.
func (l *Log) Query(topicFilter string, limit int) []Message {
	return l.Select(func(msg Message) bool {
		return topicFilter == "" || strings.Contains(msg.Topic, topicFilter)
	}, limit)
}

// Select returns at most limit of the most recent visible records accepted
// by match, oldest first. limit <= 0 means DefaultQueryLimit.
func (l *Log) Select(match func(Message) bool, limit int) []Message {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var matched []Message
	for _, msg := range l.visible() {
		if match(msg) {
			matched = append(matched, msg)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}

	out := make([]Message, len(matched))
	copy(out, matched)
	return out
}

// Recent returns the whole visible window, oldest first.
func (l *Log) Recent() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	visible := l.visible()
	out := make([]Message, len(visible))
	copy(out, visible)
	return out
}

// Len returns the total number of records ever appended.
func (l *Log) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Window returns the size of the visible window.
func (l *Log) Window() int {
	return l.window
}

// visible must be called with l.mu held.
func (l *Log) visible() []Message {
	if len(l.records) > l.window {
		return l.records[len(l.records)-l.window:]
	}
	return l.records
}

// decodeText decodes payload as UTF-8, dropping invalid bytes.
func decodeText(payload []byte) string {
	if utf8.Valid(payload) {
		return string(payload)
	}
	var b strings.Builder
	b.Grow(len(payload))
	for len(payload) > 0 {
		r, size := utf8.DecodeRune(payload)
		if r != utf8.RuneError || size > 1 {
			b.WriteRune(r)
		}
		payload = payload[size:]
	}
	return b.String()
}
