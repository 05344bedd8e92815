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

// Package storage persists the desired subscription set of the bridge. The
// whole set is one unit: it is loaded once at startup and rewritten in full on
// every change. A missing or unreadable record is an empty set, never a
// startup failure.
package storage

import (
	"errors"
	"sort"
	"sync"
)

// ErrInjected is returned by a MemStore whose save failure was armed with
// FailSaves.
var ErrInjected = errors.New("injected save failure")

// Entry is a single persisted subscription of one connection.
type Entry struct {
	Topic string `json:"topic"`
	QoS   byte   `json:"qos"`
}

// SubscriptionMap maps a connection id to its ordered subscription entries.
type SubscriptionMap map[string][]Entry

// Clone returns a deep copy of the map.
func (m SubscriptionMap) Clone() SubscriptionMap {
	out := make(SubscriptionMap, len(m))
	for id, entries := range m {
		cp := make([]Entry, len(entries))
		copy(cp, entries)
		out[id] = cp
	}
	return out
}

// Count returns the total number of entries across all connections.
func (m SubscriptionMap) Count() int {
	n := 0
	for _, entries := range m {
		n += len(entries)
	}
	return n
}

// ConnectionIDs returns the connection ids in sorted order.
func (m SubscriptionMap) ConnectionIDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Put records topic at qos for a connection. An existing entry for the same
// topic keeps its position and takes the new qos.
func (m SubscriptionMap) Put(connectionID, topic string, qos byte) {
	entries := m[connectionID]
	for i := range entries {
		if entries[i].Topic == topic {
			entries[i].QoS = qos
			return
		}
	}
	m[connectionID] = append(entries, Entry{Topic: topic, QoS: qos})
}

// Remove drops topic from a connection and reports how many entries were
// removed. A connection left without entries is deleted from the map.
func (m SubscriptionMap) Remove(connectionID, topic string) int {
	entries, ok := m[connectionID]
	if !ok {
		return 0
	}
	kept := entries[:0]
	removed := 0
	for _, e := range entries {
		if e.Topic == topic {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(m, connectionID)
	} else {
		m[connectionID] = kept
	}
	return removed
}

// Store defines the persistence backend for the subscription map.
type Store interface {
	// Load returns the persisted map. It never fails: a missing or malformed
	// record yields an empty map.
	Load() SubscriptionMap
	// Save replaces the persisted record with m.
	Save(m SubscriptionMap) error
	// Path describes where the record lives, for logging.
	Path() string
}

// MemStore is an in-memory Store. It keeps a deep copy of the last saved map
// and can be told to fail saves, which makes it useful in tests and for
// running the bridge without durability.
type MemStore struct {
	data      SubscriptionMap
	saves     int
	failSaves bool
	mu        sync.RWMutex
}

// NewMemStore creates and returns a new, empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		data: make(SubscriptionMap),
	}
}

// Load returns a copy of the last saved map.
func (s *MemStore) Load() SubscriptionMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Clone()
}

// Save stores a copy of m unless failures are armed.
func (s *MemStore) Save(m SubscriptionMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves {
		return ErrInjected
	}
	s.data = m.Clone()
	s.saves++
	return nil
}

// Path implements Store.
func (s *MemStore) Path() string {
	return "memory"
}

// FailSaves arms or disarms save failures.
func (s *MemStore) FailSaves(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSaves = fail
}

// Saves returns the number of successful saves.
func (s *MemStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
