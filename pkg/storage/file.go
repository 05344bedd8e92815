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

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the subscription map in a single JSON file:
//
//	{"<connection_id>": [{"topic": "sensors/#", "qos": 1}, ...], ...}
//
// Saves replace the file atomically (temporary file, fsync, rename), so a
// reader or a restarted process never observes a half-written record.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore backed by path. The file and its parent
// directory are created on the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the location of the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// Save serializes m and atomically replaces the backing file with it.
func (s *FileStore) Save(m SubscriptionMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m == nil {
		m = SubscriptionMap{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal subscriptions: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create persistence directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary subscriptions file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temporary subscriptions file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temporary subscriptions file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temporary subscriptions file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move subscriptions file into place: %w", err)
	}

	// Make the rename itself durable.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}

	log.Printf("[INFO] Saved %d subscriptions for %d connections to %s", m.Count(), len(m), s.path)
	return nil
}

// Load reads the backing file. A missing file, an unreadable file or
// malformed content all produce an empty map.
func (s *FileStore) Load() SubscriptionMap {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("[INFO] No subscription persistence file found at %s", s.path)
		} else {
			log.Printf("[WARN] Failed to read subscription persistence file %s: %v", s.path, err)
		}
		return SubscriptionMap{}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Printf("[WARN] Ignoring malformed subscription persistence file %s: %v", s.path, err)
		return SubscriptionMap{}
	}

	m := sanitize(raw)
	log.Printf("[INFO] Loaded %d subscriptions for %d connections from %s", m.Count(), len(m), s.path)
	return m
}

// sanitize enforces the record invariants on freshly decoded data: valid qos,
// non-empty topics, one entry per topic, no empty connections. Only the
// offending entry (or connection, when its value is not a list) is dropped.
func sanitize(raw map[string]json.RawMessage) SubscriptionMap {
	m := make(SubscriptionMap, len(raw))
	for id, value := range raw {
		var entries []json.RawMessage
		if err := json.Unmarshal(value, &entries); err != nil {
			log.Printf("[WARN] Dropping persisted subscriptions for %s: %v", id, err)
			continue
		}
		for _, data := range entries {
			topic, qos, err := decodeEntry(data)
			if err != nil {
				log.Printf("[WARN] Dropping invalid persisted subscription for %s: %s: %v", id, data, err)
				continue
			}
			m.Put(id, topic, qos)
		}
	}
	return m
}

// decodeEntry validates one {"topic": ..., "qos": ...} object. qos must be
// the JSON integer 0, 1 or 2.
func decodeEntry(data json.RawMessage) (string, byte, error) {
	var e struct {
		Topic string          `json:"topic"`
		QoS   json.RawMessage `json:"qos"`
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return "", 0, err
	}
	if e.Topic == "" {
		return "", 0, errors.New("empty topic")
	}
	switch string(e.QoS) {
	case "0":
		return e.Topic, 0, nil
	case "1":
		return e.Topic, 1, nil
	case "2":
		return e.Topic, 2, nil
	}
	return "", 0, fmt.Errorf("qos must be 0, 1 or 2")
}
