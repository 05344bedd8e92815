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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "subscriptions.json")
	s := NewFileStore(path)

	m := SubscriptionMap{
		"c1": {{Topic: "sensors/#", QoS: 1}, {Topic: "alerts", QoS: 2}},
		"c2": {{Topic: "other", QoS: 0}},
	}
	require.NoError(t, s.Save(m))

	loaded := s.Load()
	assert.Equal(t, m, loaded)
	assert.Equal(t, path, s.Path())
}

func TestFileStore_FileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriptions.json")
	s := NewFileStore(path)
	require.NoError(t, s.Save(SubscriptionMap{"c1": {{Topic: "sensors/#", QoS: 1}}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string][]map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw["c1"], 1)
	assert.Equal(t, "sensors/#", raw["c1"][0]["topic"])
	assert.Equal(t, float64(1), raw["c1"][0]["qos"])
}

func TestFileStore_MissingFile(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "absent.json"))
	m := s.Load()
	assert.NotNil(t, m)
	assert.Empty(t, m)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriptions.json")
	s := NewFileStore(path)
	require.NoError(t, s.Save(SubscriptionMap{"c1": {{Topic: "a", QoS: 1}}}))

	for _, content := range []string{"{not json", "[1,2,3]", `{"c1": "nope"}`, ""} {
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		m := s.Load()
		assert.NotNil(t, m, "content %q", content)
		assert.Empty(t, m, "content %q", content)
	}
}

func TestFileStore_LoadSanitizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriptions.json")
	content := `{
  "c1": [{"topic": "a", "qos": 0}, {"topic": "a", "qos": 1}, {"topic": "", "qos": 0}],
  "c2": [{"topic": "b", "qos": 7}],
  "c3": []
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	m := NewFileStore(path).Load()
	assert.Equal(t, SubscriptionMap{"c1": {{Topic: "a", QoS: 1}}}, m)
}

func TestFileStore_LoadDropsOnlyBadEntries(t *testing.T) {
	for _, bad := range []string{`-1`, `300`, `"1"`, `1.5`, `null`} {
		path := filepath.Join(t.TempDir(), "subscriptions.json")
		content := `{"c1":[{"topic":"keep/me","qos":1}],"c2":[{"topic":"x","qos":` + bad + `}]}`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		m := NewFileStore(path).Load()
		assert.Equal(t, SubscriptionMap{"c1": {{Topic: "keep/me", QoS: 1}}}, m, "qos %s", bad)
	}

	path := filepath.Join(t.TempDir(), "subscriptions.json")
	content := `{"c1":[{"topic":"a","qos":2}, "junk", {"topic":5,"qos":0}],"c2":"not a list","c3":[{"topic":"b","qos":0}]}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	m := NewFileStore(path).Load()
	assert.Equal(t, SubscriptionMap{
		"c1": {{Topic: "a", QoS: 2}},
		"c3": {{Topic: "b", QoS: 0}},
	}, m)
}

func TestFileStore_LoadBadEntryNotErasedBySave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriptions.json")
	content := `{"c1":[{"topic":"keep/me","qos":1}],"c2":[{"topic":"x","qos":300}]}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	s := NewFileStore(path)
	m := s.Load()
	m.Put("c3", "new", 0)
	require.NoError(t, s.Save(m))

	assert.Equal(t, SubscriptionMap{
		"c1": {{Topic: "keep/me", QoS: 1}},
		"c3": {{Topic: "new", QoS: 0}},
	}, NewFileStore(path).Load())
}

func TestFileStore_SaveReplacesWithoutLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subscriptions.json")
	s := NewFileStore(path)

	require.NoError(t, s.Save(SubscriptionMap{"c1": {{Topic: "a", QoS: 1}}}))
	require.NoError(t, s.Save(SubscriptionMap{}))

	assert.Empty(t, s.Load())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
	assert.Equal(t, "subscriptions.json", entries[0].Name())
}

func TestFileStore_SaveNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriptions.json")
	s := NewFileStore(path)
	require.NoError(t, s.Save(nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(data))
}

func TestFileStore_SaveError(t *testing.T) {
	// A regular file where the parent directory should be
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	s := NewFileStore(filepath.Join(blocker, "subscriptions.json"))
	err := s.Save(SubscriptionMap{"c1": {{Topic: "a", QoS: 1}}})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "persistence directory")
}
