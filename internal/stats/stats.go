// Package stats implements the gateway's in-memory counter tree: nested
// values keyed by "::"-delimited paths, optionally persisted to disk as
// JSON so counts survive a restart.
package stats

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/AdguardTeam/golibs/log"
)

// Manager is a nested counter map guarded by a single mutex.
type Manager struct {
	stats map[string]any
	mu    sync.Mutex
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{stats: make(map[string]any)}
}

// Set stores value at key, creating intermediate maps for any "::"
// separated path segment that does not yet exist.
func (m *Manager) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts := strings.Split(key, "::")
	stats := m.stats
	for i := 0; i < len(parts)-1; i++ {
		if _, ok := stats[parts[i]]; !ok {
			stats[parts[i]] = make(map[string]any)
		}
		stats = stats[parts[i]].(map[string]any)
	}
	stats[parts[len(parts)-1]] = value
}

// Incr adds delta to the uint64 counter at key, initializing it to delta if
// absent. Callers must only use Incr on keys they never Set with a
// non-uint64 value.
func (m *Manager) Incr(key string, delta uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts := strings.Split(key, "::")
	stats := m.stats
	for i := 0; i < len(parts)-1; i++ {
		if _, ok := stats[parts[i]]; !ok {
			stats[parts[i]] = make(map[string]any)
		}
		stats = stats[parts[i]].(map[string]any)
	}
	last := parts[len(parts)-1]
	cur, _ := stats[last].(uint64)
	stats[last] = cur + delta
}

// Get returns the value at key, or nil if absent.
func (m *Manager) Get(key string) any {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts := strings.Split(key, "::")
	stats := m.stats
	for i := 0; i < len(parts)-1; i++ {
		next, ok := stats[parts[i]]
		if !ok {
			return nil
		}
		stats, ok = next.(map[string]any)
		if !ok {
			return nil
		}
	}
	return stats[parts[len(parts)-1]]
}

// Exists reports whether key has a value.
func (m *Manager) Exists(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts := strings.Split(key, "::")
	stats := m.stats
	for i := 0; i < len(parts)-1; i++ {
		next, ok := stats[parts[i]]
		if !ok {
			return false
		}
		stats, ok = next.(map[string]any)
		if !ok {
			return false
		}
	}
	_, ok := stats[parts[len(parts)-1]]
	return ok
}

// AsJSONPretty renders the whole counter tree as indented JSON.
func (m *Manager) AsJSONPretty() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.MarshalIndent(m.stats, "", "  ")
}

// LoadStats replaces the counter tree with the contents of path, if it
// exists. A missing or malformed file is logged and otherwise ignored —
// stats are best-effort, never fatal to startup.
func (m *Manager) LoadStats(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error("stats: reading %s: %v", path, err)
		}
		return
	}

	var loaded map[string]any
	if err = json.Unmarshal(data, &loaded); err != nil {
		log.Error("stats: parsing %s: %v", path, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = make(map[string]any)
	copyStats(loaded, m.stats)
}

// SaveStats persists the counter tree to path as JSON.
func (m *Manager) SaveStats(path string) {
	m.mu.Lock()
	data, err := json.Marshal(m.stats)
	m.mu.Unlock()
	if err != nil {
		log.Error("stats: marshaling: %v", err)
		return
	}
	if err = os.WriteFile(path, data, 0o644); err != nil {
		log.Error("stats: writing %s: %v", path, err)
	}
}

// copyStats deep-copies src into dst, normalizing JSON's float64 decoding
// of integers back to uint64 so round-tripped counters compare equal.
func copyStats(src, dst map[string]any) {
	for key, value := range src {
		switch v := value.(type) {
		case map[string]any:
			nested := make(map[string]any)
			dst[key] = nested
			copyStats(v, nested)
		case float64:
			dst[key] = uint64(v)
		default:
			dst[key] = value
		}
	}
}
