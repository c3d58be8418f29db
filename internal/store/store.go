// Package store provides the file-backed key→JSON map underneath the API-key,
// BYOK, and registry checkpoint state, plus the schema migration runner.
//
// Writes are debounced (default 100ms) and coalesced into a single writer
// goroutine; the file is always replaced atomically (temp file + rename on
// the same volume), so concurrent readers of the file never observe partial
// JSON. Close flushes pending changes synchronously.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const defaultDebounce = 100 * time.Millisecond

// Map is a persistent mapping of string keys to JSON values.
type Map struct {
	path     string
	log      *slog.Logger
	debounce time.Duration

	mu    sync.RWMutex
	data  map[string]json.RawMessage
	dirty bool

	kick      chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// Option configures a Map.
type Option func(*Map)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(m *Map) {
		if log != nil {
			m.log = log
		}
	}
}

// WithDebounce overrides the save coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(m *Map) {
		if d > 0 {
			m.debounce = d
		}
	}
}

// Open loads (or initializes) the map backed by the given file. A missing
// file is created empty; malformed content is logged and reset to empty
// rather than propagated, per the storage contract.
func Open(path string, opts ...Option) (*Map, error) {
	m := &Map{
		path:     path,
		log:      slog.Default(),
		debounce: defaultDebounce,
		data:     make(map[string]json.RawMessage),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	if err := m.load(); err != nil {
		return nil, err
	}

	go m.saveLoop()
	return m, nil
}

func (m *Map) load() error {
	raw, err := os.ReadFile(m.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := m.writeSnapshot(); err != nil {
			return fmt.Errorf("store: initialize %s: %w", m.path, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("store: read %s: %w", m.path, err)
	}

	if len(raw) == 0 {
		return nil
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		m.log.Error("store_reset",
			slog.String("path", m.path),
			slog.String("error", err.Error()),
		)
		m.data = make(map[string]json.RawMessage)
		return nil
	}
	m.data = data
	m.log.Debug("store_loaded", slog.String("path", m.path), slog.Int("keys", len(data)))
	return nil
}

// Get returns the raw JSON value for key.
func (m *Map) Get(key string) (json.RawMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out, true
}

// GetJSON unmarshals the value for key into v. The boolean reports presence.
func (m *Map) GetJSON(key string, v any) (bool, error) {
	raw, ok := m.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("store: decode %q: %w", key, err)
	}
	return true, nil
}

// Set marshals v and stores it under key, scheduling a debounced save.
func (m *Map) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %q: %w", key, err)
	}
	m.SetRaw(key, raw)
	return nil
}

// SetRaw stores a pre-marshaled value under key.
func (m *Map) SetRaw(key string, raw json.RawMessage) {
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)

	m.mu.Lock()
	m.data[key] = cp
	m.dirty = true
	m.mu.Unlock()
	m.scheduleSave()
}

// Delete removes key, reporting whether it was present.
func (m *Map) Delete(key string) bool {
	m.mu.Lock()
	_, ok := m.data[key]
	if ok {
		delete(m.data, key)
		m.dirty = true
	}
	m.mu.Unlock()
	if ok {
		m.scheduleSave()
	}
	return ok
}

// Clear removes every key.
func (m *Map) Clear() {
	m.mu.Lock()
	m.data = make(map[string]json.RawMessage)
	m.dirty = true
	m.mu.Unlock()
	m.scheduleSave()
}

// Keys returns all keys in sorted order.
func (m *Map) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of stored keys.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Flush writes the current state synchronously if anything changed.
func (m *Map) Flush() error {
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return nil
	}
	m.dirty = false
	m.mu.Unlock()
	return m.writeSnapshot()
}

// Close stops the writer goroutine and flushes pending changes.
func (m *Map) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	<-m.stopped
	return m.Flush()
}

func (m *Map) scheduleSave() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Map) saveLoop() {
	defer close(m.stopped)
	for {
		select {
		case <-m.done:
			return
		case <-m.kick:
			timer := time.NewTimer(m.debounce)
			select {
			case <-m.done:
				timer.Stop()
				return
			case <-timer.C:
			}
			// Coalesce changes raised during the window.
			select {
			case <-m.kick:
			default:
			}
			if err := m.Flush(); err != nil {
				m.log.Error("store_save_failed",
					slog.String("path", m.path),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (m *Map) writeSnapshot() error {
	m.mu.RLock()
	raw, err := json.MarshalIndent(m.data, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", m.path, err)
	}
	return WriteFileAtomic(m.path, raw)
}

// WriteFileAtomic replaces path with data via a temp file and rename so no
// reader ever sees a partially written file.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: rename %s: %w", tmp, err)
	}
	return nil
}
