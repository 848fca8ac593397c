// Package session manages conversation history persistence.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/rcliao/teeny-agents/pkg/provider"
)

// Session holds conversation state.
type Session struct {
	Key      string             `json:"key"`
	Messages []provider.Message `json:"messages"`
	Created  time.Time          `json:"created"`
	Updated  time.Time          `json:"updated"`
}

// Manager handles session CRUD and persistence. Writes to a session file
// hold an exclusive file lock so several processes can share a directory.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	dir      string
	limit    int
}

// NewManager creates a session manager backed by a directory. History is
// trimmed to the last limit messages on save; zero keeps everything.
func NewManager(dir string, limit int) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		dir:      dir,
		limit:    limit,
	}
	m.loadAll()
	return m, nil
}

// GetHistory returns message history for a session.
func (m *Manager) GetHistory(key string) []provider.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	out := make([]provider.Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// AddMessage appends a message to a session.
func (m *Manager) AddMessage(key string, msg provider.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreate(key)
	s.Messages = append(s.Messages, msg)
	s.Updated = time.Now()
}

// AddTurn appends a user message and the assistant's reply.
func (m *Manager) AddTurn(key, userText, assistantText string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreate(key)
	s.Messages = append(s.Messages,
		provider.TextMessage(provider.RoleUser, userText),
		provider.TextMessage(provider.RoleAssistant, assistantText),
	)
	s.Updated = time.Now()
}

// Reset drops a session from memory and disk.
func (m *Manager) Reset(key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	path := m.path(key)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock session %s: %w", key, err)
	}
	defer lock.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session %s: %w", key, err)
	}
	return nil
}

// MessageCount returns how many messages are in a session.
func (m *Manager) MessageCount(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.sessions[key]; ok {
		return len(s.Messages)
	}
	return 0
}

// Keys returns every known session key, sorted.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Save trims a session to the history limit and persists it to disk.
func (m *Manager) Save(key string) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	s.Messages = trim(s.Messages, m.limit)
	// Snapshot
	snapshot := Session{
		Key:      s.Key,
		Created:  s.Created,
		Updated:  s.Updated,
		Messages: make([]provider.Message, len(s.Messages)),
	}
	copy(snapshot.Messages, s.Messages)
	m.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", key, err)
	}

	path := m.path(key)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock session %s: %w", key, err)
	}
	defer lock.Unlock()

	// Atomic write
	tmp, err := os.CreateTemp(m.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// trim keeps the last limit messages, then drops leading non-user
// messages so the history still opens with a user turn.
func trim(msgs []provider.Message, limit int) []provider.Message {
	if limit <= 0 || len(msgs) <= limit {
		return msgs
	}
	msgs = msgs[len(msgs)-limit:]
	for len(msgs) > 0 && msgs[0].Role != provider.RoleUser {
		msgs = msgs[1:]
	}
	return append([]provider.Message(nil), msgs...)
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.dir, sanitize(key)+".json")
}

func (m *Manager) getOrCreate(key string) *Session {
	s, ok := m.sessions[key]
	if !ok {
		s = &Session{
			Key:     key,
			Created: time.Now(),
			Updated: time.Now(),
		}
		m.sessions[key] = s
	}
	return s
}

func (m *Manager) loadAll() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil || s.Key == "" {
			continue
		}
		m.sessions[s.Key] = &s
	}
}

func sanitize(key string) string {
	return strings.NewReplacer(":", "_", "/", "_", `\`, "_").Replace(key)
}
