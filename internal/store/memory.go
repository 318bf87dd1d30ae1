// ABOUTME: In-memory Store implementation
// ABOUTME: Used by tests and by ephemeral runs that need no persistence

package store

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*ChatSession  // keyed by "botID:chatID"
	turns    map[string][]*TurnRecord // keyed by "botID:chatID"
	now      func() time.Time
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*ChatSession),
		turns:    make(map[string][]*TurnRecord),
		now:      time.Now,
	}
}

func sessionKey(chatID, botID string) string {
	return botID + ":" + chatID
}

// GetSession returns a copy of the chat's record.
func (m *MemoryStore) GetSession(_ context.Context, chatID, botID string) (*ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionKey(chatID, botID)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *sess
	return &c, nil
}

func (m *MemoryStore) SaveSession(_ context.Context, chatID, botID, token string) error {
	m.update(chatID, botID, func(s *ChatSession) { s.Token = token })
	return nil
}

func (m *MemoryStore) ClearSessionToken(_ context.Context, chatID, botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[sessionKey(chatID, botID)]; ok {
		sess.Token = ""
		sess.UpdatedAt = m.now()
	}
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, chatID, botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey(chatID, botID)
	delete(m.sessions, key)
	delete(m.turns, key)
	return nil
}

func (m *MemoryStore) SetWorkingDir(_ context.Context, chatID, botID, dir string) error {
	m.update(chatID, botID, func(s *ChatSession) { s.WorkingDir = dir })
	return nil
}

func (m *MemoryStore) SetModel(_ context.Context, chatID, botID, model string) error {
	m.update(chatID, botID, func(s *ChatSession) { s.Model = model })
	return nil
}

// update applies fn to the chat's record, creating it first if needed.
func (m *MemoryStore) update(chatID, botID string, fn func(*ChatSession)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := sessionKey(chatID, botID)
	sess, ok := m.sessions[key]
	if !ok {
		sess = &ChatSession{ChatID: chatID, BotID: botID, CreatedAt: now}
		m.sessions[key] = sess
	}
	fn(sess)
	sess.UpdatedAt = now
}

func (m *MemoryStore) RecordTurn(_ context.Context, turn *TurnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *turn
	c.ToolsUsed = slices.Clone(turn.ToolsUsed)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	key := sessionKey(turn.ChatID, turn.BotID)
	m.turns[key] = append(m.turns[key], &c)
	return nil
}

func (m *MemoryStore) GetChatStats(_ context.Context, chatID, botID string) (*ChatStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &ChatStats{ToolUses: make(map[string]int)}
	for _, t := range m.turns[sessionKey(chatID, botID)] {
		stats.Turns++
		if t.Outcome == OutcomeError {
			stats.Failed++
		}
		stats.CostUSD += t.CostUSD
		stats.Duration += t.Duration
		for _, tool := range t.ToolsUsed {
			stats.ToolUses[tool]++
		}
		if t.CreatedAt.After(stats.LastTurnAt) {
			stats.LastTurnAt = t.CreatedAt
		}
	}
	return stats, nil
}

// Turns returns the recorded turns of a chat in insertion order.
func (m *MemoryStore) Turns(chatID, botID string) []TurnRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []TurnRecord
	for _, t := range m.turns[sessionKey(chatID, botID)] {
		out = append(out, *t)
	}
	return out
}

func (m *MemoryStore) Close() error { return nil }

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
