// ABOUTME: Store interfaces and data types for coven-relay persistence
// ABOUTME: Defines chat sessions, turn records and the interfaces the conversation layer depends on

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ChatSession links a chat (Matrix room) served by a bot to the engine
// session that carries its conversation.
type ChatSession struct {
	ChatID     string
	BotID      string
	Token      string // Engine session token; empty after a soft reset
	WorkingDir string // Per-chat override; empty means the configured default
	Model      string // Per-chat override; empty means the configured default
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Turn outcomes recorded in TurnRecord.Outcome.
const (
	OutcomeSuccess = "success" // Engine returned a normal result
	OutcomeError   = "error"   // Engine returned an error result or failed
)

// TurnRecord is one completed agent turn for statistics.
type TurnRecord struct {
	ID           string
	ChatID       string
	BotID        string
	SessionToken string
	Outcome      string
	CostUSD      float64
	Duration     time.Duration
	NumTurns     int      // Agent round trips inside the turn
	ToolsUsed    []string // Distinct tool names, in order of first use
	Injected     int      // Messages pushed into the turn after it started
	CreatedAt    time.Time
}

// ChatStats aggregates the turns of one chat.
type ChatStats struct {
	Turns      int
	Failed     int
	CostUSD    float64
	Duration   time.Duration
	ToolUses   map[string]int // Turns that used each tool
	LastTurnAt time.Time
}

// SessionStore persists the engine session of each chat so a conversation
// survives relay restarts.
type SessionStore interface {
	// GetSession returns ErrNotFound when the chat has no record.
	GetSession(ctx context.Context, chatID, botID string) (*ChatSession, error)

	// SaveSession records the chat's current engine session token,
	// creating the record if needed.
	SaveSession(ctx context.Context, chatID, botID, token string) error

	// ClearSessionToken blanks the token but keeps the record and its settings.
	ClearSessionToken(ctx context.Context, chatID, botID string) error

	// DeleteSession removes the record entirely. Deleting a missing record is not an error.
	DeleteSession(ctx context.Context, chatID, botID string) error

	SetWorkingDir(ctx context.Context, chatID, botID, dir string) error
	SetModel(ctx context.Context, chatID, botID, model string) error
}

// TurnStore records turn outcomes.
type TurnStore interface {
	RecordTurn(ctx context.Context, turn *TurnRecord) error
	GetChatStats(ctx context.Context, chatID, botID string) (*ChatStats, error)
}

// Store is everything the relay persists.
type Store interface {
	SessionStore
	TurnStore
	Close() error
}
