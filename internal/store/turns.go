// ABOUTME: SQLite implementation for turn statistics
// ABOUTME: Records completed agent turns and aggregates them per chat

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RecordTurn stores one completed turn.
func (s *SQLiteStore) RecordTurn(ctx context.Context, turn *TurnRecord) error {
	tools, err := json.Marshal(nonNil(turn.ToolsUsed))
	if err != nil {
		return fmt.Errorf("encoding tools: %w", err)
	}

	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	query := `
		INSERT INTO turns (
			id, chat_id, bot_id, session_token, outcome,
			cost_usd, duration_ms, num_turns, tools_used, injected, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		turn.ID,
		turn.ChatID,
		turn.BotID,
		turn.SessionToken,
		turn.Outcome,
		turn.CostUSD,
		turn.Duration.Milliseconds(),
		turn.NumTurns,
		string(tools),
		turn.Injected,
		createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting turn: %w", err)
	}

	s.logger.Debug("recorded turn",
		"id", turn.ID,
		"chat_id", turn.ChatID,
		"outcome", turn.Outcome,
		"cost_usd", turn.CostUSD,
	)
	return nil
}

// GetChatStats aggregates all recorded turns of a chat. A chat without turns
// yields zero stats, not ErrNotFound.
func (s *SQLiteStore) GetChatStats(ctx context.Context, chatID, botID string) (*ChatStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(SUM(duration_ms), 0),
			MAX(created_at)
		FROM turns
		WHERE chat_id = ? AND bot_id = ?
	`

	stats := &ChatStats{ToolUses: make(map[string]int)}
	var durationMs int64
	var last sql.NullString
	err := s.db.QueryRowContext(ctx, query, chatID, botID).Scan(
		&stats.Turns,
		&stats.Failed,
		&stats.CostUSD,
		&durationMs,
		&last,
	)
	if err != nil {
		return nil, fmt.Errorf("querying turn stats: %w", err)
	}
	stats.Duration = time.Duration(durationMs) * time.Millisecond
	if last.Valid {
		stats.LastTurnAt, err = time.Parse(time.RFC3339, last.String)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT tools_used FROM turns WHERE chat_id = ? AND bot_id = ?`, chatID, botID)
	if err != nil {
		return nil, fmt.Errorf("querying tools: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning tools: %w", err)
		}
		var tools []string
		if err := json.Unmarshal([]byte(raw), &tools); err != nil {
			return nil, fmt.Errorf("decoding tools: %w", err)
		}
		for _, tool := range tools {
			stats.ToolUses[tool]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool rows: %w", err)
	}

	return stats, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
