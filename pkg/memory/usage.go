package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/rcliao/teeny-agents/pkg/usage"
)

// RecordUsage stores the token usage of one completion.
func (s *Store) RecordUsage(ctx context.Context, r usage.Record) error {
	at := r.CreatedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage (session_id, provider, model, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.Provider, r.Model, r.InputTokens, r.OutputTokens, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// UsageSince returns usage records created at or after since, oldest first.
func (s *Store) UsageSince(ctx context.Context, since time.Time) ([]usage.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, provider, model, input_tokens, output_tokens, created_at
		FROM usage
		WHERE created_at >= ?
		ORDER BY created_at`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []usage.Record
	for rows.Next() {
		var r usage.Record
		var created string
		if err := rows.Scan(&r.SessionID, &r.Provider, &r.Model, &r.InputTokens, &r.OutputTokens, &created); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		r.CreatedAt, _ = time.Parse(timeFormat, created)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return out, nil
}
