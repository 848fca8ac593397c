// Package memory stores conversational turns in SQLite and recalls the
// ones relevant to a new query.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const (
	// timeFormat is fixed-width so stored UTC timestamps sort as text.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

	// DefaultRecallLimit is the number of entries rendered into a recall block.
	DefaultRecallLimit = 5

	maxKeywords     = 8
	maxEntryRunes   = 300
	recallBlockHead = "## Relevant Memory"
)

// Entry is one stored message.
type Entry struct {
	ID            string
	SessionID     string
	ContinuityKey string
	Role          string
	Content       string
	CreatedAt     time.Time
}

// Store is a SQLite-backed memory store. It satisfies loop.Memory.
type Store struct {
	db    *sql.DB
	limit int
	now   func() time.Time
}

// Open opens (or creates) the database at path and runs pending migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, limit: DefaultRecallLimit, now: time.Now}, nil
}

// SetRecallLimit changes how many entries Recall renders.
func (s *Store) SetRecallLimit(n int) {
	if n > 0 {
		s.limit = n
	}
}

// PersistTurn stores the user and assistant messages of one turn in a
// single transaction.
func (s *Store) PersistTurn(ctx context.Context, sessionID, continuityKey, userText, assistantText string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin persist: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	turn := []struct{ role, content string }{{"user", userText}, {"assistant", assistantText}}
	for i, m := range turn {
		if strings.TrimSpace(m.content) == "" {
			continue
		}
		// Offset keeps the assistant entry ordered after the user entry.
		at := now.Add(time.Duration(i) * time.Microsecond)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entries (id, session_id, continuity_key, role, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), sessionID, continuityKey, m.role, m.content, formatTime(at),
		); err != nil {
			return fmt.Errorf("insert %s entry: %w", m.role, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit persist: %w", err)
	}
	return nil
}

// Recall returns a "## Relevant Memory" block of the most recent entries
// in the session or continuity bucket that mention any keyword of query.
// It returns "" when nothing matches.
func (s *Store) Recall(ctx context.Context, sessionID, continuityKey, query string) (string, error) {
	entries, err := s.Search(ctx, sessionID, continuityKey, query, s.limit)
	if err != nil {
		return "", err
	}
	return Render(entries), nil
}

// Search returns up to limit matching entries, most recent first.
func (s *Store) Search(ctx context.Context, sessionID, continuityKey, query string, limit int) ([]Entry, error) {
	words := Keywords(query)
	if len(words) == 0 {
		return nil, nil
	}

	var (
		where []string
		args  = []any{sessionID, continuityKey}
	)
	for _, w := range words {
		where = append(where, "content LIKE ?")
		args = append(args, "%"+w+"%")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, continuity_key, role, content, created_at
		FROM entries
		WHERE (session_id = ? OR (continuity_key <> '' AND continuity_key = ?))
		  AND (`+strings.Join(where, " OR ")+`)
		ORDER BY created_at DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ContinuityKey, &e.Role, &e.Content, &created); err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		e.CreatedAt, _ = time.Parse(timeFormat, created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry rows: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// Count returns the number of entries stored for a session.
func (s *Store) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries WHERE session_id = ?", sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Render formats entries as a markdown memory block.
func Render(entries []Entry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(recallBlockHead)
	for _, e := range entries {
		content := strings.Join(strings.Fields(e.Content), " ")
		if r := []rune(content); len(r) > maxEntryRunes {
			content = string(r[:maxEntryRunes]) + "..."
		}
		fmt.Fprintf(&b, "\n- [%s] %s", e.Role, content)
	}
	return b.String()
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true,
	"you": true, "all": true, "can": true, "was": true, "what": true, "with": true,
	"this": true, "that": true, "have": true, "from": true, "how": true, "does": true,
}

// Keywords extracts up to a handful of distinct lowercase search words of
// three or more letters or digits from text. Keywords never contain LIKE
// wildcards.
func Keywords(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(f)) < 3 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}
