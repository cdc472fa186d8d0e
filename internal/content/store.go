// Package content holds the question pool delivered to tenants.
//
// Each tenant draws from its own questions first and then from the shared
// default pool. Every question is delivered to a tenant at most once.
package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qotdbot/internal/datastore"
)

// DefaultTenant owns the shared question pool.
const DefaultTenant = "0"

var ErrExhausted = errors.New("content: no unasked questions left")

type Question struct {
	ID       int64  `json:"id"`
	TenantID string `json:"tenant_id"`
	Text     string `json:"text"`
}

type Store struct {
	ex  *datastore.Executor
	now func() time.Time

	// Sequential picks the oldest question within a tier instead of a
	// random one.
	Sequential bool
}

func NewStore(ex *datastore.Executor) *Store {
	return &Store{ex: ex, now: time.Now}
}

func (s *Store) Migrate(ctx context.Context) error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.ex.Manager().Dialect().Name == datastore.DialectPostgres.Name {
		idCol = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS questions (
			id        ` + idCol + `,
			tenant_id TEXT NOT NULL,
			text      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS questions_tenant_idx ON questions (tenant_id)`,
		`CREATE TABLE IF NOT EXISTS question_log (
			tenant_id   TEXT NOT NULL,
			question_id BIGINT NOT NULL,
			asked_at    TIMESTAMP NOT NULL,
			PRIMARY KEY (tenant_id, question_id)
		)`,
	}
	for _, q := range stmts {
		if _, err := s.ex.Exec(ctx, q); err != nil {
			return fmt.Errorf("content migrate: %w", err)
		}
	}
	return nil
}

// Add stores a question for tenantID (DefaultTenant for the shared pool).
func (s *Store) Add(ctx context.Context, tenantID, text string) (Question, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Question{}, errors.New("content: empty question")
	}
	rows, err := s.ex.Execute(ctx, datastore.Operation{
		Query:    `INSERT INTO questions (tenant_id, text) VALUES (?, ?) RETURNING id`,
		Args:     []any{tenantID, text},
		Mutating: true,
	}, true)
	if err != nil {
		return Question{}, err
	}
	id, err := rows[0].Int64("id")
	if err != nil {
		return Question{}, err
	}
	return Question{ID: id, TenantID: tenantID, Text: text}, nil
}

// Next picks the next unasked question for tenantID and records it as
// asked.
func (s *Store) Next(ctx context.Context, tenantID string) (Question, error) {
	q, err := s.Peek(ctx, tenantID)
	if err != nil {
		return Question{}, err
	}
	if err := s.MarkAsked(ctx, tenantID, q.ID); err != nil {
		return Question{}, err
	}
	return q, nil
}

// Peek returns a question Next could pick without recording it. The
// tenant's own questions come first, then the shared pool; within a tier the
// pick is random unless Sequential is set. Two Peeks may disagree.
func (s *Store) Peek(ctx context.Context, tenantID string) (Question, error) {
	within := "RANDOM()"
	if s.Sequential {
		within = "q.id"
	}
	r, err := s.ex.QueryOne(ctx, `SELECT q.id, q.tenant_id, q.text FROM questions q
		WHERE q.tenant_id IN (?, ?)
		  AND NOT EXISTS (SELECT 1 FROM question_log l WHERE l.tenant_id = ? AND l.question_id = q.id)
		ORDER BY CASE WHEN q.tenant_id = ? THEN 0 ELSE 1 END, `+within+`
		LIMIT 1`,
		tenantID, DefaultTenant, tenantID, tenantID,
	)
	if errors.Is(err, datastore.ErrNotFound) {
		return Question{}, ErrExhausted
	}
	if err != nil {
		return Question{}, err
	}
	id, err := r.Int64("id")
	if err != nil {
		return Question{}, err
	}
	return Question{ID: id, TenantID: r.String("tenant_id"), Text: r.String("text")}, nil
}

// MarkAsked records questionID as delivered to tenantID. Repeats are no-ops.
func (s *Store) MarkAsked(ctx context.Context, tenantID string, questionID int64) error {
	_, err := s.ex.Exec(ctx, `INSERT INTO question_log (tenant_id, question_id, asked_at) VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, question_id) DO NOTHING`, tenantID, questionID, s.now().UTC())
	return err
}

// Custom reports whether q belongs to a tenant rather than the shared pool.
func (q Question) Custom() bool { return q.TenantID != DefaultTenant }

// Remaining counts unasked questions available to tenantID.
func (s *Store) Remaining(ctx context.Context, tenantID string) (int, error) {
	r, err := s.ex.QueryOne(ctx, `SELECT COUNT(*) AS n FROM questions q
		WHERE q.tenant_id IN (?, ?)
		  AND NOT EXISTS (SELECT 1 FROM question_log l WHERE l.tenant_id = ? AND l.question_id = q.id)`,
		tenantID, DefaultTenant, tenantID,
	)
	if err != nil {
		return 0, err
	}
	n, err := r.Int64("n")
	return int(n), err
}

// Purge drops the tenant's own questions and its delivery history.
func (s *Store) Purge(ctx context.Context, tenantID string) error {
	if tenantID == DefaultTenant {
		return errors.New("content: refusing to purge the default pool")
	}
	if _, err := s.ex.Exec(ctx, `DELETE FROM question_log WHERE tenant_id = ?`, tenantID); err != nil {
		return err
	}
	_, err := s.ex.Exec(ctx, `DELETE FROM questions WHERE tenant_id = ?`, tenantID)
	return err
}
