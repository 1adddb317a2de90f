package actionlog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// ActionKind identifies a category of external write the system performs
type ActionKind string

const (
	ActionCreateIssue   ActionKind = "create_issue"
	ActionCreatePR      ActionKind = "create_pr"
	ActionCreateComment ActionKind = "create_comment"
	ActionPushBranch    ActionKind = "push_branch"
)

// Entry records one self-performed external action
type Entry struct {
	ID         int64      `json:"id"`
	ActionKind ActionKind `json:"action_kind"`
	Repo       string     `json:"repo"`
	RefID      string     `json:"ref_id"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Store persists action-log entries. Record must be called before the
// corresponding external write is performed, so a webhook echoing the write
// always finds the entry already present.
type Store interface {
	Record(ctx context.Context, kind ActionKind, repo, refID string) error
	Seen(ctx context.Context, kind ActionKind, repo, refID string, since time.Time) (bool, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// PostgresStore is the durable Store backed by the action_log table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed action log store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, kind ActionKind, repo, refID string) error {
	query := `
		INSERT INTO action_log (action_kind, repo, ref_id, created_at)
		VALUES ($1, $2, $3, NOW())
	`
	if _, err := s.db.ExecContext(ctx, query, string(kind), repo, refID); err != nil {
		return fmt.Errorf("failed to record action log entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Seen(ctx context.Context, kind ActionKind, repo, refID string, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM action_log
			WHERE action_kind = $1 AND repo = $2 AND ref_id = $3 AND created_at >= $4
		)
	`
	var found bool
	err := s.db.QueryRowContext(ctx, query, string(kind), repo, refID, since).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("failed to query action log: %w", err)
	}
	return found, nil
}

func (s *PostgresStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM action_log WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge action log: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge row count: %w", err)
	}
	return n, nil
}

// MemoryStore is an in-process Store for tests and DB-less runs
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	nextID  int64
	now     func() time.Time
}

// NewMemoryStore creates an in-memory action log store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, now: time.Now}
}

// SetClock overrides the time source. Test use only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Record(_ context.Context, kind ActionKind, repo, refID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, Entry{
		ID:         s.nextID,
		ActionKind: kind,
		Repo:       repo,
		RefID:      refID,
		CreatedAt:  s.now(),
	})
	s.nextID++
	return nil
}

func (s *MemoryStore) Seen(_ context.Context, kind ActionKind, repo, refID string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ActionKind == kind && e.Repo == repo && e.RefID == refID && !e.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	var purged int64
	for _, e := range s.entries {
		if e.CreatedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return purged, nil
}
