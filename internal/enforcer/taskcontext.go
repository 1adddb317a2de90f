package enforcer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentrelay/internal/store"
)

// ProgressState is how far a supervised task has demonstrably gotten.
// Transitions only move forward; see stateRank.
type ProgressState string

const (
	ProgressNotStarted   ProgressState = "not_started"
	ProgressCodeChanged  ProgressState = "code_changed"
	ProgressBranchPushed ProgressState = "branch_pushed"
	ProgressNotified     ProgressState = "notified"
)

var stateRank = map[ProgressState]int{
	ProgressNotStarted:   0,
	ProgressCodeChanged:  1,
	ProgressBranchPushed: 2,
	ProgressNotified:     3,
}

// Rank returns the ordering position of a state, for monotonicity checks
func (p ProgressState) Rank() int { return stateRank[p] }

// TaskContext supervises one task attached to a conversation. BaseCommit
// and BaseDirty are the workspace snapshot taken when the task started;
// detection compares the live workspace against them.
type TaskContext struct {
	ID             int64         `json:"id"`
	ConversationID int64         `json:"conversation_id"`
	Repo           string        `json:"repo"`
	IssueNumber    int           `json:"issue_number"`
	Branch         string        `json:"branch"`
	ProgressState  ProgressState `json:"progress_state"`
	BaseCommit     string        `json:"base_commit"`
	BaseDirty      int           `json:"base_dirty"`
	Workdir        string        `json:"workdir"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// TaskContexts persists task supervision state
type TaskContexts interface {
	Create(ctx context.Context, tc *TaskContext) (int64, error)
	Get(ctx context.Context, id int64) (*TaskContext, error)
	// ActiveForConversation returns the newest uncompleted task for a
	// conversation, or store.ErrNotFound.
	ActiveForConversation(ctx context.Context, conversationID int64) (*TaskContext, error)
	// AdvanceProgress upgrades the progress state. Downgrades are ignored,
	// not errors, so detection can report whatever it sees.
	AdvanceProgress(ctx context.Context, id int64, state ProgressState) error
	// MarkNotified moves the task to notified and stamps completion
	MarkNotified(ctx context.Context, id int64) error
}

// PostgresTaskContexts stores task contexts in the task_contexts table
type PostgresTaskContexts struct {
	db *sql.DB
}

// NewPostgresTaskContexts creates a Postgres-backed task context repo
func NewPostgresTaskContexts(db *sql.DB) *PostgresTaskContexts {
	return &PostgresTaskContexts{db: db}
}

func (r *PostgresTaskContexts) Create(ctx context.Context, tc *TaskContext) (int64, error) {
	if tc.ProgressState == "" {
		tc.ProgressState = ProgressNotStarted
	}
	query := `
		INSERT INTO task_contexts (conversation_id, repo, issue_number, branch, progress_state, base_commit, base_dirty, workdir)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, started_at`
	err := r.db.QueryRowContext(ctx, query,
		tc.ConversationID, tc.Repo, tc.IssueNumber, tc.Branch,
		string(tc.ProgressState), tc.BaseCommit, tc.BaseDirty, tc.Workdir,
	).Scan(&tc.ID, &tc.StartedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to create task context: %w", err)
	}
	return tc.ID, nil
}

func (r *PostgresTaskContexts) Get(ctx context.Context, id int64) (*TaskContext, error) {
	query := `
		SELECT id, conversation_id, repo, issue_number, branch, progress_state, base_commit, base_dirty, workdir, started_at, completed_at
		FROM task_contexts WHERE id = $1`
	return scanTaskContext(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresTaskContexts) ActiveForConversation(ctx context.Context, conversationID int64) (*TaskContext, error) {
	query := `
		SELECT id, conversation_id, repo, issue_number, branch, progress_state, base_commit, base_dirty, workdir, started_at, completed_at
		FROM task_contexts
		WHERE conversation_id = $1 AND completed_at IS NULL
		ORDER BY id DESC LIMIT 1`
	return scanTaskContext(r.db.QueryRowContext(ctx, query, conversationID))
}

func (r *PostgresTaskContexts) AdvanceProgress(ctx context.Context, id int64, state ProgressState) error {
	tc, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if state.Rank() <= tc.ProgressState.Rank() {
		return nil
	}
	_, err = r.db.ExecContext(ctx, `UPDATE task_contexts SET progress_state = $1 WHERE id = $2`, string(state), id)
	if err != nil {
		return fmt.Errorf("failed to advance task progress: %w", err)
	}
	return nil
}

func (r *PostgresTaskContexts) MarkNotified(ctx context.Context, id int64) error {
	query := `UPDATE task_contexts SET progress_state = $1, completed_at = NOW() WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, string(ProgressNotified), id)
	if err != nil {
		return fmt.Errorf("failed to mark task notified: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskContext(row rowScanner) (*TaskContext, error) {
	var tc TaskContext
	var state string
	var completedAt sql.NullTime
	err := row.Scan(&tc.ID, &tc.ConversationID, &tc.Repo, &tc.IssueNumber, &tc.Branch,
		&state, &tc.BaseCommit, &tc.BaseDirty, &tc.Workdir, &tc.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task context: %w", err)
	}
	tc.ProgressState = ProgressState(state)
	if completedAt.Valid {
		tc.CompletedAt = &completedAt.Time
	}
	return &tc, nil
}

// MemoryTaskContexts is an in-memory TaskContexts for tests
type MemoryTaskContexts struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*TaskContext
}

// NewMemoryTaskContexts creates an empty in-memory task context repo
func NewMemoryTaskContexts() *MemoryTaskContexts {
	return &MemoryTaskContexts{nextID: 1, tasks: make(map[int64]*TaskContext)}
}

func (r *MemoryTaskContexts) Create(_ context.Context, tc *TaskContext) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tc.ProgressState == "" {
		tc.ProgressState = ProgressNotStarted
	}
	tc.ID = r.nextID
	r.nextID++
	tc.StartedAt = time.Now()
	clone := *tc
	r.tasks[tc.ID] = &clone
	return tc.ID, nil
}

func (r *MemoryTaskContexts) Get(_ context.Context, id int64) (*TaskContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tc, ok := r.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *tc
	return &clone, nil
}

func (r *MemoryTaskContexts) ActiveForConversation(_ context.Context, conversationID int64) (*TaskContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var newest *TaskContext
	for _, tc := range r.tasks {
		if tc.ConversationID != conversationID || tc.CompletedAt != nil {
			continue
		}
		if newest == nil || tc.ID > newest.ID {
			newest = tc
		}
	}
	if newest == nil {
		return nil, store.ErrNotFound
	}
	clone := *newest
	return &clone, nil
}

func (r *MemoryTaskContexts) AdvanceProgress(_ context.Context, id int64, state ProgressState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tc, ok := r.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if state.Rank() > tc.ProgressState.Rank() {
		tc.ProgressState = state
	}
	return nil
}

func (r *MemoryTaskContexts) MarkNotified(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tc, ok := r.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	tc.ProgressState = ProgressNotified
	now := time.Now()
	tc.CompletedAt = &now
	return nil
}
