package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/agentrelay/internal/events"
)

// Postgres is the durable Store implementation
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a Postgres-backed store
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) CreateConversation(ctx context.Context, conv *Conversation) (int64, error) {
	query := `
		INSERT INTO conversations (channel, topic, status, tags, repo, session_id, archived, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		conv.Channel, conv.Topic, string(conv.Status), pq.Array(conv.Tags),
		conv.Repo, conv.SessionID, conv.Archived,
	).Scan(&conv.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert conversation: %w", err)
	}
	return conv.ID, nil
}

func (s *Postgres) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	query := `
		SELECT id, channel, topic, status, tags, repo, session_id, archived, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`
	conv := &Conversation{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.Channel, &conv.Topic, &conv.Status, pq.Array(&conv.Tags),
		&conv.Repo, &conv.SessionID, &conv.Archived, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (s *Postgres) UpdateConversationStatus(ctx context.Context, id int64, status ConversationStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation status: %w", err)
	}
	return checkAffected(result)
}

func (s *Postgres) UpdateConversationSession(ctx context.Context, id int64, sessionID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET session_id = $1, updated_at = NOW() WHERE id = $2`,
		sessionID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation session: %w", err)
	}
	return checkAffected(result)
}

func (s *Postgres) SetConversationArchived(ctx context.Context, id int64, archived bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET archived = $1, updated_at = NOW() WHERE id = $2`,
		archived, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation archived flag: %w", err)
	}
	return checkAffected(result)
}

func (s *Postgres) FindConversationsByTag(ctx context.Context, tag string) ([]*Conversation, error) {
	query := `
		SELECT id, channel, topic, status, tags, repo, session_id, archived, created_at, updated_at
		FROM conversations
		WHERE $1 = ANY(tags) AND status IN ('active', 'paused')
		ORDER BY updated_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations by tag: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

func (s *Postgres) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, channel, topic, status, tags, repo, session_id, archived, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

func scanConversations(rows *sql.Rows) ([]*Conversation, error) {
	convs := make([]*Conversation, 0)
	for rows.Next() {
		conv := &Conversation{}
		err := rows.Scan(
			&conv.ID, &conv.Channel, &conv.Topic, &conv.Status, pq.Array(&conv.Tags),
			&conv.Repo, &conv.SessionID, &conv.Archived, &conv.CreatedAt, &conv.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return convs, nil
}

func (s *Postgres) CreateThread(ctx context.Context, thread *Thread) (int64, error) {
	query := `
		INSERT INTO threads (conversation_id, status, parent_thread_id, fork_point_event_id, topic, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		thread.ConversationID, string(thread.Status),
		thread.ParentThreadID, thread.ForkPointEventID, thread.Topic,
	).Scan(&thread.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert thread: %w", err)
	}
	return thread.ID, nil
}

func (s *Postgres) GetThread(ctx context.Context, id int64) (*Thread, error) {
	query := `
		SELECT id, conversation_id, status, parent_thread_id, fork_point_event_id, topic, created_at, updated_at
		FROM threads
		WHERE id = $1
	`
	thread := &Thread{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&thread.ID, &thread.ConversationID, &thread.Status,
		&thread.ParentThreadID, &thread.ForkPointEventID, &thread.Topic,
		&thread.CreatedAt, &thread.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return thread, nil
}

func (s *Postgres) UpdateThreadStatus(ctx context.Context, id int64, status ThreadStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update thread status: %w", err)
	}
	return checkAffected(result)
}

func (s *Postgres) ThreadForConversation(ctx context.Context, conversationID int64) (*Thread, error) {
	query := `
		SELECT id, conversation_id, status, parent_thread_id, fork_point_event_id, topic, created_at, updated_at
		FROM threads
		WHERE conversation_id = $1
		ORDER BY created_at ASC
		LIMIT 1
	`
	thread := &Thread{}
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(
		&thread.ID, &thread.ConversationID, &thread.Status,
		&thread.ParentThreadID, &thread.ForkPointEventID, &thread.Topic,
		&thread.CreatedAt, &thread.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread for conversation: %w", err)
	}
	return thread, nil
}

func (s *Postgres) AddRef(ctx context.Context, ref *ThreadRef) (int64, error) {
	query := `
		INSERT INTO thread_refs (thread_id, ref_kind, repo, number, url, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		ref.ThreadID, string(ref.Kind), ref.Repo, ref.Number, ref.URL, string(ref.Status),
	).Scan(&ref.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert thread ref: %w", err)
	}
	return ref.ID, nil
}

func (s *Postgres) FindRefs(ctx context.Context, repo string, kind events.RefKind, number int) ([]*ThreadRef, error) {
	// Duplicates are possible since uniqueness is not enforced by the
	// schema; return them all, oldest first.
	query := `
		SELECT id, thread_id, ref_kind, repo, number, url, status
		FROM thread_refs
		WHERE repo = $1 AND ref_kind = $2 AND number = $3
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, repo, string(kind), number)
	if err != nil {
		return nil, fmt.Errorf("failed to find thread refs: %w", err)
	}
	defer rows.Close()

	refs := make([]*ThreadRef, 0)
	for rows.Next() {
		ref := &ThreadRef{}
		if err := rows.Scan(&ref.ID, &ref.ThreadID, &ref.Kind, &ref.Repo, &ref.Number, &ref.URL, &ref.Status); err != nil {
			return nil, fmt.Errorf("failed to scan thread ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *Postgres) UpdateRefStatus(ctx context.Context, repo string, kind events.RefKind, number int, status RefStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE thread_refs SET status = $1 WHERE repo = $2 AND ref_kind = $3 AND number = $4`,
		string(status), repo, string(kind), number,
	)
	if err != nil {
		return fmt.Errorf("failed to update ref status: %w", err)
	}
	return nil
}

func (s *Postgres) ListRefs(ctx context.Context, threadID int64) ([]*ThreadRef, error) {
	query := `
		SELECT id, thread_id, ref_kind, repo, number, url, status
		FROM thread_refs
		WHERE thread_id = $1
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread refs: %w", err)
	}
	defer rows.Close()

	refs := make([]*ThreadRef, 0)
	for rows.Next() {
		ref := &ThreadRef{}
		if err := rows.Scan(&ref.ID, &ref.ThreadID, &ref.Kind, &ref.Repo, &ref.Number, &ref.URL, &ref.Status); err != nil {
			return nil, fmt.Errorf("failed to scan thread ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating thread refs: %w", err)
	}
	return refs, nil
}

func (s *Postgres) AppendEvent(ctx context.Context, event *ThreadEvent) (int64, error) {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event metadata: %w", err)
	}
	usage, err := json.Marshal(event.Usage)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event usage: %w", err)
	}

	query := `
		INSERT INTO thread_events (thread_id, channel, direction, actor, content, message_kind, metadata, usage, compacted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING id, created_at
	`
	err = s.db.QueryRowContext(ctx, query,
		event.ThreadID, event.Channel, string(event.Direction), event.Actor,
		event.Content, event.MessageKind, metadata, usage, event.Compacted,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert thread event: %w", err)
	}

	// Appending bumps the parent thread so recency ordering stays honest.
	_, err = s.db.ExecContext(ctx, `UPDATE threads SET updated_at = NOW() WHERE id = $1`, event.ThreadID)
	if err != nil {
		return 0, fmt.Errorf("failed to touch thread after append: %w", err)
	}
	return event.ID, nil
}

func (s *Postgres) ListEvents(ctx context.Context, threadID int64, includeCompacted bool) ([]*ThreadEvent, error) {
	query := `
		SELECT id, thread_id, channel, direction, actor, content, message_kind, metadata, usage, compacted, created_at
		FROM thread_events
		WHERE thread_id = $1
	`
	if !includeCompacted {
		query += ` AND compacted = FALSE`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread events: %w", err)
	}
	defer rows.Close()

	evts := make([]*ThreadEvent, 0)
	for rows.Next() {
		event := &ThreadEvent{}
		var metadata, usage []byte
		err := rows.Scan(
			&event.ID, &event.ThreadID, &event.Channel, &event.Direction, &event.Actor,
			&event.Content, &event.MessageKind, &metadata, &usage, &event.Compacted, &event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread event: %w", err)
		}
		if len(metadata) > 0 && string(metadata) != "null" {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
		}
		if len(usage) > 0 && string(usage) != "null" {
			event.Usage = &TokenUsage{}
			if err := json.Unmarshal(usage, event.Usage); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event usage: %w", err)
			}
		}
		evts = append(evts, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating thread events: %w", err)
	}
	return evts, nil
}

func (s *Postgres) CountLiveEvents(ctx context.Context, threadID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM thread_events WHERE thread_id = $1 AND compacted = FALSE`,
		threadID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count live events: %w", err)
	}
	return count, nil
}

func (s *Postgres) MarkEventsCompacted(ctx context.Context, threadID int64, upToEventID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE thread_events SET compacted = TRUE WHERE thread_id = $1 AND id <= $2`,
		threadID, upToEventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark events compacted: %w", err)
	}
	return nil
}

func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
