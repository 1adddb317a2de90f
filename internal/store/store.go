package store

import (
	"context"
	"errors"

	"github.com/agentrelay/internal/events"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// Store is the persistence boundary for conversations, threads, refs, and
// events. Postgres backs the real deployment; Memory backs tests.
type Store interface {
	CreateConversation(ctx context.Context, conv *Conversation) (int64, error)
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	UpdateConversationStatus(ctx context.Context, id int64, status ConversationStatus) error
	UpdateConversationSession(ctx context.Context, id int64, sessionID string) error
	SetConversationArchived(ctx context.Context, id int64, archived bool) error
	// FindConversationsByTag returns live (active or paused) conversations
	// carrying the tag, newest first.
	FindConversationsByTag(ctx context.Context, tag string) ([]*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)

	CreateThread(ctx context.Context, thread *Thread) (int64, error)
	GetThread(ctx context.Context, id int64) (*Thread, error)
	UpdateThreadStatus(ctx context.Context, id int64, status ThreadStatus) error
	// ThreadForConversation resolves a conversation's backing thread, if any.
	ThreadForConversation(ctx context.Context, conversationID int64) (*Thread, error)

	AddRef(ctx context.Context, ref *ThreadRef) (int64, error)
	// FindRefs returns every ref matching (repo, kind, number) in
	// insertion order. Duplicates are tolerated; callers pick the ref
	// whose thread is still live.
	FindRefs(ctx context.Context, repo string, kind events.RefKind, number int) ([]*ThreadRef, error)
	UpdateRefStatus(ctx context.Context, repo string, kind events.RefKind, number int, status RefStatus) error
	ListRefs(ctx context.Context, threadID int64) ([]*ThreadRef, error)

	AppendEvent(ctx context.Context, event *ThreadEvent) (int64, error)
	// ListEvents returns a thread's events in insertion order. Compacted
	// rows are included only when includeCompacted is set.
	ListEvents(ctx context.Context, threadID int64, includeCompacted bool) ([]*ThreadEvent, error)
	CountLiveEvents(ctx context.Context, threadID int64) (int, error)
	MarkEventsCompacted(ctx context.Context, threadID int64, upToEventID int64) error
}
