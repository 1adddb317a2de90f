package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentrelay/internal/events"
)

// Memory is an in-process Store used by tests and local experimentation.
// Semantics match Postgres: logical ref uniqueness, append-only events,
// compaction by flag.
type Memory struct {
	mu            sync.Mutex
	conversations map[int64]*Conversation
	threads       map[int64]*Thread
	refs          []*ThreadRef
	events        map[int64][]*ThreadEvent

	nextConvID   int64
	nextThreadID int64
	nextRefID    int64
	nextEventID  int64
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[int64]*Conversation),
		threads:       make(map[int64]*Thread),
		events:        make(map[int64][]*ThreadEvent),
		nextConvID:    1,
		nextThreadID:  1,
		nextRefID:     1,
		nextEventID:   1,
	}
}

func (s *Memory) CreateConversation(_ context.Context, conv *Conversation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv.ID = s.nextConvID
	s.nextConvID++
	now := time.Now()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	clone := *conv
	s.conversations[conv.ID] = &clone
	return conv.ID, nil
}

func (s *Memory) GetConversation(_ context.Context, id int64) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

func (s *Memory) UpdateConversationStatus(_ context.Context, id int64, status ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.Status = status
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *Memory) UpdateConversationSession(_ context.Context, id int64, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.SessionID = sessionID
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *Memory) SetConversationArchived(_ context.Context, id int64, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.Archived = archived
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *Memory) FindConversationsByTag(_ context.Context, tag string) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := make([]*Conversation, 0)
	for _, conv := range s.conversations {
		if conv.Status != ConversationActive && conv.Status != ConversationPaused {
			continue
		}
		for _, t := range conv.Tags {
			if t == tag {
				clone := *conv
				matches = append(matches, &clone)
				break
			}
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
	})
	return matches, nil
}

func (s *Memory) ListConversations(_ context.Context, limit int) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	convs := make([]*Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		clone := *conv
		convs = append(convs, &clone)
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	if len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

func (s *Memory) CreateThread(_ context.Context, thread *Thread) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread.ID = s.nextThreadID
	s.nextThreadID++
	now := time.Now()
	thread.CreatedAt = now
	thread.UpdatedAt = now
	clone := *thread
	s.threads[thread.ID] = &clone
	return thread.ID, nil
}

func (s *Memory) GetThread(_ context.Context, id int64) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *thread
	return &clone, nil
}

func (s *Memory) UpdateThreadStatus(_ context.Context, id int64, status ThreadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[id]
	if !ok {
		return ErrNotFound
	}
	thread.Status = status
	thread.UpdatedAt = time.Now()
	return nil
}

func (s *Memory) ThreadForConversation(_ context.Context, conversationID int64) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *Thread
	for _, thread := range s.threads {
		if thread.ConversationID == nil || *thread.ConversationID != conversationID {
			continue
		}
		if oldest == nil || thread.ID < oldest.ID {
			oldest = thread
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	clone := *oldest
	return &clone, nil
}

func (s *Memory) AddRef(_ context.Context, ref *ThreadRef) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref.ID = s.nextRefID
	s.nextRefID++
	clone := *ref
	s.refs = append(s.refs, &clone)
	return ref.ID, nil
}

func (s *Memory) FindRefs(_ context.Context, repo string, kind events.RefKind, number int) ([]*ThreadRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := make([]*ThreadRef, 0)
	for _, ref := range s.refs {
		if ref.Repo == repo && ref.Kind == kind && ref.Number == number {
			clone := *ref
			matches = append(matches, &clone)
		}
	}
	return matches, nil
}

func (s *Memory) UpdateRefStatus(_ context.Context, repo string, kind events.RefKind, number int, status RefStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range s.refs {
		if ref.Repo == repo && ref.Kind == kind && ref.Number == number {
			ref.Status = status
		}
	}
	return nil
}

func (s *Memory) ListRefs(_ context.Context, threadID int64) ([]*ThreadRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]*ThreadRef, 0)
	for _, ref := range s.refs {
		if ref.ThreadID == threadID {
			clone := *ref
			refs = append(refs, &clone)
		}
	}
	return refs, nil
}

func (s *Memory) AppendEvent(_ context.Context, event *ThreadEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = s.nextEventID
	s.nextEventID++
	event.CreatedAt = time.Now()
	clone := *event
	s.events[event.ThreadID] = append(s.events[event.ThreadID], &clone)
	if thread, ok := s.threads[event.ThreadID]; ok {
		thread.UpdatedAt = event.CreatedAt
	}
	return event.ID, nil
}

func (s *Memory) ListEvents(_ context.Context, threadID int64, includeCompacted bool) ([]*ThreadEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evts := make([]*ThreadEvent, 0)
	for _, event := range s.events[threadID] {
		if !includeCompacted && event.Compacted {
			continue
		}
		clone := *event
		evts = append(evts, &clone)
	}
	return evts, nil
}

func (s *Memory) CountLiveEvents(_ context.Context, threadID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, event := range s.events[threadID] {
		if !event.Compacted {
			count++
		}
	}
	return count, nil
}

func (s *Memory) MarkEventsCompacted(_ context.Context, threadID int64, upToEventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range s.events[threadID] {
		if event.ID <= upToEventID {
			event.Compacted = true
		}
	}
	return nil
}
