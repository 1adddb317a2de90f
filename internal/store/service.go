package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultCompactThreshold is the live-event count past which ShouldCompact
// recommends compaction.
const DefaultCompactThreshold = 20

// DefaultKeepRecent is how many recent events an in-place compaction keeps.
const DefaultKeepRecent = 5

// CompactMode selects between in-place compaction and fork-with-compaction
type CompactMode string

const (
	CompactInPlace CompactMode = "in-place"
	CompactFork    CompactMode = "fork"
)

// Service layers thread lifecycle operations (fork, compaction, auto-close)
// over the raw Store. The onAppend hook, when set, runs fire-and-forget on
// every appended event so UI notification can never block or fail the write.
type Service struct {
	store            Store
	compactThreshold int
	onAppend         func(threadID int64, event *ThreadEvent)
}

// NewService creates a store service. A threshold of 0 falls back to
// DefaultCompactThreshold.
func NewService(store Store, compactThreshold int) *Service {
	if compactThreshold <= 0 {
		compactThreshold = DefaultCompactThreshold
	}
	return &Service{store: store, compactThreshold: compactThreshold}
}

// Store exposes the underlying store for read paths that need no lifecycle
// logic.
func (s *Service) Store() Store { return s.store }

// OnAppend registers the UI notification hook
func (s *Service) OnAppend(fn func(threadID int64, event *ThreadEvent)) {
	s.onAppend = fn
}

// Append persists one timeline event and triggers the notification hook
func (s *Service) Append(ctx context.Context, event *ThreadEvent) (int64, error) {
	id, err := s.store.AppendEvent(ctx, event)
	if err != nil {
		return 0, err
	}
	if s.onAppend != nil {
		hook := s.onAppend
		clone := *event
		go hook(event.ThreadID, &clone)
	}
	return id, nil
}

// Fork creates a new thread from source. With atEventID nil the whole
// history is taken; otherwise only events with id <= atEventID. With
// compact set the copied history is replaced by a single summary event.
// The source thread is never modified.
func (s *Service) Fork(ctx context.Context, sourceThreadID int64, atEventID *int64, compact bool) (*Thread, error) {
	source, err := s.store.GetThread(ctx, sourceThreadID)
	if err != nil {
		return nil, err
	}

	history, err := s.store.ListEvents(ctx, sourceThreadID, true)
	if err != nil {
		return nil, err
	}
	if atEventID != nil {
		cut := make([]*ThreadEvent, 0, len(history))
		for _, event := range history {
			if event.ID <= *atEventID {
				cut = append(cut, event)
			}
		}
		history = cut
	}

	forkPoint := atEventID
	if forkPoint == nil && len(history) > 0 {
		last := history[len(history)-1].ID
		forkPoint = &last
	}

	fork := &Thread{
		ConversationID:   source.ConversationID,
		Status:           ThreadActive,
		ParentThreadID:   &source.ID,
		ForkPointEventID: forkPoint,
		Topic:            source.Topic,
	}
	if _, err := s.store.CreateThread(ctx, fork); err != nil {
		return nil, err
	}

	if compact {
		if len(history) > 0 {
			summary := &ThreadEvent{
				ThreadID:    fork.ID,
				Channel:     "system",
				Direction:   DirectionOutbound,
				Actor:       "system",
				Content:     summarizeEvents(history),
				MessageKind: "summary",
			}
			if _, err := s.store.AppendEvent(ctx, summary); err != nil {
				return nil, fmt.Errorf("failed to write fork summary: %w", err)
			}
		}
	} else {
		for _, event := range history {
			copied := &ThreadEvent{
				ThreadID:    fork.ID,
				Channel:     event.Channel,
				Direction:   event.Direction,
				Actor:       event.Actor,
				Content:     event.Content,
				MessageKind: event.MessageKind,
				Metadata:    event.Metadata,
				Usage:       event.Usage,
				Compacted:   event.Compacted,
			}
			if _, err := s.store.AppendEvent(ctx, copied); err != nil {
				return nil, fmt.Errorf("failed to copy event %d into fork: %w", event.ID, err)
			}
		}
	}

	log.Info().
		Int64("source_thread", sourceThreadID).
		Int64("fork_thread", fork.ID).
		Bool("compact", compact).
		Msg("Forked thread")
	return fork, nil
}

// Compact bounds a thread's live history. In-place mode marks all but the
// keepRecent most recent events compacted and inserts a synthetic summary;
// fork mode leaves the source untouched and returns a compacted fork.
func (s *Service) Compact(ctx context.Context, threadID int64, mode CompactMode, keepRecent int) (*Thread, error) {
	if keepRecent <= 0 {
		keepRecent = DefaultKeepRecent
	}

	if mode == CompactFork {
		return s.Fork(ctx, threadID, nil, true)
	}

	live, err := s.store.ListEvents(ctx, threadID, false)
	if err != nil {
		return nil, err
	}
	if len(live) <= keepRecent {
		return nil, nil
	}

	older := live[:len(live)-keepRecent]
	if err := s.store.MarkEventsCompacted(ctx, threadID, older[len(older)-1].ID); err != nil {
		return nil, err
	}

	summary := &ThreadEvent{
		ThreadID:    threadID,
		Channel:     "system",
		Direction:   DirectionOutbound,
		Actor:       "system",
		Content:     summarizeEvents(older),
		MessageKind: "summary",
	}
	if _, err := s.store.AppendEvent(ctx, summary); err != nil {
		return nil, fmt.Errorf("failed to write compaction summary: %w", err)
	}

	log.Info().
		Int64("thread", threadID).
		Int("compacted", len(older)).
		Int("kept", keepRecent).
		Msg("Compacted thread in place")
	return nil, nil
}

// ShouldCompact recommends compaction once the live event count exceeds the
// configured threshold.
func (s *Service) ShouldCompact(ctx context.Context, threadID int64) (bool, error) {
	count, err := s.store.CountLiveEvents(ctx, threadID)
	if err != nil {
		return false, err
	}
	return count > s.compactThreshold, nil
}

// AutoClose transitions a thread and its conversation to stopped when the
// backing external item closes. Already stopped or archived lines of work
// are left alone.
func (s *Service) AutoClose(ctx context.Context, threadID int64) error {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if thread.Status != ThreadStopped {
		if err := s.store.UpdateThreadStatus(ctx, threadID, ThreadStopped); err != nil {
			return err
		}
	}

	if thread.ConversationID == nil {
		return nil
	}
	conv, err := s.store.GetConversation(ctx, *thread.ConversationID)
	if err != nil {
		return err
	}
	if conv.Archived || conv.Status == ConversationStopped {
		return nil
	}
	if err := s.store.UpdateConversationStatus(ctx, conv.ID, ConversationStopped); err != nil {
		return err
	}

	log.Info().Int64("thread", threadID).Int64("conversation", conv.ID).Msg("Auto-closed thread")
	return nil
}

// summarizeEvents produces the synthetic summary text that replaces
// compacted history.
func summarizeEvents(history []*ThreadEvent) string {
	actors := make([]string, 0, 4)
	seen := make(map[string]bool)
	for _, event := range history {
		if event.Actor != "" && !seen[event.Actor] {
			seen[event.Actor] = true
			actors = append(actors, event.Actor)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Compacted %d earlier events", len(history))
	if len(history) > 0 {
		fmt.Fprintf(&b, " (%s to %s)",
			history[0].CreatedAt.Format("2006-01-02 15:04"),
			history[len(history)-1].CreatedAt.Format("2006-01-02 15:04"))
	}
	if len(actors) > 0 {
		fmt.Fprintf(&b, ". Participants: %s", strings.Join(actors, ", "))
	}
	b.WriteString(".")
	return b.String()
}
