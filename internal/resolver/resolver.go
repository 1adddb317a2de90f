// Package resolver maps webhook references onto durable threads. Structured
// refs always take precedence over legacy string tags; tag lookup exists
// only for conversations that predate ref tracking.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/agentrelay/internal/events"
	"github.com/agentrelay/internal/store"
)

// Resolution is a successful thread lookup. Thread is nil for legacy
// conversations that never had a backing thread.
type Resolution struct {
	Thread       *store.Thread
	Conversation *store.Conversation
}

// CreateSpec describes the conversation to auto-create when resolution
// misses and the event qualifies under the auto-create policy.
type CreateSpec struct {
	Qualifies bool
	Topic     string
	Channel   string
	Repo      string
	URL       string
	Tags      []string
}

// Resolver finds or creates the thread for a set of references
type Resolver struct {
	store store.Store
}

// New creates a resolver over the given store
func New(s store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve maps refs and tags to an existing thread and conversation.
// Refs are tried in order and short-circuit on the first hit whose line of
// work is still live; tags are only consulted when no ref matches.
// Returns store.ErrNotFound when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, refs []events.Ref, tags []string) (*Resolution, error) {
	for _, ref := range refs {
		res, err := r.resolveRef(ctx, ref)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	for _, tag := range sortTags(tags) {
		convs, err := r.store.FindConversationsByTag(ctx, tag)
		if err != nil {
			return nil, fmt.Errorf("failed to look up conversations by tag %q: %w", tag, err)
		}
		if len(convs) == 0 {
			continue
		}
		conv := convs[0]
		res := &Resolution{Conversation: conv}
		thread, err := r.store.ThreadForConversation(ctx, conv.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		res.Thread = thread
		return res, nil
	}

	return nil, store.ErrNotFound
}

func (r *Resolver) resolveRef(ctx context.Context, ref events.Ref) (*Resolution, error) {
	threadRefs, err := r.store.FindRefs(ctx, ref.Repo, ref.Kind, ref.Number)
	if err != nil {
		return nil, err
	}

	// Duplicates for the same item accumulate when a thread closes and a
	// later delivery re-creates one; skip the dead ones.
	for _, threadRef := range threadRefs {
		res, err := r.resolveThread(ctx, threadRef.ThreadID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *Resolver) resolveThread(ctx context.Context, threadID int64) (*Resolution, error) {
	thread, err := r.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	if thread.ConversationID == nil {
		// Legacy thread with no conversation: the thread's own status gates liveness.
		if thread.Status != store.ThreadActive && thread.Status != store.ThreadPaused {
			return nil, store.ErrNotFound
		}
		return &Resolution{Thread: thread}, nil
	}

	conv, err := r.store.GetConversation(ctx, *thread.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != store.ConversationActive && conv.Status != store.ConversationPaused {
		return nil, store.ErrNotFound
	}
	return &Resolution{Thread: thread, Conversation: conv}, nil
}

// FindOrCreate resolves refs/tags and, on a miss, atomically creates a
// paused conversation plus thread plus one ref per discovered reference,
// provided the event qualifies under the auto-create policy. A miss that
// does not qualify returns store.ErrNotFound; the caller falls back to
// best-effort handling.
func (r *Resolver) FindOrCreate(ctx context.Context, refs []events.Ref, tags []string, create CreateSpec) (*Resolution, error) {
	res, err := r.Resolve(ctx, refs, tags)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if !create.Qualifies {
		return nil, store.ErrNotFound
	}

	conv := &store.Conversation{
		Channel: create.Channel,
		Topic:   create.Topic,
		Status:  store.ConversationPaused,
		Tags:    create.Tags,
		Repo:    create.Repo,
	}
	if _, err := r.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}

	thread := &store.Thread{
		ConversationID: &conv.ID,
		Status:         store.ThreadActive,
		Topic:          create.Topic,
	}
	if _, err := r.store.CreateThread(ctx, thread); err != nil {
		return nil, err
	}

	for _, ref := range refs {
		threadRef := &store.ThreadRef{
			ThreadID: thread.ID,
			Kind:     ref.Kind,
			Repo:     ref.Repo,
			Number:   ref.Number,
			URL:      create.URL,
			Status:   store.RefOpen,
		}
		if _, err := r.store.AddRef(ctx, threadRef); err != nil {
			return nil, err
		}
	}

	log.Info().
		Int64("conversation", conv.ID).
		Int64("thread", thread.ID).
		Str("topic", create.Topic).
		Msg("Auto-created conversation for untracked item")
	return &Resolution{Thread: thread, Conversation: conv}, nil
}

// sortTags orders specific tags (containing '#') before generic repo tags,
// preserving relative order within each group.
func sortTags(tags []string) []string {
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.SliceStable(sorted, func(i, j int) bool {
		return strings.Contains(sorted[i], "#") && !strings.Contains(sorted[j], "#")
	})
	return sorted
}
