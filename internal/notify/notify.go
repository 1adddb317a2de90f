// Package notify is the best-effort side channel for human-readable status
// updates. Sends never fail the caller's primary flow: errors are logged,
// markdown sends get one plain-text retry, and anything still failing is
// dropped.
package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// asyncSendTimeout bounds a detached send; covers the markdown attempt
// plus the plain-text retry.
const asyncSendTimeout = 45 * time.Second

// Sender delivers one message to a chat destination
type Sender interface {
	Send(ctx context.Context, destination, markdown string) error
}

// BestEffort wraps a Sender with the drop-on-failure policy
type BestEffort struct {
	sender      Sender
	destination string
	wg          sync.WaitGroup
}

// NewBestEffort creates a best-effort notifier with a default destination
func NewBestEffort(sender Sender, destination string) *BestEffort {
	return &BestEffort{sender: sender, destination: destination}
}

// Notify sends markdown to the default destination, fire-and-forget
func (n *BestEffort) Notify(ctx context.Context, markdown string) {
	if n == nil {
		return
	}
	n.NotifyTo(ctx, n.destination, markdown)
}

// NotifyAsync dispatches the send on its own goroutine so a slow chat
// backend never blocks the caller. The send is detached from the caller's
// context and bounded by its own timeout.
func (n *BestEffort) NotifyAsync(markdown string) {
	if n == nil || n.sender == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncSendTimeout)
		defer cancel()
		n.NotifyTo(ctx, n.destination, markdown)
	}()
}

// Wait blocks until all in-flight async sends have finished. Used on
// shutdown and by tests.
func (n *BestEffort) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

// NotifyTo sends markdown to an explicit destination. On failure the
// message is retried once as plain text, then dropped.
func (n *BestEffort) NotifyTo(ctx context.Context, destination, markdown string) {
	if n == nil || n.sender == nil {
		return
	}

	err := n.sender.Send(ctx, destination, markdown)
	if err == nil {
		return
	}
	log.Warn().
		Err(err).
		Str("destination", destination).
		Msg("Notification send failed, retrying as plain text")

	plain := StripMarkdown(markdown)
	if err := n.sender.Send(ctx, destination, plain); err != nil {
		log.Error().
			Err(err).
			Str("destination", destination).
			Msg("Notification dropped after plain-text retry")
	}
}

// StripMarkdown strips the formatting characters most likely to break a
// picky chat backend. Best-effort escaping, not a markdown parser.
func StripMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"**", "",
		"__", "",
		"```", "",
		"`", "",
		"*", "",
		"~~", "",
	)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		line = replacer.Replace(line)
		// Heading markers only matter at the start of a line; a mid-line "#42" stays.
		trimmed := strings.TrimLeft(line, "#")
		if trimmed != line {
			line = strings.TrimPrefix(trimmed, " ")
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}
