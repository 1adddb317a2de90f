package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakySender rejects anything containing markdown markers
type flakySender struct {
	sent []string
}

func (f *flakySender) Send(_ context.Context, _, text string) error {
	for _, marker := range []string{"**", "`", "#"} {
		if strings.Contains(text, marker) {
			return errors.New("unsupported formatting")
		}
	}
	f.sent = append(f.sent, text)
	return nil
}

type deadSender struct{ attempts int }

func (d *deadSender) Send(context.Context, string, string) error {
	d.attempts++
	return errors.New("backend down")
}

func TestNotifyPlainTextFallback(t *testing.T) {
	ctx := context.Background()
	sender := &flakySender{}
	n := NewBestEffort(sender, "ops")

	n.Notify(ctx, "## Done\n**fixed** the build")

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "Done\nfixed the build", sender.sent[0])
}

func TestNotifyDropsAfterRetry(t *testing.T) {
	sender := &deadSender{}
	n := NewBestEffort(sender, "ops")

	// must not panic or propagate the failure
	n.Notify(context.Background(), "hello")
	assert.Equal(t, 2, sender.attempts)
}

func TestNotifyNilSafe(t *testing.T) {
	var n *BestEffort
	n.Notify(context.Background(), "into the void")
	n.NotifyAsync("into the void")
	n.Wait()
}

// slowSender blocks every send until released
type slowSender struct {
	release chan struct{}
	mu      sync.Mutex
	sent    []string
}

func (s *slowSender) Send(_ context.Context, _, text string) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func TestNotifyAsyncDoesNotBlockCaller(t *testing.T) {
	sender := &slowSender{release: make(chan struct{})}
	n := NewBestEffort(sender, "ops")

	// returns immediately even though the backend is stuck
	n.NotifyAsync("first")
	n.NotifyAsync("second")
	assert.Empty(t, sender.sent)

	close(sender.release)
	n.Wait()
	assert.ElementsMatch(t, []string{"first", "second"}, sender.sent)
}

func TestStripMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold and code", "**bold** and `code`", "bold and code"},
		{"heading at line start", "# Title\nbody", "Title\nbody"},
		{"issue number preserved", "see PR #42", "see PR #42"},
		{"fenced block", "```\nx := 1\n```", "\nx := 1\n"},
		{"plain text untouched", "nothing here", "nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripMarkdown(tt.in))
		})
	}
}
