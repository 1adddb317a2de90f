package remediation

import (
	"fmt"
	"sync"
)

// AttemptCounters tracks consecutive failed-CI fix attempts per pull
// request. Counts live in memory only; a process restart grants a fresh
// budget.
type AttemptCounters struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewAttemptCounters creates an empty counter registry
func NewAttemptCounters() *AttemptCounters {
	return &AttemptCounters{counts: make(map[string]int)}
}

func counterKey(repo string, prNumber int) string {
	return fmt.Sprintf("%s#%d", repo, prNumber)
}

// Increment bumps the attempt count for a PR and returns the new value
func (c *AttemptCounters) Increment(repo string, prNumber int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := counterKey(repo, prNumber)
	c.counts[key]++
	return c.counts[key]
}

// Get returns the current attempt count for a PR
func (c *AttemptCounters) Get(repo string, prNumber int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[counterKey(repo, prNumber)]
}

// Reset clears the attempt count for a PR. Called when its CI goes green.
func (c *AttemptCounters) Reset(repo string, prNumber int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, counterKey(repo, prNumber))
}
