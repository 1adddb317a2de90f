/*
Package jobqueue configuration - tunable parameters for the River job queue.

The queue runs housekeeping jobs only (action-log retention sweep); live
webhook traffic never goes through it, so worker counts stay small and
failed sweeps simply wait for the next period.
*/
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds all configurable parameters for the job queue
type QueueConfig struct {
	// Worker Configuration
	MaxWorkers int // Number of concurrent workers processing jobs (default: 2)

	// Sweep Configuration
	SweepInterval time.Duration // How often the action-log sweep runs (default: 10 minutes)
	Retention     time.Duration // Action-log entries older than this are purged (default: 1 hour)
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers:    2,
		SweepInterval: 10 * time.Minute,
		Retention:     1 * time.Hour,
	}
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
