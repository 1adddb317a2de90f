/*
Package jobqueue provides a River-based job queue for background
housekeeping. The only job today is the periodic action-log retention
sweep; it runs independently of request handling and holds no locks that
could block live webhook traffic.
*/
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"

	"github.com/agentrelay/internal/actionlog"
)

// ActionLogSweepArgs represents the arguments for an action-log sweep job
type ActionLogSweepArgs struct {
	Retention time.Duration `json:"retention"`
}

// Kind returns the job kind for River
func (ActionLogSweepArgs) Kind() string {
	return "action_log_sweep"
}

// ActionLogSweepWorker purges expired self-action entries
type ActionLogSweepWorker struct {
	river.WorkerDefaults[ActionLogSweepArgs]
	store actionlog.Store
}

// Work performs the retention sweep
func (w *ActionLogSweepWorker) Work(ctx context.Context, job *river.Job[ActionLogSweepArgs]) error {
	cutoff := time.Now().Add(-job.Args.Retention)

	purged, err := w.store.Purge(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to sweep action log: %w", err)
	}

	if purged > 0 {
		log.Info().
			Int64("purged", purged).
			Time("cutoff", cutoff).
			Msg("Action log sweep completed")
	}
	return nil
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
}

// NewJobQueue creates a new job queue instance over an existing pgx pool
func NewJobQueue(pool *pgxpool.Pool, store actionlog.Store, config *QueueConfig) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &ActionLogSweepWorker{store: store})

	sweepJob := river.NewPeriodicJob(
		river.PeriodicInterval(config.SweepInterval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ActionLogSweepArgs{Retention: config.Retention}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:       config.RiverQueueConfig(),
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{sweepJob},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
	}, nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers
func (jq *JobQueue) Stop(ctx context.Context) error {
	return jq.client.Stop(ctx)
}
