package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/agentrelay/internal/actionlog"
	"github.com/agentrelay/internal/api"
	"github.com/agentrelay/internal/config"
	"github.com/agentrelay/internal/database"
	"github.com/agentrelay/internal/enforcer"
	"github.com/agentrelay/internal/hosting"
	"github.com/agentrelay/internal/jobqueue"
	"github.com/agentrelay/internal/notify"
	"github.com/agentrelay/internal/remediation"
	"github.com/agentrelay/internal/resolver"
	"github.com/agentrelay/internal/store"
	"github.com/agentrelay/internal/worker"
)

// ServeCommand returns the CLI command for starting the relay server
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the AgentRelay server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the HTTP server (overrides config)",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	port := cfg.Server.Port
	if c.IsSet("port") {
		port = c.Int("port")
	}

	ctx := context.Background()

	db, err := database.NewDB(cfg.Server.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := store.Bootstrap(ctx, db); err != nil {
		return err
	}

	pool, err := database.NewPool(ctx, cfg.Server.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create pgx pool: %w", err)
	}
	defer pool.Close()

	actions := actionlog.NewPostgresStore(db)
	filter := actionlog.NewFilter(actions, cfg.SuppressWindow())

	queueConfig := jobqueue.DefaultQueueConfig()
	queueConfig.Retention = cfg.ActionLogMaxAge()
	queue, err := jobqueue.NewJobQueue(pool, actions, queueConfig)
	if err != nil {
		return fmt.Errorf("failed to create job queue: %w", err)
	}
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job queue: %w", err)
	}
	defer func() {
		if err := queue.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("Job queue shutdown failed")
		}
	}()

	threads := store.NewService(store.NewPostgres(db), cfg.Threads.CompactThreshold)
	res := resolver.New(threads.Store())

	var sender notify.Sender = notify.LogSender{}
	if cfg.Notify.WebhookURL != "" {
		sender = notify.NewWebhookSender(cfg.Notify.WebhookURL)
	}
	notifier := notify.NewBestEffort(sender, cfg.Notify.Destination)

	agent, err := worker.NewLLMWorker(worker.LLMOptions{
		Provider:    cfg.Worker.Provider,
		APIKey:      cfg.Worker.APIKey,
		Model:       cfg.Worker.Model,
		Temperature: cfg.Worker.Temperature,
		MaxTokens:   cfg.Worker.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	registry := worker.NewRegistry()

	gh := hosting.NewGitHubClient(ctx, cfg.Hosting.Token)

	supervisor := remediation.NewSupervisor(
		remediation.NewAttemptCounters(), gh, res, threads, agent, registry,
		notifier, cfg.Bot.Login, cfg.Remediation.MaxAttempts)

	enf := enforcer.New(
		enforcer.NewPostgresTaskContexts(db),
		enforcer.NewGitInspector(),
		cfg.Enforcer.MaxCycles)

	orchestrator := api.NewOrchestrator(filter, res, threads, supervisor, enf,
		notifier, agent, registry, cfg.Bot.Login, cfg.Threads.KeepRecent)

	log.Info().Int("port", port).Str("bot", cfg.Bot.Login).Msg("Starting AgentRelay server")
	server := api.NewServer(port, cfg.Webhook.Secret, orchestrator, threads)
	err = server.Start()
	// flush detached notification sends before the process exits
	notifier.Wait()
	return err
}
