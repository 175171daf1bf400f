package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/warrenhq/warren/internal/agent"
	"github.com/warrenhq/warren/internal/queue"
	"github.com/warrenhq/warren/internal/review"
	"github.com/warrenhq/warren/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the execution worker pool until interrupted",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	s, cfg, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	logger := newLogger()
	q := queue.New(s, queue.Options{
		Lease:        cfg.Workers.LeaseDuration,
		RetryBackoff: cfg.Workers.RetryBackoff,
		Sink: queue.MultiSink{
			queue.StoreSink{Store: s},
			queue.MetricsSink{},
			queue.LogSink{Logger: logger},
		},
	})
	provider := buildProvider(s, cfg, logger)
	gate := buildGate(cfg)
	reviews := review.New(s, cfg.Review.TTL, logger)

	generator, err := agent.NewOpenAIGenerator(cfg.OpenAI.Model, cfg.OpenAI.APIKeyEnv, logger)
	if err != nil {
		return err
	}

	// Replies land in the structured log until a forum transport is
	// wired in. Result IDs stay stable across retries either way.
	writer := agent.WriterFunc(func(ctx context.Context, req agent.WriteRequest) (*agent.WriteResult, error) {
		id := uuid.NewString()
		logger.Info("published reply",
			"result_id", id, "persona_id", req.PersonaID, "chars", len(req.Text))
		return &agent.WriteResult{ResultID: id, ResultType: "reply"}, nil
	})

	agents := make([]*agent.Agent, 0, cfg.Workers.Count)
	for i := 0; i < cfg.Workers.Count; i++ {
		a, err := agent.New(agent.Options{
			Queue:                      q,
			Policy:                     provider,
			Generator:                  generator,
			Gate:                       gate,
			Reviews:                    reviews,
			Writer:                     writer,
			Persist:                    agent.TransactionalPersistence{Store: s},
			SafetyEvents:               storeSafetySink(s),
			EmptyReplyBreakerThreshold: cfg.Workers.BreakerThreshold,
			Logger:                     logger,
		})
		if err != nil {
			return err
		}
		agents = append(agents, a)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := &worker.Pool{
		Agents:        agents,
		Reviews:       reviews,
		IdleSleep:     cfg.Workers.IdleSleep,
		SweepInterval: cfg.Workers.SweepInterval,
		Logger:        logger,
	}
	logger.Info("warren running", "workers", cfg.Workers.Count, "db", cfg.DBPath)
	return pool.Run(ctx)
}
