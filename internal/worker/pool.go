// Package worker runs the execution loop: a pool of goroutines each
// repeatedly asking its agent for one task, plus a periodic sweep that
// expires overdue review items. Each worker owns its own agent instance,
// so breaker state is never shared across workers.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warrenhq/warren/internal/agent"
	"github.com/warrenhq/warren/internal/review"
)

// Pool drives a set of agents against the shared task queue.
type Pool struct {
	// Agents holds one execution agent per worker goroutine.
	Agents []*agent.Agent

	// Reviews, when set, gets a periodic ExpireDue sweep.
	Reviews *review.Service

	// IdleSleep is how long a worker waits after an idle claim. Zero
	// defaults to 5s.
	IdleSleep time.Duration

	// SweepInterval is how often the review sweep runs. Zero defaults
	// to 1m.
	SweepInterval time.Duration

	Logger *slog.Logger
}

// Run blocks until ctx is canceled, running every worker and the review
// sweep concurrently. A worker error stops the whole pool.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.Agents) == 0 {
		return fmt.Errorf("worker: no agents configured")
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := p.IdleSleep
	if idle <= 0 {
		idle = 5 * time.Second
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range p.Agents {
		a := a
		workerID := fmt.Sprintf("worker-%d", i+1)
		g.Go(func() error {
			return p.runWorker(gctx, a, workerID, idle, logger)
		})
	}
	if p.Reviews != nil {
		g.Go(func() error {
			return p.runSweep(gctx, logger)
		})
	}

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (p *Pool) runWorker(ctx context.Context, a *agent.Agent, workerID string, idle time.Duration, logger *slog.Logger) error {
	logger.Info("worker started", "worker", workerID)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome, err := a.RunOnce(ctx, workerID, time.Now().UTC())
		if err != nil {
			// Claim-path errors are infrastructure trouble (locked or
			// broken database). Back off and keep the worker alive.
			logger.Error("run once failed", "worker", workerID, "error", err)
			outcome = agent.OutcomeIdle
		}
		if outcome == agent.OutcomeDone {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idle):
		}
	}
}

func (p *Pool) runSweep(ctx context.Context, logger *slog.Logger) error {
	interval := p.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := p.Reviews.ExpireDue(time.Now().UTC())
			if err != nil {
				logger.Error("review expiry sweep failed", "error", err)
			}
			if n > 0 {
				logger.Info("expired overdue review items", "count", n)
			}
		}
	}
}
