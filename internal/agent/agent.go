// Package agent implements the execution agent: it processes exactly one
// claimed task end-to-end per RunOnce call, orchestrating the task queue,
// policy provider, generator, safety gate, review queue, and the idempotent
// write path. The agent depends only on interfaces; production wiring and
// test doubles construct it the same way.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/warrenhq/warren/internal/policy"
	"github.com/warrenhq/warren/internal/safety"
	"github.com/warrenhq/warren/internal/store"
	"github.com/warrenhq/warren/internal/telemetry"
)

// Outcome is the result of one RunOnce call.
type Outcome string

const (
	// OutcomeDone means one task was processed to a terminal or deferred
	// state.
	OutcomeDone Outcome = "DONE"
	// OutcomeIdle means no claimable task existed or the circuit breaker
	// is open.
	OutcomeIdle Outcome = "IDLE"
)

// TaskQueue is the slice of the queue the agent needs.
type TaskQueue interface {
	ClaimNext(workerID string, now time.Time) (*store.Task, error)
	Fail(task *store.Task, reason string, retry bool, now time.Time) (store.TaskStatus, error)
	Skip(task *store.Task, reasonCode string, now time.Time) error
	Park(task *store.Task, reasonCode string, now time.Time) error
	NoteCompleted(task *store.Task, now time.Time)
}

// ReviewRouter escalates gate-blocked tasks to humans.
type ReviewRouter interface {
	Enqueue(task *store.Task, gate safety.Result, text string, now time.Time) (*store.ReviewItem, error)
}

// Options configures an Agent. Queue, Policy, Generator, Gate, and Persist
// are required; Reviews is required unless the gate never requests review.
type Options struct {
	Queue     TaskQueue
	Policy    policy.Provider
	Generator Generator
	Gate      safety.Gate
	Reviews   ReviewRouter
	Writer    Writer
	Persist   ResultPersistence

	// SafetyEvents receives execution-side gate blocks. Optional.
	SafetyEvents safety.EventSink

	// SupportedTaskTypes lists the task types this phase executes; others
	// are skipped with unsupportedTaskType. Empty defaults to reply only.
	SupportedTaskTypes []store.TaskType

	// EmptyReplyBreakerThreshold opens the circuit breaker after this
	// many empty generations. Zero defaults to 5.
	EmptyReplyBreakerThreshold int

	Logger *slog.Logger
}

// Agent processes one task per RunOnce call. Breaker state is owned by the
// instance: two agents never share it.
type Agent struct {
	queue        TaskQueue
	policy       policy.Provider
	generator    Generator
	gate         safety.Gate
	reviews      ReviewRouter
	writer       Writer
	persist      ResultPersistence
	safetyEvents safety.EventSink
	supported    map[store.TaskType]bool
	breaker      *breaker
	logger       *slog.Logger
}

// New creates an execution agent.
func New(opts Options) (*Agent, error) {
	if opts.Queue == nil || opts.Policy == nil || opts.Generator == nil ||
		opts.Gate == nil || opts.Writer == nil || opts.Persist == nil {
		return nil, fmt.Errorf("agent: queue, policy, generator, gate, writer, and persist are required")
	}
	types := opts.SupportedTaskTypes
	if len(types) == 0 {
		types = []store.TaskType{store.TaskReply}
	}
	supported := make(map[store.TaskType]bool, len(types))
	for _, t := range types {
		supported[t] = true
	}
	threshold := opts.EmptyReplyBreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		queue:        opts.Queue,
		policy:       opts.Policy,
		generator:    opts.Generator,
		gate:         opts.Gate,
		reviews:      opts.Reviews,
		writer:       opts.Writer,
		persist:      opts.Persist,
		safetyEvents: opts.SafetyEvents,
		supported:    supported,
		breaker:      newBreaker(threshold),
		logger:       logger,
	}, nil
}

// RunOnce claims and processes at most one task. Exactly one of
// DONE-with-result, SKIPPED-with-reason, IN_REVIEW-with-review-item, or a
// failure transition happens per claimed task.
func (a *Agent) RunOnce(ctx context.Context, workerID string, now time.Time) (Outcome, error) {
	if a.breaker.open() {
		return OutcomeIdle, nil
	}

	task, err := a.queue.ClaimNext(workerID, now)
	if err != nil {
		return "", fmt.Errorf("claim next: %w", err)
	}
	if task == nil {
		return OutcomeIdle, nil
	}

	if !a.supported[task.TaskType] {
		if err := a.queue.Skip(task, safety.ReasonUnsupportedType, now); err != nil {
			return "", err
		}
		return OutcomeDone, nil
	}

	pol := a.policy.GetReplyPolicy(now)
	if !pol.ReplyEnabled {
		if err := a.queue.Skip(task, safety.ReasonPolicyDisabled, now); err != nil {
			return "", err
		}
		return OutcomeDone, nil
	}

	gen, err := a.generator.Generate(ctx, task)
	if err != nil {
		// Generator trouble is transient infrastructure: retry until
		// the task's budget runs out.
		a.failTask(task, fmt.Sprintf("generate: %v", err), true, now)
		return OutcomeDone, nil
	}
	if gen.SkipReason != "" {
		if err := a.queue.Skip(task, gen.SkipReason, now); err != nil {
			return "", err
		}
		return OutcomeDone, nil
	}

	text := strings.TrimSpace(gen.Text)
	if text == "" {
		if err := a.queue.Skip(task, safety.ReasonEmptyReply, now); err != nil {
			return "", err
		}
		if a.breaker.recordEmpty() {
			telemetry.BreakerOpens.Inc()
			a.logger.Error("empty-reply circuit breaker opened",
				"worker", workerID, "threshold", a.breaker.threshold)
		}
		return OutcomeDone, nil
	}

	verdict := a.gate.Check(safety.Input{Text: text, Context: gen.SafetyContext})
	if !verdict.Allowed {
		if verdict.ReviewRequired && a.reviews != nil {
			if _, err := a.reviews.Enqueue(task, verdict, text, now); err != nil {
				a.failTask(task, fmt.Sprintf("enqueue review: %v", err), true, now)
				return OutcomeDone, nil
			}
			if err := a.queue.Park(task, verdict.ReasonCode, now); err != nil {
				return "", err
			}
			return OutcomeDone, nil
		}
		if err := a.queue.Skip(task, verdict.ReasonCode, now); err != nil {
			return "", err
		}
		a.recordSafetyEvent(task, verdict, now)
		return OutcomeDone, nil
	}

	key := task.IdempotencyKey()
	if key == "" {
		// Malformed write-producing task: no retry will fix it.
		a.failTask(task, fmt.Sprintf("%v: %s", store.ErrMissingPayloadField, store.PayloadIdempotencyKey), false, now)
		return OutcomeDone, nil
	}

	_, reused, err := a.persist.Persist(ctx, task, key, func(ctx context.Context) (string, string, error) {
		res, werr := a.writer.Write(ctx, WriteRequest{
			PersonaID: task.PersonaID,
			Text:      text,
			Payload:   task.Payload,
		})
		if werr != nil {
			return "", "", werr
		}
		return res.ResultID, res.ResultType, nil
	}, now)
	if err != nil {
		a.failTask(task, fmt.Sprintf("persist: %v", err), true, now)
		return OutcomeDone, nil
	}
	if reused {
		a.logger.Info("reused prior result for idempotency key",
			"task_id", task.ID, "key", key)
	}
	a.queue.NoteCompleted(task, now)
	return OutcomeDone, nil
}

// failTask records a task failure and logs when even the failure transition
// could not be persisted. The task stays RUNNING in that case and the lease
// expiry eventually reclaims it.
func (a *Agent) failTask(task *store.Task, reason string, retry bool, now time.Time) {
	if _, err := a.queue.Fail(task, reason, retry, now); err != nil {
		a.logger.Error("record task failure",
			"task_id", task.ID, "reason", reason, "error", err)
	}
}

func (a *Agent) recordSafetyEvent(task *store.Task, verdict safety.Result, now time.Time) {
	if a.safetyEvents == nil {
		return
	}
	var sim *float64
	if verdict.Similarity > 0 {
		s := verdict.Similarity
		sim = &s
	}
	a.safetyEvents.Record(safety.Event{
		Source:     "execution",
		PersonaID:  task.PersonaID,
		ReasonCode: verdict.ReasonCode,
		Similarity: sim,
		OccurredAt: now.UTC(),
	})
}

// ResetBreaker closes the circuit breaker and zeroes its counter.
func (a *Agent) ResetBreaker() {
	a.breaker.reset()
}

// BreakerOpen reports whether the empty-reply breaker is open.
func (a *Agent) BreakerOpen() bool {
	return a.breaker.open()
}
