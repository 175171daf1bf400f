// Package queue is the domain wrapper around the task store that workers
// talk to: claim, complete, fail, skip. Every transition emits an audit
// event to the configured sinks, best-effort; a sink failure never blocks
// or rolls back a transition.
package queue

import (
	"log/slog"
	"time"

	"github.com/warrenhq/warren/internal/safety"
	"github.com/warrenhq/warren/internal/store"
)

// Sink receives task transition events. Implementations swallow their own
// failures; the queue fires and forgets.
type Sink interface {
	Record(ev store.TransitionEvent)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev store.TransitionEvent)

func (f SinkFunc) Record(ev store.TransitionEvent) { f(ev) }

// MultiSink fans one event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Record(ev store.TransitionEvent) {
	for _, s := range m {
		if s != nil {
			s.Record(ev)
		}
	}
}

// Options configures a Queue.
type Options struct {
	// Lease is how long a claim holds a task before any worker may
	// reclaim it.
	Lease time.Duration
	// RetryBackoff delays a retried task's next attempt.
	RetryBackoff time.Duration
	// Sink receives transition events; nil means no audit emission.
	Sink Sink
}

// Queue wraps the task store with transition-event emission.
type Queue struct {
	store        *store.Store
	lease        time.Duration
	retryBackoff time.Duration
	sink         Sink
}

// New creates a queue over the store.
func New(s *store.Store, opts Options) *Queue {
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 30 * time.Second
	}
	return &Queue{
		store:        s,
		lease:        opts.Lease,
		retryBackoff: opts.RetryBackoff,
		sink:         opts.Sink,
	}
}

// ClaimNext leases the oldest claimable task to workerID, or returns nil
// when the queue is empty. A reclaim of an expired RUNNING lease is audited
// from its true prior status with the leaseReclaimed reason code, not as a
// fresh PENDING dispatch.
func (q *Queue) ClaimNext(workerID string, now time.Time) (*store.Task, error) {
	task, prev, err := q.store.ClaimNextTask(workerID, now, q.lease)
	if err != nil || task == nil {
		return nil, err
	}
	reason := ""
	if prev == store.StatusRunning {
		reason = safety.ReasonLeaseReclaimed
	}
	q.emit(task, prev, store.StatusRunning, reason, workerID, now)
	return task, nil
}

// Complete marks a claimed task DONE with the produced result. The DONE
// event is emitted even when the store update fails: the transition was
// attempted and the audit trail must say so.
func (q *Queue) Complete(task *store.Task, resultID, resultType string, now time.Time) error {
	err := q.store.CompleteTask(task.ID, resultID, resultType, now)
	q.emit(task, store.StatusRunning, store.StatusDone, "", task.LeaseOwner, now)
	if err != nil {
		return err
	}
	return nil
}

// NoteCompleted emits the DONE transition for a task that was completed out
// of band (the atomic write path completes the row itself).
func (q *Queue) NoteCompleted(task *store.Task, now time.Time) {
	q.emit(task, store.StatusRunning, store.StatusDone, "", task.LeaseOwner, now)
}

// Fail records a failure. With retry, the task returns to PENDING with
// backoff until retries are exhausted, then flips to FAILED.
func (q *Queue) Fail(task *store.Task, reason string, retry bool, now time.Time) (store.TaskStatus, error) {
	next, err := q.store.FailTask(task.ID, reason, retry, q.retryBackoff, now)
	to := next
	if to == "" {
		to = store.StatusFailed
	}
	q.emit(task, store.StatusRunning, to, reason, task.LeaseOwner, now)
	if err != nil {
		return "", err
	}
	return next, nil
}

// Skip marks a claimed task SKIPPED with a reason code. Skips are expected,
// non-exceptional outcomes and are never retried.
func (q *Queue) Skip(task *store.Task, reasonCode string, now time.Time) error {
	err := q.store.SkipTask(task.ID, reasonCode, now)
	q.emit(task, store.StatusRunning, store.StatusSkipped, reasonCode, task.LeaseOwner, now)
	return err
}

// Park moves a claimed task to IN_REVIEW. Only the review queue resolves it.
func (q *Queue) Park(task *store.Task, reasonCode string, now time.Time) error {
	err := q.store.MarkTaskInReview(task.ID, reasonCode, now)
	q.emit(task, store.StatusRunning, store.StatusInReview, reasonCode, task.LeaseOwner, now)
	return err
}

func (q *Queue) emit(task *store.Task, from, to store.TaskStatus, reason, workerID string, now time.Time) {
	if q.sink == nil {
		return
	}
	q.sink.Record(store.TransitionEvent{
		TaskID:     task.ID,
		PersonaID:  task.PersonaID,
		TaskType:   task.TaskType,
		FromStatus: from,
		ToStatus:   to,
		ReasonCode: reason,
		WorkerID:   workerID,
		RetryCount: task.RetryCount,
		OccurredAt: now.UTC(),
	})
}

// StoreSink persists transition events into the task_events audit table.
type StoreSink struct {
	Store *store.Store
}

// Record implements Sink. The underlying insert is already best-effort.
func (s StoreSink) Record(ev store.TransitionEvent) {
	s.Store.AppendTaskEvent(ev)
}

// LogSink writes transition events to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

// Record implements Sink.
func (s LogSink) Record(ev store.TransitionEvent) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("task transition",
		"task_id", ev.TaskID,
		"persona_id", ev.PersonaID,
		"from", ev.FromStatus,
		"to", ev.ToStatus,
		"reason", ev.ReasonCode,
		"worker", ev.WorkerID,
		"retry", ev.RetryCount,
	)
}
