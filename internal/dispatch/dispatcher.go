package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/warrenhq/warren/internal/queue"
	"github.com/warrenhq/warren/internal/store"
)

// Dispatcher turns allowed intents into queue tasks. Only allowed precheck
// decisions produce work; blocked intents leave nothing behind but their
// reason codes.
type Dispatcher struct {
	Precheck   *Precheck
	Store      *store.Store
	Sink       queue.Sink
	MaxRetries int
}

// Dispatch prechecks the intent and, when allowed, creates a PENDING reply
// task carrying the idempotency key and the pre-computed memory prompt.
// The returned task is nil when the intent was blocked.
func (d *Dispatcher) Dispatch(ctx context.Context, intent Intent, persona store.Persona, now time.Time) (*Decision, *store.Task, error) {
	decision, err := d.Precheck.Check(ctx, intent, persona, now)
	if err != nil {
		return nil, nil, err
	}
	if !decision.Allowed {
		return decision, nil, nil
	}

	payload := store.Payload{
		store.PayloadIdempotencyKey: "reply:" + intent.ID,
		store.PayloadIntentID:       intent.ID,
		store.PayloadPostID:         intent.PostID,
		store.PayloadSourceText:     intent.SourceText,
	}
	if intent.ParentCommentID != "" {
		payload[store.PayloadParentCommentID] = intent.ParentCommentID
	}
	if intent.BoardID != "" {
		payload[store.PayloadBoardID] = intent.BoardID
	}
	if decision.Memory != nil {
		if prompt := decision.Memory.Prompt(); prompt != "" {
			payload[store.PayloadMemoryPrompt] = prompt
		}
	}

	maxRetries := d.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	task := &store.Task{
		PersonaID:   intent.PersonaID,
		TaskType:    store.TaskReply,
		Payload:     payload,
		ScheduledAt: now.UTC(),
		CreatedAt:   now.UTC(),
		MaxRetries:  maxRetries,
	}
	if err := d.Store.CreateTask(task); err != nil {
		return decision, nil, fmt.Errorf("create task for intent %s: %w", intent.ID, err)
	}

	if d.Sink != nil {
		d.Sink.Record(store.TransitionEvent{
			TaskID:     task.ID,
			PersonaID:  task.PersonaID,
			TaskType:   task.TaskType,
			ToStatus:   store.StatusPending,
			ReasonCode: "dispatched",
			OccurredAt: now.UTC(),
		})
	}
	return decision, task, nil
}
