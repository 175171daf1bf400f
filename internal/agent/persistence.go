package agent

import (
	"context"
	"time"

	"github.com/warrenhq/warren/internal/store"
)

// IdempotencyScope namespaces idempotency keys written by the agent.
const IdempotencyScope = "agent"

// ResultPersistence is the write path: invoke the writer at most once for
// the idempotency key, record the result under the key, and complete the
// task. Two implementations exist and the choice is made explicitly at
// construction, never inferred at runtime:
//
//   - TransactionalPersistence spans the idempotency row and the task row
//     in one store transaction. This is the production path.
//   - StepwisePersistence applies the same steps one at a time against
//     injected collaborators. Non-atomic; acceptable only for in-memory
//     tests and replay.
type ResultPersistence interface {
	Persist(ctx context.Context, task *store.Task, key string, write store.WriteFunc, now time.Time) (resultID string, reused bool, err error)
}

// TransactionalPersistence is the store-backed atomic write path.
type TransactionalPersistence struct {
	Store *store.Store
}

// Persist implements ResultPersistence.
func (p TransactionalPersistence) Persist(ctx context.Context, task *store.Task, key string, write store.WriteFunc, now time.Time) (string, bool, error) {
	return p.Store.CompleteWithIdempotency(ctx, task.ID, IdempotencyScope, key, write, now)
}

// IdempotencyStore is the check-or-create contract StepwisePersistence
// works against.
type IdempotencyStore interface {
	Lookup(ctx context.Context, scope, key string) (resultID string, ok bool, err error)
	Save(ctx context.Context, scope, key, resultID, resultType string, now time.Time) (stored string, created bool, err error)
}

// TaskCompleter finishes a task with its result.
type TaskCompleter interface {
	CompleteTask(taskID, resultID, resultType string, now time.Time) error
}

// StepwisePersistence is the three-step compatibility path: lookup, write,
// save-and-complete. Steps are not atomic, so a crash between them can
// leave a recorded result with an unfinished task. Test-only.
type StepwisePersistence struct {
	Idem  IdempotencyStore
	Tasks TaskCompleter
}

// Persist implements ResultPersistence.
func (p StepwisePersistence) Persist(ctx context.Context, task *store.Task, key string, write store.WriteFunc, now time.Time) (string, bool, error) {
	resultID, ok, err := p.Idem.Lookup(ctx, IdempotencyScope, key)
	if err != nil {
		return "", false, err
	}
	if ok {
		if err := p.Tasks.CompleteTask(task.ID, resultID, "", now); err != nil {
			return "", false, err
		}
		return resultID, true, nil
	}

	resultID, resultType, err := write(ctx)
	if err != nil {
		return "", false, err
	}
	stored, created, err := p.Idem.Save(ctx, IdempotencyScope, key, resultID, resultType, now)
	if err != nil {
		return "", false, err
	}
	if err := p.Tasks.CompleteTask(task.ID, stored, resultType, now); err != nil {
		return "", false, err
	}
	return stored, !created, nil
}
