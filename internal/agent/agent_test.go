package agent

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrenhq/warren/internal/policy"
	"github.com/warrenhq/warren/internal/safety"
	"github.com/warrenhq/warren/internal/store"
)

// fakeQueue is an in-memory TaskQueue over a slice of tasks. It also
// satisfies TaskCompleter so StepwisePersistence completes against it.
type fakeQueue struct {
	mu    sync.Mutex
	tasks []*store.Task

	skipped   map[string]string // task ID -> reason code
	parked    map[string]string
	failed    map[string]string
	retried   map[string]bool
	completed map[string]string // task ID -> result ID
	failErr   error             // returned by Fail when set
}

func newFakeQueue(tasks ...*store.Task) *fakeQueue {
	return &fakeQueue{
		tasks:     tasks,
		skipped:   map[string]string{},
		parked:    map[string]string{},
		failed:    map[string]string{},
		retried:   map[string]bool{},
		completed: map[string]string{},
	}
}

func (q *fakeQueue) ClaimNext(workerID string, now time.Time) (*store.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.Status == store.StatusPending {
			t.Status = store.StatusRunning
			t.LeaseOwner = workerID
			return t, nil
		}
	}
	return nil, nil
}

func (q *fakeQueue) Fail(task *store.Task, reason string, retry bool, now time.Time) (store.TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failErr != nil {
		return "", q.failErr
	}
	q.failed[task.ID] = reason
	q.retried[task.ID] = retry
	task.Status = store.StatusFailed
	if retry {
		task.Status = store.StatusPending
	}
	return task.Status, nil
}

func (q *fakeQueue) Skip(task *store.Task, reasonCode string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.skipped[task.ID] = reasonCode
	task.Status = store.StatusSkipped
	return nil
}

func (q *fakeQueue) Park(task *store.Task, reasonCode string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.parked[task.ID] = reasonCode
	task.Status = store.StatusInReview
	return nil
}

func (q *fakeQueue) NoteCompleted(task *store.Task, now time.Time) {}

func (q *fakeQueue) CompleteTask(taskID, resultID, resultType string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed[taskID] = resultID
	for _, t := range q.tasks {
		if t.ID == taskID {
			t.Status = store.StatusDone
			t.ResultID = resultID
		}
	}
	return nil
}

// fakeIdem is an in-memory IdempotencyStore.
type fakeIdem struct {
	mu   sync.Mutex
	rows map[string]string
}

func newFakeIdem() *fakeIdem { return &fakeIdem{rows: map[string]string{}} }

func (f *fakeIdem) Lookup(ctx context.Context, scope, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.rows[scope+"/"+key]
	return id, ok, nil
}

func (f *fakeIdem) Save(ctx context.Context, scope, key, resultID, resultType string, now time.Time) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := scope + "/" + key
	if existing, ok := f.rows[k]; ok {
		return existing, false, nil
	}
	f.rows[k] = resultID
	return resultID, true, nil
}

// fakeReviews records enqueued items.
type fakeReviews struct {
	enqueued []string
	err      error
}

func (f *fakeReviews) Enqueue(task *store.Task, gate safety.Result, text string, now time.Time) (*store.ReviewItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.enqueued = append(f.enqueued, task.ID)
	return &store.ReviewItem{ID: "ri-" + task.ID, TaskID: task.ID}, nil
}

func replyTask(id, key string) *store.Task {
	return &store.Task{
		ID:        id,
		PersonaID: "p1",
		TaskType:  store.TaskReply,
		Status:    store.StatusPending,
		Payload: store.Payload{
			store.PayloadIdempotencyKey: key,
			store.PayloadSourceText:     "what do you all think?",
		},
		MaxRetries: 3,
	}
}

func allowAll(in safety.Input) safety.Result { return safety.Result{Allowed: true} }

func enabledPolicy(now time.Time) policy.ReplyPolicy {
	return policy.ReplyPolicy{ReplyEnabled: true}
}

type agentFixture struct {
	queue   *fakeQueue
	idem    *fakeIdem
	reviews *fakeReviews
	writes  *int
	opts    Options
}

func fixture(tasks ...*store.Task) *agentFixture {
	q := newFakeQueue(tasks...)
	idem := newFakeIdem()
	reviews := &fakeReviews{}
	writes := 0
	f := &agentFixture{queue: q, idem: idem, reviews: reviews, writes: &writes}
	f.opts = Options{
		Queue:  q,
		Policy: policy.ProviderFunc(enabledPolicy),
		Generator: GeneratorFunc(func(ctx context.Context, task *store.Task) (*Generation, error) {
			return &Generation{Text: "a friendly reply"}, nil
		}),
		Gate:    safety.GateFunc(allowAll),
		Reviews: reviews,
		Writer: WriterFunc(func(ctx context.Context, req WriteRequest) (*WriteResult, error) {
			writes++
			return &WriteResult{ResultID: "res-" + req.PersonaID, ResultType: "reply"}, nil
		}),
		Persist: StepwisePersistence{Idem: idem, Tasks: q},
	}
	return f
}

func (f *agentFixture) agent(t *testing.T) *Agent {
	t.Helper()
	a, err := New(f.opts)
	require.NoError(t, err)
	return a
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestRunOnce_EmptyQueueIdle(t *testing.T) {
	f := fixture()
	a := f.agent(t)

	outcome, err := a.RunOnce(context.Background(), "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome)
}

func TestRunOnce_HappyPath(t *testing.T) {
	task := replyTask("t1", "k1")
	f := fixture(task)
	a := f.agent(t)

	outcome, err := a.RunOnce(context.Background(), "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, store.StatusDone, task.Status)
	assert.Equal(t, "res-p1", f.queue.completed["t1"])
	assert.Equal(t, 1, *f.writes)
}

func TestRunOnce_DuplicateKeyWritesOnce(t *testing.T) {
	// Two tasks carrying the same idempotency key: a dispatch retry.
	first := replyTask("t1", "k1")
	second := replyTask("t2", "k1")
	f := fixture(first, second)
	a := f.agent(t)
	ctx := context.Background()

	_, err := a.RunOnce(ctx, "w1", time.Now())
	require.NoError(t, err)
	_, err = a.RunOnce(ctx, "w1", time.Now())
	require.NoError(t, err)

	assert.Equal(t, 1, *f.writes, "writer must run once per idempotency key")
	assert.Equal(t, store.StatusDone, first.Status)
	assert.Equal(t, store.StatusDone, second.Status)
	assert.Equal(t, first.ResultID, second.ResultID, "duplicate completes with the original result")
}

func TestRunOnce_FreshKeysWriteSeparately(t *testing.T) {
	f := fixture(replyTask("t1", "k1"), replyTask("t2", "k2"))
	a := f.agent(t)
	ctx := context.Background()

	_, err := a.RunOnce(ctx, "w1", time.Now())
	require.NoError(t, err)
	_, err = a.RunOnce(ctx, "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, *f.writes)
}

func TestRunOnce_UnsupportedTypeSkipped(t *testing.T) {
	task := replyTask("t1", "k1")
	task.TaskType = store.TaskType("digest")
	f := fixture(task)
	a := f.agent(t)

	_, err := a.RunOnce(context.Background(), "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, safety.ReasonUnsupportedType, f.queue.skipped["t1"])
	assert.Zero(t, *f.writes)
}

func TestRunOnce_PolicyDisabledSkipped(t *testing.T) {
	task := replyTask("t1", "k1")
	f := fixture(task)
	f.opts.Policy = policy.ProviderFunc(func(now time.Time) policy.ReplyPolicy {
		return policy.ReplyPolicy{ReplyEnabled: false}
	})
	a := f.agent(t)

	_, err := a.RunOnce(context.Background(), "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, safety.ReasonPolicyDisabled, f.queue.skipped["t1"])
	assert.Zero(t, *f.writes)
}

func TestRunOnce_GeneratorErrorRetries(t *testing.T) {
	task := replyTask("t1", "k1")
	f := fixture(task)
	f.opts.Generator = GeneratorFunc(func(ctx context.Context, task *store.Task) (*Generation, error) {
		return nil, errors.New("model timeout")
	})
	a := f.agent(t)

	outcome, err := a.RunOnce(context.Background(), "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Contains(t, f.queue.failed["t1"], "model timeout")
	assert.True(t, f.queue.retried["t1"], "generator failures are retryable")
}

func TestRunOnce_GeneratorSkipReason(t *testing.T) {
	task := replyTask("t1", "k1")
	f := fixture(task)
	f.opts.Generator = GeneratorFunc(func(ctx context.Context, task *store.Task) (*Generation, error) {
		return &Generation{SkipReason: "missingSourceText"}, nil
	})
	a := f.agent(t)

	_, err := a.RunOnce(context.Background(), "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "missingSourceText", f.queue.skipped["t1"])
}

func TestRunOnce_EmptyReplyTripsBreaker(t *testing.T) {
	tasks := []*store.Task{replyTask("t1", "k1"), replyTask("t2", "k2"), replyTask("t3", "k3")}
	f := fixture(tasks...)
	f.opts.Generator = GeneratorFunc(func(ctx context.Context, task *store.Task) (*Generation, error) {
		return &Generation{Text: "   "}, nil
	})
	f.opts.EmptyReplyBreakerThreshold = 2
	a := f.agent(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		outcome, err := a.RunOnce(ctx, "w1", time.Now())
		require.NoError(t, err)
		assert.Equal(t, OutcomeDone, outcome)
	}
	assert.Equal(t, safety.ReasonEmptyReply, f.queue.skipped["t1"])
	assert.Equal(t, safety.ReasonEmptyReply, f.queue.skipped["t2"])
	assert.True(t, a.BreakerOpen())

	// Third task never claimed: breaker short-circuits before the queue.
	outcome, err := a.RunOnce(ctx, "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome)
	assert.Equal(t, store.StatusPending, tasks[2].Status)

	a.ResetBreaker()
	assert.False(t, a.BreakerOpen())
	outcome, err = a.RunOnce(ctx, "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
}

func TestRunOnce_GateBlockSkipsAndRecords(t *testing.T) {
	task := replyTask("t1", "k1")
	f := fixture(task)
	f.opts.Gate = safety.GateFunc(func(in safety.Input) safety.Result {
		return safety.Result{Allowed: false, ReasonCode: safety.ReasonBlockedTerm, RiskLevel: store.RiskHigh}
	})
	var events []safety.Event
	f.opts.SafetyEvents = safety.EventSinkFunc(func(ev safety.Event) { events = append(events, ev) })
	a := f.agent(t)

	_, err := a.RunOnce(context.Background(), "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, safety.ReasonBlockedTerm, f.queue.skipped["t1"])
	assert.Zero(t, *f.writes)
	require.Len(t, events, 1)
	assert.Equal(t, "execution", events[0].Source)
	assert.Equal(t, safety.ReasonBlockedTerm, events[0].ReasonCode)
}

func TestRunOnce_ReviewRequiredParks(t *testing.T) {
	task := replyTask("t1", "k1")
	f := fixture(task)
	f.opts.Gate = safety.GateFunc(func(in safety.Input) safety.Result {
		return safety.Result{
			Allowed:        false,
			ReasonCode:     safety.ReasonLowConfidence,
			RiskLevel:      store.RiskGray,
			ReviewRequired: true,
		}
	})
	a := f.agent(t)

	_, err := a.RunOnce(context.Background(), "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, f.reviews.enqueued)
	assert.Equal(t, safety.ReasonLowConfidence, f.queue.parked["t1"])
	assert.Zero(t, *f.writes)
}

func TestRunOnce_ReviewEnqueueFailureRetries(t *testing.T) {
	task := replyTask("t1", "k1")
	f := fixture(task)
	f.opts.Gate = safety.GateFunc(func(in safety.Input) safety.Result {
		return safety.Result{Allowed: false, ReasonCode: safety.ReasonLowConfidence, ReviewRequired: true}
	})
	f.reviews.err = errors.New("database locked")
	a := f.agent(t)

	_, err := a.RunOnce(context.Background(), "w1", time.Now())
	require.NoError(t, err)
	assert.Contains(t, f.queue.failed["t1"], "enqueue review")
	assert.True(t, f.queue.retried["t1"])
	assert.Empty(t, f.queue.parked)
}

func TestRunOnce_MissingIdempotencyKeyFailsWithoutRetry(t *testing.T) {
	task := replyTask("t1", "")
	delete(task.Payload, store.PayloadIdempotencyKey)
	f := fixture(task)
	a := f.agent(t)

	_, err := a.RunOnce(context.Background(), "w1", time.Now())
	require.NoError(t, err)
	assert.Contains(t, f.queue.failed["t1"], store.PayloadIdempotencyKey)
	assert.False(t, f.queue.retried["t1"], "malformed tasks are not retried")
	assert.Zero(t, *f.writes)
}

func TestRunOnce_FailTransitionErrorLogged(t *testing.T) {
	task := replyTask("t1", "k1")
	f := fixture(task)
	f.opts.Generator = GeneratorFunc(func(ctx context.Context, task *store.Task) (*Generation, error) {
		return nil, errors.New("model timeout")
	})
	f.queue.failErr = errors.New("database locked")
	var logBuf bytes.Buffer
	f.opts.Logger = slog.New(slog.NewTextHandler(&logBuf, nil))
	a := f.agent(t)

	outcome, err := a.RunOnce(context.Background(), "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Contains(t, logBuf.String(), "record task failure")
	assert.Contains(t, logBuf.String(), "database locked")
}

func TestRunOnce_WriterErrorRetries(t *testing.T) {
	task := replyTask("t1", "k1")
	f := fixture(task)
	f.opts.Writer = WriterFunc(func(ctx context.Context, req WriteRequest) (*WriteResult, error) {
		return nil, errors.New("forum 503")
	})
	a := f.agent(t)

	_, err := a.RunOnce(context.Background(), "w1", time.Now())
	require.NoError(t, err)
	assert.Contains(t, f.queue.failed["t1"], "forum 503")
	assert.True(t, f.queue.retried["t1"])

	// No idempotency record leaked: a retry will attempt the write again.
	_, ok, err := f.idem.Lookup(context.Background(), IdempotencyScope, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBreaker_OpensExactlyOnce(t *testing.T) {
	b := newBreaker(2)
	assert.False(t, b.recordEmpty())
	assert.True(t, b.recordEmpty(), "opening call reports the trip")
	assert.False(t, b.recordEmpty(), "already open, no second trip signal")
	assert.True(t, b.open())

	b.reset()
	assert.False(t, b.open())
}
