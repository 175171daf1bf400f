package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/warrenhq/warren/internal/agent"
	"github.com/warrenhq/warren/internal/dispatch"
	"github.com/warrenhq/warren/internal/memoryctx"
	"github.com/warrenhq/warren/internal/policy"
	"github.com/warrenhq/warren/internal/safety"
	"github.com/warrenhq/warren/internal/store"
)

// Runner replays a dataset through a baseline and a candidate variant.
type Runner struct {
	Baseline  Variant
	Candidate Variant

	// Parallelism bounds concurrent cases per variant. Zero defaults to 4.
	Parallelism int

	// Now pins the clock every case runs at. Zero defaults to time.Now at
	// Run time, applied uniformly.
	Now time.Time

	Logger *slog.Logger
}

// Report is the full output of one replay run.
type Report struct {
	CaseCount        int          `json:"case_count"`
	Baseline         Metrics      `json:"baseline"`
	Candidate        Metrics      `json:"candidate"`
	Diff             Diff         `json:"diff"`
	Gate             Verdict      `json:"gate"`
	BaselineResults  []CaseResult `json:"baseline_results"`
	CandidateResults []CaseResult `json:"candidate_results"`
}

// Run replays every case under both variants and gates the diff.
func (r *Runner) Run(ctx context.Context, cases []Case, gate *Gate) (*Report, error) {
	if len(cases) == 0 {
		return nil, fmt.Errorf("replay: empty dataset")
	}
	if gate == nil {
		gate = DefaultGate()
	}
	now := r.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	baseResults, err := r.runVariant(ctx, r.Baseline, cases, now)
	if err != nil {
		return nil, err
	}
	candResults, err := r.runVariant(ctx, r.Candidate, cases, now)
	if err != nil {
		return nil, err
	}

	base := Aggregate(cases, baseResults)
	cand := Aggregate(cases, candResults)
	diff := cand.Diff(base)

	return &Report{
		CaseCount:        len(cases),
		Baseline:         base,
		Candidate:        cand,
		Diff:             diff,
		Gate:             gate.Apply(diff),
		BaselineResults:  baseResults,
		CandidateResults: candResults,
	}, nil
}

func (r *Runner) runVariant(ctx context.Context, v Variant, cases []Case, now time.Time) ([]CaseResult, error) {
	limit := r.Parallelism
	if limit <= 0 {
		limit = 4
	}
	results := make([]CaseResult, len(cases))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, c := range cases {
		i, c := i, c
		g.Go(func() error {
			results[i] = r.runCase(gctx, v, c, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// runCase executes one case in full isolation: any error or panic becomes
// a FAILED result row and never disturbs the other cases.
func (r *Runner) runCase(ctx context.Context, v Variant, c Case, now time.Time) (res CaseResult) {
	res = CaseResult{CaseID: c.ID, Variant: v.Name, Flow: c.Flow}
	defer func() {
		if p := recover(); p != nil {
			res.Decision = DecisionFailed
			res.Err = fmt.Sprintf("panic: %v", p)
			r.logger().Error("replay case panicked",
				"case_id", c.ID, "variant", v.Name, "panic", p)
		}
	}()

	start := time.Now()
	switch c.Flow {
	case FlowPrecheck:
		r.runPrecheckCase(ctx, v, c, now, &res)
	case FlowExecution:
		r.runExecutionCase(ctx, v, c, now, &res)
	default:
		res.Decision = DecisionFailed
		res.Err = fmt.Sprintf("unknown flow %q", c.Flow)
	}
	res.LatencyMS = float64(time.Since(start)) / float64(time.Millisecond)
	res.CostUSD = v.estimateCost(res.TextSummary)
	return res
}

func (r *Runner) runPrecheckCase(ctx context.Context, v Variant, c Case, now time.Time, res *CaseResult) {
	if c.Intent == nil {
		res.Decision = DecisionFailed
		res.Err = "precheck case has no intent"
		return
	}
	mem := c.Memory
	pre := &dispatch.Precheck{
		Policy:      policy.ProviderFunc(v.resolvePolicy),
		Eligibility: dispatch.EligibilityFunc(v.resolveEligibility),
		Replies:     zeroReplyCounter{},
		Cooldowns:   noCooldowns{},
		Memory: memoryctx.BuilderFunc(func(ctx context.Context, personaID, postID string) (*memoryctx.Context, error) {
			if mem != nil {
				return mem, nil
			}
			return &memoryctx.Context{PersonaID: personaID}, nil
		}),
		Drafts: dispatch.DraftFunc(func(ctx context.Context, intent dispatch.Intent, persona store.Persona, mem *memoryctx.Context) (string, map[string]string, error) {
			gen, err := v.generate(ctx, &store.Task{
				PersonaID: intent.PersonaID,
				TaskType:  store.TaskReply,
				Payload: store.Payload{
					store.PayloadPostID:     intent.PostID,
					store.PayloadSourceText: intent.SourceText,
				},
			})
			if err != nil {
				return "", nil, err
			}
			return gen.Text, gen.SafetyContext, nil
		}),
		Gate:   safety.GateFunc(v.safetyCheck),
		Logger: r.logger(),
	}

	decision, err := pre.Check(ctx, *c.Intent, c.Persona, now)
	if err != nil {
		res.Decision = DecisionFailed
		res.Err = err.Error()
		return
	}
	res.ReasonCodes = decision.ReasonCodes
	res.TextSummary = summarize(decision.Draft)
	if decision.Allowed {
		res.Decision = DecisionAllowed
		res.Empty = strings.TrimSpace(decision.Draft) == ""
	} else {
		res.Decision = DecisionBlocked
		res.Intercepted = intercepting(decision.ReasonCodes)
	}
}

func (r *Runner) runExecutionCase(ctx context.Context, v Variant, c Case, now time.Time, res *CaseResult) {
	if c.Task == nil {
		res.Decision = DecisionFailed
		res.Err = "execution case has no task"
		return
	}
	task := cloneTask(c.Task)
	queue := &memQueue{task: task}
	idem := newMemIdem()
	router := &memRouter{}

	a, err := agent.New(agent.Options{
		Queue:     queue,
		Policy:    policy.ProviderFunc(v.resolvePolicy),
		Generator: agent.GeneratorFunc(v.generate),
		Gate:      safety.GateFunc(v.safetyCheck),
		Reviews:   router,
		Writer: agent.WriterFunc(func(ctx context.Context, req agent.WriteRequest) (*agent.WriteResult, error) {
			res.TextSummary = summarize(req.Text)
			return &agent.WriteResult{ResultID: uuid.NewString(), ResultType: "replay"}, nil
		}),
		Persist: agent.StepwisePersistence{Idem: idem, Tasks: queue},
		Logger:  r.logger(),
	})
	if err != nil {
		res.Decision = DecisionFailed
		res.Err = err.Error()
		return
	}

	if _, err := a.RunOnce(ctx, "replay", now); err != nil {
		res.Decision = DecisionFailed
		res.Err = err.Error()
		return
	}

	res.Decision = string(queue.task.Status)
	if queue.reason != "" {
		res.ReasonCodes = []string{queue.reason}
	}
	if res.TextSummary == "" && router.text != "" {
		res.TextSummary = summarize(router.text)
	}
	switch queue.task.Status {
	case store.StatusSkipped:
		res.Empty = queue.reason == safety.ReasonEmptyReply
		res.Repeat = queue.reason == safety.ReasonNearDuplicate
		res.Intercepted = intercepting(res.ReasonCodes)
	case store.StatusInReview:
		res.Intercepted = true
	case store.StatusFailed, store.StatusPending:
		// A retryable failure stays PENDING; the replay counts both as
		// errors since the case did not reach a verdict.
		res.Decision = DecisionFailed
		res.Err = queue.task.ErrorMessage
	}
}

// intercepting reports whether any reason code is a safety interception as
// opposed to a throttle or configuration skip.
func intercepting(codes []string) bool {
	for _, code := range codes {
		switch code {
		case safety.ReasonBlockedTerm, safety.ReasonNearDuplicate, safety.ReasonLowConfidence:
			return true
		}
	}
	return false
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func cloneTask(t *store.Task) *store.Task {
	cp := *t
	cp.Payload = make(store.Payload, len(t.Payload))
	for k, v := range t.Payload {
		cp.Payload[k] = v
	}
	if cp.Status == "" {
		cp.Status = store.StatusPending
	}
	return &cp
}

// memQueue is a single-task in-memory queue. It satisfies both
// agent.TaskQueue and agent.TaskCompleter so the stepwise persistence path
// completes the same task the agent claimed.
type memQueue struct {
	mu      sync.Mutex
	task    *store.Task
	claimed bool
	reason  string
}

func (q *memQueue) ClaimNext(workerID string, now time.Time) (*store.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimed || q.task.Status != store.StatusPending {
		return nil, nil
	}
	q.claimed = true
	q.task.Status = store.StatusRunning
	q.task.LeaseOwner = workerID
	started := now.UTC()
	q.task.StartedAt = &started
	return q.task, nil
}

func (q *memQueue) Fail(task *store.Task, reason string, retry bool, now time.Time) (store.TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.task.ErrorMessage = reason
	if retry && q.task.RetryCount < q.task.MaxRetries {
		q.task.RetryCount++
		q.task.Status = store.StatusPending
	} else {
		q.task.Status = store.StatusFailed
	}
	return q.task.Status, nil
}

func (q *memQueue) Skip(task *store.Task, reasonCode string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.task.Status = store.StatusSkipped
	q.reason = reasonCode
	return nil
}

func (q *memQueue) Park(task *store.Task, reasonCode string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.task.Status = store.StatusInReview
	q.reason = reasonCode
	return nil
}

func (q *memQueue) NoteCompleted(task *store.Task, now time.Time) {}

// CompleteTask implements agent.TaskCompleter.
func (q *memQueue) CompleteTask(taskID, resultID, resultType string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if taskID != q.task.ID {
		return fmt.Errorf("unknown task %s", taskID)
	}
	q.task.Status = store.StatusDone
	q.task.ResultID = resultID
	q.task.ResultType = resultType
	done := now.UTC()
	q.task.CompletedAt = &done
	return nil
}

// memIdem is an in-memory agent.IdempotencyStore.
type memIdem struct {
	mu   sync.Mutex
	rows map[string]string
}

func newMemIdem() *memIdem {
	return &memIdem{rows: map[string]string{}}
}

func (m *memIdem) Lookup(ctx context.Context, scope, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.rows[scope+"/"+key]
	return id, ok, nil
}

func (m *memIdem) Save(ctx context.Context, scope, key, resultID, resultType string, now time.Time) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := scope + "/" + key
	if existing, ok := m.rows[k]; ok {
		return existing, false, nil
	}
	m.rows[k] = resultID
	return resultID, true, nil
}

// memRouter captures review escalations without real storage.
type memRouter struct {
	mu   sync.Mutex
	item *store.ReviewItem
	text string
}

func (m *memRouter) Enqueue(task *store.Task, gate safety.Result, text string, now time.Time) (*store.ReviewItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.item = &store.ReviewItem{
		ID:                uuid.NewString(),
		TaskID:            task.ID,
		PersonaID:         task.PersonaID,
		RiskLevel:         gate.RiskLevel,
		Status:            store.ReviewPending,
		EnqueueReasonCode: gate.ReasonCode,
		CreatedAt:         now.UTC(),
	}
	m.text = text
	return m.item, nil
}

type zeroReplyCounter struct{}

func (zeroReplyCounter) CountRecentReplies(personaID string, since time.Time) (int, error) {
	return 0, nil
}

type noCooldowns struct{}

func (noCooldowns) LatestReplyAtOnPost(postID string) (*time.Time, error) {
	return nil, nil
}

// SortResults orders results by case ID for stable report output.
func SortResults(results []CaseResult) {
	sort.Slice(results, func(i, j int) bool {
		return results[i].CaseID < results[j].CaseID
	})
}
