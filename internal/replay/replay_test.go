package replay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrenhq/warren/internal/agent"
	"github.com/warrenhq/warren/internal/dispatch"
	"github.com/warrenhq/warren/internal/policy"
	"github.com/warrenhq/warren/internal/safety"
	"github.com/warrenhq/warren/internal/store"
)

func precheckCase(id, text string, unsafe bool) Case {
	return Case{
		ID:   id,
		Flow: FlowPrecheck,
		Intent: &dispatch.Intent{
			ID:         "in-" + id,
			PersonaID:  "p1",
			PostID:     "post-1",
			SourceText: text,
		},
		Persona:  store.Persona{ID: "p1", Name: "casey"},
		Expected: &Expected{Unsafe: unsafe},
	}
}

func executionCase(id, text string) Case {
	return Case{
		ID:      id,
		Flow:    FlowExecution,
		Persona: store.Persona{ID: "p1"},
		Task: &store.Task{
			ID:        "t-" + id,
			PersonaID: "p1",
			TaskType:  store.TaskReply,
			Payload: store.Payload{
				store.PayloadIdempotencyKey: "k-" + id,
				store.PayloadSourceText:     text,
			},
			MaxRetries: 1,
		},
	}
}

func TestRun_IdenticalVariantsZeroDiff(t *testing.T) {
	r := &Runner{
		Baseline:  Variant{Name: "baseline"},
		Candidate: Variant{Name: "candidate"},
	}
	cases := []Case{
		precheckCase("c1", "hello all", false),
		precheckCase("c2", "second thread", false),
		executionCase("c3", "a reply"),
	}

	report, err := r.Run(context.Background(), cases, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, report.CaseCount)
	assert.Equal(t, report.Baseline.SuccessRate, report.Candidate.SuccessRate)
	assert.Zero(t, report.Diff.SafetyMissRate)
	assert.Zero(t, report.Diff.FalseInterceptRate)
	assert.Zero(t, report.Diff.ErrorRate)
	assert.Zero(t, report.Diff.EmptyRate)
	assert.True(t, report.Gate.Pass, "identical variants never trip the gate: %v", report.Gate.Violations)
}

func TestRun_CandidateGateCatchesUnsafeCases(t *testing.T) {
	blockScams := func(in safety.Input) safety.Result {
		if strings.Contains(in.Text, "scam") {
			return safety.Result{Allowed: false, ReasonCode: safety.ReasonBlockedTerm}
		}
		return safety.Result{Allowed: true}
	}
	r := &Runner{
		Baseline:  Variant{Name: "baseline"},
		Candidate: Variant{Name: "candidate", SafetyCheck: blockScams},
	}
	cases := []Case{
		precheckCase("c1", "join this crypto scam now", true),
		precheckCase("c2", "anyone hiking this weekend?", false),
	}

	report, err := r.Run(context.Background(), cases, nil)
	require.NoError(t, err)
	// The permissive baseline misses the unsafe case; the candidate stops it.
	assert.Equal(t, 1.0, report.Baseline.SafetyMissRate)
	assert.Zero(t, report.Candidate.SafetyMissRate)
	assert.Zero(t, report.Candidate.FalseInterceptRate, "the safe case still goes through")
	assert.True(t, report.Gate.Pass)

	SortResults(report.CandidateResults)
	assert.Equal(t, DecisionBlocked, report.CandidateResults[0].Decision)
	assert.Contains(t, report.CandidateResults[0].ReasonCodes, safety.ReasonBlockedTerm)
	assert.True(t, report.CandidateResults[0].Intercepted)
}

func TestRun_SafetyRegressionFailsGate(t *testing.T) {
	blockScams := func(in safety.Input) safety.Result {
		if strings.Contains(in.Text, "scam") {
			return safety.Result{Allowed: false, ReasonCode: safety.ReasonBlockedTerm}
		}
		return safety.Result{Allowed: true}
	}
	r := &Runner{
		// Baseline intercepts; the candidate lets everything through.
		Baseline:  Variant{Name: "baseline", SafetyCheck: blockScams},
		Candidate: Variant{Name: "candidate"},
	}
	cases := []Case{precheckCase("c1", "join this crypto scam now", true)}

	report, err := r.Run(context.Background(), cases, nil)
	require.NoError(t, err)
	assert.False(t, report.Gate.Pass)
	require.NotEmpty(t, report.Gate.Violations)
	assert.Contains(t, report.Gate.Violations[0], "safetyMissRateWorse")
}

func TestRun_PanicIsolatedToItsCase(t *testing.T) {
	r := &Runner{
		Baseline: Variant{Name: "baseline"},
		Candidate: Variant{
			Name: "candidate",
			Generate: func(ctx context.Context, task *store.Task) (*agent.Generation, error) {
				if task.Payload[store.PayloadSourceText] == "boom" {
					panic("hook exploded")
				}
				return &agent.Generation{Text: "fine"}, nil
			},
		},
	}
	cases := []Case{
		executionCase("c1", "boom"),
		executionCase("c2", "calm"),
	}

	report, err := r.Run(context.Background(), cases, nil)
	require.NoError(t, err)

	SortResults(report.CandidateResults)
	assert.Equal(t, DecisionFailed, report.CandidateResults[0].Decision)
	assert.Contains(t, report.CandidateResults[0].Err, "panic: hook exploded")
	assert.Equal(t, DecisionDone, report.CandidateResults[1].Decision)
	assert.Equal(t, 1, report.Candidate.Errors)
}

func TestRun_ExecutionFlowDecisions(t *testing.T) {
	r := &Runner{
		Baseline: Variant{Name: "baseline"},
		Candidate: Variant{
			Name: "candidate",
			Generate: func(ctx context.Context, task *store.Task) (*agent.Generation, error) {
				return &agent.Generation{Text: "   "}, nil
			},
		},
	}
	cases := []Case{executionCase("c1", "a reply")}

	report, err := r.Run(context.Background(), cases, nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionDone, report.BaselineResults[0].Decision)
	assert.Equal(t, DecisionSkipped, report.CandidateResults[0].Decision)
	assert.True(t, report.CandidateResults[0].Empty)
	assert.Equal(t, 1.0, report.Candidate.EmptyRate)
}

func TestRun_ReviewRequiredMapsToInReview(t *testing.T) {
	r := &Runner{
		Baseline: Variant{Name: "baseline"},
		Candidate: Variant{
			Name: "candidate",
			SafetyCheck: func(in safety.Input) safety.Result {
				return safety.Result{
					Allowed:        false,
					ReasonCode:     safety.ReasonLowConfidence,
					ReviewRequired: true,
				}
			},
		},
	}
	cases := []Case{executionCase("c1", "a borderline reply")}

	report, err := r.Run(context.Background(), cases, nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionInReview, report.CandidateResults[0].Decision)
}

func TestRun_CostEstimation(t *testing.T) {
	r := &Runner{
		Baseline: Variant{Name: "baseline"},
		Candidate: Variant{
			Name:         "candidate",
			EstimateCost: func(text string) float64 { return 0.002 },
		},
	}
	cases := []Case{executionCase("c1", "a reply"), executionCase("c2", "another")}

	report, err := r.Run(context.Background(), cases, nil)
	require.NoError(t, err)
	assert.Zero(t, report.Baseline.TotalCostUSD)
	assert.InDelta(t, 0.004, report.Candidate.TotalCostUSD, 1e-9)
}

func TestRun_EmptyDatasetRejected(t *testing.T) {
	r := &Runner{Baseline: Variant{Name: "b"}, Candidate: Variant{Name: "c"}}
	_, err := r.Run(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestRun_PinnedClock(t *testing.T) {
	pinned := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var seen []time.Time
	r := &Runner{
		Now:      pinned,
		Baseline: Variant{Name: "baseline"},
		Candidate: Variant{
			Name: "candidate",
			ResolvePolicy: func(now time.Time) policy.ReplyPolicy {
				seen = append(seen, now)
				return policy.ReplyPolicy{ReplyEnabled: true, PrecheckEnabled: true}
			},
		},
	}
	cases := []Case{precheckCase("c1", "hello", false)}

	_, err := r.Run(context.Background(), cases, nil)
	require.NoError(t, err)
	require.NotEmpty(t, seen)
	assert.Equal(t, pinned, seen[0])
}

func TestLoadDataset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cases.json")
	body := `[
	  {"id": "c1", "flow": "dispatch_precheck",
	   "intent": {"id": "in-1", "persona_id": "p1", "post_id": "post-1", "source_text": "hi"},
	   "persona": {"id": "p1"},
	   "expected": {"unsafe": false}},
	  {"id": "c2", "flow": "execution",
	   "persona": {"id": "p1"},
	   "task": {"id": "t-1", "persona_id": "p1", "task_type": "reply"}}
	]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cases, err := LoadDataset(path)
	require.NoError(t, err)
	require.Len(t, cases, 2)
	assert.Equal(t, FlowPrecheck, cases[0].Flow)
	assert.Equal(t, "hi", cases[0].Intent.SourceText)
	assert.Equal(t, FlowExecution, cases[1].Flow)
}

func TestLoadDataset_Invalid(t *testing.T) {
	dir := t.TempDir()

	missing := filepath.Join(dir, "missing-id.json")
	require.NoError(t, os.WriteFile(missing, []byte(`[{"flow": "execution"}]`), 0o644))
	_, err := LoadDataset(missing)
	assert.ErrorContains(t, err, "no id")

	badFlow := filepath.Join(dir, "bad-flow.json")
	require.NoError(t, os.WriteFile(badFlow, []byte(`[{"id": "c1", "flow": "streaming"}]`), 0o644))
	_, err = LoadDataset(badFlow)
	assert.ErrorContains(t, err, "unknown flow")

	_, err = LoadDataset(filepath.Join(dir, "absent.json"))
	assert.Error(t, err)
}

func TestDefaultGate_Thresholds(t *testing.T) {
	g := DefaultGate()

	v := g.Apply(Diff{})
	assert.True(t, v.Pass)

	v = g.Apply(Diff{SafetyMissRate: 0.001})
	assert.False(t, v.Pass, "any safety miss regression fails")

	v = g.Apply(Diff{FalseInterceptRate: 0.04, EmptyRate: 0.01, AvgLatencyMS: 400})
	assert.True(t, v.Pass, "movement inside the limits passes")

	v = g.Apply(Diff{FalseInterceptRate: 0.06, ErrorRate: 0.02})
	assert.False(t, v.Pass)
	assert.Len(t, v.Violations, 2, "every tripped rule is reported")

	v = g.Apply(Diff{SuccessRate: -0.06})
	assert.False(t, v.Pass)
}

func TestSummarize_TruncatesLongText(t *testing.T) {
	short := "brief"
	assert.Equal(t, short, summarize(short))

	long := strings.Repeat("x", 200)
	got := summarize(long)
	assert.Len(t, got, 123)
	assert.True(t, strings.HasSuffix(got, "..."))
}
