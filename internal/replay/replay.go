// Package replay is the offline evaluation harness: it runs a frozen
// dataset of recorded cases through a baseline and a candidate variant of
// the generation/safety logic, aggregates per-variant metrics, and applies
// a regression gate to the candidate minus baseline diff. Nothing here touches
// live storage; every collaborator is an in-memory stand-in.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/warrenhq/warren/internal/agent"
	"github.com/warrenhq/warren/internal/dispatch"
	"github.com/warrenhq/warren/internal/memoryctx"
	"github.com/warrenhq/warren/internal/policy"
	"github.com/warrenhq/warren/internal/safety"
	"github.com/warrenhq/warren/internal/store"
)

// Flow selects which pipeline a case replays through.
type Flow string

const (
	FlowPrecheck  Flow = "dispatch_precheck"
	FlowExecution Flow = "execution"
)

// Decisions a replayed case can end in.
const (
	DecisionAllowed  = "ALLOWED"
	DecisionBlocked  = "BLOCKED"
	DecisionDone     = "DONE"
	DecisionSkipped  = "SKIPPED"
	DecisionInReview = "IN_REVIEW"
	DecisionFailed   = "FAILED"
)

// Expected is the recorded ground truth for a case. Unsafe marks content a
// correct gate must intercept; Decision is the outcome the recording
// produced, when known.
type Expected struct {
	Decision string `json:"decision,omitempty"`
	Unsafe   bool   `json:"unsafe,omitempty"`
}

// Case is one frozen scenario: the intent or task, the persona, and the
// memory snapshot it ran with.
type Case struct {
	ID       string             `json:"id"`
	Flow     Flow               `json:"flow"`
	Intent   *dispatch.Intent   `json:"intent,omitempty"`
	Persona  store.Persona      `json:"persona"`
	Memory   *memoryctx.Context `json:"memory,omitempty"`
	Task     *store.Task        `json:"task,omitempty"`
	Expected *Expected          `json:"expected,omitempty"`
}

// Variant is one configuration of the overridable hooks. Nil hooks fall
// back to permissive defaults, so a variant only has to override what it
// changes.
type Variant struct {
	Name               string
	Generate           func(ctx context.Context, task *store.Task) (*agent.Generation, error)
	SafetyCheck        func(in safety.Input) safety.Result
	ResolvePolicy      func(now time.Time) policy.ReplyPolicy
	ResolveEligibility func(ctx context.Context, intent dispatch.Intent, persona store.Persona) (bool, string, error)
	EstimateCost       func(text string) float64
}

func (v Variant) generate(ctx context.Context, task *store.Task) (*agent.Generation, error) {
	if v.Generate != nil {
		return v.Generate(ctx, task)
	}
	return &agent.Generation{Text: task.Payload[store.PayloadSourceText]}, nil
}

func (v Variant) safetyCheck(in safety.Input) safety.Result {
	if v.SafetyCheck != nil {
		return v.SafetyCheck(in)
	}
	return safety.Result{Allowed: true}
}

func (v Variant) resolvePolicy(now time.Time) policy.ReplyPolicy {
	if v.ResolvePolicy != nil {
		return v.ResolvePolicy(now)
	}
	return policy.ReplyPolicy{ReplyEnabled: true, PrecheckEnabled: true}
}

func (v Variant) resolveEligibility(ctx context.Context, intent dispatch.Intent, persona store.Persona) (bool, string, error) {
	if v.ResolveEligibility != nil {
		return v.ResolveEligibility(ctx, intent, persona)
	}
	return true, "", nil
}

func (v Variant) estimateCost(text string) float64 {
	if v.EstimateCost != nil {
		return v.EstimateCost(text)
	}
	return 0
}

// CaseResult is the captured outcome of one case under one variant.
type CaseResult struct {
	CaseID      string   `json:"case_id"`
	Variant     string   `json:"variant"`
	Flow        Flow     `json:"flow"`
	Decision    string   `json:"decision"`
	ReasonCodes []string `json:"reason_codes,omitempty"`
	TextSummary string   `json:"text_summary,omitempty"`
	LatencyMS   float64  `json:"latency_ms"`
	CostUSD     float64  `json:"cost_usd"`
	Empty       bool     `json:"empty,omitempty"`
	Repeat      bool     `json:"repeat,omitempty"`
	Intercepted bool     `json:"intercepted,omitempty"`
	Err         string   `json:"error,omitempty"`
}

// LoadDataset reads a JSON case file.
func LoadDataset(path string) ([]Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	var cases []Case
	if err := json.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}
	for i, c := range cases {
		if c.ID == "" {
			return nil, fmt.Errorf("dataset case %d has no id", i)
		}
		switch c.Flow {
		case FlowPrecheck, FlowExecution:
		default:
			return nil, fmt.Errorf("dataset case %s has unknown flow %q", c.ID, c.Flow)
		}
	}
	return cases, nil
}

func summarize(text string) string {
	const max = 120
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
