// Package dispatch decides whether raw forum activity intents become queue
// tasks at all. The precheck runs eligibility, rate, cooldown, and an early
// safety pass on a draft before any task exists, and pre-computes the memory
// context so the eventual execution is cheap and consistent.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warrenhq/warren/internal/memoryctx"
	"github.com/warrenhq/warren/internal/policy"
	"github.com/warrenhq/warren/internal/safety"
	"github.com/warrenhq/warren/internal/store"
)

// Intent is one observed piece of forum activity a persona might act on.
type Intent struct {
	ID              string `json:"id"`
	PersonaID       string `json:"persona_id"`
	PostID          string `json:"post_id"`
	ParentCommentID string `json:"parent_comment_id,omitempty"`
	BoardID         string `json:"board_id,omitempty"`
	SourceText      string `json:"source_text"`
}

// Decision is the precheck verdict. ReasonCodes is a deduplicated set in
// first-seen order; an allowed decision can still carry soft codes such as
// memoryFallback.
type Decision struct {
	Allowed     bool                `json:"allowed"`
	ReasonCodes []string            `json:"reason_codes,omitempty"`
	Draft       string              `json:"draft,omitempty"`
	Memory      *memoryctx.Context  `json:"memory,omitempty"`
	Similarity  float64             `json:"similarity,omitempty"`
}

// EligibilityChecker decides whether a persona may act on a target at all
// (board or post level).
type EligibilityChecker interface {
	CheckEligibility(ctx context.Context, intent Intent, persona store.Persona) (eligible bool, reason string, err error)
}

// EligibilityFunc adapts a function to the EligibilityChecker interface.
type EligibilityFunc func(ctx context.Context, intent Intent, persona store.Persona) (bool, string, error)

func (f EligibilityFunc) CheckEligibility(ctx context.Context, intent Intent, persona store.Persona) (bool, string, error) {
	return f(ctx, intent, persona)
}

// ReplyCounter counts a persona's completed replies in a window.
// *store.Store satisfies this.
type ReplyCounter interface {
	CountRecentReplies(personaID string, since time.Time) (int, error)
}

// CooldownLookup returns the most recent reply time on a post.
// *store.Store satisfies this.
type CooldownLookup interface {
	LatestReplyAtOnPost(postID string) (*time.Time, error)
}

// DraftGenerator produces the precheck draft the early safety pass runs on.
type DraftGenerator interface {
	Draft(ctx context.Context, intent Intent, persona store.Persona, mem *memoryctx.Context) (text string, safetyContext map[string]string, err error)
}

// DraftFunc adapts a function to the DraftGenerator interface.
type DraftFunc func(ctx context.Context, intent Intent, persona store.Persona, mem *memoryctx.Context) (string, map[string]string, error)

func (f DraftFunc) Draft(ctx context.Context, intent Intent, persona store.Persona, mem *memoryctx.Context) (string, map[string]string, error) {
	return f(ctx, intent, persona, mem)
}

// Precheck gates intents before task creation.
type Precheck struct {
	Policy       policy.Provider
	Eligibility  EligibilityChecker
	Replies      ReplyCounter
	Cooldowns    CooldownLookup
	Memory       memoryctx.Builder
	Drafts       DraftGenerator
	Gate         safety.Gate
	SafetyEvents safety.EventSink
	Fallbacks    memoryctx.FallbackRecorder
	Logger       *slog.Logger
}

// Check runs the short-circuit chain: policy disabled, not eligible, hourly
// rate exceeded, per-post cooldown active, memory build (soft-continue on
// failure), draft generation, early safety gate. Hard blocks return
// immediately with all accumulated reason codes.
func (p *Precheck) Check(ctx context.Context, intent Intent, persona store.Persona, now time.Time) (*Decision, error) {
	codes := newReasonSet()

	pol := p.Policy.GetReplyPolicy(now)
	if !pol.ReplyEnabled {
		codes.add(safety.ReasonPolicyDisabled)
		return &Decision{ReasonCodes: codes.values()}, nil
	}
	if !pol.PrecheckEnabled {
		// Precheck feature toggled off: dispatch everything and let the
		// execution-time gate do the work.
		return &Decision{Allowed: true}, nil
	}

	eligible, reason, err := p.Eligibility.CheckEligibility(ctx, intent, persona)
	if err != nil {
		return nil, fmt.Errorf("check eligibility: %w", err)
	}
	if !eligible {
		codes.add(safety.ReasonNotEligible)
		if reason != "" {
			codes.add(reason)
		}
		return &Decision{ReasonCodes: codes.values()}, nil
	}

	if pol.PerPersonaHourlyReplyLimit > 0 {
		n, err := p.Replies.CountRecentReplies(intent.PersonaID, now.Add(-time.Hour))
		if err != nil {
			return nil, fmt.Errorf("count recent replies: %w", err)
		}
		if n >= pol.PerPersonaHourlyReplyLimit {
			codes.add(safety.ReasonRateLimited)
			return &Decision{ReasonCodes: codes.values()}, nil
		}
	}

	if pol.PerPostCooldownSeconds > 0 {
		last, err := p.Cooldowns.LatestReplyAtOnPost(intent.PostID)
		if err != nil {
			return nil, fmt.Errorf("latest reply on post: %w", err)
		}
		if last != nil && now.Sub(*last) < time.Duration(pol.PerPostCooldownSeconds)*time.Second {
			codes.add(safety.ReasonCooldownActive)
			return &Decision{ReasonCodes: codes.values()}, nil
		}
	}

	mem, err := p.Memory.Build(ctx, intent.PersonaID, intent.PostID)
	if err != nil {
		// Soft-continue: a degraded context is better than no reply.
		p.logger().Warn("memory context build failed",
			"persona_id", intent.PersonaID, "error", err)
		if p.Fallbacks != nil {
			p.Fallbacks.RecordMemoryFallback(intent.PersonaID, safety.ReasonMemoryFallback)
		}
		codes.add(safety.ReasonMemoryFallback)
		mem = &memoryctx.Context{PersonaID: intent.PersonaID, Degraded: true}
	} else if mem != nil && mem.Degraded {
		if p.Fallbacks != nil {
			p.Fallbacks.RecordMemoryFallback(intent.PersonaID, safety.ReasonMemoryFallback)
		}
		codes.add(safety.ReasonMemoryFallback)
	}

	draft, gateCtx, err := p.Drafts.Draft(ctx, intent, persona, mem)
	if err != nil {
		return nil, fmt.Errorf("generate draft: %w", err)
	}

	verdict := p.Gate.Check(safety.Input{
		Text:                draft,
		Context:             gateCtx,
		SimilarityThreshold: pol.PrecheckSimilarityThreshold,
	})
	if !verdict.Allowed {
		codes.add(verdict.ReasonCode)
		if p.SafetyEvents != nil {
			var sim *float64
			if verdict.Similarity > 0 {
				s := verdict.Similarity
				sim = &s
			}
			p.SafetyEvents.Record(safety.Event{
				Source:     "dispatch",
				PersonaID:  intent.PersonaID,
				ReasonCode: verdict.ReasonCode,
				Similarity: sim,
				OccurredAt: now.UTC(),
			})
		}
		return &Decision{
			ReasonCodes: codes.values(),
			Draft:       draft,
			Memory:      mem,
			Similarity:  verdict.Similarity,
		}, nil
	}

	return &Decision{
		Allowed:     true,
		ReasonCodes: codes.values(),
		Draft:       draft,
		Memory:      mem,
		Similarity:  verdict.Similarity,
	}, nil
}

func (p *Precheck) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// reasonSet deduplicates reason codes while preserving first-seen order.
type reasonSet struct {
	seen  map[string]bool
	order []string
}

func newReasonSet() *reasonSet {
	return &reasonSet{seen: map[string]bool{}}
}

func (s *reasonSet) add(code string) {
	if code == "" || s.seen[code] {
		return
	}
	s.seen[code] = true
	s.order = append(s.order, code)
}

func (s *reasonSet) values() []string {
	return s.order
}
