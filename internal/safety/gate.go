// Package safety defines the content gate contract the execution agent and
// dispatch precheck consult before anything is published, plus the shared
// reason-code vocabulary and the safety event sink.
package safety

import (
	"strconv"
	"strings"
	"time"
)

// Reason codes are a closed vocabulary shared with operators and dashboards;
// the strings are a wire contract and must not change casing.
const (
	ReasonBlockedTerm      = "blockedTerm"
	ReasonNearDuplicate    = "nearDuplicateReply"
	ReasonLowConfidence    = "lowConfidence"
	ReasonManualReview     = "manualReviewRequired"
	ReasonUnsupportedType  = "unsupportedTaskType"
	ReasonPolicyDisabled   = "policyDisabled"
	ReasonEmptyReply       = "emptyGeneratedReply"
	ReasonNotEligible      = "notEligible"
	ReasonRateLimited      = "rateLimited"
	ReasonCooldownActive   = "cooldownActive"
	ReasonMemoryFallback   = "memoryFallback"
	ReasonPrecheckBlocked  = "precheckBlocked"
	ReasonReviewRejected   = "reviewRejected"
	ReasonReviewExpired    = "reviewExpired"
	ReasonFallbackLastGood = "fallbackLastKnownGood"
	ReasonLeaseReclaimed   = "leaseReclaimed"
)

// Risk levels attached to gate results.
const (
	RiskHigh    = "HIGH"
	RiskGray    = "GRAY"
	RiskUnknown = "UNKNOWN"
)

// Well-known context keys the generator may attach for the gate.
const (
	ContextSimilarity = "similarity"
	ContextConfidence = "confidence"
	ContextPersonaID  = "personaId"
)

// Input is what the gate inspects: the candidate text plus whatever context
// the generator attached.
type Input struct {
	Text    string
	Context map[string]string
	// SimilarityThreshold, when positive, overrides the gate's configured
	// near-duplicate threshold for this check. The dispatch precheck sets
	// it from the active policy so a policy release takes effect without a
	// restart.
	SimilarityThreshold float64
}

// Result is the gate's verdict. ReviewRequired only means anything when
// Allowed is false: the block should be deferred to a human instead of
// skipped outright.
type Result struct {
	Allowed        bool
	ReasonCode     string
	RiskLevel      string
	ReviewRequired bool
	Similarity     float64
}

// Gate checks candidate text before publication. Implementations must be
// pure: no side effects, safe for concurrent use.
type Gate interface {
	Check(in Input) Result
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(in Input) Result

func (f GateFunc) Check(in Input) Result { return f(in) }

// RuleGate is the production gate: a blocklist scan, a near-duplicate
// similarity threshold, and a low-confidence band that escalates to human
// review instead of blocking outright.
type RuleGate struct {
	// BlockedTerms hard-block when present in the text (case-insensitive).
	BlockedTerms []string
	// SimilarityThreshold blocks text whose context similarity signal
	// meets or exceeds it. Zero disables the check.
	SimilarityThreshold float64
	// ReviewConfidenceBelow routes generations whose confidence signal is
	// below it to human review. Zero disables the band.
	ReviewConfidenceBelow float64
}

// Check implements Gate.
func (g *RuleGate) Check(in Input) Result {
	lower := strings.ToLower(in.Text)
	for _, term := range g.BlockedTerms {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			return Result{
				Allowed:        false,
				ReasonCode:     ReasonBlockedTerm,
				RiskLevel:      RiskHigh,
				ReviewRequired: false,
			}
		}
	}

	threshold := g.SimilarityThreshold
	if in.SimilarityThreshold > 0 {
		threshold = in.SimilarityThreshold
	}
	sim := contextFloat(in.Context, ContextSimilarity)
	if threshold > 0 && sim >= threshold {
		return Result{
			Allowed:    false,
			ReasonCode: ReasonNearDuplicate,
			RiskLevel:  RiskGray,
			Similarity: sim,
		}
	}

	if g.ReviewConfidenceBelow > 0 {
		if conf, ok := in.Context[ContextConfidence]; ok {
			if v, err := strconv.ParseFloat(conf, 64); err == nil && v < g.ReviewConfidenceBelow {
				return Result{
					Allowed:        false,
					ReasonCode:     ReasonLowConfidence,
					RiskLevel:      RiskGray,
					ReviewRequired: true,
					Similarity:     sim,
				}
			}
		}
	}

	return Result{Allowed: true, Similarity: sim}
}

func contextFloat(ctx map[string]string, key string) float64 {
	if ctx == nil {
		return 0
	}
	v, err := strconv.ParseFloat(ctx[key], 64)
	if err != nil {
		return 0
	}
	return v
}

// Event is the observability record for a gate interception.
type Event struct {
	Source     string
	PersonaID  string
	ReasonCode string
	Similarity *float64
	OccurredAt time.Time
}

// EventSink receives gate interception events. Fire-and-forget:
// implementations swallow their own failures.
type EventSink interface {
	Record(ev Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(ev Event)

func (f EventSinkFunc) Record(ev Event) { f(ev) }

// MultiSink fans one event out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Record(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Record(ev)
		}
	}
}
