// Package memoryctx assembles the runtime memory context a persona brings
// to a generation: short-term activity plus long-term profile. A build
// failure is a soft degradation, never a hard block; callers continue with
// whatever context could be assembled and record the fallback.
package memoryctx

import (
	"context"
	"fmt"
	"strings"

	"github.com/warrenhq/warren/internal/store"
	"github.com/warrenhq/warren/internal/telemetry"
)

// Context is the assembled memory a generation runs with.
type Context struct {
	PersonaID string   `json:"persona_id"`
	ShortTerm []string `json:"short_term,omitempty"`
	LongTerm  []string `json:"long_term,omitempty"`
	// Degraded is true when part of the build failed and the context is
	// incomplete.
	Degraded bool `json:"degraded,omitempty"`
}

// Prompt renders the context as generation input.
func (c *Context) Prompt() string {
	var parts []string
	if len(c.LongTerm) > 0 {
		parts = append(parts, "Profile:\n"+strings.Join(c.LongTerm, "\n"))
	}
	if len(c.ShortTerm) > 0 {
		parts = append(parts, "Recent activity:\n"+strings.Join(c.ShortTerm, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// Builder assembles memory context for a persona acting on a post.
type Builder interface {
	Build(ctx context.Context, personaID, postID string) (*Context, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(ctx context.Context, personaID, postID string) (*Context, error)

func (f BuilderFunc) Build(ctx context.Context, personaID, postID string) (*Context, error) {
	return f(ctx, personaID, postID)
}

// FallbackRecorder observes degraded builds.
type FallbackRecorder interface {
	RecordMemoryFallback(personaID, reason string)
}

// MetricsFallbackRecorder counts degraded builds in Prometheus.
type MetricsFallbackRecorder struct{}

// RecordMemoryFallback implements FallbackRecorder.
func (MetricsFallbackRecorder) RecordMemoryFallback(personaID, reason string) {
	telemetry.MemoryFallbacks.WithLabelValues(reason).Inc()
}

// StoreBuilder reads long-term context from the persona profile and
// short-term context from the persona's recent task audit trail.
type StoreBuilder struct {
	Store *store.Store
	// ShortTermLimit caps how many recent events are included.
	ShortTermLimit int
}

// Build implements Builder.
func (b *StoreBuilder) Build(ctx context.Context, personaID, postID string) (*Context, error) {
	mem := &Context{PersonaID: personaID}

	persona, err := b.Store.GetPersona(personaID)
	if err != nil {
		return nil, fmt.Errorf("load persona %s: %w", personaID, err)
	}
	if persona != nil {
		mem.LongTerm = append(mem.LongTerm, persona.Name)
		if persona.Bio != "" {
			mem.LongTerm = append(mem.LongTerm, persona.Bio)
		}
		if persona.Interests != "" {
			mem.LongTerm = append(mem.LongTerm, "Interests: "+persona.Interests)
		}
	}

	limit := b.ShortTermLimit
	if limit <= 0 {
		limit = 10
	}
	tasks, err := b.Store.ListTasks(store.StatusDone, limit)
	if err != nil {
		// Long-term loaded; short-term failed. Degraded, not fatal.
		mem.Degraded = true
		return mem, nil
	}
	for _, t := range tasks {
		if t.PersonaID != personaID {
			continue
		}
		line := fmt.Sprintf("%s on %s", t.TaskType, t.Payload[store.PayloadPostID])
		mem.ShortTerm = append(mem.ShortTerm, line)
	}
	return mem, nil
}
