package policy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/warrenhq/warren/internal/safety"
	"github.com/warrenhq/warren/internal/telemetry"
)

// Provider serves the active ReplyPolicy. Reads never fail; degradation is
// observable through Status.
type Provider interface {
	GetReplyPolicy(now time.Time) ReplyPolicy
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(now time.Time) ReplyPolicy

func (f ProviderFunc) GetReplyPolicy(now time.Time) ReplyPolicy { return f(now) }

// Status describes the provider's degradation state for operators and tests.
type Status struct {
	// Degraded is true while reads are served from a fallback.
	Degraded bool
	// ReasonCode is fallbackLastKnownGood while degraded, else empty.
	ReasonCode string
	// Version is the release version of the last successful fetch, 0 when
	// none has succeeded yet.
	Version int64
	// FetchedAt is when the cached value was last refreshed or re-pinned.
	FetchedAt time.Time
}

// CachedProvider caches the active ReplyPolicy for a TTL and falls back to
// the last successfully fetched policy, then the static fallback, when the
// store is unreachable or the release body is malformed. Per-process: a new
// release propagates to every worker within one TTL window, no restart and
// no cross-process invalidation needed.
type CachedProvider struct {
	source   ReleaseSource
	ttl      time.Duration
	fallback ReplyPolicy
	logger   *slog.Logger

	mu       sync.Mutex
	cached   *ReplyPolicy
	cachedAt time.Time
	lastGood *ReplyPolicy
	status   Status
}

// NewCachedProvider creates a provider over source. ttl should be seconds,
// not minutes: it bounds how stale a policy read can be. fallback is served
// until the first successful fetch.
func NewCachedProvider(source ReleaseSource, ttl time.Duration, fallback ReplyPolicy, logger *slog.Logger) *CachedProvider {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedProvider{
		source:   source,
		ttl:      ttl,
		fallback: fallback,
		logger:   logger,
	}
}

// GetReplyPolicy returns the active policy, the cached value inside the TTL
// window, or a fallback. It never returns an error: policy-read failures are
// absorbed here, recorded in Status, and must not surface to callers.
func (p *CachedProvider) GetReplyPolicy(now time.Time) ReplyPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && now.Sub(p.cachedAt) < p.ttl {
		return *p.cached
	}

	release, err := p.source.FetchLatestActive()
	if err == nil && release == nil {
		// No release published yet: not a failure, serve the static
		// fallback without flagging degradation.
		p.cached = &p.fallback
		p.cachedAt = now
		p.status = Status{FetchedAt: now}
		return p.fallback
	}
	if err == nil {
		doc, perr := ParseDocument(release.Policy)
		if perr == nil {
			p.cached = &doc.Reply
			p.cachedAt = now
			p.lastGood = &doc.Reply
			p.status = Status{Version: release.Version, FetchedAt: now}
			return doc.Reply
		}
		err = perr
	}

	// Fetch failed. Re-pin the cache so a broken store is retried once
	// per TTL window, not on every read.
	p.logger.Warn("policy fetch failed, serving fallback", "error", err)
	telemetry.PolicyFallbacks.Inc()
	p.cachedAt = now
	p.status.Degraded = true
	p.status.ReasonCode = safety.ReasonFallbackLastGood
	p.status.FetchedAt = now
	if p.lastGood != nil {
		p.cached = p.lastGood
		return *p.lastGood
	}
	p.cached = &p.fallback
	return p.fallback
}

// Status returns the current degradation state.
func (p *CachedProvider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Invalidate drops the cache so the next read fetches fresh. Used by the
// publish CLI so the publishing process observes its own release.
func (p *CachedProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
	p.cachedAt = time.Time{}
}
