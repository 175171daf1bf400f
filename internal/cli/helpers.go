package cli

import (
	"log/slog"
	"os"

	"github.com/warrenhq/warren/internal/config"
	"github.com/warrenhq/warren/internal/policy"
	"github.com/warrenhq/warren/internal/safety"
	"github.com/warrenhq/warren/internal/store"
)

// loadConfig reads the --config file, or returns defaults when omitted.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// mustStore opens the SQLite store from the effective config.
func mustStore() (*store.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return s, cfg, nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// buildGate constructs the rule gate from config.
func buildGate(cfg *config.Config) *safety.RuleGate {
	return &safety.RuleGate{
		BlockedTerms:          cfg.Safety.BlockedTerms,
		SimilarityThreshold:   cfg.Safety.SimilarityThreshold,
		ReviewConfidenceBelow: cfg.Safety.ReviewConfidenceBelow,
	}
}

// storeSafetySink persists gate blocks in the safety_events table and
// counts them in Prometheus.
func storeSafetySink(s *store.Store) safety.EventSink {
	return safety.MultiSink{
		safety.EventSinkFunc(func(ev safety.Event) {
			s.AppendSafetyEvent(ev.Source, ev.PersonaID, ev.ReasonCode, ev.Similarity, ev.OccurredAt)
		}),
		safety.MetricsSink{},
	}
}

// buildProvider constructs the cached policy provider over the store.
func buildProvider(s *store.Store, cfg *config.Config, logger *slog.Logger) *policy.CachedProvider {
	return policy.NewCachedProvider(s, cfg.Policy.CacheTTL, cfg.Policy.Fallback, logger)
}
