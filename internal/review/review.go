// Package review implements the human-escalation state machine for
// gate-blocked tasks: PENDING -> IN_REVIEW -> APPROVED | REJECTED, with a
// TTL sweep to EXPIRED. Decisions are atomic across the review row, the
// task row, and the audit event: the store transaction either applies all
// three or none.
package review

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/warrenhq/warren/internal/safety"
	"github.com/warrenhq/warren/internal/store"
	"github.com/warrenhq/warren/internal/telemetry"
)

// DefaultTTL is how long an item waits for a human before the sweep expires
// it and force-skips its task.
const DefaultTTL = 72 * time.Hour

// Service operates the review queue.
type Service struct {
	store  *store.Store
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a review service. ttl <= 0 selects DefaultTTL.
func New(s *store.Store, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, ttl: ttl, logger: logger}
}

// Enqueue creates the review item for a task the gate deferred to a human.
// Metadata captures the generated text and the safety signal so the
// reviewer has full context without re-reading the task.
func (s *Service) Enqueue(task *store.Task, gate safety.Result, text string, now time.Time) (*store.ReviewItem, error) {
	risk := gate.RiskLevel
	if risk == "" {
		risk = store.RiskUnknown
	}
	item := &store.ReviewItem{
		TaskID:            task.ID,
		PersonaID:         task.PersonaID,
		RiskLevel:         risk,
		EnqueueReasonCode: gate.ReasonCode,
		ExpiresAt:         now.UTC().Add(s.ttl),
		CreatedAt:         now.UTC(),
		Metadata: map[string]string{
			store.ReviewMetaGeneratedText: text,
			store.ReviewMetaReasonCode:    gate.ReasonCode,
			store.ReviewMetaRiskLevel:     risk,
			store.ReviewMetaSimilarity:    strconv.FormatFloat(gate.Similarity, 'f', -1, 64),
		},
	}
	if err := s.store.CreateReviewItem(item); err != nil {
		return nil, fmt.Errorf("enqueue review for task %s: %w", task.ID, err)
	}
	return item, nil
}

// Claim assigns an item to a reviewer. Re-claiming an item the same
// reviewer already holds succeeds idempotently; an item held by another
// reviewer or already decided returns nil.
func (s *Service) Claim(itemID, reviewerID string, now time.Time) (*store.ReviewItem, error) {
	return s.store.ClaimReviewItem(itemID, reviewerID, now)
}

// Approve resolves an item and returns its task to PENDING with cleared
// lease, error, and run timestamps, so a worker retries it fresh.
func (s *Service) Approve(itemID, reviewerID, note string, now time.Time) error {
	err := s.store.DecideReview(itemID, store.ReviewApproved, reviewerID, "approved", note, now)
	if err != nil {
		return err
	}
	telemetry.ReviewDecisions.WithLabelValues("approved").Inc()
	return nil
}

// Reject resolves an item and skips its task with reasonCode as the task's
// error message.
func (s *Service) Reject(itemID, reviewerID, reasonCode, note string, now time.Time) error {
	if reasonCode == "" {
		reasonCode = safety.ReasonReviewRejected
	}
	err := s.store.DecideReview(itemID, store.ReviewRejected, reviewerID, reasonCode, note, now)
	if err != nil {
		return err
	}
	telemetry.ReviewDecisions.WithLabelValues("rejected").Inc()
	return nil
}

// ExpireDue sweeps all PENDING/IN_REVIEW items whose TTL has elapsed,
// expiring each and force-skipping its task. Each item is its own
// transaction: one item's failure does not abort the sweep of the rest.
// Returns how many items were expired.
func (s *Service) ExpireDue(now time.Time) (int, error) {
	ids, err := s.store.ListDueReviewItems(now)
	if err != nil {
		return 0, fmt.Errorf("list due reviews: %w", err)
	}

	expired := 0
	var errs []error
	for _, id := range ids {
		ok, err := s.store.ExpireReviewItem(id, safety.ReasonReviewExpired, now)
		if err != nil {
			s.logger.Warn("expire review item failed", "item_id", id, "error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			expired++
			telemetry.ReviewDecisions.WithLabelValues("expired").Inc()
		}
	}
	return expired, errors.Join(errs...)
}

// List returns review items by status for the operator CLI.
func (s *Service) List(status store.ReviewStatus, limit int) ([]store.ReviewItem, error) {
	return s.store.ListReviewItems(status, limit)
}

// Get returns one review item.
func (s *Service) Get(itemID string) (*store.ReviewItem, error) {
	return s.store.GetReviewItem(itemID)
}
