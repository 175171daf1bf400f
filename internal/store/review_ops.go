package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrReviewConflict is returned when a review item is not in a state that
// permits the requested operation.
var ErrReviewConflict = errors.New("review item not in expected state")

const reviewColumns = `id, task_id, persona_id, risk_level, status, enqueue_reason_code,
	decision, decision_reason_code, reviewer_id, note, expires_at, claimed_at,
	decided_at, metadata, created_at`

// CreateReviewItem inserts a PENDING review item and its ENQUEUED audit
// event in one transaction. The unique open-item index rejects a second
// undecided item for the same task.
func (s *Store) CreateReviewItem(item *ReviewItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = ReviewPending
	}
	if item.RiskLevel == "" {
		item.RiskLevel = RiskUnknown
	}
	if item.Metadata == nil {
		item.Metadata = map[string]string{}
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("marshal review metadata: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin enqueue review: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO review_items (id, task_id, persona_id, risk_level, status,
			enqueue_reason_code, expires_at, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.TaskID, item.PersonaID, item.RiskLevel, string(item.Status),
		item.EnqueueReasonCode, item.ExpiresAt.UTC(), string(meta), item.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert review item: %w", err)
	}

	if err := insertReviewEvent(tx, ReviewEvent{
		ItemID:        item.ID,
		TaskID:        item.TaskID,
		Type:          ReviewEventEnqueued,
		ReasonCode:    item.EnqueueReasonCode,
		RiskLevel:     item.RiskLevel,
		GeneratedText: item.Metadata[ReviewMetaGeneratedText],
		OccurredAt:    item.CreatedAt,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue review: %w", err)
	}
	return nil
}

// GetReviewItem returns a review item by ID.
func (s *Store) GetReviewItem(id string) (*ReviewItem, error) {
	row := s.db.QueryRow(`SELECT `+reviewColumns+` FROM review_items WHERE id = ?`, id)
	return scanReviewItem(row)
}

// GetOpenReviewItemByTask returns the single undecided review item for a
// task, or nil when none exists.
func (s *Store) GetOpenReviewItemByTask(taskID string) (*ReviewItem, error) {
	row := s.db.QueryRow(
		`SELECT `+reviewColumns+` FROM review_items
		 WHERE task_id = ? AND status IN ('PENDING', 'IN_REVIEW')`,
		taskID,
	)
	item, err := scanReviewItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// ListReviewItems returns review items, optionally filtered by status,
// oldest first.
func (s *Store) ListReviewItems(status ReviewStatus, limit int) ([]ReviewItem, error) {
	query := `SELECT ` + reviewColumns + ` FROM review_items`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query review items: %w", err)
	}
	defer rows.Close()

	var items []ReviewItem
	for rows.Next() {
		item, err := scanReviewItemRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// ClaimReviewItem moves a PENDING item to IN_REVIEW for reviewerID. Claiming
// an item the same reviewer already holds is an idempotent no-op success;
// anything else (held by another reviewer, already decided) returns nil.
func (s *Store) ClaimReviewItem(id, reviewerID string, now time.Time) (*ReviewItem, error) {
	now = now.UTC()
	item, err := s.GetReviewItem(id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if item.Status == ReviewInReview && item.ReviewerID == reviewerID {
		return item, nil
	}
	if item.Status != ReviewPending {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim review: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE review_items SET status = 'IN_REVIEW', reviewer_id = ?, claimed_at = ?
		 WHERE id = ? AND status = 'PENDING'`,
		reviewerID, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("claim review item: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// Lost the race to another reviewer.
		return nil, nil
	}

	if err := insertReviewEvent(tx, ReviewEvent{
		ItemID:     id,
		TaskID:     item.TaskID,
		Type:       ReviewEventClaimed,
		RiskLevel:  item.RiskLevel,
		ReviewerID: reviewerID,
		OccurredAt: now,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim review: %w", err)
	}
	return s.GetReviewItem(id)
}

// DecideReview resolves a PENDING or IN_REVIEW item to APPROVED or REJECTED
// as one transaction spanning the review row, the task row, and the audit
// event. Approve returns the task to PENDING with cleared lease, error, and
// run timestamps; reject skips the task with the decision reason code. A
// failure rolls back all three rows. ErrReviewConflict is returned when the
// item is already resolved or when the task is no longer IN_REVIEW.
func (s *Store) DecideReview(id string, decision ReviewStatus, reviewerID, reasonCode, note string, now time.Time) error {
	if decision != ReviewApproved && decision != ReviewRejected {
		return fmt.Errorf("decide review: invalid decision %q", decision)
	}
	now = now.UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin decide review: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+reviewColumns+` FROM review_items WHERE id = ?`, id)
	item, err := scanReviewItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("decide review %s: %w", id, ErrReviewConflict)
	}
	if err != nil {
		return err
	}
	if item.Status != ReviewPending && item.Status != ReviewInReview {
		return fmt.Errorf("decide review %s in %s: %w", id, item.Status, ErrReviewConflict)
	}

	res, err := tx.Exec(
		`UPDATE review_items
		 SET status = ?, decision = ?, decision_reason_code = ?, reviewer_id = ?,
		     note = ?, decided_at = ?
		 WHERE id = ? AND status IN ('PENDING', 'IN_REVIEW')`,
		string(decision), string(decision), reasonCode, reviewerID, note, now, id,
	)
	if err != nil {
		return fmt.Errorf("update review item: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("decide review %s: %w", id, ErrReviewConflict)
	}

	var taskRes sql.Result
	if decision == ReviewApproved {
		// Fresh retry: back to PENDING with lease, error, and run
		// timestamps cleared.
		taskRes, err = tx.Exec(
			`UPDATE tasks
			 SET status = 'PENDING', scheduled_at = ?, error_message = '',
			     started_at = NULL, completed_at = NULL,
			     lease_owner = '', lease_until = NULL
			 WHERE id = ? AND status = 'IN_REVIEW'`,
			now, item.TaskID,
		)
	} else {
		taskRes, err = tx.Exec(
			`UPDATE tasks
			 SET status = 'SKIPPED', completed_at = ?, error_message = ?,
			     lease_owner = '', lease_until = NULL
			 WHERE id = ? AND status = 'IN_REVIEW'`,
			now, reasonCode, item.TaskID,
		)
	}
	if err != nil {
		return fmt.Errorf("update reviewed task: %w", err)
	}
	if n, _ := taskRes.RowsAffected(); n != 1 {
		// The task moved out of IN_REVIEW under us (completed after a
		// lease reclaim, or never parked). Committing the decision now
		// would leave it detached from the task; roll everything back.
		return fmt.Errorf("decide review %s: task %s not in review: %w",
			id, item.TaskID, ErrReviewConflict)
	}

	eventType := ReviewEventApproved
	toStatus := StatusPending
	if decision == ReviewRejected {
		eventType = ReviewEventRejected
		toStatus = StatusSkipped
	}
	if err := insertReviewEvent(tx, ReviewEvent{
		ItemID:        id,
		TaskID:        item.TaskID,
		Type:          eventType,
		ReasonCode:    reasonCode,
		RiskLevel:     item.RiskLevel,
		ReviewerID:    reviewerID,
		GeneratedText: item.Metadata[ReviewMetaGeneratedText],
		OccurredAt:    now,
	}); err != nil {
		return err
	}

	// Task transition audit row commits with the decision.
	if _, err := tx.Exec(
		`INSERT INTO task_events (task_id, persona_id, task_type, from_status,
			to_status, reason_code, worker_id, occurred_at)
		 VALUES (?, ?, '', 'IN_REVIEW', ?, ?, ?, ?)`,
		item.TaskID, item.PersonaID, string(toStatus), reasonCode, reviewerID, now,
	); err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit decide review: %w", err)
	}
	return nil
}

// ExpireReviewItem expires a single due PENDING/IN_REVIEW item and
// force-skips its task, atomically. Returns false when the item was not due
// or already resolved (a repeat sweep is a no-op). A task no longer in
// IN_REVIEW is left as is; only the item is expired.
func (s *Store) ExpireReviewItem(id, reasonCode string, now time.Time) (bool, error) {
	now = now.UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin expire review: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+reviewColumns+` FROM review_items WHERE id = ?`, id)
	item, err := scanReviewItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	res, err := tx.Exec(
		`UPDATE review_items SET status = 'EXPIRED', decided_at = ?
		 WHERE id = ? AND status IN ('PENDING', 'IN_REVIEW') AND expires_at <= ?`,
		now, id, now,
	)
	if err != nil {
		return false, fmt.Errorf("expire review item: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return false, nil
	}

	// The task may have moved out of IN_REVIEW already (completed after a
	// lease reclaim). The item still expires so sweeps converge, but the
	// task row and its audit trail stay untouched in that case.
	taskRes, err := tx.Exec(
		`UPDATE tasks
		 SET status = 'SKIPPED', completed_at = ?, error_message = ?,
		     lease_owner = '', lease_until = NULL
		 WHERE id = ? AND status = 'IN_REVIEW'`,
		now, reasonCode, item.TaskID,
	)
	if err != nil {
		return false, fmt.Errorf("skip expired task: %w", err)
	}
	taskSkipped, _ := taskRes.RowsAffected()

	if err := insertReviewEvent(tx, ReviewEvent{
		ItemID:     id,
		TaskID:     item.TaskID,
		Type:       ReviewEventExpired,
		ReasonCode: reasonCode,
		RiskLevel:  item.RiskLevel,
		OccurredAt: now,
	}); err != nil {
		return false, err
	}
	if taskSkipped == 1 {
		if _, err := tx.Exec(
			`INSERT INTO task_events (task_id, persona_id, task_type, from_status,
				to_status, reason_code, occurred_at)
			 VALUES (?, ?, '', 'IN_REVIEW', 'SKIPPED', ?, ?)`,
			item.TaskID, item.PersonaID, reasonCode, now,
		); err != nil {
			return false, fmt.Errorf("insert task event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit expire review: %w", err)
	}
	return true, nil
}

// ListDueReviewItems returns the IDs of PENDING/IN_REVIEW items whose TTL
// has elapsed.
func (s *Store) ListDueReviewItems(now time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM review_items
		 WHERE status IN ('PENDING', 'IN_REVIEW') AND expires_at <= ?
		 ORDER BY expires_at`, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list due review items: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan review id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListReviewEvents returns the audit events for a review item in order.
func (s *Store) ListReviewEvents(itemID string) ([]ReviewEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, item_id, task_id, event_type, reason_code, risk_level,
			reviewer_id, generated_text, occurred_at
		 FROM review_events WHERE item_id = ? ORDER BY id`, itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("list review events: %w", err)
	}
	defer rows.Close()

	var events []ReviewEvent
	for rows.Next() {
		var ev ReviewEvent
		var eventType string
		if err := rows.Scan(&ev.ID, &ev.ItemID, &ev.TaskID, &eventType, &ev.ReasonCode,
			&ev.RiskLevel, &ev.ReviewerID, &ev.GeneratedText, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan review event: %w", err)
		}
		ev.Type = ReviewEventType(eventType)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func insertReviewEvent(tx *sql.Tx, ev ReviewEvent) error {
	_, err := tx.Exec(
		`INSERT INTO review_events (item_id, task_id, event_type, reason_code,
			risk_level, reviewer_id, generated_text, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ItemID, ev.TaskID, string(ev.Type), ev.ReasonCode, ev.RiskLevel,
		ev.ReviewerID, ev.GeneratedText, ev.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert review event: %w", err)
	}
	return nil
}

func scanReviewItemFrom(r rowScanner) (*ReviewItem, error) {
	var item ReviewItem
	var status, meta string
	var claimedAt, decidedAt sql.NullTime
	err := r.Scan(
		&item.ID, &item.TaskID, &item.PersonaID, &item.RiskLevel, &status,
		&item.EnqueueReasonCode, &item.Decision, &item.DecisionReasonCode,
		&item.ReviewerID, &item.Note, &item.ExpiresAt, &claimedAt, &decidedAt,
		&meta, &item.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Status = ReviewStatus(status)
	if err := json.Unmarshal([]byte(meta), &item.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal review metadata: %w", err)
	}
	if claimedAt.Valid {
		item.ClaimedAt = &claimedAt.Time
	}
	if decidedAt.Valid {
		item.DecidedAt = &decidedAt.Time
	}
	return &item, nil
}

func scanReviewItem(row *sql.Row) (*ReviewItem, error) {
	item, err := scanReviewItemFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan review item: %w", err)
	}
	return item, nil
}

func scanReviewItemRows(rows *sql.Rows) (*ReviewItem, error) {
	item, err := scanReviewItemFrom(rows)
	if err != nil {
		return nil, fmt.Errorf("scan review item: %w", err)
	}
	return item, nil
}
