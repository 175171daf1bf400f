package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrStaleTask is returned by guarded task updates when the row was not in
// the expected state (claimed by someone else, already terminal, ...).
var ErrStaleTask = errors.New("task not in expected state")

// ErrMissingPayloadField is returned when a required well-known payload key
// is absent for the operation being performed.
var ErrMissingPayloadField = errors.New("missing payload field")

const taskColumns = `id, persona_id, task_type, payload, status, scheduled_at, created_at,
	started_at, completed_at, retry_count, max_retries, result_id, result_type,
	error_message, lease_owner, lease_until`

// CreateTask inserts a new PENDING task. A missing ID is generated.
func (s *Store) CreateTask(t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Payload == nil {
		t.Payload = Payload{}
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = t.CreatedAt
	}
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO tasks (id, persona_id, task_type, payload, status, scheduled_at,
			created_at, retry_count, max_retries)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PersonaID, string(t.TaskType), string(payload), string(t.Status),
		t.ScheduledAt.UTC(), t.CreatedAt.UTC(), t.RetryCount, t.MaxRetries,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask returns a single task by ID.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns tasks, optionally filtered by status, oldest first.
func (s *Store) ListTasks(status TaskStatus, limit int) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY scheduled_at, created_at`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ClaimNextTask atomically selects the oldest claimable task and leases it
// to workerID until now+lease. Claimable means PENDING with scheduled_at due,
// or RUNNING with an expired lease (reclaim). The second return is the status
// the task held before the claim, so callers can audit a reclaim as
// RUNNING-origin rather than a fresh dispatch. Returns nil when nothing is
// claimable. Safe under concurrent callers: the update is guarded by the
// status and lease observed at selection time, so two racing workers can
// never both win the same task.
func (s *Store) ClaimNextTask(workerID string, now time.Time, lease time.Duration) (*Task, TaskStatus, error) {
	now = now.UTC()
	leaseUntil := now.Add(lease)

	// A lost race just means another worker took the candidate; retry with
	// the next one a few times before reporting an empty queue.
	for attempt := 0; attempt < 5; attempt++ {
		row := s.db.QueryRow(
			`SELECT `+taskColumns+` FROM tasks
			 WHERE (status = 'PENDING' AND scheduled_at <= ?)
			    OR (status = 'RUNNING' AND lease_until IS NOT NULL AND lease_until <= ?)
			 ORDER BY scheduled_at, created_at
			 LIMIT 1`, now, now,
		)
		candidate, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", nil
		}
		if err != nil {
			return nil, "", err
		}

		var res sql.Result
		if candidate.Status == StatusPending {
			res, err = s.db.Exec(
				`UPDATE tasks
				 SET status = 'RUNNING', lease_owner = ?, lease_until = ?,
				     started_at = COALESCE(started_at, ?)
				 WHERE id = ? AND status = 'PENDING' AND scheduled_at <= ?`,
				workerID, leaseUntil, now, candidate.ID, now,
			)
		} else {
			res, err = s.db.Exec(
				`UPDATE tasks
				 SET lease_owner = ?, lease_until = ?
				 WHERE id = ? AND status = 'RUNNING' AND lease_until <= ?`,
				workerID, leaseUntil, candidate.ID, now,
			)
		}
		if err != nil {
			return nil, "", fmt.Errorf("claim task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			task, err := s.GetTask(candidate.ID)
			if err != nil {
				return nil, "", err
			}
			return task, candidate.Status, nil
		}
	}
	return nil, "", nil
}

// CompleteTask flips a RUNNING task to DONE with the produced result and
// clears the lease.
func (s *Store) CompleteTask(id, resultID, resultType string, now time.Time) error {
	res, err := s.db.Exec(
		`UPDATE tasks
		 SET status = 'DONE', result_id = ?, result_type = ?, completed_at = ?,
		     error_message = '', lease_owner = '', lease_until = NULL
		 WHERE id = ? AND status = 'RUNNING'`,
		resultID, resultType, now.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("complete task %s: %w", id, ErrStaleTask)
	}
	return nil
}

// FailTask records a failure on a RUNNING task. With retry=true and retries
// remaining, the task returns to PENDING with an incremented retry count and
// a backoff-delayed schedule; otherwise it becomes FAILED. The returned
// status is the post-transition status.
func (s *Store) FailTask(id, reason string, retry bool, backoff time.Duration, now time.Time) (TaskStatus, error) {
	now = now.UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin fail: %w", err)
	}
	defer tx.Rollback()

	var retryCount, maxRetries int
	err = tx.QueryRow(
		`SELECT retry_count, max_retries FROM tasks WHERE id = ? AND status = 'RUNNING'`, id,
	).Scan(&retryCount, &maxRetries)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("fail task %s: %w", id, ErrStaleTask)
	}
	if err != nil {
		return "", fmt.Errorf("fail task: %w", err)
	}

	next := StatusFailed
	if retry && retryCount+1 <= maxRetries {
		next = StatusPending
	}

	if next == StatusPending {
		_, err = tx.Exec(
			`UPDATE tasks
			 SET status = 'PENDING', retry_count = retry_count + 1, scheduled_at = ?,
			     error_message = ?, lease_owner = '', lease_until = NULL
			 WHERE id = ? AND status = 'RUNNING'`,
			now.Add(backoff), reason, id,
		)
	} else {
		_, err = tx.Exec(
			`UPDATE tasks
			 SET status = 'FAILED', completed_at = ?, error_message = ?,
			     lease_owner = '', lease_until = NULL
			 WHERE id = ? AND status = 'RUNNING'`,
			now, reason, id,
		)
	}
	if err != nil {
		return "", fmt.Errorf("fail task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit fail: %w", err)
	}
	return next, nil
}

// SkipTask flips a RUNNING task to SKIPPED with the given reason code.
func (s *Store) SkipTask(id, reasonCode string, now time.Time) error {
	res, err := s.db.Exec(
		`UPDATE tasks
		 SET status = 'SKIPPED', completed_at = ?, error_message = ?,
		     lease_owner = '', lease_until = NULL
		 WHERE id = ? AND status = 'RUNNING'`,
		now.UTC(), reasonCode, id,
	)
	if err != nil {
		return fmt.Errorf("skip task: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("skip task %s: %w", id, ErrStaleTask)
	}
	return nil
}

// MarkTaskInReview parks a RUNNING task in IN_REVIEW. The lease fields are
// kept so the audit trail shows which worker deferred it; only the review
// queue resolves this state.
func (s *Store) MarkTaskInReview(id, reasonCode string, now time.Time) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'IN_REVIEW', error_message = ?
		 WHERE id = ? AND status = 'RUNNING'`,
		reasonCode, id,
	)
	if err != nil {
		return fmt.Errorf("mark task in review: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("mark task %s in review: %w", id, ErrStaleTask)
	}
	return nil
}

// AppendTaskEvent records a task transition in the audit trail. Best-effort:
// the audit insert must never block or fail a transition, so errors are
// swallowed.
func (s *Store) AppendTaskEvent(ev TransitionEvent) {
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	s.db.Exec(
		`INSERT INTO task_events (task_id, persona_id, task_type, from_status,
			to_status, reason_code, worker_id, retry_count, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TaskID, ev.PersonaID, string(ev.TaskType), string(ev.FromStatus),
		string(ev.ToStatus), ev.ReasonCode, ev.WorkerID, ev.RetryCount, occurred.UTC(),
	)
}

// ListTaskEvents returns the audit trail for a task in insertion order.
func (s *Store) ListTaskEvents(taskID string) ([]TransitionEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, persona_id, task_type, from_status, to_status,
			reason_code, worker_id, retry_count, occurred_at
		 FROM task_events WHERE task_id = ? ORDER BY id`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var events []TransitionEvent
	for rows.Next() {
		var ev TransitionEvent
		var taskType, from, to string
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.PersonaID, &taskType, &from, &to,
			&ev.ReasonCode, &ev.WorkerID, &ev.RetryCount, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.TaskType = TaskType(taskType)
		ev.FromStatus = TaskStatus(from)
		ev.ToStatus = TaskStatus(to)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountRecentReplies counts DONE reply tasks for a persona completed at or
// after since. Used by the dispatch precheck's hourly rate limit.
func (s *Store) CountRecentReplies(personaID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM tasks
		 WHERE persona_id = ? AND task_type = 'reply' AND status = 'DONE'
		   AND completed_at >= ?`,
		personaID, since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent replies: %w", err)
	}
	return n, nil
}

// LatestReplyAtOnPost returns the completion time of the most recent DONE
// reply on a post, or nil when the post has never been replied to. Used by
// the per-post cooldown check.
func (s *Store) LatestReplyAtOnPost(postID string) (*time.Time, error) {
	var at time.Time
	err := s.db.QueryRow(
		`SELECT completed_at FROM tasks
		 WHERE task_type = 'reply' AND status = 'DONE'
		   AND json_extract(payload, '$.postId') = ?
		 ORDER BY completed_at DESC LIMIT 1`,
		postID,
	).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest reply on post: %w", err)
	}
	return &at, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskFrom(r rowScanner) (*Task, error) {
	var t Task
	var taskType, status, payload string
	var startedAt, completedAt, leaseUntil sql.NullTime
	err := r.Scan(
		&t.ID, &t.PersonaID, &taskType, &payload, &status, &t.ScheduledAt,
		&t.CreatedAt, &startedAt, &completedAt, &t.RetryCount, &t.MaxRetries,
		&t.ResultID, &t.ResultType, &t.ErrorMessage, &t.LeaseOwner, &leaseUntil,
	)
	if err != nil {
		return nil, err
	}
	t.TaskType = TaskType(taskType)
	t.Status = TaskStatus(status)
	if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if leaseUntil.Valid {
		t.LeaseUntil = &leaseUntil.Time
	}
	return &t, nil
}

func scanTask(row *sql.Row) (*Task, error) {
	t, err := scanTaskFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

func scanTaskRows(rows *sql.Rows) (*Task, error) {
	t, err := scanTaskFrom(rows)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}
