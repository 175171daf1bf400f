package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LookupIdempotency returns the result recorded for (scope, key), with
// ok=false when no write has happened for the key yet.
func (s *Store) LookupIdempotency(ctx context.Context, scope, key string) (resultID string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT result_id FROM idempotency WHERE scope = ? AND key = ?`, scope, key,
	).Scan(&resultID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup idempotency: %w", err)
	}
	return resultID, true, nil
}

// SaveIdempotency records resultID for (scope, key) as a single
// check-or-create operation: the first writer wins and later callers get the
// stored result back with created=false.
func (s *Store) SaveIdempotency(ctx context.Context, scope, key, resultID, resultType string, now time.Time) (stored string, created bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency (scope, key, result_id, result_type, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(scope, key) DO NOTHING`,
		scope, key, resultID, resultType, now.UTC(),
	)
	if err != nil {
		return "", false, fmt.Errorf("save idempotency: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return resultID, true, nil
	}
	existing, ok, err := s.LookupIdempotency(ctx, scope, key)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, fmt.Errorf("idempotency row for %s/%s vanished", scope, key)
	}
	return existing, false, nil
}

// WriteFunc produces the durable artifact for a task. It is invoked at most
// once per idempotency key.
type WriteFunc func(ctx context.Context) (resultID, resultType string, err error)

// CompleteWithIdempotency is the atomic write path: in one transaction it
// checks the idempotency record for (scope, key), invokes write only when no
// prior result exists, records the result under the key, and completes the
// task. Concurrent duplicates serialize on the idempotency primary key, so
// write runs at most once per key.
func (s *Store) CompleteWithIdempotency(ctx context.Context, taskID, scope, key string, write WriteFunc, now time.Time) (resultID string, reused bool, err error) {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin write: %w", err)
	}
	defer tx.Rollback()

	var resultType string
	err = tx.QueryRowContext(ctx,
		`SELECT result_id, result_type FROM idempotency WHERE scope = ? AND key = ?`, scope, key,
	).Scan(&resultID, &resultType)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		resultID, resultType, err = write(ctx)
		if err != nil {
			return "", false, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO idempotency (scope, key, result_id, result_type, created_at) VALUES (?, ?, ?, ?, ?)`,
			scope, key, resultID, resultType, now,
		); err != nil {
			return "", false, fmt.Errorf("record idempotency: %w", err)
		}
	case err != nil:
		return "", false, fmt.Errorf("check idempotency: %w", err)
	default:
		reused = true
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks
		 SET status = 'DONE', result_id = ?, result_type = ?, completed_at = ?,
		     error_message = '', lease_owner = '', lease_until = NULL
		 WHERE id = ? AND status = 'RUNNING'`,
		resultID, resultType, now, taskID,
	)
	if err != nil {
		return "", false, fmt.Errorf("complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return "", false, fmt.Errorf("complete task %s: %w", taskID, ErrStaleTask)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit write: %w", err)
	}
	return resultID, reused, nil
}
