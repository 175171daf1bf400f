package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const policyColumns = `version, is_active, policy, created_by, change_note, created_at`

// PublishPolicy deactivates the current active release (if any) and inserts
// a new active release in one transaction. Versions are monotonic and
// history is never mutated.
func (s *Store) PublishPolicy(policy []byte, createdBy, changeNote string, now time.Time) (*PolicyRelease, error) {
	now = now.UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin publish policy: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE policy_releases SET is_active = 0 WHERE is_active = 1`); err != nil {
		return nil, fmt.Errorf("deactivate policy: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO policy_releases (is_active, policy, created_by, change_note, created_at)
		 VALUES (1, ?, ?, ?, ?)`,
		string(policy), createdBy, changeNote, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert policy release: %w", err)
	}
	version, _ := res.LastInsertId()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit publish policy: %w", err)
	}

	return &PolicyRelease{
		Version:    version,
		IsActive:   true,
		Policy:     policy,
		CreatedBy:  createdBy,
		ChangeNote: changeNote,
		CreatedAt:  now,
	}, nil
}

// FetchLatestActive returns the single active release, or nil when none has
// been published yet.
func (s *Store) FetchLatestActive() (*PolicyRelease, error) {
	row := s.db.QueryRow(
		`SELECT ` + policyColumns + ` FROM policy_releases WHERE is_active = 1
		 ORDER BY version DESC LIMIT 1`,
	)
	release, err := scanPolicyRelease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return release, err
}

// GetPolicyRelease returns a historical release by version.
func (s *Store) GetPolicyRelease(version int64) (*PolicyRelease, error) {
	row := s.db.QueryRow(
		`SELECT `+policyColumns+` FROM policy_releases WHERE version = ?`, version,
	)
	return scanPolicyRelease(row)
}

// ListPolicyReleases returns releases newest first.
func (s *Store) ListPolicyReleases(limit int) ([]PolicyRelease, error) {
	query := `SELECT ` + policyColumns + ` FROM policy_releases ORDER BY version DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list policy releases: %w", err)
	}
	defer rows.Close()

	var releases []PolicyRelease
	for rows.Next() {
		var r PolicyRelease
		var active int
		var policy string
		if err := rows.Scan(&r.Version, &active, &policy, &r.CreatedBy, &r.ChangeNote, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan policy release: %w", err)
		}
		r.IsActive = active == 1
		r.Policy = []byte(policy)
		releases = append(releases, r)
	}
	return releases, rows.Err()
}

// RollbackPolicy republishes a historical policy body as a new active
// release. The historical row is untouched.
func (s *Store) RollbackPolicy(version int64, createdBy string, now time.Time) (*PolicyRelease, error) {
	old, err := s.GetPolicyRelease(version)
	if err != nil {
		return nil, fmt.Errorf("rollback to v%d: %w", version, err)
	}
	note := fmt.Sprintf("rollback to v%d", version)
	return s.PublishPolicy(old.Policy, createdBy, note, now)
}

func scanPolicyRelease(row *sql.Row) (*PolicyRelease, error) {
	var r PolicyRelease
	var active int
	var policy string
	err := row.Scan(&r.Version, &active, &policy, &r.CreatedBy, &r.ChangeNote, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan policy release: %w", err)
	}
	r.IsActive = active == 1
	r.Policy = []byte(policy)
	return &r, nil
}
