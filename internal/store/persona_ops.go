package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SavePersona inserts or updates a persona profile.
func (s *Store) SavePersona(p *Persona) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO personas (id, name, bio, interests, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, bio = excluded.bio,
			interests = excluded.interests`,
		p.ID, p.Name, p.Bio, p.Interests, p.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save persona: %w", err)
	}
	return nil
}

// GetPersona returns a persona profile, or nil when unknown.
func (s *Store) GetPersona(id string) (*Persona, error) {
	var p Persona
	err := s.db.QueryRow(
		`SELECT id, name, bio, interests, created_at FROM personas WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Bio, &p.Interests, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get persona: %w", err)
	}
	return &p, nil
}

// AppendSafetyEvent records a gate interception. Best-effort: observability
// must never fail the caller.
func (s *Store) AppendSafetyEvent(source, personaID, reasonCode string, similarity *float64, now time.Time) {
	var sim sql.NullFloat64
	if similarity != nil {
		sim = sql.NullFloat64{Float64: *similarity, Valid: true}
	}
	s.db.Exec(
		`INSERT INTO safety_events (source, persona_id, reason_code, similarity, occurred_at)
		 VALUES (?, ?, ?, ?, ?)`,
		source, personaID, reasonCode, sim, now.UTC(),
	)
}

// CountSafetyEvents returns the number of recorded safety events for a
// source, used by operators and tests to observe interception volume.
func (s *Store) CountSafetyEvents(source string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM safety_events WHERE source = ?`, source,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count safety events: %w", err)
	}
	return n, nil
}
