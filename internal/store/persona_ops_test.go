package store

import (
	"testing"
	"time"
)

func TestSavePersona_Upsert(t *testing.T) {
	s := testStore(t)

	p := &Persona{ID: "p1", Name: "Willow", Bio: "gardener", Interests: "plants"}
	if err := s.SavePersona(p); err != nil {
		t.Fatalf("SavePersona: %v", err)
	}

	p.Bio = "night gardener"
	if err := s.SavePersona(p); err != nil {
		t.Fatalf("upsert SavePersona: %v", err)
	}

	got, err := s.GetPersona("p1")
	if err != nil {
		t.Fatalf("GetPersona: %v", err)
	}
	if got == nil || got.Bio != "night gardener" {
		t.Fatalf("expected updated bio, got %+v", got)
	}
}

func TestGetPersona_Unknown(t *testing.T) {
	s := testStore(t)

	got, err := s.GetPersona("nope")
	if err != nil {
		t.Fatalf("GetPersona: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown persona, got %+v", got)
	}
}

func TestSafetyEvents(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	sim := 0.95
	s.AppendSafetyEvent("dispatch", "p1", "nearDuplicateReply", &sim, now)
	s.AppendSafetyEvent("execution", "p1", "blockedTerm", nil, now)
	s.AppendSafetyEvent("execution", "p2", "lowConfidence", nil, now)

	n, err := s.CountSafetyEvents("execution")
	if err != nil {
		t.Fatalf("CountSafetyEvents: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 execution events, got %d", n)
	}
	n, err = s.CountSafetyEvents("dispatch")
	if err != nil {
		t.Fatalf("CountSafetyEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 dispatch event, got %d", n)
	}
}
