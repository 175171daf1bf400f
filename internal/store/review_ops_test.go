package store

import (
	"errors"
	"testing"
	"time"
)

// inReviewTask creates a task and walks it to IN_REVIEW.
func inReviewTask(t *testing.T, s *Store, key string, now time.Time) *Task {
	t.Helper()
	task := replyTask("p1", key)
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, _, err := s.ClaimNextTask("w1", now, time.Minute); err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if err := s.MarkTaskInReview(task.ID, "lowConfidence", now); err != nil {
		t.Fatalf("MarkTaskInReview: %v", err)
	}
	return task
}

func reviewItemFor(taskID string, now time.Time) *ReviewItem {
	return &ReviewItem{
		TaskID:            taskID,
		PersonaID:         "p1",
		RiskLevel:         RiskGray,
		EnqueueReasonCode: "lowConfidence",
		ExpiresAt:         now.Add(72 * time.Hour),
		Metadata:          map[string]string{ReviewMetaGeneratedText: "draft text"},
		CreatedAt:         now,
	}
}

func TestCreateReviewItem(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	task := inReviewTask(t, s, "k1", now)

	item := reviewItemFor(task.ID, now)
	if err := s.CreateReviewItem(item); err != nil {
		t.Fatalf("CreateReviewItem: %v", err)
	}
	if item.ID == "" {
		t.Error("expected generated ID")
	}

	got, err := s.GetReviewItem(item.ID)
	if err != nil {
		t.Fatalf("GetReviewItem: %v", err)
	}
	if got.Status != ReviewPending {
		t.Errorf("expected PENDING, got %s", got.Status)
	}
	if got.Metadata[ReviewMetaGeneratedText] != "draft text" {
		t.Errorf("expected metadata preserved, got %v", got.Metadata)
	}

	events, err := s.ListReviewEvents(item.ID)
	if err != nil {
		t.Fatalf("ListReviewEvents: %v", err)
	}
	if len(events) != 1 || events[0].Type != ReviewEventEnqueued {
		t.Fatalf("expected one ENQUEUED event, got %v", events)
	}
}

func TestCreateReviewItem_SecondOpenItemRejected(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	task := inReviewTask(t, s, "k1", now)

	if err := s.CreateReviewItem(reviewItemFor(task.ID, now)); err != nil {
		t.Fatalf("first CreateReviewItem: %v", err)
	}
	if err := s.CreateReviewItem(reviewItemFor(task.ID, now)); err == nil {
		t.Fatal("expected unique index violation for second open item")
	}
}

func TestCreateReviewItem_AllowedAfterDecision(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	task := inReviewTask(t, s, "k1", now)

	first := reviewItemFor(task.ID, now)
	if err := s.CreateReviewItem(first); err != nil {
		t.Fatalf("CreateReviewItem: %v", err)
	}
	if err := s.DecideReview(first.ID, ReviewApproved, "alice", "approved", "", now); err != nil {
		t.Fatalf("DecideReview: %v", err)
	}

	// Approved task runs again, gets blocked again: a new item must fit.
	if _, _, err := s.ClaimNextTask("w1", now.Add(time.Second), time.Minute); err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if err := s.MarkTaskInReview(task.ID, "lowConfidence", now.Add(time.Second)); err != nil {
		t.Fatalf("MarkTaskInReview: %v", err)
	}
	if err := s.CreateReviewItem(reviewItemFor(task.ID, now.Add(time.Second))); err != nil {
		t.Fatalf("expected new item after decision, got: %v", err)
	}
}

func TestClaimReviewItem(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	task := inReviewTask(t, s, "k1", now)
	item := reviewItemFor(task.ID, now)
	if err := s.CreateReviewItem(item); err != nil {
		t.Fatalf("CreateReviewItem: %v", err)
	}

	claimed, err := s.ClaimReviewItem(item.ID, "alice", now)
	if err != nil {
		t.Fatalf("ClaimReviewItem: %v", err)
	}
	if claimed == nil || claimed.Status != ReviewInReview || claimed.ReviewerID != "alice" {
		t.Fatalf("expected alice's IN_REVIEW claim, got %+v", claimed)
	}

	// Same reviewer again: idempotent success.
	again, err := s.ClaimReviewItem(item.ID, "alice", now)
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if again == nil || again.ReviewerID != "alice" {
		t.Fatalf("expected idempotent re-claim, got %+v", again)
	}

	// Different reviewer: refused without error.
	other, err := s.ClaimReviewItem(item.ID, "bob", now)
	if err != nil {
		t.Fatalf("other claim: %v", err)
	}
	if other != nil {
		t.Fatalf("expected nil for competing reviewer, got %+v", other)
	}
}

func TestClaimReviewItem_Missing(t *testing.T) {
	s := testStore(t)

	claimed, err := s.ClaimReviewItem("nope", "alice", time.Now().UTC())
	if err != nil {
		t.Fatalf("ClaimReviewItem: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected nil for unknown item, got %+v", claimed)
	}
}

func TestDecideReview_Approve(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	task := inReviewTask(t, s, "k1", now)
	item := reviewItemFor(task.ID, now)
	if err := s.CreateReviewItem(item); err != nil {
		t.Fatalf("CreateReviewItem: %v", err)
	}

	if err := s.DecideReview(item.ID, ReviewApproved, "alice", "approved", "looks fine", now); err != nil {
		t.Fatalf("DecideReview: %v", err)
	}

	gotItem, _ := s.GetReviewItem(item.ID)
	if gotItem.Status != ReviewApproved {
		t.Errorf("expected APPROVED, got %s", gotItem.Status)
	}
	if gotItem.ReviewerID != "alice" || gotItem.Note != "looks fine" {
		t.Errorf("expected decision fields recorded, got %+v", gotItem)
	}

	gotTask, _ := s.GetTask(task.ID)
	if gotTask.Status != StatusPending {
		t.Errorf("expected task requeued to PENDING, got %s", gotTask.Status)
	}
	if gotTask.ErrorMessage != "" {
		t.Errorf("expected error message cleared, got %q", gotTask.ErrorMessage)
	}
	if gotTask.StartedAt != nil || gotTask.LeaseOwner != "" {
		t.Error("expected run fields cleared for fresh retry")
	}

	events, _ := s.ListTaskEvents(task.ID)
	last := events[len(events)-1]
	if last.FromStatus != StatusInReview || last.ToStatus != StatusPending {
		t.Errorf("expected IN_REVIEW -> PENDING audit event, got %+v", last)
	}
}

func TestDecideReview_Reject(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	task := inReviewTask(t, s, "k1", now)
	item := reviewItemFor(task.ID, now)
	if err := s.CreateReviewItem(item); err != nil {
		t.Fatalf("CreateReviewItem: %v", err)
	}

	if err := s.DecideReview(item.ID, ReviewRejected, "alice", "reviewRejected", "", now); err != nil {
		t.Fatalf("DecideReview: %v", err)
	}

	gotTask, _ := s.GetTask(task.ID)
	if gotTask.Status != StatusSkipped {
		t.Errorf("expected task SKIPPED, got %s", gotTask.Status)
	}
	if gotTask.ErrorMessage != "reviewRejected" {
		t.Errorf("expected reason code on task, got %q", gotTask.ErrorMessage)
	}
}

func TestDecideReview_TwiceConflicts(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	task := inReviewTask(t, s, "k1", now)
	item := reviewItemFor(task.ID, now)
	if err := s.CreateReviewItem(item); err != nil {
		t.Fatalf("CreateReviewItem: %v", err)
	}

	if err := s.DecideReview(item.ID, ReviewApproved, "alice", "approved", "", now); err != nil {
		t.Fatalf("first DecideReview: %v", err)
	}
	err := s.DecideReview(item.ID, ReviewRejected, "bob", "reviewRejected", "", now)
	if !errors.Is(err, ErrReviewConflict) {
		t.Fatalf("expected ErrReviewConflict, got %v", err)
	}
}

func TestDecideReview_TaskNoLongerInReview(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	// Item enqueued while the task is still RUNNING, then the run finishes
	// before the reviewer decides. The decision must not commit against a
	// DONE task.
	task := replyTask("p1", "k1")
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, _, err := s.ClaimNextTask("w1", now, time.Minute); err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	item := reviewItemFor(task.ID, now)
	if err := s.CreateReviewItem(item); err != nil {
		t.Fatalf("CreateReviewItem: %v", err)
	}
	if err := s.CompleteTask(task.ID, "r1", "reply", now); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	err := s.DecideReview(item.ID, ReviewRejected, "alice", "reviewRejected", "", now)
	if !errors.Is(err, ErrReviewConflict) {
		t.Fatalf("expected ErrReviewConflict, got %v", err)
	}

	// The whole transaction rolled back: item still open, task untouched.
	gotItem, _ := s.GetReviewItem(item.ID)
	if gotItem.Status != ReviewPending {
		t.Errorf("expected item still PENDING, got %s", gotItem.Status)
	}
	gotTask, _ := s.GetTask(task.ID)
	if gotTask.Status != StatusDone {
		t.Errorf("expected task still DONE, got %s", gotTask.Status)
	}
	events, _ := s.ListReviewEvents(item.ID)
	if len(events) != 1 {
		t.Errorf("expected only the ENQUEUED event, got %v", events)
	}
}

func TestDecideReview_InvalidDecision(t *testing.T) {
	s := testStore(t)

	err := s.DecideReview("x", ReviewExpired, "alice", "", "", time.Now().UTC())
	if err == nil {
		t.Fatal("expected error for invalid decision status")
	}
}

func TestExpireReviewItem(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	task := inReviewTask(t, s, "k1", now)
	item := reviewItemFor(task.ID, now)
	item.ExpiresAt = now.Add(time.Hour)
	if err := s.CreateReviewItem(item); err != nil {
		t.Fatalf("CreateReviewItem: %v", err)
	}

	// Not due yet.
	expired, err := s.ExpireReviewItem(item.ID, "reviewExpired", now)
	if err != nil {
		t.Fatalf("ExpireReviewItem: %v", err)
	}
	if expired {
		t.Fatal("expected no-op before TTL elapses")
	}

	expired, err = s.ExpireReviewItem(item.ID, "reviewExpired", now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ExpireReviewItem: %v", err)
	}
	if !expired {
		t.Fatal("expected expiry after TTL")
	}

	gotItem, _ := s.GetReviewItem(item.ID)
	if gotItem.Status != ReviewExpired {
		t.Errorf("expected EXPIRED, got %s", gotItem.Status)
	}
	gotTask, _ := s.GetTask(task.ID)
	if gotTask.Status != StatusSkipped {
		t.Errorf("expected task SKIPPED, got %s", gotTask.Status)
	}
	if gotTask.ErrorMessage != "reviewExpired" {
		t.Errorf("expected reviewExpired reason, got %q", gotTask.ErrorMessage)
	}

	// Repeat sweep is a no-op.
	expired, err = s.ExpireReviewItem(item.ID, "reviewExpired", now.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("repeat ExpireReviewItem: %v", err)
	}
	if expired {
		t.Fatal("expected repeat expiry to be a no-op")
	}
}

func TestExpireReviewItem_DecidedItemNotExpired(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	task := inReviewTask(t, s, "k1", now)
	item := reviewItemFor(task.ID, now)
	item.ExpiresAt = now.Add(-time.Hour)
	if err := s.CreateReviewItem(item); err != nil {
		t.Fatalf("CreateReviewItem: %v", err)
	}
	if err := s.DecideReview(item.ID, ReviewRejected, "alice", "reviewRejected", "", now); err != nil {
		t.Fatalf("DecideReview: %v", err)
	}

	expired, err := s.ExpireReviewItem(item.ID, "reviewExpired", now)
	if err != nil {
		t.Fatalf("ExpireReviewItem: %v", err)
	}
	if expired {
		t.Fatal("decided items must not expire")
	}
}

func TestExpireReviewItem_TaskNoLongerInReview(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	task := replyTask("p1", "k1")
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, _, err := s.ClaimNextTask("w1", now, time.Minute); err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	item := reviewItemFor(task.ID, now)
	item.ExpiresAt = now.Add(-time.Minute)
	if err := s.CreateReviewItem(item); err != nil {
		t.Fatalf("CreateReviewItem: %v", err)
	}
	if err := s.CompleteTask(task.ID, "r1", "reply", now); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	// The stale item still expires so sweeps converge, but a finished task
	// must not be force-skipped or gain a fabricated transition.
	expired, err := s.ExpireReviewItem(item.ID, "reviewExpired", now)
	if err != nil {
		t.Fatalf("ExpireReviewItem: %v", err)
	}
	if !expired {
		t.Fatal("expected stale item to expire")
	}

	gotItem, _ := s.GetReviewItem(item.ID)
	if gotItem.Status != ReviewExpired {
		t.Errorf("expected item EXPIRED, got %s", gotItem.Status)
	}
	gotTask, _ := s.GetTask(task.ID)
	if gotTask.Status != StatusDone {
		t.Errorf("expected task untouched, got %s", gotTask.Status)
	}
	events, _ := s.ListTaskEvents(task.ID)
	for _, ev := range events {
		if ev.FromStatus == StatusInReview {
			t.Errorf("unexpected IN_REVIEW audit event: %+v", ev)
		}
	}
}

func TestListDueReviewItems(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	due := inReviewTask(t, s, "k1", now)
	dueItem := reviewItemFor(due.ID, now)
	dueItem.ExpiresAt = now.Add(-time.Minute)
	if err := s.CreateReviewItem(dueItem); err != nil {
		t.Fatalf("CreateReviewItem: %v", err)
	}

	fresh := inReviewTask(t, s, "k2", now)
	freshItem := reviewItemFor(fresh.ID, now)
	if err := s.CreateReviewItem(freshItem); err != nil {
		t.Fatalf("CreateReviewItem: %v", err)
	}

	ids, err := s.ListDueReviewItems(now)
	if err != nil {
		t.Fatalf("ListDueReviewItems: %v", err)
	}
	if len(ids) != 1 || ids[0] != dueItem.ID {
		t.Fatalf("expected only the due item, got %v", ids)
	}
}

func TestGetOpenReviewItemByTask(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	task := inReviewTask(t, s, "k1", now)

	open, err := s.GetOpenReviewItemByTask(task.ID)
	if err != nil {
		t.Fatalf("GetOpenReviewItemByTask: %v", err)
	}
	if open != nil {
		t.Fatalf("expected nil before enqueue, got %+v", open)
	}

	item := reviewItemFor(task.ID, now)
	if err := s.CreateReviewItem(item); err != nil {
		t.Fatalf("CreateReviewItem: %v", err)
	}

	open, err = s.GetOpenReviewItemByTask(task.ID)
	if err != nil {
		t.Fatalf("GetOpenReviewItemByTask: %v", err)
	}
	if open == nil || open.ID != item.ID {
		t.Fatalf("expected the open item, got %+v", open)
	}
}
