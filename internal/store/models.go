package store

import "time"

// TaskStatus represents the current state of a queue task.
type TaskStatus string

const (
	StatusPending  TaskStatus = "PENDING"
	StatusRunning  TaskStatus = "RUNNING"
	StatusDone     TaskStatus = "DONE"
	StatusFailed   TaskStatus = "FAILED"
	StatusSkipped  TaskStatus = "SKIPPED"
	StatusInReview TaskStatus = "IN_REVIEW"
)

// Terminal reports whether a task in this status will never run again.
// IN_REVIEW is quasi-terminal: only the review queue may resolve it.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusSkipped
}

// TaskType identifies the kind of agent work a task represents.
type TaskType string

const (
	TaskReply TaskType = "reply"
	TaskVote  TaskType = "vote"
	TaskPost  TaskType = "post"
)

// Well-known payload keys. Write-producing task types must carry
// PayloadIdempotencyKey; the rest are per-type context.
const (
	PayloadIdempotencyKey  = "idempotencyKey"
	PayloadPostID          = "postId"
	PayloadParentCommentID = "parentCommentId"
	PayloadBoardID         = "boardId"
	PayloadIntentID        = "intentId"
	PayloadSourceText      = "sourceText"
	PayloadMemoryPrompt    = "memoryPrompt"
)

// Payload is the open key/value map attached to a task. Required keys are
// validated at the point of use, not at creation.
type Payload map[string]string

// Task is one unit of persona agent work. A task is claimed by exactly one
// worker at a time via a lease; an expired lease is eligible for reclaim.
type Task struct {
	ID           string     `json:"id"`
	PersonaID    string     `json:"persona_id"`
	TaskType     TaskType   `json:"task_type"`
	Payload      Payload    `json:"payload"`
	Status       TaskStatus `json:"status"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	ResultID     string     `json:"result_id,omitempty"`
	ResultType   string     `json:"result_type,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	LeaseOwner   string     `json:"lease_owner,omitempty"`
	LeaseUntil   *time.Time `json:"lease_until,omitempty"`
}

// IdempotencyKey returns the task's idempotency key, or "" when absent.
func (t *Task) IdempotencyKey() string {
	if t.Payload == nil {
		return ""
	}
	return t.Payload[PayloadIdempotencyKey]
}

// IdempotencyRecord maps (scope, key) to the result produced by the first
// successful write for that key. Later callers reuse ResultID.
type IdempotencyRecord struct {
	Scope     string    `json:"scope"`
	Key       string    `json:"key"`
	ResultID  string    `json:"result_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ReviewStatus is the state of a human-escalation item.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "PENDING"
	ReviewInReview ReviewStatus = "IN_REVIEW"
	ReviewApproved ReviewStatus = "APPROVED"
	ReviewRejected ReviewStatus = "REJECTED"
	ReviewExpired  ReviewStatus = "EXPIRED"
)

// Risk levels attached to review items by the safety gate.
const (
	RiskHigh    = "HIGH"
	RiskGray    = "GRAY"
	RiskUnknown = "UNKNOWN"
)

// Well-known review metadata keys. Metadata carries the generated text and
// the safety signal so a reviewer never has to re-read the task.
const (
	ReviewMetaGeneratedText = "generatedText"
	ReviewMetaReasonCode    = "safetyReasonCode"
	ReviewMetaRiskLevel     = "safetyRiskLevel"
	ReviewMetaSimilarity    = "safetySimilarity"
)

// ReviewItem is one pending human decision about a gate-blocked task.
// At most one non-expired item exists per task.
type ReviewItem struct {
	ID                 string            `json:"id"`
	TaskID             string            `json:"task_id"`
	PersonaID          string            `json:"persona_id"`
	RiskLevel          string            `json:"risk_level"`
	Status             ReviewStatus      `json:"status"`
	EnqueueReasonCode  string            `json:"enqueue_reason_code"`
	Decision           string            `json:"decision,omitempty"`
	DecisionReasonCode string            `json:"decision_reason_code,omitempty"`
	ReviewerID         string            `json:"reviewer_id,omitempty"`
	Note               string            `json:"note,omitempty"`
	ExpiresAt          time.Time         `json:"expires_at"`
	ClaimedAt          *time.Time        `json:"claimed_at,omitempty"`
	DecidedAt          *time.Time        `json:"decided_at,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// ReviewEventType enumerates the review audit event kinds.
type ReviewEventType string

const (
	ReviewEventEnqueued ReviewEventType = "ENQUEUED"
	ReviewEventClaimed  ReviewEventType = "CLAIMED"
	ReviewEventApproved ReviewEventType = "APPROVED"
	ReviewEventRejected ReviewEventType = "REJECTED"
	ReviewEventExpired  ReviewEventType = "EXPIRED"
)

// ReviewEvent is an append-only record of a review state change, carrying
// enough context to reconstruct "why" without re-reading the task.
type ReviewEvent struct {
	ID            int64           `json:"id"`
	ItemID        string          `json:"item_id"`
	TaskID        string          `json:"task_id"`
	Type          ReviewEventType `json:"event_type"`
	ReasonCode    string          `json:"reason_code,omitempty"`
	RiskLevel     string          `json:"risk_level,omitempty"`
	ReviewerID    string          `json:"reviewer_id,omitempty"`
	GeneratedText string          `json:"generated_text,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// TransitionEvent is the append-only audit record for a task status change.
// This is the sole audit trail for the task queue.
type TransitionEvent struct {
	ID         int64      `json:"id"`
	TaskID     string     `json:"task_id"`
	PersonaID  string     `json:"persona_id"`
	TaskType   TaskType   `json:"task_type"`
	FromStatus TaskStatus `json:"from_status"`
	ToStatus   TaskStatus `json:"to_status"`
	ReasonCode string     `json:"reason_code,omitempty"`
	WorkerID   string     `json:"worker_id,omitempty"`
	RetryCount int        `json:"retry_count"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// PolicyRelease is an immutable versioned policy snapshot. At most one
// release is active at a time; publishing never mutates history.
type PolicyRelease struct {
	Version    int64     `json:"version"`
	IsActive   bool      `json:"is_active"`
	Policy     []byte    `json:"policy"`
	CreatedBy  string    `json:"created_by"`
	ChangeNote string    `json:"change_note"`
	CreatedAt  time.Time `json:"created_at"`
}

// Persona is the profile the memory-context builder reads for long-term
// context. Kept minimal: the core never renders personas.
type Persona struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Bio       string    `json:"bio,omitempty"`
	Interests string    `json:"interests,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
