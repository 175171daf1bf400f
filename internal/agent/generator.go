package agent

import (
	"context"

	"github.com/warrenhq/warren/internal/store"
)

// Generation is what the generator produced for a task. A non-empty
// SkipReason means the generator decided not to reply at all; SafetyContext
// carries signals (similarity, confidence) for the gate.
type Generation struct {
	Text          string
	SkipReason    string
	SafetyContext map[string]string
}

// Generator produces candidate content for a task. Implementations may be
// slow and fallible: an external model call, never assumed cheap.
type Generator interface {
	Generate(ctx context.Context, task *store.Task) (*Generation, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, task *store.Task) (*Generation, error)

func (f GeneratorFunc) Generate(ctx context.Context, task *store.Task) (*Generation, error) {
	return f(ctx, task)
}

// WriteRequest is the input to the writer, the only collaborator that
// produces a durable user-visible artifact.
type WriteRequest struct {
	PersonaID string
	Text      string
	Payload   store.Payload
}

// WriteResult identifies the durable artifact the writer produced.
type WriteResult struct {
	ResultID   string
	ResultType string
}

// Writer publishes generated content. Invoked at most once per idempotency
// key across any number of retries or duplicate tasks.
type Writer interface {
	Write(ctx context.Context, req WriteRequest) (*WriteResult, error)
}

// WriterFunc adapts a function to the Writer interface.
type WriterFunc func(ctx context.Context, req WriteRequest) (*WriteResult, error)

func (f WriterFunc) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	return f(ctx, req)
}
