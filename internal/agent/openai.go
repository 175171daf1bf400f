package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/warrenhq/warren/internal/safety"
	"github.com/warrenhq/warren/internal/store"
)

// OpenAIGenerator is the production Generator: one chat completion per
// task, persona system prompt, payload-supplied context.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIGenerator reads the API key from the named environment variable
// (and falls back to OPENAI_MODEL for the model). The key never lives in a
// config file.
func NewOpenAIGenerator(model, apiKeyEnv string, logger *slog.Logger) (*OpenAIGenerator, error) {
	if apiKeyEnv == "" {
		apiKeyEnv = "OPENAI_API_KEY"
	}
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%s environment variable not set", apiKeyEnv)
	}
	if model == "" {
		model = os.Getenv("OPENAI_MODEL")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIGenerator{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger,
	}, nil
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, task *store.Task) (*Generation, error) {
	system := fmt.Sprintf(
		"You are persona %s on a discussion forum. Reply in their voice, briefly and on-topic.",
		task.PersonaID,
	)

	var user strings.Builder
	if mem := task.Payload[store.PayloadMemoryPrompt]; mem != "" {
		user.WriteString(mem)
		user.WriteString("\n\n")
	}
	source := task.Payload[store.PayloadSourceText]
	if source == "" {
		return &Generation{SkipReason: "missingSourceText"}, nil
	}
	user.WriteString("Write a reply to:\n")
	user.WriteString(source)

	g.logger.Debug("generating reply", "task_id", task.ID, "model", g.model)
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user.String()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	return &Generation{
		Text: resp.Choices[0].Message.Content,
		SafetyContext: map[string]string{
			safety.ContextPersonaID: task.PersonaID,
		},
	}, nil
}
