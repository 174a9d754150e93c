// Package narrator talks to the game-master text model through an
// OpenAI-compatible chat completions endpoint (Ollama serves one under /v1).
package narrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/DoyleJ11/dungeon-table/internal/apperr"
)

var ErrUnavailable = fmt.Errorf("%w: narrator", apperr.ErrServiceUnavailable)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior exchange fed back to the model as context.
type Turn struct {
	Role    Role
	Content string
}

type Client struct {
	api   openai.Client
	model string
}

// New points the client at baseURL, which is the server root (for example
// http://localhost:11434); the /v1 suffix is added when missing.
func New(baseURL, model, apiKey string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	api := openai.NewClient(
		option.WithBaseURL(base+"/"),
		option.WithAPIKey(apiKey),
		// The caller bounds the whole call with its own deadline.
		option.WithMaxRetries(0),
	)
	return &Client{api: api, model: model}
}

// Generate sends system, history and prompt as one chat and returns the reply.
// Every failure, including ctx expiry, is reported as ErrUnavailable.
func (c *Client) Generate(ctx context.Context, prompt, system string, history []Turn) (string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	for _, t := range history {
		if t.Role == RoleAssistant {
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		} else {
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}
	msgs = append(msgs, openai.UserMessage(prompt))

	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	return text, nil
}

// Ping checks that the endpoint answers. Used at startup for a warning only.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.Models.List(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}
