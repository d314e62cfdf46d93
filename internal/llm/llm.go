package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/comigor/leadbot/internal/config"
	"github.com/sashabaranov/go-openai"
)

// ErrEmptyCompletion is returned when the model answers with no usable text.
var ErrEmptyCompletion = errors.New("completion returned no content")

// NewClient creates a new OpenAI client
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(config)
}

// Completer turns a prepared message list into a single reply text.
type Completer struct {
	client Client
	model  string
}

// NewCompleter binds a client to a chat model.
func NewCompleter(client Client, model string) *Completer {
	return &Completer{client: client, model: model}
}

// Complete runs one chat completion and returns the first choice's content.
func (c *Completer) Complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyCompletion
	}
	return content, nil
}
