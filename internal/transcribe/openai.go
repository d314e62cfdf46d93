package transcribe

import (
	"context"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/leadbot/internal/llm"
)

// OpenAITranscriber calls the audio transcription endpoint (Whisper).
type OpenAITranscriber struct {
	client   llm.Client
	model    string
	language string
}

// NewOpenAITranscriber creates a transcriber; language is an ISO-639-1 hint and may be empty.
func NewOpenAITranscriber(client llm.Client, model, language string) *OpenAITranscriber {
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAITranscriber{client: client, model: model, language: language}
}

// Transcribe uploads the file at audioPath and returns its text.
func (t *OpenAITranscriber) Transcribe(ctx context.Context, audioPath string) (Result, error) {
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: audioPath,
		Language: t.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return Result{}, err
	}
	text := strings.TrimSpace(resp.Text)
	return Result{Success: text != "", Text: text}, nil
}
