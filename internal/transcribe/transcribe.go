// Package transcribe turns voice messages into text through a speech-to-text
// collaborator, staging each payload in a short-lived file.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/leadbot/internal/logger"
)

var (
	// ErrAudioTooLarge is returned when the payload exceeds the size limit.
	ErrAudioTooLarge = errors.New("audio payload exceeds size limit")
	// ErrTranscriptionFailed is returned when the collaborator produced no text.
	ErrTranscriptionFailed = errors.New("transcription failed")
)

// DefaultMaxBytes is the largest payload accepted for transcription.
const DefaultMaxBytes int64 = 25 * 1024 * 1024

// Result is the outcome of a speech-to-text call.
type Result struct {
	Success bool
	Text    string
}

// Transcriber converts an audio file on disk into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (Result, error)
}

// FetchFunc downloads the raw audio payload. Implementations should stop
// reading once more than limit bytes have been received.
type FetchFunc func(ctx context.Context, limit int64) ([]byte, error)

// Pipeline validates, stages, transcribes and cleans up one voice message at a time.
type Pipeline struct {
	transcriber Transcriber
	dir         string
	maxBytes    int64
	now         func() time.Time
	log         *slog.Logger
}

// NewPipeline prepares the scoped artifact directory under baseDir.
func NewPipeline(t Transcriber, baseDir string, maxBytes int64) (*Pipeline, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	dir := filepath.Join(baseDir, "leadbot-audio")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audio temp dir: %w", err)
	}
	return &Pipeline{
		transcriber: t,
		dir:         dir,
		maxBytes:    maxBytes,
		now:         time.Now,
		log:         logger.With("transcribe"),
	}, nil
}

// Dir returns the directory where artifacts are staged.
func (p *Pipeline) Dir() string { return p.dir }

// MaxBytes returns the payload limit.
func (p *Pipeline) MaxBytes() int64 { return p.maxBytes }

// Run fetches the payload, rejects it when oversize without calling the
// transcriber, and otherwise transcribes a uniquely named artifact that is
// removed on every exit path. ext is the file extension, e.g. ".ogg".
func (p *Pipeline) Run(ctx context.Context, fetch FetchFunc, ext string) (string, error) {
	data, err := fetch(ctx, p.maxBytes)
	if err != nil {
		return "", fmt.Errorf("fetch audio: %w", err)
	}
	if int64(len(data)) > p.maxBytes {
		return "", fmt.Errorf("%w: %d bytes, max %d", ErrAudioTooLarge, len(data), p.maxBytes)
	}

	path := p.artifactPath(ext)
	defer p.cleanup(path)

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("stage audio: %w", err)
	}

	res, err := p.transcriber.Transcribe(ctx, path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscriptionFailed, err)
	}
	text := strings.TrimSpace(res.Text)
	if !res.Success || text == "" {
		return "", ErrTranscriptionFailed
	}
	return text, nil
}

func (p *Pipeline) artifactPath(ext string) string {
	if ext == "" {
		ext = ".ogg"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	name := fmt.Sprintf("audio-%d-%s%s", p.now().UnixNano(), uuid.NewString(), ext)
	return filepath.Join(p.dir, name)
}

func (p *Pipeline) cleanup(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.log.Warn("failed to remove audio artifact", "path", path, "error", err)
	}
}
