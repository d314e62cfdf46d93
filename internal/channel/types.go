// Package channel normalises an external chat transport into inbound events
// and outbound sends, and keeps the transport connected.
package channel

import (
	"context"
	"errors"
	"time"
)

// ErrLoggedOut is returned by Run once the gateway was explicitly logged out.
var ErrLoggedOut = errors.New("channel logged out")

// Kind is the payload kind of an inbound event.
type Kind string

const (
	KindText  Kind = "text"
	KindAudio Kind = "audio"
)

// AudioRef points at a voice payload held by the transport.
type AudioRef struct {
	FileID   string
	Mime     string
	Size     int64
	Duration time.Duration
}

// Ext returns a file extension suitable for the audio mime type.
func (a AudioRef) Ext() string {
	switch a.Mime {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	default:
		return ".ogg"
	}
}

// InboundEvent is one normalised unit received from the transport.
type InboundEvent struct {
	SenderID    string
	DisplayName string
	MessageID   string
	Timestamp   time.Time
	Kind        Kind
	Text        string
	Audio       *AudioRef
	FromSelf    bool
}

// Sender delivers outbound messages. replyTo quotes the given message when non-empty.
type Sender interface {
	SendText(ctx context.Context, to, text, replyTo string) error
	SendImage(ctx context.Context, to, url string) error
}

// AudioFetcher downloads voice payloads, reading at most limit+1 bytes.
type AudioFetcher interface {
	FetchAudio(ctx context.Context, ref AudioRef, limit int64) ([]byte, error)
}

// Transport is a concrete chat platform connection.
type Transport interface {
	Sender
	AudioFetcher
	// Connect starts receiving. The returned channel is closed when the
	// underlying connection drops or is stopped.
	Connect(ctx context.Context) (<-chan InboundEvent, error)
	// Logout ends the session for good; Connect must not be retried afterwards.
	Logout(ctx context.Context) error
}

// Handler processes one accepted inbound event.
type Handler func(ctx context.Context, ev InboundEvent)
