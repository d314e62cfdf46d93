// Package followup keeps one pending re-engagement per sender and sends it
// once the sender has stayed quiet for long enough.
package followup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/leadbot/internal/channel"
	"github.com/comigor/leadbot/internal/logger"
)

// DefaultDelay is how long an entry waits before it is sent.
const DefaultDelay = 24 * time.Hour

// Entry is a pending follow-up.
type Entry struct {
	ID         string
	SenderID   string
	Codes      []string
	EnqueuedAt time.Time
}

// ActivitySource reports the last inbound activity of a sender.
type ActivitySource interface {
	LastAccepted(sender string) (time.Time, bool)
}

// Options configures a Scheduler.
type Options struct {
	Delay   time.Duration
	Now     func() time.Time
	Message func(codes []string) string
}

// Scheduler holds pending follow-ups in memory.
type Scheduler struct {
	sender   channel.Sender
	activity ActivitySource
	delay    time.Duration
	now      func() time.Time
	message  func(codes []string) string
	log      *slog.Logger

	mu      sync.Mutex
	entries map[string]Entry
}

// New creates a scheduler delivering through sender.
func New(sender channel.Sender, activity ActivitySource, opts Options) *Scheduler {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Message == nil {
		opts.Message = DefaultMessage
	}
	return &Scheduler{
		sender:   sender,
		activity: activity,
		delay:    opts.Delay,
		now:      opts.Now,
		message:  opts.Message,
		log:      logger.With("followup"),
		entries:  make(map[string]Entry),
	}
}

// DefaultMessage is the re-engagement text for the given property codes.
func DefaultMessage(codes []string) string {
	if len(codes) == 1 {
		return fmt.Sprintf("Oi! Ainda tem interesse no imóvel %s? Posso agendar uma visita para você.", codes[0])
	}
	return fmt.Sprintf("Oi! Ainda tem interesse nos imóveis %s? Posso agendar uma visita para você.", strings.Join(codes, ", "))
}

// Enqueue records codes for sender, merging with any pending entry and
// restarting its delay. Empty code lists are ignored.
func (s *Scheduler) Enqueue(_ context.Context, senderID string, codes []string) {
	if senderID == "" || len(codes) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := append([]string(nil), s.entries[senderID].Codes...)
	for _, code := range codes {
		if !contains(merged, code) {
			merged = append(merged, code)
		}
	}
	e := Entry{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		Codes:      merged,
		EnqueuedAt: s.now(),
	}
	s.entries[senderID] = e
	s.log.Info("follow-up enqueued", "sender", senderID, "codes", merged, "id", e.ID)
}

// Forget drops the pending entry of sender, if any.
func (s *Scheduler) Forget(senderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, senderID)
}

// Pending returns a snapshot of all entries, oldest first.
func (s *Scheduler) Pending() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		e.Codes = append([]string(nil), e.Codes...)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// Sweep sends every due entry and removes it. Entries whose sender wrote
// again after enqueue are removed without sending. Send failures are logged
// and not retried. It returns the number of messages sent.
func (s *Scheduler) Sweep(ctx context.Context) int {
	now := s.now()
	var due []Entry
	for _, e := range s.Pending() {
		if now.Sub(e.EnqueuedAt) >= s.delay {
			due = append(due, e)
		}
	}

	sent := 0
	for _, e := range due {
		if ctx.Err() != nil {
			return sent
		}
		if !s.take(e) {
			continue
		}
		if last, ok := s.activity.LastAccepted(e.SenderID); ok && last.After(e.EnqueuedAt) {
			s.log.Info("follow-up dropped, sender active", "sender", e.SenderID, "id", e.ID)
			continue
		}
		if err := s.sender.SendText(ctx, e.SenderID, s.message(e.Codes), ""); err != nil {
			s.log.Error("follow-up send failed", "sender", e.SenderID, "id", e.ID, "error", err)
			continue
		}
		sent++
		s.log.Info("follow-up sent", "sender", e.SenderID, "id", e.ID)
	}
	return sent
}

// take removes e if it is still the current entry of its sender.
func (s *Scheduler) take(e Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[e.SenderID]
	if !ok || cur.ID != e.ID {
		return false
	}
	delete(s.entries, e.SenderID)
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
