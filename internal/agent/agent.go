// Package agent is the conversation orchestrator: it admits inbound events
// through the rate gate and per-sender guard, turns audio into text, asks the
// model for a reply, delivers it and applies the lead-scoring side effects.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/leadbot/internal/channel"
	"github.com/comigor/leadbot/internal/crm"
	"github.com/comigor/leadbot/internal/logger"
	"github.com/comigor/leadbot/internal/qualify"
	"github.com/comigor/leadbot/internal/session"
	"github.com/comigor/leadbot/internal/transcribe"
)

// User-facing texts.
const (
	msgBusy             = "Só um instante, ainda estou respondendo sua mensagem anterior. 🙂"
	msgReset            = "Conversa reiniciada! Como posso te ajudar a encontrar seu imóvel?"
	msgAudioTooLarge    = "Seu áudio é muito grande para eu ouvir. Pode enviar um áudio mais curto ou escrever sua mensagem?"
	msgAudioFailed      = "Desculpe, não consegui entender seu áudio. Pode escrever sua mensagem?"
	msgCompletionFailed = "Desculpe, tive um problema para responder agora. Pode tentar novamente em instantes?"
	msgUnexpected       = "Desculpe, ocorreu um erro inesperado. Tente novamente em instantes."
)

// Defaults used when Options leaves a field zero.
const (
	DefaultResetCommand  = "/reset"
	DefaultSegmentMarker = "|||"
	DefaultSegmentDelay  = 1500 * time.Millisecond
	DefaultImageDelay    = 500 * time.Millisecond
)

// Transport is the part of the channel the agent talks back through.
type Transport interface {
	channel.Sender
	channel.AudioFetcher
}

// Completer produces one reply for a prepared conversation.
type Completer interface {
	Complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error)
}

// AudioPipeline turns a fetched voice payload into text.
type AudioPipeline interface {
	Run(ctx context.Context, fetch transcribe.FetchFunc, ext string) (string, error)
	MaxBytes() int64
}

// FollowUps receives the property codes presented to a sender.
type FollowUps interface {
	Enqueue(ctx context.Context, senderID string, codes []string)
	Forget(senderID string)
}

// Deps are the collaborators of an Agent.
type Deps struct {
	Transport  Transport
	Registry   *session.Registry
	Completer  Completer
	Audio      AudioPipeline
	Store      crm.Store
	Properties crm.PropertyLookup
	FollowUps  FollowUps
}

// Options tunes an Agent.
type Options struct {
	SystemPrompt  string
	ResetCommand  string
	SegmentMarker string
	SegmentDelay  time.Duration
	ImageDelay    time.Duration
	// Sleep waits between deliveries; it defaults to channel.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Agent handles inbound events. It is safe for concurrent use.
type Agent struct {
	Deps
	systemPrompt  string
	resetCommand  string
	segmentMarker string
	segmentDelay  time.Duration
	imageDelay    time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
	log           *slog.Logger
}

// New creates an agent.
func New(deps Deps, opts Options) *Agent {
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.ResetCommand == "" {
		opts.ResetCommand = DefaultResetCommand
	}
	if opts.SegmentMarker == "" {
		opts.SegmentMarker = DefaultSegmentMarker
	}
	if opts.SegmentDelay <= 0 {
		opts.SegmentDelay = DefaultSegmentDelay
	}
	if opts.ImageDelay <= 0 {
		opts.ImageDelay = DefaultImageDelay
	}
	if opts.Sleep == nil {
		opts.Sleep = channel.Sleep
	}
	return &Agent{
		Deps:          deps,
		systemPrompt:  opts.SystemPrompt,
		resetCommand:  opts.ResetCommand,
		segmentMarker: opts.SegmentMarker,
		segmentDelay:  opts.SegmentDelay,
		imageDelay:    opts.ImageDelay,
		sleep:         opts.Sleep,
		log:           logger.With("agent"),
	}
}

// Handle processes one inbound event. The reset command is handled before the
// rate gate and the guard. Otherwise events that arrive too fast are dropped
// silently, and events for a sender that is already being processed get one
// wait notice and are dropped, never queued.
func (a *Agent) Handle(ctx context.Context, ev channel.InboundEvent) {
	log := a.log.With("sender", ev.SenderID, "message_id", ev.MessageID)

	if a.isReset(ev) {
		a.reset(ctx, ev)
		return
	}

	if !a.Registry.Admit(ev.SenderID) {
		log.Info("event dropped by rate gate")
		return
	}

	release, ok := a.Registry.Acquire(ev.SenderID)
	if !ok {
		log.Info("sender busy, event dropped")
		a.sendText(ctx, ev.SenderID, msgBusy, "")
		return
	}
	defer release()
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing event", "panic", r, "stack", string(debug.Stack()))
			a.sendText(ctx, ev.SenderID, msgUnexpected, "")
		}
	}()

	if err := a.process(ctx, ev, log); err != nil {
		log.Error("processing failed", "error", err)
		a.sendText(ctx, ev.SenderID, msgUnexpected, "")
	}
}

func (a *Agent) isReset(ev channel.InboundEvent) bool {
	return ev.Kind == channel.KindText && strings.EqualFold(strings.TrimSpace(ev.Text), a.resetCommand)
}

func (a *Agent) reset(ctx context.Context, ev channel.InboundEvent) {
	prev := qualify.Initial()
	if snap, ok := a.Registry.Snapshot(ev.SenderID); ok {
		prev = snap.Stage
	}
	a.Registry.Reset(ev.SenderID)
	a.Registry.SetStage(ev.SenderID, qualify.Reset(ctx, prev))
	if a.FollowUps != nil {
		a.FollowUps.Forget(ev.SenderID)
	}
	a.log.Info("conversation reset", "sender", ev.SenderID, "previous_stage", prev.String())
	a.sendText(ctx, ev.SenderID, msgReset, "")
}

// process runs one admitted turn. Returned errors are unexpected failures;
// expected ones (oversize audio, transcription or completion failure) are
// answered here and return nil.
func (a *Agent) process(ctx context.Context, ev channel.InboundEvent, log *slog.Logger) error {
	text := strings.TrimSpace(ev.Text)
	var metadata map[string]any

	if ev.Kind == channel.KindAudio {
		if ev.Audio == nil {
			return errors.New("audio event without payload")
		}
		var ok bool
		text, ok = a.transcribe(ctx, ev, log)
		if !ok {
			return nil
		}
		metadata = map[string]any{"tipo": "audio", "duration": int(ev.Audio.Duration.Seconds())}
	}
	if text == "" {
		log.Debug("empty event ignored")
		return nil
	}

	contact, err := a.Store.FindOrCreateContact(ctx, ev.SenderID, ev.DisplayName)
	if err != nil {
		return fmt.Errorf("find contact: %w", err)
	}
	conv, err := a.Store.FindOrCreateConversation(ctx, contact.ID)
	if err != nil {
		return fmt.Errorf("find conversation: %w", err)
	}
	if err := a.Store.SaveMessage(ctx, conv.ID, text, crm.SenderContact, metadata); err != nil {
		return fmt.Errorf("save inbound message: %w", err)
	}
	score, err := a.Store.UpdateContactScore(ctx, contact.ID, crm.EventMessageSent)
	if err != nil {
		return fmt.Errorf("score inbound message: %w", err)
	}
	contact.Score = score

	// writes below are bound to the conversation epoch; a reset arriving
	// mid-turn makes them no-ops instead of reviving the old conversation
	prev, _ := a.Registry.Snapshot(ev.SenderID)
	if !a.Registry.AppendIf(ev.SenderID, prev.Epoch, session.Turn{Role: session.RoleUser, Content: text}) {
		log.Info("conversation reset before turn, dropping message")
		return nil
	}
	snap, _ := a.Registry.Snapshot(ev.SenderID)
	if snap.Epoch != prev.Epoch {
		log.Info("conversation reset before turn, dropping message")
		return nil
	}

	name := contact.Name
	if name == "" {
		name = ev.DisplayName
	}
	reply, err := a.Completer.Complete(ctx, a.buildMessages(snap, name, contact.Score))
	if err != nil {
		log.Error("completion failed", "error", err)
		a.sendText(ctx, ev.SenderID, msgCompletionFailed, ev.MessageID)
		return nil
	}

	segments, codes := a.deliver(ctx, ev, contact.ID, reply)
	if len(segments) == 0 {
		log.Warn("reply had no deliverable text", "reply_length", len(reply))
		a.sendText(ctx, ev.SenderID, msgCompletionFailed, ev.MessageID)
		return nil
	}
	clean := strings.Join(segments, "\n\n")

	if err := a.Store.SaveMessage(ctx, conv.ID, clean, crm.SenderBot, nil); err != nil {
		log.Error("failed to save reply", "error", err)
	}
	if !a.Registry.AppendIf(ev.SenderID, snap.Epoch, session.Turn{Role: session.RoleAssistant, Content: clean}) {
		log.Info("conversation reset during turn, reply kept out of history")
		if len(codes) > 0 && a.FollowUps != nil {
			a.FollowUps.Forget(ev.SenderID)
		}
		return nil
	}

	next, err := qualify.Apply(ctx, snap.Stage, qualify.Classify(clean, codes))
	if err != nil {
		log.Warn("stage transition rejected", "error", err)
		return nil
	}
	if !a.Registry.SetStageIf(ev.SenderID, snap.Epoch, next) {
		log.Info("conversation reset during turn, stage left at initial")
		return nil
	}
	if next != snap.Stage {
		log.Info("stage changed", "from", snap.Stage.String(), "to", next.String())
	}
	a.onStage(ctx, contact, snap.Stage, next, log)
	return nil
}

func (a *Agent) transcribe(ctx context.Context, ev channel.InboundEvent, log *slog.Logger) (string, bool) {
	ref := *ev.Audio
	if ref.Size > a.Audio.MaxBytes() {
		log.Info("audio rejected by declared size", "size", ref.Size)
		a.sendText(ctx, ev.SenderID, msgAudioTooLarge, ev.MessageID)
		return "", false
	}
	fetch := func(ctx context.Context, limit int64) ([]byte, error) {
		return a.Transport.FetchAudio(ctx, ref, limit)
	}
	text, err := a.Audio.Run(ctx, fetch, ref.Ext())
	switch {
	case errors.Is(err, transcribe.ErrAudioTooLarge):
		log.Info("audio rejected", "error", err)
		a.sendText(ctx, ev.SenderID, msgAudioTooLarge, ev.MessageID)
		return "", false
	case err != nil:
		log.Error("transcription failed", "error", err)
		a.sendText(ctx, ev.SenderID, msgAudioFailed, ev.MessageID)
		return "", false
	}
	log.Info("audio transcribed", "duration", ref.Duration, "chars", len(text))
	return text, true
}

// onStage applies the CRM effects of entering the scheduling stages.
// Failures are logged; the reply has already been delivered.
func (a *Agent) onStage(ctx context.Context, contact crm.Contact, prev, next qualify.Stage, log *slog.Logger) {
	if next.State == prev.State {
		return
	}
	switch next.State {
	case qualify.StateScheduling:
		a.score(ctx, contact.ID, crm.EventScheduleRequested, log)
	case qualify.StateScheduled:
		a.score(ctx, contact.ID, crm.EventVisitScheduled, log)
		a.advanceDeal(ctx, contact, log)
	}
}

func (a *Agent) advanceDeal(ctx context.Context, contact crm.Contact, log *slog.Logger) {
	deal, err := a.Store.OpenDeal(ctx, contact.ID)
	if errors.Is(err, crm.ErrNotFound) {
		title := "Visita agendada"
		if contact.Name != "" {
			title += " - " + contact.Name
		}
		deal, err = a.Store.CreateDeal(ctx, contact.ID, title, crm.DealStageVisit)
		if err != nil {
			log.Error("failed to create deal", "error", err)
			return
		}
		log.Info("deal created", "deal_id", deal.ID, "stage", deal.Stage)
		return
	}
	if err != nil {
		log.Error("failed to look up open deal", "error", err)
		return
	}
	deal, err = a.Store.AdvanceDealStage(ctx, deal.ID)
	if err != nil {
		log.Error("failed to advance deal", "deal_id", deal.ID, "error", err)
		return
	}
	log.Info("deal advanced", "deal_id", deal.ID, "stage", deal.Stage)
}

func (a *Agent) score(ctx context.Context, contactID int64, event crm.ScoreEvent, log *slog.Logger) {
	score, err := a.Store.UpdateContactScore(ctx, contactID, event)
	if err != nil {
		log.Error("failed to update score", "event", event, "error", err)
		return
	}
	log.Debug("score updated", "event", event, "score", score)
}

func (a *Agent) sendText(ctx context.Context, to, text, replyTo string) {
	if err := a.Transport.SendText(ctx, to, text, replyTo); err != nil {
		a.log.Error("send text failed", "sender", to, "error", err)
	}
}
