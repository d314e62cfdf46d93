package agent

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/comigor/leadbot/internal/channel"
	"github.com/comigor/leadbot/internal/crm"
	"github.com/comigor/leadbot/internal/qualify"
	"github.com/comigor/leadbot/internal/session"
	"github.com/comigor/leadbot/internal/transcribe"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sentText struct {
	to, text, replyTo string
}

type mockTransport struct {
	mu             sync.Mutex
	texts          []sentText
	images         []string
	SendImageFunc  func(url string) error
	FetchAudioFunc func(ctx context.Context, ref channel.AudioRef, limit int64) ([]byte, error)
}

func (m *mockTransport) SendText(_ context.Context, to, text, replyTo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, sentText{to, text, replyTo})
	return nil
}

func (m *mockTransport) SendImage(_ context.Context, to, url string) error {
	if m.SendImageFunc != nil {
		if err := m.SendImageFunc(url); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = append(m.images, url)
	return nil
}

func (m *mockTransport) FetchAudio(ctx context.Context, ref channel.AudioRef, limit int64) ([]byte, error) {
	if m.FetchAudioFunc != nil {
		return m.FetchAudioFunc(ctx, ref, limit)
	}
	return []byte("audio"), nil
}

func (m *mockTransport) sent() []sentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentText(nil), m.texts...)
}

type mockCompleter struct {
	mu           sync.Mutex
	calls        [][]openai.ChatCompletionMessage
	CompleteFunc func(ctx context.Context, msgs []openai.ChatCompletionMessage) (string, error)
}

func (m *mockCompleter) Complete(ctx context.Context, msgs []openai.ChatCompletionMessage) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, msgs)
	m.mu.Unlock()
	return m.CompleteFunc(ctx, msgs)
}

func (m *mockCompleter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func reply(text string) *mockCompleter {
	return &mockCompleter{CompleteFunc: func(context.Context, []openai.ChatCompletionMessage) (string, error) {
		return text, nil
	}}
}

type savedMessage struct {
	content  string
	sender   crm.MessageSender
	metadata map[string]any
}

type mockStore struct {
	mu       sync.Mutex
	scores   []crm.ScoreEvent
	messages []savedMessage
	created  []crm.Deal
	advanced []int64
	openDeal *crm.Deal
}

func (m *mockStore) FindOrCreateContact(_ context.Context, senderID, name string) (crm.Contact, error) {
	return crm.Contact{ID: 1, SenderID: senderID, Name: name}, nil
}

func (m *mockStore) FindOrCreateConversation(_ context.Context, contactID int64) (crm.Conversation, error) {
	return crm.Conversation{ID: 10, ContactID: contactID}, nil
}

func (m *mockStore) SaveMessage(_ context.Context, _ int64, content string, sender crm.MessageSender, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, savedMessage{content, sender, metadata})
	return nil
}

func (m *mockStore) UpdateContactScore(_ context.Context, _ int64, event crm.ScoreEvent) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = append(m.scores, event)
	return len(m.scores), nil
}

func (m *mockStore) OpenDeal(context.Context, int64) (crm.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openDeal == nil {
		return crm.Deal{}, crm.ErrNotFound
	}
	return *m.openDeal, nil
}

func (m *mockStore) CreateDeal(_ context.Context, contactID int64, title, stage string) (crm.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := crm.Deal{ID: 99, ContactID: contactID, Title: title, Stage: stage, Status: crm.DealOpen}
	m.created = append(m.created, d)
	return d, nil
}

func (m *mockStore) AdvanceDealStage(_ context.Context, dealID int64) (crm.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanced = append(m.advanced, dealID)
	return crm.Deal{ID: dealID}, nil
}

func (m *mockStore) countScores(event crm.ScoreEvent) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.scores {
		if e == event {
			n++
		}
	}
	return n
}

type mockLookup struct {
	props map[string]crm.Property
}

func (m *mockLookup) Search(_ context.Context, f crm.PropertyFilter) ([]crm.Property, error) {
	if p, ok := m.props[f.Code]; ok {
		return []crm.Property{p}, nil
	}
	return nil, nil
}

type enqueueCall struct {
	sender string
	codes  []string
}

type mockFollowUps struct {
	mu       sync.Mutex
	enqueued []enqueueCall
	forgot   []string
}

func (m *mockFollowUps) Enqueue(_ context.Context, sender string, codes []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = append(m.enqueued, enqueueCall{sender, codes})
}

func (m *mockFollowUps) Forget(sender string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgot = append(m.forgot, sender)
}

type mockTranscriber struct {
	calls          int
	TranscribeFunc func(ctx context.Context, path string) (transcribe.Result, error)
}

func (m *mockTranscriber) Transcribe(ctx context.Context, path string) (transcribe.Result, error) {
	m.calls++
	if m.TranscribeFunc != nil {
		return m.TranscribeFunc(ctx, path)
	}
	return transcribe.Result{Success: true, Text: "quero alugar um apartamento"}, nil
}

type harness struct {
	clock       *fakeClock
	transport   *mockTransport
	completer   *mockCompleter
	store       *mockStore
	followUps   *mockFollowUps
	transcriber *mockTranscriber
	pipeline    *transcribe.Pipeline
	registry    *session.Registry
	agent       *Agent

	sleepMu   sync.Mutex
	sleeps    []time.Duration
	SleepFunc func(d time.Duration) error
}

func newHarness(t *testing.T, c *mockCompleter) *harness {
	t.Helper()
	h := &harness{
		clock:       &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		transport:   &mockTransport{},
		completer:   c,
		store:       &mockStore{},
		followUps:   &mockFollowUps{},
		transcriber: &mockTranscriber{},
	}
	h.registry = session.NewRegistry(session.Options{HistoryLimit: 20, MinInterval: time.Second, Now: h.clock.Now})
	p, err := transcribe.NewPipeline(h.transcriber, t.TempDir(), transcribe.DefaultMaxBytes)
	require.NoError(t, err)
	h.pipeline = p
	h.agent = New(Deps{
		Transport: h.transport,
		Registry:  h.registry,
		Completer: c,
		Audio:     p,
		Store:     h.store,
		Properties: &mockLookup{props: map[string]crm.Property{
			"AP101": {Code: "AP101", CoverPhoto: "https://img.example/ap101.jpg"},
			"CA202": {Code: "CA202", Photos: []string{"https://img.example/ca202.jpg"}},
		}},
		FollowUps: h.followUps,
	}, Options{
		Sleep: func(_ context.Context, d time.Duration) error {
			h.sleepMu.Lock()
			defer h.sleepMu.Unlock()
			h.sleeps = append(h.sleeps, d)
			if h.SleepFunc != nil {
				return h.SleepFunc(d)
			}
			return nil
		},
	})
	return h
}

func (h *harness) text(msgID, text string) channel.InboundEvent {
	return channel.InboundEvent{
		SenderID:    "5511999",
		DisplayName: "Ana",
		MessageID:   msgID,
		Timestamp:   h.clock.Now(),
		Kind:        channel.KindText,
		Text:        text,
	}
}

func (h *harness) history() []session.Turn {
	s, _ := h.registry.Snapshot("5511999")
	return s.History
}

func TestHandle_SingleReply(t *testing.T) {
	h := newHarness(t, reply("Olá Ana! Você quer comprar ou alugar?"))
	h.agent.Handle(context.Background(), h.text("m1", "oi"))

	sent := h.transport.sent()
	require.Len(t, sent, 1)
	require.Equal(t, "m1", sent[0].replyTo)
	require.Equal(t, "Olá Ana! Você quer comprar ou alugar?", sent[0].text)

	require.Equal(t, []session.Turn{
		{Role: session.RoleUser, Content: "oi"},
		{Role: session.RoleAssistant, Content: "Olá Ana! Você quer comprar ou alugar?"},
	}, h.history())
	require.Equal(t, 1, h.store.countScores(crm.EventMessageSent))
	require.Len(t, h.store.messages, 2)
	require.Equal(t, crm.SenderContact, h.store.messages[0].sender)
	require.Equal(t, crm.SenderBot, h.store.messages[1].sender)

	s, _ := h.registry.Snapshot("5511999")
	require.Equal(t, qualify.Stage{State: qualify.StateQualifying, Step: qualify.StepPurpose}, s.Stage)
	require.Empty(t, h.sleeps)
	require.Empty(t, h.followUps.enqueued)
}

func TestHandle_PromptCarriesContext(t *testing.T) {
	h := newHarness(t, reply("ok"))
	h.agent.Handle(context.Background(), h.text("m1", "oi"))

	require.Equal(t, 1, h.completer.count())
	msgs := h.completer.calls[0]
	require.Len(t, msgs, 3)
	require.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	require.Equal(t, DefaultSystemPrompt, msgs[0].Content)
	require.Contains(t, msgs[1].Content, "Etapa: initial")
	require.Contains(t, msgs[1].Content, "Mensagens do lead: 1")
	require.Contains(t, msgs[1].Content, "Nome do lead: Ana")
	require.Contains(t, msgs[1].Content, "Pontuação do lead: 1/100")
	require.Equal(t, openai.ChatMessageRoleUser, msgs[2].Role)
}

func TestHandle_RateGate(t *testing.T) {
	h := newHarness(t, reply("resposta"))
	h.agent.Handle(context.Background(), h.text("m1", "oi"))
	h.clock.Advance(100 * time.Millisecond)
	h.agent.Handle(context.Background(), h.text("m2", "oi de novo"))

	require.Equal(t, 1, h.completer.count())
	require.Len(t, h.transport.sent(), 1)
	require.Len(t, h.history(), 2)
}

func TestHandle_BusySenderGetsOneNotice(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	c := &mockCompleter{CompleteFunc: func(context.Context, []openai.ChatCompletionMessage) (string, error) {
		close(entered)
		<-release
		return "primeira resposta", nil
	}}
	h := newHarness(t, c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.agent.Handle(context.Background(), h.text("m1", "primeira"))
	}()
	<-entered

	h.clock.Advance(2 * time.Second)
	h.agent.Handle(context.Background(), h.text("m2", "segunda"))

	sent := h.transport.sent()
	require.Len(t, sent, 1)
	require.Equal(t, msgBusy, sent[0].text)
	require.Len(t, h.history(), 1, "busy event must not touch history")

	close(release)
	<-done

	require.Equal(t, 1, c.count())
	require.Len(t, h.transport.sent(), 2)
	require.Len(t, h.history(), 2)
	require.False(t, h.registry.Busy("5511999"))
}

func TestHandle_Reset(t *testing.T) {
	h := newHarness(t, reply("Que tipo de imóvel você procura?"))
	h.agent.Handle(context.Background(), h.text("m1", "oi"))
	require.Len(t, h.history(), 2)

	// within the rate interval: reset bypasses the gate
	h.clock.Advance(100 * time.Millisecond)
	h.agent.Handle(context.Background(), h.text("m2", " /RESET "))

	s, ok := h.registry.Snapshot("5511999")
	require.True(t, ok)
	require.Empty(t, s.History)
	require.Equal(t, qualify.Initial(), s.Stage)
	require.Equal(t, 0, s.Turns)
	require.Equal(t, []string{"5511999"}, h.followUps.forgot)

	sent := h.transport.sent()
	require.Equal(t, msgReset, sent[len(sent)-1].text)
	require.Equal(t, 1, h.completer.count())

	h.clock.Advance(time.Second)
	h.agent.Handle(context.Background(), h.text("m3", "olá"))
	require.Len(t, h.completer.calls[1], 3, "next message is treated as first contact")
}

func TestHandle_ResetWhileBusy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	c := &mockCompleter{CompleteFunc: func(context.Context, []openai.ChatCompletionMessage) (string, error) {
		close(entered)
		<-release
		return "Que tipo de imóvel você procura?", nil
	}}
	h := newHarness(t, c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.agent.Handle(context.Background(), h.text("m1", "oi"))
	}()
	<-entered

	h.agent.Handle(context.Background(), h.text("m2", "/reset"))
	close(release)
	<-done

	s, _ := h.registry.Snapshot("5511999")
	require.Empty(t, s.History, "the in-flight reply must not revive the old conversation")
	require.Equal(t, qualify.Initial(), s.Stage)
	require.Equal(t, 0, s.Turns)
	require.False(t, h.registry.Busy("5511999"))

	sent := h.transport.sent()
	require.Len(t, sent, 2)
	require.Equal(t, msgReset, sent[0].text)
	require.Equal(t, "Que tipo de imóvel você procura?", sent[1].text)
}

func TestHandle_MarkerOnlyReply(t *testing.T) {
	h := newHarness(t, reply(" ||| |||"))
	h.agent.Handle(context.Background(), h.text("m1", "oi"))

	sent := h.transport.sent()
	require.Len(t, sent, 1)
	require.Equal(t, msgCompletionFailed, sent[0].text)
	require.Equal(t, "m1", sent[0].replyTo)
	require.Equal(t, []session.Turn{{Role: session.RoleUser, Content: "oi"}}, h.history())
	require.Len(t, h.store.messages, 1)
	require.Equal(t, crm.SenderContact, h.store.messages[0].sender)
}

func TestHandle_InterruptedDeliveryRecordsSentSegments(t *testing.T) {
	h := newHarness(t, reply("Oi Ana! ||| Tenho ótimas opções. ||| Quer ver?"))
	h.SleepFunc = func(time.Duration) error { return context.Canceled }
	h.agent.Handle(context.Background(), h.text("m1", "oi"))

	sent := h.transport.sent()
	require.Len(t, sent, 1)
	require.Equal(t, "Oi Ana!", sent[0].text)

	hist := h.history()
	require.Len(t, hist, 2)
	require.Equal(t, session.Turn{Role: session.RoleAssistant, Content: "Oi Ana!"}, hist[1])
	require.Equal(t, "Oi Ana!", h.store.messages[1].content)
}

func TestHandle_SegmentFanOut(t *testing.T) {
	h := newHarness(t, reply("Oi Ana! ||| Tenho ótimas opções. |||  ||| Quer ver?"))
	h.agent.Handle(context.Background(), h.text("m1", "oi"))

	sent := h.transport.sent()
	require.Len(t, sent, 3)
	require.Equal(t, "m1", sent[0].replyTo)
	require.Empty(t, sent[1].replyTo)
	require.Empty(t, sent[2].replyTo)
	require.Equal(t, []string{"Oi Ana!", "Tenho ótimas opções.", "Quer ver?"},
		[]string{sent[0].text, sent[1].text, sent[2].text})
	require.Equal(t, []time.Duration{1500 * time.Millisecond, 1500 * time.Millisecond}, h.sleeps)

	hist := h.history()
	require.Equal(t, "Oi Ana!\n\nTenho ótimas opções.\n\nQuer ver?", hist[len(hist)-1].Content)
	require.NotContains(t, hist[len(hist)-1].Content, "|||")
}

func TestHandle_EntitySideEffects(t *testing.T) {
	h := newHarness(t, reply("Veja este apartamento. Código: AP101 ||| E este outro, Código: ZZ999"))
	h.agent.Handle(context.Background(), h.text("m1", "quero ver imóveis"))

	require.Equal(t, 2, h.store.countScores(crm.EventPropertyViewed))
	require.Equal(t, []string{"https://img.example/ap101.jpg"}, h.transport.images)
	require.Equal(t, []enqueueCall{{sender: "5511999", codes: []string{"AP101", "ZZ999"}}}, h.followUps.enqueued)
	require.Equal(t, []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond}, h.sleeps)

	s, _ := h.registry.Snapshot("5511999")
	require.Equal(t, qualify.StatePresentedProperties, s.Stage.State)
	require.Equal(t, 1, s.Stage.Interactions)
}

func TestHandle_ImageFailureDoesNotAbortSegments(t *testing.T) {
	h := newHarness(t, reply("Código: AP101 ||| Código: CA202 ||| Gostou?"))
	h.transport.SendImageFunc = func(string) error { return errors.New("upload failed") }
	h.agent.Handle(context.Background(), h.text("m1", "mostra"))

	require.Len(t, h.transport.sent(), 3)
	require.Equal(t, 2, h.store.countScores(crm.EventPropertyViewed))
	require.Len(t, h.followUps.enqueued, 1)
}

func TestHandle_NoMarkerSkipsExtraction(t *testing.T) {
	h := newHarness(t, reply("Este é ótimo. Código: AP101"))
	h.agent.Handle(context.Background(), h.text("m1", "mostra"))

	require.Len(t, h.transport.sent(), 1)
	require.Equal(t, 0, h.store.countScores(crm.EventPropertyViewed))
	require.Empty(t, h.transport.images)
	require.Empty(t, h.followUps.enqueued)
}

func TestHandle_CompletionFailure(t *testing.T) {
	c := &mockCompleter{CompleteFunc: func(context.Context, []openai.ChatCompletionMessage) (string, error) {
		return "", errors.New("timeout")
	}}
	h := newHarness(t, c)
	h.agent.Handle(context.Background(), h.text("m1", "oi"))

	sent := h.transport.sent()
	require.Len(t, sent, 1)
	require.Equal(t, msgCompletionFailed, sent[0].text)
	require.Equal(t, "m1", sent[0].replyTo)
	require.Equal(t, []session.Turn{{Role: session.RoleUser, Content: "oi"}}, h.history())
	require.False(t, h.registry.Busy("5511999"))
}

func TestHandle_PanicReleasesGuard(t *testing.T) {
	c := &mockCompleter{CompleteFunc: func(context.Context, []openai.ChatCompletionMessage) (string, error) {
		panic("boom")
	}}
	h := newHarness(t, c)
	require.NotPanics(t, func() {
		h.agent.Handle(context.Background(), h.text("m1", "oi"))
	})

	sent := h.transport.sent()
	require.Len(t, sent, 1)
	require.Equal(t, msgUnexpected, sent[0].text)
	require.False(t, h.registry.Busy("5511999"))
}

func TestHandle_VisitScheduledCreatesDeal(t *testing.T) {
	h := newHarness(t, reply("Perfeito, visita agendada para sábado às 10h!"))
	h.agent.Handle(context.Background(), h.text("m1", "sábado às 10h"))

	require.Equal(t, 1, h.store.countScores(crm.EventVisitScheduled))
	require.Len(t, h.store.created, 1)
	require.Equal(t, crm.DealStageVisit, h.store.created[0].Stage)
	require.Empty(t, h.store.advanced)

	s, _ := h.registry.Snapshot("5511999")
	require.Equal(t, qualify.StateScheduled, s.Stage.State)
}

func TestHandle_VisitScheduledAdvancesOpenDeal(t *testing.T) {
	h := newHarness(t, reply("Visita confirmada!"))
	h.store.openDeal = &crm.Deal{ID: 7, Stage: crm.DealStageQualified, Status: crm.DealOpen}
	h.agent.Handle(context.Background(), h.text("m1", "pode ser"))

	require.Equal(t, []int64{7}, h.store.advanced)
	require.Empty(t, h.store.created)
}

func TestHandle_VisitOfferScoresScheduleRequest(t *testing.T) {
	h := newHarness(t, reply("Que tal agendar uma visita amanhã?"))
	h.agent.Handle(context.Background(), h.text("m1", "gostei"))

	require.Equal(t, 1, h.store.countScores(crm.EventScheduleRequested))
	s, _ := h.registry.Snapshot("5511999")
	require.Equal(t, qualify.StateScheduling, s.Stage.State)
}

func TestHandle_AudioIsTranscribed(t *testing.T) {
	h := newHarness(t, reply("Entendi!"))
	ev := h.text("m1", "")
	ev.Kind = channel.KindAudio
	ev.Audio = &channel.AudioRef{FileID: "f1", Mime: "audio/ogg", Size: 1024, Duration: 7 * time.Second}
	h.agent.Handle(context.Background(), ev)

	require.Equal(t, 1, h.transcriber.calls)
	require.Equal(t, "quero alugar um apartamento", h.history()[0].Content)
	require.Equal(t, map[string]any{"tipo": "audio", "duration": 7}, h.store.messages[0].metadata)

	entries, err := os.ReadDir(h.pipeline.Dir())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestHandle_OversizeAudio(t *testing.T) {
	h := newHarness(t, reply("não deveria responder"))
	h.transport.FetchAudioFunc = func(_ context.Context, _ channel.AudioRef, limit int64) ([]byte, error) {
		return make([]byte, 30*1024*1024), nil
	}
	ev := h.text("m1", "")
	ev.Kind = channel.KindAudio
	ev.Audio = &channel.AudioRef{FileID: "f1", Mime: "audio/ogg"}
	h.agent.Handle(context.Background(), ev)

	require.Equal(t, 0, h.transcriber.calls)
	require.Equal(t, 0, h.completer.count())
	sent := h.transport.sent()
	require.Len(t, sent, 1)
	require.Equal(t, msgAudioTooLarge, sent[0].text)
	require.Empty(t, h.history())

	entries, err := os.ReadDir(h.pipeline.Dir())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestHandle_DeclaredOversizeAudioIsNotFetched(t *testing.T) {
	h := newHarness(t, reply("x"))
	fetched := false
	h.transport.FetchAudioFunc = func(context.Context, channel.AudioRef, int64) ([]byte, error) {
		fetched = true
		return nil, nil
	}
	ev := h.text("m1", "")
	ev.Kind = channel.KindAudio
	ev.Audio = &channel.AudioRef{FileID: "f1", Size: 30 * 1024 * 1024}
	h.agent.Handle(context.Background(), ev)

	require.False(t, fetched)
	require.Equal(t, msgAudioTooLarge, h.transport.sent()[0].text)
}

func TestHandle_TranscriptionFailure(t *testing.T) {
	h := newHarness(t, reply("x"))
	h.transcriber.TranscribeFunc = func(context.Context, string) (transcribe.Result, error) {
		return transcribe.Result{}, errors.New("whisper down")
	}
	ev := h.text("m1", "")
	ev.Kind = channel.KindAudio
	ev.Audio = &channel.AudioRef{FileID: "f1"}
	h.agent.Handle(context.Background(), ev)

	require.Equal(t, msgAudioFailed, h.transport.sent()[0].text)
	require.Empty(t, h.history())
	require.Empty(t, h.store.messages)
	require.False(t, h.registry.Busy("5511999"))
}

func TestExtractCodes(t *testing.T) {
	require.Equal(t, []string{"AP101", "CA-202"}, ExtractCodes("Código: AP101 e depois codigo:CA-202."))
	require.Nil(t, ExtractCodes("sem códigos aqui"))
}

func TestSplitSegments(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, SplitSegments(" a |||||| b |||", "|||"))
}
