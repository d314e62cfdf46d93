// Package telegram implements channel.Transport over the Telegram Bot API
// using long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/comigor/leadbot/internal/channel"
	"github.com/comigor/leadbot/internal/logger"
)

var errNotConnected = errors.New("telegram bot not connected")

// Adapter is a channel.Transport backed by one Telegram bot token.
type Adapter struct {
	token       string
	pollTimeout int
	log         *slog.Logger
	httpClient  *http.Client
	newBot      func(token string) (*tgbotapi.BotAPI, error)

	mu        sync.RWMutex
	bot       *tgbotapi.BotAPI
	stop      func()
	offset    int
	loggedOut bool
}

// New creates an adapter; pollTimeout is the long-poll timeout in seconds.
func New(token string, pollTimeout int) *Adapter {
	if pollTimeout <= 0 {
		pollTimeout = 30
	}
	a := &Adapter{
		token:       token,
		pollTimeout: pollTimeout,
		log:         logger.With("telegram"),
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		newBot:      tgbotapi.NewBotAPI,
	}
	_ = tgbotapi.SetLogger(&slogBotLogger{log: a.log})
	return a
}

func (a *Adapter) currentBot() (*tgbotapi.BotAPI, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.bot == nil {
		return nil, errNotConnected
	}
	return a.bot, nil
}

// Connect opens a fresh long-polling session. The returned channel closes when
// ctx is done or Logout is called.
func (a *Adapter) Connect(ctx context.Context) (<-chan channel.InboundEvent, error) {
	a.mu.Lock()
	if a.loggedOut {
		a.mu.Unlock()
		return nil, channel.ErrLoggedOut
	}
	a.mu.Unlock()

	bot, err := a.newBot(a.token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	a.mu.Lock()
	updateConfig := tgbotapi.NewUpdate(a.offset)
	updateConfig.Timeout = a.pollTimeout
	updates := bot.GetUpdatesChan(updateConfig)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			bot.StopReceivingUpdates()
			// drain so the polling goroutine can observe the shutdown and exit
			go func() {
				for range updates {
				}
			}()
		})
	}
	a.bot = bot
	a.stop = stop
	a.mu.Unlock()

	a.log.Info("long polling started", "bot", bot.Self.UserName)

	out := make(chan channel.InboundEvent)
	go func() {
		defer close(out)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					a.log.Info("updates channel closed")
					return
				}
				a.mu.Lock()
				if update.UpdateID >= a.offset {
					a.offset = update.UpdateID + 1
				}
				a.mu.Unlock()

				ev, ok := toEvent(bot.Self.ID, update.Message)
				if !ok {
					continue
				}
				a.log.Info("inbound received", "sender", ev.SenderID, "kind", ev.Kind, "message_id", ev.MessageID)
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Logout stops polling permanently.
func (a *Adapter) Logout(_ context.Context) error {
	a.mu.Lock()
	a.loggedOut = true
	stop := a.stop
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
	a.log.Info("logged out")
	return nil
}

// SendText sends a plain text message, quoting replyTo when set.
func (a *Adapter) SendText(_ context.Context, to, text, replyTo string) error {
	bot, err := a.currentBot()
	if err != nil {
		return err
	}
	chatID, err := parseChatID(to)
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if id, err := strconv.Atoi(strings.TrimSpace(replyTo)); err == nil && id > 0 {
		msg.ReplyToMessageID = id
	}
	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

// SendImage sends a photo referenced by URL.
func (a *Adapter) SendImage(_ context.Context, to, url string) error {
	bot, err := a.currentBot()
	if err != nil {
		return err
	}
	chatID, err := parseChatID(to)
	if err != nil {
		return err
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(url))
	if _, err := bot.Send(photo); err != nil {
		return fmt.Errorf("send image: %w", err)
	}
	return nil
}

// FetchAudio downloads a voice payload, reading at most limit+1 bytes so an
// oversize file is detectable without buffering all of it.
func (a *Adapter) FetchAudio(ctx context.Context, ref channel.AudioRef, limit int64) ([]byte, error) {
	bot, err := a.currentBot()
	if err != nil {
		return nil, err
	}
	url, err := bot.GetFileDirectURL(ref.FileID)
	if err != nil {
		return nil, fmt.Errorf("resolve telegram file url: %w", err)
	}
	return download(ctx, a.httpClient, url, limit)
}

func download(ctx context.Context, client *http.Client, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download audio: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("download audio status: %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return data, nil
}

func parseChatID(target string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram target must be a chat_id: %q", target)
	}
	return id, nil
}

// toEvent maps a Telegram message onto an inbound event. Messages with
// neither text nor voice/audio are skipped.
func toEvent(selfID int64, msg *tgbotapi.Message) (channel.InboundEvent, bool) {
	if msg == nil || msg.Chat == nil {
		return channel.InboundEvent{}, false
	}
	ev := channel.InboundEvent{
		SenderID:  strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: strconv.Itoa(msg.MessageID),
		Timestamp: time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.From != nil {
		ev.FromSelf = msg.From.ID == selfID
		ev.DisplayName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if ev.DisplayName == "" {
			ev.DisplayName = strings.TrimSpace(msg.From.UserName)
		}
	}

	switch {
	case msg.Voice != nil:
		ev.Kind = channel.KindAudio
		ev.Audio = &channel.AudioRef{
			FileID:   msg.Voice.FileID,
			Mime:     msg.Voice.MimeType,
			Size:     int64(msg.Voice.FileSize),
			Duration: time.Duration(msg.Voice.Duration) * time.Second,
		}
	case msg.Audio != nil:
		ev.Kind = channel.KindAudio
		ev.Audio = &channel.AudioRef{
			FileID:   msg.Audio.FileID,
			Mime:     msg.Audio.MimeType,
			Size:     int64(msg.Audio.FileSize),
			Duration: time.Duration(msg.Audio.Duration) * time.Second,
		}
	default:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			text = strings.TrimSpace(msg.Caption)
		}
		if text == "" {
			return channel.InboundEvent{}, false
		}
		ev.Kind = channel.KindText
		ev.Text = text
	}
	return ev, true
}

type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}
