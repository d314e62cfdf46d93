package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/comigor/leadbot/internal/agent"
	"github.com/comigor/leadbot/internal/channel"
	"github.com/comigor/leadbot/internal/channel/telegram"
	"github.com/comigor/leadbot/internal/config"
	"github.com/comigor/leadbot/internal/crm"
	"github.com/comigor/leadbot/internal/followup"
	"github.com/comigor/leadbot/internal/llm"
	"github.com/comigor/leadbot/internal/logger"
	"github.com/comigor/leadbot/internal/schedule"
	"github.com/comigor/leadbot/internal/session"
	"github.com/comigor/leadbot/internal/transcribe"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to Telegram and start answering leads",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.Log.Level)
	if cfg.Telegram.BotToken == "" {
		return errors.New("telegram.bot_token is required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := crm.OpenSQLite(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.L.Warn("failed to close store", "error", cerr)
		}
	}()

	var properties crm.PropertyLookup = store
	if cfg.PropertyLookup.Source == config.PropertySourceMCP {
		remote, err := crm.DialMCPPropertyLookup(ctx, cfg.PropertyLookup)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := remote.Close(); cerr != nil {
				logger.L.Warn("failed to close property lookup", "error", cerr)
			}
		}()
		properties = remote
	}

	openaiClient := llm.NewClient(cfg.LLM)
	pipeline, err := transcribe.NewPipeline(
		transcribe.NewOpenAITranscriber(openaiClient, cfg.LLM.TranscriptionModel, "pt"),
		cfg.Bot.TempDir,
		cfg.Bot.MaxAudioBytes,
	)
	if err != nil {
		return err
	}

	registry := session.NewRegistry(session.Options{
		HistoryLimit: cfg.Bot.HistoryLimit,
		MinInterval:  cfg.Bot.MinInterval,
	})
	transport := telegram.New(cfg.Telegram.BotToken, cfg.Telegram.PollTimeout)
	followUps := followup.New(transport, registry, followup.Options{Delay: cfg.Bot.FollowUpDelay})

	bot := agent.New(agent.Deps{
		Transport:  transport,
		Registry:   registry,
		Completer:  llm.NewCompleter(openaiClient, cfg.LLM.Model),
		Audio:      pipeline,
		Store:      store,
		Properties: properties,
		FollowUps:  followUps,
	}, agent.Options{
		SystemPrompt:  cfg.LLM.SystemPrompt,
		ResetCommand:  cfg.Bot.ResetCommand,
		SegmentMarker: cfg.Bot.SegmentMarker,
		SegmentDelay:  cfg.Bot.SegmentDelay,
		ImageDelay:    cfg.Bot.ImageDelay,
	})
	gateway := channel.NewGateway(transport, bot.Handle)

	runner := schedule.New()
	if err := runner.Every("reaper", cfg.Bot.ReapInterval, func(context.Context) {
		if evicted := registry.Reap(cfg.Bot.IdleTTL); len(evicted) > 0 {
			logger.L.Info("idle sessions evicted", "count", len(evicted), "senders", evicted)
		}
	}); err != nil {
		return err
	}
	if err := runner.Every("follow-ups", cfg.Bot.FollowUpInterval, func(ctx context.Context) {
		if sent := followUps.Sweep(ctx); sent > 0 {
			logger.L.Info("follow-ups sent", "count", sent)
		}
	}); err != nil {
		return err
	}
	runner.Start()

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           newAdminMux(gateway, registry, followUps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.L.Info("starting admin server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L.Error("admin server failed", "error", err)
		}
	}()

	logger.L.Info("leadbot started", "model", cfg.LLM.Model, "property_source", cfg.PropertyLookup.Source)
	runErr := gateway.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := runner.Stop(shutdownCtx); err != nil {
		logger.L.Warn("scheduled tasks did not stop in time", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("admin server shutdown failed", "error", err)
	}

	switch {
	case errors.Is(runErr, context.Canceled):
		logger.L.Info("shutting down")
		return nil
	case errors.Is(runErr, channel.ErrLoggedOut):
		logger.L.Info("logged out, not reconnecting")
		return nil
	case runErr != nil:
		return fmt.Errorf("gateway: %w", runErr)
	}
	return nil
}
