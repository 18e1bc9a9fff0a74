// Command callme is a long-lived local process that lets a coding assistant
// talk to its human operator: over a real phone call (voice mode) or a chat
// bot (chat mode). The tool surface is served over stdio, so stdout is
// reserved for the RPC stream and all diagnostics go to stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"call-me/internal/carrier"
	"call-me/internal/chat"
	"call-me/internal/domain"
	"call-me/internal/gateway"
	"call-me/internal/infra/config"
	"call-me/internal/infra/logger"
	"call-me/internal/infra/tracer"
	"call-me/internal/server"
	"call-me/internal/session"
	"call-me/internal/speech"
	"call-me/internal/tool"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "callme:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "callme.yaml"
	}
	return filepath.Join(home, ".callme", "config.yaml")
}

func run() error {
	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("callme", version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownTracer(shutdownCtx)
	}()

	var engine domain.CallEngine
	var teardown func()

	switch cfg.Mode {
	case config.ModeChat:
		engine, teardown = buildChatEngine(ctx, cfg, log)
	default:
		engine, teardown, err = buildVoiceEngine(ctx, cfg, log)
		if err != nil {
			return err
		}
	}
	defer teardown()

	ct := tool.NewCallTool(engine, tool.CallToolConfig{MaxMessageLen: cfg.Call.MaxMessageLen}, log)
	gw := gateway.New(ct, version, log)

	log.Info("starting", "version", version, "mode", cfg.Mode)

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Run() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		return nil
	case err := <-errCh:
		// Stdin closed: the assistant went away.
		return err
	}
}

func buildChatEngine(ctx context.Context, cfg *config.Config, log *slog.Logger) (domain.CallEngine, func()) {
	tg := chat.NewTelegram(chat.TelegramConfig{
		Token:  cfg.Chat.TelegramToken,
		ChatID: cfg.Chat.TelegramChatID,
	}, log)

	engine := chat.NewEngine(tg, cfg.Chat.ReplyTimeout, log)
	engine.StartBackgroundPoll(ctx)
	return engine, func() {}
}

func buildVoiceEngine(ctx context.Context, cfg *config.Config, log *slog.Logger) (domain.CallEngine, func(), error) {
	car, err := buildCarrier(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	recognizer := speech.NewOpenAISTT(speech.OpenAISTTConfig{
		APIKey:            cfg.Speech.OpenAIAPIKey,
		Model:             cfg.Speech.STTModel,
		SilenceDurationMs: cfg.Speech.SilenceDurationMs,
	}, log)

	tts := speech.NewBreakerSynthesizer(
		speech.NewOpenAITTS(speech.OpenAITTSConfig{
			APIKey: cfg.Speech.OpenAIAPIKey,
			Model:  cfg.Speech.TTSModel,
			Voice:  cfg.Speech.TTSVoice,
		}, log),
		speech.BreakerConfig{
			MaxFailures: cfg.Speech.BreakerMaxFailures,
			Timeout:     cfg.Speech.BreakerTimeout,
		}, log)

	callLog, err := session.NewCallLog(cfg.Call.LogDir)
	if err != nil {
		return nil, nil, err
	}

	engine := session.NewEngine(session.EngineConfig{
		To:                cfg.Call.To,
		From:              cfg.Call.From,
		PublicBaseURL:     cfg.Carrier.PublicBaseURL,
		ConnectTimeout:    cfg.Call.ConnectTimeout,
		TranscriptTimeout: cfg.Call.TranscriptTimeout,
		DetectMachine:     cfg.Call.DetectMachine,
	}, car, recognizer, tts, session.NewRegistry(), callLog, log, tracer.Tracer())

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		PublicBaseURL:   cfg.Carrier.PublicBaseURL,
		AllowUnsigned:   cfg.Server.AllowUnsigned,
		RateLimitPerMin: cfg.Server.RateLimitPerMin,
		RateBurst:       cfg.Server.RateBurst,
	}, engine, car, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}
	log.Info("webhook server listening", "addr", srv.BoundAddr())

	sweeper := session.NewSweeper(engine, cfg.Call.MaxDuration, log)
	if err := sweeper.Start(); err != nil {
		srv.Stop(ctx)
		return nil, nil, err
	}

	teardown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		engine.HangupActiveCalls(shutdownCtx)
		sweeper.Stop()
		srv.Stop(shutdownCtx)
	}
	return engine, teardown, nil
}

func buildCarrier(cfg *config.Config, log *slog.Logger) (carrier.Carrier, error) {
	switch cfg.Carrier.Provider {
	case "twilio":
		return carrier.NewTwilio(carrier.TwilioConfig{
			AccountSID: cfg.Carrier.TwilioAccountSID,
			AuthToken:  cfg.Carrier.TwilioAuthToken,
		}, log), nil
	case "telnyx":
		return carrier.NewTelnyx(carrier.TelnyxConfig{
			ConnectionID: cfg.Carrier.TelnyxConnectionID,
			APIKey:       cfg.Carrier.TelnyxAPIKey,
			PublicKey:    cfg.Carrier.TelnyxPublicKey,
		}, log), nil
	case "mock":
		return carrier.NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown carrier provider %q", cfg.Carrier.Provider)
	}
}
