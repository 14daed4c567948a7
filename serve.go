package main

import (
	"context"
	"errors"
	nethttp "net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/satriahrh/cocoa-fruit/persona/adapters/audio"
	"github.com/satriahrh/cocoa-fruit/persona/adapters/auth"
	"github.com/satriahrh/cocoa-fruit/persona/adapters/hasher"
	"github.com/satriahrh/cocoa-fruit/persona/adapters/http"
	"github.com/satriahrh/cocoa-fruit/persona/adapters/llm"
	"github.com/satriahrh/cocoa-fruit/persona/adapters/message_broker"
	"github.com/satriahrh/cocoa-fruit/persona/adapters/speech"
	"github.com/satriahrh/cocoa-fruit/persona/adapters/storage"
	"github.com/satriahrh/cocoa-fruit/persona/adapters/tts"
	"github.com/satriahrh/cocoa-fruit/persona/adapters/websocket"
	"github.com/satriahrh/cocoa-fruit/persona/config"
	"github.com/satriahrh/cocoa-fruit/persona/domain"
	"github.com/satriahrh/cocoa-fruit/persona/usecase"
	"github.com/satriahrh/cocoa-fruit/persona/utils/log"
)

const shutdownTimeout = 10 * time.Second

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := newHistoryBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	broker := message_broker.NewChannelMessageBroker()
	defer broker.Close()

	history := usecase.NewHistoryService(backend, broker)

	provider, err := newChatProvider(ctx, cfg)
	if err != nil {
		return err
	}

	var synthesizer domain.SpeechSynthesizer
	if cfg.TTS.Enabled {
		googleTTS, err := tts.NewGoogleTTS(ctx, tts.Config{Language: cfg.TTS.Language, Voice: cfg.TTS.Voice})
		if err != nil {
			log.With().Warn("Speech synthesis disabled", zap.Error(err))
		} else {
			defer googleTTS.Close()
			synthesizer = googleTTS
		}
	}

	var transcriber domain.Transcriber = disabledTranscriber{}
	if cfg.Speech.Enabled {
		googleSpeech, err := speech.NewGoogleSpeech(ctx, speech.Config{Language: cfg.Speech.Language, AltLanguage: cfg.Speech.AltLanguage})
		if err != nil {
			log.With().Warn("Transcription disabled", zap.Error(err))
		} else {
			defer googleSpeech.Close()
			transcriber = googleSpeech
		}
	}

	chat := usecase.NewChatService(provider, synthesizer, history, usecase.WithChunkTimeout(cfg.LLM.ChunkTimeout))
	gatekeeper := audio.NewGatekeeper(audio.Config{
		Root:        cfg.DataRoot,
		MaxBytes:    cfg.Audio.MaxBytes,
		MaxDuration: cfg.Audio.MaxDuration,
	})
	audioChat := usecase.NewAudioChatService(gatekeeper, transcriber, history, chat)

	images := llm.NewOpenAIImage(llm.OpenAIImageConfig{
		Client: llm.NewOpenAIClient(cfg.Image.APIKey, cfg.Image.BaseURL),
		Model:  cfg.Image.Model,
		Size:   cfg.Image.Size,
	})

	authenticator := auth.NewAuthenticator(auth.Config{
		Secret:    cfg.Auth.Secret,
		APIKey:    cfg.Auth.APIKey,
		APISecret: cfg.Auth.APISecret,
		Expiry:    cfg.Auth.Expiry,
	})

	wsServer := websocket.NewServer(chat, broker, authenticator)
	if err := wsServer.Start(ctx); err != nil {
		return err
	}

	e := newEcho(cfg)
	http.NewHandler(http.Options{
		History:       history,
		Images:        images,
		Audio:         audioChat,
		Hasher:        hasher.New(),
		Auth:          authenticator,
		MaxConcurrent: cfg.HTTP.MaxConcurrent,
	}).Register(e)

	ws := e.Group("/ws", authenticator.Middleware)
	ws.GET("/chat/", wsServer.ChatHandler)
	ws.GET("/events/:userId", wsServer.EventsHandler, authenticator.UserParam)

	log.With().Info("🚀 Starting server",
		zap.String("addr", cfg.Addr),
		zap.String("data_root", cfg.DataRoot),
		zap.String("history_backend", cfg.History.Backend),
		zap.String("llm_backend", cfg.LLM.Backend),
		zap.Bool("auth", authenticator.Enabled()),
		zap.Bool("speech_synthesis", synthesizer != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(cfg.Addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, nethttp.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.With().Info("🛑 Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newEcho(cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.Secure())
	if cfg.HTTP.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.HTTP.RateLimit))))
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.POST, echo.PUT, echo.DELETE, echo.OPTIONS},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			http.HeaderIfNoneMatch,
			"X-API-Key",
			"X-API-Secret",
		},
		ExposeHeaders: []string{http.HeaderETag},
		MaxAge:        86400,
	}))
	e.Use(middleware.BodyLimit(cfg.HTTP.BodyLimit))
	return e
}

func newHistoryBackend(cfg *config.Config) (domain.HistoryBackend, func(), error) {
	if cfg.History.Backend == config.HistoryBackendBolt {
		if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
			return nil, nil, err
		}
		backend, err := storage.NewBoltBackend(filepath.Join(cfg.DataRoot, "history.bolt"))
		if err != nil {
			return nil, nil, err
		}
		return backend, func() { backend.Close() }, nil
	}

	backend, err := storage.NewFileBackend(cfg.DataRoot)
	if err != nil {
		return nil, nil, err
	}
	return backend, func() {}, nil
}

func newChatProvider(ctx context.Context, cfg *config.Config) (domain.ChatProvider, error) {
	var provider domain.ChatProvider
	switch cfg.LLM.Backend {
	case config.LLMBackendGemini:
		gemini, err := llm.NewGeminiChat(ctx, llm.GeminiChatConfig{
			APIKey:  cfg.Gemini.APIKey,
			Models:  llm.Models{General: cfg.Gemini.Model, Vision: cfg.Gemini.VisionModel},
			Persona: cfg.LLM.Persona,
		})
		if err != nil {
			return nil, err
		}
		provider = gemini
	default:
		provider = llm.NewOpenAIChat(llm.OpenAIChatConfig{
			Client:  llm.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL),
			Models:  llm.Models{General: cfg.LLM.Model, Vision: cfg.LLM.VisionModel},
			Persona: cfg.LLM.Persona,
		})
	}
	return llm.NewTracingChatProvider(provider), nil
}

// disabledTranscriber answers audio uploads when no speech client could be created.
type disabledTranscriber struct{}

func (disabledTranscriber) Transcribe(context.Context, string) (string, error) {
	return "", &domain.ProviderError{Op: "transcribe", Kind: domain.KindUpstream, Code: "transcription_disabled", Message: "speech recognition is not configured"}
}
