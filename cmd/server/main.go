package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/agent"
	"github.com/chadiek/support-desk/internal/config"
	"github.com/chadiek/support-desk/internal/httpserver"
	"github.com/chadiek/support-desk/internal/infra/storage"
	"github.com/chadiek/support-desk/internal/knowledge"
	"github.com/chadiek/support-desk/internal/llm"
	"github.com/chadiek/support-desk/internal/observability"
	"github.com/chadiek/support-desk/internal/ocr"
	"github.com/chadiek/support-desk/internal/rtc"
	"github.com/chadiek/support-desk/internal/session"
	"github.com/chadiek/support-desk/internal/support"
	"github.com/chadiek/support-desk/internal/telephony"
	"github.com/chadiek/support-desk/internal/tts"
)

func main() {
	logger := observability.NewLogger(os.Getenv("APP_ENV"))
	cfg := config.Load(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	retriever, closeKnowledge := buildKnowledge(ctx, cfg, logger)
	defer closeKnowledge()

	history := buildHistory(ctx, cfg, logger)
	agents := buildAgents(cfg, retriever, logger)
	supportSvc := support.NewService(history, cfg.DefaultProvider, observability.Component(logger, "support"), agents...)

	objects, localUploads := buildObjectStore(cfg, logger)
	ingestor := ocr.NewService(objects, ocr.Tesseract{Lang: cfg.TesseractLang}, "screenshots", observability.Component(logger, "ocr"))

	sessions := session.NewRegistry(session.Deps{
		Gateway:          supportSvc,
		TTS:              buildTTS(cfg, logger),
		Ingestor:         ingestor,
		Logger:           observability.Component(logger, "session"),
		CaptureInterval:  cfg.CaptureInterval,
		NarrationTimeout: cfg.NarrationTimeout,
	})
	var phoneOpts []telephony.Option
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		phoneOpts = append(phoneOpts, telephony.WithCallControl(telephony.NewRestCalls(cfg.TwilioAccountSID, cfg.TwilioAuthToken)))
	}
	phone := telephony.NewHandlers(supportSvc, observability.Component(logger, "telephony"), phoneOpts...)
	peers := rtc.NewHandler(cfg.AssemblyAIKey, cfg.ICEServersJSON, observability.Component(logger, "rtc"))

	deps := httpserver.Deps{
		Logger:          observability.Component(logger, "http"),
		Sessions:        sessions,
		Conversations:   supportSvc,
		Ingestor:        ingestor,
		Peers:           peers,
		Phone:           phone,
		AuthToken:       cfg.AuthToken,
		CORSOrigins:     cfg.CORSOrigins,
		TwilioAuthToken: cfg.TwilioAuthToken,
		PublicBaseURL:   cfg.PublicBaseURL,
		RateLimitRPS:    cfg.RateLimitRPS,
		RateLimitBurst:  cfg.RateLimitBurst,
	}
	if retriever != nil {
		deps.Knowledge = retriever
	}
	srv := httpserver.New(deps)
	if localUploads != "" {
		srv.Router.Static("/uploads", localUploads)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddress).Msg("server listening")
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	phone.HangupAll(shutdownCtx)
	peers.Close()
	sessions.CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = server.Close()
	}
	if c, ok := history.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

func buildAgents(cfg config.Config, retriever *knowledge.Service, logger zerolog.Logger) []support.Responder {
	var opts []llm.AgentOption
	if retriever != nil {
		opts = append(opts, llm.WithRetriever(retriever))
	}
	var agents []support.Responder
	for _, p := range llm.Providers() {
		pc := cfg.Providers[p]
		completer, err := llm.NewCompleter(p, llm.Config{
			APIKey:      pc.APIKey,
			Model:       pc.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
		if err != nil {
			logger.Debug().Err(err).Str("provider", string(p)).Msg("provider disabled")
			continue
		}
		agents = append(agents, llm.NewAgent(p, pc.Model, completer, observability.Component(logger, "llm"), opts...))
	}
	return agents
}

func buildHistory(ctx context.Context, cfg config.Config, logger zerolog.Logger) support.HistoryStore {
	if cfg.RedisURL == "" {
		return support.NewMemoryHistory()
	}
	h, err := support.NewRedisHistory(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, keeping conversations in memory")
		return support.NewMemoryHistory()
	}
	logger.Info().Msg("conversation history in redis")
	return h
}

// buildKnowledge prefers Postgres with pgvector and falls back to the
// Supabase embeddings table. It returns nil when neither is configured.
func buildKnowledge(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*knowledge.Service, func()) {
	var chain knowledge.Chain
	if cfg.VoyageKey != "" {
		chain = append(chain, knowledge.NewVoyageEmbedder(cfg.VoyageKey, cfg.EmbeddingModel))
	}
	if key := cfg.Providers[llm.ProviderOpenAI].APIKey; key != "" {
		model := ""
		if cfg.VoyageKey == "" {
			model = cfg.EmbeddingModel
		}
		chain = append(chain, knowledge.NewOpenAIEmbedder(key, model))
	}
	if len(chain) == 0 {
		logger.Warn().Msg("no embedding provider configured - knowledge base disabled")
		return nil, func() {}
	}

	klog := observability.Component(logger, "knowledge")
	if cfg.PostgresDSN != "" {
		store, err := knowledge.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err == nil {
			return knowledge.NewService(chain, store, klog), store.Close
		}
		logger.Warn().Err(err).Msg("postgres unavailable for knowledge base")
	}
	if cfg.SupabaseURL != "" && cfg.SupabaseKey != "" {
		store, err := knowledge.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey, klog)
		if err == nil {
			return knowledge.NewService(chain, store, klog), func() {}
		}
		logger.Warn().Err(err).Msg("supabase unavailable for knowledge base")
	}
	logger.Warn().Msg("no vector store configured - knowledge base disabled")
	return nil, func() {}
}

// buildObjectStore returns the screenshot store and, for local storage, the
// directory to serve under /uploads.
func buildObjectStore(cfg config.Config, logger zerolog.Logger) (storage.ObjectStore, string) {
	if cfg.SupabaseURL != "" && cfg.StorageKey() != "" {
		s, err := storage.NewSupabaseStorage(cfg.SupabaseURL, cfg.StorageKey(), cfg.SupabaseBucket)
		if err == nil {
			return s, ""
		}
		logger.Warn().Err(err).Msg("supabase storage unavailable, storing screenshots locally")
	}
	return storage.NewLocalStorage(cfg.UploadDir, "/uploads"), cfg.UploadDir
}

// buildTTS prefers ElevenLabs and falls back to Deepgram.
func buildTTS(cfg config.Config, logger zerolog.Logger) agent.TTS {
	log := observability.Component(logger, "tts")
	var providers []agent.TTS
	if cfg.ElevenLabsKey != "" {
		providers = append(providers, tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, log))
	}
	if cfg.DeepgramKey != "" {
		providers = append(providers, tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel, log))
	}
	switch len(providers) {
	case 0:
		return agent.NoTTS{}
	case 1:
		return providers[0]
	}
	return tts.NewFallback(log, providers...)
}
