package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/zhouzirui/the-mirror/backend/internal/config"
	"github.com/zhouzirui/the-mirror/backend/internal/handler"
	"github.com/zhouzirui/the-mirror/backend/internal/logger"
	"github.com/zhouzirui/the-mirror/backend/internal/metrics"
	"github.com/zhouzirui/the-mirror/backend/internal/service/ai"
	"github.com/zhouzirui/the-mirror/backend/internal/service/chat"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	if envErr != nil {
		log.Info("no .env file loaded, continuing with system environment variables only", zap.Error(envErr))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Initialize AI transport
	var transport ai.Transport
	if cfg.AI.Enabled() {
		transport, err = ai.NewTransport(ctx, cfg.AI, log)
		if err != nil {
			log.Warn("failed to initialize AI transport, continuing without AI functionality", zap.Error(err))
			transport = nil
		} else {
			log.Info("AI transport initialized",
				zap.String("provider", cfg.AI.Provider),
				zap.String("model", cfg.AI.Model))
		}
	} else {
		log.Warn("AI credentials not configured, AI routes will answer 503",
			zap.String("provider", cfg.AI.Provider))
	}

	chatService := chat.NewService(transport, chat.ConversationConfig{
		Model:           cfg.AI.Model,
		DisableThinking: cfg.AI.DisableThinking,
		TurnTimeout:     cfg.Chat.TurnTimeout,
		AnalysisTimeout: cfg.Chat.AnalysisTimeout,
	}, metrics.New(registry), log)

	router := handler.NewRouter(chatService, registry, log)

	go chatService.RunJanitor(ctx, cfg.Chat.SessionIdleTTL)
	log.Info("session janitor started", zap.Duration("idle_ttl", cfg.Chat.SessionIdleTTL))

	startServer(ctx, cfg.Server, router, log)

	// Let in-flight turns write their final state before exit.
	chatService.Wait()
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, log *zap.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info("The Mirror backend listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
