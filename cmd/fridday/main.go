package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/friddaylabs/fridday/internal/chat"
	"github.com/friddaylabs/fridday/internal/config"
	"github.com/friddaylabs/fridday/internal/httpapi"
	"github.com/friddaylabs/fridday/internal/llm"
	"github.com/friddaylabs/fridday/internal/memory"
	"github.com/friddaylabs/fridday/internal/observability"
	"github.com/friddaylabs/fridday/internal/reasoning"
	"github.com/friddaylabs/fridday/internal/router"
	"github.com/friddaylabs/fridday/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer st.Close()
	if cfg.DatabaseURL == "" {
		log.Printf("store: in-memory (DATABASE_URL not set)")
	} else {
		log.Printf("store: postgres")
	}

	client, provider, err := llm.NewClient(llm.Config{
		Mode:         cfg.LLMProvider,
		APIKey:       cfg.OpenAIAPIKey,
		BaseURL:      cfg.OpenAIBaseURL,
		ChatModel:    cfg.ChatModel,
		SummaryModel: cfg.SummaryModel,
	})
	if err != nil {
		log.Fatalf("llm client init failed: %v", err)
	}
	log.Printf("llm provider: %s", provider)

	service := chat.NewService(
		st,
		client,
		memory.NewManager(client),
		memory.NewInMemorySummaryCache(),
		router.New(),
		reasoning.New(client),
		metrics,
		chat.Options{
			Budget: memory.Budget{
				MaxTokens:          cfg.MaxContextTokens,
				ReservedForSummary: cfg.SummaryReservedTokens,
			},
			PurgeFoldedTurns: cfg.PurgeFoldedTurns,
			RetryAttempts:    cfg.ReplyRetryAttempts,
			RetryBase:        cfg.ReplyRetryBase,
			RetryCap:         cfg.ReplyRetryCap,
		},
	)

	api := httpapi.New(cfg, service, st, metrics, provider)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
