package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gwi.com/gptchat/internal/api"
	"gwi.com/gptchat/internal/auth"
	"gwi.com/gptchat/internal/config"
	"gwi.com/gptchat/internal/core"
	"gwi.com/gptchat/internal/llm"
	"gwi.com/gptchat/internal/logger"
	"gwi.com/gptchat/internal/markdown"
	"gwi.com/gptchat/internal/store"
	"gwi.com/gptchat/internal/web"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg, err := logger.New(cfg.LogMode, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logg.Sync()

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(context.Background(), cfg.DatabasePath)
	if err != nil {
		logg.Fatal("Failed to initialize database", "path", cfg.DatabasePath, "error", err)
	}
	defer dbStore.Close()

	templates, err := web.LoadTemplates()
	if err != nil {
		logg.Fatal("Failed to load templates", "error", err)
	}

	// Upstream providers. The HTTP client has no overall timeout since
	// completions stream; the idle timeout bounds each read instead.
	upstreamClient := &http.Client{Transport: http.DefaultTransport}
	registry := llm.NewRegistry(
		llm.NewOpenAI(cfg.OpenAIBaseURL, upstreamClient, logg),
		llm.NewGemini(logg),
	)

	renderer := markdown.NewRenderer()
	chatService := core.NewChatService(dbStore, registry, renderer, core.Options{
		IdleTimeout:          cfg.UpstreamIdleTimeout,
		KeyCheckTimeout:      cfg.APIKeyCheckTimeout,
		GenerationsPerMinute: cfg.GenerationsPerMinute,
		GenerationBurst:      cfg.GenerationBurst,
	}, logg)

	handler := api.NewHandler(api.Deps{
		Accounts:      core.NewAccountService(dbStore, logg),
		Chats:         chatService,
		Blog:          web.NewBlog(renderer),
		Templates:     templates,
		Sessions:      auth.NewSessions(cfg.SessionSecret, cfg.SessionTTL),
		SecureCookies: cfg.SecureCookies,
		Log:           logg,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	// WriteTimeout stays unset: generation streams clear their own deadline
	// and page handlers are short.
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logg.Info("Starting server", "addr", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Fatal("Could not listen", "addr", serverAddr, "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logg.Info("Shutting down server...")

	// Give in-flight generations time to finish and persist.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logg.Error("Server forced to shutdown", "error", err)
	}
	logg.Info("Server exiting gracefully")
}
