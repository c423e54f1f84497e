package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ent0n29/callcoach/internal/backend"
	"github.com/ent0n29/callcoach/internal/config"
	"github.com/ent0n29/callcoach/internal/httpapi"
	"github.com/ent0n29/callcoach/internal/observability"
	"github.com/ent0n29/callcoach/internal/scenario"
	"github.com/ent0n29/callcoach/internal/session"
	"github.com/ent0n29/callcoach/internal/store"
)

// trainingBackend is everything the service needs from the training API.
type trainingBackend interface {
	session.Recorder
	httpapi.Backend
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	journal, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("session journal init failed: %v", err)
	}
	defer journal.Close()
	storeMode := "memory"
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		storeMode = "postgres"
	}

	var remote trainingBackend
	switch strings.ToLower(strings.TrimSpace(cfg.VoiceProvider)) {
	case "remote":
		if cfg.TrainingAPIBaseURL == "" {
			log.Fatalf("TRAINING_VOICE_PROVIDER=remote but TRAINING_API_BASE_URL is not set")
		}
		remote = newClient(cfg)
		cfg.VoiceProvider = "remote"
	case "mock":
		remote = backend.NewMock()
		cfg.VoiceProvider = "mock"
	default:
		if cfg.TrainingAPIBaseURL != "" {
			remote = newClient(cfg)
			cfg.VoiceProvider = "remote"
		} else {
			remote = backend.NewMock()
			cfg.VoiceProvider = "mock"
		}
	}
	log.Printf("training backend: %s", cfg.VoiceProvider)

	catalog := scenario.NewDefaultCatalog()
	if n, err := scenario.LoadFile(catalog, cfg.ScenariosFile); err != nil {
		log.Fatalf("scenario catalog load failed: %v", err)
	} else if n > 0 {
		log.Printf("loaded %d scenarios from %s", n, cfg.ScenariosFile)
	}

	lifecycle := session.NewLifecycle(remote, journal, metrics, cfg.SessionInactivityTimeout)

	api := httpapi.New(cfg, httpapi.Deps{
		Catalog:   catalog,
		Lifecycle: lifecycle,
		Backend:   remote,
		Journal:   journal,
		StoreMode: storeMode,
		Metrics:   metrics,
	})
	lifecycle.SetExpireHook(api.ExpireSession)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	lifecycle.StartJanitor(runCtx, 5*time.Second)

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

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

func newClient(cfg config.Config) *backend.Client {
	return backend.NewClient(backend.Config{
		BaseURL:    cfg.TrainingAPIBaseURL,
		Token:      cfg.TrainingAPIToken,
		Timeout:    cfg.TrainingAPITimeout,
		MaxRetries: 2,
	})
}
