package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unalkalkan/TwelveNarrator/internal/api"
	"github.com/unalkalkan/TwelveNarrator/internal/config"
	"github.com/unalkalkan/TwelveNarrator/internal/health"
	"github.com/unalkalkan/TwelveNarrator/internal/pipeline"
	"github.com/unalkalkan/TwelveNarrator/internal/progress"
	"github.com/unalkalkan/TwelveNarrator/internal/provider"
	"github.com/unalkalkan/TwelveNarrator/internal/storage"
	"github.com/unalkalkan/TwelveNarrator/internal/telemetry"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "config/dev.example.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting TwelveNarrator Server v%s", version)
	log.Printf("Configuration loaded from: %s", *configPath)

	otel, err := telemetry.Setup(context.Background(), cfg.Telemetry)
	if err != nil {
		log.Fatalf("Failed to set up telemetry: %v", err)
	}

	store, err := storage.New(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}
	log.Printf("Storage initialized: %s", cfg.Storage.Adapter)

	providerRegistry := provider.NewRegistry()
	if err := providerRegistry.InitializeProviders(cfg.Providers); err != nil {
		log.Fatalf("Failed to initialize providers: %v", err)
	}
	log.Printf("Providers initialized:")
	log.Printf("  LLM: %v", providerRegistry.ListLLM())
	log.Printf("  TTS: %v", providerRegistry.ListTTS())
	log.Printf("  Environment: %v", providerRegistry.ListEnvironment())

	components, err := pipeline.FromConfig(cfg, store, providerRegistry)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	healthHandler := health.NewHandler(version)
	healthHandler.Register("storage", func(ctx context.Context) (health.Status, error) {
		// Only connectivity matters here
		if _, err := store.Exists(ctx, ".healthcheck"); err != nil {
			return health.StatusUnhealthy, err
		}
		return health.StatusHealthy, nil
	})
	for name, checker := range providerRegistry.HealthCheckers() {
		healthHandler.RegisterProber(name, checker, name == "tts:"+cfg.Pipeline.TTSProvider)
	}

	var hub *progress.Hub
	if cfg.Progress.WebSocket {
		hub = progress.NewHub(components.Tracker)
		addPublisher(components.Tracker, hub)
	}
	if cfg.Progress.Redis.Enabled {
		redisPub, err := progress.NewRedisPublisher(cfg.Progress.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		addPublisher(components.Tracker, redisPub)
		healthHandler.RegisterProber("redis", redisPub, false)
	}
	if cfg.Progress.NATS.Enabled {
		natsPub, err := progress.NewNATSPublisher(cfg.Progress.NATS)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		addPublisher(components.Tracker, natsPub)
		healthHandler.Register("nats", func(ctx context.Context) (health.Status, error) {
			if !natsPub.Healthy() {
				return health.StatusDegraded, errors.New("nats connection lost")
			}
			return health.StatusHealthy, nil
		})
	}

	restored, err := components.Pipeline.Restore(context.Background())
	if err != nil {
		log.Printf("Failed to restore stored jobs: %v", err)
	} else {
		log.Printf("Restored %d jobs", restored)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health/live", healthHandler.LivenessHandler())
	mux.HandleFunc("/health/ready", healthHandler.ReadinessHandler())
	mux.HandleFunc("/health", healthHandler.HealthHandler())
	if otel.Handler != nil {
		mux.Handle("/metrics", otel.Handler)
	}

	mux.HandleFunc("/api/v1/info", infoHandler(version, cfg))
	mux.HandleFunc("/api/v1/providers", providersHandler(providerRegistry))

	voicesHandler := api.NewVoicesHandler(components.Catalog, components.Resolver)
	mux.HandleFunc("/api/v1/voices", voicesHandler.ListVoices)

	var progressHandler http.Handler
	if hub != nil {
		progressHandler = hub
		mux.Handle("/api/v1/ws", hub)
	}
	jobsHandler := api.NewJobsHandler(components.Pipeline, components.Jobs, components.Packager, store, progressHandler)
	mux.HandleFunc("/api/v1/jobs", jobsHandler.Jobs)
	mux.HandleFunc("/api/v1/jobs/", jobsHandler.Route)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// Downloads and websockets outlive short write timeouts
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	// Running jobs end cancelled and resume after the next start
	err = errors.Join(
		components.Close(),
		providerRegistry.Close(),
		store.Close(),
		otel.Shutdown(ctx),
	)
	if err != nil {
		log.Printf("Shutdown errors: %v", err)
	}

	log.Println("Server stopped")
}

func addPublisher(tracker *progress.Tracker, p progress.Publisher) {
	if err := tracker.AddPublisher(p); err != nil {
		log.Fatalf("Failed to add %s publisher: %v", p.Name(), err)
	}
	log.Printf("Progress publisher enabled: %s", p.Name())
}

// infoHandler returns basic server information
func infoHandler(version string, cfg *types.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"version":         version,
			"storage_adapter": cfg.Storage.Adapter,
			"tts_provider":    cfg.Pipeline.TTSProvider,
			"sample_rate":     cfg.Pipeline.SampleRate,
			"concurrency":     cfg.Pipeline.Concurrency,
		})
	}
}

// providersHandler returns information about registered providers
func providersHandler(registry *provider.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]string{
			"llm":         registry.ListLLM(),
			"tts":         registry.ListTTS(),
			"environment": registry.ListEnvironment(),
		})
	}
}
