package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/agentworkforce/relaylist/internal/httpapi"
	"github.com/agentworkforce/relaylist/internal/ormstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevelFromEnv()}))
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	if err := run(ctx, logger); err != nil {
		logger.Error("relaylist exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	addr := os.Getenv("RELAYLIST_ADDR")
	if addr == "" {
		addr = ":8069"
	}
	modelsFile := strings.TrimSpace(os.Getenv("RELAYLIST_MODELS_FILE"))
	if modelsFile == "" {
		modelsFile = "models.yaml"
	}
	registry, err := ormstore.LoadRegistry(modelsFile)
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}
	stateBackend, eventQueue, err := buildStorageBackendsFromEnv()
	if err != nil {
		return fmt.Errorf("initialize storage backends: %w", err)
	}

	store, err := ormstore.NewStore(ormstore.StoreOptions{
		Registry:       registry,
		StateBackend:   stateBackend,
		EventQueue:     eventQueue,
		EventQueueSize: intEnv("RELAYLIST_EVENT_QUEUE_SIZE", 0),
		BackendProfile: strings.TrimSpace(os.Getenv("RELAYLIST_BACKEND_PROFILE")),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("RELAYLIST_JWT_SECRET"),
		Database:        strings.TrimSpace(os.Getenv("RELAYLIST_DATABASE")),
		RateLimitMax:    intEnv("RELAYLIST_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("RELAYLIST_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("RELAYLIST_MAX_BODY_BYTES", 0),
		Logger:          logger,
	})
	go server.RunBus(ctx)

	if boolEnv("RELAYLIST_WATCH_MODELS", true) {
		watcher, err := ormstore.NewModelsWatcher(store, modelsFile)
		if err != nil {
			logger.Warn("models file watcher disabled", "path", modelsFile, "error", err)
		} else {
			go func() {
				_ = watcher.Run(ctx)
			}()
		}
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("relaylist listening", "addr", addr, "models", store.Models())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("RELAYLIST_SHUTDOWN_TIMEOUT", 10*time.Second))
	defer cancel()
	logger.Info("relaylist shutting down")
	return httpServer.Shutdown(shutdownCtx)
}

func logLevelFromEnv() slog.Level {
	var level slog.Level
	raw := strings.TrimSpace(os.Getenv("RELAYLIST_LOG_LEVEL"))
	if raw == "" {
		return slog.LevelInfo
	}
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration setting, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid boolean setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func buildStorageBackendsFromEnv() (ormstore.StateBackend, ormstore.EventQueue, error) {
	profileStateDSN, profileQueueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, err
	}
	stateDSN := firstNonEmpty(os.Getenv("RELAYLIST_STATE_BACKEND_DSN"), os.Getenv("RELAYLIST_STATE_FILE"), profileStateDSN)
	stateBackend, err := ormstore.BuildStateBackendFromDSN(stateDSN)
	if err != nil {
		return nil, nil, err
	}
	queueDSN := firstNonEmpty(os.Getenv("RELAYLIST_EVENT_QUEUE_DSN"), os.Getenv("RELAYLIST_EVENT_QUEUE_FILE"), profileQueueDSN)
	eventQueue, err := ormstore.BuildEventQueueFromDSN(queueDSN, intEnv("RELAYLIST_EVENT_QUEUE_SIZE", 0))
	if err != nil {
		return nil, nil, err
	}
	return stateBackend, eventQueue, nil
}

func storageProfileDefaultsFromEnv() (stateBackendDSN, eventQueueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("RELAYLIST_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("RELAYLIST_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".relaylist"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := firstNonEmpty(os.Getenv("RELAYLIST_PRODUCTION_DSN"), os.Getenv("RELAYLIST_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", "", fmt.Errorf("RELAYLIST_PRODUCTION_DSN or RELAYLIST_POSTGRES_DSN is required when RELAYLIST_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"),
			"file://" + filepath.Join(dataDir, "event-queue.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported RELAYLIST_BACKEND_PROFILE: %s", profile)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}
