// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/Isna13/BarManagerPro-sub001/internal/config"
	"github.com/Isna13/BarManagerPro-sub001/internal/retail"
	"github.com/Isna13/BarManagerPro-sub001/oversync"
)

// ServerComponents holds the initialized server components
type ServerComponents struct {
	Pool        *pgxpool.Pool
	Redis       *redis.Client // nil when REDIS_URL is not configured
	SyncService *oversync.SyncService
	JWTAuth     *oversync.JWTAuth
	Handler     http.Handler
	Logger      *slog.Logger
}

// SetupServer connects to Postgres (and Redis when configured), initializes the sync and
// retail schemas and builds the HTTP handler
func SetupServer(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) (*ServerComponents, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sc := &ServerComponents{Logger: logger}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.AppName

	sc.Pool, err = pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := sc.Pool.Ping(ctx); err != nil {
		sc.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := retail.InitializeServerTables(ctx, sc.Pool, logger); err != nil {
		sc.Close()
		return nil, err
	}

	serviceConfig := cfg.ServiceConfig(retail.RegisteredEntities(retail.NewMaterializer(logger)))
	serviceConfig.LogStageTimings = cfg.LogLevel == "debug"

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			sc.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		sc.Redis = redis.NewClient(opts)
		if err := sc.Redis.Ping(ctx).Err(); err != nil {
			sc.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		serviceConfig.Presence = oversync.NewRedisPresence(sc.Redis)
		serviceConfig.Locker = oversync.NewRedisPushLocker(sc.Redis, 30*time.Second, 5*time.Second, logger)
		logger.Info("Redis presence and push locks enabled")
	}

	sc.SyncService, err = oversync.NewSyncService(sc.Pool, serviceConfig, logger)
	if err != nil {
		sc.Close()
		return nil, err
	}

	if cfg.JWTSecret == config.DefaultServerConfig().JWTSecret {
		logger.Warn("Using default JWT secret - change in production!")
	}
	sc.JWTAuth = oversync.NewJWTAuth(cfg.JWTSecret)
	sc.Handler = NewHandler(oversync.NewHTTPSyncHandlers(sc.SyncService, sc.JWTAuth, logger), cfg.LogRequests, logger)
	return sc, nil
}

// NewHandler mounts the health check and the sync API
func NewHandler(handlers *oversync.HTTPSyncHandlers, logRequests bool, logger *slog.Logger) http.Handler {
	api := http.NewServeMux()
	handlers.Register(api)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HandleHealth)
	mux.Handle("/sync/", LoggingMiddleware(logRequests, api, logger))
	return mux
}

// Close shuts down the server components and cleans up resources
func (sc *ServerComponents) Close() {
	if sc.SyncService != nil {
		_ = sc.SyncService.Close()
	}
	if sc.Redis != nil {
		_ = sc.Redis.Close()
	}
	if sc.Pool != nil {
		sc.Pool.Close()
	}
}

// LoggingMiddleware logs requests and responses when enabled
func LoggingMiddleware(enableLogging bool, next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !enableLogging {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()

		var bodySize int
		if r.Method == http.MethodPost && r.ContentLength > 0 && r.ContentLength < 10000 {
			if b, err := io.ReadAll(r.Body); err == nil {
				bodySize = len(b)
				r.Body = io.NopCloser(bytes.NewReader(b))
			}
		}
		logger.Info("HTTP Request",
			"method", r.Method,
			"path", r.URL.Path,
			"query", r.URL.RawQuery,
			"remote_addr", r.RemoteAddr,
			"body_bytes", bodySize,
		)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		logger.Info("HTTP Response",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"bytes", wrapped.written,
			"duration", time.Since(start).String(),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.written += n
	return n, err
}

// HandleHealth is the unauthenticated liveness probe terminals use to detect connectivity
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status": "healthy", "service": "overpos-server"}`))
}
