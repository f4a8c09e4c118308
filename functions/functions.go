// Package functions exposes the API as standalone handlers for serverless platforms that
// invoke one http.HandlerFunc per route. They share the same contract and platform table
// as the long-running server.
package functions

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"mediagrab/internal/app"
)

var (
	once    sync.Once
	handler http.Handler
	initErr error
)

// configFromEnv reads the same MEDIAGRAB_* variables as the server command.
func configFromEnv() app.Config {
	cfg := app.DefaultConfig()
	if v := os.Getenv("MEDIAGRAB_TMP_DIR"); v != "" {
		cfg.TempDir = v
	}
	if v := os.Getenv("MEDIAGRAB_YTDLP_PATH"); v != "" {
		cfg.YtDlpBinary = v
	}
	if d, err := time.ParseDuration(os.Getenv("MEDIAGRAB_TIMEOUT")); err == nil && d > 0 {
		cfg.Timeout = d
	}
	if n, err := strconv.Atoi(os.Getenv("MEDIAGRAB_MAX_OUTPUT")); err == nil && n > 0 {
		cfg.MaxOutput = n
	}
	// Invocations are isolated, so in-process limiter, failure cache and metrics buy nothing.
	cfg.RateLimit = 0
	cfg.FailureCacheSize = 0
	cfg.Metrics = false
	return cfg
}

func build() (http.Handler, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	srv, _, err := app.NewServer(context.Background(), configFromEnv(), logger)
	if err != nil {
		return nil, err
	}
	return srv.Handler(), nil
}

func serve(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { handler, initErr = build() })
		if initErr != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"Internal server error"}` + "\n"))
			zap.L().Error("failed to initialize handler", zap.Error(initErr))
			return
		}
		// Platforms mount each function at its own path, so route explicitly.
		r2 := r.Clone(r.Context())
		r2.URL.Path = path
		handler.ServeHTTP(w, r2)
	}
}

// Download handles POST /api/download.
func Download(w http.ResponseWriter, r *http.Request) { serve("/api/download")(w, r) }

// ValidateURL handles POST /api/validate-url.
func ValidateURL(w http.ResponseWriter, r *http.Request) { serve("/api/validate-url")(w, r) }

// Status handles GET /api/status.
func Status(w http.ResponseWriter, r *http.Request) { serve("/api/status")(w, r) }

// Ping handles GET /api/ping.
func Ping(w http.ResponseWriter, r *http.Request) { serve("/api/ping")(w, r) }
