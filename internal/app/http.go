package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 64 << 10

// Server wires the API routes to their collaborators. Status and History are optional.
type Server struct {
	Controller *Controller
	Status     *StatusProber
	History    HistoryStore
	// Limiter throttles /api/download; nil disables throttling.
	Limiter *rate.Limiter
	// Metrics, when set, is served on /metrics.
	Metrics *Metrics
	Logger  *zap.Logger
}

func (s *Server) log() *zap.Logger {
	if s.Logger == nil {
		return zap.L()
	}
	return s.Logger
}

// Handler returns the API with CORS, request IDs, access logging and panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/download", s.method(http.MethodPost, s.rateLimited(s.Controller.ServeDownload)))
	mux.HandleFunc("/api/validate-url", s.method(http.MethodPost, s.handleValidateURL))
	mux.HandleFunc("/api/status", s.method(http.MethodGet, s.handleStatus))
	mux.HandleFunc("/api/ping", s.method(http.MethodGet, handlePing))
	mux.HandleFunc("/api/history", s.method(http.MethodGet, s.handleHistory))
	if s.Metrics != nil {
		mux.HandleFunc("/metrics", s.method(http.MethodGet, s.Metrics.Handler().ServeHTTP))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Not found"})
	})
	return s.middleware(mux)
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		log := s.log().With(zap.String("request_id", id))
		ctx := withRequestID(WithLogger(r.Context(), log), id)
		r = r.WithContext(ctx)

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		h.Set("Access-Control-Expose-Headers", "Content-Disposition, Content-Length")
		h.Set("X-Request-Id", id)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		sw := &statusWriter{ResponseWriter: w}
		started := time.Now()
		defer func() {
			if p := recover(); p != nil {
				log.Error("panic while handling request", zap.Any("panic", p), zap.Stack("stack"))
				if !sw.wroteHeader {
					writeJSON(sw, http.StatusInternalServerError, errorBody{Error: "Internal server error"})
				}
			}
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status()),
				zap.Duration("elapsed", time.Since(started)))
			s.Metrics.observeRequest(r.URL.Path, sw.status())
		}()
		next.ServeHTTP(sw, r)
	})
}

func (s *Server) method(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method+", OPTIONS")
			writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
			return
		}
		next(w, r)
	}
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	if s.Limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "Too many download requests, please retry shortly"})
			return
		}
		next(w, r)
	}
}

type validateRequest struct {
	URL      string `json:"url"`
	Platform string `json:"platform,omitempty"`
}

type ValidateResponse struct {
	Valid    bool   `json:"valid"`
	Platform string `json:"platform,omitempty"`
	URL      string `json:"url,omitempty"`
	Error    string `json:"error,omitempty"`
	Detected string `json:"detected,omitempty"`
}

func (s *Server) handleValidateURL(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, Logger(r.Context(), s.Logger), err)
		return
	}
	status, resp := ValidateURL(req.URL, req.Platform)
	writeJSON(w, status, resp)
}

// ValidateURL classifies a URL for the client. A missing URL is the only outcome reported
// with a non-200 status.
func ValidateURL(raw, hint string) (int, ValidateResponse) {
	if strings.TrimSpace(raw) == "" {
		return http.StatusBadRequest, ValidateResponse{Error: "URL is required"}
	}
	if len([]rune(raw)) > MaxURLLength {
		return http.StatusOK, ValidateResponse{Error: fmt.Sprintf("URL is too long (maximum length is %d characters)", MaxURLLength)}
	}
	normalized := NormalizeURL(raw)
	if !IsValidURL(normalized) {
		return http.StatusOK, ValidateResponse{Error: "Invalid URL format"}
	}
	detected, ok := DetectPlatform(normalized)
	if !ok {
		return http.StatusOK, ValidateResponse{URL: normalized, Error: "Unsupported platform"}
	}
	if hint != "" {
		if p, ok := ParsePlatform(hint); ok && p != detected {
			return http.StatusOK, ValidateResponse{
				URL:      normalized,
				Platform: p.String(),
				Detected: detected.String(),
				Error:    fmt.Sprintf("URL belongs to %s, not %s", detected, p),
			}
		}
	}
	return http.StatusOK, ValidateResponse{Valid: true, Platform: detected.String(), URL: normalized}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.Status == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "Status probing is not configured"})
		return
	}
	writeJSON(w, http.StatusOK, s.Status.Status(r.Context()))
}

func handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Download history is disabled"})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	recs, err := s.History.RecentDownloads(r.Context(), limit)
	if err != nil {
		writeError(w, Logger(r.Context(), s.Logger), wrapError(KindInternal, "Failed to read download history", err))
		return
	}
	if recs == nil {
		recs = []DownloadRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"downloads": recs})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &typeErr) && typeErr.Field == "url":
		return newError(KindInput, "URL must be a string")
	case errors.As(err, &typeErr):
		return newError(KindInput, fmt.Sprintf("Invalid value for field %q", typeErr.Field))
	case errors.As(err, &maxErr):
		return newError(KindInput, "Request body too large")
	default:
		return wrapError(KindInput, "Invalid JSON body", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	de := AsDownloadError(err)
	status := de.Kind.StatusCode()
	fields := []zap.Field{zap.String("kind", de.Kind.String()), zap.Int("status", status)}
	if de.Err != nil {
		fields = append(fields, zap.Error(de.Err))
	}
	if status >= http.StatusInternalServerError {
		log.Error(de.Message, fields...)
	} else {
		log.Info(de.Message, fields...)
	}
	writeJSON(w, status, errorBody{Error: de.Message, Details: de.Details})
}

type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) status() int {
	if !w.wroteHeader {
		return http.StatusOK
	}
	return w.code
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// ServeHTTP listens on addr until ctx is cancelled, then shuts down gracefully.
func ServeHTTP(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("server listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
