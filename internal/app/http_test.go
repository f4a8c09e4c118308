package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return &Server{
		Controller: newTestController(t, &fakeDownloader{}),
		Logger:     zap.NewNop(),
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		hint     string
		status   int
		valid    bool
		platform string
		errPart  string
	}{
		{name: "missing", raw: "", status: http.StatusBadRequest, errPart: "required"},
		{name: "youtube", raw: "youtube.com/watch?v=abc", status: http.StatusOK, valid: true, platform: "youtube"},
		{name: "hint matches", raw: "https://vm.tiktok.com/xyz", hint: "TikTok", status: http.StatusOK, valid: true, platform: "tiktok"},
		{name: "hint mismatch", raw: "https://youtu.be/abc", hint: "spotify", status: http.StatusOK, platform: "spotify", errPart: "belongs to youtube"},
		{name: "unknown hint ignored", raw: "https://youtu.be/abc", hint: "myspace", status: http.StatusOK, valid: true, platform: "youtube"},
		{name: "unsupported", raw: "https://example.com/foo", status: http.StatusOK, errPart: "Unsupported"},
		{name: "invalid", raw: "https://exa mple.com", status: http.StatusOK, errPart: "Invalid URL"},
		{name: "too long", raw: "https://youtu.be/" + strings.Repeat("a", 3000), status: http.StatusOK, errPart: "too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := ValidateURL(tt.raw, tt.hint)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.valid, resp.Valid)
			assert.Equal(t, tt.platform, resp.Platform)
			if tt.errPart == "" {
				assert.Empty(t, resp.Error)
			} else {
				assert.Contains(t, resp.Error, tt.errPart)
			}
		})
	}
}

func TestValidateURLNormalizes(t *testing.T) {
	_, resp := ValidateURL("  instagram.com/p/abc  ", "")
	assert.True(t, resp.Valid)
	assert.Equal(t, "https://instagram.com/p/abc", resp.URL)
}

func TestHandlerValidateURL(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := postJSON(t, h, "/api/validate-url", map[string]any{"url": "soundcloud.com/artist/track"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "soundcloud", body["platform"])

	rec = postJSON(t, h, "/api/validate-url", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "URL is required", decodeBody(t, rec)["error"])

	rec = postJSON(t, h, "/api/validate-url", `{"url": ["a"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "URL must be a string", decodeBody(t, rec)["error"])
}

func TestHandlerPing(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(t).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"pong"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestHandlerCORSPreflight(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(t).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/download", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Content-Disposition")
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	h := newTestServer(t).Handler()
	for _, path := range []string{"/api/download", "/api/validate-url"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
		assert.Equal(t, "Method not allowed", decodeBody(t, rec)["error"])
	}
	rec := postJSON(t, h, "/api/ping", map[string]any{})
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlerNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(t).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not found", decodeBody(t, rec)["error"])
}

func TestHandlerRateLimit(t *testing.T) {
	srv := newTestServer(t)
	srv.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	h := srv.Handler()

	first := postJSON(t, h, "/api/download", map[string]any{"url": ""})
	assert.Equal(t, http.StatusBadRequest, first.Code)

	second := postJSON(t, h, "/api/download", map[string]any{"url": ""})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	// Validation is not throttled.
	rec := postJSON(t, h, "/api/validate-url", map[string]any{"url": "youtu.be/abc"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerRecoversPanics(t *testing.T) {
	srv := newTestServer(t)
	srv.Controller.Downloader = panicDownloader{}
	rec := postJSON(t, srv.Handler(), "/api/download", map[string]any{"url": "https://youtu.be/abc"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", decodeBody(t, rec)["error"])
}

type panicDownloader struct{}

func (panicDownloader) Download(context.Context, DownloadSpec) (RunResult, error) {
	panic("boom")
}

func TestHandlerHistory(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	history := &fakeHistory{}
	require.NoError(t, history.RecordDownload(context.Background(), DownloadRecord{RequestID: "r1", URL: "https://youtu.be/a", Status: 200}))
	srv.History = history
	h := srv.Handler()

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	downloads, ok := decodeBody(t, rec)["downloads"].([]any)
	require.True(t, ok)
	require.Len(t, downloads, 1)
	assert.Equal(t, "r1", downloads[0].(map[string]any)["requestId"])

	for _, limit := range []string{"0", "501", "abc"} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history?limit="+limit, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, limit)
	}
}

func TestHandlerStatus(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	srv.Status = &StatusProber{Check: fakeTools(map[string]bool{"yt-dlp": true, "python3": true, "ffmpeg": true})}
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ytdlpAvailable"])
	assert.Equal(t, "All systems operational", body["message"])
	assert.Len(t, body["supportedPlatforms"], len(SupportedPlatforms()))
}

func TestDecodeJSONBodyTooLarge(t *testing.T) {
	big := `{"url":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	rec := postJSON(t, newTestServer(t).Handler(), "/api/validate-url", big)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Request body too large", decodeBody(t, rec)["error"])
}
