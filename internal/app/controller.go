package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DownloadRequest is the body of POST /api/download.
type DownloadRequest struct {
	URL       string `json:"url"`
	Platform  string `json:"platform,omitempty"`
	Quality   string `json:"quality,omitempty"`
	AudioOnly bool   `json:"audioOnly,omitempty"`
	// Episodes is reserved: downloads are single-item and the list is ignored.
	Episodes []int `json:"episodes,omitempty"`
}

// Artifact is a produced media file owned by one request.
type Artifact struct {
	Path        string
	Filename    string
	ContentType string
	Size        int64
	Platform    Platform
	Selection   Selection

	dir    string
	prefix string
}

// Controller orchestrates a single download: validation, yt-dlp invocation, artifact
// discovery, streaming and cleanup.
type Controller struct {
	Downloader Downloader
	TempDir    string
	Logger     *zap.Logger
	Failures   *FailureCache
	History    HistoryStore
	Metrics    *Metrics

	Now   func() time.Time
	NewID func() string
}

func (c *Controller) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Controller) newID() string {
	if c.NewID == nil {
		return uuid.NewString()
	}
	return c.NewID()
}

func (c *Controller) tempDir() string {
	if c.TempDir == "" {
		return os.TempDir()
	}
	return c.TempDir
}

// plan is a validated request ready to run.
type plan struct {
	url       string
	platform  Platform
	selection Selection
	prefix    string
	template  string
}

func (c *Controller) prepare(req DownloadRequest, id string) (plan, error) {
	if strings.TrimSpace(req.URL) == "" {
		return plan{}, newError(KindInput, "URL is required")
	}
	if utf8.RuneCountInString(req.URL) > MaxURLLength {
		return plan{}, newError(KindInput, fmt.Sprintf("URL is too long (maximum length is %d characters)", MaxURLLength))
	}
	normalized := NormalizeURL(req.URL)
	if !IsValidURL(normalized) {
		return plan{}, newError(KindInput, "Invalid URL format")
	}

	var platform Platform
	if strings.TrimSpace(req.Platform) != "" {
		p, ok := ParsePlatform(req.Platform)
		if !ok {
			return plan{}, newError(KindUnsupported, fmt.Sprintf("Unsupported platform: %s", req.Platform))
		}
		platform = p
	} else {
		p, ok := DetectPlatform(normalized)
		if !ok {
			return plan{}, newError(KindUnsupported, "Unsupported platform: the URL does not match any supported site")
		}
		platform = p
	}

	sel := ResolveQuality(req.Quality, req.AudioOnly)
	prefix := fmt.Sprintf("%d-%s_", c.now().UnixMilli(), id)
	return plan{
		url:       normalized,
		platform:  platform,
		selection: sel,
		prefix:    prefix,
		template:  filepath.Join(c.tempDir(), prefix+"%(title).150B.%(ext)s"),
	}, nil
}

// Fetch validates req, runs the downloader and returns the produced artifact. On error no
// artifact files are left behind.
func (c *Controller) Fetch(ctx context.Context, req DownloadRequest) (*Artifact, error) {
	return c.fetch(ctx, req, c.newID())
}

func (c *Controller) fetch(ctx context.Context, req DownloadRequest, id string) (*Artifact, error) {
	log := Logger(ctx, c.Logger)

	p, err := c.prepare(req, id)
	if err != nil {
		return nil, err
	}
	if len(req.Episodes) > 0 {
		log.Info("episodes field is reserved and ignored; downloading a single item",
			zap.Ints("episodes", req.Episodes), zap.Bool("episodic", p.platform.IsEpisodic()))
	}
	failKey := failureKey(p.url, p.selection)
	if cached, ok := c.Failures.Get(failKey); ok {
		log.Info("serving cached failure", zap.String("url", p.url), zap.String("kind", cached.Kind.String()))
		return nil, cached
	}
	if c.Downloader == nil {
		return nil, newError(KindInternal, "Downloader is not configured")
	}
	if !p.selection.Exact {
		log.Debug("unknown quality token, using wildcard selector",
			zap.String("quality", p.selection.Token), zap.String("format", p.selection.Format))
	}

	log.Info("starting download",
		zap.String("url", p.url),
		zap.String("platform", p.platform.String()),
		zap.String("quality", p.selection.Token),
		zap.Bool("audio_only", p.selection.AudioOnly))

	res, err := c.Downloader.Download(ctx, DownloadSpec{
		URL:            p.url,
		Platform:       p.platform,
		Selection:      p.selection,
		OutputTemplate: p.template,
	})
	if res.Truncated {
		log.Debug("yt-dlp output exceeded capture limit and was truncated")
	}
	if err != nil {
		c.removeArtifacts(log, c.tempDir(), p.prefix)
		de := AsDownloadError(err)
		c.Failures.Remember(failKey, de)
		return nil, de
	}

	path, err := findArtifact(c.tempDir(), p.prefix, p.selection.Container)
	if err != nil {
		c.removeArtifacts(log, c.tempDir(), p.prefix)
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		c.removeArtifacts(log, c.tempDir(), p.prefix)
		return nil, wrapError(KindInternal, "Failed to read downloaded file", err)
	}
	if info.Size() == 0 {
		c.removeArtifacts(log, c.tempDir(), p.prefix)
		return nil, newError(KindEmpty, "Downloaded file is empty; the content may be unavailable")
	}

	return &Artifact{
		Path:        path,
		Filename:    artifactFilename(filepath.Base(path), p.prefix, p.selection.Container),
		ContentType: p.selection.ContentType(),
		Size:        info.Size(),
		Platform:    p.platform,
		Selection:   p.selection,
		dir:         c.tempDir(),
		prefix:      p.prefix,
	}, nil
}

// Stream writes the artifact with download headers and returns the number of bytes sent.
func (c *Controller) Stream(w http.ResponseWriter, a *Artifact) (int64, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return 0, wrapError(KindInternal, "Failed to open downloaded file", err)
	}
	defer f.Close()

	h := w.Header()
	h.Set("Content-Type", a.ContentType)
	h.Set("Content-Length", strconv.FormatInt(a.Size, 10))
	h.Set("Content-Disposition", contentDisposition(a.Filename))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)

	return io.Copy(w, f)
}

// Cleanup deletes every file belonging to the artifact. Failures are logged only.
func (c *Controller) Cleanup(ctx context.Context, a *Artifact) {
	if a == nil {
		return
	}
	c.removeArtifacts(Logger(ctx, c.Logger), a.dir, a.prefix)
}

// ServeDownload is the POST /api/download handler.
func (c *Controller) ServeDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := Logger(ctx, c.Logger)
	started := c.now()

	id := RequestID(ctx)
	if id == "" {
		id = c.newID()
	}

	var req DownloadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, log, err)
		return
	}

	rec := DownloadRecord{
		RequestID: id,
		URL:       req.URL,
		Platform:  req.Platform,
		Quality:   req.Quality,
		AudioOnly: req.AudioOnly,
		CreatedAt: started,
	}
	defer c.Metrics.startDownload()()
	defer func() {
		rec.Duration = c.now().Sub(started)
		c.Metrics.observeDownload(rec)
		c.record(ctx, log, rec)
	}()

	artifact, err := c.fetch(ctx, req, id)
	if err != nil {
		de := AsDownloadError(err)
		rec.Status = de.Kind.StatusCode()
		rec.ErrorKind = de.Kind.String()
		writeError(w, log, de)
		return
	}
	// The artifact is removed once the stream ends, whether or not it succeeded.
	defer c.Cleanup(ctx, artifact)

	rec.Platform = artifact.Platform.String()
	rec.Quality = artifact.Selection.Token
	rec.Status = http.StatusOK

	n, err := c.Stream(w, artifact)
	rec.Bytes = n
	if err != nil {
		rec.ErrorKind = "stream"
		var de *DownloadError
		if errors.As(err, &de) {
			rec.Status = de.Kind.StatusCode()
			writeError(w, log, de)
			return
		}
		log.Warn("stream to client interrupted",
			zap.String("file", artifact.Filename),
			zap.String("sent", humanize.Bytes(uint64(n))),
			zap.Error(err))
		return
	}
	log.Info("download streamed",
		zap.String("file", artifact.Filename),
		zap.String("size", humanize.Bytes(uint64(n))),
		zap.Duration("elapsed", c.now().Sub(started)))
}

func (c *Controller) record(ctx context.Context, log *zap.Logger, rec DownloadRecord) {
	if c.History == nil {
		return
	}
	// The request context may already be cancelled by a disconnected client.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.History.RecordDownload(ctx, rec); err != nil {
		log.Warn("failed to record download history", zap.Error(err))
	}
}

func (c *Controller) removeArtifacts(log *zap.Logger, dir, prefix string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn("failed to scan temp dir for cleanup", zap.String("dir", dir), zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to delete temp file", zap.String("path", path), zap.Error(err))
			continue
		}
		log.Debug("deleted temp file", zap.String("path", path))
	}
}

func isPartialArtifact(name string) bool {
	for _, suffix := range []string{".part", ".ytdl", ".temp", ".tmp"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return strings.Contains(name, ".part-Frag")
}

// findArtifact scans dir for the file yt-dlp produced under prefix, preferring the
// requested container when several files match.
func findArtifact(dir, prefix, container string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", wrapError(KindInternal, "Failed to read download directory", err)
	}
	var candidates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || isPartialArtifact(name) {
			continue
		}
		candidates = append(candidates, name)
	}
	if len(candidates) == 0 {
		return "", newError(KindEmpty, "Downloader reported success but nothing was produced")
	}
	for _, name := range candidates {
		if strings.EqualFold(filepath.Ext(name), "."+container) {
			return filepath.Join(dir, name), nil
		}
	}
	return filepath.Join(dir, candidates[0]), nil
}

var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F\x7F]`)

// artifactFilename strips the request prefix and makes the name safe for a header.
func artifactFilename(base, prefix, container string) string {
	name := strings.TrimPrefix(base, prefix)
	name = unsafeFilenameChars.ReplaceAllString(name, "-")
	name = strings.TrimSpace(name)
	if strings.TrimSuffix(name, filepath.Ext(name)) == "" {
		ext := filepath.Ext(name)
		if ext == "" {
			ext = "." + container
		}
		return "download" + ext
	}
	return name
}

func contentDisposition(filename string) string {
	ascii := strings.Map(func(r rune) rune {
		if r > 0x7E || r < 0x20 {
			return '_'
		}
		return r
	}, filename)
	if ascii == filename {
		return fmt.Sprintf(`attachment; filename="%s"`, filename)
	}
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, ascii, strings.ReplaceAll(url.QueryEscape(filename), "+", "%20"))
}
