package app

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultYtDlpBinary = "yt-dlp"
	DefaultTimeout     = 120 * time.Second
	DefaultMaxOutput   = 10 << 20
)

// DownloadSpec is everything yt-dlp needs for one artifact.
type DownloadSpec struct {
	URL            string
	Platform       Platform
	Selection      Selection
	OutputTemplate string
}

// Downloader produces an artifact on disk for a DownloadSpec.
type Downloader interface {
	Download(ctx context.Context, spec DownloadSpec) (RunResult, error)
}

// RunResult is the captured console output of a finished yt-dlp run.
type RunResult struct {
	Files     []string
	Stderr    string
	Truncated bool
	Retried   bool
}

type YtDlpDownloader struct {
	Binary    string
	JSRuntime string
	Timeout   time.Duration
	// MaxOutput bounds captured stdout and stderr; the media file itself goes straight to disk.
	MaxOutput int
	Logger    *zap.Logger
}

func NewYtDlpDownloader(binary, jsRuntime string, timeout time.Duration, maxOutput int, logger *zap.Logger) *YtDlpDownloader {
	return &YtDlpDownloader{
		Binary:    binary,
		JSRuntime: jsRuntime,
		Timeout:   timeout,
		MaxOutput: maxOutput,
		Logger:    logger,
	}
}

func (d *YtDlpDownloader) binary() string {
	if d.Binary == "" {
		return DefaultYtDlpBinary
	}
	return d.Binary
}

func (d *YtDlpDownloader) timeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultTimeout
	}
	return d.Timeout
}

func (d *YtDlpDownloader) maxOutput() int {
	if d.MaxOutput <= 0 {
		return DefaultMaxOutput
	}
	return d.MaxOutput
}

func (d *YtDlpDownloader) log() *zap.Logger {
	if d.Logger == nil {
		return zap.L()
	}
	return d.Logger
}

func (d *YtDlpDownloader) Download(ctx context.Context, spec DownloadSpec) (RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	ffmpeg := HasExecutable("ffmpeg")
	if spec.Selection.AudioOnly && !ffmpeg {
		de := newError(KindToolMissing, "ffmpeg is not installed on the server; audio downloads are unavailable")
		de.Details = "Install ffmpeg (https://ffmpeg.org/download.html) and make sure it is on PATH"
		return RunResult{}, de
	}
	baseArgs := []string{
		"--quiet",
		"--no-warnings",
		"--no-playlist",
		"--no-simulate",
		"--no-mtime",
		"--print", "after_move:filepath",
		"--format", spec.Selection.Selector(ffmpeg),
		"-o", spec.OutputTemplate,
	}
	baseArgs = append(baseArgs, spec.Selection.Args(ffmpeg)...)
	if d.JSRuntime != "" {
		baseArgs = append(baseArgs, "--remote-components", "ejs:github", "--js-runtimes", d.JSRuntime)
	}

	runWithExtras := func(extra []string) (RunResult, error) {
		args := make([]string, 0, len(baseArgs)+len(extra)+2)
		args = append(args, baseArgs...)
		args = append(args, extra...)
		args = append(args, "--", spec.URL)
		return runYtDlp(ctx, d.binary(), args, d.maxOutput())
	}

	res, err := runWithExtras(nil)
	if err != nil && spec.Platform == PlatformYouTube && ctx.Err() == nil && shouldRetryWithDynamic(res.Stderr, err) {
		d.log().Info("yt-dlp indicated SABR fallback; retrying with --allow-dynamic-mpd --concurrent-fragments 1",
			zap.String("url", spec.URL))
		res, err = runWithExtras([]string{"--allow-dynamic-mpd", "--concurrent-fragments", "1"})
		res.Retried = true
	}
	if err != nil {
		return res, classifyRunError(ctx, res, err, d.timeout())
	}
	return res, nil
}

// cappedBuffer keeps at most limit bytes and silently drops the rest, so a chatty child
// process cannot exhaust memory.
type cappedBuffer struct {
	limit     int
	buf       bytes.Buffer
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}

func runYtDlp(ctx context.Context, binary string, args []string, maxOutput int) (RunResult, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	// Grandchildren holding the pipes open must not stall Wait after a kill.
	cmd.WaitDelay = 2 * time.Second
	stdout := &cappedBuffer{limit: maxOutput}
	stderr := &cappedBuffer{limit: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	res := RunResult{
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
	}
	scanner := bufio.NewScanner(strings.NewReader(stdout.String()))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			res.Files = append(res.Files, line)
		}
	}
	return res, runErr
}

func shouldRetryWithDynamic(stderr string, runErr error) bool {
	if stderr == "" && runErr == nil {
		return false
	}
	patterns := []string{
		"fragment not found",
		"Retrying fragment",
		"SABR streaming",
		"Some web client https formats have been skipped",
		"HTTP Error 403",
	}
	for _, p := range patterns {
		if strings.Contains(stderr, p) {
			return true
		}
	}
	return false
}

// unavailablePatterns are yt-dlp error fragments that mean the remote content cannot be
// fetched, checked in order against lower-cased stderr.
var unavailablePatterns = []struct {
	pattern string
	message string
}{
	{"private video", "This content is private"},
	{"this video is private", "This content is private"},
	{"sign in to confirm your age", "This content is age-restricted"},
	{"login required", "This content requires a login"},
	{"requested content is not available", "This content is unavailable"},
	{"video unavailable", "This content is unavailable"},
	{"not available in your country", "This content is not available in the server's region"},
	{"has been removed", "This content has been removed"},
	{"does not exist", "This content does not exist"},
	{"http error 404", "This content was not found"},
	{"no video formats found", "No downloadable media was found at this URL"},
	{"no video could be found", "No downloadable media was found at this URL"},
	{"unsupported url", "This URL is not supported by the downloader"},
	{"requested format is not available", "The requested quality is not available for this content"},
}

func classifyRunError(ctx context.Context, res RunResult, err error, timeout time.Duration) *DownloadError {
	details := strings.TrimSpace(res.Stderr)
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		de := wrapError(KindToolMissing, "yt-dlp is not installed on the server", err)
		de.Details = "Install yt-dlp (pip install -U yt-dlp) and make sure it is on PATH"
		return de
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return wrapError(KindTimeout, fmt.Sprintf("Download timed out after %s", timeout), err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return wrapError(KindInternal, "Download cancelled", err)
	}
	lower := strings.ToLower(details)
	for _, p := range unavailablePatterns {
		if strings.Contains(lower, p.pattern) {
			de := wrapError(KindUnavailable, p.message, err)
			de.Details = truncate(details, 1000)
			return de
		}
	}
	de := wrapError(KindToolFailed, "Download failed", fmt.Errorf("yt-dlp failed: %w", err))
	de.Details = truncate(details, 1000)
	return de
}
