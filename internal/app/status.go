package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

const (
	DefaultStatusTTL = 5 * time.Minute
	probeTimeout     = 10 * time.Second
)

// SystemStatus reports which external tools were found and which platforms can be served.
type SystemStatus struct {
	YtDlpAvailable     bool       `json:"ytdlpAvailable"`
	PythonAvailable    bool       `json:"pythonAvailable"`
	FFmpegAvailable    bool       `json:"ffmpegAvailable"`
	SupportedPlatforms []Platform `json:"supportedPlatforms"`
	Message            string     `json:"message"`
	Instructions       string     `json:"instructions,omitempty"`
	CheckedAt          time.Time  `json:"checkedAt"`
}

// StatusProber checks tool availability and caches the result for TTL. Concurrent callers
// that see an expired entry may each probe; the checks are idempotent.
type StatusProber struct {
	YtDlpBinary string
	Check       ToolCheck
	Now         func() time.Time
	TTL         time.Duration
	Logger      *zap.Logger

	mu     sync.Mutex
	cached *SystemStatus
}

func NewStatusProber(ytDlpBinary string, ttl time.Duration, logger *zap.Logger) *StatusProber {
	return &StatusProber{
		YtDlpBinary: ytDlpBinary,
		Check:       ExecToolCheck,
		Now:         time.Now,
		TTL:         ttl,
		Logger:      logger,
	}
}

func (p *StatusProber) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p *StatusProber) ttl() time.Duration {
	if p.TTL <= 0 {
		return DefaultStatusTTL
	}
	return p.TTL
}

func (p *StatusProber) load() *SystemStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached
}

func (p *StatusProber) store(s *SystemStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = s
}

// Status returns the cached status if it is fresh, probing otherwise.
func (p *StatusProber) Status(ctx context.Context) SystemStatus {
	if cached := p.load(); cached != nil && p.now().Sub(cached.CheckedAt) < p.ttl() {
		return *cached
	}
	s := p.probe(ctx)
	p.store(&s)
	return s
}

// Invalidate drops the cached status.
func (p *StatusProber) Invalidate() {
	p.store(nil)
}

func (p *StatusProber) probe(ctx context.Context) SystemStatus {
	log := Logger(ctx, p.Logger)
	check := p.Check
	if check == nil {
		check = ExecToolCheck
	}
	// The result is shared by every caller, so a disconnecting client must not cut it short.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
	defer cancel()

	ytDlp := p.YtDlpBinary
	if ytDlp == "" {
		ytDlp = DefaultYtDlpBinary
	}

	var errs error
	try := func(name string, args ...string) bool {
		if err := check(ctx, name, args...); err != nil {
			errs = multierror.Append(errs, err)
			return false
		}
		return true
	}

	s := SystemStatus{CheckedAt: p.now()}
	s.YtDlpAvailable = try(ytDlp, "--version")
	s.PythonAvailable = try("python3", "--version") || try("python", "--version")
	s.FFmpegAvailable = try("ffmpeg", "-version")
	if errs != nil {
		log.Debug("tool checks reported problems", zap.Error(errs))
	}

	if s.YtDlpAvailable {
		s.SupportedPlatforms = SupportedPlatforms()
	} else {
		s.SupportedPlatforms = StandalonePlatforms()
	}
	s.Message, s.Instructions = describeStatus(s)
	return s
}

func describeStatus(s SystemStatus) (string, string) {
	switch {
	case !s.YtDlpAvailable && !s.PythonAvailable:
		return fmt.Sprintf("yt-dlp and Python are not installed. Only %s downloads are available.", platformNames(s.SupportedPlatforms)),
			"Install Python 3 (https://www.python.org/downloads/), then run: pip install -U yt-dlp"
	case !s.YtDlpAvailable:
		return fmt.Sprintf("yt-dlp is not installed. Only %s downloads are available.", platformNames(s.SupportedPlatforms)),
			"Install yt-dlp with: pip install -U yt-dlp"
	case !s.FFmpegAvailable:
		return "All platforms are available, but ffmpeg is missing: audio conversion and high quality video merging will not work.",
			"Install ffmpeg (https://ffmpeg.org/download.html) and make sure it is on PATH"
	default:
		return "All systems operational", ""
	}
}

func platformNames(ps []Platform) string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.String()
	}
	return strings.Join(names, ", ")
}
