package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds every tunable of the service.
type Config struct {
	HTTPAddr         string
	TempDir          string
	YtDlpBinary      string
	Timeout          time.Duration
	MaxOutput        int
	JSRuntime        string
	StatusTTL        time.Duration
	RateLimit        float64
	RateBurst        int
	FailureCacheSize int
	FailureCacheTTL  time.Duration
	HistoryDB        string
	Metrics          bool
}

func DefaultConfig() Config {
	return Config{
		HTTPAddr:         ":3001",
		TempDir:          os.TempDir(),
		YtDlpBinary:      DefaultYtDlpBinary,
		Timeout:          DefaultTimeout,
		MaxOutput:        DefaultMaxOutput,
		StatusTTL:        DefaultStatusTTL,
		RateLimit:        2,
		RateBurst:        5,
		FailureCacheSize: 256,
		FailureCacheTTL:  2 * time.Minute,
		Metrics:          true,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = multierror.Append(errs, errors.New("--http-addr must not be empty"))
	}
	if strings.TrimSpace(c.TempDir) == "" {
		errs = multierror.Append(errs, errors.New("--tmp-dir must not be empty"))
	}
	if strings.TrimSpace(c.YtDlpBinary) == "" {
		errs = multierror.Append(errs, errors.New("--ytdlp-path must not be empty"))
	}
	if c.Timeout <= 0 {
		errs = multierror.Append(errs, errors.New("--timeout must be > 0"))
	}
	if c.MaxOutput <= 0 {
		errs = multierror.Append(errs, errors.New("--max-output must be > 0"))
	}
	if c.StatusTTL <= 0 {
		errs = multierror.Append(errs, errors.New("--status-ttl must be > 0"))
	}
	if c.RateLimit < 0 {
		errs = multierror.Append(errs, errors.New("--rate-limit must be >= 0"))
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		errs = multierror.Append(errs, errors.New("--rate-burst must be > 0 when rate limiting is enabled"))
	}
	if c.FailureCacheSize < 0 {
		errs = multierror.Append(errs, errors.New("--failure-cache-size must be >= 0"))
	}
	if c.FailureCacheTTL < 0 {
		errs = multierror.Append(errs, errors.New("--failure-cache-ttl must be >= 0"))
	}
	return errs
}

// NewServer builds the service from cfg. The returned close function releases the history
// database, if one was opened.
func NewServer(ctx context.Context, cfg Config, logger *zap.Logger) (*Server, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create temp dir: %w", err)
	}

	closeFn := func() error { return nil }
	var history HistoryStore
	if cfg.HistoryDB != "" {
		store, err := NewSQLiteStore(cfg.HistoryDB)
		if err != nil {
			return nil, nil, fmt.Errorf("open history db: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("migrate history db: %w", err)
		}
		history = store
		closeFn = store.Close
	}

	var metrics *Metrics
	if cfg.Metrics {
		metrics = NewMetrics()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	controller := &Controller{
		Downloader: NewYtDlpDownloader(cfg.YtDlpBinary, cfg.JSRuntime, cfg.Timeout, cfg.MaxOutput, logger.Named("ytdlp")),
		TempDir:    cfg.TempDir,
		Logger:     logger.Named("download"),
		Failures:   NewFailureCache(cfg.FailureCacheSize, cfg.FailureCacheTTL),
		History:    history,
		Metrics:    metrics,
	}
	srv := &Server{
		Controller: controller,
		Status:     NewStatusProber(cfg.YtDlpBinary, cfg.StatusTTL, logger.Named("status")),
		History:    history,
		Limiter:    limiter,
		Metrics:    metrics,
		Logger:     logger.Named("http"),
	}
	return srv, closeFn, nil
}
