package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mediagrab/internal/app"
)

var ytDlpHelpRun = func(binary string) ([]byte, error) {
	return exec.Command(binary, "--help").CombinedOutput()
}

type options struct {
	cfg       app.Config
	logLevel  string
	logFormat string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(run).RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(action func(ctx context.Context, opts options) error) *cli.App {
	defaults := app.DefaultConfig()
	return &cli.App{
		Name:  "mediagrab",
		Usage: "serve media downloads through yt-dlp over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "http-addr", Value: defaults.HTTPAddr, EnvVars: []string{"MEDIAGRAB_HTTP_ADDR"}, Usage: "listen on `ADDR`"},
			&cli.StringFlag{Name: "tmp-dir", Value: defaults.TempDir, EnvVars: []string{"MEDIAGRAB_TMP_DIR"}, Usage: "write artifacts to `DIR`"},
			&cli.StringFlag{Name: "ytdlp-path", Value: defaults.YtDlpBinary, EnvVars: []string{"MEDIAGRAB_YTDLP_PATH"}, Usage: "yt-dlp executable"},
			&cli.DurationFlag{Name: "timeout", Value: defaults.Timeout, EnvVars: []string{"MEDIAGRAB_TIMEOUT"}, Usage: "wall-clock limit per yt-dlp run"},
			&cli.IntFlag{Name: "max-output", Value: defaults.MaxOutput, EnvVars: []string{"MEDIAGRAB_MAX_OUTPUT"}, Usage: "bytes of yt-dlp console output kept per stream"},
			&cli.StringFlag{Name: "js-runtime", Value: "auto", EnvVars: []string{"MEDIAGRAB_JS_RUNTIME"}, Usage: "JS runtime passed to yt-dlp (auto,none,node,deno,...)"},
			&cli.DurationFlag{Name: "status-ttl", Value: defaults.StatusTTL, EnvVars: []string{"MEDIAGRAB_STATUS_TTL"}, Usage: "how long a tool probe result is reused"},
			&cli.Float64Flag{Name: "rate-limit", Value: defaults.RateLimit, EnvVars: []string{"MEDIAGRAB_RATE_LIMIT"}, Usage: "download requests per second (0 disables)"},
			&cli.IntFlag{Name: "rate-burst", Value: defaults.RateBurst, EnvVars: []string{"MEDIAGRAB_RATE_BURST"}, Usage: "download request burst size"},
			&cli.IntFlag{Name: "failure-cache-size", Value: defaults.FailureCacheSize, EnvVars: []string{"MEDIAGRAB_FAILURE_CACHE_SIZE"}, Usage: "unavailable URLs remembered (0 disables)"},
			&cli.DurationFlag{Name: "failure-cache-ttl", Value: defaults.FailureCacheTTL, EnvVars: []string{"MEDIAGRAB_FAILURE_CACHE_TTL"}, Usage: "how long an unavailable URL is remembered"},
			&cli.BoolFlag{Name: "metrics", Value: defaults.Metrics, EnvVars: []string{"MEDIAGRAB_METRICS"}, Usage: "serve Prometheus metrics on /metrics"},
			&cli.StringFlag{Name: "history-db", EnvVars: []string{"MEDIAGRAB_HISTORY_DB"}, Usage: "record download history in sqlite database `FILE`"},
			&cli.StringFlag{Name: "log-level", Value: "info", EnvVars: []string{"MEDIAGRAB_LOG_LEVEL"}, Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "log-format", Value: "console", EnvVars: []string{"MEDIAGRAB_LOG_FORMAT"}, Usage: "console or json"},
		},
		Action: func(c *cli.Context) error {
			opts, err := optionsFrom(c)
			if err != nil {
				return err
			}
			return action(c.Context, opts)
		},
		HideHelpCommand: true,
	}
}

func optionsFrom(c *cli.Context) (options, error) {
	opts := options{
		cfg: app.Config{
			HTTPAddr:         c.String("http-addr"),
			TempDir:          c.String("tmp-dir"),
			YtDlpBinary:      c.String("ytdlp-path"),
			Timeout:          c.Duration("timeout"),
			MaxOutput:        c.Int("max-output"),
			JSRuntime:        c.String("js-runtime"),
			StatusTTL:        c.Duration("status-ttl"),
			RateLimit:        c.Float64("rate-limit"),
			RateBurst:        c.Int("rate-burst"),
			FailureCacheSize: c.Int("failure-cache-size"),
			FailureCacheTTL:  c.Duration("failure-cache-ttl"),
			HistoryDB:        c.String("history-db"),
			Metrics:          c.Bool("metrics"),
		},
		logLevel:  strings.ToLower(strings.TrimSpace(c.String("log-level"))),
		logFormat: strings.ToLower(strings.TrimSpace(c.String("log-format"))),
	}
	if err := opts.cfg.Validate(); err != nil {
		return opts, err
	}
	switch opts.logFormat {
	case "console", "json":
	default:
		return opts, errors.New("--log-format must be console or json")
	}
	if _, err := parseLevel(opts.logLevel); err != nil {
		return opts, fmt.Errorf("--log-level: %w", err)
	}
	return opts, nil
}

func run(ctx context.Context, opts options) error {
	logger, err := buildLogger(opts.logLevel, opts.logFormat)
	if err != nil {
		return fmt.Errorf("can't initialize zap logger: %w", err)
	}
	defer logger.Sync()
	zap.RedirectStdLog(logger)
	zap.ReplaceGlobals(logger)

	cfg := opts.cfg
	if !app.HasExecutable(cfg.YtDlpBinary) {
		logger.Warn("yt-dlp not found in PATH; downloads will fail until it is installed",
			zap.String("ytdlp", cfg.YtDlpBinary))
		cfg.JSRuntime = ""
	} else {
		jsRuntime, jsWarn, err := resolveDesiredJSRuntime(cfg.YtDlpBinary, cfg.JSRuntime)
		if err != nil {
			return err
		}
		if jsWarn != "" {
			logger.Warn(jsWarn)
		}
		cfg.JSRuntime = jsRuntime
	}
	if !app.HasExecutable("ffmpeg") {
		logger.Warn("ffmpeg not found; falling back to single-stream video and audio extraction will fail. Install ffmpeg for merged video+audio output.")
	}

	srv, closeFn, err := app.NewServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			logger.Warn("failed to close history db", zap.Error(err))
		}
	}()

	// Warm the status cache so the first client does not pay for the probe.
	status := srv.Status.Status(ctx)
	logger.Info(status.Message, zap.Bool("ytdlp", status.YtDlpAvailable), zap.Bool("ffmpeg", status.FFmpegAvailable))

	return app.ServeHTTP(ctx, cfg.HTTPAddr, srv.Handler(), logger)
}

func parseLevel(s string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, err
	}
	return lvl, nil
}

func buildLogger(level, format string) (*zap.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	var config zap.Config
	if format == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	config.Level = zap.NewAtomicLevelAt(lvl)
	return config.Build()
}

func resolveDesiredJSRuntime(binary, pref string) (string, string, error) {
	if runtimePrefIsNone(pref) {
		return "", "", nil
	}
	supported, err := jsRuntimeFlagSupported(binary)
	if err != nil {
		if runtimePrefIsAuto(pref) {
			return "", fmt.Sprintf("could not query yt-dlp --help (%v); continuing without explicit JS runtime", err), nil
		}
		return "", "", err
	}
	if !supported {
		if runtimePrefIsAuto(pref) {
			return "", "yt-dlp in PATH does not support --js-runtimes; continuing without explicit JS runtime", nil
		}
		return "", "", errors.New("--js-runtime requires yt-dlp 2024.04.09 or newer; update yt-dlp or remove the flag")
	}
	runtime, err := resolveJSRuntime(pref)
	if err != nil {
		if runtimePrefIsAuto(pref) {
			return "", err.Error() + "; continuing without explicit JS runtime", nil
		}
		return "", "", err
	}
	return runtime, "", nil
}

func resolveJSRuntime(preferred string) (string, error) {
	candidates := []string{}
	for _, part := range strings.Split(strings.ToLower(strings.TrimSpace(preferred)), ",") {
		part = strings.TrimSpace(part)
		if part != "" && part != "auto" {
			candidates = append(candidates, part)
		}
	}
	if len(candidates) == 0 {
		candidates = []string{"node", "deno"}
	}
	for _, candidate := range candidates {
		if app.HasExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no supported JS runtime found (tried %s)", strings.Join(candidates, ", "))
}

func runtimePrefIsAuto(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	return v == "" || v == "auto"
}

func runtimePrefIsNone(value string) bool {
	return strings.ToLower(strings.TrimSpace(value)) == "none"
}

func jsRuntimeFlagSupported(binary string) (bool, error) {
	out, err := ytDlpHelpRun(binary)
	if err != nil {
		return false, err
	}
	return strings.Contains(string(out), "--js-runtimes"), nil
}
