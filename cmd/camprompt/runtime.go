package main

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"github.com/vbonduro/camprompt/internal/capture"
	"github.com/vbonduro/camprompt/internal/capture/dir"
	"github.com/vbonduro/camprompt/internal/capture/ffmpeg"
	"github.com/vbonduro/camprompt/internal/completion"
	"github.com/vbonduro/camprompt/internal/completion/chat"
	"github.com/vbonduro/camprompt/internal/completion/claude"
	"github.com/vbonduro/camprompt/internal/completion/ollama"
	"github.com/vbonduro/camprompt/internal/config"
	"github.com/vbonduro/camprompt/internal/logging"
	"github.com/vbonduro/camprompt/internal/metrics"
	"github.com/vbonduro/camprompt/internal/session"
)

// runtime holds the wired components shared by every command.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	coord    *session.Coordinator
	cleanup  func()
}

// loadConfig reads the environment and applies command-line overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if c.IsSet("endpoint") {
		cfg.EndpointBase = c.String("endpoint")
	}
	if c.IsSet("instruction") {
		cfg.Instruction = c.String("instruction")
	}
	if c.IsSet("interval") {
		cfg.Interval = c.Duration("interval")
	}
	if c.IsSet("listen") {
		cfg.ListenAddr = c.String("listen")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newRuntime wires configuration, logging, metrics and the coordinator.
// withMetrics registers collectors on a fresh registry; commands that do not
// expose /metrics pass false.
func newRuntime(c *cli.Context, withMetrics bool) (*runtime, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	logger, cleanup, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: logger, cleanup: cleanup}

	var m *metrics.Metrics
	if withMetrics && cfg.MetricsEnabled {
		rt.registry = prometheus.NewRegistry()
		rt.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(rt.registry)
	}

	rt.coord = session.NewCoordinator(newSource(cfg, logger), newClient(cfg, logger), session.Options{
		Settings: session.Settings{
			Endpoint:    cfg.EndpointBase,
			Instruction: cfg.Instruction,
			Interval:    cfg.Interval,
		},
		Intervals: cfg.IntervalChoices,
		Encode: capture.EncodeOptions{
			Quality:  cfg.JPEGQuality,
			MaxWidth: cfg.CaptureMaxWidth,
		},
		Metrics: m,
		Logger:  logger,
	})
	return rt, nil
}

func (rt *runtime) close() {
	if err := rt.coord.Close(); err != nil {
		rt.logger.Error("failed to close session", "error", err)
	}
	rt.cleanup()
}

func newSource(cfg *config.Config, logger *slog.Logger) capture.Source {
	switch cfg.CaptureBackend {
	case "dir":
		logger.Info("using directory capture backend", "dir", cfg.CaptureDir)
		return dir.NewSource(cfg.CaptureDir, logger)
	default:
		logger.Info("using ffmpeg capture backend", "device", cfg.CaptureDevice, "format", cfg.CaptureInputFormat)
		return ffmpeg.NewSource(cfg.CaptureDevice, cfg.CaptureInputFormat, logger)
	}
}

func newClient(cfg *config.Config, logger *slog.Logger) completion.Client {
	switch cfg.CompletionBackend {
	case "claude":
		logger.Info("using Claude completion backend", "model", cfg.ClaudeModel)
		return claude.NewClient(cfg.ClaudeAPIKey, cfg.ClaudeModel, cfg.ClaudeBaseURL, cfg.MaxTokens, logger)
	case "ollama":
		logger.Info("using Ollama completion backend", "model", cfg.OllamaModel)
		return ollama.NewClient(cfg.OllamaModel, cfg.MaxTokens, logger)
	default:
		logger.Info("using chat completion backend", "content_field", cfg.MessageContentField, "model", cfg.Model)
		return chat.NewClient(chat.Options{
			MaxTokens:    cfg.MaxTokens,
			Model:        cfg.Model,
			ContentField: cfg.MessageContentField,
			Logger:       logger,
		})
	}
}
