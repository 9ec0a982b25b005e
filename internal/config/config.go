package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ConfigFileEnv names an optional YAML/TOML/JSON file whose keys are the
// lowercase forms of the environment variables below. Environment variables
// win over the file.
const ConfigFileEnv = "CAMPROMPT_CONFIG"

type Config struct {
	ListenAddr string `validate:"required"`

	EndpointBase    string          `validate:"required,url"`
	Instruction     string          `validate:"required"`
	Interval        time.Duration   `validate:"gt=0"`
	IntervalChoices []time.Duration `validate:"required,min=1,dive,gt=0"`

	CompletionBackend   string `validate:"oneof=chat claude ollama"`
	MaxTokens           int    `validate:"gt=0"`
	MessageContentField string `validate:"oneof=content context"`
	Model               string
	ClaudeAPIKey        string `validate:"required_if=CompletionBackend claude"`
	ClaudeModel         string `validate:"required_if=CompletionBackend claude"`
	ClaudeBaseURL       string `validate:"omitempty,url"`
	OllamaModel         string `validate:"required_if=CompletionBackend ollama"`

	CaptureBackend     string `validate:"oneof=ffmpeg dir"`
	CaptureDevice      string `validate:"required_if=CaptureBackend ffmpeg"`
	CaptureInputFormat string
	CaptureDir         string `validate:"required_if=CaptureBackend dir"`
	CaptureMaxWidth    int    `validate:"gte=0"`
	JPEGQuality        int    `validate:"min=1,max=100"`

	MetricsEnabled bool
	LogLevel       string `validate:"oneof=debug info warn error"`
	LogFile        string
	LogFormat      string `validate:"oneof=json text"`
}

var defaults = map[string]any{
	"LISTEN_ADDR":           ":8090",
	"ENDPOINT_BASE":         "http://localhost:8080",
	"INSTRUCTION":           "What do you see?",
	"INTERVAL_MS":           1000,
	"INTERVAL_CHOICES_MS":   "1000,2000,5000,10000",
	"COMPLETION_BACKEND":    "chat",
	"MAX_TOKENS":            100,
	"MESSAGE_CONTENT_FIELD": "content",
	"MODEL":                 "",
	"CLAUDE_API_KEY":        "",
	"CLAUDE_MODEL":          "claude-opus-4-6",
	"CLAUDE_BASE_URL":       "",
	"OLLAMA_MODEL":          "moondream",
	"CAPTURE_BACKEND":       "ffmpeg",
	"CAPTURE_DEVICE":        "/dev/video0",
	"CAPTURE_INPUT_FORMAT":  "v4l2",
	"CAPTURE_DIR":           "/data/snapshots",
	"CAPTURE_MAX_WIDTH":     0,
	"JPEG_QUALITY":          80,
	"METRICS_ENABLED":       true,
	"LOG_LEVEL":             "info",
	"LOG_FILE":              "",
	"LOG_FORMAT":            "json",
}

// Load reads configuration from the environment (and the optional config
// file) and validates it.
func Load() (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	choices, err := parseIntervals(v.GetString("INTERVAL_CHOICES_MS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:          v.GetString("LISTEN_ADDR"),
		EndpointBase:        strings.TrimSuffix(v.GetString("ENDPOINT_BASE"), "/"),
		Instruction:         v.GetString("INSTRUCTION"),
		Interval:            time.Duration(v.GetInt64("INTERVAL_MS")) * time.Millisecond,
		IntervalChoices:     choices,
		CompletionBackend:   v.GetString("COMPLETION_BACKEND"),
		MaxTokens:           v.GetInt("MAX_TOKENS"),
		MessageContentField: v.GetString("MESSAGE_CONTENT_FIELD"),
		Model:               v.GetString("MODEL"),
		ClaudeAPIKey:        v.GetString("CLAUDE_API_KEY"),
		ClaudeModel:         v.GetString("CLAUDE_MODEL"),
		ClaudeBaseURL:       v.GetString("CLAUDE_BASE_URL"),
		OllamaModel:         v.GetString("OLLAMA_MODEL"),
		CaptureBackend:      v.GetString("CAPTURE_BACKEND"),
		CaptureDevice:       v.GetString("CAPTURE_DEVICE"),
		CaptureInputFormat:  v.GetString("CAPTURE_INPUT_FORMAT"),
		CaptureDir:          v.GetString("CAPTURE_DIR"),
		CaptureMaxWidth:     v.GetInt("CAPTURE_MAX_WIDTH"),
		JPEGQuality:         v.GetInt("JPEG_QUALITY"),
		MetricsEnabled:      v.GetBool("METRICS_ENABLED"),
		LogLevel:            v.GetString("LOG_LEVEL"),
		LogFile:             v.GetString("LOG_FILE"),
		LogFormat:           v.GetString("LOG_FORMAT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and that Interval is one of the choices.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !slices.Contains(c.IntervalChoices, c.Interval) {
		return fmt.Errorf("invalid config: INTERVAL_MS %d is not in INTERVAL_CHOICES_MS", c.Interval.Milliseconds())
	}
	return nil
}

func parseIntervals(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		ms, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid INTERVAL_CHOICES_MS entry %q: %w", field, err)
		}
		if ms <= 0 {
			return nil, errors.New("INTERVAL_CHOICES_MS entries must be positive")
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
