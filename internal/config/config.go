package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds every runtime setting of the server.
type Config struct {
	Addr            string        `toml:"addr"`
	WorkDir         string        `toml:"work_dir"`
	CORSOrigin      string        `toml:"cors_origin"`
	RateLimit       int           `toml:"rate_limit"`
	RateWindow      time.Duration `toml:"-"`
	RateStore       string        `toml:"rate_store"`
	RateDBPath      string        `toml:"rate_db"`
	TrustProxy      bool          `toml:"trust_proxy"`
	Engine          string        `toml:"engine"`
	WhisperModel    string        `toml:"whisper_model"`
	ModelPath       string        `toml:"model_path"`
	WhisperBinary   string        `toml:"whisper_bin"`
	WhisperThreads  int           `toml:"whisper_threads"`
	WhisperParallel int           `toml:"whisper_concurrency"`
	FFmpegBinary    string        `toml:"ffmpeg_bin"`
	ToolTimeout     time.Duration `toml:"-"`
	MaxUploadMB     int64         `toml:"max_upload_mb"`
	OutputRetention time.Duration `toml:"-"`
	LogLevel        string        `toml:"log_level"`
}

// Rate store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:            ":8000",
		WorkDir:         ".",
		CORSOrigin:      "http://localhost:3000",
		RateLimit:       5,
		RateWindow:      24 * time.Hour,
		RateStore:       StoreMemory,
		RateDBPath:      "ratelimit.db",
		Engine:          "cli",
		WhisperModel:    "small",
		ModelPath:       "./models/ggml-small.bin",
		WhisperBinary:   "whisper",
		WhisperParallel: 1,
		FFmpegBinary:    "ffmpeg",
		MaxUploadMB:     1024,
		OutputRetention: time.Hour,
		LogLevel:        "info",
	}
}

func getenv(lookup func(string) (string, bool), key string, target *string) {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		*target = strings.TrimSpace(v)
	}
}

func getenvBool(lookup func(string) (string, bool), key string, target *bool) {
	if v, ok := lookup(key); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "0", "false", "no", "off":
			*target = false
		default:
			*target = true
		}
	}
}

func getenvInt(lookup func(string) (string, bool), key string, target *int) error {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*target = n
	}
	return nil
}

func getenvDuration(lookup func(string) (string, bool), key string, target *time.Duration) error {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*target = d
	}
	return nil
}

// Loader reads configuration from an optional TOML file and the
// environment. Tests can override Lookup to inject deterministic maps.
type Loader struct {
	Lookup func(string) (string, bool)
	// File is read before the environment is applied. When empty the
	// AUTOSUB_CONFIG variable names it.
	File string
}

// Load returns the validated configuration. Precedence is defaults, then
// file, then environment.
func (l Loader) Load() (Config, error) {
	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Default()

	file := l.File
	if file == "" {
		file, _ = lookup("AUTOSUB_CONFIG")
	}
	if strings.TrimSpace(file) != "" {
		if err := applyFile(strings.TrimSpace(file), &cfg); err != nil {
			return Config{}, err
		}
	}

	getenv(lookup, "AUTOSUB_ADDR", &cfg.Addr)
	getenv(lookup, "AUTOSUB_WORK_DIR", &cfg.WorkDir)
	getenv(lookup, "AUTOSUB_CORS_ORIGIN", &cfg.CORSOrigin)
	getenv(lookup, "AUTOSUB_RATE_STORE", &cfg.RateStore)
	getenv(lookup, "AUTOSUB_RATE_DB", &cfg.RateDBPath)
	getenvBool(lookup, "AUTOSUB_TRUST_PROXY", &cfg.TrustProxy)
	getenv(lookup, "AUTOSUB_ENGINE", &cfg.Engine)
	getenv(lookup, "WHISPER_MODEL", &cfg.WhisperModel)
	getenv(lookup, "WHISPER_MODEL_PATH", &cfg.ModelPath)
	getenv(lookup, "WHISPER_BIN", &cfg.WhisperBinary)
	getenv(lookup, "FFMPEG_BIN", &cfg.FFmpegBinary)
	getenv(lookup, "LOG_LEVEL", &cfg.LogLevel)

	var maxUpload int
	for _, step := range []error{
		getenvInt(lookup, "AUTOSUB_RATE_LIMIT", &cfg.RateLimit),
		getenvDuration(lookup, "AUTOSUB_RATE_WINDOW", &cfg.RateWindow),
		getenvInt(lookup, "WHISPER_THREADS", &cfg.WhisperThreads),
		getenvInt(lookup, "WHISPER_CONCURRENCY", &cfg.WhisperParallel),
		getenvDuration(lookup, "AUTOSUB_TOOL_TIMEOUT", &cfg.ToolTimeout),
		getenvInt(lookup, "AUTOSUB_MAX_UPLOAD_MB", &maxUpload),
		getenvDuration(lookup, "AUTOSUB_OUTPUT_RETENTION", &cfg.OutputRetention),
	} {
		if step != nil {
			return Config{}, step
		}
	}
	if maxUpload != 0 {
		cfg.MaxUploadMB = int64(maxUpload)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return Loader{}.Load()
}

// fileConfig reads durations as strings such as "24h".
type fileConfig struct {
	Config
	RateWindow      string `toml:"rate_window"`
	ToolTimeout     string `toml:"tool_timeout"`
	OutputRetention string `toml:"output_retention"`
}

func applyFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	fc := fileConfig{Config: *cfg}
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	next := fc.Config
	durations := []struct {
		raw    string
		target *time.Duration
		name   string
	}{
		{fc.RateWindow, &next.RateWindow, "rate_window"},
		{fc.ToolTimeout, &next.ToolTimeout, "tool_timeout"},
		{fc.OutputRetention, &next.OutputRetention, "output_retention"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config: %s: %s: %w", path, d.name, err)
		}
		*d.target = v
	}
	*cfg = next
	return nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("config: rate_limit must be > 0, got %d", c.RateLimit)
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("config: rate_window must be > 0, got %s", c.RateWindow)
	}
	switch c.RateStore {
	case StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("config: unknown rate_store %q", c.RateStore)
	}
	switch c.Engine {
	case "whispercpp", "cli", "stub":
	default:
		return fmt.Errorf("config: unknown engine %q", c.Engine)
	}
	if c.WhisperParallel < 1 {
		return fmt.Errorf("config: whisper_concurrency must be >= 1, got %d", c.WhisperParallel)
	}
	if c.WhisperThreads < 0 {
		return fmt.Errorf("config: whisper_threads must be >= 0, got %d", c.WhisperThreads)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("config: max_upload_mb must be > 0, got %d", c.MaxUploadMB)
	}
	if c.ToolTimeout < 0 || c.OutputRetention < 0 {
		return fmt.Errorf("config: durations must not be negative")
	}
	return nil
}

// MaxUploadBytes converts MaxUploadMB to bytes.
func (c Config) MaxUploadBytes() int64 { return c.MaxUploadMB << 20 }
