package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort            = 8080
	defaultDataDir         = "data"
	defaultDownloadDir     = "downloads"
	defaultStagingDir      = "staging"
	defaultTaskTimeout     = 30 * time.Minute
	defaultTaskTTL         = 7 * 24 * time.Hour
	defaultHistoryLimit    = 20
	defaultMaxAttempts     = 3
	defaultRetryBackoff    = time.Minute
	defaultCleanupInterval = time.Hour
	defaultYtDlpPath       = "yt-dlp"
	defaultLogMaxSizeMB    = 50
)

// Duration wraps time.Duration so YAML values like "30m" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config describes runtime configuration for the service. Values come
// from the YAML file, then a .env file, then GRAVITY_* environment
// variables, later sources winning.
type Config struct {
	Port            int      `yaml:"port"`
	DataDir         string   `yaml:"data_dir"`
	DownloadDir     string   `yaml:"download_dir"`
	StagingDir      string   `yaml:"staging_dir"`
	Workers         int      `yaml:"workers"`
	TaskTimeout     Duration `yaml:"task_timeout"`
	TaskTTL         Duration `yaml:"task_ttl"`
	HistoryLimit    int      `yaml:"history_limit"`
	MaxAttempts     int      `yaml:"max_attempts"`
	RetryBackoff    Duration `yaml:"retry_backoff"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	YtDlpPath       string   `yaml:"ytdlp_path"`
	Proxy           string   `yaml:"proxy"`
	AllowAnyURL     bool     `yaml:"allow_any_url"`
	LogFile         string   `yaml:"log_file"`
	LogMaxSizeMB    int      `yaml:"log_max_size_mb"`
}

func Default() Config {
	return Config{
		Port:            defaultPort,
		DataDir:         defaultDataDir,
		DownloadDir:     defaultDownloadDir,
		StagingDir:      defaultStagingDir,
		TaskTimeout:     Duration(defaultTaskTimeout),
		TaskTTL:         Duration(defaultTaskTTL),
		HistoryLimit:    defaultHistoryLimit,
		MaxAttempts:     defaultMaxAttempts,
		RetryBackoff:    Duration(defaultRetryBackoff),
		CleanupInterval: Duration(defaultCleanupInterval),
		YtDlpPath:       defaultYtDlpPath,
		LogMaxSizeMB:    defaultLogMaxSizeMB,
	}
}

// Load reads YAML config from the provided path. A missing or empty
// file yields defaults with no error. Environment variables override
// file values; a .env file in the working directory is honored.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if len(fileData) > 0 {
			if err := yaml.Unmarshal(fileData, &cfg); err != nil {
				return cfg, fmt.Errorf("parse yaml: %w", err)
			}
		}
	}

	_ = godotenv.Load()
	applyEnv(&cfg)

	if err := cfg.normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GRAVITY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("GRAVITY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("GRAVITY_DOWNLOAD_DIR"); v != "" {
		cfg.DownloadDir = v
	}
	if v := os.Getenv("GRAVITY_STAGING_DIR"); v != "" {
		cfg.StagingDir = v
	}
	if v := os.Getenv("GRAVITY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("GRAVITY_TASK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TaskTimeout = Duration(d)
		}
	}
	if v := os.Getenv("GRAVITY_TASK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TaskTTL = Duration(d)
		}
	}
	if v := os.Getenv("GRAVITY_YTDLP_PATH"); v != "" {
		cfg.YtDlpPath = v
	}
	if v := proxyFromEnv(); v != "" && cfg.Proxy == "" {
		cfg.Proxy = v
	}
	if v := os.Getenv("GRAVITY_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
}

// proxyFromEnv mirrors the conventional outbound proxy variables so the
// external tool inherits the deployment's egress path.
func proxyFromEnv() string {
	for _, key := range []string{"HTTP_PROXY", "http_proxy", "HTTPS_PROXY", "https_proxy"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func (c *Config) normalize() error {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.DownloadDir == "" {
		c.DownloadDir = defaultDownloadDir
	}
	if c.StagingDir == "" {
		c.StagingDir = defaultStagingDir
	}
	if c.YtDlpPath == "" {
		c.YtDlpPath = defaultYtDlpPath
	}
	if c.Workers < 0 {
		return fmt.Errorf("invalid workers: %d (must be >= 0, 0 means CPU count)", c.Workers)
	}
	if c.HistoryLimit < 1 {
		return fmt.Errorf("invalid history_limit: %d (must be >= 1)", c.HistoryLimit)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("invalid max_attempts: %d (must be >= 1)", c.MaxAttempts)
	}
	return nil
}
