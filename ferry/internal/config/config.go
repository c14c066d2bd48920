// Package config loads bookferry configuration: a YAML file over built-in
// defaults, then BOOKFERRY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/bookferry/ferry/internal/catalog"
)

// Config is the top-level configuration.
type Config struct {
	Database string `yaml:"database"`
	TempDir  string `yaml:"temp_dir"`
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
	HTTPAddr string `yaml:"http_addr"` // empty disables the admin server
	// HTTPToken, when set, is required as a bearer token on mutating
	// admin routes.
	HTTPToken string         `yaml:"http_token"`
	Schedule  ScheduleConfig `yaml:"schedule"`
	Queue     QueueConfig    `yaml:"queue"`
	Catalog   CatalogConfig  `yaml:"catalog"`
	Download  DownloadConfig `yaml:"download"`
	Feed      FeedConfig     `yaml:"feed"`
	Notify    NotifyConfig   `yaml:"notify"`
	S3        S3Config       `yaml:"s3"`
}

type ScheduleConfig struct {
	Interval   time.Duration `yaml:"interval"`
	RunOnStart bool          `yaml:"run_on_start"`
}

type QueueConfig struct {
	CooldownMs          int `yaml:"cooldown_ms"`
	MaxAttempts         int `yaml:"max_attempts"`
	GlobalDailyCap      int `yaml:"global_daily_cap"`
	DestinationDailyCap int `yaml:"destination_daily_cap"`
}

type CatalogConfig struct {
	Mirrors           []string          `yaml:"mirrors"`
	APIKey            string            `yaml:"api_key"`
	Scheme            string            `yaml:"scheme"`
	ProxyURL          string            `yaml:"proxy_url"`
	ProxyTimeout      time.Duration     `yaml:"proxy_timeout"`
	MaxResults        int               `yaml:"max_results"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`
	Selectors         catalog.Selectors `yaml:"selectors"`
}

type DownloadConfig struct {
	BrowserPath      string        `yaml:"browser_path"`
	DirectTimeout    time.Duration `yaml:"direct_timeout"`
	BrowserTimeout   time.Duration `yaml:"browser_timeout"`
	ChallengeTimeout time.Duration `yaml:"challenge_timeout"`
	LoginTimeout     time.Duration `yaml:"login_timeout"`
	ProgressTimeout  time.Duration `yaml:"progress_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	MinBytes         int64         `yaml:"min_bytes"`
	// VerifyFormat is a pointer so an explicit false survives defaults.
	VerifyFormat     *bool  `yaml:"verify_format"`
	LoginPath        string `yaml:"login_path"`
	LoginInput       string `yaml:"login_input"`
	LoginSubmit      string `yaml:"login_submit"`
	LoginSuccessPath string `yaml:"login_success_path"`
	UserAgent        string `yaml:"user_agent"`
	AcceptLanguage   string `yaml:"accept_language"`
	// ProtectedPaths are URL path fragments served through the browser.
	ProtectedPaths []string `yaml:"protected_paths"`
}

type FeedConfig struct {
	URLTemplate string        `yaml:"url_template"`
	Timeout     time.Duration `yaml:"timeout"`
}

type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"` // empty logs announcements instead
	Retries    int    `yaml:"retries"`
}

type S3Config struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint"`
}

// Enabled reports whether S3 destinations can be served.
func (c S3Config) Enabled() bool { return c.Region != "" || c.Endpoint != "" }

// Default returns the built-in configuration.
func Default() *Config {
	verify := true
	return &Config{
		Database: "bookferry.db",
		TempDir:  filepath.Join(os.TempDir(), "bookferry"),
		LogLevel: "info",
		Schedule: ScheduleConfig{Interval: time.Hour},
		Queue: QueueConfig{
			CooldownMs:          5000,
			MaxAttempts:         5,
			GlobalDailyCap:      50,
			DestinationDailyCap: 10,
		},
		Catalog: CatalogConfig{
			Scheme:            "https",
			ProxyURL:          "http://localhost:8191/v1",
			ProxyTimeout:      60 * time.Second,
			MaxResults:        5,
			RequestsPerSecond: 1,
		},
		Download: DownloadConfig{
			DirectTimeout:    5 * time.Minute,
			BrowserTimeout:   5 * time.Minute,
			ChallengeTimeout: 60 * time.Second,
			LoginTimeout:     60 * time.Second,
			ProgressTimeout:  90 * time.Second,
			PollInterval:     3 * time.Second,
			MinBytes:         1024,
			VerifyFormat:     &verify,
			LoginPath:        "/login",
			LoginSuccessPath: "/account",
			AcceptLanguage:   "en-US,en;q=0.9",
		},
		Feed:   FeedConfig{Timeout: 30 * time.Second},
		Notify: NotifyConfig{Retries: 3},
	}
}

// LoadDotEnv loads .env style files into the environment. Missing files are
// skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads path (optional: empty means defaults only), applies the
// environment and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.fillZero()
	return cfg, cfg.Validate()
}

// fillZero restores defaults a file set to zero.
func (c *Config) fillZero() {
	d := Default()
	if c.Schedule.Interval <= 0 {
		c.Schedule.Interval = d.Schedule.Interval
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = d.Queue.MaxAttempts
	}
	if c.Catalog.MaxResults <= 0 {
		c.Catalog.MaxResults = d.Catalog.MaxResults
	}
	if c.Download.VerifyFormat == nil {
		c.Download.VerifyFormat = d.Download.VerifyFormat
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"BOOKFERRY_DATABASE":             &c.Database,
		"BOOKFERRY_TEMP_DIR":             &c.TempDir,
		"BOOKFERRY_LOG_LEVEL":            &c.LogLevel,
		"BOOKFERRY_HTTP_ADDR":            &c.HTTPAddr,
		"BOOKFERRY_HTTP_TOKEN":           &c.HTTPToken,
		"BOOKFERRY_API_KEY":              &c.Catalog.APIKey,
		"BOOKFERRY_PROXY_URL":            &c.Catalog.ProxyURL,
		"BOOKFERRY_BROWSER_PATH":         &c.Download.BrowserPath,
		"BOOKFERRY_FEED_URL_TEMPLATE":    &c.Feed.URLTemplate,
		"BOOKFERRY_WEBHOOK_URL":          &c.Notify.WebhookURL,
		"BOOKFERRY_S3_REGION":            &c.S3.Region,
		"BOOKFERRY_S3_ACCESS_KEY_ID":     &c.S3.AccessKeyID,
		"BOOKFERRY_S3_SECRET_ACCESS_KEY": &c.S3.SecretAccessKey,
		"BOOKFERRY_S3_ENDPOINT":          &c.S3.Endpoint,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"BOOKFERRY_COOLDOWN_MS":           &c.Queue.CooldownMs,
		"BOOKFERRY_MAX_ATTEMPTS":          &c.Queue.MaxAttempts,
		"BOOKFERRY_GLOBAL_DAILY_CAP":      &c.Queue.GlobalDailyCap,
		"BOOKFERRY_DESTINATION_DAILY_CAP": &c.Queue.DestinationDailyCap,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
	}

	if v, ok := lookup("BOOKFERRY_MIRRORS"); ok {
		c.Catalog.Mirrors = splitList(v)
	}
	if v, ok := lookup("BOOKFERRY_SCHEDULE_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: BOOKFERRY_SCHEDULE_INTERVAL: %w", err)
		}
		c.Schedule.Interval = d
	}
	if v, ok := lookup("BOOKFERRY_VERIFY_FORMAT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: BOOKFERRY_VERIFY_FORMAT: %w", err)
		}
		c.Download.VerifyFormat = &b
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks values a run cannot recover from.
func (c *Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if c.TempDir == "" {
		errs = append(errs, errors.New("temp_dir is required"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Queue.CooldownMs < 0 {
		errs = append(errs, errors.New("queue.cooldown_ms must be >= 0"))
	}
	if c.Queue.GlobalDailyCap <= 0 {
		errs = append(errs, errors.New("queue.global_daily_cap must be > 0"))
	}
	if c.Queue.DestinationDailyCap <= 0 {
		errs = append(errs, errors.New("queue.destination_daily_cap must be > 0"))
	}
	if c.Download.MinBytes < 0 {
		errs = append(errs, errors.New("download.min_bytes must be >= 0"))
	}
	for i, m := range c.Catalog.Mirrors {
		if strings.Contains(m, "/") {
			errs = append(errs, fmt.Errorf("catalog.mirrors[%d]: %q must be a bare host", i, m))
		}
	}
	if c.Feed.URLTemplate != "" && !strings.Contains(c.Feed.URLTemplate, "{key}") {
		errs = append(errs, errors.New("feed.url_template must contain {key}"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Cooldown returns the queue cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Queue.CooldownMs) * time.Millisecond
}

// ParseLevel maps a log_level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log_level %q", s)
}
