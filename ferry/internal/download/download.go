// Package download retrieves a book file from a catalog reference.
//
// Plain references are streamed with net/http. References on protected
// paths are fetched by a headless browser that clears the origin's
// challenge, logs in and lets the browser's own download machinery save the
// file, because the origin binds its clearance to the solving client.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrTooSmall   = errors.New("download: file too small, likely an error page")
	ErrCorrupt    = errors.New("download: file failed format verification")
	ErrNotABook   = errors.New("download: response is an html page")
	ErrChallenge  = errors.New("download: challenge not cleared")
	ErrLogin      = errors.New("download: login failed")
	ErrNoProgress = errors.New("download: no download progress")
	ErrTimeout    = errors.New("download: timed out")
)

// Paths a Result was obtained through.
const (
	ViaDirect  = "direct"
	ViaBrowser = "browser"
)

// Result is a downloaded file in the temp area.
type Result struct {
	Path string
	Ext  string
	Size int64
	Via  string
}

// Config configures a Downloader.
type Config struct {
	// TempDir receives downloaded files. Default: os.TempDir()/bookferry.
	TempDir string

	// ProtectedPaths mark references that need the browser path.
	// Default: ["/fast_download/"].
	ProtectedPaths []string

	DirectTimeout    time.Duration // Default: 5m.
	BrowserTimeout   time.Duration // Whole protected path. Default: 5m.
	ChallengeTimeout time.Duration // Default: 60s.
	LoginTimeout     time.Duration // Default: 60s.
	ProgressTimeout  time.Duration // Default: 90s.
	PollInterval     time.Duration // Default: 3s.
	StableDelay      time.Duration // Size-stability gap. Default: 2s.

	// MinBytes is the smallest plausible book. Default: 1024.
	MinBytes int64
	// SkipFormatCheck disables pdf/zip structure verification.
	SkipFormatCheck bool

	// APIKey is typed into the login form on the protected path.
	APIKey           string
	LoginPath        string // Default: "/login".
	LoginInput       string // Default: `input[name="key"]`.
	LoginSubmit      string // Default: `button[type="submit"]`.
	LoginSuccessPath string // Default: "/account".

	UserAgent string

	Logger *slog.Logger
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

func (c *Config) defaults() {
	if c.TempDir == "" {
		c.TempDir = filepath.Join(os.TempDir(), "bookferry")
	}
	if len(c.ProtectedPaths) == 0 {
		c.ProtectedPaths = []string{"/fast_download/"}
	}
	if c.DirectTimeout <= 0 {
		c.DirectTimeout = 5 * time.Minute
	}
	if c.BrowserTimeout <= 0 {
		c.BrowserTimeout = 5 * time.Minute
	}
	if c.ChallengeTimeout <= 0 {
		c.ChallengeTimeout = 60 * time.Second
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 60 * time.Second
	}
	if c.ProgressTimeout <= 0 {
		c.ProgressTimeout = 90 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.StableDelay <= 0 {
		c.StableDelay = 2 * time.Second
	}
	if c.MinBytes <= 0 {
		c.MinBytes = 1024
	}
	if c.LoginPath == "" {
		c.LoginPath = "/login"
	}
	if c.LoginInput == "" {
		c.LoginInput = `input[name="key"]`
	}
	if c.LoginSubmit == "" {
		c.LoginSubmit = `button[type="submit"]`
	}
	if c.LoginSuccessPath == "" {
		c.LoginSuccessPath = "/account"
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Downloader fetches references through the direct or the browser path.
type Downloader struct {
	cfg      Config
	client   *http.Client
	launcher Launcher
	detector CompletionDetector
	log      *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient replaces the direct-path HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) { d.client = c }
}

// WithDetector replaces the browser-path completion detector.
func WithDetector(det CompletionDetector) Option {
	return func(d *Downloader) { d.detector = det }
}

// New creates a Downloader. launcher may be nil, in which case protected
// references fail.
func New(cfg Config, launcher Launcher, opts ...Option) *Downloader {
	cfg.defaults()
	d := &Downloader{
		cfg:      cfg,
		client:   &http.Client{},
		launcher: launcher,
		log:      cfg.Logger,
	}
	d.detector = &DirDiff{
		Interval:        cfg.PollInterval,
		StableDelay:     cfg.StableDelay,
		ProgressTimeout: cfg.ProgressTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// IsProtected reports whether ref needs the browser path.
func (d *Downloader) IsProtected(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	for _, p := range d.cfg.ProtectedPaths {
		if strings.Contains(u.Path, p) {
			return true
		}
	}
	return false
}

// Fetch downloads ref into the temp area as baseName plus the detected
// extension, then runs the integrity gate. A rejected file is removed.
func (d *Downloader) Fetch(ctx context.Context, ref, baseName string) (*Result, error) {
	if err := os.MkdirAll(d.cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("download: temp dir: %w", err)
	}

	var res *Result
	var err error
	if d.IsProtected(ref) {
		res, err = d.fetchProtected(ctx, ref, baseName)
	} else {
		res, err = d.fetchDirect(ctx, ref, baseName)
	}
	if err != nil {
		return nil, err
	}

	if err := checkIntegrity(res, d.cfg.MinBytes, !d.cfg.SkipFormatCheck); err != nil {
		d.log.Warn("download: rejected", "path", res.Path, "size", res.Size, "error", err)
		return nil, err
	}
	d.log.Info("download: ok", "path", res.Path, "size", res.Size, "via", res.Via)
	return res, nil
}
