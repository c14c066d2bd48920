// Package ferry wires bookferry together: feeds fill a persistent queue of
// books, the queue finds and downloads them from catalog mirrors, and
// finished files are copied to each destination under daily quotas.
package ferry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/bookferry/ferry/internal/catalog"
	"github.com/hazyhaar/bookferry/ferry/internal/config"
	"github.com/hazyhaar/bookferry/ferry/internal/deliver"
	"github.com/hazyhaar/bookferry/ferry/internal/download"
	"github.com/hazyhaar/bookferry/ferry/internal/feed"
	"github.com/hazyhaar/bookferry/ferry/internal/notify"
	"github.com/hazyhaar/bookferry/ferry/internal/pipeline"
	"github.com/hazyhaar/bookferry/ferry/internal/queue"
	"github.com/hazyhaar/bookferry/ferry/internal/store"
	"github.com/hazyhaar/bookferry/observability"
)

// Config is the service configuration. Load it with LoadConfig.
type Config = config.Config

// LoadConfig reads a YAML file (optional) over defaults and applies the
// BOOKFERRY_* environment.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// LoadDotEnv loads .env files that exist into the environment.
func LoadDotEnv(paths ...string) error { return config.LoadDotEnv(paths...) }

// ParseLevel maps a log_level value to a slog level.
func ParseLevel(s string) (slog.Level, error) { return config.ParseLevel(s) }

const workerName = "bookferry"

// Service owns the database and every pipeline component.
type Service struct {
	cfg     *Config
	db      *sql.DB
	store   *store.Store
	metrics *observability.MetricsManager
	driver  *pipeline.Driver
	s3      bool
	trigger chan struct{}
	serving atomic.Bool // Run is active
	log     *slog.Logger
}

type options struct {
	proxy    catalog.Proxy
	launcher download.Launcher
	notifier notify.Notifier
	now      func() time.Time
	s3       deliver.Deliverer
}

// Option overrides a collaborator, mainly for tests.
type Option func(*options)

// WithProxy replaces the anti-bot solving proxy client.
func WithProxy(p catalog.Proxy) Option { return func(o *options) { o.proxy = p } }

// WithLauncher replaces the Chrome launcher of the protected download path.
func WithLauncher(l download.Launcher) Option { return func(o *options) { o.launcher = l } }

// WithNotifier replaces the webhook or log notifier.
func WithNotifier(n notify.Notifier) Option { return func(o *options) { o.notifier = n } }

// WithClock pins the clock used for quota windows.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithS3 replaces the S3 deliverer.
func WithS3(d deliver.Deliverer) Option { return func(o *options) { o.s3 = d } }

// New opens the database and builds the pipeline. Close releases it.
func New(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := observability.Init(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ferry: observability schema: %w", err)
	}
	st := store.NewStore(db, store.WithClock(o.now))
	mm := observability.NewMetricsManager(db, observability.WithLogger(logger))

	s3 := o.s3
	if s3 == nil && cfg.S3.Enabled() {
		client, err := deliver.NewS3(ctx, deliver.S3Config{
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Endpoint:        cfg.S3.Endpoint,
		})
		if err != nil {
			mm.Close()
			db.Close()
			return nil, err
		}
		s3 = client
	}

	proxy := o.proxy
	if proxy == nil {
		proxy = catalog.NewSolverProxy(cfg.Catalog.ProxyURL, cfg.Catalog.ProxyTimeout)
	}
	searcher := catalog.NewClient(catalog.Config{
		Mirrors:           cfg.Catalog.Mirrors,
		APIKey:            cfg.Catalog.APIKey,
		Scheme:            cfg.Catalog.Scheme,
		RequestsPerSecond: cfg.Catalog.RequestsPerSecond,
		Logger:            logger,
	}, proxy, catalog.NewListingParser(cfg.Catalog.Selectors, cfg.Catalog.MaxResults))

	launcher := o.launcher
	if launcher == nil {
		launcher = &download.RodLauncher{
			BinPath:        cfg.Download.BrowserPath,
			UserAgent:      cfg.Download.UserAgent,
			AcceptLanguage: cfg.Download.AcceptLanguage,
			Logger:         logger,
		}
	}
	fetcher := download.New(download.Config{
		TempDir:          cfg.TempDir,
		DirectTimeout:    cfg.Download.DirectTimeout,
		BrowserTimeout:   cfg.Download.BrowserTimeout,
		ChallengeTimeout: cfg.Download.ChallengeTimeout,
		LoginTimeout:     cfg.Download.LoginTimeout,
		ProgressTimeout:  cfg.Download.ProgressTimeout,
		PollInterval:     cfg.Download.PollInterval,
		MinBytes:         cfg.Download.MinBytes,
		SkipFormatCheck:  cfg.Download.VerifyFormat != nil && !*cfg.Download.VerifyFormat,
		APIKey:           cfg.Catalog.APIKey,
		LoginPath:        cfg.Download.LoginPath,
		LoginInput:       cfg.Download.LoginInput,
		LoginSubmit:      cfg.Download.LoginSubmit,
		LoginSuccessPath: cfg.Download.LoginSuccessPath,
		UserAgent:        cfg.Download.UserAgent,
		ProtectedPaths:   cfg.Download.ProtectedPaths,
		Logger:           logger,
	}, launcher)

	router := deliver.NewRouter(s3)

	q := queue.New(queue.Config{
		MaxAttempts:         cfg.Queue.MaxAttempts,
		GlobalDailyCap:      cfg.Queue.GlobalDailyCap,
		DestinationDailyCap: cfg.Queue.DestinationDailyCap,
		Cooldown:            cfg.Cooldown(),
		Now:                 o.now,
		Logger:              logger,
	}, st, searcher, fetcher, router, mm)

	var ingest pipeline.Ingester
	if cfg.Feed.URLTemplate != "" {
		ingest = feed.NewIngester(feed.Config{
			URLTemplate: cfg.Feed.URLTemplate,
			Timeout:     cfg.Feed.Timeout,
			Logger:      logger,
		}, st)
	}

	notifier := o.notifier
	if notifier == nil {
		if cfg.Notify.WebhookURL != "" {
			notifier = notify.NewWebhook(cfg.Notify.WebhookURL,
				notify.WithWebhookRetries(cfg.Notify.Retries),
				notify.WithWebhookLogger(logger))
		} else {
			notifier = notify.Log{Logger: logger}
		}
	}

	driver := pipeline.New(pipeline.Config{
		Interval:   cfg.Schedule.Interval,
		RunOnStart: cfg.Schedule.RunOnStart,
		Logger:     logger,
	}, ingest, q, notify.NewDispatcher(st, notifier, logger), mm)

	return &Service{
		cfg:     cfg,
		db:      db,
		store:   st,
		metrics: mm,
		driver:  driver,
		s3:      s3 != nil,
		trigger: make(chan struct{}, 1),
		log:     logger,
	}, nil
}

// Close flushes metrics and closes the database.
func (s *Service) Close() error {
	s.driver.Wait()
	s.metrics.Close()
	return s.db.Close()
}

// Run drives cycles on the schedule, on Trigger and on every extra source
// (SIGUSR1 in the binary) until ctx is cancelled. It also writes heartbeats.
func (s *Service) Run(ctx context.Context, triggers ...<-chan struct{}) {
	hw := observability.NewHeartbeatWriter(s.db, workerName, 30*time.Second, s.driver.Running)
	go hw.Run(ctx)
	sources := append([]<-chan struct{}{s.trigger}, triggers...)
	s.serving.Store(true)
	defer s.serving.Store(false)
	s.log.Info("ferry: running", "interval", s.cfg.Schedule.Interval, "run_on_start", s.cfg.Schedule.RunOnStart)
	s.driver.Run(ctx, sources...)
}

// RunOnce runs one cycle inline. It reports false when a cycle was already
// running.
func (s *Service) RunOnce(ctx context.Context) (bool, *pipeline.CycleReport) {
	return s.driver.RunOnce(ctx)
}

// Trigger asks Run for a cycle. It reports false, and drops the request,
// when no Run loop is active or a cycle is already running.
func (s *Service) Trigger() bool {
	if !s.serving.Load() || s.driver.Running() {
		return false
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
	return true
}

// Status is the operational snapshot served on /status.
type Status struct {
	Running      bool                     `json:"running"`
	Books        *store.Stats             `json:"books"`
	GlobalCap    int                      `json:"global_daily_cap"`
	Destinations []DestinationQuota       `json:"destinations"`
	LastCycle    *pipeline.CycleReport    `json:"last_cycle,omitempty"`
	Heartbeat    *observability.Heartbeat `json:"heartbeat,omitempty"`
}

// DestinationQuota is one destination's usage of its daily quota.
type DestinationQuota struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ServedToday int    `json:"served_today"`
	Cap         int    `json:"cap"`
}

// Status reports queue counters, per-destination quota use and the last
// cycle.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("ferry: stats: %w", err)
	}
	dests, err := s.store.ListDestinations(ctx)
	if err != nil {
		return nil, fmt.Errorf("ferry: destinations: %w", err)
	}
	from, to := store.DayBounds(s.store.Now())
	st := &Status{
		Running:      s.driver.Running(),
		Books:        stats,
		GlobalCap:    s.cfg.Queue.GlobalDailyCap,
		Destinations: make([]DestinationQuota, 0, len(dests)),
		LastCycle:    s.driver.LastReport(),
	}
	for _, d := range dests {
		n, err := s.store.CountServedBetween(ctx, d.ID, from, to)
		if err != nil {
			return nil, fmt.Errorf("ferry: served %s: %w", d.ID, err)
		}
		st.Destinations = append(st.Destinations, DestinationQuota{
			ID: d.ID, Name: d.Name, ServedToday: n, Cap: s.cfg.Queue.DestinationDailyCap,
		})
	}
	st.Heartbeat, err = observability.LatestHeartbeat(ctx, s.db, workerName, 2*time.Minute)
	if err != nil {
		s.log.Warn("ferry: heartbeat", "error", err)
	}
	return st, nil
}

// Metrics aggregates today's datapoints, split by the given label.
func (s *Service) Metrics(ctx context.Context, label string) ([]observability.Series, error) {
	s.metrics.Flush()
	from, to := store.DayBounds(s.store.Now())
	return s.metrics.Summarize(ctx, time.UnixMilli(from), time.UnixMilli(to), label)
}
