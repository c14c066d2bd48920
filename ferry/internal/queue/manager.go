// Package queue runs the download queue: it picks pending books one at a
// time, searches and downloads them, fans the file out to destinations and
// keeps the attempt and quota bookkeeping.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/bookferry/ferry/internal/catalog"
	"github.com/hazyhaar/bookferry/ferry/internal/deliver"
	"github.com/hazyhaar/bookferry/ferry/internal/download"
	"github.com/hazyhaar/bookferry/ferry/internal/match"
	"github.com/hazyhaar/bookferry/ferry/internal/poll"
	"github.com/hazyhaar/bookferry/ferry/internal/store"
	"github.com/hazyhaar/bookferry/observability"
)

// Store is the persistence the loop needs. *store.Store implements it.
type Store interface {
	NextPending(ctx context.Context, exclude []string) (*store.Book, error)
	IncrementAttempts(ctx context.Context, id string, max int) (int, error)
	RecordSuccess(ctx context.Context, id, fileName string, served []string) error
	RecordFailure(ctx context.Context, id string, max int) (bool, error)
	MarkFailed(ctx context.Context, id string, max int) error
	CountDownloadedBetween(ctx context.Context, from, to int64) (int, error)
	RateLimitedDestinations(ctx context.Context, from, to int64, cap int) ([]string, error)
	DestinationsForBook(ctx context.Context, bookID string) ([]store.Destination, error)
}

// Searcher locates a downloadable reference for a book.
type Searcher interface {
	Find(ctx context.Context, query, title, author string) (*catalog.Match, error)
}

// Fetcher downloads a reference into the temp area.
type Fetcher interface {
	Fetch(ctx context.Context, ref, baseName string) (*download.Result, error)
}

// Metrics receives per-attempt datapoints. *observability.MetricsManager
// implements it.
type Metrics interface {
	Record(m *observability.Metric)
}

// Stop reasons.
const (
	StopGlobalCap  = "global_cap"
	StopDrained    = "drained"
	StopNoEligible = "no_eligible"
)

// Config configures a Manager.
type Config struct {
	MaxAttempts         int           // Default: 5.
	GlobalDailyCap      int           // Default: 50.
	DestinationDailyCap int           // Default: 10.
	Cooldown            time.Duration // Pause between two processed books. Default: 5s.
	Now                 func() time.Time
	Logger              *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.GlobalDailyCap <= 0 {
		c.GlobalDailyCap = 50
	}
	if c.DestinationDailyCap <= 0 {
		c.DestinationDailyCap = 10
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Summary reports one Run.
type Summary struct {
	Processed  int           `json:"processed"`
	Downloaded int           `json:"downloaded"`
	Failed     int           `json:"failed"`
	Terminal   int           `json:"terminal"`
	Skipped    int           `json:"skipped"`
	Stop       string        `json:"stop"`
	Duration   time.Duration `json:"duration"`
}

// Manager owns one queue pass.
type Manager struct {
	cfg      Config
	store    Store
	searcher Searcher
	fetcher  Fetcher
	deliver  deliver.Deliverer
	metrics  Metrics
	log      *slog.Logger
}

// New wires a Manager. metrics may be nil.
func New(cfg Config, st Store, searcher Searcher, fetcher Fetcher, d deliver.Deliverer, metrics Metrics) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:      cfg,
		store:    st,
		searcher: searcher,
		fetcher:  fetcher,
		deliver:  d,
		metrics:  metrics,
		log:      cfg.Logger,
	}
}

// Run processes pending books until the global cap is reached or nothing
// eligible is left. Per-book failures are recorded and never returned; a
// store error or context cancellation ends the pass with an error.
func (m *Manager) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	sum := &Summary{}
	defer func() { sum.Duration = time.Since(start) }()

	limited, err := m.rateLimited(ctx)
	if err != nil {
		return sum, err
	}
	exclude := map[string]struct{}{}

	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		from, to := store.DayBounds(m.cfg.Now())
		today, err := m.store.CountDownloadedBetween(ctx, from, to)
		if err != nil {
			return sum, fmt.Errorf("queue: count today: %w", err)
		}
		if today >= m.cfg.GlobalDailyCap {
			m.log.Info("queue: global daily cap reached", "downloaded_today", today, "cap", m.cfg.GlobalDailyCap)
			sum.Stop = StopGlobalCap
			return sum, nil
		}

		book, err := m.store.NextPending(ctx, keys(exclude))
		if err != nil {
			return sum, fmt.Errorf("queue: next pending: %w", err)
		}
		if book == nil {
			sum.Stop, err = m.stopReason(ctx, len(exclude))
			return sum, err
		}
		exclude[book.ID] = struct{}{}

		if book.Attempts >= m.cfg.MaxAttempts {
			// Left behind by a process that died after counting its last attempt.
			if err := m.store.MarkFailed(ctx, book.ID, m.cfg.MaxAttempts); err != nil && !errors.Is(err, store.ErrNotFound) {
				return sum, fmt.Errorf("queue: mark failed: %w", err)
			}
			m.log.Warn("queue: attempt budget already spent", "book", book.ID, "attempts", book.Attempts)
			sum.Terminal++
			continue
		}

		dests, err := m.store.DestinationsForBook(ctx, book.ID)
		if err != nil {
			return sum, fmt.Errorf("queue: destinations: %w", err)
		}
		eligible := eligibleDestinations(dests, limited)
		if len(eligible) == 0 {
			m.log.Debug("queue: every destination rate limited", "book", book.ID, "destinations", len(dests))
			sum.Skipped++
			continue
		}

		// The cooldown separates processed items; none follows the last one.
		if sum.Processed > 0 {
			if err := poll.Sleep(ctx, m.cfg.Cooldown); err != nil {
				return sum, err
			}
		}
		ok, err := m.process(ctx, book, eligible, sum)
		if err != nil {
			return sum, err
		}
		sum.Processed++
		if ok {
			if limited, err = m.rateLimited(ctx); err != nil {
				return sum, err
			}
		}
	}
}

// process runs one attempt. It returns whether the book was downloaded;
// errors are store failures only.
func (m *Manager) process(ctx context.Context, book *store.Book, eligible []store.Destination, sum *Summary) (bool, error) {
	attempt, err := m.store.IncrementAttempts(ctx, book.ID, m.cfg.MaxAttempts)
	if err != nil {
		return false, fmt.Errorf("queue: increment attempts: %w", err)
	}
	log := m.log.With("book", book.ID, "title", book.Title, "author", book.Author, "attempt", attempt)
	log.Info("queue: attempt")

	res, via, attemptErr := m.acquire(ctx, book)
	if ctx.Err() != nil {
		if res != nil {
			os.Remove(res.Path)
		}
		return false, ctx.Err()
	}
	if attemptErr != nil {
		m.recordAttempt("failure", via, 0)
		sum.Failed++
		terminal, err := m.store.RecordFailure(ctx, book.ID, m.cfg.MaxAttempts)
		if err != nil {
			return false, fmt.Errorf("queue: record failure: %w", err)
		}
		if terminal {
			sum.Terminal++
			log.Warn("queue: book failed permanently", "error", attemptErr)
		} else {
			log.Info("queue: attempt failed", "error", attemptErr)
		}
		return false, nil
	}
	defer os.Remove(res.Path)

	served := make([]string, len(eligible))
	for i, d := range eligible {
		served[i] = d.ID
	}
	fileName := deliver.SanitizeFileName(book.Author, book.Title, res.Ext)
	if err := m.store.RecordSuccess(ctx, book.ID, fileName, served); err != nil {
		return false, fmt.Errorf("queue: record success: %w", err)
	}
	m.recordAttempt("success", res.Via, res.Size)
	sum.Downloaded++
	log.Info("queue: downloaded", "file", fileName, "size", res.Size, "via", res.Via)

	m.fanOut(ctx, log, res.Path, fileName, eligible)
	return true, nil
}

// acquire searches and downloads. Every returned error is a failed attempt.
func (m *Manager) acquire(ctx context.Context, book *store.Book) (*download.Result, string, error) {
	query := strings.TrimSpace(match.StripParentheticals(book.Title) + " " + book.Author)
	found, err := m.searcher.Find(ctx, query, book.Title, book.Author)
	if err != nil {
		return nil, "search", fmt.Errorf("search: %w", err)
	}
	if found == nil {
		return nil, "search", errors.New("not found on any mirror")
	}
	base := deliver.SanitizeFileName(book.Author, book.Title, "")
	res, err := m.fetcher.Fetch(ctx, found.URL, base)
	if err != nil {
		return nil, "download", fmt.Errorf("download %s: %w", found.URL, err)
	}
	return res, res.Via, nil
}

// fanOut copies the file to every eligible destination. Destinations that
// share a delivery path get one copy. A path that fails is logged; the book
// stays downloaded.
func (m *Manager) fanOut(ctx context.Context, log *slog.Logger, src, name string, dests []store.Destination) {
	var g errgroup.Group
	for path, ids := range groupByPath(dests) {
		g.Go(func() error {
			if err := m.deliver.Deliver(ctx, path, src, name); err != nil {
				log.Error("queue: delivery failed", "destinations", ids, "path", path, "error", err)
				return nil
			}
			log.Info("queue: delivered", "destinations", ids, "path", path)
			return nil
		})
	}
	g.Wait()
}

// groupByPath maps each distinct delivery path to the destinations using it.
// Local paths are compared cleaned.
func groupByPath(dests []store.Destination) map[string][]string {
	out := make(map[string][]string, len(dests))
	for _, d := range dests {
		path := d.DeliveryPath
		if !strings.HasPrefix(path, "s3://") {
			path = filepath.Clean(path)
		}
		out[path] = append(out[path], d.ID)
	}
	return out
}

func (m *Manager) rateLimited(ctx context.Context) (map[string]struct{}, error) {
	from, to := store.DayBounds(m.cfg.Now())
	ids, err := m.store.RateLimitedDestinations(ctx, from, to, m.cfg.DestinationDailyCap)
	if err != nil {
		return nil, fmt.Errorf("queue: rate limited destinations: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func (m *Manager) stopReason(ctx context.Context, excluded int) (string, error) {
	if excluded == 0 {
		return StopDrained, nil
	}
	b, err := m.store.NextPending(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("queue: next pending: %w", err)
	}
	if b == nil {
		return StopDrained, nil
	}
	return StopNoEligible, nil
}

func (m *Manager) recordAttempt(outcome, via string, size int64) {
	if m.metrics == nil {
		return
	}
	now := m.cfg.Now()
	m.metrics.Record(&observability.Metric{
		Name:      "download_attempt",
		Timestamp: now,
		Value:     1,
		Labels:    map[string]string{"outcome": outcome, "via": via},
		Unit:      "count",
	})
	if size > 0 {
		m.metrics.Record(&observability.Metric{
			Name:      "download_bytes",
			Timestamp: now,
			Value:     float64(size),
			Labels:    map[string]string{"via": via},
			Unit:      "bytes",
		})
	}
}

func eligibleDestinations(dests []store.Destination, limited map[string]struct{}) []store.Destination {
	var out []store.Destination
	for _, d := range dests {
		if _, ok := limited[d.ID]; !ok {
			out = append(out, d)
		}
	}
	return out
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
