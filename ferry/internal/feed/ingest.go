package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/bookferry/ferry/internal/store"
)

// Store is what ingestion writes to. *store.Store implements it.
type Store interface {
	ListDestinations(ctx context.Context) ([]store.Destination, error)
	UpsertBook(ctx context.Context, in store.BookInput) (string, error)
	Assign(ctx context.Context, bookID, destID string) error
}

// Config configures an Ingester.
type Config struct {
	// URLTemplate is the feed URL with {key} standing for the destination's
	// feed key.
	URLTemplate string
	Timeout     time.Duration // Default: 30s.
	MaxBytes    int64         // Default: 10MB.
	UserAgent   string
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "bookferry/1.0"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Report summarises one ingestion pass.
type Report struct {
	Destinations int `json:"destinations"`
	Entries      int `json:"entries"`
	Failed       int `json:"failed"`
}

// Ingester pulls every destination's feed into the store.
type Ingester struct {
	cfg    Config
	store  Store
	client *http.Client
	log    *slog.Logger
}

// NewIngester creates an Ingester.
func NewIngester(cfg Config, st Store) *Ingester {
	cfg.defaults()
	return &Ingester{
		cfg:    cfg,
		store:  st,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    cfg.Logger,
	}
}

// Ingest reads each destination's feed. A destination whose feed cannot be
// read is logged and counted; the others still run. Only a failure to list
// destinations is returned.
func (g *Ingester) Ingest(ctx context.Context) (*Report, error) {
	rep := &Report{}
	if g.cfg.URLTemplate == "" {
		g.log.Debug("feed: no url template, ingestion disabled")
		return rep, nil
	}
	dests, err := g.store.ListDestinations(ctx)
	if err != nil {
		return rep, fmt.Errorf("feed: list destinations: %w", err)
	}
	for _, d := range dests {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Destinations++
		n, err := g.ingestOne(ctx, d)
		rep.Entries += n
		if err != nil {
			rep.Failed++
			g.log.Warn("feed: destination failed", "destination", d.ID, "name", d.Name, "error", err)
			continue
		}
		g.log.Info("feed: ingested", "destination", d.ID, "entries", n)
	}
	return rep, nil
}

func (g *Ingester) ingestOne(ctx context.Context, d store.Destination) (int, error) {
	feedURL := strings.ReplaceAll(g.cfg.URLTemplate, "{key}", url.PathEscape(d.FeedKey))
	data, err := g.fetch(ctx, feedURL)
	if err != nil {
		return 0, err
	}
	entries, err := Parse(data)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		id, err := g.store.UpsertBook(ctx, store.BookInput{
			ExternalKey: e.Key(),
			ISBN:        e.ISBN,
			Title:       e.Title,
			Author:      e.Author,
		})
		if err != nil {
			return n, err
		}
		if err := g.store.Assign(ctx, id, d.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (g *Ingester) fetch(ctx context.Context, feedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: new request: %w", err)
	}
	req.Header.Set("User-Agent", g.cfg.UserAgent)
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("feed: http %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, g.cfg.MaxBytes))
}
