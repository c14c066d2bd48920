package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/bookferry/ferry/internal/match"
)

// Match is an accepted listing entry and the reference to download it.
type Match struct {
	Mirror string
	ID     string
	Title  string
	Author string
	URL    string
}

// Config configures a Client.
type Config struct {
	// Mirrors in priority order, as bare hosts ("mirror.example").
	Mirrors []string
	// APIKey switches references to the authenticated fast-download form.
	APIKey string
	// Scheme of mirror URLs. Default: https.
	Scheme string
	// RequestsPerSecond paces proxy requests across mirrors. Zero disables pacing.
	RequestsPerSecond float64
	Logger            *slog.Logger
}

func (c *Config) defaults() {
	if c.Scheme == "" {
		c.Scheme = "https"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client searches mirrors in order through a Proxy.
type Client struct {
	cfg     Config
	proxy   Proxy
	parser  ResultParser
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewClient wires a search client.
func NewClient(cfg Config, proxy Proxy, parser ResultParser) *Client {
	cfg.defaults()
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		cfg:     cfg,
		proxy:   proxy,
		parser:  parser,
		limiter: rate.NewLimiter(limit, 1),
		log:     cfg.Logger,
	}
}

// Find runs query against every mirror until a candidate matches title and
// author. It returns (nil, nil) when nothing matched anywhere. Mirror
// failures are logged and skipped; only context cancellation is an error.
func (c *Client) Find(ctx context.Context, query, title, author string) (*Match, error) {
	query = strings.Join(strings.Fields(query), " ")
	for _, mirror := range c.cfg.Mirrors {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		m, err := c.searchMirror(ctx, mirror, query, title, author)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			c.log.Warn("catalog: mirror failed", "mirror", mirror, "error", err)
			continue
		}
		if m != nil {
			return m, nil
		}
		c.log.Debug("catalog: no match on mirror", "mirror", mirror, "query", query)
	}
	return nil, nil
}

func (c *Client) searchMirror(ctx context.Context, mirror, query, title, author string) (*Match, error) {
	searchURL := fmt.Sprintf("%s://%s/search?q=%s", c.cfg.Scheme, mirror, url.QueryEscape(query))
	html, err := c.proxy.Get(ctx, searchURL)
	if err != nil {
		return nil, err
	}
	candidates, err := c.parser.Parse(html)
	if err != nil {
		return nil, err
	}
	for _, cand := range candidates {
		if !match.IsGoodMatch(title, author, cand.Title, cand.Author) {
			continue
		}
		c.log.Info("catalog: match", "mirror", mirror, "id", cand.ID, "title", cand.Title, "author", cand.Author)
		return &Match{
			Mirror: mirror,
			ID:     cand.ID,
			Title:  cand.Title,
			Author: cand.Author,
			URL:    c.reference(mirror, cand.ID),
		}, nil
	}
	return nil, nil
}

func (c *Client) reference(mirror, id string) string {
	if c.cfg.APIKey != "" {
		return fmt.Sprintf("%s://%s/fast_download/%s/0/0", c.cfg.Scheme, mirror, id)
	}
	return fmt.Sprintf("%s://%s/md5/%s", c.cfg.Scheme, mirror, id)
}
