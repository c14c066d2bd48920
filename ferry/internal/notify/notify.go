// Package notify announces newly served books to their destinations.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/bookferry/ferry/internal/store"
)

// Delivery is one destination and the books it received since the last
// announcement.
type Delivery struct {
	Destination store.Destination
	Books       []*store.Book
}

// Notifier announces a Delivery.
type Notifier interface {
	Notify(ctx context.Context, d Delivery) error
}

// Log announces deliveries as structured log lines.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, d Delivery) error {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	files := make([]string, len(d.Books))
	for i, b := range d.Books {
		files[i] = b.FileName
	}
	log.Info("notify: delivered",
		"destination", d.Destination.ID,
		"name", d.Destination.Name,
		"address", d.Destination.NotifyAddress,
		"books", len(d.Books),
		"files", files)
	return nil
}

// Store is what the Dispatcher reads and updates. *store.Store implements it.
type Store interface {
	PendingNotices(ctx context.Context) ([]store.PendingNotice, error)
	MarkNotified(ctx context.Context, destID string, bookIDs []string) error
}

// Report summarises one dispatch.
type Report struct {
	Destinations int `json:"destinations"`
	Books        int `json:"books"`
	Failed       int `json:"failed"`
}

// Dispatcher sends pending announcements and records which ones went out.
type Dispatcher struct {
	store    Store
	notifier Notifier
	log      *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil logger uses slog.Default().
func NewDispatcher(st Store, n Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: st, notifier: n, log: logger}
}

// Run notifies every destination with pending books. A destination whose
// notification fails keeps its books pending for the next run.
func (d *Dispatcher) Run(ctx context.Context) (*Report, error) {
	rep := &Report{}
	notices, err := d.store.PendingNotices(ctx)
	if err != nil {
		return rep, fmt.Errorf("notify: pending: %w", err)
	}
	for _, n := range notices {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if err := d.notifier.Notify(ctx, Delivery{Destination: n.Destination, Books: n.Books}); err != nil {
			rep.Failed++
			d.log.Warn("notify: destination failed", "destination", n.Destination.ID, "error", err)
			continue
		}
		ids := make([]string, len(n.Books))
		for i, b := range n.Books {
			ids[i] = b.ID
		}
		if err := d.store.MarkNotified(ctx, n.Destination.ID, ids); err != nil {
			return rep, fmt.Errorf("notify: mark: %w", err)
		}
		rep.Destinations++
		rep.Books += len(ids)
	}
	return rep, nil
}
