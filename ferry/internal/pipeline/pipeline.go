// Package pipeline drives processing cycles: ingest feeds, run the download
// queue, announce deliveries. At most one cycle runs at a time.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/bookferry/ferry/internal/feed"
	"github.com/hazyhaar/bookferry/ferry/internal/notify"
	"github.com/hazyhaar/bookferry/ferry/internal/queue"
	"github.com/hazyhaar/bookferry/observability"
)

// Ingester refreshes books and assignments from feeds.
type Ingester interface {
	Ingest(ctx context.Context) (*feed.Report, error)
}

// Queue processes pending books.
type Queue interface {
	Run(ctx context.Context) (*queue.Summary, error)
}

// Announcer notifies destinations of newly served books.
type Announcer interface {
	Run(ctx context.Context) (*notify.Report, error)
}

// Metrics receives per-cycle datapoints.
type Metrics interface {
	Record(m *observability.Metric)
}

// Config configures a Driver.
type Config struct {
	// Interval between scheduled cycles. Default: 1h.
	Interval time.Duration
	// RunOnStart starts a cycle as soon as Run is called.
	RunOnStart bool
	Logger     *slog.Logger
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// CycleReport describes one cycle. Stage fields are nil when the stage did
// not run or failed before producing a result.
type CycleReport struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Ingest     *feed.Report   `json:"ingest,omitempty"`
	Queue      *queue.Summary `json:"queue,omitempty"`
	Notify     *notify.Report `json:"notify,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
	Panic      string         `json:"panic,omitempty"`
}

// Driver runs cycles on a schedule and on demand.
type Driver struct {
	cfg     Config
	ingest  Ingester
	queue   Queue
	notify  Announcer
	metrics Metrics
	log     *slog.Logger

	running atomic.Bool
	wg      sync.WaitGroup

	mu   sync.Mutex
	last *CycleReport
}

// New creates a Driver. ingest, notify and metrics may be nil.
func New(cfg Config, ingest Ingester, q Queue, n Announcer, metrics Metrics) *Driver {
	cfg.defaults()
	return &Driver{
		cfg:     cfg,
		ingest:  ingest,
		queue:   q,
		notify:  n,
		metrics: metrics,
		log:     cfg.Logger,
	}
}

// Running reports whether a cycle is in flight.
func (d *Driver) Running() bool { return d.running.Load() }

// LastReport returns the report of the most recent finished cycle, or nil.
func (d *Driver) LastReport() *CycleReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// TryStart starts a cycle in the background unless one is already running.
func (d *Driver) TryStart(ctx context.Context) bool {
	if !d.running.CompareAndSwap(false, true) {
		d.log.Debug("pipeline: cycle already running, trigger ignored")
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.running.Store(false)
		d.cycle(ctx)
	}()
	return true
}

// RunOnce runs a cycle inline unless one is already running.
func (d *Driver) RunOnce(ctx context.Context) (bool, *CycleReport) {
	if !d.running.CompareAndSwap(false, true) {
		d.log.Debug("pipeline: cycle already running, run skipped")
		return false, nil
	}
	defer d.running.Store(false)
	return true, d.cycle(ctx)
}

// Wait blocks until the background cycle, if any, has finished.
func (d *Driver) Wait() { d.wg.Wait() }

// Run starts cycles on every tick and on every signal from sources. It
// returns once ctx is cancelled and the in-flight cycle has finished.
func (d *Driver) Run(ctx context.Context, sources ...<-chan struct{}) {
	triggers := make(chan struct{}, 1)
	for _, src := range sources {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-src:
					if !ok {
						return
					}
					select {
					case triggers <- struct{}{}:
					default:
					}
				}
			}
		}()
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	if d.cfg.RunOnStart {
		d.TryStart(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-ticker.C:
			d.TryStart(ctx)
		case <-triggers:
			d.log.Info("pipeline: manual trigger")
			d.TryStart(ctx)
		}
	}
}

func (d *Driver) cycle(ctx context.Context) (rep *CycleReport) {
	rep = &CycleReport{StartedAt: time.Now()}
	d.log.Info("pipeline: cycle start")
	defer func() {
		if r := recover(); r != nil {
			rep.Panic = fmt.Sprint(r)
			d.log.Error("pipeline: cycle panic", "panic", r, "stack", string(debug.Stack()))
		}
		rep.FinishedAt = time.Now()
		d.finish(rep)
	}()

	if d.ingest != nil {
		ing, err := d.ingest.Ingest(ctx)
		rep.Ingest = ing
		if err != nil {
			d.stageError(rep, "ingest", err)
		}
	}

	sum, err := d.queue.Run(ctx)
	rep.Queue = sum
	if err != nil {
		d.stageError(rep, "queue", err)
	}

	if d.notify != nil {
		n, err := d.notify.Run(ctx)
		rep.Notify = n
		if err != nil {
			d.stageError(rep, "notify", err)
		}
	}
	return rep
}

func (d *Driver) stageError(rep *CycleReport, stage string, err error) {
	rep.Errors = append(rep.Errors, stage+": "+err.Error())
	d.log.Error("pipeline: stage failed", "stage", stage, "error", err)
}

func (d *Driver) finish(rep *CycleReport) {
	d.mu.Lock()
	d.last = rep
	d.mu.Unlock()

	elapsed := rep.FinishedAt.Sub(rep.StartedAt)
	var downloaded int
	var stop string
	if rep.Queue != nil {
		downloaded, stop = rep.Queue.Downloaded, rep.Queue.Stop
	}
	d.log.Info("pipeline: cycle done",
		"duration_ms", elapsed.Milliseconds(),
		"downloaded", downloaded,
		"stop", stop,
		"errors", len(rep.Errors))

	if d.metrics == nil {
		return
	}
	d.metrics.Record(&observability.Metric{
		Name:      observability.MetricCycleDurationMs,
		Timestamp: rep.FinishedAt,
		Value:     float64(elapsed.Milliseconds()),
		Labels:    map[string]string{"stop": stop},
		Unit:      "milliseconds",
	})
	d.metrics.Record(&observability.Metric{
		Name:      observability.MetricCycleDownloaded,
		Timestamp: rep.FinishedAt,
		Value:     float64(downloaded),
		Unit:      "count",
	})
	if rep.Notify == nil {
		return
	}
	for outcome, n := range map[string]int{"sent": rep.Notify.Destinations, "failed": rep.Notify.Failed} {
		if n == 0 {
			continue
		}
		d.metrics.Record(&observability.Metric{
			Name:      observability.MetricNotifyDeliveries,
			Timestamp: rep.FinishedAt,
			Value:     float64(n),
			Labels:    map[string]string{"outcome": outcome},
			Unit:      "count",
		})
	}
}
