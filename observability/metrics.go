// Package observability keeps bookferry's metrics and liveness in SQLite.
//
// Datapoints are buffered in memory and flushed in batches; a full buffer
// triggers an early flush. Errors while flushing are logged, never returned
// to the recording code path.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Metric names recorded by bookferry.
const (
	MetricDownloadAttempt  = "download_attempt"  // labels: outcome, via
	MetricDownloadBytes    = "download_bytes"    // labels: via
	MetricCycleDurationMs  = "cycle_duration_ms" // labels: stop
	MetricCycleDownloaded  = "cycle_downloaded"
	MetricNotifyDeliveries = "notify_deliveries" // labels: outcome
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Unit      string            `json:"unit,omitempty"` // "count", "bytes", "milliseconds"
}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	buffer []*Metric
	closed bool

	stop chan struct{}
	done chan struct{}
}

// Option configures a MetricsManager.
type Option func(*MetricsManager)

// WithBufferSize sets how many datapoints are held before an early flush.
// Default: 100.
func WithBufferSize(n int) Option {
	return func(mm *MetricsManager) { mm.bufferSize = n }
}

// WithFlushInterval sets the periodic flush. Default: 5s.
func WithFlushInterval(d time.Duration) Option {
	return func(mm *MetricsManager) { mm.flushInterval = d }
}

// WithLogger sets the logger used for flush failures.
func WithLogger(l *slog.Logger) Option {
	return func(mm *MetricsManager) { mm.logger = l }
}

// NewMetricsManager starts a manager writing to db. Call Init(db) first.
func NewMetricsManager(db *sql.DB, opts ...Option) *MetricsManager {
	mm := &MetricsManager{
		db:            db,
		bufferSize:    100,
		flushInterval: 5 * time.Second,
		logger:        slog.Default(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(mm)
	}
	if mm.bufferSize <= 0 {
		mm.bufferSize = 1
	}
	mm.buffer = make([]*Metric, 0, mm.bufferSize)
	go mm.flushLoop()
	return mm
}

// Record queues a datapoint. A zero Timestamp means now. Datapoints recorded
// after Close are dropped.
func (mm *MetricsManager) Record(m *Metric) {
	if m == nil || m.Name == "" {
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.closed {
		return
	}
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// RecordSimple records an unlabelled datapoint stamped now.
func (mm *MetricsManager) RecordSimple(name string, value float64, unit string) {
	mm.Record(&Metric{Name: name, Timestamp: time.Now(), Value: value, Unit: unit})
}

// Flush writes buffered datapoints immediately.
func (mm *MetricsManager) Flush() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.flushLocked()
}

// Query returns datapoints newest first. An empty name matches every metric;
// zero times leave that end of the range open.
func (mm *MetricsManager) Query(ctx context.Context, name string, from, to time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	var args []any
	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	if !from.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, from.UnixMilli())
	}
	if !to.IsZero() {
		q += " AND timestamp < ?"
		args = append(args, to.UnixMilli())
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var m Metric
		var ts int64
		var labels, unit sql.NullString
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		m.Unit = unit.String
		if labels.Valid {
			json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Series is one metric aggregated over a window, split by a label.
type Series struct {
	Name  string             `json:"name"`
	Unit  string             `json:"unit,omitempty"`
	Total float64            `json:"total"`
	Count int                `json:"count"`
	By    map[string]float64 `json:"by,omitempty"`
}

// Summarize aggregates every metric recorded in [from, to). When label is
// set, totals are also split by that label's value.
func (mm *MetricsManager) Summarize(ctx context.Context, from, to time.Time, label string) ([]Series, error) {
	points, err := mm.Query(ctx, "", from, to, 0)
	if err != nil {
		return nil, err
	}
	byName := map[string]*Series{}
	for _, p := range points {
		s, ok := byName[p.Name]
		if !ok {
			s = &Series{Name: p.Name, Unit: p.Unit}
			byName[p.Name] = s
		}
		s.Total += p.Value
		s.Count++
		if label == "" {
			continue
		}
		if v, ok := p.Labels[label]; ok {
			if s.By == nil {
				s.By = map[string]float64{}
			}
			s.By[v] += p.Value
		}
	}
	out := make([]Series, 0, len(byName))
	for _, s := range byName {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Cleanup deletes datapoints older than retentionDays and returns the count.
func (mm *MetricsManager) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := mm.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes what is buffered and stops the background flusher. Safe to
// call more than once.
func (mm *MetricsManager) Close() error {
	mm.mu.Lock()
	if mm.closed {
		mm.mu.Unlock()
		return nil
	}
	mm.closed = true
	mm.mu.Unlock()
	close(mm.stop)
	<-mm.done
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		mm.logger.Error("observability: begin tx", "error", err, "dropped", len(mm.buffer))
		mm.buffer = mm.buffer[:0]
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		mm.logger.Error("observability: prepare", "error", err)
		mm.buffer = mm.buffer[:0]
		return
	}
	defer stmt.Close()

	for _, m := range mm.buffer {
		var labels sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labels = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labels, m.Unit); err != nil {
			mm.logger.Error("observability: insert", "error", err, "metric", m.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		mm.logger.Error("observability: commit", "error", err)
	}
	mm.buffer = mm.buffer[:0]
}
