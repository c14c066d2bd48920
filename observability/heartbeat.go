package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// HeartbeatWriter periodically records that the service is alive and
// whether a cycle is in flight.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	pid        int
	interval   time.Duration
	running    func() bool
	logger     *slog.Logger
}

// NewHeartbeatWriter creates a writer. running reports whether a cycle is
// active; nil means never.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration, running func() bool) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if running == nil {
		running = func() bool { return false }
	}
	return &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		hostname:   hostname,
		pid:        os.Getpid(),
		interval:   interval,
		running:    running,
		logger:     slog.Default(),
	}
}

// Run writes one heartbeat immediately and then every interval until ctx
// is cancelled.
func (hw *HeartbeatWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()
	for {
		if err := hw.Write(ctx); err != nil && ctx.Err() == nil {
			hw.logger.Error("observability: heartbeat", "error", err, "worker", hw.workerName)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Write records a single heartbeat.
func (hw *HeartbeatWriter) Write(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	running := 0
	if hw.running() {
		running = 1
	}
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (
			worker_name, hostname, worker_pid, timestamp,
			goroutines_count, memory_alloc_mb, cycle_running
		) VALUES (?,?,?,?,?,?,?)`,
		hw.workerName, hw.hostname, hw.pid, time.Now().UnixMilli(),
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024, running)
	if err != nil {
		return fmt.Errorf("observability: insert heartbeat: %w", err)
	}
	return nil
}

// Heartbeat is the last recorded beat of a worker.
type Heartbeat struct {
	WorkerName   string    `json:"worker_name"`
	Hostname     string    `json:"hostname"`
	PID          int       `json:"pid"`
	Timestamp    time.Time `json:"timestamp"`
	Goroutines   int       `json:"goroutines"`
	AllocMB      float64   `json:"alloc_mb"`
	CycleRunning bool      `json:"cycle_running"`
	Alive        bool      `json:"alive"`
}

// LatestHeartbeat returns the newest beat of workerName, with Alive set when
// it is younger than staleAfter. Returns nil, nil when none was recorded.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, staleAfter time.Duration) (*Heartbeat, error) {
	var hb Heartbeat
	var ts int64
	var running int
	err := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp,
		       goroutines_count, memory_alloc_mb, cycle_running
		FROM worker_heartbeats WHERE worker_name = ?
		ORDER BY timestamp DESC LIMIT 1`, workerName,
	).Scan(&hb.WorkerName, &hb.Hostname, &hb.PID, &ts, &hb.Goroutines, &hb.AllocMB, &running)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observability: latest heartbeat: %w", err)
	}
	hb.Timestamp = time.UnixMilli(ts)
	hb.CycleRunning = running == 1
	hb.Alive = time.Since(hb.Timestamp) <= staleAfter
	return &hb, nil
}

// CleanupHeartbeats deletes beats older than retentionDays.
func CleanupHeartbeats(ctx context.Context, db *sql.DB, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := db.ExecContext(ctx, "DELETE FROM worker_heartbeats WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup heartbeats: %w", err)
	}
	return res.RowsAffected()
}
