package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	if err := Init(db); err != nil {
		t.Fatalf("second init: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInit_CreatesTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"worker_heartbeats", "metrics_timeseries"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
}

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, WithFlushInterval(time.Hour))
	defer mm.Close()
	ctx := context.Background()

	mm.Record(&Metric{
		Name:   MetricDownloadAttempt,
		Value:  1,
		Unit:   "count",
		Labels: map[string]string{"outcome": "success", "via": "direct"},
	})
	mm.RecordSimple(MetricCycleDownloaded, 3, "count")
	mm.Flush()

	got, err := mm.Query(ctx, MetricDownloadAttempt, time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Labels["via"] != "direct" {
		t.Fatalf("query: %+v", got)
	}
	all, err := mm.Query(ctx, "", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all: got %d", len(all))
	}
}

func TestMetricsManager_BufferFullFlushes(t *testing.T) {
	// WHAT: Reaching the buffer size writes without waiting for the ticker.
	db := setupObsDB(t)
	mm := NewMetricsManager(db, WithBufferSize(2), WithFlushInterval(time.Hour))
	defer mm.Close()

	mm.RecordSimple("a", 1, "count")
	mm.RecordSimple("a", 1, "count")

	var n int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
	if n != 2 {
		t.Fatalf("rows: got %d, want 2", n)
	}
}

func TestMetricsManager_CloseFlushesAndDrops(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, WithFlushInterval(time.Hour))
	mm.RecordSimple("a", 1, "count")
	mm.Close()
	mm.Close()
	mm.RecordSimple("a", 1, "count")

	var n int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
	if n != 1 {
		t.Fatalf("rows: got %d, want 1", n)
	}
}

func TestMetricsManager_TimeRange(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, WithFlushInterval(time.Hour))
	defer mm.Close()

	now := time.Now()
	mm.Record(&Metric{Name: "m1", Timestamp: now.Add(-2 * time.Hour), Value: 1})
	mm.Record(&Metric{Name: "m1", Timestamp: now, Value: 2})
	mm.Flush()

	got, err := mm.Query(context.Background(), "m1", now.Add(-time.Hour), time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != 2 {
		t.Fatalf("ranged: %+v", got)
	}
}

func TestMetricsManager_Summarize(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, WithFlushInterval(time.Hour))
	defer mm.Close()

	for _, outcome := range []string{"success", "success", "failure"} {
		mm.Record(&Metric{Name: MetricDownloadAttempt, Value: 1, Unit: "count",
			Labels: map[string]string{"outcome": outcome}})
	}
	mm.Record(&Metric{Name: MetricDownloadBytes, Value: 2048, Unit: "bytes"})
	mm.Flush()

	now := time.Now()
	series, err := mm.Summarize(context.Background(), now.Add(-time.Hour), now.Add(time.Hour), "outcome")
	if err != nil {
		t.Fatal(err)
	}
	if len(series) != 2 {
		t.Fatalf("series: %+v", series)
	}
	att := series[0]
	if att.Name != MetricDownloadAttempt || att.Total != 3 || att.By["success"] != 2 || att.By["failure"] != 1 {
		t.Errorf("attempts: %+v", att)
	}
	if series[1].Total != 2048 || series[1].By != nil {
		t.Errorf("bytes: %+v", series[1])
	}
}

func TestMetricsManager_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, WithFlushInterval(time.Hour))
	defer mm.Close()

	mm.Record(&Metric{Name: "old", Timestamp: time.Now().AddDate(0, 0, -40), Value: 1})
	mm.Record(&Metric{Name: "new", Value: 2})
	mm.Flush()

	deleted, err := mm.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted: got %d", deleted)
	}
}

func TestHeartbeat(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()

	if hb, err := LatestHeartbeat(ctx, db, "bookferry", time.Minute); err != nil || hb != nil {
		t.Fatalf("empty: %+v %v", hb, err)
	}

	hw := NewHeartbeatWriter(db, "bookferry", time.Hour, func() bool { return true })
	if err := hw.Write(ctx); err != nil {
		t.Fatal(err)
	}
	hb, err := LatestHeartbeat(ctx, db, "bookferry", time.Minute)
	if err != nil || hb == nil {
		t.Fatalf("latest: %+v %v", hb, err)
	}
	if !hb.Alive || !hb.CycleRunning || hb.Goroutines <= 0 {
		t.Errorf("heartbeat: %+v", hb)
	}
}

func TestHeartbeatWriter_Run(t *testing.T) {
	db := setupObsDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewHeartbeatWriter(db, "w", time.Hour, nil).Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		var n int
		db.QueryRow("SELECT COUNT(*) FROM worker_heartbeats").Scan(&n)
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no immediate heartbeat")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestCleanupHeartbeats(t *testing.T) {
	db := setupObsDB(t)
	old := time.Now().AddDate(0, 0, -10).UnixMilli()
	db.Exec(`INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp) VALUES ('w','h',1,?)`, old)
	db.Exec(`INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp) VALUES ('w','h',1,?)`, time.Now().UnixMilli())

	deleted, err := CleanupHeartbeats(context.Background(), db, 7)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted: got %d", deleted)
	}
}
