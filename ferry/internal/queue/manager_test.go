package queue

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/bookferry/ferry/internal/catalog"
	"github.com/hazyhaar/bookferry/ferry/internal/deliver"
	"github.com/hazyhaar/bookferry/ferry/internal/download"
	"github.com/hazyhaar/bookferry/ferry/internal/store"
	"github.com/hazyhaar/bookferry/observability"
)

var fixedNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.Local)

func now() time.Time { return fixedNow }

func openStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewStore(db, store.WithClock(now))
}

func addDest(t *testing.T, s *store.Store, name string) *store.Destination {
	t.Helper()
	d := &store.Destination{Name: name, FeedKey: name, DeliveryPath: filepath.Join(t.TempDir(), name)}
	if err := s.CreateDestination(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	return d
}

func addBook(t *testing.T, s *store.Store, key, title, author string, dests ...*store.Destination) string {
	t.Helper()
	ctx := context.Background()
	id, err := s.UpsertBook(ctx, store.BookInput{ExternalKey: key, Title: title, Author: author})
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range dests {
		if err := s.Assign(ctx, id, d.ID); err != nil {
			t.Fatal(err)
		}
	}
	return id
}

// fakeSearcher matches every query unless miss is set.
type fakeSearcher struct {
	mu      sync.Mutex
	miss    bool
	queries []string
}

func (f *fakeSearcher) Find(_ context.Context, query, title, author string) (*catalog.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.miss {
		return nil, nil
	}
	return &catalog.Match{Mirror: "m", ID: "abc", Title: title, Author: author, URL: "https://m/md5/abc"}, nil
}

// fakeFetcher writes size bytes into dir, or fails with err.
type fakeFetcher struct {
	dir   string
	size  int
	err   error
	paths []string
}

func (f *fakeFetcher) Fetch(_ context.Context, ref, baseName string) (*download.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := filepath.Join(f.dir, baseName+".epub")
	if err := os.WriteFile(p, bytes.Repeat([]byte("b"), f.size), 0o644); err != nil {
		return nil, err
	}
	f.paths = append(f.paths, p)
	return &download.Result{Path: p, Ext: ".epub", Size: int64(f.size), Via: download.ViaDirect}, nil
}

type memMetrics struct {
	mu sync.Mutex
	m  []*observability.Metric
}

func (r *memMetrics) Record(m *observability.Metric) {
	r.mu.Lock()
	r.m = append(r.m, m)
	r.mu.Unlock()
}

func testConfig() Config {
	return Config{Cooldown: time.Millisecond, Now: now}
}

func markDownloadedToday(t *testing.T, s *store.Store, n int, dest *store.Destination) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		id := addBook(t, s, fmt.Sprintf("done-%s-%d", dest.ID, i), "Done", "", dest)
		if err := s.RecordSuccess(ctx, id, "f", []string{dest.ID}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRun_GlobalCapReached(t *testing.T) {
	// WHAT: 50 books already downloaded today stops the pass before any attempt.
	// WHY: The global cap is checked before every item, including the first.
	s := openStore(t)
	ctx := context.Background()
	d := addDest(t, s, "a")
	markDownloadedToday(t, s, 50, d)
	pending := addBook(t, s, "p1", "Dune", "Frank Herbert", d)

	searcher := &fakeSearcher{}
	cfg := testConfig()
	cfg.DestinationDailyCap = 100
	m := New(cfg, s, searcher, &fakeFetcher{dir: t.TempDir(), size: 2048}, deliver.NewRouter(nil), nil)

	sum, err := m.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Stop != StopGlobalCap || sum.Processed != 0 {
		t.Errorf("summary: %+v", sum)
	}
	if len(searcher.queries) != 0 {
		t.Errorf("searched %d times", len(searcher.queries))
	}
	b, _ := s.GetBook(ctx, pending)
	if b.Attempts != 0 || b.Status != store.StatusPending {
		t.Errorf("pending book touched: %+v", b)
	}
}

func TestRun_PerDestinationIsolation(t *testing.T) {
	// WHAT: A is at its cap, B is not; a book assigned to both is still
	// downloaded and only B's count moves.
	// WHY: One full destination must not block the others.
	s := openStore(t)
	ctx := context.Background()
	a := addDest(t, s, "a")
	b := addDest(t, s, "b")
	markDownloadedToday(t, s, 2, a)
	id := addBook(t, s, "k", "Dune", "Frank Herbert", a, b)

	cfg := testConfig()
	cfg.DestinationDailyCap = 2
	m := New(cfg, s, &fakeSearcher{}, &fakeFetcher{dir: t.TempDir(), size: 2048}, deliver.NewRouter(nil), nil)
	sum, err := m.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Downloaded != 1 {
		t.Fatalf("summary: %+v", sum)
	}

	book, _ := s.GetBook(ctx, id)
	if book.Status != store.StatusDownloaded {
		t.Errorf("status: %s", book.Status)
	}
	from, to := store.DayBounds(now())
	if n, _ := s.CountServedBetween(ctx, a.ID, from, to); n != 2 {
		t.Errorf("A count: got %d, want 2", n)
	}
	if n, _ := s.CountServedBetween(ctx, b.ID, from, to); n != 1 {
		t.Errorf("B count: got %d, want 1", n)
	}
	if _, err := os.Stat(filepath.Join(b.DeliveryPath, "Frank Herbert - Dune.epub")); err != nil {
		t.Errorf("B file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(a.DeliveryPath, "Frank Herbert - Dune.epub")); !os.IsNotExist(err) {
		t.Error("A must not receive a copy")
	}
}

func TestRun_SkipsRateLimitedBook(t *testing.T) {
	// WHAT: A book whose only destination is full is skipped without an
	// attempt and the next book still runs.
	// WHY: A capped book at the head of the queue must not starve the rest.
	s := openStore(t)
	ctx := context.Background()
	a := addDest(t, s, "a")
	b := addDest(t, s, "b")
	markDownloadedToday(t, s, 1, a)
	blocked := addBook(t, s, "first", "Dune", "Frank Herbert", a)
	free := addBook(t, s, "second", "Hyperion", "Dan Simmons", b)

	cfg := testConfig()
	cfg.DestinationDailyCap = 1
	m := New(cfg, s, &fakeSearcher{}, &fakeFetcher{dir: t.TempDir(), size: 2048}, deliver.NewRouter(nil), nil)
	sum, err := m.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Skipped != 1 || sum.Downloaded != 1 || sum.Stop != StopNoEligible {
		t.Errorf("summary: %+v", sum)
	}
	bb, _ := s.GetBook(ctx, blocked)
	if bb.Attempts != 0 || bb.Status != store.StatusPending {
		t.Errorf("blocked book: %+v", bb)
	}
	fb, _ := s.GetBook(ctx, free)
	if fb.Status != store.StatusDownloaded {
		t.Errorf("free book: %+v", fb)
	}
}

func TestRun_FailureBudget(t *testing.T) {
	// WHAT: Each pass makes one attempt per book; the last allowed failure
	// is terminal and later passes leave the book alone.
	// WHY: attempts never exceed the budget and failed is final.
	s := openStore(t)
	ctx := context.Background()
	d := addDest(t, s, "a")
	id := addBook(t, s, "k", "Unfindable", "Nobody", d)

	searcher := &fakeSearcher{miss: true}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	m := New(cfg, s, searcher, &fakeFetcher{dir: t.TempDir()}, deliver.NewRouter(nil), nil)

	for pass, want := range []struct {
		attempts int
		status   string
	}{{1, store.StatusPending}, {2, store.StatusFailed}, {2, store.StatusFailed}} {
		if _, err := m.Run(ctx); err != nil {
			t.Fatal(err)
		}
		b, _ := s.GetBook(ctx, id)
		if b.Attempts != want.attempts || b.Status != want.status {
			t.Errorf("pass %d: got %d/%s, want %d/%s", pass, b.Attempts, b.Status, want.attempts, want.status)
		}
	}
	if len(searcher.queries) != 2 {
		t.Errorf("searches: %d", len(searcher.queries))
	}
}

func TestRun_CrashLeftover(t *testing.T) {
	// WHAT: A pending book already at the cap is failed without a new attempt.
	s := openStore(t)
	ctx := context.Background()
	d := addDest(t, s, "a")
	id := addBook(t, s, "k", "Dune", "Frank Herbert", d)
	s.DB.Exec(`UPDATE books SET attempts = 5 WHERE id = ?`, id)

	searcher := &fakeSearcher{}
	m := New(testConfig(), s, searcher, &fakeFetcher{dir: t.TempDir()}, deliver.NewRouter(nil), nil)
	sum, err := m.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := s.GetBook(ctx, id)
	if b.Status != store.StatusFailed || b.Attempts != 5 {
		t.Errorf("book: %+v", b)
	}
	if len(searcher.queries) != 0 || sum.Terminal != 1 {
		t.Errorf("searches=%d summary=%+v", len(searcher.queries), sum)
	}
}

func TestRun_QueryStripsParentheticals(t *testing.T) {
	s := openStore(t)
	d := addDest(t, s, "a")
	addBook(t, s, "k", "Ancillary Justice (Imperial Radch, #1)", "Ann Leckie", d)
	searcher := &fakeSearcher{miss: true}
	m := New(testConfig(), s, searcher, &fakeFetcher{dir: t.TempDir()}, deliver.NewRouter(nil), nil)
	m.Run(context.Background())
	if len(searcher.queries) != 1 || searcher.queries[0] != "Ancillary Justice Ann Leckie" {
		t.Errorf("queries: %q", searcher.queries)
	}
}

func TestRun_DeliveryFailureKeepsDownload(t *testing.T) {
	// WHAT: A destination whose copy fails does not undo the download.
	s := openStore(t)
	ctx := context.Background()
	good := addDest(t, s, "good")
	bad := &store.Destination{Name: "bad", FeedKey: "bad", DeliveryPath: "s3://bucket/x"}
	s.CreateDestination(ctx, bad)
	id := addBook(t, s, "k", "Dune", "Frank Herbert", good, bad)

	fetcher := &fakeFetcher{dir: t.TempDir(), size: 2048}
	m := New(testConfig(), s, &fakeSearcher{}, fetcher, deliver.NewRouter(nil), nil)
	if _, err := m.Run(ctx); err != nil {
		t.Fatal(err)
	}
	b, _ := s.GetBook(ctx, id)
	if b.Status != store.StatusDownloaded {
		t.Errorf("status: %s", b.Status)
	}
	if _, err := os.Stat(filepath.Join(good.DeliveryPath, "Frank Herbert - Dune.epub")); err != nil {
		t.Error("good destination missing file")
	}
	if _, err := os.Stat(fetcher.paths[0]); !os.IsNotExist(err) {
		t.Error("temp file not removed")
	}
}

func TestRun_FetchFailureRecorded(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	d := addDest(t, s, "a")
	id := addBook(t, s, "k", "Dune", "Frank Herbert", d)
	metrics := &memMetrics{}
	m := New(testConfig(), s, &fakeSearcher{}, &fakeFetcher{err: download.ErrTooSmall}, deliver.NewRouter(nil), metrics)
	sum, _ := m.Run(ctx)
	if sum.Failed != 1 {
		t.Errorf("summary: %+v", sum)
	}
	b, _ := s.GetBook(ctx, id)
	if b.Attempts != 1 || b.Status != store.StatusPending {
		t.Errorf("book: %+v", b)
	}
	if len(metrics.m) != 1 || metrics.m[0].Labels["outcome"] != "failure" || metrics.m[0].Labels["via"] != "download" {
		t.Errorf("metrics: %+v", metrics.m)
	}
}

// solverStub answers proxy requests: the first mirror fails the solve,
// the second returns a listing pointing back at the book server.
type solverStub struct {
	failHost string
	listing  string
}

func (p *solverStub) Get(_ context.Context, u string) (string, error) {
	if strings.Contains(u, p.failHost) {
		return "", catalog.ErrSolveFailed
	}
	return p.listing, nil
}

func epub(t *testing.T, size int) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	w.Write([]byte("application/epub+zip"))
	w, _ = zw.CreateHeader(&zip.FileHeader{Name: "OEBPS/book.xhtml", Method: zip.Store})
	w.Write(bytes.Repeat([]byte("spice "), size/6))
	zw.Close()
	return buf.Bytes()
}

func TestRun_EndToEndDune(t *testing.T) {
	// WHAT: Dune by Frank Herbert, two destinations under quota, match on
	// the second mirror, 5MB download.
	// WHY: Exercises search, download, integrity, fan-out and bookkeeping together.
	payload := epub(t, 5<<20)
	const md5 = "d41d8cd98f00b204e9800998ecf8427e"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/md5/"+md5 {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/epub+zip")
		w.Write(payload)
	}))
	defer srv.Close()
	host := mustHost(t, srv.URL)

	s := openStore(t)
	ctx := context.Background()
	a := addDest(t, s, "alice")
	b := addDest(t, s, "bob")
	id := addBook(t, s, "gr-234225", "Dune", "Frank Herbert", a, b)

	proxy := &solverStub{
		failHost: "mirror-one.invalid",
		listing:  `<main><a href="/md5/` + md5 + `"><h3>Dune</h3><div class="italic">Frank Herbert</div></a></main>`,
	}
	searcher := catalog.NewClient(catalog.Config{
		Mirrors: []string{"mirror-one.invalid", host},
		Scheme:  "http",
	}, proxy, catalog.NewListingParser(catalog.Selectors{}, 5))
	tmp := t.TempDir()
	fetcher := download.New(download.Config{TempDir: tmp}, nil)

	m := New(testConfig(), s, searcher, fetcher, deliver.NewRouter(nil), nil)
	sum, err := m.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Downloaded != 1 || sum.Stop != StopDrained {
		t.Errorf("summary: %+v", sum)
	}

	book, _ := s.GetBook(ctx, id)
	if book.Attempts != 1 || book.Status != store.StatusDownloaded {
		t.Errorf("book: %+v", book)
	}
	from, to := store.DayBounds(now())
	if book.DownloadedAt == nil || *book.DownloadedAt < from || *book.DownloadedAt >= to {
		t.Errorf("downloaded_at: %v", book.DownloadedAt)
	}
	for _, d := range []*store.Destination{a, b} {
		got, err := os.ReadFile(filepath.Join(d.DeliveryPath, "Frank Herbert - Dune.epub"))
		if err != nil {
			t.Errorf("%s: %v", d.Name, err)
			continue
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("%s: content differs", d.Name)
		}
	}
	entries, _ := os.ReadDir(tmp)
	if len(entries) != 0 {
		t.Errorf("temp area not empty: %d entries", len(entries))
	}
}

func TestRun_IntegrityGate(t *testing.T) {
	// WHAT: A 900-byte payload counts as a failed attempt and leaves no file.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/epub+zip")
		w.Write(bytes.Repeat([]byte("x"), 900))
	}))
	defer srv.Close()

	s := openStore(t)
	ctx := context.Background()
	d := addDest(t, s, "a")
	id := addBook(t, s, "k", "Dune", "Frank Herbert", d)
	tmp := t.TempDir()
	searcher := &refSearcher{url: srv.URL + "/md5/abc"}
	m := New(testConfig(), s, searcher, download.New(download.Config{TempDir: tmp}, nil), deliver.NewRouter(nil), nil)
	if _, err := m.Run(ctx); err != nil {
		t.Fatal(err)
	}
	b, _ := s.GetBook(ctx, id)
	if b.Status != store.StatusPending || b.Attempts != 1 {
		t.Errorf("book: %+v", b)
	}
	entries, _ := os.ReadDir(tmp)
	if len(entries) != 0 {
		t.Error("temp file left behind")
	}
	if _, err := os.Stat(filepath.Join(d.DeliveryPath, "Frank Herbert - Dune.epub")); !errors.Is(err, os.ErrNotExist) {
		t.Error("rejected payload was delivered")
	}
}

type refSearcher struct{ url string }

func (r *refSearcher) Find(context.Context, string, string, string) (*catalog.Match, error) {
	return &catalog.Match{URL: r.url}, nil
}

func mustHost(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u.Host
}

func TestRun_CrashLeftoverAboveCapClamped(t *testing.T) {
	// WHAT: A pending book left at 7 attempts under a cap of 5 ends failed
	// with 5 attempts.
	// WHY: Lowering max_attempts between runs must not leave failed rows
	// reporting more attempts than the budget.
	s := openStore(t)
	ctx := context.Background()
	d := addDest(t, s, "a")
	id := addBook(t, s, "k", "Dune", "Frank Herbert", d)
	s.DB.Exec(`UPDATE books SET attempts = 7 WHERE id = ?`, id)

	cfg := testConfig()
	cfg.MaxAttempts = 5
	m := New(cfg, s, &fakeSearcher{}, &fakeFetcher{dir: t.TempDir()}, deliver.NewRouter(nil), nil)
	if _, err := m.Run(ctx); err != nil {
		t.Fatal(err)
	}
	b, _ := s.GetBook(ctx, id)
	if b.Status != store.StatusFailed || b.Attempts != 5 {
		t.Errorf("book: %s/%d, want failed/5", b.Status, b.Attempts)
	}
}

func TestRun_SharedDeliveryPath(t *testing.T) {
	// WHAT: Two destinations pointing at the same directory both get the
	// book, which lands there once with no leftover temp file.
	// WHY: Concurrent copies into one directory must not collide.
	s := openStore(t)
	ctx := context.Background()
	shared := t.TempDir()
	var dests []*store.Destination
	for _, name := range []string{"a", "b"} {
		d := &store.Destination{Name: name, FeedKey: name, DeliveryPath: shared}
		if err := s.CreateDestination(ctx, d); err != nil {
			t.Fatal(err)
		}
		dests = append(dests, d)
	}
	id := addBook(t, s, "k", "Dune", "Frank Herbert", dests...)

	m := New(testConfig(), s, &fakeSearcher{}, &fakeFetcher{dir: t.TempDir(), size: 2048}, deliver.NewRouter(nil), nil)
	sum, err := m.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Downloaded != 1 {
		t.Fatalf("summary: %+v", sum)
	}
	entries, err := os.ReadDir(shared)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "Frank Herbert - Dune.epub" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("shared dir: %q", names)
	}
	data, _ := os.ReadFile(filepath.Join(shared, "Frank Herbert - Dune.epub"))
	if len(data) != 2048 {
		t.Errorf("delivered %d bytes, want 2048", len(data))
	}
	from, to := store.DayBounds(now())
	for _, d := range dests {
		if n, _ := s.CountServedBetween(ctx, d.ID, from, to); n != 1 {
			t.Errorf("%s served count: got %d, want 1", d.Name, n)
		}
	}
	if b, _ := s.GetBook(ctx, id); b.Status != store.StatusDownloaded {
		t.Errorf("status: %s", b.Status)
	}
}

func TestRun_NoCooldownAfterLastBook(t *testing.T) {
	// WHAT: A pass with a single book and a long cooldown returns at once.
	// WHY: The cooldown only separates items; nothing follows the last one.
	s := openStore(t)
	d := addDest(t, s, "a")
	addBook(t, s, "k", "Dune", "Frank Herbert", d)

	cfg := testConfig()
	cfg.Cooldown = 5 * time.Second
	m := New(cfg, s, &fakeSearcher{}, &fakeFetcher{dir: t.TempDir(), size: 2048}, deliver.NewRouter(nil), nil)

	start := time.Now()
	sum, err := m.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("pass took %v", elapsed)
	}
	if sum.Processed != 1 || sum.Downloaded != 1 {
		t.Errorf("summary: %+v", sum)
	}
}

func TestRun_CooldownBetweenBooks(t *testing.T) {
	// WHAT: Two processed books are separated by one cooldown.
	s := openStore(t)
	d := addDest(t, s, "a")
	addBook(t, s, "k1", "Dune", "Frank Herbert", d)
	addBook(t, s, "k2", "Emma", "Jane Austen", d)

	cfg := testConfig()
	cfg.Cooldown = 150 * time.Millisecond
	cfg.DestinationDailyCap = 10
	m := New(cfg, s, &fakeSearcher{}, &fakeFetcher{dir: t.TempDir(), size: 2048}, deliver.NewRouter(nil), nil)

	start := time.Now()
	sum, err := m.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	if sum.Processed != 2 {
		t.Fatalf("summary: %+v", sum)
	}
	if elapsed < 150*time.Millisecond {
		t.Errorf("pass took %v, want one cooldown", elapsed)
	}
}
