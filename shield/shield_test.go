package shield

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(APIHeaders())(http.HandlerFunc(okHandler))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))

	for k, v := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestMaxBody(t *testing.T) {
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/", strings.NewReader("tiny")))
	if rec.Code != http.StatusNoContent {
		t.Errorf("small body: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 64))))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("large body: %d", rec.Code)
	}
}

func TestHeadToGet(t *testing.T) {
	var method string
	h := HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { method = r.Method }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("HEAD", "/healthz", nil))
	if method != http.MethodGet {
		t.Errorf("method = %s", method)
	}
}

func TestTraceID(t *testing.T) {
	// WHAT: every request gets a trace id, visible in the header, the
	// context and the completion log line.
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var ctxID string
	h := TraceID(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = GetTraceID(r.Context())
		GetLogger(r.Context()).Info("inside")
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/books", nil))

	id := rec.Header().Get("X-Trace-ID")
	if len(id) != 8 || id != ctxID {
		t.Fatalf("header %q, context %q", id, ctxID)
	}
	out := buf.String()
	if strings.Count(out, `"trace_id":"`+id+`"`) != 2 {
		t.Errorf("trace id missing from log lines: %s", out)
	}
	if !strings.Contains(out, `"status":418`) {
		t.Errorf("status not logged: %s", out)
	}
}

func TestRequireToken(t *testing.T) {
	h := RequireToken("s3cret")(http.HandlerFunc(okHandler))

	cases := []struct {
		auth string
		want int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"s3cret", http.StatusUnauthorized},
		{"Bearer s3cret", http.StatusOK},
	}
	for _, c := range cases {
		req := httptest.NewRequest("POST", "/trigger", nil)
		if c.auth != "" {
			req.Header.Set("Authorization", c.auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != c.want {
			t.Errorf("auth %q: got %d, want %d", c.auth, rec.Code, c.want)
		}
	}

	open := RequireToken("")(http.HandlerFunc(okHandler))
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest("POST", "/trigger", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("empty token should not guard: %d", rec.Code)
	}
}
