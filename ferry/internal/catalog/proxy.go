// Package catalog searches the book catalog mirrors through an anti-bot
// solving proxy and picks the first listing entry the match engine accepts.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrProxyStatus is returned when the proxy or the origin behind it
	// answers with a non-success HTTP status.
	ErrProxyStatus = errors.New("catalog: proxy status")
	// ErrSolveFailed is returned when the proxy reports a non-"ok" solve.
	ErrSolveFailed = errors.New("catalog: challenge solve failed")
)

// Proxy fetches a page through a browser engine and returns the rendered HTML.
type Proxy interface {
	Get(ctx context.Context, url string) (string, error)
}

// SolverProxy talks to a FlareSolverr-compatible endpoint.
type SolverProxy struct {
	Endpoint string
	// Timeout is the solve budget handed to the proxy. Default: 60s.
	Timeout time.Duration
	client  *http.Client
}

// NewSolverProxy creates a proxy client. The HTTP timeout leaves headroom
// over the solve budget so the proxy gets to report its own timeout.
func NewSolverProxy(endpoint string, timeout time.Duration) *SolverProxy {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &SolverProxy{
		Endpoint: endpoint,
		Timeout:  timeout,
		client:   &http.Client{Timeout: timeout + 15*time.Second},
	}
}

type solveRequest struct {
	Cmd        string `json:"cmd"`
	URL        string `json:"url"`
	MaxTimeout int64  `json:"maxTimeout"`
}

type solveResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution struct {
		URL      string `json:"url"`
		Status   int    `json:"status"`
		Response string `json:"response"`
	} `json:"solution"`
}

// Get asks the proxy to render url.
func (p *SolverProxy) Get(ctx context.Context, url string) (string, error) {
	body, err := json.Marshal(solveRequest{
		Cmd:        "request.get",
		URL:        url,
		MaxTimeout: p.Timeout.Milliseconds(),
	})
	if err != nil {
		return "", fmt.Errorf("catalog: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("catalog: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("catalog: proxy request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: http %d", ErrProxyStatus, resp.StatusCode)
	}

	var out solveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("catalog: decode proxy response: %w", err)
	}
	if out.Status != "ok" {
		return "", fmt.Errorf("%w: %s %s", ErrSolveFailed, out.Status, out.Message)
	}
	if out.Solution.Status >= 400 {
		return "", fmt.Errorf("%w: origin %d", ErrProxyStatus, out.Solution.Status)
	}
	return out.Solution.Response, nil
}
