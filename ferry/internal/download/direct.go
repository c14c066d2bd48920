package download

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
)

func (d *Downloader) fetchDirect(ctx context.Context, ref, baseName string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DirectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("download: new request: %w", err)
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download: http %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt == "text/html" {
		return nil, fmt.Errorf("%w: %s", ErrNotABook, resp.Request.URL)
	}

	ext := detectExt(resp.Header.Get("Content-Disposition"), contentType, resp.Request.URL.Path)
	dst := filepath.Join(d.cfg.TempDir, baseName+ext)

	f, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("download: create: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return nil, fmt.Errorf("download: stream body: %w", err)
	}

	return &Result{Path: dst, Ext: ext, Size: n, Via: ViaDirect}, nil
}
