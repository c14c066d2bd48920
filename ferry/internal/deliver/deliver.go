// Package deliver copies downloaded books to destination paths: local
// directories, or S3 prefixes written as s3://bucket/prefix.
package deliver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrS3NotConfigured is returned for s3:// destinations when no S3 client
// was set up.
var ErrS3NotConfigured = errors.New("deliver: s3 destination but s3 is not configured")

// Deliverer places the file at src under name inside deliveryPath.
type Deliverer interface {
	Deliver(ctx context.Context, deliveryPath, src, name string) error
}

// Local writes into a directory. Each call copies to its own
// name.<random>.partial file and renames it once synced, so readers never
// see a half-written book, even with concurrent deliveries of one name.
type Local struct{}

func (Local) Deliver(ctx context.Context, dir, src, name string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("deliver: mkdir %s: %w", dir, err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("deliver: open source: %w", err)
	}
	defer in.Close()

	dst := filepath.Join(dir, name)
	out, err := os.CreateTemp(dir, name+".*.partial")
	if err != nil {
		return fmt.Errorf("deliver: create: %w", err)
	}
	tmp := out.Name()
	// CreateTemp opens 0600; delivered books are shared.
	err = out.Chmod(0o644)
	if err == nil {
		_, err = io.Copy(out, ctxReader{ctx: ctx, r: in})
	}
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("deliver: copy to %s: %w", dir, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("deliver: rename: %w", err)
	}
	return nil
}

// Router sends s3:// paths to S3 and everything else to Local.
type Router struct {
	Local Deliverer
	S3    Deliverer // nil when S3 is not configured
}

// NewRouter returns a Router. s3 may be nil.
func NewRouter(s3 Deliverer) *Router {
	return &Router{Local: Local{}, S3: s3}
}

func (r *Router) Deliver(ctx context.Context, deliveryPath, src, name string) error {
	if strings.HasPrefix(deliveryPath, "s3://") {
		if r.S3 == nil {
			return ErrS3NotConfigured
		}
		return r.S3.Deliver(ctx, deliveryPath, src, name)
	}
	return r.Local.Deliver(ctx, deliveryPath, src, name)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
