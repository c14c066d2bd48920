package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/bookferry/ferry/internal/poll"
)

// CompletionDetector waits for the browser to finish a download into dir.
// before is the directory listing taken just before the download started.
// It returns the name of the completed file.
type CompletionDetector interface {
	Wait(ctx context.Context, dir string, before map[string]struct{}) (string, error)
}

// PartialSuffixes mark files the browser is still writing.
var PartialSuffixes = []string{".crdownload", ".part", ".download", ".tmp"}

// Snapshot lists the names currently in dir.
func Snapshot(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		names[e.Name()] = struct{}{}
	}
	return names, nil
}

// DirDiff detects completion by diffing the download directory. A new
// complete file is accepted once no partial file is left and its size holds
// still across StableDelay.
// It fails with ErrNoProgress when no new file, partial or complete, shows
// up within ProgressTimeout. The overall bound comes from ctx.
type DirDiff struct {
	Interval        time.Duration
	StableDelay     time.Duration
	ProgressTimeout time.Duration
}

func (d *DirDiff) Wait(ctx context.Context, dir string, before map[string]struct{}) (string, error) {
	start := time.Now()
	var found string

	err := poll.Until(ctx, d.Interval, 0, func(ctx context.Context) (bool, error) {
		partial, complete, err := diffDir(dir, before)
		if err != nil {
			return false, err
		}
		if partial == "" && complete == "" {
			if time.Since(start) > d.ProgressTimeout {
				return true, ErrNoProgress
			}
			return false, nil
		}
		if complete == "" || partial != "" {
			return false, nil
		}

		size1, err := fileSize(dir, complete)
		if err != nil {
			return false, err
		}
		if err := poll.Sleep(ctx, d.StableDelay); err != nil {
			return true, err
		}
		size2, err := fileSize(dir, complete)
		if err != nil {
			return false, err
		}
		if size1 != size2 {
			return false, nil
		}
		found = complete
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return found, nil
}

// diffDir returns one new partial file and the largest new complete file.
func diffDir(dir string, before map[string]struct{}) (partial, complete string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", fmt.Errorf("download: read dir: %w", err)
	}
	var best int64 = -1
	for _, e := range entries {
		name := e.Name()
		if _, seen := before[name]; seen || e.IsDir() {
			continue
		}
		if isPartial(name) {
			partial = name
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", "", err
		}
		if info.Size() > best {
			best, complete = info.Size(), name
		}
	}
	return partial, complete, nil
}

func isPartial(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range PartialSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

func fileSize(dir, name string) (int64, error) {
	fi, err := os.Stat(filepath.Join(dir, name))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
