package download

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/bookferry/ferry/internal/poll"
)

// Browser is one isolated browser session with a single page.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	Title(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	BodyText(ctx context.Context) (string, error)
	Fill(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	// AllowDownloads makes the browser save downloads into dir.
	AllowDownloads(ctx context.Context, dir string) error
	Close() error
}

// Launcher starts a fresh Browser per attempt.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// ChallengeTitles are lowercase title fragments of interstitial challenge pages.
var ChallengeTitles = []string{
	"just a moment",
	"attention required",
	"checking your browser",
	"ddos-guard",
	"please wait",
}

// IsChallengeTitle reports whether a page title belongs to a challenge page.
func IsChallengeTitle(title string) bool {
	t := strings.ToLower(title)
	for _, s := range ChallengeTitles {
		if strings.Contains(t, s) {
			return true
		}
	}
	return false
}

func (d *Downloader) fetchProtected(parent context.Context, ref, baseName string) (*Result, error) {
	if d.launcher == nil {
		return nil, fmt.Errorf("download: protected reference but no browser configured")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("download: parse ref: %w", err)
	}
	origin := u.Scheme + "://" + u.Host

	ctx, cancel := context.WithTimeout(parent, d.cfg.BrowserTimeout)
	defer cancel()

	res, err := d.browserDownload(ctx, origin, ref, baseName)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return res, err
}

func (d *Downloader) browserDownload(ctx context.Context, origin, ref, baseName string) (*Result, error) {
	b, err := d.launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("download: launch browser: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			d.log.Warn("download: close browser", "error", err)
		}
	}()

	if err := b.Navigate(ctx, origin+"/"); err != nil {
		d.log.Debug("download: navigate origin", "origin", origin, "error", err)
	}
	if err := d.clearChallenge(ctx, b); err != nil {
		return nil, d.withDiagnostics(ctx, b, err)
	}

	if d.cfg.APIKey != "" {
		if err := d.login(ctx, b, origin); err != nil {
			return nil, d.withDiagnostics(ctx, b, err)
		}
	}

	dlDir, err := os.MkdirTemp(d.cfg.TempDir, "browser-*")
	if err != nil {
		return nil, fmt.Errorf("download: scoped dir: %w", err)
	}
	defer os.RemoveAll(dlDir)

	if err := b.AllowDownloads(ctx, dlDir); err != nil {
		return nil, fmt.Errorf("download: allow downloads: %w", err)
	}
	before, err := Snapshot(dlDir)
	if err != nil {
		return nil, fmt.Errorf("download: snapshot: %w", err)
	}

	// The page load usually aborts once the response turns into a download.
	if err := b.Navigate(ctx, ref); err != nil {
		d.log.Debug("download: navigate ref", "ref", ref, "error", err)
	}

	name, err := d.detector.Wait(ctx, dlDir, before)
	if err != nil {
		return nil, d.withDiagnostics(ctx, b, err)
	}

	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = DefaultExt
	}
	dst := filepath.Join(d.cfg.TempDir, baseName+ext)
	if err := os.Rename(filepath.Join(dlDir, name), dst); err != nil {
		return nil, fmt.Errorf("download: move: %w", err)
	}
	fi, err := os.Stat(dst)
	if err != nil {
		return nil, fmt.Errorf("download: stat: %w", err)
	}
	return &Result{Path: dst, Ext: ext, Size: fi.Size(), Via: ViaBrowser}, nil
}

// clearChallenge waits until the page title no longer looks like a challenge.
func (d *Downloader) clearChallenge(ctx context.Context, b Browser) error {
	err := poll.Until(ctx, d.cfg.PollInterval, d.cfg.ChallengeTimeout, func(ctx context.Context) (bool, error) {
		title, err := b.Title(ctx)
		if err != nil {
			return false, err
		}
		return !IsChallengeTitle(title), nil
	})
	if errors.Is(err, poll.ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrChallenge, err)
	}
	return err
}

func (d *Downloader) login(ctx context.Context, b Browser, origin string) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.LoginTimeout)
	defer cancel()

	fail := func(step string, err error) error {
		if ctx.Err() != nil && !errors.Is(err, ErrChallenge) {
			return fmt.Errorf("%w: %s: timed out", ErrLogin, step)
		}
		return fmt.Errorf("%w: %s: %v", ErrLogin, step, err)
	}

	if err := b.Navigate(ctx, origin+d.cfg.LoginPath); err != nil {
		d.log.Debug("download: navigate login", "error", err)
	}
	if err := d.clearChallenge(ctx, b); err != nil {
		return fail("challenge", err)
	}
	if err := b.Fill(ctx, d.cfg.LoginInput, d.cfg.APIKey); err != nil {
		return fail("fill", err)
	}
	if err := b.Click(ctx, d.cfg.LoginSubmit); err != nil {
		return fail("submit", err)
	}

	var last string
	err := poll.Until(ctx, d.cfg.PollInterval, 0, func(ctx context.Context) (bool, error) {
		cur, err := b.URL(ctx)
		if err != nil {
			return false, err
		}
		last = cur
		pu, err := url.Parse(cur)
		if err != nil {
			return false, err
		}
		return strings.HasPrefix(pu.Path, d.cfg.LoginSuccessPath), nil
	})
	if err != nil {
		return fail("confirm "+last, err)
	}
	d.log.Info("download: logged in", "origin", origin)
	return nil
}

// withDiagnostics attaches what the page showed when the step failed.
func (d *Downloader) withDiagnostics(ctx context.Context, b Browser, err error) error {
	// ctx may be spent; diagnostics get a short budget of their own.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.PollInterval)
	defer cancel()
	cur, _ := b.URL(dctx)
	title, _ := b.Title(dctx)
	body, _ := b.BodyText(dctx)
	return fmt.Errorf("%w (url=%s title=%q body=%q)", err, cur, title, snippet(body, snippetLen))
}
