package download

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// spoofScript runs before any page script. stealth covers webdriver and
// most headless tells; this adds the plugin, language and notification
// permission answers a desktop browser gives.
const spoofScript = `() => {
	Object.defineProperty(navigator, 'plugins', {
		get: () => [
			{ name: 'PDF Viewer', filename: 'internal-pdf-viewer' },
			{ name: 'Chrome PDF Viewer', filename: 'internal-pdf-viewer' },
			{ name: 'Chromium PDF Viewer', filename: 'internal-pdf-viewer' },
		],
	});
	Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
	const query = window.navigator.permissions && window.navigator.permissions.query;
	if (query) {
		window.navigator.permissions.query = (p) =>
			p && p.name === 'notifications'
				? Promise.resolve({ state: Notification.permission })
				: query.call(window.navigator.permissions, p);
	}
}`

// RodLauncher starts a local headless Chrome per Launch.
type RodLauncher struct {
	// BinPath is the Chrome executable. Empty lets rod find or fetch one.
	BinPath        string
	UserAgent      string
	AcceptLanguage string
	Logger         *slog.Logger
}

// Launch starts Chrome with a throwaway profile and opens a stealth page.
func (l *RodLauncher) Launch(ctx context.Context) (Browser, error) {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	userAgent := l.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	acceptLanguage := l.AcceptLanguage
	if acceptLanguage == "" {
		acceptLanguage = "en-US,en;q=0.9"
	}

	dataDir, err := os.MkdirTemp("", "bookferry-chrome-*")
	if err != nil {
		return nil, fmt.Errorf("browser: profile dir: %w", err)
	}

	ln := launcher.New().
		Context(ctx).
		Headless(true).
		UserDataDir(dataDir).
		Set("disable-blink-features", "AutomationControlled")
	if l.BinPath != "" {
		ln = ln.Bin(l.BinPath)
	}

	wsURL, err := ln.Launch()
	if err != nil {
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("browser: launch: %w", err)
	}
	log.Debug("browser: launched", "url", wsURL)

	rb := &rodBrowser{ln: ln, dataDir: dataDir}
	rb.browser = rod.New().ControlURL(wsURL)
	if err := rb.browser.Connect(); err != nil {
		rb.Close()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	rb.connected = true

	page, err := stealth.Page(rb.browser)
	if err != nil {
		rb.Close()
		return nil, fmt.Errorf("browser: stealth page: %w", err)
	}
	rb.page = page

	if _, err := page.EvalOnNewDocument(spoofScript); err != nil {
		rb.Close()
		return nil, fmt.Errorf("browser: init script: %w", err)
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      userAgent,
		AcceptLanguage: acceptLanguage,
	}); err != nil {
		rb.Close()
		return nil, fmt.Errorf("browser: user agent: %w", err)
	}
	return rb, nil
}

type rodBrowser struct {
	ln      *launcher.Launcher
	browser *rod.Browser
	page    *rod.Page
	dataDir string

	connected bool
}

func (r *rodBrowser) Navigate(ctx context.Context, url string) error {
	p := r.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

func (r *rodBrowser) Title(ctx context.Context) (string, error) {
	info, err := r.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (r *rodBrowser) URL(ctx context.Context) (string, error) {
	info, err := r.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (r *rodBrowser) BodyText(ctx context.Context) (string, error) {
	res, err := r.page.Context(ctx).Eval(`() => document.body ? document.body.innerText : ""`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (r *rodBrowser) Fill(ctx context.Context, selector, text string) error {
	el, err := r.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.Input(text)
}

func (r *rodBrowser) Click(ctx context.Context, selector string) error {
	el, err := r.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (r *rodBrowser) AllowDownloads(ctx context.Context, dir string) error {
	return proto.BrowserSetDownloadBehavior{
		Behavior:      proto.BrowserSetDownloadBehaviorBehaviorAllow,
		DownloadPath:  dir,
		EventsEnabled: true,
	}.Call(r.browser.Context(ctx))
}

// Close kills Chrome and removes its profile. Safe on a half-built session.
func (r *rodBrowser) Close() error {
	var err error
	if r.connected {
		err = r.browser.Close()
	}
	if r.ln != nil {
		r.ln.Kill()
		r.ln.Cleanup()
	}
	os.RemoveAll(r.dataDir)
	return err
}
