package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/kareemsasa3/catalog-mirror/internal/errors"
)

// Options configures the real browser backends.
type Options struct {
	ExecPath          string
	UserAgent         string
	NoSandbox         bool
	IgnoreCertErrors  bool
	NavigationTimeout time.Duration
	// SettleDelay is slept after the body is ready so client-side
	// rendering can finish.
	SettleDelay time.Duration
	Logger      Logger
}

func (o Options) withDefaults() Options {
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 45 * time.Second
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = nopLogger{}
	}
	return o
}

// NewProvider returns the backend named by name: "chromedp" or "rod".
func NewProvider(name string, opts Options) (Provider, error) {
	switch name {
	case "", "chromedp":
		return NewChromeProvider(opts), nil
	case "rod":
		return NewRodProvider(opts), nil
	}
	return nil, fmt.Errorf("unknown browser backend %q", name)
}

// chromePaths are checked in order when no exec path is configured.
var chromePaths = []string{
	"/usr/bin/chromium-browser",
	"/usr/bin/chromium",
	"/usr/bin/google-chrome",
	"/usr/bin/google-chrome-stable",
}

// ChromeProvider starts one chromedp-driven Chrome per session.
type ChromeProvider struct {
	opts Options
}

// NewChromeProvider creates a chromedp backend.
func NewChromeProvider(opts Options) *ChromeProvider {
	return &ChromeProvider{opts: opts.withDefaults()}
}

func (p *ChromeProvider) allocatorOptions(profileDir string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		// A private profile per session avoids SingletonLock clashes
		// between concurrent browsers.
		chromedp.Flag("user-data-dir", profileDir),
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("window-size", "1920,1080"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	if p.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(p.opts.UserAgent))
	}

	execPath := p.opts.ExecPath
	if execPath == "" {
		for _, candidate := range chromePaths {
			if _, err := os.Stat(candidate); err == nil {
				execPath = candidate
				break
			}
		}
	}
	if execPath != "" {
		opts = append(opts, chromedp.ExecPath(execPath))
		// Container builds ship chromium without GPU support.
		if strings.Contains(execPath, "chromium") {
			opts = append(opts,
				chromedp.Flag("disable-dev-shm-usage", true),
				chromedp.Flag("disable-software-rasterizer", true),
				chromedp.Flag("disable-gpu-sandbox", true),
				chromedp.Flag("use-gl", "angle"),
				chromedp.Flag("use-angle", "swiftshader"),
				chromedp.Flag("disable-features", "VizDisplayCompositor"),
			)
		}
	}

	if p.opts.NoSandbox {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-setuid-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("no-zygote", true),
		)
	}
	if p.opts.IgnoreCertErrors {
		opts = append(opts,
			chromedp.Flag("ignore-certificate-errors", true),
			chromedp.Flag("ignore-ssl-errors", true),
		)
	}
	return opts
}

// Open starts Chrome. The browser dies when ctx ends or the session is
// closed, whichever comes first.
func (p *ChromeProvider) Open(ctx context.Context) (Session, error) {
	if ctx.Err() != nil {
		return nil, errors.NewScraperError("", "context done before browser start", ctx.Err())
	}

	profileDir, err := os.MkdirTemp("", "chrome-profile-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp profile directory: %w", err)
	}

	log := p.opts.Logger
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, p.allocatorOptions(profileDir)...)
	chromeCtx, chromeCancel := chromedp.NewContext(allocCtx,
		chromedp.WithBrowserOption(chromedp.WithDialTimeout(p.opts.NavigationTimeout)),
		chromedp.WithLogf(func(format string, args ...interface{}) {
			log.Debug("[chromedp] "+format, args...)
		}),
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			log.Warn("[chromedp] "+format, args...)
		}),
	)

	s := &chromeSession{
		ctx:        chromeCtx,
		opts:       p.opts,
		profileDir: profileDir,
		cancel: func() {
			chromeCancel()
			allocCancel()
		},
	}

	// The first Run launches the browser.
	if err := chromedp.Run(chromeCtx); err != nil {
		s.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, errors.NewScraperError("", "chrome startup failed", err)
	}
	log.Debug("Chrome started with profile %s", profileDir)
	return s, nil
}

type chromeSession struct {
	ctx        context.Context
	cancel     context.CancelFunc
	opts       Options
	profileDir string
	url        string
}

// bind derives a run context from the browser context that also ends with
// the caller's ctx and after timeout.
func (s *chromeSession) bind(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(s.ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(s.ctx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// fail classifies err, preferring the caller's own context error.
func (s *chromeSession) fail(ctx context.Context, target, message string, err error) error {
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return errors.NewScraperError(target, message, err)
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := s.bind(ctx, s.opts.NavigationTimeout)
	defer cancel()

	// Raw page.Navigate is bounded only by runCtx, unlike chromedp.Navigate
	// which adds its own load timeout.
	err := chromedp.Run(runCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, _, errorText, _, err := page.Navigate(url).Do(ctx)
			if err != nil {
				return err
			}
			if errorText != "" {
				return fmt.Errorf("navigation error: %s", errorText)
			}
			return nil
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.opts.SettleDelay),
	)
	if err != nil {
		return s.fail(ctx, url, "navigation failed", err)
	}
	s.url = url
	return nil
}

func (s *chromeSession) WaitFor(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	runCtx, cancel := s.bind(ctx, timeout)
	defer cancel()

	err := chromedp.Run(runCtx, chromedp.WaitReady(selector, chromedp.ByQuery))
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, s.fail(ctx, s.url, "wait interrupted", err)
	}
	if runCtx.Err() != nil {
		return false, nil
	}
	return false, s.fail(ctx, s.url, fmt.Sprintf("wait for %q failed", selector), err)
}

func (s *chromeSession) ScrollToBottom(ctx context.Context) error {
	runCtx, cancel := s.bind(ctx, s.opts.NavigationTimeout)
	defer cancel()

	err := chromedp.Run(runCtx,
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight);`, nil),
		chromedp.Sleep(s.opts.SettleDelay),
	)
	if err != nil {
		return s.fail(ctx, s.url, "scroll failed", err)
	}
	return nil
}

func (s *chromeSession) Click(ctx context.Context, selector string) (bool, error) {
	runCtx, cancel := s.bind(ctx, s.opts.NavigationTimeout)
	defer cancel()

	quoted, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) { return false; }
		el.scrollIntoView();
		el.click();
		return true;
	})()`, quoted)

	var clicked bool
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &clicked)); err != nil {
		return false, s.fail(ctx, s.url, fmt.Sprintf("click on %q failed", selector), err)
	}
	if clicked {
		if err := chromedp.Run(runCtx, chromedp.Sleep(s.opts.SettleDelay)); err != nil {
			return true, s.fail(ctx, s.url, "settle after click failed", err)
		}
	}
	return clicked, nil
}

func (s *chromeSession) Document(ctx context.Context) (*goquery.Document, error) {
	runCtx, cancel := s.bind(ctx, s.opts.NavigationTimeout)
	defer cancel()

	var body string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &body, chromedp.ByQuery)); err != nil {
		return nil, s.fail(ctx, s.url, "HTML extraction failed", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, errors.NewScraperError(s.url, "failed to parse HTML", err)
	}
	return doc, nil
}

func (s *chromeSession) URL() string {
	return s.url
}

func (s *chromeSession) Close() error {
	s.cancel()
	return os.RemoveAll(s.profileDir)
}
