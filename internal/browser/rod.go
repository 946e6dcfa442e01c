package browser

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/kareemsasa3/catalog-mirror/internal/errors"
)

// RodProvider starts one go-rod controlled browser per session.
type RodProvider struct {
	opts Options
}

// NewRodProvider creates a go-rod backend.
func NewRodProvider(opts Options) *RodProvider {
	return &RodProvider{opts: opts.withDefaults()}
}

func (p *RodProvider) Open(ctx context.Context) (Session, error) {
	l := launcher.New().Context(ctx).Headless(true).NoSandbox(p.opts.NoSandbox)
	if p.opts.ExecPath != "" {
		l = l.Bin(p.opts.ExecPath)
	}
	if p.opts.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors")
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, errors.NewScraperError("", "browser launch failed", err)
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, errors.NewScraperError("", "browser connect failed", err)
	}

	pg, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = b.Close()
		l.Kill()
		l.Cleanup()
		return nil, errors.NewScraperError("", "failed to open page", err)
	}
	if p.opts.UserAgent != "" {
		if err := pg.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: p.opts.UserAgent}); err != nil {
			p.opts.Logger.Warn("Failed to set user agent: %v", err)
		}
	}
	return &rodSession{browser: b, page: pg, launcher: l, opts: p.opts}, nil
}

type rodSession struct {
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	opts     Options
	url      string
}

func (s *rodSession) fail(ctx context.Context, target, message string, err error) error {
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return errors.NewScraperError(target, message, err)
}

func (s *rodSession) settle(ctx context.Context) error {
	t := time.NewTimer(s.opts.SettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *rodSession) Navigate(ctx context.Context, url string) error {
	pg := s.page.Context(ctx).Timeout(s.opts.NavigationTimeout)
	if err := pg.Navigate(url); err != nil {
		return s.fail(ctx, url, "navigation failed", err)
	}
	if err := pg.WaitLoad(); err != nil {
		return s.fail(ctx, url, "page load failed", err)
	}
	s.url = url
	if err := s.settle(ctx); err != nil {
		return s.fail(ctx, url, "settle after navigation", err)
	}
	return nil
}

func (s *rodSession) WaitFor(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	_, err := s.page.Context(ctx).Timeout(timeout).Element(selector)
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, s.fail(ctx, s.url, "wait interrupted", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return false, nil
	}
	return false, s.fail(ctx, s.url, fmt.Sprintf("wait for %q failed", selector), err)
}

func (s *rodSession) ScrollToBottom(ctx context.Context) error {
	pg := s.page.Context(ctx).Timeout(s.opts.NavigationTimeout)
	if _, err := pg.Eval(`() => window.scrollTo(0, document.body.scrollHeight)`); err != nil {
		return s.fail(ctx, s.url, "scroll failed", err)
	}
	return s.settle(ctx)
}

func (s *rodSession) Click(ctx context.Context, selector string) (bool, error) {
	pg := s.page.Context(ctx).Timeout(s.opts.NavigationTimeout)
	els, err := pg.Elements(selector)
	if err != nil {
		return false, s.fail(ctx, s.url, fmt.Sprintf("lookup of %q failed", selector), err)
	}
	if els.Empty() {
		return false, nil
	}
	if err := els.First().Click(proto.InputMouseButtonLeft, 1); err != nil {
		return false, s.fail(ctx, s.url, fmt.Sprintf("click on %q failed", selector), err)
	}
	if err := s.settle(ctx); err != nil {
		return true, s.fail(ctx, s.url, "settle after click", err)
	}
	return true, nil
}

func (s *rodSession) Document(ctx context.Context) (*goquery.Document, error) {
	html, err := s.page.Context(ctx).Timeout(s.opts.NavigationTimeout).HTML()
	if err != nil {
		return nil, s.fail(ctx, s.url, "HTML extraction failed", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, errors.NewScraperError(s.url, "failed to parse HTML", err)
	}
	return doc, nil
}

func (s *rodSession) URL() string {
	return s.url
}

func (s *rodSession) Close() error {
	err := s.browser.Close()
	s.launcher.Kill()
	s.launcher.Cleanup()
	return err
}
