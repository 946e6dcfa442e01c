package browser

import (
	"context"

	"github.com/kareemsasa3/catalog-mirror/internal/ratelimit"
)

// Throttled passes every request-issuing call through a shared gate.
// Reads of the current DOM are not gated.
type Throttled struct {
	Session
	gate ratelimit.Gate
}

// WithGate wraps sess so navigations, clicks and scrolls wait on gate.
func WithGate(sess Session, gate ratelimit.Gate) *Throttled {
	return &Throttled{Session: sess, gate: gate}
}

func (t *Throttled) Navigate(ctx context.Context, url string) error {
	if err := t.gate.Wait(ctx); err != nil {
		return err
	}
	return t.Session.Navigate(ctx, url)
}

func (t *Throttled) Click(ctx context.Context, selector string) (bool, error) {
	if err := t.gate.Wait(ctx); err != nil {
		return false, err
	}
	return t.Session.Click(ctx, selector)
}

func (t *Throttled) ScrollToBottom(ctx context.Context) error {
	if err := t.gate.Wait(ctx); err != nil {
		return err
	}
	return t.Session.ScrollToBottom(ctx)
}
