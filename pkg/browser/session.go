// -- pkg/browser/session.go --
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/websentry/internal/config"
	"github.com/xkilldash9x/websentry/pkg/agent"
)

// harvestJS collects the actionable elements on the current page. Elements
// with an id get a direct selector; everything else gets a structural
// nth-of-type path so the selector survives a reobservation of the same DOM.
const harvestJS = `(() => {
	const pathOf = (el) => {
		if (el.id) return '#' + CSS.escape(el.id);
		const parts = [];
		while (el && el.nodeType === Node.ELEMENT_NODE && el.tagName !== 'HTML') {
			let idx = 1, sib = el;
			while ((sib = sib.previousElementSibling)) {
				if (sib.tagName === el.tagName) idx++;
			}
			parts.unshift(el.tagName.toLowerCase() + ':nth-of-type(' + idx + ')');
			el = el.parentElement;
		}
		return parts.join(' > ');
	};
	const label = (el) =>
		(el.innerText || el.value || el.getAttribute('aria-label') || el.getAttribute('title') || '')
			.trim().slice(0, 120);
	const out = [];
	const seen = new Set();
	document.querySelectorAll('a[href], button, input[type=submit], input[type=button], [role=button], input[type=text], input[type=search], textarea')
		.forEach((el) => {
			if (el.offsetParent === null && el.tagName !== 'A') return;
			const sel = pathOf(el);
			if (seen.has(sel)) return;
			seen.add(sel);
			out.push({label: label(el), selector: sel, href: el.getAttribute('href') || ''});
		});
	return out;
})()`

// Session is one isolated browser tab implementing agent.Session. It is not
// safe for concurrent use; each execution unit owns exactly one.
type Session struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocCtx  context.Context
	tabCtx    context.Context
	tabCancel context.CancelFunc

	baseURL string
	onClose func()

	mu     sync.Mutex
	closed bool
}

func newSession(allocCtx context.Context, logger *zap.Logger, cfg config.BrowserConfig) *Session {
	return &Session{
		logger:   logger.Named("session"),
		cfg:      cfg,
		allocCtx: allocCtx,
	}
}

// Start opens the tab and navigates to the entry URL.
func (s *Session) Start(ctx context.Context, url string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session is closed")
	}
	if s.tabCtx == nil {
		s.tabCtx, s.tabCancel = chromedp.NewContext(s.allocCtx)
	}
	s.baseURL = url
	s.mu.Unlock()

	if err := os.MkdirAll(s.cfg.ScreenshotDir, 0o755); err != nil {
		return fmt.Errorf("creating screenshot dir: %w", err)
	}
	return s.Navigate(ctx, url)
}

// BaseURL returns the URL the session was started on.
func (s *Session) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL
}

// CurrentURL reports the tab's present location.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	opCtx, cancel, err := s.opContext(ctx, 5*time.Second)
	if err != nil {
		return "", err
	}
	defer cancel()

	var url string
	if err := chromedp.Run(opCtx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("reading location: %w", err)
	}
	return url, nil
}

// Observe captures the current page: URL, a screenshot on disk, and the
// actionable element candidates. Screenshot failure degrades the
// observation instead of failing it; a page without a screenshot is still
// actionable.
func (s *Session) Observe(ctx context.Context) (agent.Observation, error) {
	opCtx, cancel, err := s.opContext(ctx, s.cfg.NavigationTimeout)
	if err != nil {
		return agent.Observation{}, err
	}
	defer cancel()

	var (
		url        string
		shot       []byte
		candidates []agent.Candidate
	)
	err = chromedp.Run(opCtx,
		chromedp.Location(&url),
		chromedp.Evaluate(harvestJS, &candidates),
	)
	if err != nil {
		return agent.Observation{}, fmt.Errorf("observing page: %w", err)
	}

	obs := agent.Observation{URL: url, Candidates: candidates}
	err = chromedp.Run(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var capErr error
		shot, capErr = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			Do(ctx)
		return capErr
	}))
	if err != nil {
		s.logger.Warn("Screenshot capture failed, continuing without", zap.Error(err))
		return obs, nil
	}

	path := filepath.Join(s.cfg.ScreenshotDir, uuid.NewString()+".png")
	if err := os.WriteFile(path, shot, 0o644); err != nil {
		s.logger.Warn("Screenshot write failed, continuing without", zap.Error(err))
		return obs, nil
	}
	obs.Screenshot = path
	return obs, nil
}

// Navigate drives the tab to the URL and waits for the document to be ready.
func (s *Session) Navigate(ctx context.Context, url string) error {
	opCtx, cancel, err := s.opContext(ctx, s.cfg.NavigationTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	if err := chromedp.Run(opCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

// run executes chromedp actions on the tab with a bounded deadline.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, cancel, err := s.opContext(ctx, timeout)
	if err != nil {
		return err
	}
	defer cancel()
	return chromedp.Run(opCtx, actions...)
}

// opContext derives a bounded operation context from the tab. The caller's
// context is consulted for cancellation up front; chromedp operations
// themselves run on the tab context so they target the right tab.
func (s *Session) opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.tabCtx == nil {
		return nil, nil, errors.New("session is not started")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	opCtx, cancel := context.WithTimeout(s.tabCtx, timeout)
	return opCtx, cancel, nil
}

// Close tears the tab down. Idempotent: only the first call does anything.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.tabCancel != nil {
		s.tabCancel()
	}
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}
