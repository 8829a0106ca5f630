package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/curbpost/curbpost/api/schemas"
	"github.com/curbpost/curbpost/internal/browser/stealth"
)

// Runner executes CDP actions inside one browser context. The
// indirection exists so pool and session logic is testable without a
// Chrome binary.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error
	Close()
}

// cdpRunner is the production runner backed by a chromedp context.
type cdpRunner struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (r *cdpRunner) Run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(tctx, actions...)
}

func (r *cdpRunner) Close() { r.cancel() }

// Session is one pooled browser tab. It is never shared between
// callers; the pool hands it out and the idle reaper or an explicit
// destroy ends it. Session satisfies the interpreter's execution
// handle, so pooled agents run patterns against it directly.
type Session struct {
	id        string
	accountID string
	persona   stealth.Persona
	headless  bool
	stealthOn bool

	run           Runner
	log           *zap.Logger
	navTimeout    time.Duration
	actionTimeout time.Duration
	now           func() time.Time

	mu         sync.Mutex
	createdAt  time.Time
	lastUsed   time.Time
	currentURL string
	healthy    bool

	onClose   func()
	closeOnce sync.Once
}

// ID returns the session's handle.
func (s *Session) ID() string { return s.id }

// Info snapshots the externally visible session state.
func (s *Session) Info() schemas.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return schemas.SessionInfo{
		ID:         s.id,
		AccountID:  s.accountID,
		CreatedAt:  s.createdAt,
		LastUsedAt: s.lastUsed,
		Healthy:    s.healthy,
		CurrentURL: s.currentURL,
		Headless:   s.headless,
		Stealth:    s.stealthOn,
	}
}

// Close tears the browser context down. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.run.Close()
		s.mu.Lock()
		s.healthy = false
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose()
		}
		s.log.Debug("session closed")
	})
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = s.now()
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastUsed)
}

func (s *Session) setURL(u string) {
	s.mu.Lock()
	s.currentURL = u
	s.mu.Unlock()
}

// -- interpreter handle --

// Navigate loads a URL and waits for the document to become ready.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.touch()
	var current string
	err := s.run.Run(ctx, s.navTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&current),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	s.setURL(current)
	return nil
}

// Resolve probes whether a selector matches anything right now. The
// interpreter drives waiting via its own retry loop.
func (s *Session) Resolve(ctx context.Context, selector string) (bool, error) {
	s.touch()
	var found bool
	expr := fmt.Sprintf("document.querySelector(%q) !== null", selector)
	if err := s.run.Run(ctx, s.actionTimeout, chromedp.Evaluate(expr, &found)); err != nil {
		return false, fmt.Errorf("resolve %s: %w", selector, err)
	}
	return found, nil
}

func (s *Session) Click(ctx context.Context, selector string) error {
	s.touch()
	if err := s.run.Run(ctx, s.actionTimeout, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (s *Session) Type(ctx context.Context, selector, text string) error {
	s.touch()
	err := s.run.Run(ctx, s.actionTimeout,
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return nil
}

func (s *Session) SelectOption(ctx context.Context, selector, value string) error {
	s.touch()
	if err := s.run.Run(ctx, s.actionTimeout, chromedp.SetValue(selector, value, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("select %q on %s: %w", value, selector, err)
	}
	return nil
}

func (s *Session) UploadPhotos(ctx context.Context, selector string, refs []string) error {
	s.touch()
	if err := s.run.Run(ctx, s.actionTimeout, chromedp.SetUploadFiles(selector, refs, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("upload %d files to %s: %w", len(refs), selector, err)
	}
	return nil
}

func (s *Session) Scroll(ctx context.Context) error {
	s.touch()
	err := s.run.Run(ctx, s.actionTimeout,
		chromedp.Evaluate("window.scrollBy(0, window.innerHeight)", nil),
	)
	if err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

func (s *Session) ReopenDropdown(ctx context.Context, selector string) error {
	return s.Click(ctx, selector)
}

// -- primitive action API --

// Do executes one session primitive and reports duration and
// diagnostics. Action failures are returned inside the result, not as
// an error; the error return covers unknown actions only.
func (s *Session) Do(ctx context.Context, spec *schemas.ActionSpec) (*schemas.ActionResult, error) {
	start := s.now()
	res := &schemas.ActionResult{}

	timeout := s.actionTimeout
	if spec.Action == schemas.ActionNavigate {
		timeout = s.navTimeout
	}
	if spec.TimeoutMs > 0 {
		timeout = time.Duration(spec.TimeoutMs) * time.Millisecond
	}

	var err error
	switch spec.Action {
	case schemas.ActionNavigate:
		err = s.navigateWithTimeout(ctx, spec.URL, timeout)
	case schemas.ActionClick:
		s.touch()
		err = s.run.Run(ctx, timeout, chromedp.Click(spec.Selector, chromedp.ByQuery))
	case schemas.ActionType:
		s.touch()
		err = s.run.Run(ctx, timeout,
			chromedp.Clear(spec.Selector, chromedp.ByQuery),
			chromedp.SendKeys(spec.Selector, spec.Text, chromedp.ByQuery),
		)
	case schemas.ActionExtract:
		res.Elements, err = s.extract(ctx, spec.Selector, timeout)
	case schemas.ActionScreenshot:
		res.Screenshot, err = s.screenshot(ctx, timeout)
	default:
		return nil, fmt.Errorf("unknown browser action %q", spec.Action)
	}

	res.DurationMs = s.now().Sub(start).Milliseconds()
	res.CurrentURL = s.currentURLSnapshot()
	if err != nil {
		res.Error = err.Error()
		s.log.Warn("session action failed",
			zap.String("action", string(spec.Action)),
			zap.String("selector", spec.Selector),
			zap.Error(err))
		return res, nil
	}
	res.Success = true
	return res, nil
}

func (s *Session) navigateWithTimeout(ctx context.Context, url string, timeout time.Duration) error {
	s.touch()
	var current string
	err := s.run.Run(ctx, timeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&current),
	)
	if err != nil {
		return err
	}
	s.setURL(current)
	return nil
}

// extract lists interactive elements under selector, defaulting to the
// whole document's inputs, buttons, selects and links.
func (s *Session) extract(ctx context.Context, selector string, timeout time.Duration) ([]schemas.PageElement, error) {
	s.touch()
	if selector == "" {
		selector = "input, button, select, textarea, a[href]"
	}
	var nodes []*cdp.Node
	err := s.run.Run(ctx, timeout,
		chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)),
	)
	if err != nil {
		return nil, err
	}

	elements := make([]schemas.PageElement, 0, len(nodes))
	for _, n := range nodes {
		el := schemas.PageElement{
			Tag:     strings.ToLower(n.NodeName),
			Role:    n.AttributeValue("role"),
			Visible: true,
		}
		if label := n.AttributeValue("aria-label"); label != "" {
			el.Label = label
		} else if name := n.AttributeValue("name"); name != "" {
			el.Label = name
		}
		if id := n.AttributeValue("id"); id != "" {
			el.Selector = "#" + id
		}
		elements = append(elements, el)
	}
	return elements, nil
}

func (s *Session) screenshot(ctx context.Context, timeout time.Duration) (string, error) {
	s.touch()
	var buf []byte
	if err := s.run.Run(ctx, timeout, chromedp.FullScreenshot(&buf, 80)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Screenshot captures the page as raw PNG bytes.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	s.touch()
	var buf []byte
	if err := s.run.Run(ctx, s.actionTimeout, chromedp.FullScreenshot(&buf, 80)); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

// State is the cheap health probe behind GET /sessions/:id/state.
func (s *Session) State() *schemas.SessionStateResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &schemas.SessionStateResponse{
		CurrentURL: s.currentURL,
		IsHealthy:  s.healthy,
	}
}

func (s *Session) currentURLSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentURL
}
