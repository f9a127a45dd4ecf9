// internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
)

const (
	defaultNavigationTimeout = 60 * time.Second
	defaultActionTimeout     = 30 * time.Second
)

// Session is one browser tab driven over the debugging protocol. It
// implements schemas.Page.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    config.BrowserConfig

	events *eventDispatcher

	onClose func()

	mu       sync.Mutex
	isClosed bool
}

var _ schemas.Page = (*Session)(nil)

// NewSession wraps an already attached chromedp tab context. The caller
// hands ownership of cancel to the session.
func NewSession(
	ctx context.Context,
	cancel context.CancelFunc,
	cfg config.BrowserConfig,
	logger *zap.Logger,
	onClose func(),
) *Session {
	sessionID := uuid.New().String()
	sessionLogger := logger.Named("browser_session").With(zap.String("session_id", sessionID))

	s := &Session{
		id:      sessionID,
		ctx:     ctx,
		cancel:  cancel,
		logger:  sessionLogger,
		cfg:     cfg,
		onClose: onClose,
	}
	s.events = newEventDispatcher(sessionLogger, defaultEventQueueSize)
	return s
}

// Initialize attaches the tab, starts event dispatch and applies the
// configured viewport.
func (s *Session) Initialize(ctx context.Context) error {
	// An empty Run creates the target and connects to it.
	if err := s.runActions(ctx); err != nil {
		return fmt.Errorf("failed to attach browser tab: %w", err)
	}

	chromedp.ListenTarget(s.ctx, s.events.enqueue)
	go s.events.run(s.ctx)

	if w, h := s.cfg.Viewport["width"], s.cfg.Viewport["height"]; w > 0 && h > 0 {
		if err := s.runActions(ctx, chromedp.EmulateViewport(int64(w), int64(h))); err != nil {
			return fmt.Errorf("failed to apply viewport %dx%d: %w", w, h, err)
		}
	}
	s.logger.Debug("Browser session initialized.")
	return nil
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string {
	return s.id
}

// Close terminates the tab. Calling Close more than once is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")

	if s.cancel != nil {
		s.cancel()
	}
	s.events.wait(ctx)

	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

// runActions executes chromedp actions bounded by both the session lifetime
// and the caller's context.
func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	return chromedp.Run(runCtx, actions...)
}

// runWithTimeout is runActions with a per action deadline.
func (s *Session) runWithTimeout(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if timeout <= 0 {
		timeout = s.actionTimeout()
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.runActions(opCtx, actions...)
}

func (s *Session) actionTimeout() time.Duration {
	if s.cfg.ActionTimeout > 0 {
		return s.cfg.ActionTimeout
	}
	return defaultActionTimeout
}

func (s *Session) navigationTimeout() time.Duration {
	if s.cfg.NavigationTimeout > 0 {
		return s.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}
