// internal/browser/interaction.go
package browser

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// Navigate loads url and, when requested, waits for the document body.
func (s *Session) Navigate(ctx context.Context, url string, opts schemas.NavigateOptions) error {
	s.logger.Debug("Navigating to URL", zap.String("url", url))

	opCtx, opCancel := CombineContext(s.ctx, ctx)
	defer opCancel()

	navTimeout := opts.Timeout
	if navTimeout <= 0 {
		navTimeout = s.navigationTimeout()
	}
	navCtx, navCancel := context.WithTimeout(opCtx, navTimeout)
	defer navCancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		if navCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("navigation timed out after %s: %w", navTimeout, err)
		}
		if opCtx.Err() != nil {
			return fmt.Errorf("navigation canceled: %w", opCtx.Err())
		}
		return fmt.Errorf("navigation failed: %w", err)
	}

	if opts.WaitReady {
		if err := chromedp.Run(navCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
			if opCtx.Err() != nil {
				return opCtx.Err()
			}
			s.logger.Debug("WaitReady failed after navigation (non-critical).", zap.Error(err))
		}
	}
	return nil
}

// Click clicks the first element matching selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	s.logger.Debug("Attempting to click element", zap.String("selector", selector))

	action := chromedp.Tasks{
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	}
	if err := s.runWithTimeout(ctx, 0, action); err != nil {
		return fmt.Errorf("click action failed for selector '%s': %w", selector, err)
	}
	return nil
}

// ClickAt dispatches a left click at viewport coordinates.
func (s *Session) ClickAt(ctx context.Context, x, y float64) error {
	if err := s.runWithTimeout(ctx, 0, chromedp.MouseClickXY(x, y)); err != nil {
		return fmt.Errorf("click at (%.0f,%.0f) failed: %w", x, y, err)
	}
	return nil
}

// Type sends text as key events to the element matching selector.
func (s *Session) Type(ctx context.Context, selector, text string) error {
	s.logger.Debug("Attempting to type into element", zap.String("selector", selector), zap.Int("text_length", len(text)))

	action := chromedp.Tasks{
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	}
	if err := s.runWithTimeout(ctx, 0, action); err != nil {
		return fmt.Errorf("type action failed for selector '%s': %w", selector, err)
	}
	return nil
}

// PressKey dispatches a named key to the focused element.
func (s *Session) PressKey(ctx context.Context, key string) error {
	keys, err := keySequence(key)
	if err != nil {
		return err
	}
	if err := s.runWithTimeout(ctx, 0, chromedp.KeyEvent(keys)); err != nil {
		return fmt.Errorf("key press %q failed: %w", key, err)
	}
	return nil
}

// SubmitForm submits the form that contains the element matching selector.
func (s *Session) SubmitForm(ctx context.Context, selector string) error {
	s.logger.Debug("Attempting to submit form", zap.String("selector", selector))
	if err := s.runWithTimeout(ctx, 0, chromedp.Submit(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("submit action failed for selector '%s': %w", selector, err)
	}
	return nil
}

// Screenshot captures the viewport, or the whole page when opts.FullPage is set.
func (s *Session) Screenshot(ctx context.Context, opts schemas.ScreenshotOptions) (string, error) {
	var buf []byte
	var action chromedp.Action = chromedp.CaptureScreenshot(&buf)
	if opts.FullPage {
		quality := opts.Quality
		if quality <= 0 || quality > 100 {
			quality = 90
		}
		action = chromedp.FullScreenshot(&buf, quality)
	}
	if err := s.runWithTimeout(ctx, 0, action); err != nil {
		return "", fmt.Errorf("screenshot failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// CurrentURL returns the document URL of the main frame.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.runWithTimeout(ctx, 0, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("could not read current url: %w", err)
	}
	return url, nil
}

// Title returns the document title.
func (s *Session) Title(ctx context.Context) (string, error) {
	var title string
	if err := s.runWithTimeout(ctx, 0, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("could not read title: %w", err)
	}
	return title, nil
}

// Viewport returns the layout viewport in CSS pixels.
func (s *Session) Viewport(ctx context.Context) (schemas.Viewport, error) {
	var vp schemas.Viewport
	if err := s.Evaluate(ctx, `({width: window.innerWidth, height: window.innerHeight})`, &vp); err != nil {
		return vp, fmt.Errorf("could not read viewport: %w", err)
	}
	return vp, nil
}
