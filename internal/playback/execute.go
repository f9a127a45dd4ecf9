// internal/playback/execute.go
package playback

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// execute replays one event. The switch covers every schemas.EventType;
// anything else is logged and skipped.
func (p *Player) execute(ctx context.Context, ev schemas.Event, speed float64) error {
	switch ev.Type {
	case schemas.EventClick:
		return p.click(ctx, ev)
	case schemas.EventTyping:
		return p.typeValue(ctx, ev)
	case schemas.EventNavigation:
		return p.page.Navigate(ctx, ev.URL, schemas.NavigateOptions{WaitReady: true})
	case schemas.EventKeyPress, schemas.EventFormNavigation:
		if ev.Value == "" {
			return fmt.Errorf("%s event has no key", ev.Type)
		}
		return p.page.PressKey(ctx, ev.Value)
	case schemas.EventFormSubmit:
		if implicit, _ := ev.Metadata["implicit"].(bool); implicit {
			// The click or Enter replayed just before already submitted it.
			p.logger.Debug("Skipping implicit form submit.", zap.String("selector", ev.Selector))
			return nil
		}
		if ev.Selector == "" {
			return ErrNoTarget
		}
		return p.page.SubmitForm(ctx, ev.Selector)
	case schemas.EventFormFocus:
		if ev.Selector == "" {
			return ErrNoTarget
		}
		return p.page.Evaluate(ctx, focusFn, nil, ev.Selector)
	case schemas.EventFormInputChange:
		if ev.Selector == "" {
			return ErrNoTarget
		}
		return p.page.Evaluate(ctx, setValueFn, nil, ev.Selector, ev.Value)
	case schemas.EventScreenshot:
		p.mu.Lock()
		skip := p.cfg.SkipScreenshots
		p.mu.Unlock()
		if skip {
			return nil
		}
		_, err := p.page.Screenshot(ctx, schemas.ScreenshotOptions{})
		return err
	case schemas.EventPageLoad:
		return p.pageLoad(ctx, ev)
	case schemas.EventScroll:
		x, y := 0.0, 0.0
		if ev.Coordinates != nil {
			x, y = ev.Coordinates.X, ev.Coordinates.Y
		}
		return p.page.Evaluate(ctx, scrollFn, nil, x, y)
	case schemas.EventHover:
		if ev.Selector == "" && ev.Coordinates == nil {
			return ErrNoTarget
		}
		x, y := 0.0, 0.0
		if ev.Coordinates != nil {
			x, y = ev.Coordinates.X, ev.Coordinates.Y
		}
		return p.page.Evaluate(ctx, hoverFn, nil, ev.Selector, x, y)
	case schemas.EventWait:
		if ev.Duration <= 0 {
			return nil
		}
		return p.sleep(ctx, time.Duration(float64(time.Duration(ev.Duration)*time.Millisecond)/speed))
	}
	p.logger.Warn("Skipping event of unknown type.", zap.String("type", ev.Type.String()), zap.String("event_id", ev.ID))
	return nil
}

func (p *Player) click(ctx context.Context, ev schemas.Event) error {
	if ev.Selector != "" {
		return p.page.Click(ctx, ev.Selector)
	}
	if ev.Coordinates != nil {
		return p.page.ClickAt(ctx, ev.Coordinates.X, ev.Coordinates.Y)
	}
	return ErrNoTarget
}

// typeValue clears the field first so replay does not depend on what the
// page prefilled.
func (p *Player) typeValue(ctx context.Context, ev schemas.Event) error {
	if ev.Selector == "" {
		return ErrNoTarget
	}
	if masked, _ := ev.Metadata["masked"].(bool); masked {
		p.logger.Warn("Typed value was masked at capture time, replaying the mask.", zap.String("selector", ev.Selector))
	}
	if err := p.page.Evaluate(ctx, clearFieldFn, nil, ev.Selector); err != nil {
		return fmt.Errorf("could not clear %s: %w", ev.Selector, err)
	}
	return p.page.Type(ctx, ev.Selector, ev.Value)
}

// pageLoad brings a fresh page to the recorded document before waiting for
// it to finish loading.
func (p *Player) pageLoad(ctx context.Context, ev schemas.Event) error {
	if ev.URL != "" {
		current, err := p.page.CurrentURL(ctx)
		if err != nil || current != ev.URL {
			if err := p.page.Navigate(ctx, ev.URL, schemas.NavigateOptions{WaitReady: true}); err != nil {
				return err
			}
		}
	}
	return p.page.Evaluate(ctx, readyScript, nil)
}
