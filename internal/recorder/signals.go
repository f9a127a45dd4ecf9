// internal/recorder/signals.go
package recorder

import (
	"context"
	"fmt"
	"strconv"

	cdppage "github.com/chromedp/cdproto/page"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

type signalKind string

const (
	signalClick  signalKind = "click"
	signalKey    signalKind = "key"
	signalFocus  signalKind = "focus"
	signalBlur   signalKind = "blur"
	signalInput  signalKind = "input"
	signalChange signalKind = "change"
	signalSubmit signalKind = "submit"
	signalScroll signalKind = "scroll"
	signalHover  signalKind = "hover"
)

// captureSource names what produces events of one type while recording.
type captureSource string

const (
	sourceScript     captureSource = "capture_script"
	sourceNavigation captureSource = "navigation_listener"
	sourceScreenshot captureSource = "screenshot"
	sourceSynthetic  captureSource = "synthetic"
	// sourceNone marks types that are only ever authored, never captured.
	sourceNone captureSource = "none"
)

// sourceOf maps every event type to its producer. The switch is exhaustive
// over schemas.AllEventTypes.
func sourceOf(t schemas.EventType) (captureSource, error) {
	switch t {
	case schemas.EventClick, schemas.EventTyping, schemas.EventKeyPress,
		schemas.EventFormSubmit, schemas.EventFormFocus, schemas.EventFormInputChange,
		schemas.EventFormNavigation, schemas.EventScroll, schemas.EventHover:
		return sourceScript, nil
	case schemas.EventNavigation:
		return sourceNavigation, nil
	case schemas.EventScreenshot:
		return sourceScreenshot, nil
	case schemas.EventPageLoad:
		return sourceSynthetic, nil
	case schemas.EventWait:
		return sourceNone, nil
	}
	return "", fmt.Errorf("unknown event type %q", t)
}

type modifiers struct {
	Alt   bool `json:"alt"`
	Ctrl  bool `json:"ctrl"`
	Meta  bool `json:"meta"`
	Shift bool `json:"shift"`
}

// signal is one report from the capture script.
type signal struct {
	Token     string             `json:"token"`
	Kind      signalKind         `json:"kind"`
	TS        int64              `json:"ts"`
	URL       string             `json:"url"`
	Target    *ElementDescriptor `json:"target"`
	X         float64            `json:"x"`
	Y         float64            `json:"y"`
	Button    int                `json:"button"`
	Key       string             `json:"key"`
	Value     string             `json:"value"`
	Modifiers modifiers          `json:"modifiers"`
	Action    string             `json:"action"`
	Method    string             `json:"method"`
	Implicit  bool               `json:"implicit"`
}

// fieldSnapshot is one entry of the polling snapshot.
type fieldSnapshot struct {
	Target  *ElementDescriptor `json:"target"`
	Value   string             `json:"value"`
	Focused bool               `json:"focused"`
	Dirty   bool               `json:"dirty"`
}

func (r *Recorder) onPayload(c *capture, payload string) {
	var sig signal
	if err := json.UnmarshalFromString(payload, &sig); err != nil {
		r.logger.Debug("Discarding malformed capture signal.", zap.Error(err))
		return
	}
	if sig.Token != c.token || !r.capturing(c) {
		return
	}
	r.handleSignal(c, sig)
}

func (r *Recorder) handleSignal(c *capture, sig signal) {
	switch sig.Kind {
	case signalClick:
		r.onClick(c, sig)
	case signalKey:
		r.onKey(c, sig)
	case signalFocus:
		if c.cfg.Listens(schemas.EventFormFocus) && sig.Target != nil {
			r.addEvent(c, schemas.Event{
				Type:     schemas.EventFormFocus,
				Selector: sig.Target.Selector(),
				URL:      sig.URL,
				Metadata: targetMetadata(sig.Target),
			}, false)
		}
	case signalBlur:
		if c.cfg.Listens(schemas.EventTyping) && sig.Target != nil && sig.Target.Field {
			r.commitField(c, ChannelBlur, *sig.Target, sig.Value, sig.URL)
		}
	case signalInput:
		if sig.Target != nil && sig.Target.Field {
			c.arbiter.Observe(sig.Target.FieldKey(), sig.Value, r.clock.Now())
		}
	case signalChange:
		if c.cfg.Listens(schemas.EventFormInputChange) && sig.Target != nil {
			r.addEvent(c, schemas.Event{
				Type:     schemas.EventFormInputChange,
				Selector: sig.Target.Selector(),
				Value:    sig.Value,
				URL:      sig.URL,
				Metadata: targetMetadata(sig.Target),
			}, false)
		}
	case signalSubmit:
		if c.cfg.Listens(schemas.EventFormSubmit) && sig.Target != nil {
			meta := targetMetadata(sig.Target)
			meta["action"] = sig.Action
			meta["method"] = sig.Method
			meta["implicit"] = sig.Implicit
			r.addEvent(c, schemas.Event{
				Type:     schemas.EventFormSubmit,
				Selector: sig.Target.Selector(),
				URL:      sig.URL,
				Metadata: meta,
			}, false)
		}
	case signalScroll:
		if c.cfg.Listens(schemas.EventScroll) {
			r.addEvent(c, schemas.Event{
				Type:        schemas.EventScroll,
				Coordinates: &schemas.Point{X: sig.X, Y: sig.Y},
				URL:         sig.URL,
			}, false)
		}
	case signalHover:
		if c.cfg.Listens(schemas.EventHover) && sig.Target != nil {
			r.addEvent(c, schemas.Event{
				Type:        schemas.EventHover,
				Selector:    sig.Target.Selector(),
				Coordinates: &schemas.Point{X: sig.X, Y: sig.Y},
				URL:         sig.URL,
				Metadata:    targetMetadata(sig.Target),
			}, false)
		}
	default:
		r.logger.Debug("Unknown capture signal.", zap.String("kind", string(sig.Kind)))
	}
}

func (r *Recorder) onClick(c *capture, sig signal) {
	if !c.cfg.Listens(schemas.EventClick) {
		return
	}
	ev := schemas.Event{
		Type:        schemas.EventClick,
		Coordinates: &schemas.Point{X: sig.X, Y: sig.Y},
		URL:         sig.URL,
		Metadata:    map[string]any{"button": mouseButton(sig.Button)},
	}
	if sig.Target != nil {
		ev.Selector = sig.Target.Selector()
		for k, v := range targetMetadata(sig.Target) {
			ev.Metadata[k] = v
		}
	}
	addModifiers(ev.Metadata, sig.Modifiers)
	if !r.addEvent(c, ev, false) {
		return
	}
	if c.cfg.ScreenshotOnClick {
		c.goAsync(r.logger, "click_screenshot", func() {
			r.captureScreenshot(c.runCtx, c, "click", false)
		})
	}
}

// onKey handles the special key allow-list. Tab and Enter inside a text
// field first commit the field through the keyboard channel.
func (r *Recorder) onKey(c *capture, sig signal) {
	if !isSpecialKey(sig.Key) {
		return
	}
	var selector string
	meta := map[string]any{}
	if sig.Target != nil {
		selector = sig.Target.Selector()
		meta = targetMetadata(sig.Target)
	}
	addModifiers(meta, sig.Modifiers)

	if sig.Target != nil && sig.Target.Field && (sig.Key == "Tab" || sig.Key == "Enter") {
		if c.cfg.Listens(schemas.EventTyping) {
			r.commitField(c, ChannelKeyboard, *sig.Target, sig.Value, sig.URL)
		}
		if c.cfg.Listens(schemas.EventFormNavigation) {
			r.addEvent(c, schemas.Event{
				Type:     schemas.EventFormNavigation,
				Selector: selector,
				Value:    sig.Key,
				URL:      sig.URL,
				Metadata: meta,
			}, false)
			return
		}
	}

	if c.cfg.Listens(schemas.EventKeyPress) {
		r.addEvent(c, schemas.Event{
			Type:     schemas.EventKeyPress,
			Selector: selector,
			Value:    sig.Key,
			URL:      sig.URL,
			Metadata: meta,
		}, false)
	}
}

// commitField offers a value to the arbiter and records a type event when
// the channel wins.
func (r *Recorder) commitField(c *capture, ch Channel, target ElementDescriptor, value, url string) {
	if !c.arbiter.Resolve(Candidate{Channel: ch, Key: target.FieldKey(), Value: value, At: r.clock.Now()}) {
		return
	}
	r.recordCommit(c, ch, target, value, url)
}

func (r *Recorder) recordCommit(c *capture, ch Channel, target ElementDescriptor, value, url string) {
	stored, masked := c.mask.Mask(target, value)
	meta := targetMetadata(&target)
	meta["captureReason"] = ch.Reason()
	if masked {
		meta["masked"] = true
	}
	r.addEvent(c, schemas.Event{
		Type:     schemas.EventTyping,
		Selector: target.Selector(),
		Value:    stored,
		URL:      url,
		Metadata: meta,
	}, false)
}

// pollFields reads every text field and offers changed values to the
// arbiter through the polling channel.
func (r *Recorder) pollFields(c *capture) {
	if !r.capturing(c) {
		return
	}
	ctx, cancel := context.WithTimeout(c.runCtx, r.windows.PollInterval)
	defer cancel()

	var fields []fieldSnapshot
	if err := r.page.Evaluate(ctx, snapshotFn, &fields, c.token); err != nil {
		if c.runCtx.Err() == nil {
			r.logger.Debug("Field poll failed.", zap.Error(err))
		}
		return
	}
	now := r.clock.Now()
	for _, f := range fields {
		if f.Target == nil {
			continue
		}
		won := c.arbiter.Resolve(Candidate{
			Channel: ChannelPoll,
			Key:     f.Target.FieldKey(),
			Value:   f.Value,
			At:      now,
			Focused: f.Focused,
			Dirty:   f.Dirty,
		})
		if won {
			r.recordCommit(c, ChannelPoll, *f.Target, f.Value, "")
		}
	}
}

func (r *Recorder) onFrameNavigated(c *capture, nav schemas.FrameNavigation) {
	if !nav.IsMainFrame() {
		return
	}
	if nav.FrameID != "" {
		c.setMainFrame(nav.FrameID)
	}
	c.arbiter.Forget()
	r.trackNavigation(c, nav.URL, NavigationFrame)
}

func (r *Recorder) onProtocolEvent(c *capture, ev any) {
	e, ok := ev.(*cdppage.EventNavigatedWithinDocument)
	if !ok {
		return
	}
	if main := c.mainFrame(); main != "" && string(e.FrameID) != main {
		return
	}
	r.trackNavigation(c, e.URL, NavigationWithinDocument)
}

func (r *Recorder) trackNavigation(c *capture, url string, kind NavigationKind) {
	r.mu.Lock()
	if r.cur == c {
		r.currentURL = url
	}
	active := r.cur == c && r.status == schemas.RecordingActive && r.stopping == nil
	r.mu.Unlock()
	if active && c.cfg.Listens(schemas.EventNavigation) {
		c.nav.Signal(url, kind, r.clock.Now())
	}
}

func targetMetadata(t *ElementDescriptor) map[string]any {
	meta := map[string]any{"tagName": t.Tag}
	if t.Type != "" {
		meta["inputType"] = t.Type
	}
	if t.Text != "" {
		meta["text"] = t.Text
	}
	return meta
}

func addModifiers(meta map[string]any, m modifiers) {
	if m.Alt {
		meta["altKey"] = true
	}
	if m.Ctrl {
		meta["ctrlKey"] = true
	}
	if m.Meta {
		meta["metaKey"] = true
	}
	if m.Shift {
		meta["shiftKey"] = true
	}
}

func mouseButton(b int) string {
	switch b {
	case 0:
		return "left"
	case 1:
		return "middle"
	case 2:
		return "right"
	}
	return strconv.Itoa(b)
}
