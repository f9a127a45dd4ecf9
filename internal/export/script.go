// internal/export/script.go
package export

import (
	"bytes"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/playback"
)

// Script targets.
const (
	TargetPlaywright = "playwright"
	TargetChromedp   = "chromedp"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var scriptTemplates = template.Must(template.New("scripts").ParseFS(templateFS, "templates/*.tmpl"))

// ScriptOptions selects the generated script's flavor.
type ScriptOptions struct {
	Target             string  `json:"target"`
	IncludeScreenshots bool    `json:"includeScreenshots"`
	Speed              float64 `json:"speed"`
}

// DefaultScriptOptions produces a Playwright script at recorded speed.
func DefaultScriptOptions() ScriptOptions {
	return ScriptOptions{Target: TargetPlaywright, Speed: 1}
}

func (o ScriptOptions) validate() error {
	switch o.Target {
	case TargetPlaywright, TargetChromedp:
	default:
		return fmt.Errorf("%w: unknown script target %q", ErrInvalidExportOptions, o.Target)
	}
	if o.Speed <= 0 {
		return fmt.Errorf("%w: speed must be positive, got %v", ErrInvalidExportOptions, o.Speed)
	}
	return nil
}

type scriptData struct {
	RecordingID string
	InitialURL  string
	Viewport    schemas.Viewport
	Lines       []string
	NeedsTime   bool
	NeedsKB     bool
}

// ToScript renders rec as a runnable automation script. Pauses between
// steps follow the same pacing rules as playback.
func ToScript(rec *schemas.Recording, opts ScriptOptions) ([]byte, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: nil recording", ErrInvalidExportOptions)
	}

	var w stepWriter
	if opts.Target == TargetChromedp {
		w = &chromedpWriter{}
	} else {
		w = &playwrightWriter{}
	}

	bounds := playback.DefaultBounds()
	for i, ev := range rec.Events {
		if i > 0 {
			w.pause(playback.ComputeDelay(rec.Events[i-1].Timestamp, ev.Timestamp, opts.Speed, bounds))
		}
		if err := writeStep(w, i, ev, opts); err != nil {
			return nil, err
		}
	}

	data := scriptData{
		RecordingID: rec.ID,
		InitialURL:  rec.Metadata.InitialURL,
		Viewport:    rec.Metadata.Viewport,
	}
	data.Lines, data.NeedsTime, data.NeedsKB = w.result()

	var buf bytes.Buffer
	if err := scriptTemplates.ExecuteTemplate(&buf, opts.Target+".tmpl", data); err != nil {
		return nil, fmt.Errorf("failed to execute %s template: %w", opts.Target, err)
	}
	return buf.Bytes(), nil
}

// stepWriter renders primitive steps for one target.
type stepWriter interface {
	comment(text string)
	pause(d time.Duration)
	wait(d time.Duration)
	navigate(url string)
	waitLoad()
	click(selector string)
	clickAt(x, y float64)
	fill(selector, value string)
	press(key string)
	submit(selector string)
	focus(selector string)
	setValue(selector, value string)
	screenshot(index int)
	scroll(x, y float64)
	hover(selector string, x, y float64)
	result() (lines []string, needsTime, needsKB bool)
}

// writeStep maps one event onto primitive steps. The switch covers every
// schemas.EventType.
func writeStep(w stepWriter, i int, ev schemas.Event, opts ScriptOptions) error {
	switch ev.Type {
	case schemas.EventClick:
		switch {
		case ev.Selector != "":
			w.click(ev.Selector)
		case ev.Coordinates != nil:
			w.clickAt(ev.Coordinates.X, ev.Coordinates.Y)
		default:
			w.comment(fmt.Sprintf("event %d: click without a target", i))
		}
	case schemas.EventTyping:
		if masked, _ := ev.Metadata["masked"].(bool); masked {
			w.comment(fmt.Sprintf("event %d: value was masked at capture time", i))
		}
		w.fill(ev.Selector, ev.Value)
	case schemas.EventNavigation:
		w.navigate(ev.URL)
	case schemas.EventKeyPress, schemas.EventFormNavigation:
		w.press(ev.Value)
	case schemas.EventFormSubmit:
		if implicit, _ := ev.Metadata["implicit"].(bool); implicit {
			w.comment(fmt.Sprintf("event %d: form submitted by the previous step", i))
			return nil
		}
		w.submit(ev.Selector)
	case schemas.EventFormFocus:
		w.focus(ev.Selector)
	case schemas.EventFormInputChange:
		w.setValue(ev.Selector, ev.Value)
	case schemas.EventScreenshot:
		if opts.IncludeScreenshots {
			w.screenshot(i)
		}
	case schemas.EventPageLoad:
		if i == 0 && ev.URL != "" {
			w.navigate(ev.URL)
		}
		w.waitLoad()
	case schemas.EventScroll:
		var x, y float64
		if ev.Coordinates != nil {
			x, y = ev.Coordinates.X, ev.Coordinates.Y
		}
		w.scroll(x, y)
	case schemas.EventHover:
		var x, y float64
		if ev.Coordinates != nil {
			x, y = ev.Coordinates.X, ev.Coordinates.Y
		}
		w.hover(ev.Selector, x, y)
	case schemas.EventWait:
		w.wait(time.Duration(float64(time.Duration(ev.Duration)*time.Millisecond) / opts.Speed))
	default:
		return fmt.Errorf("%w: event %d has unknown type %q", ErrInvalidExportOptions, i, ev.Type)
	}
	return nil
}

// -- Playwright --

type playwrightWriter struct {
	lines []string
}

func (w *playwrightWriter) add(format string, args ...any) {
	w.lines = append(w.lines, fmt.Sprintf(format, args...))
}

func (w *playwrightWriter) comment(text string) { w.add("// %s", text) }

func (w *playwrightWriter) pause(d time.Duration) {
	w.add("await page.waitForTimeout(%d);", d.Milliseconds())
}

func (w *playwrightWriter) wait(d time.Duration) { w.pause(d) }

func (w *playwrightWriter) navigate(url string) { w.add("await page.goto(%s);", jsString(url)) }

func (w *playwrightWriter) waitLoad() { w.add("await page.waitForLoadState('load');") }

func (w *playwrightWriter) click(sel string) { w.add("await page.click(%s);", jsString(sel)) }

func (w *playwrightWriter) clickAt(x, y float64) {
	w.add("await page.mouse.click(%s, %s);", num(x), num(y))
}

func (w *playwrightWriter) fill(sel, value string) {
	w.add("await page.fill(%s, %s);", jsString(sel), jsString(value))
}

func (w *playwrightWriter) press(key string) { w.add("await page.keyboard.press(%s);", jsString(key)) }

func (w *playwrightWriter) submit(sel string) {
	w.add("await page.$eval(%s, (f) => (f.requestSubmit ? f.requestSubmit() : f.submit()));", jsString(sel))
}

func (w *playwrightWriter) focus(sel string) { w.add("await page.focus(%s);", jsString(sel)) }

func (w *playwrightWriter) setValue(sel, value string) {
	w.add("await page.$eval(%s, (el, v) => { if (el.type === 'checkbox' || el.type === 'radio') { el.checked = v === 'true'; } else { el.value = v; } el.dispatchEvent(new Event('change', { bubbles: true })); }, %s);",
		jsString(sel), jsString(value))
}

func (w *playwrightWriter) screenshot(i int) {
	w.add("await page.screenshot({ path: %s });", jsString(fmt.Sprintf("step-%03d.png", i)))
}

func (w *playwrightWriter) scroll(x, y float64) {
	w.add("await page.evaluate(([x, y]) => window.scrollTo(x, y), [%s, %s]);", num(x), num(y))
}

func (w *playwrightWriter) hover(sel string, x, y float64) {
	if sel != "" {
		w.add("await page.hover(%s);", jsString(sel))
		return
	}
	w.add("await page.mouse.move(%s, %s);", num(x), num(y))
}

func (w *playwrightWriter) result() ([]string, bool, bool) { return w.lines, false, false }

// -- chromedp --

type chromedpWriter struct {
	lines     []string
	needsTime bool
	needsKB   bool
}

// chromedpKeys maps recorded key names to kb constants.
var chromedpKeys = map[string]string{
	"Enter":      "kb.Enter",
	"Tab":        "kb.Tab",
	"Escape":     "kb.Escape",
	"Backspace":  "kb.Backspace",
	"Delete":     "kb.Delete",
	"ArrowUp":    "kb.ArrowUp",
	"ArrowDown":  "kb.ArrowDown",
	"ArrowLeft":  "kb.ArrowLeft",
	"ArrowRight": "kb.ArrowRight",
	"Home":       "kb.Home",
	"End":        "kb.End",
	"PageUp":     "kb.PageUp",
	"PageDown":   "kb.PageDown",
}

func (w *chromedpWriter) add(format string, args ...any) {
	w.lines = append(w.lines, fmt.Sprintf(format, args...))
}

func (w *chromedpWriter) comment(text string) { w.add("// %s", text) }

func (w *chromedpWriter) pause(d time.Duration) {
	w.needsTime = true
	w.add("chromedp.Sleep(%d * time.Millisecond),", d.Milliseconds())
}

func (w *chromedpWriter) wait(d time.Duration) { w.pause(d) }

func (w *chromedpWriter) navigate(url string) { w.add("chromedp.Navigate(%s),", strconv.Quote(url)) }

func (w *chromedpWriter) waitLoad() { w.add(`chromedp.WaitReady("body", chromedp.ByQuery),`) }

func (w *chromedpWriter) click(sel string) {
	w.add("chromedp.Click(%s, chromedp.ByQuery),", strconv.Quote(sel))
}

func (w *chromedpWriter) clickAt(x, y float64) { w.add("chromedp.MouseClickXY(%s, %s),", num(x), num(y)) }

func (w *chromedpWriter) fill(sel, value string) {
	q := strconv.Quote(sel)
	w.add(`chromedp.SetValue(%s, "", chromedp.ByQuery),`, q)
	w.add("chromedp.SendKeys(%s, %s, chromedp.ByQuery),", q, strconv.Quote(value))
}

func (w *chromedpWriter) press(key string) {
	if k, ok := chromedpKeys[key]; ok {
		w.needsKB = true
		w.add("chromedp.KeyEvent(%s),", k)
		return
	}
	w.add("chromedp.KeyEvent(%s),", strconv.Quote(key))
}

func (w *chromedpWriter) submit(sel string) {
	w.add("chromedp.Submit(%s, chromedp.ByQuery),", strconv.Quote(sel))
}

func (w *chromedpWriter) focus(sel string) {
	w.add("chromedp.Focus(%s, chromedp.ByQuery),", strconv.Quote(sel))
}

func (w *chromedpWriter) setValue(sel, value string) {
	w.add("chromedp.SetValue(%s, %s, chromedp.ByQuery),", strconv.Quote(sel), strconv.Quote(value))
}

func (w *chromedpWriter) screenshot(int) { w.add("chromedp.CaptureScreenshot(new([]byte)),") }

func (w *chromedpWriter) scroll(x, y float64) {
	w.add("chromedp.Evaluate(%s, nil),", strconv.Quote(fmt.Sprintf("window.scrollTo(%s, %s)", num(x), num(y))))
}

func (w *chromedpWriter) hover(sel string, x, y float64) {
	target := fmt.Sprintf("document.elementFromPoint(%s, %s)", num(x), num(y))
	if sel != "" {
		target = fmt.Sprintf("document.querySelector(%s)", jsString(sel))
	}
	js := fmt.Sprintf("%s.dispatchEvent(new MouseEvent('mouseover', {bubbles: true}))", target)
	w.add("chromedp.Evaluate(%s, nil),", strconv.Quote(js))
}

func (w *chromedpWriter) result() ([]string, bool, bool) { return w.lines, w.needsTime, w.needsKB }

// lineTerminators are valid in JSON strings but end a line in JavaScript.
var lineTerminators = strings.NewReplacer("\u2028", `\u2028`, "\u2029", `\u2029`)

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return lineTerminators.Replace(string(b))
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
