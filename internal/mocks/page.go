// internal/mocks/page.go
package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// -- Page Fake --

// Call records one invocation on a FakePage.
type Call struct {
	Method string
	Args   []any
}

// EvaluateHook answers Evaluate calls. Its result is JSON round-tripped into
// the caller's destination.
type EvaluateHook func(script string, args []any) (any, error)

// FakePage is an in-memory schemas.Page. It records every call and lets a
// test deliver bindings, console messages, frame navigations and protocol
// events synchronously.
type FakePage struct {
	mu sync.Mutex

	id         string
	url        string
	title      string
	userAgent  string
	viewport   schemas.Viewport
	frameID    string
	screenshot string

	calls []Call
	errs  map[string]error
	hook  EvaluateHook

	bindings map[string]func(string)
	scripts  map[int]string
	console  map[int]func(schemas.ConsoleMessage)
	navs     map[int]func(schemas.FrameNavigation)
	protocol map[int]func(any)
	nextID   int
	closed   bool
}

var _ schemas.Page = (*FakePage)(nil)

// NewFakePage returns a page showing url.
func NewFakePage(id, url string) *FakePage {
	return &FakePage{
		id:         id,
		url:        url,
		title:      "Fake Page",
		userAgent:  "Mozilla/5.0 (X11; Linux x86_64) FakePage/1.0",
		viewport:   schemas.Viewport{Width: 1280, Height: 800},
		frameID:    "main-frame",
		screenshot: "iVBORw0KGgo=",
		errs:       make(map[string]error),
		bindings:   make(map[string]func(string)),
		scripts:    make(map[int]string),
		console:    make(map[int]func(schemas.ConsoleMessage)),
		navs:       make(map[int]func(schemas.FrameNavigation)),
		protocol:   make(map[int]func(any)),
	}
}

// SetError makes every later call to method fail with err. A nil err clears it.
func (p *FakePage) SetError(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.errs, method)
		return
	}
	p.errs[method] = err
}

// SetEvaluateHook installs the responder for Evaluate.
func (p *FakePage) SetEvaluateHook(h EvaluateHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = h
}

func (p *FakePage) SetTitle(t string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = t
}

func (p *FakePage) SetURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = u
}

// MainFrameID is reported by Page.getFrameTree.
func (p *FakePage) MainFrameID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frameID
}

// Calls returns a copy of every recorded call.
func (p *FakePage) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// CallsTo returns the recorded calls to method.
func (p *FakePage) CallsTo(method string) []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Call
	for _, c := range p.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Methods returns the names of the recorded calls in order, skipping reads.
func (p *FakePage) Methods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.calls {
		switch c.Method {
		case "CurrentURL", "Title", "Viewport":
			continue
		}
		out = append(out, c.Method)
	}
	return out
}

func (p *FakePage) record(method string, args ...any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Method: method, Args: args})
	return p.errs[method]
}

// -- Delivery --

// FireBinding calls the handler exposed under name. It reports false when
// no such binding is installed.
func (p *FakePage) FireBinding(name, payload string) bool {
	p.mu.Lock()
	h, ok := p.bindings[name]
	p.mu.Unlock()
	if ok {
		h(payload)
	}
	return ok
}

func (p *FakePage) FireConsole(msg schemas.ConsoleMessage) {
	for _, h := range snapshot(p, p.console) {
		h(msg)
	}
}

// FireFrameNavigated delivers a frame navigation. Main frame navigations
// also change the page URL.
func (p *FakePage) FireFrameNavigated(nav schemas.FrameNavigation) {
	if nav.IsMainFrame() {
		p.mu.Lock()
		p.url = nav.URL
		if nav.FrameID == "" {
			nav.FrameID = p.frameID
		}
		p.mu.Unlock()
	}
	for _, h := range snapshot(p, p.navs) {
		h(nav)
	}
}

func (p *FakePage) FireProtocolEvent(ev any) {
	for _, h := range snapshot(p, p.protocol) {
		h(ev)
	}
}

// HasBinding reports whether window[name] is currently exposed.
func (p *FakePage) HasBinding(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.bindings[name]
	return ok
}

// ListenerCount counts installed scripts and handlers of every kind.
func (p *FakePage) ListenerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bindings) + len(p.scripts) + len(p.console) + len(p.navs) + len(p.protocol)
}

func snapshot[T any](p *FakePage, m map[int]T) []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func register[T any](p *FakePage, m map[int]T, h T) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	m[id] = h
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(m, id)
	}
}

// -- schemas.Page --

func (p *FakePage) ID() string { return p.id }

// Close marks the page closed. It satisfies the session page contract of
// the control service.
func (p *FakePage) Close(_ context.Context) error {
	err := p.record("Close")
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return err
}

// Closed reports whether Close was called.
func (p *FakePage) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *FakePage) Navigate(_ context.Context, url string, _ schemas.NavigateOptions) error {
	if err := p.record("Navigate", url); err != nil {
		return err
	}
	p.SetURL(url)
	return nil
}

func (p *FakePage) Click(_ context.Context, selector string) error {
	return p.record("Click", selector)
}

func (p *FakePage) ClickAt(_ context.Context, x, y float64) error {
	return p.record("ClickAt", x, y)
}

func (p *FakePage) Type(_ context.Context, selector, text string) error {
	return p.record("Type", selector, text)
}

func (p *FakePage) PressKey(_ context.Context, key string) error {
	return p.record("PressKey", key)
}

func (p *FakePage) SubmitForm(_ context.Context, selector string) error {
	return p.record("SubmitForm", selector)
}

func (p *FakePage) Evaluate(_ context.Context, script string, res any, args ...any) error {
	if err := p.record("Evaluate", append([]any{script}, args...)...); err != nil {
		return err
	}
	p.mu.Lock()
	hook, ua := p.hook, p.userAgent
	p.mu.Unlock()

	var out any
	switch {
	case script == "navigator.userAgent":
		out = ua
	case hook != nil:
		var err error
		if out, err = hook(script, args); err != nil {
			return err
		}
	}
	if res == nil || out == nil {
		return nil
	}
	b, err := jsoniter.Marshal(out)
	if err != nil {
		return fmt.Errorf("fake evaluate: %w", err)
	}
	return jsoniter.Unmarshal(b, res)
}

func (p *FakePage) AddScriptOnNewDocument(_ context.Context, script string) (func(), error) {
	if err := p.record("AddScriptOnNewDocument", script); err != nil {
		return nil, err
	}
	return register(p, p.scripts, script), nil
}

func (p *FakePage) ExposeFunction(_ context.Context, name string, handler func(string)) (func(), error) {
	if err := p.record("ExposeFunction", name); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.bindings[name] = handler
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.bindings, name)
	}, nil
}

func (p *FakePage) Screenshot(_ context.Context, opts schemas.ScreenshotOptions) (string, error) {
	if err := p.record("Screenshot", opts); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.screenshot, nil
}

func (p *FakePage) CurrentURL(_ context.Context) (string, error) {
	if err := p.record("CurrentURL"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *FakePage) Title(_ context.Context) (string, error) {
	if err := p.record("Title"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

func (p *FakePage) Viewport(_ context.Context) (schemas.Viewport, error) {
	if err := p.record("Viewport"); err != nil {
		return schemas.Viewport{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport, nil
}

func (p *FakePage) OnConsoleMessage(h func(schemas.ConsoleMessage)) func() {
	return register(p, p.console, h)
}

func (p *FakePage) OnFrameNavigated(h func(schemas.FrameNavigation)) func() {
	return register(p, p.navs, h)
}

func (p *FakePage) NewProtocolSession(_ context.Context) (schemas.ProtocolSession, error) {
	if err := p.record("NewProtocolSession"); err != nil {
		return nil, err
	}
	return &fakeProtocolSession{page: p}, nil
}

type fakeProtocolSession struct {
	page *FakePage

	mu      sync.Mutex
	cancels []func()
}

func (s *fakeProtocolSession) Send(_ context.Context, method string, params, res any) error {
	if err := s.page.record("Send", method, params); err != nil {
		return err
	}
	if method != "Page.getFrameTree" || res == nil {
		return nil
	}
	tree := map[string]any{"frameTree": map[string]any{"frame": map[string]any{"id": s.page.MainFrameID()}}}
	b, err := jsoniter.Marshal(tree)
	if err != nil {
		return err
	}
	return jsoniter.Unmarshal(b, res)
}

func (s *fakeProtocolSession) Listen(h func(any)) func() {
	cancel := register(s.page, s.page.protocol, h)
	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
	return cancel
}

func (s *fakeProtocolSession) Detach() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}
