package schemas

import (
	"context"
	"time"
)

// -- Capability Surface --

// NavigateOptions tunes Page.Navigate.
type NavigateOptions struct {
	// Timeout bounds the navigation. Zero uses the session's default.
	Timeout time.Duration
	// WaitReady blocks until the document body is ready after the navigation commits.
	WaitReady bool
}

// ScreenshotOptions tunes Page.Screenshot.
type ScreenshotOptions struct {
	FullPage bool
	// Quality applies to full page captures only (JPEG, 0-100).
	Quality int
}

// ConsoleMessage is one console API call observed on the page.
type ConsoleMessage struct {
	Level string
	Text  string
}

// FrameNavigation reports a committed frame navigation.
type FrameNavigation struct {
	FrameID  string
	ParentID string // empty for the main frame
	URL      string
}

// IsMainFrame reports whether the navigation happened in the top level frame.
func (f FrameNavigation) IsMainFrame() bool { return f.ParentID == "" }

// Page is a controllable browser page. Implementations must be safe for
// concurrent use; handlers registered through On* are invoked from a single
// dispatch goroutine and must not block for long.
type Page interface {
	ID() string

	Navigate(ctx context.Context, url string, opts NavigateOptions) error
	Click(ctx context.Context, selector string) error
	ClickAt(ctx context.Context, x, y float64) error
	Type(ctx context.Context, selector, text string) error
	// PressKey dispatches a named key such as "Enter", "Tab" or "ArrowDown".
	PressKey(ctx context.Context, key string) error
	SubmitForm(ctx context.Context, selector string) error

	// Evaluate runs script in the current document. When args are supplied,
	// script must be a function expression and is invoked with the JSON
	// encoded args. The result is unmarshaled into res when res is non-nil.
	Evaluate(ctx context.Context, script string, res any, args ...any) error
	// AddScriptOnNewDocument installs script on every future document and
	// returns a func that uninstalls it.
	AddScriptOnNewDocument(ctx context.Context, script string) (remove func(), err error)
	// ExposeFunction installs window[name] which forwards its string payload to handler.
	ExposeFunction(ctx context.Context, name string, handler func(payload string)) (remove func(), err error)

	// Screenshot returns a base64 encoded PNG.
	Screenshot(ctx context.Context, opts ScreenshotOptions) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Viewport(ctx context.Context) (Viewport, error)

	OnConsoleMessage(handler func(ConsoleMessage)) (cancel func())
	OnFrameNavigated(handler func(FrameNavigation)) (cancel func())

	NewProtocolSession(ctx context.Context) (ProtocolSession, error)
}

// ProtocolSession is a raw debugging protocol channel bound to one page.
type ProtocolSession interface {
	// Send issues method with params and decodes the result into res, which may be nil.
	Send(ctx context.Context, method string, params, res any) error
	// Listen subscribes to protocol events. Events are the typed cdproto event
	// values (for example *page.EventNavigatedWithinDocument).
	Listen(handler func(ev any)) (cancel func())
	// Detach drops every listener registered through this session.
	Detach()
}
