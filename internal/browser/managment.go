// internal/browser/managment.go
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ExposeFunction installs window[name] as a protocol binding. Each call from
// the page delivers its single string argument to handler on the dispatch
// goroutine.
func (s *Session) ExposeFunction(ctx context.Context, name string, handler func(payload string)) (func(), error) {
	if err := s.runActions(ctx, runtime.AddBinding(name)); err != nil {
		return nil, fmt.Errorf("failed to add binding '%s': %w", name, err)
	}

	unsubscribe := s.events.subscribe(func(ev any) {
		if e, ok := ev.(*runtime.EventBindingCalled); ok && e.Name == name {
			handler(e.Payload)
		}
	})

	remove := func() {
		unsubscribe()
		// The tab may already be gone; the binding dies with it.
		if err := s.runWithTimeout(context.Background(), 0, runtime.RemoveBinding(name)); err != nil && s.ctx.Err() == nil {
			s.logger.Debug("Could not remove binding.", zap.String("name", name), zap.Error(err))
		}
	}
	return remove, nil
}

// AddScriptOnNewDocument installs script so it runs before any page script
// on every future document of the tab.
func (s *Session) AddScriptOnNewDocument(ctx context.Context, script string) (func(), error) {
	var scriptID page.ScriptIdentifier
	err := s.runActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		scriptID, err = page.AddScriptToEvaluateOnNewDocument(script).Do(c)
		return err
	}))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("could not inject persistent script: %w", err)
	}
	s.logger.Debug("Injected persistent script.", zap.String("scriptID", string(scriptID)))

	remove := func() {
		err := s.runWithTimeout(context.Background(), 0, chromedp.ActionFunc(func(c context.Context) error {
			return page.RemoveScriptToEvaluateOnNewDocument(scriptID).Do(c)
		}))
		if err != nil && s.ctx.Err() == nil {
			s.logger.Debug("Could not remove persistent script.", zap.String("scriptID", string(scriptID)), zap.Error(err))
		}
	}
	return remove, nil
}

// Evaluate runs script in the current document. With args, script is treated
// as a function expression and invoked with the JSON encoded arguments.
func (s *Session) Evaluate(ctx context.Context, script string, res any, args ...any) error {
	expr, err := buildInvocation(script, args...)
	if err != nil {
		return err
	}
	opts := []chromedp.EvaluateOption{
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams { return p.WithAwaitPromise(true) },
	}
	if err := s.runWithTimeout(ctx, 0, chromedp.Evaluate(expr, res, opts...)); err != nil {
		return fmt.Errorf("script evaluation failed: %w", err)
	}
	return nil
}

// buildInvocation wraps fn in a call expression with its arguments embedded
// as JSON literals.
func buildInvocation(fn string, args ...any) (string, error) {
	if len(args) == 0 {
		return fn, nil
	}
	encoded := make([]string, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("could not encode script argument %d: %w", i, err)
		}
		encoded[i] = string(b)
	}
	return fmt.Sprintf("(%s)(%s)", fn, strings.Join(encoded, ", ")), nil
}
