// internal/browser/events.go
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

const defaultEventQueueSize = 256

// eventDispatcher moves target events off chromedp's listener callback,
// which must never block, onto one goroutine that fans them out to
// subscribers in arrival order.
type eventDispatcher struct {
	logger *zap.Logger
	queue  chan any

	mu     sync.RWMutex
	nextID int
	subs   map[int]func(ev any)

	done chan struct{}
}

func newEventDispatcher(logger *zap.Logger, size int) *eventDispatcher {
	return &eventDispatcher{
		logger: logger,
		queue:  make(chan any, size),
		subs:   make(map[int]func(ev any)),
		done:   make(chan struct{}),
	}
}

// relevant filters the target event stream down to what subscribers use.
func relevant(ev any) bool {
	switch ev.(type) {
	case *runtime.EventConsoleAPICalled,
		*runtime.EventBindingCalled,
		*page.EventFrameNavigated,
		*page.EventNavigatedWithinDocument,
		*page.EventLoadEventFired,
		*page.EventDomContentEventFired:
		return true
	}
	return false
}

// enqueue is registered with chromedp.ListenTarget.
func (d *eventDispatcher) enqueue(ev any) {
	if !relevant(ev) {
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.logger.Warn("Event queue full, dropping target event.", zap.String("event", fmt.Sprintf("%T", ev)))
	}
}

func (d *eventDispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.dispatch(ev)
		}
	}
}

// wait blocks until run has returned or ctx is done.
func (d *eventDispatcher) wait(ctx context.Context) {
	select {
	case <-d.done:
	case <-ctx.Done():
	}
}

func (d *eventDispatcher) dispatch(ev any) {
	d.mu.RLock()
	handlers := make([]func(any), 0, len(d.subs))
	for _, fn := range d.subs {
		handlers = append(handlers, fn)
	}
	d.mu.RUnlock()

	for _, fn := range handlers {
		d.safeCall(fn, ev)
	}
}

func (d *eventDispatcher) safeCall(fn func(any), ev any) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic in target event handler.",
				zap.Any("panic", r),
				zap.String("event", fmt.Sprintf("%T", ev)),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	fn(ev)
}

func (d *eventDispatcher) subscribe(fn func(ev any)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
}

// OnConsoleMessage delivers console API calls with their arguments rendered as text.
func (s *Session) OnConsoleMessage(handler func(schemas.ConsoleMessage)) func() {
	return s.events.subscribe(func(ev any) {
		if e, ok := ev.(*runtime.EventConsoleAPICalled); ok {
			handler(schemas.ConsoleMessage{Level: string(e.Type), Text: consoleText(e.Args)})
		}
	})
}

// OnFrameNavigated delivers committed cross document navigations of any frame.
func (s *Session) OnFrameNavigated(handler func(schemas.FrameNavigation)) func() {
	return s.events.subscribe(func(ev any) {
		e, ok := ev.(*page.EventFrameNavigated)
		if !ok || e.Frame == nil {
			return
		}
		handler(schemas.FrameNavigation{
			FrameID:  string(e.Frame.ID),
			ParentID: string(e.Frame.ParentID),
			URL:      e.Frame.URL + e.Frame.URLFragment,
		})
	})
}

// consoleText joins console arguments the way the devtools console prints them.
func consoleText(args []*runtime.RemoteObject) string {
	var b strings.Builder
	for i, arg := range args {
		if i > 0 {
			b.WriteString(" ")
		}
		var val any
		if arg.Value != nil && json.Unmarshal(arg.Value, &val) == nil {
			b.WriteString(fmt.Sprintf("%v", val))
		} else if arg.Description != "" {
			b.WriteString(arg.Description)
		} else {
			b.WriteString(fmt.Sprintf("[%s]", arg.Type))
		}
	}
	return b.String()
}
