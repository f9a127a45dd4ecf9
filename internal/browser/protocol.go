// internal/browser/protocol.go
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// protocolSession is a raw debugging protocol channel on the session's tab.
type protocolSession struct {
	s *Session

	mu      sync.Mutex
	cancels []func()
}

// NewProtocolSession opens a raw protocol channel on the tab.
func (s *Session) NewProtocolSession(ctx context.Context) (schemas.ProtocolSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ctx.Err(); err != nil {
		return nil, fmt.Errorf("session is closed: %w", err)
	}
	return &protocolSession{s: s}, nil
}

func (p *protocolSession) Send(ctx context.Context, method string, params, res any) error {
	err := p.s.runWithTimeout(ctx, 0, chromedp.ActionFunc(func(c context.Context) error {
		return cdp.Execute(c, method, params, res)
	}))
	if err != nil {
		return fmt.Errorf("protocol call %s failed: %w", method, err)
	}
	return nil
}

func (p *protocolSession) Listen(handler func(ev any)) func() {
	cancel := p.s.events.subscribe(handler)
	p.mu.Lock()
	p.cancels = append(p.cancels, cancel)
	p.mu.Unlock()
	return cancel
}

func (p *protocolSession) Detach() {
	p.mu.Lock()
	cancels := p.cancels
	p.cancels = nil
	p.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}
