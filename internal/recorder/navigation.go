// internal/recorder/navigation.go
package recorder

import (
	"sync"
	"time"
)

const navigationTimer = "navigation_debounce"

// NavigationKind distinguishes full document loads from history or fragment changes.
type NavigationKind string

const (
	NavigationFrame          NavigationKind = "frame"
	NavigationWithinDocument NavigationKind = "within_document"
)

type pendingNavigation struct {
	url  string
	kind NavigationKind
	at   time.Time
}

// navigationDebouncer collapses bursts of main frame navigation signals into
// one committed navigation. A signal commits after NavigationDebounce of
// quiet, unless it names the URL committed last and arrived within
// DuplicateURLWindow of that commit's signal.
type navigationDebouncer struct {
	w      Windows
	timers *timerGroup
	commit func(url string, kind NavigationKind, at time.Time)

	mu      sync.Mutex
	pending *pendingNavigation
	lastURL string
	lastAt  time.Time
}

func newNavigationDebouncer(w Windows, timers *timerGroup, commit func(string, NavigationKind, time.Time)) *navigationDebouncer {
	return &navigationDebouncer{w: w, timers: timers, commit: commit}
}

// Seed marks url as already committed at at, typically the page the
// recording started on.
func (d *navigationDebouncer) Seed(url string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastURL, d.lastAt = url, at
}

// Signal records a navigation and restarts the quiet window. A newer
// signal replaces an uncommitted one.
func (d *navigationDebouncer) Signal(url string, kind NavigationKind, at time.Time) {
	d.mu.Lock()
	d.pending = &pendingNavigation{url: url, kind: kind, at: at}
	d.mu.Unlock()
	d.timers.After(navigationTimer, d.w.NavigationDebounce, d.flush)
}

// Cancel discards an uncommitted signal.
func (d *navigationDebouncer) Cancel() {
	d.timers.Cancel(navigationTimer)
	d.mu.Lock()
	d.pending = nil
	d.mu.Unlock()
}

func (d *navigationDebouncer) flush() {
	d.mu.Lock()
	p := d.pending
	d.pending = nil
	if p == nil {
		d.mu.Unlock()
		return
	}
	if p.url == d.lastURL && p.at.Sub(d.lastAt) < d.w.DuplicateURLWindow {
		d.mu.Unlock()
		return
	}
	d.lastURL, d.lastAt = p.url, p.at
	d.mu.Unlock()

	d.commit(p.url, p.kind, p.at)
}
