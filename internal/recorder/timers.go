// internal/recorder/timers.go
package recorder

import (
	"sync"
	"time"
)

// Timer is the handle returned by Clock.AfterFunc.
type Timer interface {
	// Stop reports true when it prevented the callback from running.
	Stop() bool
}

// Clock abstracts wall time so debounce and polling windows can be driven
// deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

type timerEntry struct {
	timer Timer
	id    uint64
}

// timerGroup owns every named timer of one recording. CancelAll stops them in
// one call; Wait blocks until callbacks already running have returned.
//
// The WaitGroup counts scheduled callbacks: a successful Stop releases the
// count, otherwise the callback releases it when it finishes.
type timerGroup struct {
	clock Clock

	mu      sync.Mutex
	entries map[string]timerEntry
	nextID  uint64
	closed  bool
	wg      sync.WaitGroup
}

func newTimerGroup(clock Clock) *timerGroup {
	return &timerGroup{clock: clock, entries: make(map[string]timerEntry)}
}

// After schedules fn once after d, replacing any timer with the same name.
func (g *timerGroup) After(name string, d time.Duration, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.stopLocked(name)
	g.scheduleLocked(name, g.allocID(), d, fn, false)
}

// Every runs fn every d until the name is canceled. A tick that is still
// running delays the next one.
func (g *timerGroup) Every(name string, d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.stopLocked(name)
	g.scheduleLocked(name, g.allocID(), d, fn, true)
}

// Cancel stops the named timer if it is pending.
func (g *timerGroup) Cancel(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopLocked(name)
}

// CancelAll stops every pending timer. Callbacks already running finish,
// repeating timers are not re-armed.
func (g *timerGroup) CancelAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name := range g.entries {
		g.stopLocked(name)
	}
}

// Close cancels every pending timer and drops any scheduled afterwards.
func (g *timerGroup) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for name := range g.entries {
		g.stopLocked(name)
	}
}

// Len is the number of pending timers.
func (g *timerGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Pending reports whether a timer with the name is scheduled.
func (g *timerGroup) Pending(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.entries[name]
	return ok
}

// Wait blocks until no callback is scheduled or running. It must not be
// called from inside a callback.
func (g *timerGroup) Wait() { g.wg.Wait() }

func (g *timerGroup) allocID() uint64 {
	g.nextID++
	return g.nextID
}

func (g *timerGroup) stopLocked(name string) {
	e, ok := g.entries[name]
	if !ok {
		return
	}
	delete(g.entries, name)
	if e.timer.Stop() {
		g.wg.Done()
	}
}

func (g *timerGroup) scheduleLocked(name string, id uint64, d time.Duration, fn func(), repeat bool) {
	g.wg.Add(1)
	t := g.clock.AfterFunc(d, func() {
		defer g.wg.Done()

		g.mu.Lock()
		e, ok := g.entries[name]
		live := ok && e.id == id
		if live && !repeat {
			delete(g.entries, name)
		}
		g.mu.Unlock()
		if !live {
			return
		}

		fn()

		if repeat {
			g.mu.Lock()
			if e, ok := g.entries[name]; ok && e.id == id {
				g.scheduleLocked(name, id, d, fn, true)
			}
			g.mu.Unlock()
		}
	})
	g.entries[name] = timerEntry{timer: t, id: id}
}
