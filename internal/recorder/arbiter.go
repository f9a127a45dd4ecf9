// internal/recorder/arbiter.go
package recorder

import (
	"sync"
	"time"
	"unicode/utf8"
)

// Channel is a source of text field commits, listed from highest to lowest priority.
type Channel int

const (
	// ChannelKeyboard commits when Tab or Enter leaves a field.
	ChannelKeyboard Channel = iota
	// ChannelBlur commits when focus leaves a field by other means.
	ChannelBlur
	// ChannelPoll commits values that changed without a key or focus event,
	// such as autofill.
	ChannelPoll
)

// Reason is the tag stored in a committed event's metadata.
func (c Channel) Reason() string {
	switch c {
	case ChannelKeyboard:
		return "keyboard_navigation"
	case ChannelBlur:
		return "blur_backup_safety"
	case ChannelPoll:
		return "polling_detection_optimized"
	}
	return "unknown"
}

// Candidate is one channel's proposal to commit a field value.
type Candidate struct {
	Channel Channel
	Key     string
	Value   string
	At      time.Time
	// Focused and Dirty are reported by polling only.
	Focused bool
	Dirty   bool
}

// fieldState is the single row each field owns in the arbiter's table. All
// three channels read and write the same row.
type fieldState struct {
	seen         bool
	lastValue    string
	lastChangeAt time.Time

	captured      bool
	capturedValue string
	capturedAt    time.Time
	capturedBy    Channel

	keyboardUntil time.Time
}

// InputCommitArbiter decides which of the competing channels commits a text
// field value so one logical edit yields at most one type event.
type InputCommitArbiter struct {
	w Windows

	mu     sync.Mutex
	fields map[string]*fieldState
}

// NewInputCommitArbiter returns an empty arbiter using the given windows.
func NewInputCommitArbiter(w Windows) *InputCommitArbiter {
	return &InputCommitArbiter{w: w, fields: make(map[string]*fieldState)}
}

func (a *InputCommitArbiter) row(key string) *fieldState {
	st, ok := a.fields[key]
	if !ok {
		st = &fieldState{}
		a.fields[key] = st
	}
	return st
}

// Observe records a user edit reported by an input event.
func (a *InputCommitArbiter) Observe(key, value string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.row(key)
	st.seen = true
	if st.lastValue != value || st.lastChangeAt.IsZero() {
		st.lastValue = value
		st.lastChangeAt = at
	}
}

// Resolve applies the priority rules and, when the candidate wins, marks the
// value as captured by its channel.
func (a *InputCommitArbiter) Resolve(c Candidate) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.row(c.Key)

	switch c.Channel {
	case ChannelKeyboard:
		// The cooldown starts even when nothing is committed so the blur that
		// follows a Tab stays quiet.
		st.keyboardUntil = c.At.Add(a.w.KeyboardCooldown)
		st.seen = true
		if st.lastValue != c.Value {
			st.lastValue = c.Value
			st.lastChangeAt = c.At
		}
		if !st.differs(c.Value) {
			return false
		}
		st.commit(c)
		return true

	case ChannelBlur:
		if c.At.Before(st.keyboardUntil) {
			return false
		}
		if utf8.RuneCountInString(c.Value) < a.w.BlurMinLength {
			return false
		}
		st.seen = true
		if st.lastValue != c.Value {
			st.lastValue = c.Value
			st.lastChangeAt = c.At
		}
		if !st.differs(c.Value) {
			return false
		}
		st.commit(c)
		return true

	case ChannelPoll:
		if !st.seen {
			st.seen = true
			st.lastValue = c.Value
			st.lastChangeAt = c.At
			if !c.Dirty {
				// Baseline: a prefilled value the user never touched.
				st.captured = true
				st.capturedValue = c.Value
			}
			return false
		}
		if st.lastValue != c.Value {
			st.lastValue = c.Value
			st.lastChangeAt = c.At
			return false
		}
		if c.Focused || c.At.Before(st.keyboardUntil) || !st.differs(c.Value) {
			return false
		}
		if c.At.Sub(st.lastChangeAt) < a.w.PollChangeQuiet {
			return false
		}
		if !st.capturedAt.IsZero() && c.At.Sub(st.capturedAt) < a.w.PollCaptureQuiet {
			return false
		}
		st.commit(c)
		return true
	}
	return false
}

// Forget drops the table, used when a new document replaces every field.
func (a *InputCommitArbiter) Forget() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fields = make(map[string]*fieldState)
}

func (st *fieldState) differs(v string) bool {
	if st.captured {
		return v != st.capturedValue
	}
	return v != ""
}

func (st *fieldState) commit(c Candidate) {
	st.captured = true
	st.capturedValue = c.Value
	st.capturedAt = c.At
	st.capturedBy = c.Channel
}
