// internal/playback/player.go
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

var (
	ErrAlreadyPlaying   = errors.New("playback already in progress")
	ErrEmptyRecording   = errors.New("recording has no events")
	ErrInvalidSeekIndex = errors.New("seek index out of range")
	ErrInvalidRange     = errors.New("invalid playback range")
	ErrInvalidSpeed     = errors.New("playback speed must be positive")
	ErrNotActive        = errors.New("no active playback")
	// ErrNoTarget is reported for an event that carries neither a selector
	// nor coordinates to act on.
	ErrNoTarget = errors.New("event has no target")
)

// Option customizes a Player.
type Option func(*Player)

func WithBounds(b Bounds) Option {
	return func(p *Player) { p.bounds = b }
}

// WithSleep replaces the wait between events and for explicit waits.
func WithSleep(fn SleepFunc) Option {
	return func(p *Player) { p.sleep = fn }
}

// Player replays a Recording against a page, one event at a time.
//
// State machine: stopped -> playing <-> paused -> stopped. Seek repositions
// while playing or paused.
type Player struct {
	page   schemas.Page
	sink   schemas.Broadcaster
	logger *zap.Logger
	bounds Bounds
	sleep  SleepFunc

	mu       sync.Mutex
	status   schemas.PlaybackStatus
	rec      *schemas.Recording
	cfg      schemas.PlaybackConfig
	index    int // next event to execute
	end      int // last event to execute, inclusive
	elapsed  int64
	lastErr  *schemas.PlaybackError
	seq      uint64 // bumped by Seek so an in-flight step is discarded
	resumeCh chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// New returns a stopped player for page. sink may be nil.
func New(page schemas.Page, sink schemas.Broadcaster, logger *zap.Logger, opts ...Option) *Player {
	if sink == nil {
		sink = schemas.NopBroadcaster
	}
	p := &Player{
		page:   page,
		sink:   sink,
		logger: logger.Named("playback").With(zap.String("session_id", page.ID())),
		bounds: DefaultBounds(),
		sleep:  sleepContext,
		status: schemas.PlaybackStopped,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start validates cfg against rec and begins replaying in the background.
// The Player keeps a private copy of rec.
func (p *Player) Start(ctx context.Context, rec *schemas.Recording, cfg schemas.PlaybackConfig) error {
	if rec == nil || len(rec.Events) == 0 {
		return ErrEmptyRecording
	}
	if cfg.Speed <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidSpeed, cfg.Speed)
	}
	start, end := 0, len(rec.Events)-1
	if cfg.StartFromEvent != nil {
		start = *cfg.StartFromEvent
	}
	if cfg.EndAtEvent != nil {
		end = *cfg.EndAtEvent
	}
	if start < 0 || end >= len(rec.Events) || start > end {
		return fmt.Errorf("%w: events %d..%d of %d", ErrInvalidRange, start, end, len(rec.Events))
	}

	p.mu.Lock()
	if p.status != schemas.PlaybackStopped {
		p.mu.Unlock()
		return ErrAlreadyPlaying
	}
	// Detached from ctx: playback outlives the call that started it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.rec = rec.Clone()
	p.cfg = cfg
	p.index = start
	p.end = end
	p.elapsed = p.rec.Events[start].Timestamp - p.rec.StartTime
	p.lastErr = nil
	p.seq = 0
	p.status = schemas.PlaybackPlaying
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	state := p.stateLocked()
	p.mu.Unlock()

	p.logger.Info("Playback started.",
		zap.String("recording_id", rec.ID),
		zap.Int("from", start),
		zap.Int("to", end),
		zap.Float64("speed", cfg.Speed),
	)
	p.emit(schemas.MsgPlaybackStarted, "Playback started", state)

	go p.run(runCtx, done)
	return nil
}

// Pause parks the loop after the event in flight. It is a no-op unless playing.
func (p *Player) Pause() error {
	p.mu.Lock()
	if p.status != schemas.PlaybackPlaying {
		p.mu.Unlock()
		return nil
	}
	p.pauseLocked()
	state := p.stateLocked()
	p.mu.Unlock()

	p.logger.Info("Playback paused.", zap.Int("index", state.CurrentEventIndex))
	p.emit(schemas.MsgPlaybackPaused, "Playback paused", state)
	return nil
}

func (p *Player) pauseLocked() {
	p.status = schemas.PlaybackPaused
	p.resumeCh = make(chan struct{})
}

// Resume continues a paused playback from the current index, retrying the
// event that failed if playback paused on an error.
func (p *Player) Resume() error {
	p.mu.Lock()
	if p.status != schemas.PlaybackPaused {
		p.mu.Unlock()
		return nil
	}
	p.status = schemas.PlaybackPlaying
	close(p.resumeCh)
	p.resumeCh = nil
	state := p.stateLocked()
	p.mu.Unlock()

	p.logger.Info("Playback resumed.", zap.Int("index", state.CurrentEventIndex))
	p.emit(schemas.MsgPlaybackResumed, "Playback resumed", state)
	return nil
}

// Stop cancels playback. It does not wait for the event in flight; use Wait
// for that. Stopping a stopped player is a no-op.
func (p *Player) Stop() error {
	p.mu.Lock()
	if p.status == schemas.PlaybackStopped {
		p.mu.Unlock()
		return nil
	}
	p.status = schemas.PlaybackStopped
	p.cancel()
	if p.resumeCh != nil {
		close(p.resumeCh)
		p.resumeCh = nil
	}
	state := p.stateLocked()
	p.mu.Unlock()

	p.logger.Info("Playback stopped.", zap.Int("index", state.CurrentEventIndex))
	p.emit(schemas.MsgPlaybackStopped, "Playback stopped", state)
	return nil
}

// Wait blocks until the playback loop has exited or ctx is done.
func (p *Player) Wait(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Seek moves playback to event i. A playing replay is paused around the
// move and resumed afterwards.
func (p *Player) Seek(i int) error {
	p.mu.Lock()
	if p.status == schemas.PlaybackStopped {
		p.mu.Unlock()
		return ErrNotActive
	}
	if i < 0 || i >= len(p.rec.Events) {
		n := len(p.rec.Events)
		p.mu.Unlock()
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidSeekIndex, i, n)
	}
	wasPlaying := p.status == schemas.PlaybackPlaying
	p.mu.Unlock()

	if wasPlaying {
		if err := p.Pause(); err != nil {
			return err
		}
	}

	p.mu.Lock()
	if p.status == schemas.PlaybackStopped {
		p.mu.Unlock()
		return ErrNotActive
	}
	p.index = i
	p.seq++
	p.elapsed = p.rec.Events[i].Timestamp - p.rec.StartTime
	p.mu.Unlock()
	p.logger.Debug("Playback repositioned.", zap.Int("index", i))

	if wasPlaying {
		return p.Resume()
	}
	return nil
}

// GetStatus returns a snapshot of the playback state.
func (p *Player) GetStatus() schemas.PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

// IsActive reports whether playback is playing or paused.
func (p *Player) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status != schemas.PlaybackStopped
}

func (p *Player) stateLocked() schemas.PlaybackState {
	st := schemas.PlaybackState{
		IsPlaying:         p.status == schemas.PlaybackPlaying,
		Status:            p.status,
		CurrentEventIndex: p.index,
		ElapsedTime:       p.elapsed,
		Speed:             p.cfg.Speed,
	}
	if p.rec == nil {
		return st
	}
	st.RecordingID = p.rec.ID
	st.TotalEvents = len(p.rec.Events)
	if n := len(p.rec.Events); n > 0 && p.end < n {
		if rem := p.rec.Events[p.end].Timestamp - p.rec.StartTime - p.elapsed; rem > 0 {
			st.RemainingTime = rem
		}
	}
	if p.lastErr != nil {
		e := *p.lastErr
		st.LastError = &e
	}
	return st
}

// awaitPlaying blocks while paused. It returns false once playback is stopped.
func (p *Player) awaitPlaying(ctx context.Context) bool {
	for {
		p.mu.Lock()
		status, ch := p.status, p.resumeCh
		p.mu.Unlock()
		switch status {
		case schemas.PlaybackPlaying:
			return ctx.Err() == nil
		case schemas.PlaybackStopped:
			return false
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

func (p *Player) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Playback loop panicked.", zap.Any("panic", r))
			_ = p.Stop()
		}
	}()

	for {
		if !p.awaitPlaying(ctx) {
			return
		}

		p.mu.Lock()
		i, seq := p.index, p.seq
		if i > p.end {
			p.mu.Unlock()
			p.complete(ctx)
			return
		}
		ev := p.rec.Events[i]
		speed := p.cfg.Speed
		pauseOnError := p.cfg.PauseOnError
		p.mu.Unlock()

		err := p.execute(ctx, ev, speed)
		if ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		if p.seq != seq || p.status == schemas.PlaybackStopped {
			// Repositioned or stopped while the event ran.
			p.mu.Unlock()
			continue
		}
		if err != nil {
			p.lastErr = &schemas.PlaybackError{Index: i, EventID: ev.ID, Message: err.Error()}
			if pauseOnError && p.status == schemas.PlaybackPlaying {
				p.pauseLocked()
				state := p.stateLocked()
				p.mu.Unlock()
				p.logger.Warn("Event failed, pausing playback.", zap.Int("index", i), zap.String("type", ev.Type.String()), zap.Error(err))
				p.emit(schemas.MsgPlaybackError, fmt.Sprintf("Event %d failed: %v", i, err), state)
				p.emit(schemas.MsgPlaybackPaused, "Playback paused", state)
				continue
			}
		}
		p.index = i + 1
		p.elapsed = ev.Timestamp - p.rec.StartTime
		state := p.stateLocked()
		var next *schemas.Event
		if p.index <= p.end {
			n := p.rec.Events[p.index]
			next = &n
		}
		p.mu.Unlock()

		if err != nil {
			p.logger.Warn("Event failed, continuing.", zap.Int("index", i), zap.String("type", ev.Type.String()), zap.Error(err))
			p.emit(schemas.MsgPlaybackError, fmt.Sprintf("Event %d failed: %v", i, err), state)
		} else {
			p.emit(schemas.MsgPlaybackEvent, "Event replayed", EventProgress{Index: i, Event: ev.Clone(), State: state})
		}

		if next == nil {
			continue
		}
		if err := p.sleep(ctx, ComputeDelay(ev.Timestamp, next.Timestamp, speed, p.bounds)); err != nil {
			return
		}
	}
}

// EventProgress is the payload of playback_event messages.
type EventProgress struct {
	Index int                   `json:"index"`
	Event schemas.Event         `json:"event"`
	State schemas.PlaybackState `json:"state"`
}

func (p *Player) complete(ctx context.Context) {
	p.mu.Lock()
	if p.status == schemas.PlaybackStopped || ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.status = schemas.PlaybackStopped
	p.cancel()
	state := p.stateLocked()
	p.mu.Unlock()

	p.logger.Info("Playback completed.", zap.String("recording_id", state.RecordingID), zap.Int("events", state.TotalEvents))
	p.emit(schemas.MsgPlaybackCompleted, "Playback completed", state)
}

func (p *Player) emit(t schemas.MessageType, text string, data any) {
	p.mu.Lock()
	var recordingID string
	if p.rec != nil {
		recordingID = p.rec.ID
	}
	p.mu.Unlock()
	p.sink.Emit(schemas.BroadcastMessage{
		Type:        t,
		Text:        text,
		SessionID:   p.page.ID(),
		RecordingID: recordingID,
		Data:        data,
		Timestamp:   time.Now().UnixMilli(),
	})
}
