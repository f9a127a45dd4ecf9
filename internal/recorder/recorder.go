// internal/recorder/recorder.go
package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

var (
	// ErrAlreadyActive is returned by Start while a recording is running, paused or stopping.
	ErrAlreadyActive = errors.New("recording already active")
	// ErrNotActive is returned by Stop when nothing was ever recorded.
	ErrNotActive = errors.New("no active recording")
	// ErrListenerAttach wraps failures to install capture on the page.
	ErrListenerAttach = errors.New("failed to attach capture listeners")
	// ErrInvalidConfig is returned by Start for a config naming an unknown event type.
	ErrInvalidConfig = errors.New("invalid recording config")
)

const (
	screenshotTimer = "screenshot_interval"
	pollTimer       = "field_poll"

	detachTimeout = 5 * time.Second
)

// Option customizes a Recorder.
type Option func(*Recorder)

// WithWindows overrides the timing thresholds.
func WithWindows(w Windows) Option {
	return func(r *Recorder) { r.windows = w }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

// WithMaskPolicy forces a masking policy regardless of
// RecordingConfig.MaskSensitiveInput.
func WithMaskPolicy(p MaskPolicy) Option {
	return func(r *Recorder) { r.maskOverride = p }
}

// Recorder captures user interactions on one page into a Recording.
//
// State machine: idle -> recording <-> paused -> stopped. A stopped recorder
// may Start again, which begins a new Recording.
type Recorder struct {
	page         schemas.Page
	sink         schemas.Broadcaster
	logger       *zap.Logger
	windows      Windows
	clock        Clock
	maskOverride MaskPolicy

	mu         sync.Mutex
	status     schemas.RecordingStatus
	rec        *schemas.Recording
	cur        *capture
	starting   bool
	stopping   chan struct{}
	currentURL string

	// appendMu serializes the append path so observers see events in
	// recording order.
	appendMu sync.Mutex
}

// capture is the state owned by a single Recording. Listeners close over
// their capture, so stale callbacks from an earlier recording are ignored.
type capture struct {
	cfg     schemas.RecordingConfig
	token   string
	mask    MaskPolicy
	limiter *rate.Limiter
	arbiter *InputCommitArbiter
	nav     *navigationDebouncer
	timers  *timerGroup

	runCtx    context.Context
	runCancel context.CancelFunc

	detach []func()

	frameMu     sync.Mutex
	mainFrameID string

	asyncMu     sync.Mutex
	asyncClosed bool
	async       sync.WaitGroup
}

// New returns an idle recorder for page. sink may be nil.
func New(page schemas.Page, sink schemas.Broadcaster, logger *zap.Logger, opts ...Option) *Recorder {
	if sink == nil {
		sink = schemas.NopBroadcaster
	}
	r := &Recorder{
		page:    page,
		sink:    sink,
		logger:  logger.Named("recorder").With(zap.String("session_id", page.ID())),
		windows: DefaultWindows(),
		clock:   RealClock,
		status:  schemas.RecordingIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Status returns the current capture state.
func (r *Recorder) Status() schemas.RecordingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// IsActive reports whether a recording is running or paused.
func (r *Recorder) IsActive() bool {
	s := r.Status()
	return s == schemas.RecordingActive || s == schemas.RecordingPaused
}

// GetRecordingData returns a deep copy of the current or last recording, or
// nil if nothing was recorded yet.
func (r *Recorder) GetRecordingData() *schemas.Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Clone()
}

// Start attaches capture to the page and begins a new Recording. On failure
// every listener installed so far is removed and the state is unchanged.
func (r *Recorder) Start(ctx context.Context, cfg schemas.RecordingConfig) error {
	sources := make(map[captureSource]bool)
	for _, t := range cfg.Events {
		src, err := sourceOf(t)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		sources[src] = true
	}

	r.mu.Lock()
	if r.starting || r.stopping != nil || r.status == schemas.RecordingActive || r.status == schemas.RecordingPaused {
		r.mu.Unlock()
		return ErrAlreadyActive
	}
	r.starting = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.starting = false
		r.mu.Unlock()
	}()

	c := r.newCapture(cfg)
	if err := r.attach(ctx, c); err != nil {
		c.runCancel()
		c.detachAll()
		r.logger.Error("Failed to start recording.", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrListenerAttach, err)
	}

	meta := r.readMetadata(ctx)
	now := r.clock.Now()
	rec := &schemas.Recording{
		ID:        uuid.NewString(),
		SessionID: r.page.ID(),
		Config:    cfg,
		Events:    []schemas.Event{},
		Status:    schemas.RecordingActive,
		StartTime: now.UnixMilli(),
		Metadata:  meta,
	}
	rec.Config.Events = append([]schemas.EventType(nil), cfg.Events...)
	c.nav.Seed(meta.InitialURL, now)

	r.mu.Lock()
	r.cur = c
	r.rec = rec
	r.status = schemas.RecordingActive
	r.currentURL = meta.InitialURL
	r.mu.Unlock()

	r.logger.Info("Recording started.",
		zap.String("recording_id", rec.ID),
		zap.String("url", meta.InitialURL),
		zap.Int("event_types", len(cfg.Events)),
		zap.Int("capture_sources", len(sources)),
		zap.Bool("mask_sensitive_input", cfg.MaskSensitiveInput),
	)
	r.emit(schemas.MsgRecordingStarted, "Recording started", rec.Summary())

	if cfg.CaptureScreenshots {
		r.captureScreenshot(ctx, c, "initial", false)
	}
	r.addEvent(c, schemas.Event{
		Type: schemas.EventPageLoad,
		URL:  meta.InitialURL,
		Metadata: map[string]any{
			"title":     meta.Title,
			"synthetic": true,
		},
	}, false)

	r.startTimers(c)
	return nil
}

func (r *Recorder) newCapture(cfg schemas.RecordingConfig) *capture {
	c := &capture{
		cfg:     cfg,
		token:   uuid.NewString(),
		mask:    MaskPolicyFor(cfg),
		arbiter: NewInputCommitArbiter(r.windows),
		timers:  newTimerGroup(r.clock),
	}
	if r.maskOverride != nil {
		c.mask = r.maskOverride
	}
	if cfg.Delay > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Duration(cfg.Delay)*time.Millisecond), 1)
	}
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	c.nav = newNavigationDebouncer(r.windows, c.timers, func(url string, kind NavigationKind, _ time.Time) {
		r.addEvent(c, schemas.Event{
			Type:     schemas.EventNavigation,
			URL:      url,
			Metadata: map[string]any{"navigationType": string(kind)},
		}, false)
	})
	return c
}

// attach installs the binding, the capture script and the navigation
// listeners. Removal funcs are collected on c as they succeed.
func (r *Recorder) attach(ctx context.Context, c *capture) error {
	script, err := renderCaptureScript(c.token, r.windows)
	if err != nil {
		return err
	}

	remove, err := r.page.ExposeFunction(ctx, BindingName, guard(r.logger, "binding", func(payload string) {
		r.onPayload(c, payload)
	}))
	if err != nil {
		return err
	}
	c.detach = append(c.detach, remove)

	c.detach = append(c.detach, r.page.OnConsoleMessage(guard(r.logger, "console", func(m schemas.ConsoleMessage) {
		if payload, ok := strings.CutPrefix(m.Text, ConsolePrefix); ok {
			r.onPayload(c, payload)
		}
	})))

	remove, err = r.page.AddScriptOnNewDocument(ctx, script)
	if err != nil {
		return err
	}
	c.detach = append(c.detach, remove)

	if err := r.page.Evaluate(ctx, script, nil); err != nil {
		return err
	}
	c.detach = append(c.detach, func() {
		tctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
		defer cancel()
		if err := r.page.Evaluate(tctx, teardownFn, nil, c.token); err != nil {
			r.logger.Debug("Capture script teardown failed.", zap.Error(err))
		}
	})

	c.detach = append(c.detach, r.page.OnFrameNavigated(guard(r.logger, "frame_navigated", func(nav schemas.FrameNavigation) {
		r.onFrameNavigated(c, nav)
	})))

	ps, err := r.page.NewProtocolSession(ctx)
	if err != nil {
		return err
	}
	c.detach = append(c.detach, ps.Detach)

	var tree frameTree
	if err := ps.Send(ctx, "Page.getFrameTree", nil, &tree); err != nil {
		r.logger.Debug("Could not read frame tree; accepting same-document navigations from any frame.", zap.Error(err))
	} else {
		c.setMainFrame(tree.FrameTree.Frame.ID)
	}
	ps.Listen(guard(r.logger, "protocol", func(ev any) {
		r.onProtocolEvent(c, ev)
	}))
	return nil
}

type frameTree struct {
	FrameTree struct {
		Frame struct {
			ID string `json:"id"`
		} `json:"frame"`
	} `json:"frameTree"`
}

func (r *Recorder) readMetadata(ctx context.Context) schemas.RecordingMetadata {
	var meta schemas.RecordingMetadata
	if err := r.page.Evaluate(ctx, "navigator.userAgent", &meta.UserAgent); err != nil {
		r.logger.Warn("Could not read user agent.", zap.Error(err))
	}
	if vp, err := r.page.Viewport(ctx); err != nil {
		r.logger.Warn("Could not read viewport.", zap.Error(err))
	} else {
		meta.Viewport = vp
	}
	if u, err := r.page.CurrentURL(ctx); err != nil {
		r.logger.Warn("Could not read initial URL.", zap.Error(err))
	} else {
		meta.InitialURL = u
	}
	if t, err := r.page.Title(ctx); err == nil {
		meta.Title = t
	}
	return meta
}

func (r *Recorder) startTimers(c *capture) {
	if c.cfg.CaptureScreenshots && c.cfg.ScreenshotInterval > 0 {
		c.timers.Every(screenshotTimer, time.Duration(c.cfg.ScreenshotInterval)*time.Millisecond,
			guardFunc(r.logger, screenshotTimer, func() {
				r.captureScreenshot(c.runCtx, c, "interval", false)
			}))
	}
	if c.cfg.Listens(schemas.EventTyping) {
		c.timers.Every(pollTimer, r.windows.PollInterval, guardFunc(r.logger, pollTimer, func() {
			r.pollFields(c)
		}))
	}
}

// Pause stops capture without discarding the recording. It cancels the
// screenshot and polling timers and any uncommitted navigation. Pausing
// anything but an active recording is a no-op.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	if r.status != schemas.RecordingActive {
		r.mu.Unlock()
		return nil
	}
	c := r.cur
	r.status = schemas.RecordingPaused
	r.rec.Status = schemas.RecordingPaused
	r.mu.Unlock()

	c.nav.Cancel()
	c.timers.CancelAll()
	r.logger.Info("Recording paused.")
	r.emit(schemas.MsgRecordingPaused, "Recording paused", nil)
	return nil
}

// Resume restarts capture after Pause. It is a no-op in any other state.
func (r *Recorder) Resume() error {
	r.mu.Lock()
	if r.status != schemas.RecordingPaused {
		r.mu.Unlock()
		return nil
	}
	c := r.cur
	r.status = schemas.RecordingActive
	r.rec.Status = schemas.RecordingActive
	r.mu.Unlock()

	r.startTimers(c)
	r.logger.Info("Recording resumed.")
	r.emit(schemas.MsgRecordingResumed, "Recording resumed", nil)
	return nil
}

// Stop ends the recording: timers first, then the final screenshot, then
// listener removal, then the stopped status with end time and duration.
// Calling it again returns the same recording.
func (r *Recorder) Stop(ctx context.Context) (*schemas.Recording, error) {
	return r.finish(ctx, schemas.RecordingStopped, nil)
}

// Abort ends the recording in the error state, for example when the page
// closes underneath it. No final screenshot is taken.
func (r *Recorder) Abort(ctx context.Context, reason error) (*schemas.Recording, error) {
	return r.finish(ctx, schemas.RecordingErrored, reason)
}

func (r *Recorder) finish(ctx context.Context, final schemas.RecordingStatus, reason error) (*schemas.Recording, error) {
	r.mu.Lock()
	if done := r.stopping; done != nil {
		r.mu.Unlock()
		select {
		case <-done:
			return r.GetRecordingData(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	switch r.status {
	case schemas.RecordingActive, schemas.RecordingPaused:
	case schemas.RecordingIdle:
		r.mu.Unlock()
		return nil, ErrNotActive
	default:
		out := r.rec.Clone()
		r.mu.Unlock()
		return out, nil
	}
	c := r.cur
	done := make(chan struct{})
	r.stopping = done
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.stopping = nil
		r.mu.Unlock()
		close(done)
	}()

	c.nav.Cancel()
	c.timers.Close()
	c.runCancel()
	c.timers.Wait()
	c.closeAsync()

	if final == schemas.RecordingStopped && c.cfg.CaptureScreenshots {
		r.captureScreenshot(ctx, c, "final", true)
	}
	c.detachAll()

	now := r.clock.Now().UnixMilli()
	r.mu.Lock()
	rec := r.rec
	if n := len(rec.Events); n > 0 && now < rec.Events[n-1].Timestamp {
		now = rec.Events[n-1].Timestamp
	}
	duration := now - rec.StartTime
	rec.EndTime = &now
	rec.Duration = &duration
	rec.Status = final
	rec.Metadata.TotalEvents = len(rec.Events)
	r.status = final
	out := rec.Clone()
	r.mu.Unlock()

	fields := []zap.Field{
		zap.String("recording_id", out.ID),
		zap.Int("events", len(out.Events)),
		zap.Int64("duration_ms", duration),
	}
	if reason != nil {
		r.logger.Error("Recording aborted.", append(fields, zap.Error(reason))...)
	} else {
		r.logger.Info("Recording stopped.", fields...)
	}
	r.emit(schemas.MsgRecordingStopped, "Recording stopped", out.Summary())
	return out, nil
}

// capturing reports whether listeners of c may append events.
func (r *Recorder) capturing(c *capture) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur == c && r.status == schemas.RecordingActive
}

func (r *Recorder) acceptingLocked(c *capture, force bool) bool {
	if r.cur != c || r.rec == nil {
		return false
	}
	if r.status == schemas.RecordingActive {
		return true
	}
	return force && r.status == schemas.RecordingPaused
}

func (r *Recorder) withinLimitsLocked(c *capture, now time.Time) bool {
	if c.cfg.MaxEvents > 0 && len(r.rec.Events) >= c.cfg.MaxEvents {
		return false
	}
	if c.cfg.MaxDuration > 0 && now.UnixMilli()-r.rec.StartTime >= c.cfg.MaxDuration {
		return false
	}
	return true
}

// addEvent is the single append path. Gating, limits, timestamp assignment
// and the append happen in one critical section; timestamps never decrease.
func (r *Recorder) addEvent(c *capture, ev schemas.Event, force bool) bool {
	r.appendMu.Lock()
	defer r.appendMu.Unlock()

	r.mu.Lock()
	ok := r.acceptingLocked(c, force)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if !force && c.limiter != nil {
		if err := c.limiter.Wait(c.runCtx); err != nil {
			return false
		}
	}

	now := r.clock.Now()
	r.mu.Lock()
	if !r.acceptingLocked(c, force) || !r.withinLimitsLocked(c, now) {
		r.mu.Unlock()
		r.logger.Debug("Event dropped.", zap.String("type", ev.Type.String()))
		return false
	}
	rec := r.rec
	ts := now.UnixMilli()
	if ts < rec.StartTime {
		ts = rec.StartTime
	}
	if n := len(rec.Events); n > 0 && ts < rec.Events[n-1].Timestamp {
		ts = rec.Events[n-1].Timestamp
	}
	ev.ID = uuid.NewString()
	ev.Timestamp = ts
	if ev.URL == "" {
		ev.URL = r.currentURL
	}
	rec.Events = append(rec.Events, ev)
	rec.Metadata.TotalEvents = len(rec.Events)
	if ev.Type == schemas.EventScreenshot {
		rec.Metadata.ScreenshotCount++
	}
	r.mu.Unlock()

	r.emit(schemas.MsgRecordingEvent, "Event recorded", ev.Clone())
	return true
}

func (r *Recorder) emit(t schemas.MessageType, text string, data any) {
	r.mu.Lock()
	var recordingID string
	if r.rec != nil {
		recordingID = r.rec.ID
	}
	r.mu.Unlock()
	r.sink.Emit(schemas.BroadcastMessage{
		Type:        t,
		Text:        text,
		SessionID:   r.page.ID(),
		RecordingID: recordingID,
		Data:        data,
		Timestamp:   r.clock.Now().UnixMilli(),
	})
}

func (r *Recorder) captureScreenshot(ctx context.Context, c *capture, trigger string, force bool) {
	shot, err := r.page.Screenshot(ctx, schemas.ScreenshotOptions{})
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("Screenshot capture failed.", zap.String("trigger", trigger), zap.Error(err))
		}
		return
	}
	r.addEvent(c, schemas.Event{
		Type:       schemas.EventScreenshot,
		Screenshot: shot,
		Metadata:   map[string]any{"trigger": trigger},
	}, force)
}

// goAsync runs fn off the dispatch goroutine. Work spawned after Stop began is dropped.
func (c *capture) goAsync(logger *zap.Logger, name string, fn func()) {
	c.asyncMu.Lock()
	defer c.asyncMu.Unlock()
	if c.asyncClosed {
		return
	}
	c.async.Add(1)
	go func() {
		defer c.async.Done()
		guardFunc(logger, name, fn)()
	}()
}

func (c *capture) closeAsync() {
	c.asyncMu.Lock()
	c.asyncClosed = true
	c.asyncMu.Unlock()
	c.async.Wait()
}

// detachAll runs the removal funcs in reverse installation order.
func (c *capture) detachAll() {
	for i := len(c.detach) - 1; i >= 0; i-- {
		c.detach[i]()
	}
	c.detach = nil
}

func (c *capture) setMainFrame(id string) {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()
	c.mainFrameID = id
}

func (c *capture) mainFrame() string {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()
	return c.mainFrameID
}

// guard isolates a listener so a panic is logged instead of tearing down
// the dispatch goroutine.
func guard[T any](logger *zap.Logger, listener string, fn func(T)) func(T) {
	return func(v T) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("Capture listener panicked.", zap.String("listener", listener), zap.Any("panic", p))
			}
		}()
		fn(v)
	}
}

func guardFunc(logger *zap.Logger, listener string, fn func()) func() {
	g := guard(logger, listener, func(struct{}) { fn() })
	return func() { g(struct{}{}) }
}
