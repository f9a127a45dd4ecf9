// File: internal/service/controller.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/export"
	"github.com/xkilldash9x/scalpel-replay/internal/playback"
	"github.com/xkilldash9x/scalpel-replay/internal/recorder"
	"github.com/xkilldash9x/scalpel-replay/internal/store"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionBusy is returned when a page is asked to record and replay at once.
	ErrSessionBusy      = errors.New("session is busy")
	ErrControllerClosed = errors.New("controller is shut down")
)

// Export formats.
const (
	FormatJSON   = "json"
	FormatScript = "script"
)

// SessionPage is a page the controller can close when the session ends.
type SessionPage interface {
	schemas.Page
	Close(ctx context.Context) error
}

// BrowserProvider opens pages. browser.Manager is the production implementation.
type BrowserProvider interface {
	NewPage(ctx context.Context) (SessionPage, error)
	Shutdown(ctx context.Context) error
}

// SessionInfo describes a live session.
type SessionInfo struct {
	ID              string                  `json:"id"`
	CreatedAt       time.Time               `json:"createdAt"`
	RecordingStatus schemas.RecordingStatus `json:"recordingStatus"`
	RecordingID     string                  `json:"recordingId,omitempty"`
	Playback        schemas.PlaybackState   `json:"playback"`
}

// ExportOptions selects the output of ExportRecording.
type ExportOptions struct {
	Format string               `json:"format"`
	Script export.ScriptOptions `json:"script"`
}

type session struct {
	id        string
	page      SessionPage
	recorder  *recorder.Recorder
	player    *playback.Player
	createdAt time.Time

	// claim is held from the busy check until the recorder or player has
	// started, so the page never gets both.
	claim sync.Mutex
}

func (s *session) info() SessionInfo {
	info := SessionInfo{
		ID:              s.id,
		CreatedAt:       s.createdAt,
		RecordingStatus: s.recorder.Status(),
		Playback:        s.player.GetStatus(),
	}
	if rec := s.recorder.GetRecordingData(); rec != nil {
		info.RecordingID = rec.ID
	}
	return info
}

// ControllerOption customizes a Controller.
type ControllerOption func(*Controller)

// WithRecorderOptions appends options to every recorder the controller creates.
func WithRecorderOptions(opts ...recorder.Option) ControllerOption {
	return func(c *Controller) { c.recorderOpts = append(c.recorderOpts, opts...) }
}

// WithPlayerOptions appends options to every player the controller creates.
func WithPlayerOptions(opts ...playback.Option) ControllerOption {
	return func(c *Controller) { c.playerOpts = append(c.playerOpts, opts...) }
}

// Controller owns browser sessions and the recorder and player bound to each.
// A session's page is used by at most one of them at a time.
type Controller struct {
	cfg     config.Interface
	browser BrowserProvider
	repo    store.Repository
	sink    schemas.Broadcaster
	logger  *zap.Logger
	// base is handed to recorders and players, which name themselves.
	base *zap.Logger

	recorderOpts []recorder.Option
	playerOpts   []playback.Option

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

// NewController wires the controller. sink may be nil.
func NewController(cfg config.Interface, browser BrowserProvider, repo store.Repository, sink schemas.Broadcaster, logger *zap.Logger, opts ...ControllerOption) *Controller {
	if sink == nil {
		sink = schemas.NopBroadcaster
	}
	c := &Controller{
		cfg:      cfg,
		browser:  browser,
		repo:     repo,
		sink:     sink,
		logger:   logger.Named("controller"),
		base:     logger,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) session(id string) (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrControllerClosed
	}
	s, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// -- Sessions --

// CreateSession opens a page and, when url is non-empty, navigates to it.
func (c *Controller) CreateSession(ctx context.Context, url string) (SessionInfo, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return SessionInfo{}, ErrControllerClosed
	}

	page, err := c.browser.NewPage(ctx)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("failed to open page: %w", err)
	}
	if url != "" {
		if err := page.Navigate(ctx, url, schemas.NavigateOptions{WaitReady: true}); err != nil {
			_ = page.Close(context.WithoutCancel(ctx))
			return SessionInfo{}, fmt.Errorf("failed to navigate to %s: %w", url, err)
		}
	}

	recOpts := append([]recorder.Option{recorder.WithWindows(recorder.WindowsFromConfig(c.cfg.Recorder()))}, c.recorderOpts...)
	playOpts := append([]playback.Option{playback.WithBounds(playback.BoundsFromConfig(c.cfg.Playback()))}, c.playerOpts...)
	s := &session{
		id:        page.ID(),
		page:      page,
		recorder:  recorder.New(page, c.sink, c.base, recOpts...),
		player:    playback.New(page, c.sink, c.base, playOpts...),
		createdAt: time.Now().UTC(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = page.Close(context.WithoutCancel(ctx))
		return SessionInfo{}, ErrControllerClosed
	}
	c.sessions[s.id] = s
	c.mu.Unlock()

	c.logger.Info("Session created.", zap.String("session_id", s.id), zap.String("url", url))
	c.sink.Emit(schemas.BroadcastMessage{
		Type:      schemas.MsgSessionCreated,
		Text:      "Session created",
		SessionID: s.id,
		Timestamp: time.Now().UnixMilli(),
	})
	return s.info(), nil
}

// CloseSession stops and persists an active recording, stops playback and
// closes the page.
func (c *Controller) CloseSession(ctx context.Context, id string) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return c.teardown(ctx, s)
}

func (c *Controller) teardown(ctx context.Context, s *session) error {
	var errs []error
	if s.recorder.IsActive() {
		if _, err := c.stopAndSave(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	_ = s.player.Stop()
	if err := s.player.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("playback did not stop: %w", err))
	}
	if err := s.page.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close page: %w", err))
	}

	c.logger.Info("Session closed.", zap.String("session_id", s.id))
	c.sink.Emit(schemas.BroadcastMessage{
		Type:      schemas.MsgSessionClosed,
		Text:      "Session closed",
		SessionID: s.id,
		Timestamp: time.Now().UnixMilli(),
	})
	return errors.Join(errs...)
}

// ListSessions returns live sessions, oldest first.
func (c *Controller) ListSessions() []SessionInfo {
	c.mu.RLock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()

	out := make([]SessionInfo, len(sessions))
	for i, s := range sessions {
		out[i] = s.info()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// -- Recording --

// StartRecording begins capture on a session. A nil cfg uses the configured
// recorder defaults.
func (c *Controller) StartRecording(ctx context.Context, sessionID string, cfg *schemas.RecordingConfig) (*schemas.Recording, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}
	s.claim.Lock()
	defer s.claim.Unlock()
	if s.player.IsActive() {
		return nil, fmt.Errorf("%w: playback in progress", ErrSessionBusy)
	}
	rc := recorder.RecordingConfigFromConfig(c.cfg.Recorder())
	if cfg != nil {
		rc = *cfg
	}
	if err := s.recorder.Start(ctx, rc); err != nil {
		return nil, err
	}
	return s.recorder.GetRecordingData(), nil
}

func (c *Controller) PauseRecording(sessionID string) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return s.recorder.Pause()
}

func (c *Controller) ResumeRecording(sessionID string) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return s.recorder.Resume()
}

// StopRecording ends capture and saves the recording.
func (c *Controller) StopRecording(ctx context.Context, sessionID string) (*schemas.Recording, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}
	return c.stopAndSave(ctx, s)
}

func (c *Controller) stopAndSave(ctx context.Context, s *session) (*schemas.Recording, error) {
	rec, err := s.recorder.Stop(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.repo.Save(ctx, rec); err != nil {
		return rec, fmt.Errorf("recording %s stopped but not saved: %w", rec.ID, err)
	}
	c.logger.Info("Recording saved.", zap.String("recording_id", rec.ID), zap.Int("events", len(rec.Events)))
	return rec, nil
}

// SessionRecording returns a snapshot of the session's current or last recording.
func (c *Controller) SessionRecording(sessionID string) (*schemas.Recording, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}
	rec := s.recorder.GetRecordingData()
	if rec == nil {
		return nil, recorder.ErrNotActive
	}
	return rec, nil
}

// GetRecording returns a recording still being captured, or else the stored
// copy. A stopped recording is only ever read from the store.
func (c *Controller) GetRecording(ctx context.Context, recordingID string) (*schemas.Recording, error) {
	c.mu.RLock()
	for _, s := range c.sessions {
		if !s.recorder.IsActive() {
			continue
		}
		if rec := s.recorder.GetRecordingData(); rec != nil && rec.ID == recordingID {
			c.mu.RUnlock()
			return rec, nil
		}
	}
	c.mu.RUnlock()
	return c.repo.Get(ctx, recordingID)
}

// -- Playback --

// StartPlayback replays a stored recording on a session. A zero speed uses
// the configured default.
func (c *Controller) StartPlayback(ctx context.Context, sessionID, recordingID string, cfg schemas.PlaybackConfig) (schemas.PlaybackState, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return schemas.PlaybackState{}, err
	}
	s.claim.Lock()
	defer s.claim.Unlock()
	if s.recorder.IsActive() {
		return schemas.PlaybackState{}, fmt.Errorf("%w: recording in progress", ErrSessionBusy)
	}
	rec, err := c.repo.Get(ctx, recordingID)
	if err != nil {
		return schemas.PlaybackState{}, err
	}
	if cfg.Speed == 0 {
		cfg.Speed = c.cfg.Playback().DefaultSpeed
	}
	if err := s.player.Start(ctx, rec, cfg); err != nil {
		return schemas.PlaybackState{}, err
	}
	return s.player.GetStatus(), nil
}

func (c *Controller) PausePlayback(sessionID string) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return s.player.Pause()
}

func (c *Controller) ResumePlayback(sessionID string) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return s.player.Resume()
}

// StopPlayback stops the player and waits for the event in flight.
func (c *Controller) StopPlayback(ctx context.Context, sessionID string) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}
	if err := s.player.Stop(); err != nil {
		return err
	}
	return s.player.Wait(ctx)
}

func (c *Controller) SeekPlayback(sessionID string, index int) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return s.player.Seek(index)
}

func (c *Controller) PlaybackStatus(sessionID string) (schemas.PlaybackState, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return schemas.PlaybackState{}, err
	}
	return s.player.GetStatus(), nil
}

// -- Stored recordings --

func (c *Controller) ListRecordings(ctx context.Context) ([]schemas.RecordingSummary, error) {
	return c.repo.List(ctx)
}

func (c *Controller) DeleteRecording(ctx context.Context, recordingID string) error {
	if err := c.repo.Delete(ctx, recordingID); err != nil {
		return err
	}
	c.logger.Info("Recording deleted.", zap.String("recording_id", recordingID))
	return nil
}

// ExportRecording renders a stored recording as a JSON envelope or a script.
func (c *Controller) ExportRecording(ctx context.Context, recordingID string, opts ExportOptions) ([]byte, error) {
	switch opts.Format {
	case "", FormatJSON, FormatScript:
	default:
		return nil, fmt.Errorf("%w: unknown format %q", export.ErrInvalidExportOptions, opts.Format)
	}
	rec, err := c.repo.Get(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if opts.Format == FormatScript {
		return export.ToScript(rec, opts.Script)
	}
	return export.ToJSON(rec)
}

// ImportRecording validates an exported envelope and stores it under its
// original id, replacing any recording with the same id.
func (c *Controller) ImportRecording(ctx context.Context, data []byte) (*schemas.Recording, error) {
	rec, err := export.FromJSON(data)
	if err != nil {
		return nil, err
	}
	if err := c.repo.Save(ctx, rec); err != nil {
		return nil, err
	}
	c.logger.Info("Recording imported.", zap.String("recording_id", rec.ID), zap.Int("events", len(rec.Events)))
	return rec, nil
}

// Shutdown closes every session in parallel and then the browser. Later
// calls are no-ops.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*session)
	c.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			return c.teardown(ctx, s)
		})
	}
	err := g.Wait()

	if c.browser != nil {
		if berr := c.browser.Shutdown(ctx); berr != nil {
			err = errors.Join(err, berr)
		}
	}
	c.logger.Info("Controller shut down.", zap.Int("sessions_closed", len(sessions)))
	return err
}
