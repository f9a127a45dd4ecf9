// File: internal/server/handlers.go
package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/export"
	"github.com/xkilldash9x/scalpel-replay/internal/playback"
	"github.com/xkilldash9x/scalpel-replay/internal/recorder"
	"github.com/xkilldash9x/scalpel-replay/internal/service"
	"github.com/xkilldash9x/scalpel-replay/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errBadRequest marks malformed request bodies and parameters.
var errBadRequest = errors.New("bad request")

// Response is the envelope of every JSON reply except raw exports.
type Response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

type createSessionRequest struct {
	URL string `json:"url"`
}

type startPlaybackRequest struct {
	RecordingID string `json:"recordingId"`
	schemas.PlaybackConfig
}

type seekRequest struct {
	Index *int `json:"index"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, export.ErrInvalidExportOptions),
		errors.Is(err, export.ErrInvalidImport),
		errors.Is(err, recorder.ErrInvalidConfig),
		errors.Is(err, playback.ErrInvalidSeekIndex),
		errors.Is(err, playback.ErrInvalidRange),
		errors.Is(err, playback.ErrInvalidSpeed),
		errors.Is(err, playback.ErrEmptyRecording),
		errors.Is(err, store.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, store.ErrRecordingNotFound):
		return http.StatusNotFound
	case errors.Is(err, recorder.ErrAlreadyActive),
		errors.Is(err, recorder.ErrNotActive),
		errors.Is(err, playback.ErrAlreadyPlaying),
		errors.Is(err, playback.ErrNotActive),
		errors.Is(err, service.ErrSessionBusy),
		errors.Is(err, service.ErrControllerClosed):
		return http.StatusConflict
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func (s *Server) respond(w http.ResponseWriter, code int, data any) {
	s.writeJSON(w, code, Response{Status: "success", Data: data})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed.", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		s.logger.Debug("Request rejected.", zap.String("path", r.URL.Path), zap.Int("status", code), zap.Error(err))
	}
	s.writeJSON(w, code, Response{Status: "error", Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to encode response.", zap.Error(err))
	}
}

// decode reads an optional JSON body into v. It reports whether a body was
// present.
func decode(w http.ResponseWriter, r *http.Request, v any) (bool, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return false, err
	}
	if len(body) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return true, fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return true, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// -- Sessions --

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.ctrl.ListSessions())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if _, err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	info, err := s.ctrl.CreateSession(r.Context(), req.URL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, info)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.CloseSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// -- Recording --

func (s *Server) handleSessionRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ctrl.SessionRecording(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, rec)
}

// handleStartRecording takes an optional RecordingConfig body. Without one
// the configured defaults apply.
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var cfg schemas.RecordingConfig
	present, err := decode(w, r, &cfg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var cfgPtr *schemas.RecordingConfig
	if present {
		cfgPtr = &cfg
	}
	rec, err := s.ctrl.StartRecording(r.Context(), chi.URLParam(r, "sessionID"), cfgPtr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, rec)
}

func (s *Server) handlePauseRecording(w http.ResponseWriter, r *http.Request) {
	s.sessionCommand(w, r, s.ctrl.PauseRecording)
}

func (s *Server) handleResumeRecording(w http.ResponseWriter, r *http.Request) {
	s.sessionCommand(w, r, s.ctrl.ResumeRecording)
}

// handleStopRecording returns the stopped recording. A save failure still
// reports 500 but carries the error.
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ctrl.StopRecording(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, rec.Summary())
}

// sessionCommand runs a state transition and replies with the session.
func (s *Server) sessionCommand(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	id := chi.URLParam(r, "sessionID")
	if err := fn(id); err != nil {
		s.fail(w, r, err)
		return
	}
	for _, info := range s.ctrl.ListSessions() {
		if info.ID == id {
			s.respond(w, http.StatusOK, info)
			return
		}
	}
	s.fail(w, r, fmt.Errorf("%w: %s", service.ErrSessionNotFound, id))
}

// -- Playback --

func (s *Server) handlePlaybackStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.PlaybackStatus(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, st)
}

func (s *Server) handleStartPlayback(w http.ResponseWriter, r *http.Request) {
	var req startPlaybackRequest
	if _, err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.RecordingID == "" {
		s.fail(w, r, fmt.Errorf("%w: recordingId is required", errBadRequest))
		return
	}
	st, err := s.ctrl.StartPlayback(r.Context(), chi.URLParam(r, "sessionID"), req.RecordingID, req.PlaybackConfig)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, st)
}

func (s *Server) handlePausePlayback(w http.ResponseWriter, r *http.Request) {
	s.playbackCommand(w, r, s.ctrl.PausePlayback)
}

func (s *Server) handleResumePlayback(w http.ResponseWriter, r *http.Request) {
	s.playbackCommand(w, r, s.ctrl.ResumePlayback)
}

func (s *Server) handleStopPlayback(w http.ResponseWriter, r *http.Request) {
	s.playbackCommand(w, r, func(id string) error {
		return s.ctrl.StopPlayback(r.Context(), id)
	})
}

func (s *Server) handleSeekPlayback(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if _, err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Index == nil {
		s.fail(w, r, fmt.Errorf("%w: index is required", errBadRequest))
		return
	}
	s.playbackCommand(w, r, func(id string) error {
		return s.ctrl.SeekPlayback(id, *req.Index)
	})
}

// playbackCommand runs a transition and replies with the playback state.
func (s *Server) playbackCommand(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	id := chi.URLParam(r, "sessionID")
	if err := fn(id); err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.ctrl.PlaybackStatus(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, st)
}

// -- Stored recordings --

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	list, err := s.ctrl.ListRecordings(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []schemas.RecordingSummary{}
	}
	s.respond(w, http.StatusOK, list)
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ctrl.GetRecording(r.Context(), chi.URLParam(r, "recordingID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.DeleteRecording(r.Context(), chi.URLParam(r, "recordingID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExportRecording streams the raw export. Query parameters: format
// (json or script), target (playwright or chromedp), speed, screenshots.
func (s *Server) handleExportRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "recordingID")
	q := r.URL.Query()

	opts := service.ExportOptions{Format: q.Get("format"), Script: export.DefaultScriptOptions()}
	if t := q.Get("target"); t != "" {
		opts.Script.Target = t
	}
	if sp := q.Get("speed"); sp != "" {
		speed, err := strconv.ParseFloat(sp, 64)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: speed %q", errBadRequest, sp))
			return
		}
		opts.Script.Speed = speed
	}
	if sc := q.Get("screenshots"); sc != "" {
		include, err := strconv.ParseBool(sc)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: screenshots %q", errBadRequest, sc))
			return
		}
		opts.Script.IncludeScreenshots = include
	}

	data, err := s.ctrl.ExportRecording(r.Context(), id, opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	name, contentType := id+".json", "application/json"
	if opts.Format == service.FormatScript {
		contentType = "text/plain; charset=utf-8"
		name = id + ".js"
		if opts.Script.Target == export.TargetChromedp {
			name = id + ".go"
		}
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleImportRecording(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.ctrl.ImportRecording(r.Context(), data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, rec.Summary())
}
