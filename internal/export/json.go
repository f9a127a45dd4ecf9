// internal/export/json.go
package export

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FormatVersion is written to every envelope. Imports accept any version
// with the same major number.
const FormatVersion = "1.0"

var (
	ErrInvalidExportOptions = errors.New("invalid export options")
	ErrInvalidImport        = errors.New("invalid recording import")
)

// Envelope is the persisted and exported form of a Recording.
type Envelope struct {
	Metadata   Metadata                `json:"metadata"`
	Config     schemas.RecordingConfig `json:"config"`
	Timeline   Timeline                `json:"timeline"`
	Events     []schemas.Event         `json:"events"`
	Statistics Statistics              `json:"statistics"`
}

type Metadata struct {
	RecordingID     string                  `json:"recordingId"`
	SessionID       string                  `json:"sessionId"`
	ExportedAt      time.Time               `json:"exportedAt"`
	Version         string                  `json:"version"`
	Status          schemas.RecordingStatus `json:"status"`
	UserAgent       string                  `json:"userAgent"`
	Viewport        schemas.Viewport        `json:"viewport"`
	InitialURL      string                  `json:"initialUrl"`
	Title           string                  `json:"title,omitempty"`
	ScreenshotCount int                     `json:"screenshotCount"`
}

type Timeline struct {
	StartTime   int64  `json:"startTime"`
	EndTime     *int64 `json:"endTime,omitempty"`
	Duration    *int64 `json:"duration,omitempty"`
	TotalEvents int    `json:"totalEvents"`
}

// Statistics summarizes the timeline. It is informational and ignored on import.
type Statistics struct {
	EventsByType    map[schemas.EventType]int `json:"eventsByType"`
	ScreenshotCount int                       `json:"screenshotCount"`
	// AverageInterval is the mean gap between consecutive events in ms.
	AverageInterval int64 `json:"averageInterval"`
	DurationMs      int64 `json:"durationMs"`
}

// NewEnvelope builds the export form of rec stamped with exportedAt.
func NewEnvelope(rec *schemas.Recording, exportedAt time.Time) Envelope {
	events := make([]schemas.Event, len(rec.Events))
	for i, e := range rec.Events {
		events[i] = e.Clone()
	}
	cfg := rec.Config
	cfg.Events = append([]schemas.EventType(nil), rec.Config.Events...)

	env := Envelope{
		Metadata: Metadata{
			RecordingID:     rec.ID,
			SessionID:       rec.SessionID,
			ExportedAt:      exportedAt.UTC(),
			Version:         FormatVersion,
			Status:          rec.Status,
			UserAgent:       rec.Metadata.UserAgent,
			Viewport:        rec.Metadata.Viewport,
			InitialURL:      rec.Metadata.InitialURL,
			Title:           rec.Metadata.Title,
			ScreenshotCount: rec.Metadata.ScreenshotCount,
		},
		Config: cfg,
		Timeline: Timeline{
			StartTime:   rec.StartTime,
			EndTime:     copyInt64(rec.EndTime),
			Duration:    copyInt64(rec.Duration),
			TotalEvents: len(rec.Events),
		},
		Events:     events,
		Statistics: ComputeStatistics(rec),
	}
	return env
}

// ComputeStatistics derives per type counts and pacing figures from rec.
func ComputeStatistics(rec *schemas.Recording) Statistics {
	st := Statistics{EventsByType: make(map[schemas.EventType]int)}
	for _, e := range rec.Events {
		st.EventsByType[e.Type]++
		if e.Type == schemas.EventScreenshot {
			st.ScreenshotCount++
		}
	}
	if n := len(rec.Events); n > 1 {
		span := rec.Events[n-1].Timestamp - rec.Events[0].Timestamp
		st.AverageInterval = span / int64(n-1)
	}
	switch {
	case rec.Duration != nil:
		st.DurationMs = *rec.Duration
	case len(rec.Events) > 0:
		st.DurationMs = rec.Events[len(rec.Events)-1].Timestamp - rec.StartTime
	}
	return st
}

// ToJSON encodes rec as an indented envelope.
func ToJSON(rec *schemas.Recording) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil recording", ErrInvalidExportOptions)
	}
	data, err := json.MarshalIndent(NewEnvelope(rec, time.Now()), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode recording %s: %w", rec.ID, err)
	}
	return data, nil
}

// FromJSON decodes an envelope back into a Recording that Playback can drive.
func FromJSON(data []byte) (*schemas.Recording, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImport, err)
	}
	return env.Recording()
}

// Recording validates the envelope and rebuilds the Recording. Events
// without an id get a fresh one.
func (env Envelope) Recording() (*schemas.Recording, error) {
	if err := checkVersion(env.Metadata.Version); err != nil {
		return nil, err
	}
	if env.Metadata.RecordingID == "" {
		return nil, fmt.Errorf("%w: missing recordingId", ErrInvalidImport)
	}
	for _, t := range env.Config.Events {
		if !t.IsValid() {
			return nil, fmt.Errorf("%w: config lists unknown event type %q", ErrInvalidImport, t)
		}
	}

	events := make([]schemas.Event, len(env.Events))
	screenshots := 0
	for i, e := range env.Events {
		if !e.Type.IsValid() {
			return nil, fmt.Errorf("%w: event %d has unknown type %q", ErrInvalidImport, i, e.Type)
		}
		if i > 0 && e.Timestamp < events[i-1].Timestamp {
			return nil, fmt.Errorf("%w: event %d is earlier than event %d", ErrInvalidImport, i, i-1)
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.Type == schemas.EventScreenshot {
			screenshots++
		}
		events[i] = e.Clone()
	}

	status := env.Metadata.Status
	if status == "" {
		status = schemas.RecordingStopped
	}
	cfg := env.Config
	cfg.Events = append([]schemas.EventType(nil), env.Config.Events...)

	return &schemas.Recording{
		ID:        env.Metadata.RecordingID,
		SessionID: env.Metadata.SessionID,
		Config:    cfg,
		Events:    events,
		Status:    status,
		StartTime: env.Timeline.StartTime,
		EndTime:   copyInt64(env.Timeline.EndTime),
		Duration:  copyInt64(env.Timeline.Duration),
		Metadata: schemas.RecordingMetadata{
			UserAgent:       env.Metadata.UserAgent,
			Viewport:        env.Metadata.Viewport,
			InitialURL:      env.Metadata.InitialURL,
			Title:           env.Metadata.Title,
			TotalEvents:     len(events),
			ScreenshotCount: screenshots,
		},
	}, nil
}

func checkVersion(v string) error {
	if v == "" {
		return fmt.Errorf("%w: missing format version", ErrInvalidImport)
	}
	major, _, _ := strings.Cut(v, ".")
	want, _, _ := strings.Cut(FormatVersion, ".")
	if major != want {
		return fmt.Errorf("%w: unsupported format version %q", ErrInvalidImport, v)
	}
	return nil
}

func copyInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
