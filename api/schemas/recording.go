package schemas

import (
	"time"
)

// -- Event Model --

// EventType identifies the kind of interaction an Event records. The set is
// closed; every switch over it must cover all values in AllEventTypes.
type EventType string

const (
	EventClick           EventType = "click"
	EventTyping          EventType = "type"
	EventNavigation      EventType = "navigation"
	EventKeyPress        EventType = "key_press"
	EventFormSubmit      EventType = "form_submit"
	EventFormFocus       EventType = "form_focus"
	EventFormInputChange EventType = "form_input_change"
	EventFormNavigation  EventType = "form_navigation"
	EventScreenshot      EventType = "screenshot"
	EventPageLoad        EventType = "page_load"
	EventScroll          EventType = "scroll"
	EventHover           EventType = "hover"
	EventWait            EventType = "wait"
)

// AllEventTypes returns every valid EventType in declaration order.
func AllEventTypes() []EventType {
	return []EventType{
		EventClick,
		EventTyping,
		EventNavigation,
		EventKeyPress,
		EventFormSubmit,
		EventFormFocus,
		EventFormInputChange,
		EventFormNavigation,
		EventScreenshot,
		EventPageLoad,
		EventScroll,
		EventHover,
		EventWait,
	}
}

// IsValid reports whether t belongs to the closed set of event types.
func (t EventType) IsValid() bool {
	switch t {
	case EventClick, EventTyping, EventNavigation, EventKeyPress, EventFormSubmit,
		EventFormFocus, EventFormInputChange, EventFormNavigation, EventScreenshot,
		EventPageLoad, EventScroll, EventHover, EventWait:
		return true
	}
	return false
}

func (t EventType) String() string { return string(t) }

// Point is a viewport coordinate in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Event is one observed interaction.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   int64          `json:"timestamp"` // Unix milliseconds.
	Selector    string         `json:"selector,omitempty"`
	Value       string         `json:"value,omitempty"`
	Coordinates *Point         `json:"coordinates,omitempty"`
	URL         string         `json:"url"`
	Screenshot  string         `json:"screenshot,omitempty"` // base64 PNG
	Metadata    map[string]any `json:"metadata,omitempty"`
	Duration    int64          `json:"duration,omitempty"` // milliseconds
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	if e.Coordinates != nil {
		c := *e.Coordinates
		out.Coordinates = &c
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// -- Recording --

// RecordingStatus is the state of a Recording's capture state machine.
type RecordingStatus string

const (
	RecordingIdle    RecordingStatus = "idle"
	RecordingActive  RecordingStatus = "recording"
	RecordingPaused  RecordingStatus = "paused"
	RecordingStopped RecordingStatus = "stopped"
	RecordingErrored RecordingStatus = "error"
)

// RecordingConfig is the capture policy, fixed for the lifetime of one Recording.
type RecordingConfig struct {
	Events             []EventType `json:"events"`
	Delay              int64       `json:"delay"` // minimum spacing in ms
	CaptureScreenshots bool        `json:"captureScreenshots"`
	ScreenshotInterval int64       `json:"screenshotInterval"` // ms, 0 disables the timer
	ScreenshotOnClick  bool        `json:"screenshotOnClick"`
	MaxEvents          int         `json:"maxEvents"`   // 0 means unlimited
	MaxDuration        int64       `json:"maxDuration"` // ms, 0 means unlimited
	MaskSensitiveInput bool        `json:"maskSensitiveInput"`
}

// DefaultRecordingConfig listens for the interaction types a typical form
// workflow produces.
func DefaultRecordingConfig() RecordingConfig {
	return RecordingConfig{
		Events: []EventType{
			EventClick, EventTyping, EventNavigation, EventKeyPress,
			EventFormSubmit, EventFormFocus, EventFormNavigation,
		},
		CaptureScreenshots: false,
		MaxEvents:          1000,
		MaxDuration:        int64(30 * time.Minute / time.Millisecond),
	}
}

// Listens reports whether the config enables the given event type.
func (c RecordingConfig) Listens(t EventType) bool {
	for _, e := range c.Events {
		if e == t {
			return true
		}
	}
	return false
}

// Viewport is the page's layout viewport size.
type Viewport struct {
	Width  int64 `json:"width"`
	Height int64 `json:"height"`
}

// RecordingMetadata carries context read from the page at start and running totals.
type RecordingMetadata struct {
	UserAgent       string   `json:"userAgent"`
	Viewport        Viewport `json:"viewport"`
	InitialURL      string   `json:"initialUrl"`
	Title           string   `json:"title,omitempty"`
	TotalEvents     int      `json:"totalEvents"`
	ScreenshotCount int      `json:"screenshotCount"`
}

// Recording is an ordered capture session.
type Recording struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Config    RecordingConfig   `json:"config"`
	Events    []Event           `json:"events"`
	Status    RecordingStatus   `json:"status"`
	StartTime int64             `json:"startTime"`
	EndTime   *int64            `json:"endTime,omitempty"`
	Duration  *int64            `json:"duration,omitempty"`
	Metadata  RecordingMetadata `json:"metadata"`
}

// Clone returns a deep copy of the recording.
func (r *Recording) Clone() *Recording {
	if r == nil {
		return nil
	}
	out := *r
	out.Config.Events = append([]EventType(nil), r.Config.Events...)
	out.Events = make([]Event, len(r.Events))
	for i, e := range r.Events {
		out.Events[i] = e.Clone()
	}
	if r.EndTime != nil {
		v := *r.EndTime
		out.EndTime = &v
	}
	if r.Duration != nil {
		v := *r.Duration
		out.Duration = &v
	}
	return &out
}

// RecordingSummary is the listing view of a stored recording.
type RecordingSummary struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	Status      RecordingStatus `json:"status"`
	InitialURL  string          `json:"initialUrl"`
	StartTime   int64           `json:"startTime"`
	TotalEvents int             `json:"totalEvents"`
}

// Summary builds the listing view of r.
func (r *Recording) Summary() RecordingSummary {
	return RecordingSummary{
		ID:          r.ID,
		SessionID:   r.SessionID,
		Status:      r.Status,
		InitialURL:  r.Metadata.InitialURL,
		StartTime:   r.StartTime,
		TotalEvents: len(r.Events),
	}
}
