package schemas

// -- Playback --

// PlaybackStatus is the state of the playback state machine.
type PlaybackStatus string

const (
	PlaybackStopped PlaybackStatus = "stopped"
	PlaybackPlaying PlaybackStatus = "playing"
	PlaybackPaused  PlaybackStatus = "paused"
)

// PlaybackConfig configures one replay.
type PlaybackConfig struct {
	Speed           float64 `json:"speed"`
	PauseOnError    bool    `json:"pauseOnError"`
	SkipScreenshots bool    `json:"skipScreenshots"`
	StartFromEvent  *int    `json:"startFromEvent,omitempty"`
	EndAtEvent      *int    `json:"endAtEvent,omitempty"`
}

// DefaultPlaybackConfig replays at recorded speed and continues past failures.
func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{Speed: 1.0}
}

// PlaybackError identifies the event that failed to replay.
type PlaybackError struct {
	Index   int    `json:"index"`
	EventID string `json:"eventId"`
	Message string `json:"message"`
}

// PlaybackState is a point in time view of a replay. It is recomputed after
// every executed event and never persisted.
type PlaybackState struct {
	IsPlaying         bool           `json:"isPlaying"`
	Status            PlaybackStatus `json:"status"`
	RecordingID       string         `json:"recordingId"`
	CurrentEventIndex int            `json:"currentEventIndex"`
	TotalEvents       int            `json:"totalEvents"`
	ElapsedTime       int64          `json:"elapsedTime"`   // ms of recorded time
	RemainingTime     int64          `json:"remainingTime"` // ms of recorded time
	Speed             float64        `json:"speed"`
	LastError         *PlaybackError `json:"lastError,omitempty"`
}
