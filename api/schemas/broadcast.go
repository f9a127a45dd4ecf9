package schemas

// -- Broadcast Sink --

// MessageType tags a BroadcastMessage.
type MessageType string

const (
	MsgRecordingStarted  MessageType = "recording_started"
	MsgRecordingPaused   MessageType = "recording_paused"
	MsgRecordingResumed  MessageType = "recording_resumed"
	MsgRecordingStopped  MessageType = "recording_stopped"
	MsgRecordingEvent    MessageType = "recording_event"
	MsgPlaybackStarted   MessageType = "playback_started"
	MsgPlaybackEvent     MessageType = "playback_event"
	MsgPlaybackPaused    MessageType = "playback_paused"
	MsgPlaybackResumed   MessageType = "playback_resumed"
	MsgPlaybackError     MessageType = "playback_error"
	MsgPlaybackCompleted MessageType = "playback_completed"
	MsgPlaybackStopped   MessageType = "playback_stopped"
	MsgSessionCreated    MessageType = "session_created"
	MsgSessionClosed     MessageType = "session_closed"
)

// BroadcastMessage is a one way notification to observers.
type BroadcastMessage struct {
	Type        MessageType `json:"type"`
	Text        string      `json:"text"`
	SessionID   string      `json:"sessionId,omitempty"`
	RecordingID string      `json:"recordingId,omitempty"`
	Data        any         `json:"data,omitempty"`
	Timestamp   int64       `json:"timestamp"`
}

// Broadcaster is a fire and forget sink. Emit must not block and never
// reports delivery failures.
type Broadcaster interface {
	Emit(msg BroadcastMessage)
}

// BroadcasterFunc adapts a func to Broadcaster.
type BroadcasterFunc func(msg BroadcastMessage)

func (f BroadcasterFunc) Emit(msg BroadcastMessage) { f(msg) }

// NopBroadcaster discards every message.
var NopBroadcaster Broadcaster = BroadcasterFunc(func(BroadcastMessage) {})
