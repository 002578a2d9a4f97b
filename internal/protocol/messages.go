package protocol

import "time"

// Level is one loudness reading in [0,1].
type Level struct {
	SessionID string    `json:"session_id,omitempty"`
	Level     float64   `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is a partial or final recognition result broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// ModelProgress reports model provisioning.
type ModelProgress struct {
	Fraction  float64   `json:"fraction"`
	Label     string    `json:"label"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlReply answers every dictation.control.* request.
type ControlReply struct {
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Status is the periodic node heartbeat.
type Status struct {
	NodeID      string    `json:"node_id"`
	State       string    `json:"state"`
	SessionID   string    `json:"session_id,omitempty"`
	EngineReady bool      `json:"engine_ready"`
	EngineMode  string    `json:"engine_mode"`
	BufferedMS  int64     `json:"buffered_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

// Event is the websocket envelope for level, transcript and progress pushes.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	SubjectLevel             = "dictation.level"
	SubjectTranscriptPartial = "dictation.transcript.partial"
	SubjectTranscriptFinal   = "dictation.transcript.final"
	SubjectModelProgress     = "dictation.model.progress"
	SubjectStatus            = "dictation.status"

	SubjectControlStart  = "dictation.control.start"
	SubjectControlStop   = "dictation.control.stop"
	SubjectControlCancel = "dictation.control.cancel"
	SubjectControlState  = "dictation.control.state"

	EventLevel    = "level"
	EventPartial  = "partial"
	EventFinal    = "final"
	EventProgress = "progress"
)
