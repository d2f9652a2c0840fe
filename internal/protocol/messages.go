package protocol

import (
	"time"

	"github.com/loqalabs/loqa-scribe/internal/engine"
)

// AudioFrame carries captured PCM16 audio for one session.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Capture control actions.
const (
	ActionStart          = "start"
	ActionStop           = "stop"
	ActionToggle         = "toggle"
	ActionRealtimeOn     = "realtime_on"
	ActionRealtimeOff    = "realtime_off"
	ActionRealtimeToggle = "realtime_toggle"
	ActionTranscribe     = "transcribe"
)

// CaptureControl drives a capture session without sending audio.
type CaptureControl struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
}

// CaptureState is published whenever a session's flags change.
type CaptureState struct {
	SessionID    string    `json:"session_id"`
	Capturing    bool      `json:"capturing"`
	Transcribing bool      `json:"transcribing"`
	Realtime     bool      `json:"realtime"`
	Samples      int       `json:"samples"`
	Reason       string    `json:"reason"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// TranscriptSegment is one engine segment with offsets from the start of the audio.
type TranscriptSegment struct {
	Text    string `json:"text"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID    string              `json:"session_id"`
	Text         string              `json:"text"`
	Partial      bool                `json:"partial"`
	Segments     []TranscriptSegment `json:"segments,omitempty"`
	RecordingMS  int64               `json:"recording_ms"`
	ProcessingMS int64               `json:"processing_ms"`
	Threads      int                 `json:"threads,omitempty"`
	Timestamp    time.Time           `json:"timestamp"`
}

// FileSegment reports progress of a file job, one message per finished segment.
type FileSegment struct {
	JobID    string              `json:"job_id"`
	Name     string              `json:"name"`
	Index    int                 `json:"index"`
	Total    int                 `json:"total"`
	OffsetMS int64               `json:"offset_ms"`
	Text     string              `json:"text"`
	Segments []TranscriptSegment `json:"segments,omitempty"`
}

// FileCompleted is published once a file job reaches a terminal state.
type FileCompleted struct {
	JobID        string    `json:"job_id"`
	Name         string    `json:"name"`
	State        string    `json:"state"`
	Text         string    `json:"text,omitempty"`
	Error        string    `json:"error,omitempty"`
	RecordingMS  int64     `json:"recording_ms"`
	ProcessingMS int64     `json:"processing_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectCaptureControl    = "capture.control"
	SubjectCaptureState      = "capture.state"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectFileSegment       = "stt.file.segment"
	SubjectFileCompleted     = "stt.file.completed"
)

// SegmentsFrom converts engine segments to their wire form.
func SegmentsFrom(segments []engine.Segment) []TranscriptSegment {
	if len(segments) == 0 {
		return nil
	}
	out := make([]TranscriptSegment, len(segments))
	for i, s := range segments {
		out[i] = TranscriptSegment{Text: s.Text, StartMS: s.Start.Milliseconds(), EndMS: s.End.Milliseconds()}
	}
	return out
}
