package protocol

import (
	"fmt"
	"time"
)

// AudioFrame represents PCM audio data streamed from a listener's device.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// SpeechEventKind enumerates the events produced by the speech-to-text feed.
type SpeechEventKind string

const (
	SpeechStarted SpeechEventKind = "speech_started"
	SpeechPartial SpeechEventKind = "partial"
	SpeechFinal   SpeechEventKind = "final"
	SpeechSilence SpeechEventKind = "silence"
)

// SpeechEvent is STT output broadcast on the bus for one session.
type SpeechEvent struct {
	SessionID  string          `json:"session_id"`
	Kind       SpeechEventKind `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// RetrievalRequest asks a knowledge backend for a grounded answer.
type RetrievalRequest struct {
	Question string   `json:"question"`
	Context  []string `json:"context,omitempty"`
	CourseID string   `json:"course_id"`
	Topic    string   `json:"topic,omitempty"`
}

// RetrievalResponse is the reply to a RetrievalRequest.
type RetrievalResponse struct {
	Answer string `json:"answer"`
	Error  string `json:"error,omitempty"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectSpeechEventPrefix = "stt.event"
	SubjectRetrievalQuery    = "knowledge.query"
	SubjectSessionPrefix     = "tutor.session"
)

// AudioFrameSubject returns the subject audio frames for a session are published on.
func AudioFrameSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s", SubjectAudioFramePrefix, sessionID)
}

// SpeechEventSubject returns the subject speech events for a session are published on.
func SpeechEventSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s", SubjectSpeechEventPrefix, sessionID)
}

// SessionEventSubject returns the subject client events for a session are mirrored on.
func SessionEventSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s.events", SubjectSessionPrefix, sessionID)
}
