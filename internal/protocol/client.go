package protocol

import "time"

// EventType names a client-visible event.
type EventType string

const (
	EventSessionStarted     EventType = "session-started"
	EventAudioChunk         EventType = "audio-chunk"
	EventSegmentStarted     EventType = "segment-started"
	EventSegmentComplete    EventType = "segment-complete"
	EventInterruptDetected  EventType = "interrupt-detected"
	EventQuestionEcho       EventType = "question-echo"
	EventAnswerText         EventType = "answer-text"
	EventAnswerAudioChunk   EventType = "answer-audio-chunk"
	EventResumePrompt       EventType = "resume-prompt"
	EventConfirmationPrompt EventType = "confirmation-prompt"
	EventTopicStarted       EventType = "topic-started"
	EventTopicCompleted     EventType = "topic-completed"
	EventIdleWarning        EventType = "idle-warning"
	EventIdleTimeout        EventType = "idle-timeout"
	EventSessionEnded       EventType = "session-ended"
	EventError              EventType = "error"
)

// Mode distinguishes lecture delivery from query resolution for UI purposes.
type Mode string

const (
	ModeCourseTeaching  Mode = "course_teaching"
	ModeQueryResolution Mode = "query_resolution"
)

// ErrorCode identifies failures reported to the client.
type ErrorCode string

const (
	ErrorCodeSTTUnavailable   ErrorCode = "stt_unavailable"
	ErrorCodeOutputFailed     ErrorCode = "output_failed"
	ErrorCodeAnswerDegraded   ErrorCode = "answer_degraded"
	ErrorCodeStoreUnavailable ErrorCode = "store_unavailable"
	ErrorCodeBadCommand       ErrorCode = "bad_command"
	ErrorCodeNoContent        ErrorCode = "no_content"
)

// Event is a message sent from the orchestrator to the client.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	Mode      Mode           `json:"mode,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Text      string         `json:"text,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Audio     *AudioChunk    `json:"audio,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AudioChunk carries synthesized PCM audio for one output unit.
type AudioChunk struct {
	TaskID     uint64 `json:"task_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// CommandName names an explicit client command.
type CommandName string

const (
	CommandStart        CommandName = "start"
	CommandContinue     CommandName = "continue"
	CommandRepeat       CommandName = "repeat"
	CommandAsk          CommandName = "ask"
	CommandMarkComplete CommandName = "mark_complete"
	CommandNextCourse   CommandName = "next_course"
	CommandAdvance      CommandName = "advance"
	CommandConfirmYes   CommandName = "confirm_yes"
	CommandConfirmNo    CommandName = "confirm_no"
	CommandRetry        CommandName = "retry"
	CommandEnd          CommandName = "end"
	CommandTranscript   CommandName = "transcript"
)

// Command is a message sent from the client to the orchestrator.
type Command struct {
	Name        CommandName `json:"name"`
	Text        string      `json:"text,omitempty"`
	UserID      string      `json:"user_id,omitempty"`
	CourseID    string      `json:"course_id,omitempty"`
	ModuleIndex *int        `json:"module_index,omitempty"`
	TopicIndex  *int        `json:"topic_index,omitempty"`
}
