package stt

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/protocol"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}

// Event is one item of a session's live speech feed.
type Event struct {
	Kind       protocol.SpeechEventKind
	Text       string
	Confidence float64
	At         time.Time
}

// Feed is a connection-scoped speech feed. Close must be called exactly once
// after a successful Start; Start returning false means no speech input is
// available for the session.
type Feed interface {
	Start(ctx context.Context) bool
	Events() <-chan Event
	Close() error
}

// DisabledFeed never starts. It is used when speech recognition is turned off.
type DisabledFeed struct{}

func (DisabledFeed) Start(context.Context) bool { return false }
func (DisabledFeed) Events() <-chan Event       { return nil }
func (DisabledFeed) Close() error               { return nil }
