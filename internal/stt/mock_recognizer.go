package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that describes the audio it was given
// instead of transcribing it.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if len(pcm) == 0 {
		return TranscriptResult{}, nil
	}
	kind := "partial"
	if final {
		kind = "final"
	}
	bytesPerSecond := sampleRate * channels * 2
	ms := 0
	if bytesPerSecond > 0 {
		ms = len(pcm) * 1000 / bytesPerSecond
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[%s utterance %dms]", kind, ms),
		Confidence: 0.5,
	}, nil
}
