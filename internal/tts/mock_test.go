package tts

import (
	"context"
	"errors"
	"testing"
	"time"
)

func collect(t *testing.T, chunks <-chan SynthChunk, errs <-chan error) ([]SynthChunk, error) {
	t.Helper()
	var out []SynthChunk
	for c := range chunks {
		out = append(out, c)
	}
	return out, <-errs
}

func TestMockSynthChunksByWords(t *testing.T) {
	synth := NewMockSynth(16000, 1, 10*time.Millisecond)
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{
		SessionID: "s-1",
		Text:      "one two three four five six seven eight",
	})
	got, err := collect(t, chunks, errs)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks for 8 words, got %d", len(got))
	}
	for i, c := range got {
		if c.Sequence != i || c.SessionID != "s-1" {
			t.Fatalf("chunk %d out of order: %+v", i, c)
		}
		// 10ms of 16kHz mono s16le.
		if len(c.PCM) != 320 {
			t.Fatalf("chunk %d has %d bytes", i, len(c.PCM))
		}
	}
	if got[0].Final || !got[1].Final {
		t.Fatal("only the last chunk is final")
	}
}

func TestMockSynthEmptyTextStillFinishes(t *testing.T) {
	chunks, errs := NewMockSynth(8000, 1, 0).Synthesize(context.Background(), SynthRequest{})
	got, err := collect(t, chunks, errs)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(got) != 1 || !got[0].Final {
		t.Fatalf("expected a single final chunk, got %+v", got)
	}
}

func TestMockSynthStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := NewMockSynth(16000, 1, time.Hour).Synthesize(ctx, SynthRequest{Text: "never spoken"})
	cancel()
	got, err := collect(t, chunks, errs)
	if len(got) != 0 {
		t.Fatalf("expected no chunks, got %d", len(got))
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
