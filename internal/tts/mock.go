package tts

import (
	"context"
	"strings"
	"time"
)

const mockWordsPerChunk = 6

// mockSynth emits silent PCM paced like real speech, one chunk per few words.
type mockSynth struct {
	sampleRate int
	channels   int
	chunkDelay time.Duration
}

func NewMockSynth(sampleRate, channels int, chunkDelay time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, chunkDelay: chunkDelay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	words := strings.Fields(req.Text)
	total := (len(words) + mockWordsPerChunk - 1) / mockWordsPerChunk
	if total == 0 {
		total = 1
	}
	bytesPerChunk := m.sampleRate * m.channels * 2 * int(m.chunkDelay/time.Millisecond) / 1000
	go func() {
		defer close(chunks)
		defer close(errs)
		for seq := 0; seq < total; seq++ {
			if m.chunkDelay > 0 {
				timer := time.NewTimer(m.chunkDelay)
				select {
				case <-ctx.Done():
					timer.Stop()
					errs <- ctx.Err()
					return
				case <-timer.C:
				}
			}
			chunk := SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   seq,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        make([]byte, bytesPerChunk),
				Final:      seq == total-1,
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- chunk:
			}
		}
	}()
	return chunks, errs
}
