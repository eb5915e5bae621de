package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecSynthSessionsDoNotBlockEachOther(t *testing.T) {
	requireShell(t)
	synth, err := NewExecSynth(`sh -c 'cat >/dev/null; sleep 2'`, 16000, 1, 400)
	if err != nil {
		t.Fatalf("new synth: %v", err)
	}

	slowCtx, stopSlow := context.WithCancel(context.Background())
	defer stopSlow()
	slowChunks, _ := synth.Synthesize(slowCtx, SynthRequest{SessionID: "a", Text: "a long lecture"})

	ctx, cancel := context.WithCancel(context.Background())
	began := time.Now()
	chunks, errs := synth.Synthesize(ctx, SynthRequest{SessionID: "b", Text: "interrupted"})
	cancel()
	for range chunks {
	}
	<-errs
	if elapsed := time.Since(began); elapsed > time.Second {
		t.Fatalf("second session waited %s on the first", elapsed)
	}

	stopSlow()
	for range slowChunks {
	}
}

func TestExecSynthReadsLongLines(t *testing.T) {
	requireShell(t)
	pcm := make([]byte, 150000)
	line, err := json.Marshal(execResponse{PCMBase64: base64.StdEncoding.EncodeToString(pcm), Final: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "chunk.json")
	if err := os.WriteFile(path, append(line, '\n'), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	synth, err := NewExecSynth(`sh -c 'cat >/dev/null; cat "$0"' `+path, 16000, 1, 5000)
	if err != nil {
		t.Fatalf("new synth: %v", err)
	}
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{SessionID: "s-1", Text: "long"})
	var got []SynthChunk
	for c := range chunks {
		got = append(got, c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(got) != 1 || len(got[0].PCM) != len(pcm) || !got[0].Final {
		t.Fatalf("expected one final chunk of %d bytes, got %d chunks", len(pcm), len(got))
	}
}

func TestLineLimitNeverBelowDefault(t *testing.T) {
	if n := lineLimit(8000, 1, 10); n != minLineBuffer {
		t.Fatalf("expected %d for tiny chunks, got %d", minLineBuffer, n)
	}
	if n := lineLimit(16000, 1, 5000); n <= minLineBuffer {
		t.Fatalf("five seconds of audio needs more than %d bytes, got %d", minLineBuffer, n)
	}
}
