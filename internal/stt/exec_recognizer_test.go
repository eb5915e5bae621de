package stt

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-tutor/internal/config"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRecognizerPassesAudioAndFlags(t *testing.T) {
	requireShell(t)
	// $0 is "stt"; the recognizer appends --audio <file> --language en --partial.
	script := `test -s "$2" && echo "{\"text\": \" $4 $5 \", \"confidence\": 0.8}"`
	rec, err := NewExecRecognizer(config.STTConfig{
		Command:        `sh -c '` + script + `' stt`,
		Language:       "en",
		PublishInterim: true,
	})
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	res, err := rec.Transcribe(context.Background(), make([]byte, 3200), 16000, 1, false)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "en --partial" || res.Confidence != 0.8 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecRecognizerReportsStderr(t *testing.T) {
	requireShell(t)
	rec, err := NewExecRecognizer(config.STTConfig{Command: `sh -c 'echo model missing >&2; exit 3'`})
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	_, err = rec.Transcribe(context.Background(), make([]byte, 320), 16000, 1, true)
	if err == nil || !strings.Contains(err.Error(), "model missing") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestExecRecognizerRejectsBadInput(t *testing.T) {
	if _, err := NewExecRecognizer(config.STTConfig{Command: "  "}); err == nil {
		t.Fatal("expected an error for an empty command")
	}
	rec, err := NewExecRecognizer(config.STTConfig{Command: "true"})
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	if _, err := rec.Transcribe(context.Background(), []byte{1, 2, 3}, 16000, 1, true); !errors.Is(err, errOddPCM) {
		t.Fatalf("expected errOddPCM, got %v", err)
	}
	if res, err := rec.Transcribe(context.Background(), nil, 16000, 1, true); err != nil || res.Text != "" {
		t.Fatalf("empty audio should be a silent no-op, got %+v %v", res, err)
	}
}

func TestEncodeWAVRoundTrip(t *testing.T) {
	pcm := make([]byte, 8)
	for i, v := range []int16{0, 1000, -1000, 32767} {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	path := filepath.Join(t.TempDir(), "u.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := encodeWAV(f, pcm, 16000, 1); err != nil {
		t.Fatalf("encode: %v", err)
	}
	_ = f.Close()

	f, err = os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 {
		t.Fatalf("unexpected format %d Hz, %d channels", dec.SampleRate, dec.NumChans)
	}
	want := []int{0, 1000, -1000, 32767}
	if len(buf.Data) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(buf.Data))
	}
	for i, v := range want {
		if buf.Data[i] != v {
			t.Fatalf("sample %d = %d, want %d", i, buf.Data[i], v)
		}
	}
}
