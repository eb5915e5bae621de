package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-tutor/internal/config"
	"github.com/mattn/go-shellwords"
)

// maxStderr caps how much recognizer stderr is carried in an error.
const maxStderr = 512

var errOddPCM = errors.New("pcm payload is not 16-bit aligned")

// execRecognizer hands each utterance to a command as a WAV file and reads
// {"text": ..., "confidence": ...} from its stdout. Every call runs its own
// process on its own file, so sessions transcribe concurrently.
type execRecognizer struct {
	cmd      []string
	model    string
	language string
	interim  bool
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	args, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &execRecognizer{
		cmd:      args,
		model:    cfg.ModelPath,
		language: cfg.Language,
		interim:  cfg.PublishInterim,
	}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if len(pcm) == 0 {
		return TranscriptResult{}, nil
	}

	path, err := writeUtterance(pcm, sampleRate, channels)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer os.Remove(path)

	command := exec.CommandContext(ctx, r.cmd[0], r.args(path, final)...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return TranscriptResult{}, ctxErr
		}
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, tail(stderr.String(), maxStderr))
	}

	var resp execResult
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(resp.Text), Confidence: resp.Confidence}, nil
}

func (r *execRecognizer) args(path string, final bool) []string {
	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", path)
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	if r.language != "" {
		args = append(args, "--language", r.language)
	}
	if r.interim && !final {
		args = append(args, "--partial")
	}
	return args
}

// writeUtterance stores s16le pcm as a temporary WAV file and returns its path.
func writeUtterance(pcm []byte, sampleRate int, channels int) (string, error) {
	file, err := os.CreateTemp("", "tutor_stt_*.wav")
	if err != nil {
		return "", fmt.Errorf("create utterance file: %w", err)
	}
	err = encodeWAV(file, pcm, sampleRate, channels)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(file.Name())
		return "", err
	}
	return file.Name(), nil
}

func encodeWAV(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return errOddPCM
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish wav: %w", err)
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
