package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// minLineBuffer is bufio.Scanner's default token limit.
const minLineBuffer = 64 * 1024

// execSynth runs a command that reads an execRequest on stdin and writes one
// execResponse JSON line per audio chunk. Each call spawns its own process,
// so concurrent sessions never wait on each other.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	maxLine    int
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

// NewExecSynth parses command. chunkDurationMS bounds the audio in one output
// line and sizes the line buffer accordingly.
func NewExecSynth(command string, sampleRate, channels, chunkDurationMS int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{
		cmd:        args,
		sampleRate: sampleRate,
		channels:   channels,
		maxLine:    lineLimit(sampleRate, channels, chunkDurationMS),
	}, nil
}

// lineLimit is the longest response line a chunk of chunkDurationMS s16le
// audio can produce: base64 grows the PCM by 4/3, then twice that for headroom
// against commands that emit larger chunks than configured.
func lineLimit(sampleRate, channels, chunkDurationMS int) int {
	pcm := sampleRate * channels * 2 * chunkDurationMS / 1000
	limit := 2 * (base64.StdEncoding.EncodedLen(pcm) + 256)
	return max(limit, minLineBuffer)
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	schunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(schunks)
		defer close(errs)

		reqPayload := execRequest{
			Text:       req.Text,
			Voice:      req.Voice,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
		}
		data, err := json.Marshal(reqPayload)
		if err != nil {
			errs <- err
			return
		}

		base := e.cmd[0]
		args := append([]string{}, e.cmd[1:]...)
		cmd := exec.CommandContext(ctx, base, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			errs <- err
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- err
			return
		}

		if _, err := stdin.Write(data); err != nil {
			errs <- fmt.Errorf("write tts request: %w", err)
			_ = cmd.Wait()
			return
		}
		_ = stdin.Close()

		// Children of the command can keep stdout open after it is killed.
		stopped := make(chan struct{})
		defer close(stopped)
		go func() {
			select {
			case <-ctx.Done():
				_ = stdout.Close()
			case <-stopped:
			}
		}()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, minLineBuffer), e.maxLine)
		sequence := 0
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				errs <- fmt.Errorf("decode tts chunk: %w", err)
				_ = cmd.Wait()
				return
			}
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				errs <- fmt.Errorf("decode tts pcm: %w", err)
				_ = cmd.Wait()
				return
			}
			chunk := SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   sequence,
				SampleRate: e.sampleRate,
				Channels:   e.channels,
				PCM:        pcm,
				Final:      resp.Final,
			}
			select {
			case schunks <- chunk:
			case <-ctx.Done():
				_ = cmd.Wait()
				errs <- ctx.Err()
				return
			}
			sequence++
		}
		if err := cmd.Wait(); err != nil {
			errs <- fmt.Errorf("tts command failed: %w", err)
			return
		}
		if scanErr := scanner.Err(); scanErr != nil {
			errs <- scanErr
		}
	}()
	return schunks, errs
}
