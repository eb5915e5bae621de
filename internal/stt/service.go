package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/bus"
	"github.com/loqalabs/loqa-tutor/internal/config"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service turns per-session audio frames from the bus into speech events.
// The first frame of an utterance produces speech_started, periodic partials
// follow when enabled, and a Final frame yields final then silence.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	logger     *slog.Logger
	clock      func() time.Time
	sessions   map[string]*utterance
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
	ready      bool
}

type utterance struct {
	buffer       []byte
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "stt")),
		clock:      time.Now,
		sessions:   make(map[string]*utterance),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleMsg)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.ready = true
	s.logger.Info("stt service listening", slog.String("subject", subject))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleMsg(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	s.HandleFrame(frame)
}

// HandleFrame buffers one frame and schedules recognition as needed.
func (s *Service) HandleFrame(frame protocol.AudioFrame) {
	if frame.SessionID == "" {
		return
	}
	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	started := false
	if state == nil {
		state = &utterance{}
		s.sessions[frame.SessionID] = state
		started = len(frame.PCM) > 0
	}
	state.buffer = append(state.buffer, frame.PCM...)
	s.mu.Unlock()

	if started {
		s.publish(frame.SessionID, protocol.SpeechStarted, "", 0)
	}
	if s.cfg.PublishInterim && !frame.Final && s.shouldSchedulePartial(frame.SessionID) {
		s.scheduleTranscription(frame.SessionID, false)
	}
	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
	}
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.inflight {
		return false
	}
	now := s.clock()
	if state.lastPartial.IsZero() {
		state.lastPartial = now
		return false
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if now.Sub(state.lastPartial) >= interval {
		state.lastPartial = now
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.inflight {
		if final {
			state.pendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), state.buffer...)
	state.inflight = true
	if final {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		result, err := s.recognizer.Transcribe(ctx, pcm, s.cfg.SampleRate, s.cfg.Channels, final)
		if err != nil {
			s.logger.Warn("stt transcription failed", slog.String("session_id", sessionID), slogError(err))
		} else if final {
			s.publish(sessionID, protocol.SpeechFinal, result.Text, result.Confidence)
		} else if result.Text != "" {
			s.publish(sessionID, protocol.SpeechPartial, result.Text, result.Confidence)
		}
		if final {
			s.publish(sessionID, protocol.SpeechSilence, "", 0)
			return
		}

		s.mu.Lock()
		var pendingFinal bool
		if state := s.sessions[sessionID]; state != nil {
			state.inflight = false
			state.lastPartial = s.clock()
			pendingFinal = state.pendingFinal
		}
		s.mu.Unlock()

		if pendingFinal {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

func (s *Service) publish(sessionID string, kind protocol.SpeechEventKind, text string, confidence float64) {
	msg := protocol.SpeechEvent{
		SessionID:  sessionID,
		Kind:       kind,
		Text:       text,
		Confidence: confidence,
		Timestamp:  s.clock().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SpeechEventSubject(sessionID), msg); err != nil {
		s.logger.Warn("failed to publish speech event", slog.String("kind", string(kind)), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
