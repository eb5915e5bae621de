// Package gateway is the listener-facing websocket endpoint. One connection
// carries one teaching session: the first text frame must be a start
// command, later text frames are commands, binary frames are microphone PCM
// and an empty binary frame ends the current utterance.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-tutor/internal/bus"
	"github.com/loqalabs/loqa-tutor/internal/course"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/loqalabs/loqa-tutor/internal/teaching"
)

// Sessions starts teaching sessions.
type Sessions interface {
	Start(ctx context.Context, req teaching.StartRequest) (*teaching.Dispatcher, error)
}

// FramePublisher hands microphone audio to speech recognition.
type FramePublisher func(frame protocol.AudioFrame) error

// BusFrames publishes frames on the session's audio subject.
func BusFrames(client *bus.Client) FramePublisher {
	return func(frame protocol.AudioFrame) error {
		return client.PublishJSON(protocol.AudioFrameSubject(frame.SessionID), frame)
	}
}

type Options struct {
	SampleRate       int
	Channels         int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	EndTimeout       time.Duration
	MaxMessageBytes  int64
}

func (o Options) withDefaults() Options {
	if o.SampleRate <= 0 {
		o.SampleRate = 16000
	}
	if o.Channels <= 0 {
		o.Channels = 1
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.EndTimeout <= 0 {
		o.EndTimeout = 5 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	return o
}

// Handler upgrades HTTP requests and runs one session per connection.
type Handler struct {
	sessions Sessions
	frames   FramePublisher
	mirror   teaching.EventSink
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds a handler. frames and mirror may be nil.
func NewHandler(sessions Sessions, frames FramePublisher, mirror teaching.EventSink, opts Options, logger *slog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		frames:   frames,
		mirror:   mirror,
		opts:     opts.withDefaults(),
		logger:   logger.With(slog.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16384,
			WriteBufferSize: 16384,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", slogError(err))
		return
	}
	c := newClient(conn, h.opts.WriteTimeout)
	defer c.close(websocket.CloseNormalClosure, "")
	conn.SetReadLimit(h.opts.MaxMessageBytes)

	start, err := h.handshake(conn)
	if err != nil {
		_ = c.Send(errorEvent("", protocol.ErrorCodeBadCommand, err.Error()))
		return
	}

	var sink teaching.EventSink = c
	if h.mirror != nil {
		sink = teaching.Fanout{c, h.mirror}
	}
	req := teaching.StartRequest{UserID: start.UserID, CourseID: start.CourseID, Sink: sink}
	if start.ModuleIndex != nil || start.TopicIndex != nil {
		pos := course.Position{}
		if start.ModuleIndex != nil {
			pos.Module = *start.ModuleIndex
		}
		if start.TopicIndex != nil {
			pos.Topic = *start.TopicIndex
		}
		req.Position = &pos
	}
	d, err := h.sessions.Start(r.Context(), req)
	if err != nil {
		h.logger.Warn("session start rejected",
			slog.String("user_id", start.UserID),
			slog.String("course_id", start.CourseID),
			slogError(err))
		_ = c.Send(errorEvent("", startErrorCode(err), err.Error()))
		return
	}

	h.serve(conn, c, d)
}

// handshake reads the start command.
func (h *Handler) handshake(conn *websocket.Conn) (protocol.Command, error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.HandshakeTimeout))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Command{}, fmt.Errorf("read start command: %w", err)
	}
	if mt != websocket.TextMessage {
		return protocol.Command{}, errors.New("first frame must be a start command")
	}
	var cmd protocol.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return protocol.Command{}, fmt.Errorf("decode start command: %w", err)
	}
	if cmd.Name != protocol.CommandStart {
		return protocol.Command{}, fmt.Errorf("first command must be start, got %q", cmd.Name)
	}
	cmd.UserID = strings.TrimSpace(cmd.UserID)
	cmd.CourseID = strings.TrimSpace(cmd.CourseID)
	if cmd.UserID == "" || cmd.CourseID == "" {
		return protocol.Command{}, errors.New("start requires user_id and course_id")
	}
	return cmd, nil
}

func startErrorCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, teaching.ErrStoreUnavailable):
		return protocol.ErrorCodeStoreUnavailable
	case errors.Is(err, course.ErrCourseNotFound), errors.Is(err, course.ErrTopicNotFound):
		return protocol.ErrorCodeNoContent
	default:
		return protocol.ErrorCodeBadCommand
	}
}

// serve pumps client frames into the session until either side goes away.
func (h *Handler) serve(conn *websocket.Conn, c *client, d *teaching.Dispatcher) {
	logger := h.logger.With(slog.String("session_id", d.ID()))
	pongWait := 3 * h.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-d.Done():
				c.close(websocket.CloseNormalClosure, "session ended")
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	seq := 0
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("client connection lost", slogError(err))
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		switch mt {
		case websocket.TextMessage:
			var cmd protocol.Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				_ = c.Send(errorEvent(d.ID(), protocol.ErrorCodeBadCommand, "malformed command"))
				continue
			}
			if !d.Command(cmd) {
				logger.Debug("command after session end", slog.String("command", string(cmd.Name)))
			}
		case websocket.BinaryMessage:
			if h.frames == nil {
				continue
			}
			frame := protocol.AudioFrame{
				SessionID:  d.ID(),
				Sequence:   seq,
				SampleRate: h.opts.SampleRate,
				Channels:   h.opts.Channels,
				PCM:        data,
				Final:      len(data) == 0,
			}
			seq++
			if frame.Final {
				seq = 0
			}
			if err := h.frames(frame); err != nil {
				logger.Warn("forward audio frame failed", slogError(err))
			}
		}
	}

	d.End("disconnected")
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.EndTimeout)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		logger.Warn("session did not end in time", slogError(err))
	}
}

// errorEvent reports a failure that closes the connection when sessionID is
// empty.
func errorEvent(sessionID string, code protocol.ErrorCode, msg string) protocol.Event {
	return protocol.Event{
		Type:      protocol.EventError,
		SessionID: sessionID,
		Text:      msg,
		Data: map[string]any{
			"code":      string(code),
			"retryable": code == protocol.ErrorCodeStoreUnavailable,
			"fatal":     sessionID == "",
		},
		Timestamp: time.Now(),
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
