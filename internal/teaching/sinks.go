package teaching

import (
	"errors"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/bus"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/loqalabs/loqa-tutor/internal/speech"
	"github.com/loqalabs/loqa-tutor/internal/tts"
)

// EventSink delivers client events. Send is called from the dispatcher and
// from output tasks, so implementations must be safe for concurrent use.
type EventSink interface {
	Send(evt protocol.Event) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(protocol.Event) error

func (f SinkFunc) Send(evt protocol.Event) error { return f(evt) }

// Fanout sends every event to each sink and joins their errors.
type Fanout []EventSink

func (f Fanout) Send(evt protocol.Event) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Send(evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BusSink mirrors session events to tutor.session.<id>.events. Audio chunks
// stay on the client connection.
type BusSink struct {
	client *bus.Client
}

func NewBusSink(client *bus.Client) *BusSink {
	return &BusSink{client: client}
}

func (b *BusSink) Send(evt protocol.Event) error {
	if b.client == nil || evt.Audio != nil {
		return nil
	}
	return b.client.PublishJSON(protocol.SessionEventSubject(evt.SessionID), evt)
}

// audioSink turns synthesized chunks into audio events.
type audioSink struct {
	events EventSink
	clock  func() time.Time
}

func newAudioSink(events EventSink, clock func() time.Time) *audioSink {
	return &audioSink{events: events, clock: clock}
}

func (a *audioSink) WriteAudio(taskID uint64, req speech.Request, chunk tts.SynthChunk) error {
	typ, mode := protocol.EventAudioChunk, protocol.ModeCourseTeaching
	if req.Purpose == speech.PurposeAnswer {
		typ, mode = protocol.EventAnswerAudioChunk, protocol.ModeQueryResolution
	}
	evt := protocol.Event{
		Type:      typ,
		SessionID: req.SessionID,
		Mode:      mode,
		Timestamp: a.clock(),
		Audio: &protocol.AudioChunk{
			TaskID:     taskID,
			Sequence:   chunk.Sequence,
			SampleRate: chunk.SampleRate,
			Channels:   chunk.Channels,
			PCM:        chunk.PCM,
			Final:      chunk.Final,
		},
	}
	if req.Segment >= 0 {
		evt.Data = map[string]any{"segment": req.Segment}
	}
	return a.events.Send(evt)
}
