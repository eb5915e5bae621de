package stt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-tutor/internal/bus"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/nats-io/nats.go"
)

const feedBuffer = 64

// BusFeed is a Feed backed by the session's speech-event subject.
type BusFeed struct {
	client    *bus.Client
	sessionID string
	logger    *slog.Logger

	events chan Event
	msgs   chan *nats.Msg
	sub    *nats.Subscription
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

func NewBusFeed(client *bus.Client, sessionID string, logger *slog.Logger) *BusFeed {
	return &BusFeed{
		client:    client,
		sessionID: sessionID,
		logger:    logger.With(slog.String("component", "stt_feed"), slog.String("session_id", sessionID)),
		events:    make(chan Event, feedBuffer),
		msgs:      make(chan *nats.Msg, feedBuffer),
		done:      make(chan struct{}),
	}
}

func (f *BusFeed) Start(ctx context.Context) bool {
	if !f.client.Healthy() {
		f.logger.Warn("bus unavailable; speech input disabled")
		return false
	}
	sub, err := f.client.Conn().ChanSubscribe(protocol.SpeechEventSubject(f.sessionID), f.msgs)
	if err != nil {
		f.logger.Warn("subscribe speech events failed", slogError(err))
		return false
	}
	f.sub = sub
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	go f.pump(runCtx)
	return true
}

func (f *BusFeed) pump(ctx context.Context) {
	defer close(f.done)
	defer close(f.events)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-f.msgs:
			var payload protocol.SpeechEvent
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				f.logger.Debug("dropping malformed speech event", slogError(err))
				continue
			}
			ev := Event{Kind: payload.Kind, Text: payload.Text, Confidence: payload.Confidence, At: payload.Timestamp}
			select {
			case f.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (f *BusFeed) Events() <-chan Event {
	return f.events
}

func (f *BusFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		if f.sub != nil {
			err = f.sub.Unsubscribe()
		}
		if f.cancel != nil {
			f.cancel()
			<-f.done
		}
	})
	return err
}
