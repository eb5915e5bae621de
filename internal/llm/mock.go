package llm

import (
	"context"
	"strings"
	"time"
)

const mockLatency = 20 * time.Millisecond

type mockGenerator struct{}

// NewMockGenerator returns a generator that answers with the last prompt line.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mockLatency):
	}
	lines := strings.Split(strings.TrimSpace(req.Prompt), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	last = strings.TrimPrefix(last, "[USER]")
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   "Here is a short answer about " + strings.TrimSpace(last),
		Latency:   mockLatency,
	})
}
