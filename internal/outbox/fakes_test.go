package outbox

import (
	"context"
	"sync"

	"github.com/hongminglow/usersync/internal/apperr"
	"github.com/hongminglow/usersync/internal/bus"
)

type fakePublisher struct {
	mu        sync.Mutex
	failFirst int
	failAll   bool
	calls     int
	sent      []bus.Envelope
}

func (p *fakePublisher) Publish(_ context.Context, env bus.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failAll || p.calls <= p.failFirst {
		return apperr.ErrBrokerUnavailable
	}
	p.sent = append(p.sent, env)
	return nil
}

func (p *fakePublisher) messageIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.sent))
	for _, env := range p.sent {
		ids = append(ids, env.MessageID)
	}
	return ids
}
