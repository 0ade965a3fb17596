package local

import (
	"context"
	"sync"

	"github.com/alanyoungcy/veilbook/internal/domain"
)

// Bus is an in-process domain.SignalBus used when no Redis is configured.
// Slow subscribers drop messages rather than block publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[chan []byte]struct{})}
}

func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[channel] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

// Subscribe registers a listener that is removed, and its channel closed,
// when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

var _ domain.SignalBus = (*Bus)(nil)
