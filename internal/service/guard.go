package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
)

// Guard admits one submission per key at a time. A second caller is refused
// with ErrSubmissionInFlight rather than queued.
type Guard interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LocalGuard is an in-process Guard.
type LocalGuard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{inflight: make(map[string]struct{})}
}

func (g *LocalGuard) Acquire(_ context.Context, key string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[key]; busy {
		return nil, fmt.Errorf("service: %s: %w", key, domain.ErrSubmissionInFlight)
	}
	g.inflight[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inflight, key)
			g.mu.Unlock()
		})
	}, nil
}

// LockGuard is a Guard over a shared LockManager, so replicas behind one
// load balancer refuse concurrent submissions for the same owner.
type LockGuard struct {
	locks domain.LockManager
	ttl   time.Duration
}

// NewLockGuard creates a LockGuard. ttl bounds how long a crashed holder can
// block its owner and should exceed the slowest expected submission.
func NewLockGuard(locks domain.LockManager, ttl time.Duration) *LockGuard {
	return &LockGuard{locks: locks, ttl: ttl}
}

func (g *LockGuard) Acquire(ctx context.Context, key string) (func(), error) {
	unlock, err := g.locks.Acquire(ctx, "inflight:"+key, g.ttl)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("service: %s: %w", key, domain.ErrSubmissionInFlight)
		}
		return nil, fmt.Errorf("service: acquire %s: %w", key, err)
	}
	return unlock, nil
}
