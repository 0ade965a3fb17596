package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/alanyoungcy/veilbook/internal/domain"
)

// Registry resolves configured markets and checks their deployment by
// looking for contract code at the market address. A market stays "not
// ready" until code appears; once seen, readiness is cached.
type Registry struct {
	backend Backend
	markets map[string]domain.Market

	mu    sync.RWMutex
	ready map[string]bool
}

// NewRegistry indexes markets by upper-cased pair.
func NewRegistry(backend Backend, markets []domain.Market) *Registry {
	r := &Registry{
		backend: backend,
		markets: make(map[string]domain.Market, len(markets)),
		ready:   make(map[string]bool),
	}
	for _, m := range markets {
		r.markets[strings.ToUpper(m.Pair)] = m
	}
	return r
}

func (r *Registry) Market(_ context.Context, pair string) (domain.Market, error) {
	m, ok := r.markets[strings.ToUpper(pair)]
	if !ok {
		return domain.Market{}, fmt.Errorf("ledger: %w: %s", domain.ErrUnknownMarket, pair)
	}
	return m, nil
}

// Markets returns every configured market ordered by pair.
func (r *Registry) Markets() []domain.Market {
	out := make([]domain.Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}

func (r *Registry) MarketReady(ctx context.Context, address string) (bool, error) {
	if address == "" {
		return false, nil
	}
	addr, err := parseAddress("market", address)
	if err != nil {
		return false, err
	}
	key := addr.Hex()

	r.mu.RLock()
	ready := r.ready[key]
	r.mu.RUnlock()
	if ready {
		return true, nil
	}

	code, err := r.backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("ledger: code at %s: %w", key, err)
	}
	if len(code) == 0 {
		return false, nil
	}
	r.mu.Lock()
	r.ready[key] = true
	r.mu.Unlock()
	return true, nil
}
