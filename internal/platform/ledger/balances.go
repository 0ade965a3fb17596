package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

type balanceKey struct {
	owner common.Address
	mint  common.Address
}

type balanceEntry struct {
	balances domain.Balances
	at       time.Time
}

// BalanceReader reads custodial balances from the custody program and
// wallet balances from the mint's token contract. Reads are cached for ttl;
// Refresh drops an owner's cached entries.
type BalanceReader struct {
	backend Backend
	program common.Address
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[balanceKey]balanceEntry
}

// NewBalanceReader creates a BalanceReader. A zero ttl disables caching.
func NewBalanceReader(backend Backend, programAddress string, ttl time.Duration) (*BalanceReader, error) {
	program, err := parseAddress("program", programAddress)
	if err != nil {
		return nil, err
	}
	return &BalanceReader{
		backend: backend,
		program: program,
		ttl:     ttl,
		now:     time.Now,
		cache:   make(map[balanceKey]balanceEntry),
	}, nil
}

func (r *BalanceReader) Balances(ctx context.Context, owner, mint string) (domain.Balances, error) {
	ownerAddr, err := parseAddress("owner", owner)
	if err != nil {
		return domain.Balances{}, err
	}
	mintAddr, err := parseAddress("mint", mint)
	if err != nil {
		return domain.Balances{}, err
	}
	key := balanceKey{owner: ownerAddr, mint: mintAddr}

	if r.ttl > 0 {
		r.mu.Lock()
		e, ok := r.cache[key]
		r.mu.Unlock()
		if ok && r.now().Sub(e.at) < r.ttl {
			return e.balances, nil
		}
	}

	custodial, err := r.call(ctx, r.program, programABIData("custodialBalance", ownerAddr, mintAddr))
	if err != nil {
		return domain.Balances{}, fmt.Errorf("ledger: custodial balance: %w", err)
	}
	wallet, err := r.call(ctx, mintAddr, tokenABIData("balanceOf", ownerAddr))
	if err != nil {
		return domain.Balances{}, fmt.Errorf("ledger: wallet balance: %w", err)
	}
	b := domain.Balances{Custodial: saturate(custodial), NonCustodial: saturate(wallet)}

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[key] = balanceEntry{balances: b, at: r.now()}
		r.mu.Unlock()
	}
	return b, nil
}

func (r *BalanceReader) Refresh(_ context.Context, owner string) error {
	ownerAddr, err := parseAddress("owner", owner)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.cache {
		if k.owner == ownerAddr {
			delete(r.cache, k)
		}
	}
	return nil
}

func (r *BalanceReader) call(ctx context.Context, to common.Address, data []byte) (*big.Int, error) {
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("short return data (%d bytes)", len(out))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

func programABIData(method string, args ...interface{}) []byte {
	data, err := programABI.Pack(method, args...)
	if err != nil {
		panic(fmt.Sprintf("ledger: pack %s: %v", method, err))
	}
	return data
}

func tokenABIData(method string, args ...interface{}) []byte {
	data, err := tokenABI.Pack(method, args...)
	if err != nil {
		panic(fmt.Sprintf("ledger: pack %s: %v", method, err))
	}
	return data
}

func saturate(v *big.Int) uint64 {
	if !v.IsUint64() {
		return ^uint64(0)
	}
	return v.Uint64()
}
