package service

import (
	"context"
	"crypto/rand"
	"testing"

	sealing "github.com/alanyoungcy/veilbook/internal/crypto"
	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func hybridSealer(t *testing.T) *sealing.Sealer {
	t.Helper()
	priv := make([]byte, curve25519.ScalarSize)
	_, err := rand.Read(priv)
	require.NoError(t, err)
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	require.NoError(t, err)
	s, err := sealing.NewSealer(pub, true)
	require.NoError(t, err)
	return s
}

func TestSubmit_HybridDeploymentKeepsOrderFieldsPure(t *testing.T) {
	h := newOrderHarness()
	svc := NewOrderService(
		OrderConfig{AutoWrap: true},
		h.markets, h.balances, h.prover, hybridSealer(t), h.builder, h.ledger,
		h.cache, h.tracker, testLogger(),
	)

	res, err := svc.Submit(context.Background(), h.limitBuy("2", "100"))
	require.NoError(t, err)

	for name, f := range map[string]domain.EncryptedField{
		"quantity": res.Order.EncryptedQuantity,
		"price":    res.Order.EncryptedPrice,
	} {
		assert.Equal(t, domain.FieldVersionPure, f.Version, name)
		_, ok := f.PlaintextHint()
		assert.False(t, ok, name)
	}
}

func TestOpen_HybridDeploymentOnlyAffectsCollateral(t *testing.T) {
	h := newPositionHarness()
	h.markVerified(t)
	h.svc.encryptor = hybridSealer(t)

	res, err := h.svc.Open(context.Background(), h.request(domain.PositionSideLong, 10))
	require.NoError(t, err)

	pos := res.Position
	assert.Equal(t, domain.FieldVersionPure, pos.EncryptedSize.Version)
	assert.Equal(t, domain.FieldVersionPure, pos.EncryptedEntryPrice.Version)
	assert.Equal(t, domain.FieldVersionHybrid, pos.EncryptedCollateral.Version)

	hint, ok := pos.EncryptedCollateral.PlaintextHint()
	require.True(t, ok)
	assert.Equal(t, uint64(10_000000), hint)
}
