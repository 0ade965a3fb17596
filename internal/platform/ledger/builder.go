package ledger

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Builder encodes custody program calls. It implements domain.TxBuilder.
type Builder struct {
	program common.Address
	nonce   func() (uint64, error)
}

// NewBuilder creates a Builder for the custody program at programAddress.
func NewBuilder(programAddress string) (*Builder, error) {
	if !common.IsHexAddress(programAddress) {
		return nil, fmt.Errorf("ledger: invalid program address %q", programAddress)
	}
	return &Builder{program: common.HexToAddress(programAddress), nonce: randomNonce}, nil
}

// BuildPlainOrder encodes placeOrder under a fresh record nonce.
func (b *Builder) BuildPlainOrder(_ context.Context, p domain.PlainOrderParams) (domain.BuiltOrderTx, error) {
	market, err := parseAddress("market", p.Market.Address)
	if err != nil {
		return domain.BuiltOrderTx{}, err
	}
	nonce, err := b.nonce()
	if err != nil {
		return domain.BuiltOrderTx{}, fmt.Errorf("ledger: order nonce: %w", err)
	}
	data, err := programABI.Pack("placeOrder",
		market, orderSideCode(p.Side),
		p.EncryptedQuantity.Encode(), p.EncryptedPrice.Encode(),
		p.EphemeralKey, p.Proof.Proof, p.Proof.AuxiliaryRoot, nonce,
	)
	if err != nil {
		return domain.BuiltOrderTx{}, fmt.Errorf("ledger: pack placeOrder: %w", err)
	}
	return domain.BuiltOrderTx{Tx: b.tx(domain.TxKindPlainOrder, p.Owner, data), Nonce: nonce}, nil
}

// BuildWrapAndOrder encodes wrapAndPlaceOrder, which moves WrapAmount into
// custody before the order is placed.
func (b *Builder) BuildWrapAndOrder(_ context.Context, p domain.WrapAndOrderParams) (domain.BuiltOrderTx, error) {
	market, err := parseAddress("market", p.Market.Address)
	if err != nil {
		return domain.BuiltOrderTx{}, err
	}
	mint, err := parseAddress("mint", p.WrapMint)
	if err != nil {
		return domain.BuiltOrderTx{}, err
	}
	nonce, err := b.nonce()
	if err != nil {
		return domain.BuiltOrderTx{}, fmt.Errorf("ledger: order nonce: %w", err)
	}
	data, err := programABI.Pack("wrapAndPlaceOrder",
		mint, new(big.Int).SetUint64(p.WrapAmount),
		market, orderSideCode(p.Side),
		p.EncryptedQuantity.Encode(), p.EncryptedPrice.Encode(),
		p.EphemeralKey, p.Proof.Proof, p.Proof.AuxiliaryRoot, nonce,
	)
	if err != nil {
		return domain.BuiltOrderTx{}, fmt.Errorf("ledger: pack wrapAndPlaceOrder: %w", err)
	}
	return domain.BuiltOrderTx{Tx: b.tx(domain.TxKindWrapAndOrder, p.Owner, data), Nonce: nonce}, nil
}

// BuildOpenPosition encodes openPosition against the market's perp account,
// falling back to the spot account when none is configured.
func (b *Builder) BuildOpenPosition(_ context.Context, p domain.OpenPositionParams) (domain.Transaction, error) {
	addr := p.Market.PerpAddress
	if addr == "" {
		addr = p.Market.Address
	}
	market, err := parseAddress("market", addr)
	if err != nil {
		return domain.Transaction{}, err
	}
	if p.Leverage < 1 || p.Leverage > 0xFFFF {
		return domain.Transaction{}, fmt.Errorf("ledger: leverage %d out of range", p.Leverage)
	}
	data, err := programABI.Pack("openPosition",
		market, positionSideCode(p.Side), uint16(p.Leverage), p.Nonce,
		p.EncryptedSize.Encode(), p.EncryptedEntryPrice.Encode(), p.EncryptedCollateral.Encode(),
		p.EphemeralKey,
	)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("ledger: pack openPosition: %w", err)
	}
	return b.tx(domain.TxKindOpenPosition, p.Owner, data), nil
}

func (b *Builder) BuildVerifyEligibility(_ context.Context, p domain.VerifyEligibilityParams) (domain.Transaction, error) {
	data, err := programABI.Pack("verifyEligibility", p.Proof.Proof, p.Proof.AuxiliaryRoot)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("ledger: pack verifyEligibility: %w", err)
	}
	return b.tx(domain.TxKindVerifyEligibility, p.Owner, data), nil
}

func (b *Builder) BuildCancelOrder(_ context.Context, p domain.CancelOrderParams) (domain.Transaction, error) {
	market, err := parseAddress("market", p.Market.Address)
	if err != nil {
		return domain.Transaction{}, err
	}
	data, err := programABI.Pack("cancelOrder", market, p.Nonce)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("ledger: pack cancelOrder: %w", err)
	}
	return b.tx(domain.TxKindCancelOrder, p.Owner, data), nil
}

func (b *Builder) tx(kind domain.TxKind, owner string, data []byte) domain.Transaction {
	return domain.Transaction{Kind: kind, From: owner, To: b.program.Hex(), Data: data}
}

func parseAddress(what, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("ledger: invalid %s address %q", what, s)
	}
	return common.HexToAddress(s), nil
}

func randomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
