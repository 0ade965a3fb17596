package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var eligibilityRequestPrefix = ethcrypto.Keccak256([]byte("veilbook.EligibilityRequest(address owner,uint256 timestamp)"))

// Signer holds the wallet key and signs ledger transactions and prover
// requests.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	txSigner   types.Signer
	maxFee     *big.Int // upper bound on gas * gasFeeCap; nil disables
}

// NewSigner creates a Signer for chainID. maxFee, when non-nil, makes the
// signer decline transactions whose worst-case fee exceeds it.
func NewSigner(privateKeyHex string, chainID int64, maxFee *big.Int) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	id := big.NewInt(chainID)
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    id,
		txSigner:   types.LatestSignerForChainID(id),
		maxFee:     maxFee,
	}, nil
}

// Address returns the wallet address.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the chain the signer signs for.
func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// SignTx signs tx. A transaction over the fee ceiling is declined with
// domain.ErrUserRejected, the same way a wallet prompt would be.
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	if s.maxFee != nil {
		fee := new(big.Int).Mul(tx.GasFeeCap(), new(big.Int).SetUint64(tx.Gas()))
		if fee.Cmp(s.maxFee) > 0 {
			return nil, fmt.Errorf("crypto/signer: declined, max fee %s exceeds ceiling %s: %w", fee, s.maxFee, domain.ErrUserRejected)
		}
	}
	signed, err := types.SignTx(tx, s.txSigner, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: sign tx: %w", err)
	}
	return signed, nil
}

// SignEligibilityRequest signs the (owner, timestamp) pair sent to the
// prover so it can check who is asking.
func (s *Signer) SignEligibilityRequest(unixTS int64) (string, error) {
	return s.signDigest(EligibilityRequestDigest(s.address, unixTS))
}

// EligibilityRequestDigest is the digest signed by SignEligibilityRequest.
func EligibilityRequestDigest(owner common.Address, unixTS int64) []byte {
	return ethcrypto.Keccak256(concatBytes(
		eligibilityRequestPrefix,
		common.LeftPadBytes(owner.Bytes(), 32),
		bigIntTo32Bytes(big.NewInt(unixTS)),
	))
}

// RecoverSigner returns the address that produced sigHex over digest.
func RecoverSigner(digest []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: malformed signature")
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// signDigest returns the 65-byte r || s || v signature as 0x hex with v in
// {27, 28}.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
