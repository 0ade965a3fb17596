package crypto

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var sealInfo = []byte("veilbook sealed value v1")

// Sealer encrypts values for the matching cluster. Each process holds one
// ephemeral X25519 key; every value is sealed under a key derived from the
// ephemeral secret and the cluster's public key.
//
// Sealed layout: nonce(12) || ciphertext(8) || tag(16). Hybrid collateral
// fields are prefixed with the 8-byte little-endian plaintext.
type Sealer struct {
	clusterKey [32]byte
	hybrid     bool

	mu      sync.Mutex
	aead    cipher.AEAD
	ephPub  []byte
	entropy io.Reader
}

// NewSealer creates a Sealer for the cluster's X25519 public key. hybrid
// selects the legacy layout with a plaintext prefix for collateral only.
func NewSealer(clusterPublicKey []byte, hybrid bool) (*Sealer, error) {
	if len(clusterPublicKey) != curve25519.PointSize {
		return nil, fmt.Errorf("crypto/sealer: cluster key must be %d bytes, got %d", curve25519.PointSize, len(clusterPublicKey))
	}
	s := &Sealer{hybrid: hybrid, entropy: rand.Reader}
	copy(s.clusterKey[:], clusterPublicKey)
	return s, nil
}

// Initialize creates the ephemeral key. Calling it again is a no-op.
func (s *Sealer) Initialize(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aead != nil {
		return nil
	}

	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(s.entropy, priv); err != nil {
		return fmt.Errorf("crypto/sealer: ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("crypto/sealer: ephemeral public key: %w", err)
	}
	shared, err := curve25519.X25519(priv, s.clusterKey[:])
	if err != nil {
		return fmt.Errorf("crypto/sealer: key agreement: %w", err)
	}
	aead, err := chacha20poly1305.New(deriveSealKey(shared, pub))
	if err != nil {
		return fmt.Errorf("crypto/sealer: aead: %w", err)
	}
	s.aead = aead
	s.ephPub = pub
	return nil
}

// EphemeralPublicKey returns the ephemeral public key, or nil before
// Initialize.
func (s *Sealer) EphemeralPublicKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ephPub == nil {
		return nil
	}
	return append([]byte(nil), s.ephPub...)
}

// EncryptValue seals v in the pure layout. Order and position values always
// go through here.
func (s *Sealer) EncryptValue(_ context.Context, v uint64) (domain.EncryptedField, error) {
	return s.seal(v, false)
}

// EncryptCollateral seals a collateral amount. With hybrid enabled it uses the
// layout the deployed collateral fields expect.
func (s *Sealer) EncryptCollateral(_ context.Context, v uint64) (domain.EncryptedField, error) {
	return s.seal(v, s.hybrid)
}

func (s *Sealer) seal(v uint64, hybrid bool) (domain.EncryptedField, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aead == nil {
		return domain.EncryptedField{}, errors.New("crypto/sealer: not initialized")
	}

	var plain [8]byte
	binary.LittleEndian.PutUint64(plain[:], v)
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(s.entropy, nonce); err != nil {
		return domain.EncryptedField{}, fmt.Errorf("crypto/sealer: nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plain[:], s.ephPub)

	if !hybrid {
		return domain.EncryptedField{Version: domain.FieldVersionPure, Bytes: sealed}, nil
	}
	out := make([]byte, 0, len(plain)+len(sealed))
	out = append(out, plain[:]...)
	return domain.EncryptedField{Version: domain.FieldVersionHybrid, Bytes: append(out, sealed...)}, nil
}

// OpenValue reverses EncryptValue given the cluster's private key and the
// sender's ephemeral public key.
func OpenValue(clusterPrivateKey, ephemeralPublicKey []byte, f domain.EncryptedField) (uint64, error) {
	body := f.Bytes
	switch f.Version {
	case domain.FieldVersionHybrid:
		if len(body) < 8 {
			return 0, errors.New("crypto/sealer: hybrid field too short")
		}
		body = body[8:]
	case domain.FieldVersionPure:
	default:
		return 0, fmt.Errorf("crypto/sealer: unsupported field version %s", f.Version)
	}
	if len(body) < chacha20poly1305.NonceSize {
		return 0, errors.New("crypto/sealer: field too short")
	}
	shared, err := curve25519.X25519(clusterPrivateKey, ephemeralPublicKey)
	if err != nil {
		return 0, fmt.Errorf("crypto/sealer: key agreement: %w", err)
	}
	aead, err := chacha20poly1305.New(deriveSealKey(shared, ephemeralPublicKey))
	if err != nil {
		return 0, fmt.Errorf("crypto/sealer: aead: %w", err)
	}
	plain, err := aead.Open(nil, body[:chacha20poly1305.NonceSize], body[chacha20poly1305.NonceSize:], ephemeralPublicKey)
	if err != nil {
		return 0, fmt.Errorf("crypto/sealer: open: %w", err)
	}
	if len(plain) != 8 {
		return 0, fmt.Errorf("crypto/sealer: unexpected plaintext length %d", len(plain))
	}
	return binary.LittleEndian.Uint64(plain), nil
}

func deriveSealKey(shared, ephPub []byte) []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, shared, ephPub, sealInfo)
	// hkdf only fails past 255*HashLen bytes
	_, _ = io.ReadFull(r, key)
	return key
}
