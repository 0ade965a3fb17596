// Package crypto holds the wallet key file, the transaction signer, HMAC
// request authentication for the prover service, and the value sealer that
// acts as the Encryption Provider.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	keyFileSaltLen   = 16
	keyFileVersion   = 2
)

// keyFile is the on-disk format of a password-protected wallet key.
type keyFile struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeySource says where the wallet key comes from. RawKey wins over KeyFile.
type KeySource struct {
	RawKey   string // hex, optional 0x prefix
	KeyFile  string
	Password string
}

// SealKey encrypts a hex private key with password using PBKDF2-SHA256 and
// XChaCha20-Poly1305 and returns the JSON key file contents.
func SealKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	raw, err := decodeKeyHex(privateKeyHex)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, keyFileSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(deriveFileKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("crypto: aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	return json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		KDF:        "pbkdf2-sha256",
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, raw, nil)),
	}, "", "  ")
}

// OpenKey decrypts a key file produced by SealKey and returns the hex key
// without prefix.
func OpenKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("crypto: parse key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return "", fmt.Errorf("crypto: unsupported key file version %d", kf.Version)
	}

	fields := make([][]byte, 3)
	for i, s := range []string{kf.Salt, kf.Nonce, kf.Ciphertext} {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", fmt.Errorf("crypto: decode key file field %d: %w", i, err)
		}
		fields[i] = b
	}
	aead, err := chacha20poly1305.NewX(deriveFileKey(password, fields[0]))
	if err != nil {
		return "", fmt.Errorf("crypto: aead: %w", err)
	}
	if len(fields[1]) != aead.NonceSize() {
		return "", fmt.Errorf("crypto: bad nonce length %d", len(fields[1]))
	}
	plain, err := aead.Open(nil, fields[1], fields[2], nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt key file (wrong password?): %w", err)
	}
	return hex.EncodeToString(plain), nil
}

// ResolveKey returns the hex wallet key described by src.
func ResolveKey(src KeySource) (string, error) {
	if src.RawKey != "" {
		raw, err := decodeKeyHex(src.RawKey)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(raw), nil
	}
	if src.KeyFile != "" {
		data, err := os.ReadFile(src.KeyFile)
		if err != nil {
			return "", fmt.Errorf("crypto: read key file: %w", err)
		}
		return OpenKey(data, src.Password)
	}
	return "", errors.New("crypto: no wallet key configured")
}

func deriveFileKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, chacha20poly1305.KeySize, sha256.New)
}

func decodeKeyHex(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: private key is not hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("crypto: expected 32-byte key, got %d", len(raw))
	}
	return raw, nil
}
