package domain

import (
	"encoding/binary"
	"fmt"
)

// FieldVersion tags the layout of an encrypted value so readers never have to
// guess it from byte patterns.
type FieldVersion byte

const (
	FieldVersionUnknown FieldVersion = 0
	// FieldVersionHybrid carries an 8-byte little-endian plaintext prefix. Only
	// already-deployed collateral fields use it.
	FieldVersionHybrid FieldVersion = 1
	// FieldVersionPure has no recoverable plaintext.
	FieldVersionPure FieldVersion = 2
)

func (v FieldVersion) String() string {
	switch v {
	case FieldVersionHybrid:
		return "hybrid"
	case FieldVersionPure:
		return "pure"
	default:
		return "unknown"
	}
}

const hybridPrefixLen = 8

// EncryptedField is an opaque ciphertext produced by the Encryption Provider.
// The orchestrators forward it untouched.
type EncryptedField struct {
	Version FieldVersion
	Bytes   []byte
}

// IsZero reports whether the field carries no ciphertext.
func (f EncryptedField) IsZero() bool {
	return len(f.Bytes) == 0
}

// Encode returns the tagged wire form: one version byte followed by the blob.
func (f EncryptedField) Encode() []byte {
	out := make([]byte, 0, 1+len(f.Bytes))
	out = append(out, byte(f.Version))
	return append(out, f.Bytes...)
}

// DecodeEncryptedField parses the tagged wire form written by Encode. Blobs
// with an unrecognised tag are kept as FieldVersionUnknown and never expose a
// plaintext hint.
func DecodeEncryptedField(raw []byte) (EncryptedField, error) {
	if len(raw) == 0 {
		return EncryptedField{}, nil
	}
	v := FieldVersion(raw[0])
	body := append([]byte(nil), raw[1:]...)
	switch v {
	case FieldVersionHybrid:
		if len(body) < hybridPrefixLen {
			return EncryptedField{}, fmt.Errorf("domain: hybrid field too short (%d bytes)", len(body))
		}
		return EncryptedField{Version: v, Bytes: body}, nil
	case FieldVersionPure:
		return EncryptedField{Version: v, Bytes: body}, nil
	default:
		return EncryptedField{Version: FieldVersionUnknown, Bytes: append([]byte(nil), raw...)}, nil
	}
}

// PlaintextHint returns the display value of a hybrid field. It returns false
// for every other layout.
func (f EncryptedField) PlaintextHint() (uint64, bool) {
	if f.Version != FieldVersionHybrid || len(f.Bytes) < hybridPrefixLen {
		return 0, false
	}
	return binary.LittleEndian.Uint64(f.Bytes[:hybridPrefixLen]), true
}
