package postgres

import "github.com/alanyoungcy/veilbook/internal/domain"

// Nonces are full-range uint64 values; they are stored as the int64 with the
// same bit pattern.
func nonceToDB(n uint64) int64 { return int64(n) }

func nonceFromDB(v int64) uint64 { return uint64(v) }

func fieldToDB(f domain.EncryptedField) []byte {
	if f.IsZero() {
		return nil
	}
	return f.Encode()
}

func fieldFromDB(raw []byte) (domain.EncryptedField, error) {
	return domain.DecodeEncryptedField(raw)
}
