package postgres

import (
	"testing"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/veil?sslmode=disable",
		DSN(ClientConfig{Host: "db", User: "u", Password: "p", Database: "veil"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestMigrationNames(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])
}

func TestNonceRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 1 << 63, ^uint64(0)} {
		assert.Equal(t, n, nonceFromDB(nonceToDB(n)))
	}
}

func TestFieldCodec(t *testing.T) {
	assert.Nil(t, fieldToDB(domain.EncryptedField{}))

	f := domain.EncryptedField{Version: domain.FieldVersionPure, Bytes: []byte{1, 2, 3}}
	got, err := fieldFromDB(fieldToDB(f))
	require.NoError(t, err)
	assert.Equal(t, f, got)

	empty, err := fieldFromDB(nil)
	require.NoError(t, err)
	assert.True(t, empty.IsZero())
}
