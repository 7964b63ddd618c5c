package credentials

import (
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) string {
	t.Helper()
	var k fernet.Key
	require.NoError(t, k.Generate())
	return k.Encode()
}

func TestFernetVault(t *testing.T) {
	primary := newKey(t)
	vault, err := NewFernetVault(primary)
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		sealed, err := vault.Encrypt("hunter2")
		require.NoError(t, err)
		assert.NotEqual(t, "hunter2", sealed)

		plain, err := vault.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, "hunter2", plain)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewFernetVault(newKey(t))
		require.NoError(t, err)
		sealed, err := other.Encrypt("secret")
		require.NoError(t, err)

		_, err = vault.Decrypt(sealed)
		assert.ErrorIs(t, err, ErrDecryption)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := vault.Decrypt("not-a-token")
		assert.ErrorIs(t, err, ErrDecryption)

		_, err = vault.Decrypt("")
		assert.ErrorIs(t, err, ErrDecryption)
	})

	t.Run("rotated key still decrypts", func(t *testing.T) {
		sealed, err := vault.Encrypt("old secret")
		require.NoError(t, err)

		rotated, err := NewFernetVault(newKey(t), primary)
		require.NoError(t, err)
		plain, err := rotated.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, "old secret", plain)
	})
}

func TestNewFernetVault_InvalidKey(t *testing.T) {
	_, err := NewFernetVault()
	assert.Error(t, err)

	_, err = NewFernetVault("too-short")
	assert.Error(t, err)
}

func TestTOTPGenerator_Code(t *testing.T) {
	// RFC 6238 SHA1 test secret "12345678901234567890"
	const secret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
	gen := NewTOTPGenerator()

	tests := []struct {
		at   int64
		code string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1234567890, "005924"},
	}
	for _, tt := range tests {
		code, err := gen.Code(secret, time.Unix(tt.at, 0))
		require.NoError(t, err)
		assert.Equal(t, tt.code, code)
	}

	spaced, err := gen.Code("gezd gnbv gy3t qojq gezd gnbv gy3t qojq", time.Unix(59, 0))
	require.NoError(t, err)
	assert.Equal(t, "287082", spaced)

	_, err = gen.Code("", time.Now())
	assert.Error(t, err)
}

func TestTOTPGenerator_SecondsRemaining(t *testing.T) {
	gen := NewTOTPGenerator()
	assert.Equal(t, 30, gen.SecondsRemaining(time.Unix(60, 0)))
	assert.Equal(t, 1, gen.SecondsRemaining(time.Unix(89, 0)))
}
