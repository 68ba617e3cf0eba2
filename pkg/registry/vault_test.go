package registry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESVaultRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	v, err := NewAESVault(key)
	require.NoError(t, err)

	ref, err := v.Encrypt("p4ssw0rd")
	require.NoError(t, err)
	require.NotEqual(t, "p4ssw0rd", ref)

	plain, err := v.Decrypt(ref)
	require.NoError(t, err)
	assert.Equal(t, "p4ssw0rd", plain)
}

func TestAESVaultRejectsBadKeyLength(t *testing.T) {
	_, err := NewAESVault([]byte("short"))
	require.Error(t, err)
}

func TestAESVaultRejectsTamperedCiphertext(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	v, err := NewAESVault(key)
	require.NoError(t, err)

	ref, err := v.Encrypt("secret")
	require.NoError(t, err)

	_, err = v.Decrypt("not base64!!")
	require.Error(t, err)

	tampered := []byte(ref)
	tampered[len(tampered)-2] ^= 'x'
	_, err = v.Decrypt(string(tampered))
	require.Error(t, err)
}

func TestStaticRegistry(t *testing.T) {
	r := NewStaticRegistry(&Connection{ID: "c1", Name: "main", StoreType: StoreTypeSQL})

	c, err := r.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "main", c.Name)

	_, err = r.Get(context.Background(), "c2")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}
