package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	sealed, err := Seal([]byte("s3cr3t-api-secret"), "hunter2")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "s3cr3t")

	plain, err := Open(sealed, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-api-secret", string(plain))

	_, err = Open(sealed, "wrong")
	assert.Error(t, err)
}

func TestSealRejectsEmptyInput(t *testing.T) {
	_, err := Seal([]byte("x"), "")
	assert.Error(t, err)
	_, err = Seal(nil, "pw")
	assert.Error(t, err)
}

func TestLoadMasterKey(t *testing.T) {
	key, err := LoadMasterKey(KeyConfig{MasterKey: "inline", MasterKeyFile: "/nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, "inline", key)

	path := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, os.WriteFile(path, []byte("  from-file \nignored\n"), 0o600))
	key, err = LoadMasterKey(KeyConfig{MasterKeyFile: path})
	require.NoError(t, err)
	assert.Equal(t, "from-file", key)

	_, err = LoadMasterKey(KeyConfig{})
	assert.Error(t, err)
}

func TestHMACHeaders(t *testing.T) {
	auth := &HMACAuth{Key: "key-1", Secret: "secret", Passphrase: "pass"}
	h := auth.HeadersAt("POST", "/v1/orders/cancel", `{"order_id":"1"}`, 1700000000)

	assert.Equal(t, "key-1", h[HeaderAPIKey])
	assert.Equal(t, "1700000000", h[HeaderTimestamp])
	assert.Equal(t, "pass", h[HeaderPassphrase])
	assert.True(t, auth.Verify("POST", "/v1/orders/cancel", `{"order_id":"1"}`, "1700000000", h[HeaderSignature]))
	assert.False(t, auth.Verify("POST", "/v1/orders/cancel", `{"order_id":"2"}`, "1700000000", h[HeaderSignature]))
	assert.Equal(t, "HMACAuth{key=key-****, secret=secr****}", auth.String())
}
