package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte(strings.Repeat("s3cr3t-", 6))

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := SealSecret(testSecret, "hunter2")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(testSecret))

	got, err := OpenSecret(sealed, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testSecret, got)

	_, err = OpenSecret(sealed, "wrong")
	assert.ErrorContains(t, err, "decryption failed")
}

func TestSealRejects(t *testing.T) {
	_, err := SealSecret(testSecret, "")
	assert.Error(t, err)
	_, err = SealSecret([]byte("short"), "pw")
	assert.Error(t, err)
	_, err = OpenSecret([]byte(`{"version":9}`), "pw")
	assert.ErrorContains(t, err, "unsupported version")
}

func TestLoadSecret(t *testing.T) {
	raw, err := LoadSecret(SecretConfig{Raw: string(testSecret)})
	require.NoError(t, err)
	assert.Equal(t, testSecret, raw)

	_, err = LoadSecret(SecretConfig{Raw: "too-short"})
	assert.Error(t, err)

	sealed, err := SealSecret(testSecret, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "jwt.json")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	fromFile, err := LoadSecret(SecretConfig{SealedPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testSecret, fromFile)

	_, err = LoadSecret(SecretConfig{})
	assert.Error(t, err)
}
