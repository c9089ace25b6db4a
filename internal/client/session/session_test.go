package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	encrypted, err := encrypt([]byte("This is a secret message"))
	require.NoError(t, err)
	assert.NotContains(t, encrypted, "secret")

	decrypted, err := decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "This is a secret message", string(decrypted))

	again, err := encrypt([]byte("This is a secret message"))
	require.NoError(t, err)
	assert.NotEqual(t, encrypted, again, "nonce is random")
}

func TestDecryptRejectsTampering(t *testing.T) {
	_, err := decrypt("not base64!")
	assert.Error(t, err)
	_, err = decrypt("AAAA")
	assert.Error(t, err)

	encrypted, err := encrypt([]byte("token"))
	require.NoError(t, err)
	flipped := []byte(encrypted)
	flipped[len(flipped)-3] ^= 1
	_, err = decrypt(string(flipped))
	assert.Error(t, err)
}

func TestSaveLoadClear(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	assert.Nil(t, Load("work"))

	s := Session{ServerURL: "wss://shop.test/ws", Email: "ada@example.com", Token: "tok"}
	require.NoError(t, Save("work", s))

	info, err := os.Stat(filepath.Join(GetConfigDir("work"), fileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got := Load("work")
	require.NotNil(t, got)
	assert.Equal(t, s, *got)
	assert.Nil(t, Load("home"), "profiles are separate")

	Clear("work")
	assert.Nil(t, Load("work"))
}

func TestLoadIgnoresPlaintext(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := GetConfigDir("")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName), []byte(`{"token":"x"}`), 0o600))
	assert.Nil(t, Load(""))
}
