// Package session keeps the signed-in session of the terminal client on
// disk, encrypted with a key derived from the machine id.
package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const fileName = "session.json"

// Session is what the client needs to resume without asking for the
// password again. The password itself is never stored.
type Session struct {
	ServerURL string `json:"server_url"`
	Email     string `json:"email"`
	Token     string `json:"token"`
}

func GetConfigDir(profileName string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	if profileName == "" {
		profileName = "default"
	}
	return filepath.Join(home, ".config", "cldzshop", profileName)
}

func getEncryptionKey() []byte {
	paths := []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}
	var id string
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err == nil {
			id = strings.TrimSpace(string(data))
			break
		}
	}

	if id == "" {
		hostname, _ := os.Hostname()
		id = hostname
	}

	hash := sha256.Sum256([]byte("cldzshop:" + id))
	return hash[:]
}

func newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(getEncryptionKey())
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func encrypt(data []byte) (string, error) {
	gcm, err := newGCM()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, data, nil)), nil
}

func decrypt(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM()
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Load returns the saved session of a profile, or nil when there is
// none or it cannot be read on this machine.
func Load(profileName string) *Session {
	configDir := GetConfigDir(profileName)
	if configDir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(configDir, fileName))
	if err != nil {
		return nil
	}
	decrypted, err := decrypt(string(data))
	if err != nil {
		return nil
	}
	var s Session
	if err := json.Unmarshal(decrypted, &s); err != nil || s.Token == "" {
		return nil
	}
	return &s
}

func Save(profileName string, s Session) error {
	configDir := GetConfigDir(profileName)
	if configDir == "" {
		return errors.New("could not get config directory")
	}
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return errors.Wrap(err, "session.Save")
	}

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	encrypted, err := encrypt(data)
	if err != nil {
		return errors.Wrap(err, "session.Save.encrypt")
	}
	return os.WriteFile(filepath.Join(configDir, fileName), []byte(encrypted), 0o600)
}

func Clear(profileName string) {
	if configDir := GetConfigDir(profileName); configDir != "" {
		os.Remove(filepath.Join(configDir, fileName))
	}
}
