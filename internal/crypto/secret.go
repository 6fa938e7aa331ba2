package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// SealedPrefix marks a configuration value that must be opened before use
const SealedPrefix = "enc:"

// gcmNonceSize is the IV length used by the sealing side (16 bytes, not the
// 12 byte GCM default)
const gcmNonceSize = 16

// IsSealed reports whether a configuration value carries SealedPrefix
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Open decrypts a sealed value of the form enc:iv:tag:ciphertext, every part
// hex encoded, with AES-256-GCM under a 64 hex character key.
func Open(sealed, keyHex string) (string, error) {
	parts := strings.Split(strings.TrimPrefix(sealed, SealedPrefix), ":")
	if len(parts) != 3 {
		return "", errors.New("sealed value must be iv:tag:ciphertext")
	}

	var raw [3][]byte
	for i, name := range []string{"iv", "tag", "ciphertext"} {
		b, err := hex.DecodeString(parts[i])
		if err != nil {
			return "", errors.Wrapf(err, "decode %s", name)
		}
		raw[i] = b
	}
	iv, tag, ciphertext := raw[0], raw[1], raw[2]

	gcm, err := newGCM(keyHex)
	if err != nil {
		return "", err
	}

	// GCM expects the tag appended to the ciphertext
	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", errors.Wrap(err, "decrypt sealed value")
	}
	return string(plaintext), nil
}

// Seal is the inverse of Open
func Seal(plaintext, keyHex string) (string, error) {
	gcm, err := newGCM(keyHex)
	if err != nil {
		return "", err
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", errors.Wrap(err, "generate iv")
	}

	out := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext, tag := out[:len(out)-gcm.Overhead()], out[len(out)-gcm.Overhead():]

	return SealedPrefix + strings.Join([]string{
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

func newGCM(keyHex string) (cipher.AEAD, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, errors.Wrap(err, "decode encryption key")
	}
	if len(key) != 32 {
		return nil, errors.Errorf("encryption key must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create AES cipher")
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, errors.Wrap(err, "create GCM")
	}
	return gcm, nil
}

// LoadKey returns the key from a secret file when it is readable, otherwise
// the fallback value (usually ENCRYPTION_KEY).
func LoadKey(secretPath, fallback string) (string, error) {
	if secretPath != "" {
		if data, err := os.ReadFile(secretPath); err == nil {
			return strings.TrimSpace(string(data)), nil
		}
	}

	if fallback != "" {
		return fallback, nil
	}

	return "", errors.Errorf("encryption key not found: check %s or ENCRYPTION_KEY", secretPath)
}
