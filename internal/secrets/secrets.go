// Package secrets handles the at-rest encryption of source credentials.
//
// Secret keys in the configuration file are NaCl secretbox ciphertexts,
// base64-encoded with the 24-byte nonce prepended. The 32-byte process key
// comes from the environment or a key file; it never appears in the
// configuration itself.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the required process key length in bytes.
const KeySize = 32

const nonceSize = 24

// ErrDecryptFailed is returned when a ciphertext does not open under the
// process key. A reader whose secret fails to decrypt refuses to start.
var ErrDecryptFailed = errors.New("secrets: decryption failed")

// Key is the process-wide secretbox key.
type Key [KeySize]byte

// LoadKey reads the process key, preferring the BUCKETSTREAM_KEY environment
// variable (base64) and falling back to the file named by
// BUCKETSTREAM_KEY_FILE.
func LoadKey() (Key, error) {
	if b64 := os.Getenv("BUCKETSTREAM_KEY"); b64 != "" {
		return ParseKey(b64)
	}
	if path := os.Getenv("BUCKETSTREAM_KEY_FILE"); path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // G304: operator-provided key path
		if err != nil {
			return Key{}, fmt.Errorf("secrets: read key file: %w", err)
		}
		return ParseKey(strings.TrimSpace(string(data)))
	}
	return Key{}, errors.New("secrets: no key configured (set BUCKETSTREAM_KEY or BUCKETSTREAM_KEY_FILE)")
}

// ParseKey decodes a base64 process key.
func ParseKey(b64 string) (Key, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Key{}, fmt.Errorf("secrets: decode key: %w", err)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("secrets: key must be %d bytes, got %d", KeySize, len(raw))
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}

// Encrypt seals plaintext under the key and returns the base64 form used in
// configuration files. Used by operators to prepare configs.
func Encrypt(plaintext string, key Key) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, (*[KeySize]byte)(&key))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64 ciphertext produced by Encrypt.
func Decrypt(ciphertext string, key Key) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("secrets: decode ciphertext: %w", err)
	}
	if len(raw) < nonceSize {
		return "", fmt.Errorf("secrets: ciphertext too short: %w", ErrDecryptFailed)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, (*[KeySize]byte)(&key))
	if !ok {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}
