// Package crypto seals exchange credentials at rest with AES-256-GCM.
//
// Sealed values look like ENC[v2]:base64(nonce|ciphertext|tag); the version
// selects the key, so old values stay readable after a rotation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

const maxVersions = 10

var (
	ErrInvalidKey       = errors.New("invalid key: must be 32 bytes")
	ErrNotSealed        = errors.New("value is not sealed")
	ErrUnknownVersion   = errors.New("key version not loaded")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrNoKeys           = errors.New("no keys loaded")
)

// Keyring holds one AEAD per key version and seals with the newest.
type Keyring struct {
	mu      sync.RWMutex
	aeads   map[int]cipher.AEAD
	current int
}

// NewKeyring builds a keyring from raw keys by version.
func NewKeyring(keys map[int][]byte) (*Keyring, error) {
	kr := &Keyring{aeads: make(map[int]cipher.AEAD, len(keys))}
	for v, key := range keys {
		if err := kr.Add(v, key); err != nil {
			return nil, err
		}
	}
	return kr, nil
}

// LoadKeyring reads base64 keys from the environment: prefix holds version 1,
// prefix_V2 … prefix_V10 the later ones. Version 1 is required.
func LoadKeyring(prefix string) (*Keyring, error) {
	kr := &Keyring{aeads: map[int]cipher.AEAD{}}
	for v := 1; v <= maxVersions; v++ {
		name := prefix
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", prefix, v)
		}
		raw := os.Getenv(name)
		if raw == "" {
			if v == 1 {
				return nil, fmt.Errorf("%s: %w", name, ErrNoKeys)
			}
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if err := kr.Add(v, key); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return kr, nil
}

// Add loads key as version v. The highest version becomes current.
func (kr *Keyring) Add(v int, key []byte) error {
	if v <= 0 {
		return fmt.Errorf("key version %d must be positive", v)
	}
	if len(key) != KeySize {
		return ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("create GCM: %w", err)
	}
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.aeads[v] = aead
	if v > kr.current {
		kr.current = v
	}
	return nil
}

// Current returns the version new values are sealed with.
func (kr *Keyring) Current() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.current
}

// Seal encrypts plaintext with the current key.
func (kr *Keyring) Seal(plaintext string) (string, error) {
	kr.mu.RLock()
	v := kr.current
	aead := kr.aeads[v]
	kr.mu.RUnlock()
	if aead == nil {
		return "", ErrNoKeys
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("ENC[v%d]:%s", v, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Open decrypts a sealed value with the key its prefix names.
func (kr *Keyring) Open(sealed string) (string, error) {
	v, payload, ok := splitSealed(sealed)
	if !ok {
		return "", ErrNotSealed
	}
	kr.mu.RLock()
	aead := kr.aeads[v]
	kr.mu.RUnlock()
	if aead == nil {
		return "", fmt.Errorf("v%d: %w", v, ErrUnknownVersion)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < aead.NonceSize()+aead.Overhead() {
		return "", ErrDecryptionFailed
	}
	plain, err := aead.Open(nil, data[:aead.NonceSize()], data[aead.NonceSize():], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Reseal re-encrypts a sealed value under the current key.
func (kr *Keyring) Reseal(sealed string) (string, error) {
	plain, err := kr.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("open for reseal: %w", err)
	}
	return kr.Seal(plain)
}

// IsSealed reports whether s carries a version prefix.
func IsSealed(s string) bool {
	_, _, ok := splitSealed(s)
	return ok
}

func splitSealed(s string) (int, string, bool) {
	rest, ok := strings.CutPrefix(s, "ENC[v")
	if !ok {
		return 0, "", false
	}
	ver, payload, ok := strings.Cut(rest, "]:")
	if !ok {
		return 0, "", false
	}
	v, err := strconv.Atoi(ver)
	if err != nil || v <= 0 {
		return 0, "", false
	}
	return v, payload, true
}

// GenerateKey returns a random base64 key for LoadKeyring.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
