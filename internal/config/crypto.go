package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/manthysbr/jobpipe/internal/core/domain"
)

// Sealed credentials look like "enc:v1:<key id>:<base64 nonce|ciphertext>".
// The provider name is GCM additional data, so a key sealed for one provider
// does not open when copied into another provider's slot.
const sealPrefix = "enc:v1:"

// ErrUnknownKey means a credential was sealed by a key the keyring does not
// hold, typically a rotated-out passphrase that was not listed as retired.
var ErrUnknownKey = errors.New("credential sealed with unknown key")

type sealingKey struct {
	id   string
	aead cipher.AEAD
}

// Keyring seals provider API keys with its primary key and opens values
// sealed by the primary or any retired key. Rotating JOBPIPE_SECRET_KEY is
// done by moving the old passphrase to JOBPIPE_SECRET_KEY_PREVIOUS.
type Keyring struct {
	primary *sealingKey
	byID    map[string]*sealingKey
}

// NewKeyring derives the primary key from passphrase when set, otherwise
// loads or generates a persistent key at ~/.jobpipe/secret.key. Each retired
// passphrase stays available for opening only.
func NewKeyring(passphrase string, retired ...string) (*Keyring, error) {
	raw, err := primaryKeyMaterial(passphrase)
	if err != nil {
		return nil, err
	}
	primary, err := newSealingKey(raw)
	if err != nil {
		return nil, err
	}

	kr := &Keyring{primary: primary, byID: map[string]*sealingKey{primary.id: primary}}
	for _, p := range retired {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		k, err := newSealingKey(derive(p))
		if err != nil {
			return nil, err
		}
		if _, dup := kr.byID[k.id]; !dup {
			kr.byID[k.id] = k
		}
	}
	return kr, nil
}

// KeyID identifies the primary key inside sealed values.
func (k *Keyring) KeyID() string { return k.primary.id }

// Seal encrypts a provider's API key with the primary key.
func (k *Keyring) Seal(p domain.Provider, apiKey string) (string, error) {
	if apiKey == "" {
		return "", nil
	}
	nonce := make([]byte, k.primary.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := k.primary.aead.Seal(nonce, nonce, []byte(apiKey), additionalData(p))
	return sealPrefix + k.primary.id + ":" + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as they
// are, so an operator can seed a plaintext key and have it sealed on the next
// start.
func (k *Keyring) Open(p domain.Provider, value string) (string, error) {
	if !strings.HasPrefix(value, sealPrefix) {
		return value, nil
	}
	id, body, ok := strings.Cut(strings.TrimPrefix(value, sealPrefix), ":")
	if !ok {
		return "", fmt.Errorf("malformed sealed %s credential", p)
	}
	key, found := k.byID[id]
	if !found {
		return "", fmt.Errorf("%w %s", ErrUnknownKey, id)
	}

	data, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("decode %s credential: %w", p, err)
	}
	n := key.aead.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("sealed %s credential too short", p)
	}
	plaintext, err := key.aead.Open(nil, data[:n], data[n:], additionalData(p))
	if err != nil {
		return "", fmt.Errorf("open %s credential: %w", p, err)
	}
	return string(plaintext), nil
}

// NeedsReseal reports whether value is plaintext or sealed by a retired key.
func (k *Keyring) NeedsReseal(value string) bool {
	if value == "" {
		return false
	}
	if !strings.HasPrefix(value, sealPrefix) {
		return true
	}
	id, _, _ := strings.Cut(strings.TrimPrefix(value, sealPrefix), ":")
	return id != k.primary.id
}

func additionalData(p domain.Provider) []byte {
	return []byte("jobpipe/provider/" + string(p))
}

func newSealingKey(raw []byte) (*sealingKey, error) {
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	sum := sha256.Sum256(append([]byte("jobpipe key id\x00"), raw...))
	return &sealingKey{id: hex.EncodeToString(sum[:4]), aead: aead}, nil
}

func derive(passphrase string) []byte {
	h := sha256.Sum256([]byte(passphrase))
	return h[:]
}

func primaryKeyMaterial(passphrase string) ([]byte, error) {
	if passphrase != "" {
		return derive(passphrase), nil
	}

	keyPath := filepath.Join(homeDir(), ".jobpipe", "secret.key")
	if data, err := os.ReadFile(keyPath); err == nil && len(data) >= 32 {
		return data[:32], nil
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("write secret key: %w", err)
	}
	return key, nil
}

// MaskSecret returns a masked version safe for API display: "****abcd"
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return "/tmp"
}
