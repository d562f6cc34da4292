package store

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltKey      = "seal_salt"
	saltSize     = 16
	sealedPrefix = "sealed:"

	// SealIterations is the PBKDF2 iteration count used to derive the key.
	SealIterations = 4096
)

// ErrSealed is returned when a sealed value cannot be opened.
var ErrSealed = errors.New("cannot open sealed value")

// Sealed wraps a Store and encrypts the values of selected keys with
// ChaCha20-Poly1305 under a passphrase-derived key. The salt lives in the
// inner store. Plain values written before sealing was enabled are returned
// as stored.
type Sealed struct {
	inner      Store
	passphrase string
	keys       map[string]bool

	once sync.Once
	aead cipher.AEAD
	err  error
}

// NewSealed returns a Store that seals the given keys. With no keys, the
// Wi-Fi PSK and the broker password are sealed.
func NewSealed(inner Store, passphrase string, keys ...string) *Sealed {
	if len(keys) == 0 {
		keys = []string{KeyWiFiPSK, KeyBrokerPassword}
	}
	s := &Sealed{
		inner:      inner,
		passphrase: passphrase,
		keys:       make(map[string]bool, len(keys)),
	}
	for _, k := range keys {
		s.keys[k] = true
	}
	return s
}

func (s *Sealed) open(ctx context.Context) (cipher.AEAD, error) {
	s.once.Do(func() {
		salt, err := s.salt(ctx)
		if err != nil {
			s.err = err
			return
		}
		key := pbkdf2.Key([]byte(s.passphrase), salt, SealIterations, chacha20poly1305.KeySize, sha256.New)
		s.aead, s.err = chacha20poly1305.New(key)
	})
	return s.aead, s.err
}

func (s *Sealed) salt(ctx context.Context) ([]byte, error) {
	v, ok, err := s.inner.Get(ctx, saltKey)
	if err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	if ok {
		salt, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("%w: salt: %w", ErrSealed, err)
		}
		return salt, nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := s.inner.Set(ctx, saltKey, hex.EncodeToString(salt)); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}

// Get implements Store.
func (s *Sealed) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok || !s.keys[key] || !strings.HasPrefix(v, sealedPrefix) {
		return v, ok, err
	}

	aead, err := s.open(ctx)
	if err != nil {
		return "", false, err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, sealedPrefix))
	if err != nil || len(raw) < aead.NonceSize() {
		return "", false, fmt.Errorf("%w: %s: malformed", ErrSealed, key)
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return "", false, fmt.Errorf("%w: %s", ErrSealed, key)
	}
	return string(plain), true, nil
}

// Set implements Store.
func (s *Sealed) Set(ctx context.Context, key, value string) error {
	if !s.keys[key] {
		return s.inner.Set(ctx, key, value)
	}

	aead, err := s.open(ctx)
	if err != nil {
		return err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(value)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(value), []byte(key))

	return s.inner.Set(ctx, key, sealedPrefix+base64.StdEncoding.EncodeToString(sealed))
}
