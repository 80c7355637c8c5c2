package settings

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for deriving the master key from the passphrase
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	keyLen       = 32
	cipherPrefix = "enc:v1:"
)

// keySalt is fixed so the same passphrase opens values written by earlier runs
var keySalt = []byte("labkey.settings.property-store.v1")

// ErrDecrypt is returned when a stored value cannot be opened with the configured key
var ErrDecrypt = errors.New("settings: cannot decrypt property value")

// EncryptedStore wraps a PropertyStore and seals the values of selected
// categories with AES-256-GCM. Each category gets its own key, derived from
// the master key with HKDF. The scope and property name are bound to the
// ciphertext, so a value copied to another key fails to open.
type EncryptedStore struct {
	PropertyStore
	master     []byte
	categories map[string]bool
}

// NewEncryptedStore derives the master key from passphrase and wraps inner.
// Values of categories not listed pass through unchanged.
func NewEncryptedStore(inner PropertyStore, passphrase string, categories []string) (*EncryptedStore, error) {
	if passphrase == "" {
		return nil, errors.New("settings: encryption key is required for encrypted categories")
	}
	master, err := scrypt.Key([]byte(passphrase), keySalt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive settings key: %w", err)
	}
	set := make(map[string]bool, len(categories))
	for _, c := range categories {
		set[c] = true
	}
	return &EncryptedStore{PropertyStore: inner, master: master, categories: set}, nil
}

// Encrypted reports whether values of category are sealed
func (s *EncryptedStore) Encrypted(category string) bool {
	return s.categories[category]
}

// Properties opens every value of an encrypted scope
func (s *EncryptedStore) Properties(ctx context.Context, scope Scope) (map[string]string, error) {
	props, err := s.PropertyStore.Properties(ctx, scope)
	if err != nil || !s.Encrypted(scope.Category) {
		return props, err
	}
	aead, err := s.aead(scope.Category)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(props))
	for k, v := range props {
		plain, err := open(aead, scope, k, v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%s", err, scope.Category, k)
		}
		out[k] = plain
	}
	return out, nil
}

// SetProperty seals value before storing it
func (s *EncryptedStore) SetProperty(ctx context.Context, scope Scope, key, value string) error {
	if !s.Encrypted(scope.Category) {
		return s.PropertyStore.SetProperty(ctx, scope, key, value)
	}
	aead, err := s.aead(scope.Category)
	if err != nil {
		return err
	}
	sealed, err := seal(aead, scope, key, value)
	if err != nil {
		return err
	}
	return s.PropertyStore.SetProperty(ctx, scope, key, sealed)
}

// SaveProperties seals every value before replacing the map
func (s *EncryptedStore) SaveProperties(ctx context.Context, scope Scope, props map[string]string) error {
	if !s.Encrypted(scope.Category) {
		return s.PropertyStore.SaveProperties(ctx, scope, props)
	}
	aead, err := s.aead(scope.Category)
	if err != nil {
		return err
	}
	sealed := make(map[string]string, len(props))
	for k, v := range props {
		if sealed[k], err = seal(aead, scope, k, v); err != nil {
			return err
		}
	}
	return s.PropertyStore.SaveProperties(ctx, scope, sealed)
}

func (s *EncryptedStore) aead(category string) (cipher.AEAD, error) {
	key := make([]byte, keyLen)
	kdf := hkdf.New(sha256.New, s.master, nil, []byte("category:"+category))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive category key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func additionalData(scope Scope, key string) []byte {
	return []byte(strings.Join([]string{
		strconv.FormatInt(scope.UserID, 10), scope.ContainerID, scope.Category, key,
	}, "\x00"))
}

func seal(aead cipher.AEAD, scope Scope, key, value string) (string, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, []byte(value), additionalData(scope, key))
	return cipherPrefix + base64.StdEncoding.EncodeToString(out), nil
}

func open(aead cipher.AEAD, scope Scope, key, stored string) (string, error) {
	if !strings.HasPrefix(stored, cipherPrefix) {
		return "", ErrDecrypt
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, cipherPrefix))
	if err != nil || len(raw) < aead.NonceSize() {
		return "", ErrDecrypt
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, additionalData(scope, key))
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
