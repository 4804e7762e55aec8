// Package secret encrypts database columns with NaCl secretbox.
package secret

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/nacl/secretbox"
	"gorm.io/gorm/schema"
)

const (
	keySize   = 32
	nonceSize = 24
	prefix    = "sb1:"

	// SerializerName is the gorm serializer tag value, e.g.
	// `gorm:"serializer:encrypted"`.
	SerializerName = "encrypted"
)

var (
	ErrNoKey     = errors.New("secret: encryption key not configured")
	ErrDecrypt   = errors.New("secret: cannot decrypt value")
	ErrKeyFormat = errors.New("secret: key must not be empty")
)

// Box seals and opens strings with a fixed key.
type Box struct {
	key [keySize]byte
}

// NewBox accepts a 32-byte key encoded as base64 or hex. Any other non-empty
// string is treated as a passphrase and hashed with SHA-256.
func NewBox(key string) (*Box, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrKeyFormat
	}
	b := &Box{}
	switch raw := decodeKey(key); {
	case raw != nil:
		copy(b.key[:], raw)
	default:
		b.key = sha256.Sum256([]byte(key))
	}
	return b, nil
}

func decodeKey(key string) []byte {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(key); err == nil && len(raw) == keySize {
			return raw
		}
	}
	if raw, err := hex.DecodeString(key); err == nil && len(raw) == keySize {
		return raw
	}
	return nil
}

// Encrypt returns "sb1:" followed by base64(nonce || sealed). Empty input
// stays empty.
func (b *Box) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("secret: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, &b.key)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the prefix are returned unchanged
// so rows written before encryption was enabled stay readable.
func (b *Box) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, prefix) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

var (
	current      atomic.Pointer[Box]
	registerOnce sync.Once
)

// Register installs box as the key used by the "encrypted" gorm serializer.
// It must run before the first query touching an encrypted column.
func Register(box *Box) {
	current.Store(box)
	registerOnce.Do(func() {
		schema.RegisterSerializer(SerializerName, Serializer{})
	})
}

// Serializer is a gorm serializer for string fields.
type Serializer struct{}

// Scan implements schema.SerializerInterface.
func (Serializer) Scan(ctx context.Context, field *schema.Field, dst reflect.Value, dbValue interface{}) error {
	box := current.Load()
	if box == nil {
		return ErrNoKey
	}
	var stored string
	switch v := dbValue.(type) {
	case nil:
	case []byte:
		stored = string(v)
	case string:
		stored = v
	default:
		return fmt.Errorf("secret: unsupported column value %T", dbValue)
	}
	plain, err := box.Decrypt(stored)
	if err != nil {
		return fmt.Errorf("%s: %w", field.Name, err)
	}
	field.ReflectValueOf(ctx, dst).SetString(plain)
	return nil
}

// Value implements schema.SerializerValuerInterface.
func (Serializer) Value(_ context.Context, field *schema.Field, _ reflect.Value, fieldValue interface{}) (interface{}, error) {
	box := current.Load()
	if box == nil {
		return nil, ErrNoKey
	}
	plain, ok := fieldValue.(string)
	if !ok {
		return nil, fmt.Errorf("secret: %s is %T, want string", field.Name, fieldValue)
	}
	return box.Encrypt(plain)
}
