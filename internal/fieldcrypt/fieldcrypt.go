// Package fieldcrypt encrypts individual personally identifying fields
// before they are persisted, using AES-256-GCM.
//
// A stored blob is base64(nonce || ciphertext || tag) with a 12-byte nonce
// and a 16-byte tag. The empty string stands for an absent field and is
// passed through unchanged in both directions.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"famsave.org/internal/obs"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

// Kind names the field being processed. It appears in logs and metrics
// in place of the value.
type Kind string

const (
	KindPhoneNumber Kind = "phone_number"
	KindGeneric     Kind = "generic"
)

var (
	// ErrInvalidKey is returned when the key is not exactly KeySize bytes.
	ErrInvalidKey = errors.New("fieldcrypt: key must be 32 bytes")
	// ErrMalformed is returned when a blob cannot be decoded or is too short.
	ErrMalformed = errors.New("fieldcrypt: malformed ciphertext")
	// ErrTamperDetected is returned when the authentication tag does not
	// verify: the blob was altered, corrupted, or sealed with another key.
	ErrTamperDetected = errors.New("fieldcrypt: authentication failed")
)

// Cipher encrypts and decrypts fields with a single key. It is safe for
// concurrent use.
type Cipher struct {
	aead   cipher.AEAD
	rand   io.Reader
	logger func() *zap.Logger
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithRandom overrides the nonce source.
func WithRandom(r io.Reader) Option {
	return func(c *Cipher) {
		if r != nil {
			c.rand = r
		}
	}
}

// WithLogger overrides the logger used for failure events.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cipher) {
		if l != nil {
			c.logger = func() *zap.Logger { return l }
		}
	}
}

// New returns a Cipher for key, which must be exactly 32 bytes.
func New(key []byte, opts ...Option) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: init cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: init gcm: %w", err)
	}
	c := &Cipher{
		aead:   aead,
		rand:   rand.Reader,
		logger: obs.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ParseKey decodes a configured key. It accepts 64 hex characters, standard
// base64 of 32 bytes, or a raw 32-byte string, in that order.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidKey
	}
	if len(raw) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(raw); err == nil {
			return key, nil
		}
	}
	if len(raw) == base64.StdEncoding.EncodedLen(KeySize) {
		if key, err := base64.StdEncoding.DecodeString(raw); err == nil && len(key) == KeySize {
			return key, nil
		}
	}
	if len(raw) == KeySize {
		return []byte(raw), nil
	}
	return nil, ErrInvalidKey
}

// Encrypt seals plaintext under a fresh random nonce. An empty plaintext
// yields an empty blob.
func (c *Cipher) Encrypt(kind Kind, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		c.fail(kind, "encrypt_nonce", zap.WarnLevel)
		return "", fmt.Errorf("fieldcrypt: read nonce: %w", err)
	}
	// Seal appends ciphertext || tag after the nonce.
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. An empty blob yields an empty
// plaintext. A failed tag check returns ErrTamperDetected, never partial
// plaintext.
func (c *Cipher) Decrypt(kind Kind, blob string) (string, error) {
	if blob == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		c.fail(kind, "decode", zap.WarnLevel)
		return "", ErrMalformed
	}
	if len(raw) < NonceSize+TagSize {
		c.fail(kind, "truncated", zap.WarnLevel)
		return "", ErrMalformed
	}
	nonce, sealed := raw[:NonceSize], raw[NonceSize:]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		c.fail(kind, "tamper_detected", zap.ErrorLevel)
		return "", ErrTamperDetected
	}
	return string(plain), nil
}

func (c *Cipher) fail(kind Kind, outcome string, lvl zapcore.Level) {
	obs.FieldCryptFailures.WithLabelValues(string(kind), outcome).Inc()
	if ce := c.logger().Check(lvl, "field crypto failure"); ce != nil {
		ce.Write(zap.String("kind", string(kind)), zap.String("outcome", outcome))
	}
}
