package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfo = "chatcore message content"
	// sealedPrefix marks content sealed by Encryptor. Anything else is tried
	// against the legacy Fernet keys.
	sealedPrefix = "g1."
)

var ErrUndecryptable = errors.New("failed to decrypt message payload")

// ContentCodec protects message content at rest.
type ContentCodec interface {
	Encrypt(plain string) (string, error)
	Decrypt(enc string) (string, error)
}

// Plaintext stores content as is. It is used when no encryption key is configured.
type Plaintext struct{}

func (Plaintext) Encrypt(plain string) (string, error) { return plain, nil }
func (Plaintext) Decrypt(enc string) (string, error)   { return enc, nil }

// Encryptor seals message content with AES-256-GCM under a key derived from
// the configured secret through HKDF-SHA256. Rows written by an older
// Fernet-based deployment stay readable through the legacy keys.
type Encryptor struct {
	aead   cipher.AEAD
	legacy []*fernet.Key
}

func NewEncryptor(secret []byte, legacyKeys []string) (*Encryptor, error) {
	if len(secret) == 0 {
		return nil, errors.New("encryption key must not be empty")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive content key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	e := &Encryptor{aead: aead}
	for _, raw := range append([]string{string(secret)}, legacyKeys...) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if k, err := fernet.DecodeKey(raw); err == nil {
			e.legacy = append(e.legacy, k)
		}
	}
	return e, nil
}

func (e *Encryptor) Encrypt(plain string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plain)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plain), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) Decrypt(enc string) (string, error) {
	if body, ok := strings.CutPrefix(enc, sealedPrefix); ok {
		raw, err := base64.RawURLEncoding.DecodeString(body)
		if err != nil || len(raw) < e.aead.NonceSize() {
			return "", ErrUndecryptable
		}
		n := e.aead.NonceSize()
		plain, err := e.aead.Open(nil, raw[:n], raw[n:], nil)
		if err != nil {
			return "", ErrUndecryptable
		}
		return string(plain), nil
	}

	// ttl 0 disables the Fernet expiry check.
	if len(e.legacy) > 0 {
		if plain := fernet.VerifyAndDecrypt([]byte(enc), 0, e.legacy); plain != nil {
			return string(plain), nil
		}
	}
	return "", ErrUndecryptable
}
