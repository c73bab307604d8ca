package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var ErrSealedValueInvalid = errors.New("sealed value invalid")

const sealInfo = "session_service credential slots v1"

// Sealer seals slot values with XChaCha20-Poly1305 under a key derived from
// a configured secret.
type Sealer struct {
	key []byte
}

func NewSealer(secret string) (*Sealer, error) {
	const op = "auth.NewSealer"

	if len(secret) < 16 {
		return nil, fmt.Errorf("%s: secret must be at least 16 bytes", op)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Sealer{key: key}, nil
}

func (s *Sealer) Seal(name, plaintext string) (string, error) {
	const op = "auth.Sealer.Seal"

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	out := aead.Seal(nonce, nonce, []byte(plaintext), []byte(name))
	return base64.RawURLEncoding.EncodeToString(out), nil
}

func (s *Sealer) Open(name, sealed string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}

	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil || len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrSealedValueInvalid
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return "", ErrSealedValueInvalid
	}
	return string(plain), nil
}
