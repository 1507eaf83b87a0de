package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const envelopePrefix = "v1."

// Envelope wraps an already-signed token in AES-256-GCM. Signing stays
// mandatory; the envelope is an additive second layer controlled purely by
// configuration.
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope builds an envelope from a 64-char hex key (32 bytes).
func NewEnvelope(keyHex string) (*Envelope, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("token: decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, errors.New("token: encryption key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Envelope{aead: aead}, nil
}

// Seal encrypts the signed token. Output is "v1." + base64url(nonce||ct).
func (e *Envelope) Seal(signed string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(signed), nil)
	return envelopePrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Any structural or authentication failure yields a
// generic error; the caller maps it to the malformed-token case.
func (e *Envelope) Open(wrapped string) (string, error) {
	if len(wrapped) <= len(envelopePrefix) || wrapped[:len(envelopePrefix)] != envelopePrefix {
		return "", errors.New("token: bad envelope prefix")
	}
	sealed, err := base64.RawURLEncoding.DecodeString(wrapped[len(envelopePrefix):])
	if err != nil {
		return "", err
	}
	if len(sealed) < e.aead.NonceSize() {
		return "", errors.New("token: envelope too short")
	}
	nonce, ct := sealed[:e.aead.NonceSize()], sealed[e.aead.NonceSize():]
	opened, err := e.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", err
	}
	return string(opened), nil
}
