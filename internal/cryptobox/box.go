// Package cryptobox seals and opens the encrypted envelope every frame
// travels in: ChaCha20-Poly1305 under a per-conversation 256-bit key, with
// the wire layout nonce ‖ ciphertext ‖ tag.
package cryptobox

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the conversation key length in bytes.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the per-message nonce length in bytes.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the Poly1305 authentication tag length in bytes.
	TagSize = chacha20poly1305.Overhead
	// MaxPlaintext bounds the sealed payload. Sized to hold one sync
	// batch; chat content is bounded much tighter (MaxContent) before it
	// ever reaches Seal.
	MaxPlaintext = 4096
	// MaxContent bounds user-visible message text. Callers reject longer
	// content before composing a frame.
	MaxContent = 200
)

var (
	// ErrAuthentication is returned when a ciphertext fails to verify:
	// wrong key, truncated input, or tampering. Callers must treat all
	// three identically and use none of the output.
	ErrAuthentication = errors.New("cryptobox: authentication failed")
	// ErrPlaintextTooLong is returned by Seal for oversized payloads.
	ErrPlaintextTooLong = errors.New("cryptobox: plaintext too long")
	// ErrBadKeySize is returned when the key is not 32 bytes.
	ErrBadKeySize = errors.New("cryptobox: key must be 32 bytes")
)

// Seal encrypts plaintext under key with a fresh random nonce and returns
// nonce ‖ ciphertext ‖ tag.
func Seal(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	if len(plaintext) > MaxPlaintext {
		return nil, fmt.Errorf("%w: %d > %d", ErrPlaintextTooLong, len(plaintext), MaxPlaintext)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrBadKeySize
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := rand.Read(out[:NonceSize]); err != nil {
		return nil, fmt.Errorf("cryptobox: nonce: %w", err)
	}
	return aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Open authenticates and decrypts a sealed envelope. The tag is verified in
// constant time before any plaintext is produced; on any failure the result
// is nil and ErrAuthentication.
func Open(key, sealed []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	if len(sealed) < NonceSize+TagSize {
		return nil, ErrAuthentication
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrBadKeySize
	}

	plaintext, err := aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// NewKey generates a fresh random conversation key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("cryptobox: keygen: %w", err)
	}
	return key, nil
}
