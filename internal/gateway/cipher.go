package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrTamper is returned by Reveal when a ciphertext is malformed or fails
// authentication. It is the single signal for "someone altered this URL";
// callers must treat it as hostile input and never retry.
var ErrTamper = errors.New("ciphertext failed authentication")

// Cipher conceals origin URLs as opaque, self-contained ciphertext strings
// using AES-256-GCM. Each Conceal call draws a fresh random nonce, so the
// same URL never produces the same ciphertext twice.
//
// Ciphertext format: hex(nonce):hex(tag):hex(payload).
type Cipher struct {
	aead   cipher.AEAD
	secret []byte
}

// NewCipher derives a 256-bit key from the server secret and returns a
// ready-to-use Cipher.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("cipher secret must not be empty")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead, secret: []byte(secret)}, nil
}

// Conceal encrypts rawURL into the delimited nonce:tag:payload triple.
func (c *Cipher) Conceal(rawURL string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(rawURL), nil)
	split := len(sealed) - c.aead.Overhead()
	payload, tag := sealed[:split], sealed[split:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(payload), nil
}

// Reveal decrypts a ciphertext produced by Conceal. Any malformed input,
// decoding failure, or authentication failure yields ErrTamper.
func (c *Cipher) Reveal(ciphertext string) (string, error) {
	parts := strings.Split(ciphertext, ":")
	if len(parts) != 3 {
		return "", ErrTamper
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != c.aead.NonceSize() {
		return "", ErrTamper
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != c.aead.Overhead() {
		return "", ErrTamper
	}
	payload, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrTamper
	}

	sealed := make([]byte, 0, len(payload)+len(tag))
	sealed = append(sealed, payload...)
	sealed = append(sealed, tag...)

	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrTamper
	}
	return string(plain), nil
}

// NewStreamID derives a fresh stream identifier by hashing random material
// salted with the server secret. The id is one-way: it cannot be inverted to
// recover the origin URL even though it travels in the clear.
func (c *Cipher) NewStreamID() (StreamID, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate stream id: %w", err)
	}
	sum := sha256.Sum256(append(b, c.secret...))
	return StreamID(hex.EncodeToString(sum[:])[:24]), nil
}
