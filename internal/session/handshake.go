package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	sessionKeyInfo = "hetu-session-key-v1"
	sessionKeyLen  = 32 // AES-256
)

// EphemeralKeyPair is one side's X25519 handshake keypair, per spec.md
// §4.4's "ephemeral-key exchange (Curve25519-class)".
type EphemeralKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateEphemeralKeyPair creates a fresh X25519 keypair for one
// handshake. Never reused across connections.
func GenerateEphemeralKeyPair() (*EphemeralKeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("handshake: read random private key: %w", err)
	}
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return &EphemeralKeyPair{Private: priv, Public: pub}, nil
}

// SharedSecret computes this side's X25519 Diffie-Hellman output against
// the peer's ephemeral public key.
func (kp *EphemeralKeyPair) SharedSecret(peerPublic [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(kp.Private[:], peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("handshake: x25519: %w", err)
	}
	return secret, nil
}

// DeriveSessionKey turns a raw X25519 shared secret into a 32-byte AES-256
// key via HKDF-SHA256, grounded on the teacher's internal/crypto.DeriveKey
// (golang.org/x/crypto/hkdf, master-key + salt + info convention). salt is
// both sides' public keys concatenated (client || server) so a
// man-in-the-middle replaying a different session's secret derives a
// different key.
func DeriveSessionKey(sharedSecret, salt []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, sharedSecret, salt, []byte(sessionKeyInfo))
	key := make([]byte, sessionKeyLen)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("handshake: derive session key: %w", err)
	}
	return key, nil
}

// FrameCipher seals/opens wire frames with AES-256-GCM, grounded on the
// teacher's internal/crypto.Encrypt/Decrypt nonce-prepend convention.
type FrameCipher struct {
	aead cipher.AEAD
}

// NewFrameCipher constructs a FrameCipher from a derived session key.
func NewFrameCipher(key []byte) (*FrameCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("handshake: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("handshake: new gcm: %w", err)
	}
	return &FrameCipher{aead: aead}, nil
}

// Seal encrypts plaintext, prepending a fresh random nonce to the output.
func (c *FrameCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("handshake: read nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a frame previously produced by Seal.
func (c *FrameCipher) Open(sealed []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("handshake: sealed frame too short")
	}
	nonce, body := sealed[:n], sealed[n:]
	plaintext, err := c.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake: open: %w", err)
	}
	return plaintext, nil
}
