package spiller

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// frameCipher encrypts spill frames with ChaCha20-Poly1305 under a random
// per-spiller key that only ever lives in memory. Losing the key with the
// process is the point: spilled data becomes unreadable the moment the
// spiller is gone, so leftover files on disk are just noise.
//
// The nonce is the frame ordinal, which is unique per key because every
// spiller writes exactly one file and numbers its frames from zero.
type frameCipher struct {
	aead cipher.AEAD
}

func newFrameCipher() (*frameCipher, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate spill encryption key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize spill cipher: %w", err)
	}
	return &frameCipher{aead: aead}, nil
}

func (c *frameCipher) nonce(ordinal uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce, ordinal)
	return nonce
}

// Seal encrypts plaintext for the frame at the given ordinal. The returned
// slice is freshly allocated and len(plaintext)+Overhead() long.
func (c *frameCipher) Seal(plaintext []byte, ordinal uint64) []byte {
	return c.aead.Seal(nil, c.nonce(ordinal), plaintext, nil)
}

// Open decrypts and authenticates a sealed frame payload.
func (c *frameCipher) Open(sealed []byte, ordinal uint64) ([]byte, error) {
	return c.aead.Open(nil, c.nonce(ordinal), sealed, nil)
}

// Overhead returns the authentication tag size added by Seal.
func (c *frameCipher) Overhead() int {
	return c.aead.Overhead()
}
