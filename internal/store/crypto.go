// ABOUTME: At-rest encryption for message payloads in the local database
// ABOUTME: ChaCha20-Poly1305 under an HKDF-derived key from the client db key

package store

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// payloadKeyLabel separates the message-log key from any future use of
// the client's db encryption key.
const payloadKeyLabel = "converge/msglog/v1"

// payloadCipher seals and opens message content columns. The conversation
// key is bound as additional data so a row cannot be replayed into a
// different conversation.
type payloadCipher struct {
	key []byte
}

func newPayloadCipher(dbKey []byte) (*payloadCipher, error) {
	kdf := hkdf.New(sha256.New, dbKey, nil, []byte(payloadKeyLabel))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving payload key: %w", err)
	}
	return &payloadCipher{key: key}, nil
}

// seal encrypts plaintext for storage. The nonce is prepended to the box.
func (c *payloadCipher) seal(plaintext []byte, convoKey string) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(convoKey)), nil
}

// open decrypts a stored box produced by seal.
func (c *payloadCipher) open(box []byte, convoKey string) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, err
	}
	if len(box) < aead.NonceSize() {
		return nil, fmt.Errorf("stored payload too short")
	}
	nonce, sealed := box[:aead.NonceSize()], box[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(convoKey))
	if err != nil {
		return nil, fmt.Errorf("opening stored payload: %w", err)
	}
	return plaintext, nil
}
