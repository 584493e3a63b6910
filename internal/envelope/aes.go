package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// KeySize is the payload key length in bytes (AES-256).
const KeySize = 32

func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("envelope: key generation failed: %w", err)
	}
	return key, nil
}

// BuildAAD binds a ciphertext to the envelope fields around it, so the
// payload cannot be moved to another topic or re-labelled.
func BuildAAD(version, id, topic, policy string) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s", version, id, topic, policy))
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: cipher init failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: GCM init failed: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext with a fresh IV; the tag is appended to the
// returned ciphertext.
func Encrypt(key, plaintext, aad []byte) (iv, ciphertext []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("envelope: nonce generation failed: %w", err)
	}

	return iv, gcm.Seal(nil, iv, plaintext, aad), nil
}

func Decrypt(key, iv, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("envelope: bad iv length %d", len(iv))
	}

	plaintext, err := gcm.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("envelope: decryption failed: %w", err)
	}
	return plaintext, nil
}
