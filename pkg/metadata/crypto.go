package metadata

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/strandhq/toolbind/pkg/types"
)

// Crypto seals metadata maps for storage and opens them on read. The sealed
// form is nonce || ciphertext under a ChaCha20-Poly1305 AEAD.
type Crypto struct {
	key []byte
}

// NewCrypto creates a Crypto from a hex-encoded 256-bit key.
func NewCrypto(hexKey string) (*Crypto, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("metadata.NewCrypto: key is not hex: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("metadata.NewCrypto: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Crypto{key: key}, nil
}

// Seal encrypts a metadata map into the stored byte form.
func (c *Crypto) Seal(meta types.Metadata) ([]byte, error) {
	plain, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("metadata.Seal marshal: %w", err)
	}
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, fmt.Errorf("metadata.Seal aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("metadata.Seal nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts the stored byte form back into a metadata map.
func (c *Crypto) Open(sealed []byte) (types.Metadata, error) {
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, fmt.Errorf("metadata.Open aead: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("metadata.Open: ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata.Open decrypt: %w", err)
	}
	var meta types.Metadata
	if err := json.Unmarshal(plain, &meta); err != nil {
		return nil, fmt.Errorf("metadata.Open unmarshal: %w", err)
	}
	return meta, nil
}
