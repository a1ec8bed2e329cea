// Package crypto provides authenticated encryption for OAuth tokens at
// rest. Tokens are sealed with AES-256-GCM under a static 32-byte master
// key and stored as a JSON envelope of hex-encoded ciphertext, IV, and
// auth tag. The envelope shape is a compatibility constraint: anything
// reading already-encrypted rows expects exactly these three fields.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"toolgate/internal/errors"
)

const (
	// masterKeyLen is the required master key length in bytes (AES-256).
	masterKeyLen = 32

	// ivLen is the GCM nonce length in bytes. The stored format uses a
	// 16-byte IV, so the GCM instance is constructed with a matching
	// nonce size rather than the 12-byte default.
	ivLen = 16

	// tagLen is the GCM authentication tag length in bytes.
	tagLen = 16
)

// Envelope is the serialized form of one encrypted token. All fields
// are hex-encoded.
type Envelope struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	AuthTag   string `json:"authTag"`
}

// TokenCipher encrypts and decrypts token strings. Construct once at
// startup; a malformed master key is a fatal configuration error, never
// a per-call error.
type TokenCipher struct {
	gcm cipher.AEAD
}

// NewTokenCipher creates a cipher from a hex- or base64-encoded master
// key that must decode to exactly 32 bytes.
func NewTokenCipher(masterKey string) (*TokenCipher, error) {
	key, err := decodeMasterKey(masterKey)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &TokenCipher{gcm: gcm}, nil
}

// decodeMasterKey accepts a 64-character hex string or a base64 string,
// either of which must decode to 32 bytes.
func decodeMasterKey(masterKey string) ([]byte, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("master key is required")
	}

	if key, err := hex.DecodeString(masterKey); err == nil {
		if len(key) != masterKeyLen {
			return nil, fmt.Errorf("master key must decode to %d bytes, got %d", masterKeyLen, len(key))
		}

		return key, nil
	}

	key, err := base64.StdEncoding.DecodeString(masterKey)
	if err != nil {
		return nil, fmt.Errorf("master key is neither valid hex nor base64")
	}

	if len(key) != masterKeyLen {
		return nil, fmt.Errorf("master key must decode to %d bytes, got %d", masterKeyLen, len(key))
	}

	return key, nil
}

// Encrypt seals a plaintext token with a fresh random IV and returns the
// serialized envelope.
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	// Seal appends the auth tag to the ciphertext; the envelope stores
	// them as separate fields.
	sealed := c.gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	env := Envelope{
		Encrypted: hex.EncodeToString(ct),
		IV:        hex.EncodeToString(iv),
		AuthTag:   hex.EncodeToString(tag),
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("serializing envelope: %w", err)
	}

	return string(data), nil
}

// Decrypt opens a serialized envelope and returns the plaintext token.
// Any malformed envelope or auth tag mismatch yields ErrDecryptionFailed;
// corrupted plaintext is never returned.
func (c *TokenCipher) Decrypt(serialized string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(serialized), &env); err != nil {
		return "", fmt.Errorf("%w: malformed envelope", errors.ErrDecryptionFailed)
	}

	ct, err := hex.DecodeString(env.Encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext", errors.ErrDecryptionFailed)
	}

	iv, err := hex.DecodeString(env.IV)
	if err != nil || len(iv) != ivLen {
		return "", fmt.Errorf("%w: malformed IV", errors.ErrDecryptionFailed)
	}

	tag, err := hex.DecodeString(env.AuthTag)
	if err != nil || len(tag) != tagLen {
		return "", fmt.Errorf("%w: malformed auth tag", errors.ErrDecryptionFailed)
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := c.gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", errors.ErrDecryptionFailed
	}

	return string(plaintext), nil
}
