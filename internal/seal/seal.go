// Package seal is the encryption boundary for data at rest and in flight.
//
// Everything the sync core persists or transmits crosses this boundary as an
// opaque sealed blob. The core never sees plaintext storage: the store and
// transport layers accept []byte that has already been sealed, and hand
// sealed bytes back to be opened by the caller that owns the key.
package seal

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sensitivity classifies a payload for key selection and audit purposes.
type Sensitivity int

const (
	// SensitivityStandard covers profile and billing metadata.
	SensitivityStandard Sensitivity = iota
	// SensitivityClinical covers check-ins and assessment results.
	SensitivityClinical
	// SensitivityCrisis covers active safety signals. Sealing a crisis
	// payload must never fail soft; callers treat errors as fatal.
	SensitivityCrisis
)

// String returns a human-readable representation of the sensitivity level.
func (s Sensitivity) String() string {
	switch s {
	case SensitivityStandard:
		return "standard"
	case SensitivityClinical:
		return "clinical"
	case SensitivityCrisis:
		return "crisis"
	default:
		return "unknown"
	}
}

// Sealer encrypts and decrypts payloads crossing the storage/transport
// boundary.
type Sealer interface {
	// Seal encrypts plaintext at the given sensitivity level.
	Seal(plaintext []byte, level Sensitivity) ([]byte, error)

	// Open decrypts a blob previously produced by Seal at the same level.
	Open(sealed []byte, level Sensitivity) ([]byte, error)
}

// ChaCha seals payloads with ChaCha20-Poly1305. The nonce is generated per
// seal and prepended to the ciphertext. The sensitivity level is bound into
// the AEAD additional data so a blob sealed at one level cannot be opened at
// another.
type ChaCha struct {
	key []byte
}

// NewChaCha creates a ChaCha sealer from a 32-byte key.
func NewChaCha(key []byte) (*ChaCha, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("seal: key must be %d bytes (got %d)", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &ChaCha{key: k}, nil
}

// Seal implements Sealer.Seal.
func (c *ChaCha) Seal(plaintext []byte, level Sensitivity) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("seal: init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal: generate nonce: %w", err)
	}

	out := aead.Seal(nonce, nonce, plaintext, []byte(level.String()))
	return out, nil
}

// Open implements Sealer.Open.
func (c *ChaCha) Open(sealed []byte, level Sensitivity) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("seal: init cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("seal: blob too short (%d bytes)", len(sealed))
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(level.String()))
	if err != nil {
		return nil, fmt.Errorf("seal: open blob: %w", err)
	}
	return plaintext, nil
}

// Plain is a pass-through sealer for tests. It must never be used outside
// _test.go files or the loadtest harness.
type Plain struct{}

// Seal implements Sealer.Seal by returning a copy of the plaintext.
func (Plain) Seal(plaintext []byte, _ Sensitivity) ([]byte, error) {
	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	return out, nil
}

// Open implements Sealer.Open by returning a copy of the blob.
func (Plain) Open(sealed []byte, _ Sensitivity) ([]byte, error) {
	out := make([]byte, len(sealed))
	copy(out, sealed)
	return out, nil
}
