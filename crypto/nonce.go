package crypto

import "crypto/rand"

// NonceSize is the size of a NaCl box nonce in bytes.
const NonceSize = 24

// Nonce represents a unique value used once in cryptographic operations.
type Nonce [NonceSize]byte

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	return nonce, err
}
