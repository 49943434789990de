package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature represents an Ed25519 signature.
type Signature [SignatureSize]byte

// SigningKeyPair represents an Ed25519 key pair used for identity
// assertions. The private half is the 32-byte seed form.
type SigningKeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateSigningKeyPair creates a new random Ed25519 key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	var seed [KeySize]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}
	return SigningKeyPairFromSeed(seed)
}

// SigningKeyPairFromSeed rebuilds an Ed25519 key pair from its seed.
func SigningKeyPairFromSeed(seed [KeySize]byte) (*SigningKeyPair, error) {
	if isZeroKey(seed[:]) {
		return nil, errors.New("invalid signing seed: all zeros")
	}

	private := ed25519.NewKeyFromSeed(seed[:])
	kp := &SigningKeyPair{Private: seed}
	copy(kp.Public[:], private.Public().(ed25519.PublicKey))
	return kp, nil
}

// Sign creates an Ed25519 signature for a message using the private key.
func Sign(message []byte, privateKey [KeySize]byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, errors.New("empty message")
	}

	// Ed25519 private keys are 64 bytes (32 bytes seed + 32 bytes public
	// key); expand from the stored seed.
	edPrivateKey := ed25519.NewKeyFromSeed(privateKey[:])
	signatureBytes := ed25519.Sign(edPrivateKey, message)

	var signature Signature
	copy(signature[:], signatureBytes)
	return signature, nil
}

// Verify checks if a signature is valid for a message and public key.
func Verify(message []byte, signature Signature, publicKey [KeySize]byte) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("empty message")
	}

	return ed25519.Verify(publicKey[:], message, signature[:]), nil
}

// VerifyBytes is Verify for signatures and keys held as plain byte
// slices, as they arrive off the wire.
func VerifyBytes(message, signature, publicKey []byte) (bool, error) {
	if len(signature) != SignatureSize {
		return false, errors.New("invalid signature length")
	}
	if len(publicKey) != KeySize {
		return false, errors.New("invalid public key length")
	}

	var sig Signature
	var pub [KeySize]byte
	copy(sig[:], signature)
	copy(pub[:], publicKey)
	return Verify(message, sig, pub)
}
