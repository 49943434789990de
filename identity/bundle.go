// Package identity implements signed, time-bounded identity assertions.
//
// An identity Bundle is issued by an external trust authority and binds a
// verified member identifier to an Ed25519 public key for a bounded
// validity window. The Service uses bundles to produce and verify
// signature envelopes proving that a plaintext was authored by the holder
// of a specific member identifier. Every state transition in the pairing
// and provisioning protocols that trusts a peer-asserted identifier
// routes through Service.Verify.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmail/crypto"
	"github.com/opd-ai/meshmail/envelope"
)

// BundleTTL is the maximum validity window of an identity bundle.
const BundleTTL = 90 * 24 * time.Hour

// ErrInvalidBundle is returned when a bundle fails structural, temporal
// or cryptographic validation against the authority trust root.
var ErrInvalidBundle = errors.New("invalid identity bundle")

// Bundle is a signed assertion binding a member identifier to an Ed25519
// public key. On the wire it is an opaque envelope-encoded blob.
type Bundle struct {
	MemberID     string
	PublicKey    []byte
	NotBefore    time.Time
	Expiry       time.Time
	AuthoritySig []byte
}

var bundleShape = []envelope.Kind{
	envelope.KindString, // member identifier
	envelope.KindBytes,  // member Ed25519 public key
	envelope.KindUint64, // not-before, unix seconds
	envelope.KindUint64, // expiry, unix seconds
	envelope.KindBytes,  // authority signature
}

// Encode serializes the bundle to its wire form.
func (b *Bundle) Encode() []byte {
	return envelope.Encode(
		envelope.String(b.MemberID),
		envelope.Bytes(b.PublicKey),
		envelope.Uint64(uint64(b.NotBefore.Unix())),
		envelope.Uint64(uint64(b.Expiry.Unix())),
		envelope.Bytes(b.AuthoritySig),
	)
}

// signingBytes is the byte sequence the authority signs: the bundle
// without its signature field.
func bundleSigningBytes(memberID string, publicKey []byte, notBefore, expiry time.Time) []byte {
	return envelope.Encode(
		envelope.String(memberID),
		envelope.Bytes(publicKey),
		envelope.Uint64(uint64(notBefore.Unix())),
		envelope.Uint64(uint64(expiry.Unix())),
	)
}

// ParseBundle decodes a bundle without verifying it.
func ParseBundle(data []byte) (*Bundle, error) {
	fields, err := envelope.Decode(data, bundleShape...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}

	return &Bundle{
		MemberID:     fields[0].Str,
		PublicKey:    fields[1].Raw,
		NotBefore:    time.Unix(int64(fields[2].U64), 0),
		Expiry:       time.Unix(int64(fields[3].U64), 0),
		AuthoritySig: fields[4].Raw,
	}, nil
}

// VerifyBundle decodes a bundle and validates it against the authority
// trust root at the given instant.
func VerifyBundle(data []byte, root [crypto.KeySize]byte, now time.Time) (*Bundle, error) {
	bundle, err := ParseBundle(data)
	if err != nil {
		return nil, err
	}

	if bundle.Expiry.Sub(bundle.NotBefore) > BundleTTL {
		return nil, fmt.Errorf("%w: validity window exceeds %v", ErrInvalidBundle, BundleTTL)
	}
	if now.Before(bundle.NotBefore) || now.After(bundle.Expiry) {
		return nil, fmt.Errorf("%w: outside validity window", ErrInvalidBundle)
	}

	signed := bundleSigningBytes(bundle.MemberID, bundle.PublicKey, bundle.NotBefore, bundle.Expiry)
	ok, err := crypto.VerifyBytes(signed, bundle.AuthoritySig, root[:])
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: authority signature rejected", ErrInvalidBundle)
	}

	return bundle, nil
}

// Authority mints identity bundles. In production the authority lives on
// the provisioning service; this implementation exists so the issuance
// path and tests can produce verifiable bundles.
type Authority struct {
	keys *crypto.SigningKeyPair
	ttl  time.Duration
}

// NewAuthority creates an authority from a signing key pair. A ttl of
// zero selects the maximum BundleTTL.
func NewAuthority(keys *crypto.SigningKeyPair, ttl time.Duration) (*Authority, error) {
	if keys == nil {
		return nil, errors.New("nil authority key pair")
	}
	if ttl <= 0 || ttl > BundleTTL {
		ttl = BundleTTL
	}
	return &Authority{keys: keys, ttl: ttl}, nil
}

// Root returns the authority's trust-root public key.
func (a *Authority) Root() [crypto.KeySize]byte {
	return a.keys.Public
}

// Issue mints a bundle binding memberID to publicKey, valid from now for
// the authority's TTL.
func (a *Authority) Issue(memberID string, publicKey []byte, now time.Time) ([]byte, error) {
	if memberID == "" {
		return nil, errors.New("empty member identifier")
	}
	if len(publicKey) != crypto.KeySize {
		return nil, errors.New("invalid member public key length")
	}

	notBefore := now
	expiry := now.Add(a.ttl)
	signed := bundleSigningBytes(memberID, publicKey, notBefore, expiry)

	sig, err := crypto.Sign(signed, a.keys.Private)
	if err != nil {
		return nil, fmt.Errorf("failed to sign bundle: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Issue",
		"member_id": memberID,
		"expiry":    expiry,
	}).Debug("Issued identity bundle")

	bundle := &Bundle{
		MemberID:     memberID,
		PublicKey:    publicKey,
		NotBefore:    notBefore,
		Expiry:       expiry,
		AuthoritySig: sig[:],
	}
	return bundle.Encode(), nil
}
