package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmail/crypto"
	"github.com/opd-ai/meshmail/envelope"
)

// ServiceID identifies this signature service on the wire. A signature
// envelope produced under any other identifier is rejected outright.
const ServiceID = "org.meshmail.identity.sig.v1"

// SignatureTTL is the validity window of a produced signature envelope.
const SignatureTTL = 90 * 24 * time.Hour

// ClockDriftTolerance is subtracted from the start time of produced
// signatures and added to window checks during verification, so that
// modestly skewed peer clocks do not reject fresh signatures.
const ClockDriftTolerance = 5 * time.Minute

// ErrSignatureProduction is returned when the underlying asymmetric
// signing operation fails.
var ErrSignatureProduction = errors.New("signature production failed")

// ErrInvalidSignature is returned for any structural, temporal or
// cryptographic verification failure. Callers must treat it as "reject
// and do not trust"; retrying with the same material cannot succeed.
var ErrInvalidSignature = errors.New("invalid signature")

var signatureShape = []envelope.Kind{
	envelope.KindBytes,  // encapsulated plaintext
	envelope.KindString, // service identifier
	envelope.KindUint64, // not-before, unix seconds
	envelope.KindUint64, // expiry, unix seconds
	envelope.KindBytes,  // identity bundle
	envelope.KindBytes,  // signature
}

// Service produces and verifies signed, time-bounded proofs that a
// plaintext was authored by the holder of a verified member identifier.
// It is a pure function of its inputs apart from the clock.
type Service struct {
	root  [crypto.KeySize]byte
	ttl   time.Duration
	drift time.Duration
	now   func() time.Time
}

// NewService creates a signature service trusting the given authority
// root key.
func NewService(root [crypto.KeySize]byte) *Service {
	return NewServiceWithClock(root, time.Now)
}

// NewServiceWithClock creates a Service with a custom clock, for tests.
func NewServiceWithClock(root [crypto.KeySize]byte, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		root:  root,
		ttl:   SignatureTTL,
		drift: ClockDriftTolerance,
		now:   now,
	}
}

// Produce builds a signature envelope over plaintext. The envelope embeds
// the plaintext, the service identifier, a validity window starting
// slightly in the past to absorb clock drift, and the signer's identity
// bundle, followed by an Ed25519 signature over all of the above.
func (s *Service) Produce(plaintext, bundleBytes []byte, privateKey [crypto.KeySize]byte) ([]byte, error) {
	notBefore := s.now().Add(-s.drift)
	expiry := notBefore.Add(s.ttl)

	signed := signatureSigningBytes(plaintext, notBefore, expiry, bundleBytes)
	sig, err := crypto.Sign(signed, privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureProduction, err)
	}

	return envelope.Encode(
		envelope.Bytes(plaintext),
		envelope.String(ServiceID),
		envelope.Uint64(uint64(notBefore.Unix())),
		envelope.Uint64(uint64(expiry.Unix())),
		envelope.Bytes(bundleBytes),
		envelope.Bytes(sig[:]),
	), nil
}

// Verify checks a signature envelope and returns the verified plaintext
// and the member identifier it was authored by. The chain is checked up
// to the authority trust root: envelope structure, service identifier,
// validity window, bundle authenticity, then the signature itself under
// the bundle's key.
func (s *Service) Verify(data []byte) (plaintext []byte, memberID string, err error) {
	fields, err := envelope.Decode(data, signatureShape...)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	plaintext = fields[0].Raw
	serviceID := fields[1].Str
	notBefore := time.Unix(int64(fields[2].U64), 0)
	expiry := time.Unix(int64(fields[3].U64), 0)
	bundleBytes := fields[4].Raw
	sig := fields[5].Raw

	if serviceID != ServiceID {
		return nil, "", fmt.Errorf("%w: unexpected service identifier %q", ErrInvalidSignature, serviceID)
	}

	now := s.now()
	if expiry.Sub(notBefore) > s.ttl+s.drift {
		return nil, "", fmt.Errorf("%w: validity window too long", ErrInvalidSignature)
	}
	if now.After(expiry.Add(s.drift)) {
		return nil, "", fmt.Errorf("%w: expired", ErrInvalidSignature)
	}
	if now.Before(notBefore.Add(-s.drift)) {
		return nil, "", fmt.Errorf("%w: not yet valid", ErrInvalidSignature)
	}

	bundle, err := VerifyBundle(bundleBytes, s.root, now)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Verify",
			"error":    err,
		}).Warn("Identity bundle rejected")
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	signed := signatureSigningBytes(plaintext, notBefore, expiry, bundleBytes)
	ok, err := crypto.VerifyBytes(signed, sig, bundle.PublicKey)
	if err != nil || !ok {
		return nil, "", fmt.Errorf("%w: signature rejected", ErrInvalidSignature)
	}

	return plaintext, bundle.MemberID, nil
}

func signatureSigningBytes(plaintext []byte, notBefore, expiry time.Time, bundleBytes []byte) []byte {
	return envelope.Encode(
		envelope.Bytes(plaintext),
		envelope.String(ServiceID),
		envelope.Uint64(uint64(notBefore.Unix())),
		envelope.Uint64(uint64(expiry.Unix())),
		envelope.Bytes(bundleBytes),
	)
}
