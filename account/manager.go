// Package account implements the per-account provisioning state machine:
// requesting and completing issuance of a verifiable network identity
// (username@domain) without a live connection to the provisioning
// authority.
//
// A request generates an ephemeral signing key pair locally, sends a
// signed account request to the authority's endpoint and parks the
// account in AwaitingIssuance. The issuance response arrives whenever
// the store-and-forward network delivers it; malformed or mismatched
// responses are dropped silently because the authority re-delivers.
// There is no application-level retry or timeout for a pending request;
// it is only ever advanced by an inbound issuance.
package account

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmail/crypto"
	"github.com/opd-ai/meshmail/envelope"
	"github.com/opd-ai/meshmail/gateway"
	"github.com/opd-ai/meshmail/router"
	"github.com/opd-ai/meshmail/storage"
)

// ErrInvalidRequest is returned for an unusable provisioning request.
var ErrInvalidRequest = errors.New("invalid account request")

// requestShape is the account request payload.
var requestShape = []envelope.Kind{
	envelope.KindString, // requested username
	envelope.KindString, // locale
	envelope.KindBytes,  // account Ed25519 public key
}

// signedRequestShape wraps the request with its detached signature.
var signedRequestShape = []envelope.Kind{
	envelope.KindBytes, // request envelope
	envelope.KindBytes, // Ed25519 signature over it
}

// issuanceShape is the issuance response payload.
var issuanceShape = []envelope.Kind{
	envelope.KindString, // assigned network identifier
	envelope.KindBytes,  // echoed account public key
	envelope.KindBytes,  // signed identity bundle
}

// Activation is reported when an account reaches Active, so the facade
// can promote it to the current account.
type Activation func(acct *storage.Account)

// Manager drives provisioning state for all local accounts.
type Manager struct {
	accounts storage.AccountStore
	gw       gateway.Gateway
	locks    *router.KeyedMutex

	authorityNodeID string
	localNodeID     func(accountID string) string
	onActive        Activation
}

// NewManager creates a provisioning manager. onActive may be nil.
func NewManager(
	accounts storage.AccountStore,
	gw gateway.Gateway,
	locks *router.KeyedMutex,
	authorityNodeID string,
	localNodeID func(accountID string) string,
	onActive Activation,
) *Manager {
	return &Manager{
		accounts:        accounts,
		gw:              gw,
		locks:           locks,
		authorityNodeID: authorityNodeID,
		localNodeID:     localNodeID,
		onActive:        onActive,
	}
}

// Request asks the provisioning authority for a network identity. A
// fresh signing key pair is generated; the private half is retained on
// the persisted account so a later issuance can be matched back to this
// request. A transport send failure is returned to the caller as
// retryable and nothing is persisted.
func (m *Manager) Request(ctx context.Context, username, locale string) (*storage.Account, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: empty username", ErrInvalidRequest)
	}

	keys, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate account keys: %w", err)
	}

	request := envelope.Encode(
		envelope.String(username),
		envelope.String(locale),
		envelope.Bytes(keys.Public[:]),
	)
	sig, err := crypto.Sign(request, keys.Private)
	if err != nil {
		return nil, fmt.Errorf("failed to sign account request: %w", err)
	}
	payload := envelope.Encode(
		envelope.Bytes(request),
		envelope.Bytes(sig[:]),
	)

	// The identifier is assigned up front so the send below resolves the
	// sender endpoint for the account it will belong to.
	acct := &storage.Account{
		ID:         uuid.NewString(),
		Username:   username,
		Locale:     locale,
		PrivateKey: keys.Private[:],
		Status:     storage.AccountAwaitingIssuance,
		CreatedAt:  time.Now(),
	}

	if err := m.gw.Send(ctx, router.TypeAccountRequest, payload, m.authorityNodeID, m.localNodeID(acct.ID)); err != nil {
		return nil, fmt.Errorf("failed to send account request: %w", err)
	}

	if err := m.accounts.CreateAccount(acct); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Request",
		"account_id": acct.ID,
		"username":   username,
	}).Info("Account request sent, awaiting issuance")
	return acct, nil
}

// HandleIssuance processes an inbound issuance response. The response's
// embedded public key must match a pending account's key; on mismatch or
// malformed content the message is dropped silently and logged — the
// authority re-delivers, the application never retries. On success the
// assigned network identifier and identity bundle are persisted and the
// account becomes Active.
func (m *Manager) HandleIssuance(_ context.Context, msg gateway.Inbound) error {
	if msg.Sender != m.authorityNodeID {
		logrus.WithFields(logrus.Fields{
			"function": "HandleIssuance",
			"sender":   msg.Sender,
		}).Debug("Issuance from non-authority sender dropped")
		return nil
	}

	fields, err := envelope.Decode(msg.Payload, issuanceShape...)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleIssuance",
			"error":    err,
		}).Warn("Malformed issuance response dropped")
		return nil
	}
	networkID, publicKey, bundle := fields[0].Str, fields[1].Raw, fields[2].Raw

	acct, ok := m.pendingAccountForKey(publicKey)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":   "HandleIssuance",
			"network_id": networkID,
		}).Warn("Issuance matches no pending account, dropped")
		return nil
	}

	return m.locks.Do(acct.ID, func() error {
		fresh, err := m.accounts.Account(acct.ID)
		if err != nil {
			return nil
		}
		if fresh.Status == storage.AccountActive {
			// Re-delivered issuance for an already active account.
			return nil
		}

		fresh.NetworkID = networkID
		fresh.IdentityBundle = bundle
		fresh.Status = storage.AccountActive
		if err := m.accounts.UpdateAccount(fresh); err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"function":   "HandleIssuance",
			"account_id": fresh.ID,
			"network_id": networkID,
		}).Info("Account provisioned")

		if m.onActive != nil {
			m.onActive(fresh)
		}
		return nil
	})
}

// pendingAccountForKey finds the awaiting-issuance account whose public
// key matches the one echoed in an issuance response. A constant-time
// comparison guards against a forged issuance being fitted to the wrong
// pending account.
func (m *Manager) pendingAccountForKey(publicKey []byte) (*storage.Account, bool) {
	accounts, err := m.accounts.Accounts()
	if err != nil {
		return nil, false
	}

	for _, acct := range accounts {
		if acct.Status != storage.AccountAwaitingIssuance {
			continue
		}
		keys, err := crypto.SigningKeyPairFromSeed(seedKey(acct.PrivateKey))
		if err != nil {
			continue
		}
		if len(publicKey) == crypto.KeySize &&
			subtle.ConstantTimeCompare(keys.Public[:], publicKey) == 1 {
			return acct, true
		}
	}
	return nil, false
}

// ParseSignedRequest decodes and verifies an account request as the
// provisioning authority sees it: the signature must verify under the
// public key the request itself carries, proving the requester holds the
// private half. Used by authority-side tooling and tests.
func ParseSignedRequest(payload []byte) (username, locale string, publicKey []byte, err error) {
	outer, err := envelope.Decode(payload, signedRequestShape...)
	if err != nil {
		return "", "", nil, err
	}
	request, sig := outer[0].Raw, outer[1].Raw

	fields, err := envelope.Decode(request, requestShape...)
	if err != nil {
		return "", "", nil, err
	}
	username, locale, publicKey = fields[0].Str, fields[1].Str, fields[2].Raw

	ok, err := crypto.VerifyBytes(request, sig, publicKey)
	if err != nil || !ok {
		return "", "", nil, fmt.Errorf("%w: signature rejected", ErrInvalidRequest)
	}
	return username, locale, publicKey, nil
}

func seedKey(key []byte) [crypto.KeySize]byte {
	var seed [crypto.KeySize]byte
	copy(seed[:], key)
	return seed
}
