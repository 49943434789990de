// Package pairing implements the per-contact pairing state machine: the
// multi-step handshake that lets two accounts discover, authenticate and
// authorize each other for private messaging over a delay-tolerant
// relay.
//
// The handshake runs request → match → authorization → completed. A
// pairing request is signed by the identity service and sent to a
// well-known relay; the relay, once it holds mutual requests, forwards
// each side's signed request to the other as a "match"; each side
// authorizes the peer's key with the transport and answers with an
// authorization grant; importing the peer's grant completes the contact.
//
// Messages can arrive late, duplicated and out of order, so every
// transition is a no-op when applied to a contact already in or past the
// target state. Cryptographic and transport authorization failures are
// terminal: the contact is deleted and a pairing-failed notification is
// raised; the peer must re-initiate. Pending pairings have no timeout —
// they are only ever advanced by inbound messages.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmail/crypto"
	"github.com/opd-ai/meshmail/endpoint"
	"github.com/opd-ai/meshmail/envelope"
	"github.com/opd-ai/meshmail/gateway"
	"github.com/opd-ai/meshmail/identity"
	"github.com/opd-ai/meshmail/notify"
	"github.com/opd-ai/meshmail/router"
	"github.com/opd-ai/meshmail/storage"
)

// ErrAccountNotReady is returned when pairing is initiated from an
// account that has not completed provisioning.
var ErrAccountNotReady = errors.New("account has no active network identity")

// requestShape is the pairing request payload: the initiator's network
// identifier, the target peer identifier and the initiator's endpoint
// public key. The relay forwards the whole signed request to the peer as
// the match message.
var requestShape = []envelope.Kind{
	envelope.KindString, // from network identifier
	envelope.KindString, // to network identifier
	envelope.KindBytes,  // initiator endpoint public key
}

// authorizationShape is the pairing authorization payload: the granting
// side's network identifier and the transport authorization grant.
var authorizationShape = []envelope.Kind{
	envelope.KindString, // granting network identifier
	envelope.KindBytes,  // transport authorization grant
}

// Manager drives pairing state for all contacts of all local accounts.
type Manager struct {
	accounts  storage.AccountStore
	contacts  storage.ContactStore
	gw        gateway.Gateway
	ids       *identity.Service
	endpoints *endpoint.Registry
	events    *notify.Bus
	locks     *router.KeyedMutex

	relayNodeID string
	localNodeID func(accountID string) string
}

// NewManager creates a pairing manager. localNodeID resolves the local
// transport endpoint for an account and is supplied by the facade.
func NewManager(
	accounts storage.AccountStore,
	contacts storage.ContactStore,
	gw gateway.Gateway,
	ids *identity.Service,
	endpoints *endpoint.Registry,
	events *notify.Bus,
	locks *router.KeyedMutex,
	relayNodeID string,
	localNodeID func(accountID string) string,
) *Manager {
	return &Manager{
		accounts:    accounts,
		contacts:    contacts,
		gw:          gw,
		ids:         ids,
		endpoints:   endpoints,
		events:      events,
		locks:       locks,
		relayNodeID: relayNodeID,
		localNodeID: localNodeID,
	}
}

func contactKey(accountID, peerID string) string {
	return accountID + "/" + peerID
}

// Initiate starts pairing with a peer on behalf of an account. It is
// idempotent: re-initiating with a contact already at RequestSent or
// later is a no-op. A transport send failure is returned to the caller
// as retryable; no contact is persisted in that case.
func (m *Manager) Initiate(ctx context.Context, accountID, peerID string) error {
	acct, err := m.accounts.Account(accountID)
	if err != nil {
		return err
	}
	if acct.Status != storage.AccountActive || acct.NetworkID == "" {
		return ErrAccountNotReady
	}

	return m.locks.Do(contactKey(acct.ID, peerID), func() error {
		existing, err := m.contacts.ContactByPeer(acct.ID, peerID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if existing != nil && existing.Status >= storage.ContactRequestSent {
			logrus.WithFields(logrus.Fields{
				"function": "Initiate",
				"peer_id":  peerID,
				"status":   existing.Status.String(),
			}).Debug("Pairing already in flight, ignoring")
			return nil
		}

		local, ok := m.endpoints.Local(acct.ID)
		if !ok {
			return fmt.Errorf("no local endpoint for account %s", acct.ID)
		}

		payload := envelope.Encode(
			envelope.String(acct.NetworkID),
			envelope.String(peerID),
			envelope.Bytes(local.PublicKey),
		)
		signed, err := m.ids.Produce(payload, acct.IdentityBundle, seedKey(acct.PrivateKey))
		if err != nil {
			return fmt.Errorf("failed to sign pairing request: %w", err)
		}

		if err := m.gw.Send(ctx, router.TypePairingRequest, signed, m.relayNodeID, m.localNodeID(acct.ID)); err != nil {
			return fmt.Errorf("failed to send pairing request: %w", err)
		}

		if existing != nil {
			existing.Status = storage.ContactRequestSent
			return m.contacts.UpdateContact(existing)
		}
		contact := &storage.Contact{
			AccountID: acct.ID,
			PeerID:    peerID,
			Status:    storage.ContactRequestSent,
			CreatedAt: time.Now(),
		}
		if err := m.contacts.CreateContact(contact); err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"function":   "Initiate",
			"account_id": acct.ID,
			"peer_id":    peerID,
		}).Info("Pairing request sent")
		return nil
	})
}

// HandleMatch processes an inbound match: the relay's notification that a
// mutual pairing request exists, carrying the peer's signed request.
//
// The peer's key is authorized with the transport before being trusted.
// On success the contact moves to Match and the reciprocal authorization
// is sent; on cryptographic or transport authorization failure the
// contact is deleted and exactly one pairing-failed notification is
// raised. Duplicate matches for a contact at AuthorizationSent or later
// are no-ops; a contact stuck at Match (the authorization send failed)
// retries the authorization on the re-delivered match.
func (m *Manager) HandleMatch(ctx context.Context, msg gateway.Inbound) error {
	if msg.Sender != m.relayNodeID {
		// Potential spoofing or misrouting: drop without a trace to the
		// sender, per the delay-tolerant error model.
		logrus.WithFields(logrus.Fields{
			"function": "HandleMatch",
			"sender":   msg.Sender,
		}).Debug("Match from non-relay sender dropped")
		return nil
	}

	plaintext, memberID, verifyErr := m.ids.Verify(msg.Payload)
	if verifyErr != nil {
		return m.failUnverifiedMatch(msg.Payload, verifyErr)
	}

	fields, err := envelope.Decode(plaintext, requestShape...)
	if err != nil {
		return fmt.Errorf("malformed match payload: %w", err)
	}
	peerID, localID, peerKey := fields[0].Str, fields[1].Str, fields[2].Raw

	if memberID != peerID {
		// The signer's verified identity must be the identity the request
		// claims to come from.
		return m.failMatch(localID, peerID, fmt.Errorf("%w: request from %q signed by %q",
			identity.ErrInvalidSignature, peerID, memberID))
	}

	acct, err := m.accounts.AccountByNetworkID(localID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleMatch",
			"to":       localID,
		}).Warn("Match for unknown local account dropped")
		return nil
	}

	return m.locks.Do(contactKey(acct.ID, peerID), func() error {
		contact, err := m.contacts.ContactByPeer(acct.ID, peerID)
		if errors.Is(err, storage.ErrNotFound) {
			// The peer initiated first; the match names a not-yet-known
			// peer and creates the contact.
			contact = &storage.Contact{
				AccountID: acct.ID,
				PeerID:    peerID,
				Status:    storage.ContactUnpaired,
				CreatedAt: time.Now(),
			}
			if err := m.contacts.CreateContact(contact); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if contact.Status >= storage.ContactAuthorizationSent {
			logrus.WithFields(logrus.Fields{
				"function": "HandleMatch",
				"peer_id":  peerID,
				"status":   contact.Status.String(),
			}).Debug("Duplicate match ignored")
			return nil
		}

		peerNodeID, grant, err := m.gw.AuthorizeContact(peerKey)
		if err != nil {
			m.deleteAndNotifyFailure(contact, err)
			return nil
		}

		contact.PublicKey = peerKey
		contact.NodeID = peerNodeID
		contact.Status = storage.ContactMatch
		if err := m.contacts.UpdateContact(contact); err != nil {
			return err
		}
		m.endpoints.Authorize(peerKey, peerNodeID)

		return m.sendAuthorization(ctx, acct, contact, grant)
	})
}

// sendAuthorization grants the peer reciprocal messaging authorization
// and advances the contact to AuthorizationSent.
func (m *Manager) sendAuthorization(ctx context.Context, acct *storage.Account, contact *storage.Contact, grant []byte) error {
	payload := envelope.Encode(
		envelope.String(acct.NetworkID),
		envelope.Bytes(grant),
	)
	if err := m.gw.Send(ctx, router.TypePairingAuthorization, payload, contact.NodeID, m.localNodeID(acct.ID)); err != nil {
		// The relay owns redelivery of the peer's match; staying at Match
		// keeps the contact recoverable if the match is re-delivered.
		return fmt.Errorf("failed to send authorization: %w", err)
	}

	contact.Status = storage.ContactAuthorizationSent
	if err := m.contacts.UpdateContact(contact); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "sendAuthorization",
		"account_id": acct.ID,
		"peer_id":    contact.PeerID,
	}).Info("Pairing authorization sent")
	return nil
}

// HandleAuthorization processes an inbound authorization: the peer has
// granted reciprocal messaging authorization. The grant is imported and
// every contact sharing the imported endpoint identifier moves to
// Completed — multiple contacts can legitimately share one incoming
// authorization.
func (m *Manager) HandleAuthorization(_ context.Context, msg gateway.Inbound) error {
	fields, err := envelope.Decode(msg.Payload, authorizationShape...)
	if err != nil {
		return fmt.Errorf("malformed authorization payload: %w", err)
	}
	grant := fields[1].Raw

	senderContacts, err := m.contacts.ContactsByNode(msg.Sender)
	if err != nil {
		return err
	}
	if len(senderContacts) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "HandleAuthorization",
			"sender":   msg.Sender,
		}).Debug("Authorization from unknown sender dropped")
		return nil
	}

	nodeID, err := m.gw.ImportAuthorization(grant)
	if err != nil {
		// Terminal for the affected contacts: retrying with the same
		// rejected grant cannot change the outcome.
		for _, contact := range senderContacts {
			m.withContact(contact, func(c *storage.Contact) error {
				m.deleteAndNotifyFailure(c, err)
				return nil
			})
		}
		return nil
	}

	matched, err := m.contacts.ContactsByNode(nodeID)
	if err != nil {
		return err
	}
	for _, contact := range matched {
		m.withContact(contact, func(c *storage.Contact) error {
			if c.Status == storage.ContactCompleted {
				return nil
			}
			c.Status = storage.ContactCompleted
			if err := m.contacts.UpdateContact(c); err != nil {
				return err
			}
			m.events.Publish(notify.Event{
				Kind:      notify.PairingSucceeded,
				AccountID: c.AccountID,
				ContactID: c.ID,
				PeerID:    c.PeerID,
			})
			logrus.WithFields(logrus.Fields{
				"function":   "HandleAuthorization",
				"account_id": c.AccountID,
				"peer_id":    c.PeerID,
			}).Info("Pairing completed")
			return nil
		})
	}
	return nil
}

// Unpair deletes a contact and revokes its endpoint authorization.
func (m *Manager) Unpair(_ context.Context, accountID, peerID string) error {
	return m.locks.Do(contactKey(accountID, peerID), func() error {
		contact, err := m.contacts.ContactByPeer(accountID, peerID)
		if err != nil {
			return err
		}
		if len(contact.PublicKey) > 0 {
			m.endpoints.Revoke(contact.PublicKey)
		}
		return m.contacts.DeleteContact(contact.ID)
	})
}

// withContact re-reads a contact under its key lock and applies fn,
// skipping contacts deleted in the meantime.
func (m *Manager) withContact(stale *storage.Contact, fn func(*storage.Contact) error) {
	err := m.locks.Do(contactKey(stale.AccountID, stale.PeerID), func() error {
		fresh, err := m.contacts.Contact(stale.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return fn(fresh)
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "withContact",
			"contact_id": stale.ID,
			"error":      err,
		}).Warn("Contact update failed")
	}
}

// deleteAndNotifyFailure removes a contact after a terminal failure and
// raises exactly one pairing-failed notification.
func (m *Manager) deleteAndNotifyFailure(contact *storage.Contact, cause error) {
	logrus.WithFields(logrus.Fields{
		"function":   "deleteAndNotifyFailure",
		"account_id": contact.AccountID,
		"peer_id":    contact.PeerID,
		"error":      cause,
	}).Warn("Pairing failed, deleting contact")

	if err := m.contacts.DeleteContact(contact.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logrus.WithFields(logrus.Fields{
			"function":   "deleteAndNotifyFailure",
			"contact_id": contact.ID,
			"error":      err,
		}).Error("Failed to delete contact")
	}
	if len(contact.PublicKey) > 0 {
		m.endpoints.Revoke(contact.PublicKey)
	}
	m.events.Publish(notify.Event{
		Kind:      notify.PairingFailed,
		AccountID: contact.AccountID,
		ContactID: contact.ID,
		PeerID:    contact.PeerID,
	})
}

// failUnverifiedMatch handles a match whose signature chain was rejected.
// The embedded plaintext is decoded best-effort purely to attribute the
// failure to a pending contact; nothing in it is trusted.
func (m *Manager) failUnverifiedMatch(payload []byte, cause error) error {
	prefix, _, err := envelope.DecodePrefix(payload, envelope.KindBytes)
	if err != nil {
		return fmt.Errorf("unverifiable match dropped: %w", cause)
	}
	fields, err := envelope.Decode(prefix[0].Raw, requestShape...)
	if err != nil {
		return fmt.Errorf("unverifiable match dropped: %w", cause)
	}
	return m.failMatch(fields[1].Str, fields[0].Str, cause)
}

// failMatch deletes the pending contact for (localID, peerID), if any,
// and raises the failure notification.
func (m *Manager) failMatch(localID, peerID string, cause error) error {
	acct, err := m.accounts.AccountByNetworkID(localID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "failMatch",
			"error":    cause,
		}).Warn("Unattributable match failure dropped")
		return nil
	}
	return m.locks.Do(contactKey(acct.ID, peerID), func() error {
		contact, err := m.contacts.ContactByPeer(acct.ID, peerID)
		if err != nil {
			return nil
		}
		m.deleteAndNotifyFailure(contact, cause)
		return nil
	})
}

// seedKey converts a stored private key to its fixed-size form.
func seedKey(key []byte) [crypto.KeySize]byte {
	var seed [crypto.KeySize]byte
	copy(seed[:], key)
	return seed
}
