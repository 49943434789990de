package pairing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshmail/crypto"
	"github.com/opd-ai/meshmail/endpoint"
	"github.com/opd-ai/meshmail/envelope"
	"github.com/opd-ai/meshmail/gateway"
	"github.com/opd-ai/meshmail/identity"
	"github.com/opd-ai/meshmail/notify"
	"github.com/opd-ai/meshmail/router"
	"github.com/opd-ai/meshmail/storage"
)

const (
	relayNode = "node-relay"
	localNode = "node-local"
)

type fixture struct {
	store     *storage.Memory
	gw        *gateway.Fake
	authority *identity.Authority
	ids       *identity.Service
	endpoints *endpoint.Registry
	events    *notify.Bus
	eventCh   <-chan notify.Event
	manager   *Manager
	account   *storage.Account
	localKeys *crypto.KeyPair
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	authorityKeys, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	authority, err := identity.NewAuthority(authorityKeys, 0)
	require.NoError(t, err)

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	ids := identity.NewServiceWithClock(authority.Root(), func() time.Time { return now })

	store := storage.NewMemory()
	gw := gateway.NewFake(localNode)
	endpoints := endpoint.NewRegistry()
	events := notify.NewBus()
	eventCh, _ := events.Subscribe()

	signing, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	bundle, err := authority.Issue("alice@example.com", signing.Public[:], now)
	require.NoError(t, err)

	account := &storage.Account{
		Username:       "alice",
		NetworkID:      "alice@example.com",
		Locale:         "en-US",
		PrivateKey:     signing.Private[:],
		IdentityBundle: bundle,
		Status:         storage.AccountActive,
	}
	require.NoError(t, store.CreateAccount(account))

	localKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	endpoints.SetLocal(account.ID, localKeys.Public[:], localNode)

	manager := NewManager(store, store, gw, ids, endpoints, events,
		router.NewKeyedMutex(), relayNode,
		func(string) string { return localNode })

	return &fixture{
		store:     store,
		gw:        gw,
		authority: authority,
		ids:       ids,
		endpoints: endpoints,
		events:    events,
		eventCh:   eventCh,
		manager:   manager,
		account:   account,
		localKeys: localKeys,
		now:       now,
	}
}

// peerMatch builds the relay-forwarded match message for a peer who
// requested pairing with the local account.
func (f *fixture) peerMatch(t *testing.T, peerID string) (gateway.Inbound, *crypto.KeyPair) {
	t.Helper()

	peerSigning, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	peerBundle, err := f.authority.Issue(peerID, peerSigning.Public[:], f.now)
	require.NoError(t, err)
	peerKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	payload := envelope.Encode(
		envelope.String(peerID),
		envelope.String(f.account.NetworkID),
		envelope.Bytes(peerKeys.Public[:]),
	)
	signed, err := f.ids.Produce(payload, peerBundle, peerSigning.Private)
	require.NoError(t, err)

	return gateway.Inbound{
		Type:    router.TypePairingMatch,
		Payload: signed,
		Sender:  relayNode,
	}, peerKeys
}

func (f *fixture) drainEvents() []notify.Event {
	var out []notify.Event
	for {
		select {
		case e := <-f.eventCh:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestInitiateSendsSignedRequest(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.manager.Initiate(context.Background(), f.account.ID, "bob@example.com"))

	sent := f.gw.SentOfType(router.TypePairingRequest)
	require.Len(t, sent, 1)
	assert.Equal(t, relayNode, sent[0].Recipient)
	assert.Equal(t, localNode, sent[0].Sender)

	// The request payload is verifiable and names both parties.
	plaintext, memberID, err := f.ids.Verify(sent[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", memberID)

	fields, err := envelope.Decode(plaintext, requestShape...)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", fields[0].Str)
	assert.Equal(t, "bob@example.com", fields[1].Str)
	assert.Equal(t, f.localKeys.Public[:], fields[2].Raw)

	contact, err := f.store.ContactByPeer(f.account.ID, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, storage.ContactRequestSent, contact.Status)
}

func TestInitiateIsIdempotent(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.manager.Initiate(context.Background(), f.account.ID, "bob@example.com"))
	require.NoError(t, f.manager.Initiate(context.Background(), f.account.ID, "bob@example.com"))

	assert.Len(t, f.gw.SentOfType(router.TypePairingRequest), 1)
	contacts, err := f.store.Contacts(f.account.ID)
	require.NoError(t, err)
	assert.Len(t, contacts, 1)
}

func TestInitiateSurfacesSendFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.FailSends(errors.New("queue full"))

	err := f.manager.Initiate(context.Background(), f.account.ID, "bob@example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrSendFailed)

	_, err = f.store.ContactByPeer(f.account.ID, "bob@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInitiateRequiresActiveAccount(t *testing.T) {
	f := newFixture(t)

	pending := &storage.Account{Username: "carol", Status: storage.AccountAwaitingIssuance}
	require.NoError(t, f.store.CreateAccount(pending))

	err := f.manager.Initiate(context.Background(), pending.ID, "bob@example.com")
	assert.ErrorIs(t, err, ErrAccountNotReady)
}

func TestHandleMatchAuthorizesAndReplies(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Initiate(context.Background(), f.account.ID, "bob@example.com"))

	match, peerKeys := f.peerMatch(t, "bob@example.com")
	require.NoError(t, f.manager.HandleMatch(context.Background(), match))

	contact, err := f.store.ContactByPeer(f.account.ID, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, storage.ContactAuthorizationSent, contact.Status)
	assert.Equal(t, peerKeys.Public[:], contact.PublicKey)
	assert.Equal(t, gateway.NodeIDForKey(peerKeys.Public[:]), contact.NodeID)

	require.Len(t, f.gw.AuthorizeCalls(), 1)
	assert.True(t, f.endpoints.IsAuthorizedNode(contact.NodeID))

	auths := f.gw.SentOfType(router.TypePairingAuthorization)
	require.Len(t, auths, 1)
	assert.Equal(t, contact.NodeID, auths[0].Recipient)
}

func TestHandleMatchCreatesContactForUnknownPeer(t *testing.T) {
	f := newFixture(t)

	// No local Initiate: the peer moved first.
	match, _ := f.peerMatch(t, "bob@example.com")
	require.NoError(t, f.manager.HandleMatch(context.Background(), match))

	contact, err := f.store.ContactByPeer(f.account.ID, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, storage.ContactAuthorizationSent, contact.Status)
}

func TestHandleMatchIsIdempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Initiate(context.Background(), f.account.ID, "bob@example.com"))

	match, _ := f.peerMatch(t, "bob@example.com")
	require.NoError(t, f.manager.HandleMatch(context.Background(), match))
	require.NoError(t, f.manager.HandleMatch(context.Background(), match))

	contacts, err := f.store.Contacts(f.account.ID)
	require.NoError(t, err)
	assert.Len(t, contacts, 1)
	assert.Equal(t, storage.ContactAuthorizationSent, contacts[0].Status)

	// The transport was only asked to authorize once.
	assert.Len(t, f.gw.AuthorizeCalls(), 1)
	assert.Len(t, f.gw.SentOfType(router.TypePairingAuthorization), 1)
}

func TestHandleMatchRetriesAuthorizationAfterSendFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Initiate(context.Background(), f.account.ID, "bob@example.com"))

	match, _ := f.peerMatch(t, "bob@example.com")
	f.gw.FailSends(errors.New("queue full"))
	require.Error(t, f.manager.HandleMatch(context.Background(), match))

	// The contact parks at Match with no authorization on the wire and
	// no failure raised; the relay owns redelivery.
	contact, err := f.store.ContactByPeer(f.account.ID, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, storage.ContactMatch, contact.Status)
	assert.Empty(t, f.gw.SentOfType(router.TypePairingAuthorization))
	assert.Empty(t, f.drainEvents())

	// The transport recovers and the relay re-delivers the same match.
	f.gw.FailSends(nil)
	require.NoError(t, f.manager.HandleMatch(context.Background(), match))

	contact, err = f.store.ContactByPeer(f.account.ID, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, storage.ContactAuthorizationSent, contact.Status)
	assert.Len(t, f.gw.SentOfType(router.TypePairingAuthorization), 1)
}

func TestHandleMatchDropsNonRelaySender(t *testing.T) {
	f := newFixture(t)

	match, _ := f.peerMatch(t, "bob@example.com")
	match.Sender = "node-mallory"
	require.NoError(t, f.manager.HandleMatch(context.Background(), match))

	_, err := f.store.ContactByPeer(f.account.ID, "bob@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, f.gw.AuthorizeCalls())
}

func TestHandleMatchAuthorizationRejection(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Initiate(context.Background(), f.account.ID, "bob@example.com"))

	match, peerKeys := f.peerMatch(t, "bob@example.com")
	f.gw.FailAuthorization(peerKeys.Public[:], gateway.ErrAuthorizationRejected)

	require.NoError(t, f.manager.HandleMatch(context.Background(), match))

	// Contact deleted, exactly one failure notification, no retry.
	_, err := f.store.ContactByPeer(f.account.ID, "bob@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	events := f.drainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, notify.PairingFailed, events[0].Kind)
	assert.Equal(t, f.account.ID, events[0].AccountID)
}

func TestHandleMatchTamperedSignature(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Initiate(context.Background(), f.account.ID, "bob@example.com"))

	match, _ := f.peerMatch(t, "bob@example.com")
	match.Payload[len(match.Payload)-1] ^= 0x01

	_ = f.manager.HandleMatch(context.Background(), match)

	_, err := f.store.ContactByPeer(f.account.ID, "bob@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	events := f.drainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, notify.PairingFailed, events[0].Kind)
}

// completeMatch drives a contact through Initiate and HandleMatch.
func completeMatch(t *testing.T, f *fixture, peerID string) *storage.Contact {
	t.Helper()
	require.NoError(t, f.manager.Initiate(context.Background(), f.account.ID, peerID))
	match, _ := f.peerMatch(t, peerID)
	require.NoError(t, f.manager.HandleMatch(context.Background(), match))
	contact, err := f.store.ContactByPeer(f.account.ID, peerID)
	require.NoError(t, err)
	return contact
}

func TestHandleAuthorizationCompletesContact(t *testing.T) {
	f := newFixture(t)
	contact := completeMatch(t, f, "bob@example.com")

	auth := gateway.Inbound{
		Type:    router.TypePairingAuthorization,
		Payload: envelope.Encode(envelope.String("bob@example.com"), envelope.Bytes([]byte("grant:"+contact.NodeID))),
		Sender:  contact.NodeID,
	}
	require.NoError(t, f.manager.HandleAuthorization(context.Background(), auth))

	got, err := f.store.Contact(contact.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ContactCompleted, got.Status)

	events := f.drainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, notify.PairingSucceeded, events[0].Kind)
	assert.Equal(t, contact.ID, events[0].ContactID)
}

func TestHandleAuthorizationFanOut(t *testing.T) {
	f := newFixture(t)
	first := completeMatch(t, f, "bob@example.com")

	// A second local account also paired with the same peer endpoint.
	signing, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	bundle, err := f.authority.Issue("alice2@example.com", signing.Public[:], f.now)
	require.NoError(t, err)
	second := &storage.Account{
		Username:       "alice2",
		NetworkID:      "alice2@example.com",
		PrivateKey:     signing.Private[:],
		IdentityBundle: bundle,
		Status:         storage.AccountActive,
	}
	require.NoError(t, f.store.CreateAccount(second))
	other := &storage.Contact{
		AccountID: second.ID,
		PeerID:    "bob@example.com",
		NodeID:    first.NodeID,
		PublicKey: first.PublicKey,
		Status:    storage.ContactMatch,
	}
	require.NoError(t, f.store.CreateContact(other))

	auth := gateway.Inbound{
		Type:    router.TypePairingAuthorization,
		Payload: envelope.Encode(envelope.String("bob@example.com"), envelope.Bytes([]byte("grant:"+first.NodeID))),
		Sender:  first.NodeID,
	}
	require.NoError(t, f.manager.HandleAuthorization(context.Background(), auth))

	for _, id := range []string{first.ID, other.ID} {
		got, err := f.store.Contact(id)
		require.NoError(t, err)
		assert.Equal(t, storage.ContactCompleted, got.Status)
	}

	events := f.drainEvents()
	assert.Len(t, events, 2)
}

func TestHandleAuthorizationDuplicateIsQuiet(t *testing.T) {
	f := newFixture(t)
	contact := completeMatch(t, f, "bob@example.com")

	auth := gateway.Inbound{
		Type:    router.TypePairingAuthorization,
		Payload: envelope.Encode(envelope.String("bob@example.com"), envelope.Bytes([]byte("grant:"+contact.NodeID))),
		Sender:  contact.NodeID,
	}
	require.NoError(t, f.manager.HandleAuthorization(context.Background(), auth))
	require.NoError(t, f.manager.HandleAuthorization(context.Background(), auth))

	events := f.drainEvents()
	assert.Len(t, events, 1)
}

func TestHandleAuthorizationUnknownSenderDropped(t *testing.T) {
	f := newFixture(t)
	contact := completeMatch(t, f, "bob@example.com")

	auth := gateway.Inbound{
		Type:    router.TypePairingAuthorization,
		Payload: envelope.Encode(envelope.String("x"), envelope.Bytes([]byte("grant:"+contact.NodeID))),
		Sender:  "node-mallory",
	}
	require.NoError(t, f.manager.HandleAuthorization(context.Background(), auth))

	got, err := f.store.Contact(contact.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ContactAuthorizationSent, got.Status)
	assert.Empty(t, f.drainEvents())
}

func TestHandleAuthorizationMalformedPayload(t *testing.T) {
	f := newFixture(t)
	contact := completeMatch(t, f, "bob@example.com")

	auth := gateway.Inbound{
		Type:    router.TypePairingAuthorization,
		Payload: []byte("garbage"),
		Sender:  contact.NodeID,
	}
	err := f.manager.HandleAuthorization(context.Background(), auth)
	require.Error(t, err)
	assert.ErrorIs(t, err, envelope.ErrMalformedEnvelope)
}

func TestUnpairDeletesContactAndRevokesEndpoint(t *testing.T) {
	f := newFixture(t)
	contact := completeMatch(t, f, "bob@example.com")

	require.NoError(t, f.manager.Unpair(context.Background(), f.account.ID, "bob@example.com"))

	_, err := f.store.Contact(contact.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.False(t, f.endpoints.IsAuthorizedNode(contact.NodeID))
}
