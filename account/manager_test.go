package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshmail/crypto"
	"github.com/opd-ai/meshmail/envelope"
	"github.com/opd-ai/meshmail/gateway"
	"github.com/opd-ai/meshmail/identity"
	"github.com/opd-ai/meshmail/router"
	"github.com/opd-ai/meshmail/storage"
)

const (
	authorityNode = "node-authority"
	localNode     = "node-local"
)

type fixture struct {
	store     *storage.Memory
	gw        *gateway.Fake
	authority *identity.Authority
	manager   *Manager
	activated []*storage.Account
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	authorityKeys, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	authority, err := identity.NewAuthority(authorityKeys, 0)
	require.NoError(t, err)

	f := &fixture{
		store:     storage.NewMemory(),
		gw:        gateway.NewFake(localNode),
		authority: authority,
		now:       time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	f.manager = NewManager(f.store, f.gw, router.NewKeyedMutex(),
		authorityNode, func(string) string { return localNode },
		func(acct *storage.Account) { f.activated = append(f.activated, acct) })
	return f
}

// issuanceFor builds the authority's issuance response for a pending
// account request captured from the fake gateway.
func (f *fixture) issuanceFor(t *testing.T, requestPayload []byte, domain string) gateway.Inbound {
	t.Helper()

	username, _, publicKey, err := ParseSignedRequest(requestPayload)
	require.NoError(t, err)

	networkID := username + "@" + domain
	bundle, err := f.authority.Issue(networkID, publicKey, f.now)
	require.NoError(t, err)

	return gateway.Inbound{
		Type: router.TypeAccountIssuance,
		Payload: envelope.Encode(
			envelope.String(networkID),
			envelope.Bytes(publicKey),
			envelope.Bytes(bundle),
		),
		Sender: authorityNode,
	}
}

func TestRequestSendsSignedEnvelope(t *testing.T) {
	f := newFixture(t)

	acct, err := f.manager.Request(context.Background(), "alice", "en-US")
	require.NoError(t, err)
	assert.Equal(t, storage.AccountAwaitingIssuance, acct.Status)
	assert.Empty(t, acct.NetworkID)
	assert.Len(t, acct.PrivateKey, crypto.KeySize)

	sent := f.gw.SentOfType(router.TypeAccountRequest)
	require.Len(t, sent, 1)
	assert.Equal(t, authorityNode, sent[0].Recipient)

	username, locale, publicKey, err := ParseSignedRequest(sent[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)
	assert.Equal(t, "en-US", locale)

	keys, err := crypto.SigningKeyPairFromSeed([32]byte(acct.PrivateKey))
	require.NoError(t, err)
	assert.Equal(t, keys.Public[:], publicKey)
}

func TestRequestResolvesSenderForAssignedAccountID(t *testing.T) {
	f := newFixture(t)

	var resolved []string
	manager := NewManager(f.store, f.gw, router.NewKeyedMutex(), authorityNode,
		func(accountID string) string {
			resolved = append(resolved, accountID)
			return localNode
		}, nil)

	acct, err := manager.Request(context.Background(), "alice", "en-US")
	require.NoError(t, err)
	require.NotEmpty(t, acct.ID)

	// The sender endpoint is looked up for the account the request
	// creates, not for a placeholder identifier.
	require.Len(t, resolved, 1)
	assert.Equal(t, acct.ID, resolved[0])
}

func TestRequestRejectsEmptyUsername(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Request(context.Background(), "", "en-US")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRequestSurfacesSendFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.FailSends(errors.New("gateway offline"))

	_, err := f.manager.Request(context.Background(), "alice", "en-US")
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrSendFailed)

	accounts, err := f.store.Accounts()
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestIssuanceActivatesAccount(t *testing.T) {
	f := newFixture(t)

	acct, err := f.manager.Request(context.Background(), "alice", "en-US")
	require.NoError(t, err)

	sent := f.gw.SentOfType(router.TypeAccountRequest)
	issuance := f.issuanceFor(t, sent[0].Payload, "example.com")
	require.NoError(t, f.manager.HandleIssuance(context.Background(), issuance))

	got, err := f.store.Account(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.AccountActive, got.Status)
	assert.Equal(t, "alice@example.com", got.NetworkID)
	assert.NotEmpty(t, got.IdentityBundle)

	// The persisted bundle verifies against the authority root.
	bundle, err := identity.VerifyBundle(got.IdentityBundle, f.authority.Root(), f.now)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", bundle.MemberID)

	require.Len(t, f.activated, 1)
	assert.Equal(t, acct.ID, f.activated[0].ID)
}

func TestIssuanceKeyMismatchDroppedSilently(t *testing.T) {
	f := newFixture(t)

	acct, err := f.manager.Request(context.Background(), "alice", "en-US")
	require.NoError(t, err)

	// An issuance carrying a key the pending request never submitted.
	wrongKeys, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	bundle, err := f.authority.Issue("alice@example.com", wrongKeys.Public[:], f.now)
	require.NoError(t, err)

	forged := gateway.Inbound{
		Type: router.TypeAccountIssuance,
		Payload: envelope.Encode(
			envelope.String("alice@example.com"),
			envelope.Bytes(wrongKeys.Public[:]),
			envelope.Bytes(bundle),
		),
		Sender: authorityNode,
	}
	require.NoError(t, f.manager.HandleIssuance(context.Background(), forged))

	got, err := f.store.Account(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.AccountAwaitingIssuance, got.Status)
	assert.Empty(t, got.NetworkID)
	assert.Nil(t, got.IdentityBundle)
	assert.Empty(t, f.activated)
}

func TestIssuanceMalformedDroppedSilently(t *testing.T) {
	f := newFixture(t)

	acct, err := f.manager.Request(context.Background(), "alice", "en-US")
	require.NoError(t, err)

	for _, payload := range [][]byte{nil, []byte("junk"), envelope.Encode(envelope.Uint64(1))} {
		msg := gateway.Inbound{Type: router.TypeAccountIssuance, Payload: payload, Sender: authorityNode}
		assert.NoError(t, f.manager.HandleIssuance(context.Background(), msg))
	}

	got, err := f.store.Account(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.AccountAwaitingIssuance, got.Status)
}

func TestIssuanceFromWrongSenderDropped(t *testing.T) {
	f := newFixture(t)

	acct, err := f.manager.Request(context.Background(), "alice", "en-US")
	require.NoError(t, err)

	sent := f.gw.SentOfType(router.TypeAccountRequest)
	issuance := f.issuanceFor(t, sent[0].Payload, "example.com")
	issuance.Sender = "node-mallory"
	require.NoError(t, f.manager.HandleIssuance(context.Background(), issuance))

	got, err := f.store.Account(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.AccountAwaitingIssuance, got.Status)
}

func TestIssuanceRedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Request(context.Background(), "alice", "en-US")
	require.NoError(t, err)

	sent := f.gw.SentOfType(router.TypeAccountRequest)
	issuance := f.issuanceFor(t, sent[0].Payload, "example.com")
	require.NoError(t, f.manager.HandleIssuance(context.Background(), issuance))
	require.NoError(t, f.manager.HandleIssuance(context.Background(), issuance))

	assert.Len(t, f.activated, 1)
}

func TestParseSignedRequestRejectsTampering(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Request(context.Background(), "alice", "en-US")
	require.NoError(t, err)

	payload := f.gw.SentOfType(router.TypeAccountRequest)[0].Payload
	outer, err := envelope.Decode(payload, envelope.KindBytes, envelope.KindBytes)
	require.NoError(t, err)

	// Swap the requested username inside the inner request.
	inner, err := envelope.Decode(outer[0].Raw, envelope.KindString, envelope.KindString, envelope.KindBytes)
	require.NoError(t, err)
	inner[0] = envelope.String("mallory")
	tampered := envelope.Encode(
		envelope.Bytes(envelope.Encode(inner...)),
		envelope.Bytes(outer[1].Raw),
	)

	_, _, _, err = ParseSignedRequest(tampered)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
