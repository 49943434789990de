package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// SentMessage records one Send call made against the Fake.
type SentMessage struct {
	Type      string
	Payload   []byte
	Recipient string
	Sender    string
}

// AuthorizeCall records one AuthorizeContact call.
type AuthorizeCall struct {
	PublicKey []byte
}

// Fake implements Gateway in memory for tests. Outbound messages are
// recorded; inbound delivery is driven through Deliver; authorization
// results can be scripted per key.
type Fake struct {
	mu            sync.Mutex
	localNodeID   string
	sent          []SentMessage
	authorizeErr  map[string]error // hex public key -> scripted failure
	authorized    []AuthorizeCall
	sendErr       error
	inbound       chan Inbound
	receiveCalled bool
}

// NewFake creates a fake gateway whose local node carries the given
// identifier.
func NewFake(localNodeID string) *Fake {
	return &Fake{
		localNodeID:  localNodeID,
		authorizeErr: make(map[string]error),
		inbound:      make(chan Inbound, 64),
	}
}

// NodeIDForKey derives the deterministic node identifier the fake
// transport assigns to a public key. Both sides of a test derive the
// same identifier for the same key, as a real transport would.
func NodeIDForKey(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return "node-" + hex.EncodeToString(sum[:8])
}

// Send implements Gateway.Send.
func (f *Fake) Send(_ context.Context, msgType string, payload []byte, recipient, sender string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, f.sendErr)
	}
	f.sent = append(f.sent, SentMessage{
		Type:      msgType,
		Payload:   append([]byte(nil), payload...),
		Recipient: recipient,
		Sender:    sender,
	})
	return nil
}

// Receive implements Gateway.Receive.
func (f *Fake) Receive(_ context.Context) (<-chan Inbound, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiveCalled = true
	return f.inbound, nil
}

// AuthorizeContact implements Gateway.AuthorizeContact. The grant encodes
// this fake's local node identifier, which is what the peer recovers by
// importing it.
func (f *Fake) AuthorizeContact(publicKey []byte) (string, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.authorized = append(f.authorized, AuthorizeCall{PublicKey: append([]byte(nil), publicKey...)})
	if err, ok := f.authorizeErr[hex.EncodeToString(publicKey)]; ok {
		return "", nil, err
	}
	return NodeIDForKey(publicKey), []byte("grant:" + f.localNodeID), nil
}

// ImportAuthorization implements Gateway.ImportAuthorization.
func (f *Fake) ImportAuthorization(grant []byte) (string, error) {
	if len(grant) < 7 || string(grant[:6]) != "grant:" {
		return "", fmt.Errorf("%w: unparseable grant", ErrAuthorizationRejected)
	}
	return string(grant[6:]), nil
}

// Deliver injects an inbound message onto the receive stream.
func (f *Fake) Deliver(msg Inbound) {
	f.inbound <- msg
}

// Sent returns a copy of all recorded outbound messages.
func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentOfType returns recorded outbound messages of one type.
func (f *Fake) SentOfType(msgType string) []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SentMessage
	for _, m := range f.sent {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// AuthorizeCalls returns all recorded AuthorizeContact calls.
func (f *Fake) AuthorizeCalls() []AuthorizeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AuthorizeCall, len(f.authorized))
	copy(out, f.authorized)
	return out
}

// FailAuthorization scripts AuthorizeContact to fail for a public key.
func (f *Fake) FailAuthorization(publicKey []byte, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		err = ErrAuthorizationRejected
	}
	f.authorizeErr[hex.EncodeToString(publicKey)] = err
}

// FailSends scripts every subsequent Send to fail.
func (f *Fake) FailSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// Close stops the inbound stream.
func (f *Fake) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inbound != nil {
		close(f.inbound)
		f.inbound = nil
	}
}
