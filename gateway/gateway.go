// Package gateway defines the contract with the external store-and-forward
// transport. The gateway owns node discovery, encryption of queued
// messages and delivery retries; the core only sends, receives and
// manages contact authorization through this narrow interface.
package gateway

import (
	"context"
	"errors"
)

// ErrAuthorizationRejected is returned by AuthorizeContact when the
// transport refuses to authorize a public key.
var ErrAuthorizationRejected = errors.New("transport authorization rejected")

// ErrSendFailed wraps transport-level delivery submission failures. These
// are surfaced synchronously to the caller as retryable; the core never
// auto-retries.
var ErrSendFailed = errors.New("transport send failed")

// Inbound is one delivered transport message: a declared MIME-like type,
// opaque content and the sender's transport node identifier.
type Inbound struct {
	Type    string
	Payload []byte
	Sender  string
}

// Gateway is the transport collaborator contract.
//
// Send submits an outbound message for delivery to a recipient node on
// behalf of a sending account's node; delivery itself is asynchronous and
// retried below the application layer.
//
// Receive returns a restartable stream of inbound messages. The core runs
// a single consumer over it; messages on the stream arrive in delivery
// order for that stream, though the network may have reordered them.
//
// AuthorizeContact authorizes a peer's public key with the transport. It
// returns the peer's transport node identifier together with a grant blob
// that, when imported by the peer via ImportAuthorization, resolves to
// this node's identifier. ImportAuthorization applies a received grant
// and returns the node identifier it references.
type Gateway interface {
	Send(ctx context.Context, msgType string, payload []byte, recipient, sender string) error
	Receive(ctx context.Context) (<-chan Inbound, error)
	AuthorizeContact(publicKey []byte) (nodeID string, grant []byte, err error)
	ImportAuthorization(grant []byte) (nodeID string, err error)
}
