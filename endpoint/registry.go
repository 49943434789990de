// Package endpoint tracks cryptographic endpoint bindings: the local
// node's own endpoints and the set of authorized remote endpoints, each a
// public key paired with a transport node identifier.
//
// Pairing can be mid-flight with only one half of a binding known, so
// half-open bindings (key without node, node without key) are
// representable.
package endpoint

import (
	"encoding/hex"
	"sync"

	"github.com/sirupsen/logrus"
)

// Binding relates a public key to a transport node identifier. Either
// side may be absent while a pairing is mid-flight.
type Binding struct {
	PublicKey []byte
	NodeID    string
}

// Registry is the process-wide endpoint table. All methods are safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	local  map[string]Binding // account ID -> local endpoint
	byKey  map[string]Binding // hex public key -> remote binding
	byNode map[string]string  // node ID -> hex public key
}

// NewRegistry creates an empty endpoint registry.
func NewRegistry() *Registry {
	return &Registry{
		local:  make(map[string]Binding),
		byKey:  make(map[string]Binding),
		byNode: make(map[string]string),
	}
}

// SetLocal records the local endpoint for an account.
func (r *Registry) SetLocal(accountID string, publicKey []byte, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.local[accountID] = Binding{PublicKey: append([]byte(nil), publicKey...), NodeID: nodeID}

	logrus.WithFields(logrus.Fields{
		"function":   "SetLocal",
		"account_id": accountID,
		"node_id":    nodeID,
	}).Debug("Local endpoint recorded")
}

// Local returns the local endpoint for an account.
func (r *Registry) Local(accountID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.local[accountID]
	return b, ok
}

// Authorize records a remote binding. Either publicKey or nodeID may be
// empty while the other half is not yet known; a later call for the same
// key fills in the node identifier.
func (r *Registry) Authorize(publicKey []byte, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := hex.EncodeToString(publicKey)
	b := r.byKey[key]
	b.PublicKey = append([]byte(nil), publicKey...)
	if nodeID != "" {
		b.NodeID = nodeID
		r.byNode[nodeID] = key
	}
	r.byKey[key] = b

	logrus.WithFields(logrus.Fields{
		"function":   "Authorize",
		"public_key": shortKey(publicKey),
		"node_id":    nodeID,
	}).Info("Remote endpoint authorized")
}

// NodeForKey returns the node identifier bound to a public key.
func (r *Registry) NodeForKey(publicKey []byte) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.byKey[hex.EncodeToString(publicKey)]
	if !ok || b.NodeID == "" {
		return "", false
	}
	return b.NodeID, true
}

// KeyForNode returns the public key bound to a node identifier.
func (r *Registry) KeyForNode(nodeID string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.byNode[nodeID]
	if !ok {
		return nil, false
	}
	b := r.byKey[key]
	return append([]byte(nil), b.PublicKey...), true
}

// IsAuthorizedNode reports whether a node identifier belongs to an
// authorized remote endpoint.
func (r *Registry) IsAuthorizedNode(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byNode[nodeID]
	return ok
}

// Revoke removes the remote binding for a public key.
func (r *Registry) Revoke(publicKey []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := hex.EncodeToString(publicKey)
	if b, ok := r.byKey[key]; ok {
		if b.NodeID != "" {
			delete(r.byNode, b.NodeID)
		}
		delete(r.byKey, key)

		logrus.WithFields(logrus.Fields{
			"function":   "Revoke",
			"public_key": shortKey(publicKey),
		}).Info("Remote endpoint revoked")
	}
}

// shortKey truncates a key for privacy-conscious logging.
func shortKey(publicKey []byte) string {
	if len(publicKey) > 8 {
		publicKey = publicKey[:8]
	}
	return hex.EncodeToString(publicKey)
}
