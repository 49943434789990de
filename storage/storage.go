// Package storage defines the persistence collaborator contract for the
// meshmail core: CRUD over Account, Contact, Conversation and Message
// records plus attachment blobs. The core requires per-record atomic
// update only; no cross-record transactions.
package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a uniqueness constraint is violated.
	ErrDuplicate = errors.New("duplicate record")
)

// AccountStatus is the lifecycle state of a local account.
type AccountStatus uint8

const (
	AccountPendingRequest AccountStatus = iota
	AccountAwaitingIssuance
	AccountActive
)

func (s AccountStatus) String() string {
	switch s {
	case AccountPendingRequest:
		return "pending_request"
	case AccountAwaitingIssuance:
		return "awaiting_issuance"
	case AccountActive:
		return "active"
	default:
		return "unknown"
	}
}

// Account is a local user identity.
type Account struct {
	ID             string
	Username       string // requested display name
	NetworkID      string // assigned identifier, empty until issuance
	Locale         string
	PrivateKey     []byte // Ed25519 signing seed
	IdentityBundle []byte // signed bundle, nil until issued
	Status         AccountStatus
	CreatedAt      time.Time
}

// ContactStatus is the pairing state of a contact.
type ContactStatus uint8

const (
	ContactUnpaired ContactStatus = iota
	ContactRequestSent
	ContactMatch
	ContactAuthorizationSent
	ContactCompleted
)

func (s ContactStatus) String() string {
	switch s {
	case ContactUnpaired:
		return "unpaired"
	case ContactRequestSent:
		return "request_sent"
	case ContactMatch:
		return "match"
	case ContactAuthorizationSent:
		return "authorization_sent"
	case ContactCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Contact is a remote peer known to one local account. At most one
// Contact exists per (AccountID, PeerID) pair.
type Contact struct {
	ID        string
	AccountID string
	PeerID    string
	Alias     string
	NodeID    string // remote transport endpoint, empty until matched
	PublicKey []byte // remote public key, nil until matched
	Status    ContactStatus
	AvatarRef string
	CreatedAt time.Time
}

// Conversation groups messages with one contact. The identifier is
// generated by the conversation's originator, so both sides share it.
type Conversation struct {
	ID        string
	AccountID string
	ContactID string
	Topic     string
	Unread    bool
	Archived  bool
	CreatedAt time.Time
}

// Message is one message within a conversation, keyed by an
// originator-generated unique identifier.
type Message struct {
	ID             string
	ConversationID string
	SentAt         time.Time
	Body           []byte
	Outbound       bool
	AttachmentRefs []string
}

// AccountStore persists Account records.
type AccountStore interface {
	CreateAccount(a *Account) error
	Account(id string) (*Account, error)
	AccountByNetworkID(networkID string) (*Account, error)
	UpdateAccount(a *Account) error
	DeleteAccount(id string) error
	Accounts() ([]*Account, error)
}

// ContactStore persists Contact records.
type ContactStore interface {
	CreateContact(c *Contact) error
	Contact(id string) (*Contact, error)
	ContactByPeer(accountID, peerID string) (*Contact, error)
	ContactsByNode(nodeID string) ([]*Contact, error)
	UpdateContact(c *Contact) error
	DeleteContact(id string) error
	Contacts(accountID string) ([]*Contact, error)
}

// ConversationStore persists Conversation and Message records.
type ConversationStore interface {
	CreateConversation(c *Conversation) error
	Conversation(id string) (*Conversation, error)
	UpdateConversation(c *Conversation) error
	Conversations(accountID string) ([]*Conversation, error)
	InsertMessage(m *Message) error
	HasMessage(id string) (bool, error)
	Messages(conversationID string) ([]*Message, error)
}

// FileStore persists attachment blobs and returns opaque references.
type FileStore interface {
	SaveAttachment(messageID, name string, data []byte) (ref string, err error)
}
