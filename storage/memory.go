package storage

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory implements every store interface in memory. Records are copied
// on the way in and out so callers never share mutable state with the
// store; each update replaces a whole record atomically.
type Memory struct {
	mu            sync.RWMutex
	accounts      map[string]*Account
	contacts      map[string]*Contact
	conversations map[string]*Conversation
	messages      map[string]*Message
	attachments   map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts:      make(map[string]*Account),
		contacts:      make(map[string]*Contact),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
		attachments:   make(map[string][]byte),
	}
}

func copyAccount(a *Account) *Account {
	c := *a
	c.PrivateKey = append([]byte(nil), a.PrivateKey...)
	c.IdentityBundle = append([]byte(nil), a.IdentityBundle...)
	return &c
}

func copyContact(c *Contact) *Contact {
	d := *c
	d.PublicKey = append([]byte(nil), c.PublicKey...)
	return &d
}

func copyConversation(c *Conversation) *Conversation {
	d := *c
	return &d
}

func copyMessage(m *Message) *Message {
	d := *m
	d.Body = append([]byte(nil), m.Body...)
	d.AttachmentRefs = append([]string(nil), m.AttachmentRefs...)
	return &d
}

// CreateAccount implements AccountStore.
func (s *Memory) CreateAccount(a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("%w: account %s", ErrDuplicate, a.ID)
	}
	s.accounts[a.ID] = copyAccount(a)
	return nil
}

// Account implements AccountStore.
func (s *Memory) Account(id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	return copyAccount(a), nil
}

// AccountByNetworkID implements AccountStore.
func (s *Memory) AccountByNetworkID(networkID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.NetworkID == networkID && networkID != "" {
			return copyAccount(a), nil
		}
	}
	return nil, fmt.Errorf("%w: account for %s", ErrNotFound, networkID)
}

// UpdateAccount implements AccountStore.
func (s *Memory) UpdateAccount(a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; !ok {
		return fmt.Errorf("%w: account %s", ErrNotFound, a.ID)
	}
	s.accounts[a.ID] = copyAccount(a)
	return nil
}

// DeleteAccount implements AccountStore.
func (s *Memory) DeleteAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[id]; !ok {
		return fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	delete(s.accounts, id)
	return nil
}

// Accounts implements AccountStore.
func (s *Memory) Accounts() ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, copyAccount(a))
	}
	return out, nil
}

// CreateContact implements ContactStore. The (AccountID, PeerID) pair is
// unique.
func (s *Memory) CreateContact(c *Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, ok := s.contacts[c.ID]; ok {
		return fmt.Errorf("%w: contact %s", ErrDuplicate, c.ID)
	}
	for _, existing := range s.contacts {
		if existing.AccountID == c.AccountID && existing.PeerID == c.PeerID {
			return fmt.Errorf("%w: contact for peer %s", ErrDuplicate, c.PeerID)
		}
	}
	s.contacts[c.ID] = copyContact(c)
	return nil
}

// Contact implements ContactStore.
func (s *Memory) Contact(id string) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: contact %s", ErrNotFound, id)
	}
	return copyContact(c), nil
}

// ContactByPeer implements ContactStore.
func (s *Memory) ContactByPeer(accountID, peerID string) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.contacts {
		if c.AccountID == accountID && c.PeerID == peerID {
			return copyContact(c), nil
		}
	}
	return nil, fmt.Errorf("%w: contact for peer %s", ErrNotFound, peerID)
}

// ContactsByNode implements ContactStore.
func (s *Memory) ContactsByNode(nodeID string) ([]*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Contact
	for _, c := range s.contacts {
		if c.NodeID == nodeID && nodeID != "" {
			out = append(out, copyContact(c))
		}
	}
	return out, nil
}

// UpdateContact implements ContactStore.
func (s *Memory) UpdateContact(c *Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contacts[c.ID]; !ok {
		return fmt.Errorf("%w: contact %s", ErrNotFound, c.ID)
	}
	s.contacts[c.ID] = copyContact(c)
	return nil
}

// DeleteContact implements ContactStore.
func (s *Memory) DeleteContact(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contacts[id]; !ok {
		return fmt.Errorf("%w: contact %s", ErrNotFound, id)
	}
	delete(s.contacts, id)
	return nil
}

// Contacts implements ContactStore.
func (s *Memory) Contacts(accountID string) ([]*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Contact
	for _, c := range s.contacts {
		if c.AccountID == accountID {
			out = append(out, copyContact(c))
		}
	}
	return out, nil
}

// CreateConversation implements ConversationStore.
func (s *Memory) CreateConversation(c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, ok := s.conversations[c.ID]; ok {
		return fmt.Errorf("%w: conversation %s", ErrDuplicate, c.ID)
	}
	s.conversations[c.ID] = copyConversation(c)
	return nil
}

// Conversation implements ConversationStore.
func (s *Memory) Conversation(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	return copyConversation(c), nil
}

// UpdateConversation implements ConversationStore.
func (s *Memory) UpdateConversation(c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[c.ID]; !ok {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, c.ID)
	}
	s.conversations[c.ID] = copyConversation(c)
	return nil
}

// Conversations implements ConversationStore.
func (s *Memory) Conversations(accountID string) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Conversation
	for _, c := range s.conversations {
		if c.AccountID == accountID {
			out = append(out, copyConversation(c))
		}
	}
	return out, nil
}

// InsertMessage implements ConversationStore.
func (s *Memory) InsertMessage(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if _, ok := s.messages[m.ID]; ok {
		return fmt.Errorf("%w: message %s", ErrDuplicate, m.ID)
	}
	s.messages[m.ID] = copyMessage(m)
	return nil
}

// HasMessage implements ConversationStore.
func (s *Memory) HasMessage(id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.messages[id]
	return ok, nil
}

// Messages implements ConversationStore.
func (s *Memory) Messages(conversationID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, copyMessage(m))
		}
	}
	return out, nil
}

// SaveAttachment implements FileStore.
func (s *Memory) SaveAttachment(messageID, name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := "attachment/" + messageID + "/" + name
	s.attachments[ref] = append([]byte(nil), data...)
	return ref, nil
}

// Attachment returns a stored attachment blob by reference.
func (s *Memory) Attachment(ref string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.attachments[ref]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}
