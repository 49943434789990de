// Package meshmail implements the pairing and account-provisioning
// protocol engine of a peer-to-peer, identity-verified messaging
// application built on a delay-tolerant, store-and-forward transport.
//
// The Messenger facade wires the external gateway's receive stream into
// the message router and exposes the user-facing operations: requesting
// a network identity, pairing with peers, and exchanging messages with
// completed contacts. All protocol state machines tolerate delayed,
// re-ordered and duplicated delivery and can be resumed at any point
// after a process restart, because every transition is driven purely by
// persisted state plus the next inbound message.
//
// Example:
//
//	m := meshmail.New(cfg, gw, stores)
//	if err := m.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	acct, err := m.RequestAccount(ctx, "alice", "en-US")
package meshmail

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmail/account"
	"github.com/opd-ai/meshmail/config"
	"github.com/opd-ai/meshmail/conversation"
	"github.com/opd-ai/meshmail/endpoint"
	"github.com/opd-ai/meshmail/gateway"
	"github.com/opd-ai/meshmail/identity"
	"github.com/opd-ai/meshmail/notify"
	"github.com/opd-ai/meshmail/pairing"
	"github.com/opd-ai/meshmail/router"
	"github.com/opd-ai/meshmail/storage"
)

// ErrNoCurrentAccount is returned by operations that need an active
// identity when none has been provisioned or selected yet.
var ErrNoCurrentAccount = errors.New("no current account")

// Stores bundles the persistence collaborators a Messenger needs.
type Stores struct {
	Accounts      storage.AccountStore
	Contacts      storage.ContactStore
	Conversations storage.ConversationStore
	Files         storage.FileStore
}

// Messenger is the protocol engine facade. Exactly one account is
// "current" at a time; pairing and messaging operate on it.
type Messenger struct {
	cfg       config.Config
	gw        gateway.Gateway
	stores    Stores
	endpoints *endpoint.Registry
	events    *notify.Bus
	ids       *identity.Service
	routes    *router.Router
	locks     *router.KeyedMutex
	current   *notify.Cell[storage.Account]

	accounts      *account.Manager
	pairing       *pairing.Manager
	conversations *conversation.Handler

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New assembles a Messenger from its collaborators and registers all
// inbound message handlers. Call Run to start consuming the gateway's
// receive stream.
func New(cfg config.Config, gw gateway.Gateway, stores Stores) *Messenger {
	m := &Messenger{
		cfg:       cfg,
		gw:        gw,
		stores:    stores,
		endpoints: endpoint.NewRegistry(),
		events:    notify.NewBus(),
		ids:       identity.NewService(cfg.AuthorityRoot),
		routes:    router.New(),
		locks:     router.NewKeyedMutex(),
		current:   notify.NewCell[storage.Account](),
	}

	localNodeID := m.localNodeID
	m.accounts = account.NewManager(stores.Accounts, gw, m.locks,
		cfg.AuthorityNodeID, localNodeID, m.onAccountActive)
	m.pairing = pairing.NewManager(stores.Accounts, stores.Contacts, gw,
		m.ids, m.endpoints, m.events, m.locks, cfg.RelayNodeID, localNodeID)
	m.conversations = conversation.NewHandler(stores.Contacts,
		stores.Conversations, stores.Files, gw, m.events, m.locks,
		localNodeID, m.networkID)

	m.routes.Register(router.TypeAccountIssuance, m.accounts.HandleIssuance)
	m.routes.Register(router.TypePairingMatch, m.pairing.HandleMatch)
	m.routes.Register(router.TypePairingAuthorization, m.pairing.HandleAuthorization)
	m.routes.Register(router.TypeNewConversation, m.conversations.HandleNewConversation)
	m.routes.Register(router.TypeNewMessage, m.conversations.HandleNewMessage)

	return m
}

// Run starts the single consumer of the gateway's receive stream. The
// stream is restartable: if it closes while the context is live, Receive
// is called again. Run returns immediately; processing happens on a
// background goroutine until Close or context cancellation.
func (m *Messenger) Run(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go func() {
		defer close(m.done)
		for ctx.Err() == nil {
			inbound, err := m.gw.Receive(ctx)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Run",
					"error":    err,
				}).Error("Failed to open receive stream")
				return
			}
			m.routes.Run(ctx, inbound)
		}
	}()
	return nil
}

// Close stops the receive loop and waits for it to drain.
func (m *Messenger) Close() {
	m.mu.Lock()
	cancel, done, running := m.cancel, m.done, m.running
	m.running = false
	m.mu.Unlock()

	if !running {
		return
	}
	cancel()
	<-done
}

// RequestAccount asks the provisioning authority for a network identity.
// The returned account stays in AwaitingIssuance until the authority's
// response arrives over the transport.
func (m *Messenger) RequestAccount(ctx context.Context, username, locale string) (*storage.Account, error) {
	return m.accounts.Request(ctx, username, locale)
}

// SetLocalEndpoint records the local transport endpoint for an account,
// as assigned by the gateway out of band.
func (m *Messenger) SetLocalEndpoint(accountID string, publicKey []byte, nodeID string) {
	m.endpoints.SetLocal(accountID, publicKey, nodeID)
}

// CurrentAccount returns the current account, if one is set.
func (m *Messenger) CurrentAccount() (storage.Account, bool) {
	return m.current.Get()
}

// CurrentAccountChanges subscribes to current-account updates with
// replay-latest semantics.
func (m *Messenger) CurrentAccountChanges() (<-chan storage.Account, func()) {
	return m.current.Subscribe()
}

// SwitchAccount makes another active account current.
func (m *Messenger) SwitchAccount(accountID string) error {
	acct, err := m.stores.Accounts.Account(accountID)
	if err != nil {
		return err
	}
	if acct.Status != storage.AccountActive {
		return ErrNoCurrentAccount
	}
	m.current.Set(*acct)
	return nil
}

// InitiatePairing starts pairing between the current account and a peer.
func (m *Messenger) InitiatePairing(ctx context.Context, peerID string) error {
	acct, ok := m.current.Get()
	if !ok {
		return ErrNoCurrentAccount
	}
	return m.pairing.Initiate(ctx, acct.ID, peerID)
}

// Unpair deletes the current account's contact for a peer.
func (m *Messenger) Unpair(ctx context.Context, peerID string) error {
	acct, ok := m.current.Get()
	if !ok {
		return ErrNoCurrentAccount
	}
	return m.pairing.Unpair(ctx, acct.ID, peerID)
}

// SendMessage sends a message from the current account to a completed
// contact.
func (m *Messenger) SendMessage(ctx context.Context, peerID string, body []byte, attachments ...conversation.Attachment) (*storage.Message, error) {
	acct, ok := m.current.Get()
	if !ok {
		return nil, ErrNoCurrentAccount
	}
	return m.conversations.SendMessage(ctx, acct.ID, peerID, body, attachments...)
}

// Events subscribes to user-facing notification events.
func (m *Messenger) Events() (<-chan notify.Event, func()) {
	return m.events.Subscribe()
}

// Contacts lists the current account's contacts.
func (m *Messenger) Contacts() ([]*storage.Contact, error) {
	acct, ok := m.current.Get()
	if !ok {
		return nil, ErrNoCurrentAccount
	}
	return m.stores.Contacts.Contacts(acct.ID)
}

// onAccountActive promotes a freshly provisioned account to current if
// no account is current yet.
func (m *Messenger) onAccountActive(acct *storage.Account) {
	if _, ok := m.current.Get(); !ok {
		m.current.Set(*acct)
	}
}

// localNodeID resolves an account's transport endpoint identifier; empty
// until the gateway has assigned one.
func (m *Messenger) localNodeID(accountID string) string {
	if binding, ok := m.endpoints.Local(accountID); ok {
		return binding.NodeID
	}
	return ""
}

// networkID resolves an account's network identifier.
func (m *Messenger) networkID(accountID string) string {
	acct, err := m.stores.Accounts.Account(accountID)
	if err != nil {
		return ""
	}
	return acct.NetworkID
}
