// Package conversation applies inbound new-conversation and new-message
// events idempotently. Conversations are keyed by an identifier generated
// by the originator, so both sides of a pairing share it; messages are
// keyed by a unique message identifier so duplicate delivery is
// harmless. Inbound events are only accepted from the transport endpoint
// recorded on a completed contact, and only into conversations belonging
// to that contact.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmail/envelope"
	"github.com/opd-ai/meshmail/gateway"
	"github.com/opd-ai/meshmail/notify"
	"github.com/opd-ai/meshmail/router"
	"github.com/opd-ai/meshmail/storage"
)

// ErrContactNotPaired is returned when sending into a conversation with
// a contact that has not completed pairing.
var ErrContactNotPaired = errors.New("contact has not completed pairing")

// newConversationShape is the new-conversation payload.
var newConversationShape = []envelope.Kind{
	envelope.KindString, // originator-generated conversation identifier
	envelope.KindString, // originator network identifier
	envelope.KindString, // topic
}

// newMessagePrefixShape is the fixed prefix of the new-message payload.
// Attachments follow as (string name, bytes data) pairs.
var newMessagePrefixShape = []envelope.Kind{
	envelope.KindString, // conversation identifier
	envelope.KindString, // originator-generated message identifier
	envelope.KindUint64, // sent-at, unix seconds
	envelope.KindBytes,  // body
}

// Handler applies conversation sync events and sends outbound messages.
type Handler struct {
	contacts      storage.ContactStore
	conversations storage.ConversationStore
	files         storage.FileStore
	gw            gateway.Gateway
	events        *notify.Bus
	locks         *router.KeyedMutex
	localNodeID   func(accountID string) string
	networkID     func(accountID string) string
}

// NewHandler creates a conversation sync handler. localNodeID resolves
// an account's transport endpoint; networkID resolves its network
// identifier, the name peers know it by.
func NewHandler(
	contacts storage.ContactStore,
	conversations storage.ConversationStore,
	files storage.FileStore,
	gw gateway.Gateway,
	events *notify.Bus,
	locks *router.KeyedMutex,
	localNodeID func(accountID string) string,
	networkID func(accountID string) string,
) *Handler {
	return &Handler{
		contacts:      contacts,
		conversations: conversations,
		files:         files,
		gw:            gw,
		events:        events,
		locks:         locks,
		localNodeID:   localNodeID,
		networkID:     networkID,
	}
}

// senderContact resolves the completed contact behind an inbound sender
// node. A nil contact means the message must be dropped silently.
func (h *Handler) senderContact(sender string) *storage.Contact {
	contacts, err := h.contacts.ContactsByNode(sender)
	if err != nil || len(contacts) == 0 {
		return nil
	}
	for _, c := range contacts {
		if c.Status == storage.ContactCompleted {
			return c
		}
	}
	return nil
}

// HandleNewConversation applies an inbound new-conversation event.
// Creating a conversation that already exists locally is a no-op merge:
// only the unread and archived flags are reset.
func (h *Handler) HandleNewConversation(_ context.Context, msg gateway.Inbound) error {
	fields, err := envelope.Decode(msg.Payload, newConversationShape...)
	if err != nil {
		return fmt.Errorf("malformed new-conversation payload: %w", err)
	}
	conversationID, originatorID, topic := fields[0].Str, fields[1].Str, fields[2].Str

	contact := h.senderContact(msg.Sender)
	if contact == nil || contact.PeerID != originatorID {
		logrus.WithFields(logrus.Fields{
			"function": "HandleNewConversation",
			"sender":   msg.Sender,
		}).Debug("New-conversation from unverified sender dropped")
		return nil
	}

	return h.locks.Do(conversationID, func() error {
		existing, err := h.conversations.Conversation(conversationID)
		if err == nil {
			if existing.ContactID != contact.ID {
				logrus.WithFields(logrus.Fields{
					"function":        "HandleNewConversation",
					"sender":          msg.Sender,
					"conversation_id": conversationID,
				}).Debug("New-conversation naming another contact's conversation dropped")
				return nil
			}
			existing.Unread = true
			existing.Archived = false
			return h.conversations.UpdateConversation(existing)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		return h.conversations.CreateConversation(&storage.Conversation{
			ID:        conversationID,
			AccountID: contact.AccountID,
			ContactID: contact.ID,
			Topic:     topic,
			Unread:    true,
			CreatedAt: time.Now(),
		})
	})
}

// HandleNewMessage applies an inbound new-message event idempotently by
// message identifier. Attachments are persisted through the file store
// and linked by message identifier. A new-message notification is raised
// once per unique message.
func (h *Handler) HandleNewMessage(_ context.Context, msg gateway.Inbound) error {
	prefix, trailer, err := envelope.DecodePrefix(msg.Payload, newMessagePrefixShape...)
	if err != nil {
		return fmt.Errorf("malformed new-message payload: %w", err)
	}
	if len(trailer)%2 != 0 {
		return fmt.Errorf("%w: dangling attachment field", envelope.ErrMalformedEnvelope)
	}
	conversationID, messageID := prefix[0].Str, prefix[1].Str
	sentAt := time.Unix(int64(prefix[2].U64), 0)
	body := prefix[3].Raw

	contact := h.senderContact(msg.Sender)
	if contact == nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleNewMessage",
			"sender":   msg.Sender,
		}).Debug("New-message from unverified sender dropped")
		return nil
	}

	return h.locks.Do(conversationID, func() error {
		seen, err := h.conversations.HasMessage(messageID)
		if err != nil {
			return err
		}
		if seen {
			logrus.WithFields(logrus.Fields{
				"function":   "HandleNewMessage",
				"message_id": messageID,
			}).Debug("Duplicate message delivery ignored")
			return nil
		}

		conv, err := h.conversations.Conversation(conversationID)
		if errors.Is(err, storage.ErrNotFound) {
			// A message can outrun its conversation on a delay-tolerant
			// network; create the conversation from what the message names.
			conv = &storage.Conversation{
				ID:        conversationID,
				AccountID: contact.AccountID,
				ContactID: contact.ID,
				Unread:    true,
				CreatedAt: time.Now(),
			}
			if err := h.conversations.CreateConversation(conv); err != nil {
				return err
			}
		} else if err != nil {
			return err
		} else if conv.ContactID != contact.ID {
			logrus.WithFields(logrus.Fields{
				"function":        "HandleNewMessage",
				"sender":          msg.Sender,
				"conversation_id": conversationID,
			}).Debug("New-message naming another contact's conversation dropped")
			return nil
		}

		var refs []string
		for i := 0; i < len(trailer); i += 2 {
			if trailer[i].Kind != envelope.KindString || trailer[i+1].Kind != envelope.KindBytes {
				return fmt.Errorf("%w: attachment fields out of order", envelope.ErrMalformedEnvelope)
			}
			ref, err := h.files.SaveAttachment(messageID, trailer[i].Str, trailer[i+1].Raw)
			if err != nil {
				return fmt.Errorf("failed to persist attachment: %w", err)
			}
			refs = append(refs, ref)
		}

		if err := h.conversations.InsertMessage(&storage.Message{
			ID:             messageID,
			ConversationID: conversationID,
			SentAt:         sentAt,
			Body:           body,
			AttachmentRefs: refs,
		}); err != nil {
			return err
		}

		conv.Unread = true
		conv.Archived = false
		if err := h.conversations.UpdateConversation(conv); err != nil {
			return err
		}

		h.events.Publish(notify.Event{
			Kind:           notify.NewMessage,
			AccountID:      contact.AccountID,
			ContactID:      contact.ID,
			PeerID:         contact.PeerID,
			ConversationID: conversationID,
		})
		return nil
	})
}

// Attachment names one outbound attachment.
type Attachment struct {
	Name string
	Data []byte
}

// SendMessage sends a message to a completed contact, creating the
// conversation locally if this is the first message. The generated
// message and conversation identifiers travel with the payload so the
// peer applies them idempotently.
func (h *Handler) SendMessage(ctx context.Context, accountID, peerID string, body []byte, attachments ...Attachment) (*storage.Message, error) {
	contact, err := h.contacts.ContactByPeer(accountID, peerID)
	if err != nil {
		return nil, err
	}
	if contact.Status != storage.ContactCompleted {
		return nil, ErrContactNotPaired
	}

	conversationID := ""
	existing, err := h.conversations.Conversations(accountID)
	if err != nil {
		return nil, err
	}
	for _, conv := range existing {
		if conv.ContactID == contact.ID {
			conversationID = conv.ID
			break
		}
	}

	messageID := uuid.NewString()
	newConversation := conversationID == ""
	if newConversation {
		conversationID = uuid.NewString()
	}

	var message *storage.Message
	err = h.locks.Do(conversationID, func() error {
		now := time.Now()
		if newConversation {
			if err := h.conversations.CreateConversation(&storage.Conversation{
				ID:        conversationID,
				AccountID: accountID,
				ContactID: contact.ID,
				CreatedAt: now,
			}); err != nil {
				return err
			}
			convPayload := envelope.Encode(
				envelope.String(conversationID),
				envelope.String(h.networkID(accountID)),
				envelope.String(""),
			)
			if err := h.gw.Send(ctx, router.TypeNewConversation, convPayload, contact.NodeID, h.localNodeID(accountID)); err != nil {
				return fmt.Errorf("failed to send conversation: %w", err)
			}
		}

		fields := []envelope.Field{
			envelope.String(conversationID),
			envelope.String(messageID),
			envelope.Uint64(uint64(now.Unix())),
			envelope.Bytes(body),
		}
		var refs []string
		for _, a := range attachments {
			fields = append(fields, envelope.String(a.Name), envelope.Bytes(a.Data))
			ref, err := h.files.SaveAttachment(messageID, a.Name, a.Data)
			if err != nil {
				return fmt.Errorf("failed to persist attachment: %w", err)
			}
			refs = append(refs, ref)
		}

		if err := h.gw.Send(ctx, router.TypeNewMessage, envelope.Encode(fields...), contact.NodeID, h.localNodeID(accountID)); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}

		message = &storage.Message{
			ID:             messageID,
			ConversationID: conversationID,
			SentAt:         now,
			Body:           body,
			Outbound:       true,
			AttachmentRefs: refs,
		}
		return h.conversations.InsertMessage(message)
	})
	if err != nil {
		return nil, err
	}
	return message, nil
}
