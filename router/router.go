// Package router classifies inbound transport messages by their declared
// type and dispatches each to exactly one registered handler.
//
// The type enumeration is closed: unknown or unregistered types are
// logged and dropped, never fatal. A handler failure is contained to the
// message that caused it; the router always proceeds to the next message.
package router

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmail/gateway"
)

// Message type identifiers. The set is closed; senders declaring anything
// else are ignored.
const (
	TypeAccountRequest       = "application/x-meshmail-account-request"
	TypeAccountIssuance      = "application/x-meshmail-account-issuance"
	TypePairingRequest       = "application/x-meshmail-pairing-request"
	TypePairingMatch         = "application/x-meshmail-pairing-match"
	TypePairingAuthorization = "application/x-meshmail-pairing-authorization"
	TypeNewConversation      = "application/x-meshmail-new-conversation"
	TypeNewMessage           = "application/x-meshmail-new-message"
)

// knownTypes is the closed enumeration of routable message types.
var knownTypes = map[string]struct{}{
	TypeAccountRequest:       {},
	TypeAccountIssuance:      {},
	TypePairingRequest:       {},
	TypePairingMatch:         {},
	TypePairingAuthorization: {},
	TypeNewConversation:      {},
	TypeNewMessage:           {},
}

// Handler processes one inbound message. Returning an error causes the
// message to be dropped and logged; it never stops the router.
type Handler func(ctx context.Context, msg gateway.Inbound) error

// Router dispatches inbound messages to handlers by type. Registration
// happens before Run; Dispatch and Run are safe against concurrent use
// of the registry after that point because the map is never mutated
// once the loop starts.
type Router struct {
	handlers map[string]Handler
}

// New creates an empty router.
func New() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds a handler to a message type. A second registration for
// the same type replaces the first.
func (r *Router) Register(msgType string, h Handler) {
	r.handlers[msgType] = h
}

// Dispatch routes one message to its handler. Unknown types and handler
// errors are logged and swallowed.
func (r *Router) Dispatch(ctx context.Context, msg gateway.Inbound) {
	if _, known := knownTypes[msg.Type]; !known {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatch",
			"type":     msg.Type,
			"sender":   msg.Sender,
		}).Warn("Dropping message of unknown type")
		return
	}

	h, ok := r.handlers[msg.Type]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatch",
			"type":     msg.Type,
		}).Warn("Dropping message with no registered handler")
		return
	}

	if err := h(ctx, msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatch",
			"type":     msg.Type,
			"sender":   msg.Sender,
			"error":    err,
		}).Warn("Handler rejected message")
	}
}

// Run consumes the inbound stream until it closes or the context is
// cancelled, dispatching messages one at a time in arrival order.
func (r *Router) Run(ctx context.Context, inbound <-chan gateway.Inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			r.Dispatch(ctx, msg)
		}
	}
}
