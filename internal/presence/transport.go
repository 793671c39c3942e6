// Package presence infers whether a remote endpoint reachable only through
// an asynchronous store-and-forward messaging transport is online, in
// standby or offline. A Session sends inert probe messages, correlates the
// transport's delivery acknowledgments with them, and classifies each
// device of the target against a latency baseline built from the same
// session.
package presence

import (
	"context"
	"fmt"
	"strings"
)

// Unsubscribe removes a handler registered on a Transport.
type Unsubscribe func()

// ProbeMethod selects which inert payload a probe carries.
type ProbeMethod string

const (
	// ProbeDelete revokes a message that was never sent.
	ProbeDelete ProbeMethod = "delete"
	// ProbeReaction reacts to a message that does not exist.
	ProbeReaction ProbeMethod = "reaction"
)

// ParseProbeMethod converts a configuration string into a ProbeMethod.
func ParseProbeMethod(s string) (ProbeMethod, error) {
	switch ProbeMethod(strings.ToLower(strings.TrimSpace(s))) {
	case ProbeDelete:
		return ProbeDelete, nil
	case ProbeReaction:
		return ProbeReaction, nil
	default:
		return "", fmt.Errorf("unknown probe method %q: expected %q or %q", s, ProbeDelete, ProbeReaction)
	}
}

// Probe is the payload handed to Transport.SendProbe. ReferenceID names
// the non-existent message that the delete or reaction refers to.
type Probe struct {
	Method      ProbeMethod
	Target      string
	ReferenceID string
	// FromMe marks the referenced message as one of ours (delete) or the
	// peer's (reaction).
	FromMe   bool
	Reaction string
}

// SentMessage identifies a message accepted by the transport. ID is the
// correlation id later carried by acknowledgments.
type SentMessage struct {
	ID       string
	RemoteID string
}

// MessageStatus mirrors the delivery status codes of structured message
// updates.
type MessageStatus int

const (
	StatusError MessageStatus = iota
	StatusPending
	StatusServerAck
	StatusDeliveryAck
	StatusRead
	StatusPlayed
)

// MessageUpdate is a structured status change for a message.
type MessageUpdate struct {
	ID       string
	RemoteID string
	FromMe   bool
	Status   MessageStatus
}

// ReceiptType is the type tag of a raw receipt.
type ReceiptType string

const (
	ReceiptDelivery ReceiptType = "delivery"
	ReceiptInactive ReceiptType = "inactive"
	ReceiptRead     ReceiptType = "read"
)

// Receipt is a raw low-level receipt. From may be device-qualified
// (12345:7@domain).
type Receipt struct {
	ID   string
	From string
	Type ReceiptType
}

// PresenceEntry is one identity's entry in a presence update.
type PresenceEntry struct {
	Identity          string
	LastKnownPresence string
}

// PresenceUpdate carries presence information for a chat. Entries keep the
// order in which the transport reported them.
type PresenceUpdate struct {
	ChatID  string
	Entries []PresenceEntry
}

// Transport is the messaging layer the tracker probes through. Handlers
// may be invoked from any goroutine.
type Transport interface {
	// SendProbe sends p to target and returns the id of the sent message.
	SendProbe(ctx context.Context, target string, p Probe) (SentMessage, error)
	// OnMessageUpdate registers a handler for structured message updates.
	OnMessageUpdate(func(MessageUpdate)) Unsubscribe
	// OnReceipt registers a handler for raw receipts.
	OnReceipt(func(Receipt)) Unsubscribe
	// OnPresence registers a handler for presence updates.
	OnPresence(func(PresenceUpdate)) Unsubscribe
	// SubscribePresence asks the transport to deliver presence updates
	// for target.
	SubscribePresence(ctx context.Context, target string) error
}
