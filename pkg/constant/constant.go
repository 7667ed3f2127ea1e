package constant

import "time"

// Transport event names
const (
	EventNewMessage          = "new_message"
	EventTyping              = "typing"
	EventMessageRead         = "message_read"
	EventConversationUpdated = "conversation_updated"

	// EventConnected is fired by the transport itself after every
	// successful (re)connect so the session can re-join its active room.
	EventConnected = "connected"
)

// Attached reference kinds
const (
	RefKindOrder   = "order"
	RefKindProduct = "product"
)

// PendingIdPrefix marks a locally generated message id that has not been
// confirmed by the server yet.
const PendingIdPrefix = "pending-"

// Timing defaults
const (
	// TypingQuietPeriod is how long a typing indicator survives without a
	// renewed signal, and how long after the last local keystroke the
	// stop-typing emission fires.
	TypingQuietPeriod = 2 * time.Second

	// EchoMatchWindow is the max createdAt distance between an optimistic
	// placeholder and its server echo for the two to be reconciled.
	EchoMatchWindow = 2 * time.Second
)

// FallbackSenderName is displayed when a message author cannot be resolved.
const FallbackSenderName = "Unknown user"
