package transport

import "context"

// EventHandler receives the raw JSON payload of a named inbound event.
type EventHandler func(event string, data []byte)

// Transport is the real-time channel between the engine and the chat
// backend. Implementations must deliver every inbound event to the bus
// exactly once per subscription and must fire constant.EventConnected after
// every successful (re)connect. Reconnection policy is owned by the
// implementation; callers only re-join rooms when told to.
type Transport interface {
	// Connect establishes the connection and starts delivering events.
	Connect(ctx context.Context) error
	// Close tears the connection down. Safe to call more than once.
	Close() error

	// JoinRoom subscribes this connection to a conversation's push events.
	JoinRoom(ctx context.Context, conversationId string) error
	// LeaveRoom unsubscribes from a conversation's push events.
	LeaveRoom(ctx context.Context, conversationId string) error

	// SendMessage dispatches an outgoing message for delivery.
	SendMessage(ctx context.Context, msg *OutgoingMessage) error
	// StartTyping signals that the current user began composing.
	StartTyping(ctx context.Context, conversationId string) error
	// StopTyping signals that the current user stopped composing.
	StopTyping(ctx context.Context, conversationId string) error
	// MarkRead signals that the current user read the conversation tail.
	MarkRead(ctx context.Context, conversationId string) error

	// Subscribe registers a handler for a named event. The returned
	// Subscription is the only teardown mechanism.
	Subscribe(event string, h EventHandler) *Subscription
}
