package transport

import (
	"encoding/json"
	"time"
)

// Frame ops
const (
	OpJoinRoom    = "join_room"
	OpLeaveRoom   = "leave_room"
	OpSendMessage = "send_message"
	OpStartTyping = "start_typing"
	OpStopTyping  = "stop_typing"
	OpMarkRead    = "mark_read"

	// OpEvent carries a server-pushed event to the client.
	OpEvent = "event"
)

// Frame is the wire envelope on the websocket and redis channels.
type Frame struct {
	Op          string          `json:"op"`
	OperationId string          `json:"operation_id,omitempty"`
	Event       string          `json:"event,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// RefPayload is an attached external-entity pointer on the wire.
type RefPayload struct {
	Kind    string `json:"kind"`
	Id      string `json:"id"`
	Preview string `json:"preview,omitempty"`
}

// OutgoingMessage is the send_message payload.
type OutgoingMessage struct {
	ConversationId string      `json:"conversation_id"`
	Body           string      `json:"body"`
	AttachedRef    *RefPayload `json:"attached_ref,omitempty"`
}

// RoomPayload is the join_room / leave_room / typing / mark_read payload.
type RoomPayload struct {
	ConversationId string `json:"conversation_id"`
}

// NewMessageEvent is the new_message event payload. Message stays raw; the
// normalization boundary downstream owns its shape.
type NewMessageEvent struct {
	ConversationId string          `json:"conversation_id"`
	Message        json.RawMessage `json:"message"`
}

// TypingEvent is the typing event payload.
type TypingEvent struct {
	ConversationId string `json:"conversation_id"`
	UserId         string `json:"user_id"`
	UserName       string `json:"user_name"`
	IsTyping       bool   `json:"is_typing"`
}

// MessageReadEvent is the message_read event payload.
type MessageReadEvent struct {
	ConversationId string `json:"conversation_id"`
	UserId         string `json:"user_id"`
}

// ConversationUpdatedEvent is the conversation_updated event payload.
type ConversationUpdatedEvent struct {
	ConversationId string    `json:"conversation_id"`
	LastMessage    string    `json:"last_message"`
	LastMessageAt  time.Time `json:"last_message_at"`
}

// Encode encodes data to JSON bytes
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to struct
func Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
