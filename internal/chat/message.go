package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/mbeoliero/chatsync/pkg/constant"
)

// UserRef identifies a message author or conversation participant.
type UserRef struct {
	Id    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// AttachedRef points at an external entity a message references, e.g. an
// order the customer is asking about.
type AttachedRef struct {
	Kind    string `json:"kind"`
	Id      string `json:"id"`
	Preview string `json:"preview,omitempty"`
}

// Message is the canonical chat message. Every origin (history fetch, push
// event, optimistic local construction) is normalized into this shape before
// anything downstream sees it.
type Message struct {
	Id             string       `json:"id"`
	ConversationId string       `json:"conversation_id"`
	Sender         UserRef      `json:"sender"`
	Body           string       `json:"body"`
	AttachedRef    *AttachedRef `json:"attached_ref,omitempty"`
	ReadBy         []string     `json:"read_by"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// IsPending reports whether the message is a local optimistic placeholder
// that has not been confirmed by the server.
func (m *Message) IsPending() bool {
	return strings.HasPrefix(m.Id, constant.PendingIdPrefix)
}

// ReadByUser reports whether userId is in the read-by set.
func (m *Message) ReadByUser(userId string) bool {
	for _, id := range m.ReadBy {
		if id == userId {
			return true
		}
	}
	return false
}

// RawMessage is a message as some origin shaped it. Field names differ per
// origin; some fields may be absent entirely. Nothing outside Normalize is
// allowed to interpret this type.
type RawMessage struct {
	Id       string `json:"id"`
	LegacyId string `json:"_id"`

	ConversationId string `json:"conversation_id"`
	Conversation   string `json:"conversation"`

	// Sender is either a populated user object or a bare id string.
	Sender json.RawMessage `json:"sender"`

	Body string `json:"body"`
	// Text is the legacy content field older backends still send.
	Text string `json:"text"`

	AttachedRef *AttachedRef `json:"attached_ref"`
	ReadBy      []string     `json:"read_by"`

	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// Normalize converts a raw message into the canonical shape. It is pure and
// total: missing fields degrade to defaults, never to an error.
func Normalize(raw *RawMessage) Message {
	if raw == nil {
		raw = &RawMessage{}
	}

	m := Message{
		Id:             firstNonEmpty(raw.Id, raw.LegacyId),
		ConversationId: firstNonEmpty(raw.ConversationId, raw.Conversation),
		Sender:         resolveSender(raw.Sender),
		Body:           firstNonEmpty(raw.Body, raw.Text),
		AttachedRef:    raw.AttachedRef,
		ReadBy:         raw.ReadBy,
	}

	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}

	now := time.Now()
	if raw.CreatedAt != nil && !raw.CreatedAt.IsZero() {
		m.CreatedAt = *raw.CreatedAt
	} else {
		m.CreatedAt = now
	}
	if raw.UpdatedAt != nil && !raw.UpdatedAt.IsZero() {
		m.UpdatedAt = *raw.UpdatedAt
	} else {
		m.UpdatedAt = m.CreatedAt
	}

	return m
}

// resolveSender accepts a populated user object or a bare id reference and
// always yields a displayable author.
func resolveSender(raw json.RawMessage) UserRef {
	if len(raw) == 0 || string(raw) == "null" {
		return UserRef{Name: constant.FallbackSenderName}
	}

	var ref UserRef
	if err := json.Unmarshal(raw, &ref); err == nil {
		if ref.Name == "" {
			ref.Name = constant.FallbackSenderName
		}
		return ref
	}

	var id string
	if err := json.Unmarshal(raw, &id); err == nil && id != "" {
		return UserRef{Id: id, Name: constant.FallbackSenderName}
	}

	return UserRef{Name: constant.FallbackSenderName}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
