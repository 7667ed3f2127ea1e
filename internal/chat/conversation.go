package chat

import (
	"sort"
	"time"
)

// Preview is the last-message snippet shown on the conversation list.
type Preview struct {
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is a thread between participants as the viewing user sees
// it. UnreadCount is specific to the viewer.
type Conversation struct {
	Id           string    `json:"id"`
	Participants []UserRef `json:"participants"`
	LastMessage  Preview   `json:"last_message"`
	UnreadCount  int       `json:"unread_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// activityTime is the sort key for the conversation list: last message
// time, falling back to the conversation's own update time.
func (c *Conversation) activityTime() time.Time {
	if !c.LastMessage.CreatedAt.IsZero() {
		return c.LastMessage.CreatedAt
	}
	return c.UpdatedAt
}

// RawConversation is a conversation as the store service shaped it.
type RawConversation struct {
	Id           string    `json:"id"`
	LegacyId     string    `json:"_id"`
	Participants []UserRef `json:"participants"`

	LastMessage *Preview `json:"last_message"`

	// The store exposes the unread counter under one of two names
	// depending on its version; whichever is numeric wins.
	ViewerUnreadCount *int `json:"viewer_unread_count"`
	UnreadCount       *int `json:"unread_count"`

	UpdatedAt *time.Time `json:"updated_at"`
}

// NormalizeConversation converts a raw conversation into the canonical
// shape, defaulting missing fields. Pure and total like Normalize.
func NormalizeConversation(raw *RawConversation) Conversation {
	if raw == nil {
		raw = &RawConversation{}
	}

	c := Conversation{
		Id:           firstNonEmpty(raw.Id, raw.LegacyId),
		Participants: raw.Participants,
	}
	if c.Participants == nil {
		c.Participants = []UserRef{}
	}
	if raw.LastMessage != nil {
		c.LastMessage = *raw.LastMessage
	}

	switch {
	case raw.ViewerUnreadCount != nil:
		c.UnreadCount = *raw.ViewerUnreadCount
	case raw.UnreadCount != nil:
		c.UnreadCount = *raw.UnreadCount
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}

	if raw.UpdatedAt != nil {
		c.UpdatedAt = *raw.UpdatedAt
	}

	return c
}

// ReconcileConversations normalizes a store refresh into the visible list:
// duplicates dropped by id (first occurrence wins), ordered by most recent
// activity, newest first.
func ReconcileConversations(raws []RawConversation) []Conversation {
	out := make([]Conversation, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	for i := range raws {
		c := NormalizeConversation(&raws[i])
		if _, dup := seen[c.Id]; dup {
			continue
		}
		seen[c.Id] = struct{}{}
		out = append(out, c)
	}

	sortConversations(out)
	return out
}

func sortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].activityTime().After(convs[j].activityTime())
	})
}

// findConversation returns a pointer into convs for the given id.
func findConversation(convs []Conversation, id string) *Conversation {
	for i := range convs {
		if convs[i].Id == id {
			return &convs[i]
		}
	}
	return nil
}
