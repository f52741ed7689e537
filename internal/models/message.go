package models

import "time"

// MaxContentLength bounds message content, counted in runes.
const MaxContentLength = 5000

// Message is a chat message addressed to exactly one conversation or group.
type Message struct {
	ID             string       `db:"id" json:"id"`
	Content        string       `db:"content" json:"content"`
	SenderID       string       `db:"sender_id" json:"senderId"`
	Sender         *UserProfile `db:"-" json:"sender,omitempty"`
	ConversationID *string      `db:"conversation_id" json:"conversationId"`
	GroupID        *string      `db:"group_id" json:"groupId"`
	IsRead         bool         `db:"is_read" json:"isRead"`
	ReadAt         *time.Time   `db:"read_at" json:"readAt"`
	CreatedAt      time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updatedAt"`
}

// IsGroup reports whether the message is group-addressed.
func (m Message) IsGroup() bool {
	return m.GroupID != nil
}
