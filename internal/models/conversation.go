package models

import "time"

// Conversation is the single record linking an unordered pair of users.
type Conversation struct {
	ID          string    `db:"id" json:"id"`
	CreatorID   string    `db:"creator_id" json:"creatorId"`
	RecipientID string    `db:"recipient_id" json:"recipientId"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// HasParticipant reports whether userID is one side of the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return c.CreatorID == userID || c.RecipientID == userID
}

// OtherParticipant returns the counterpart of userID.
func (c Conversation) OtherParticipant(userID string) string {
	if c.CreatorID == userID {
		return c.RecipientID
	}
	return c.CreatorID
}

// ConversationSummary is a caller-centric view used by the recent conversations list.
type ConversationSummary struct {
	ID          string      `json:"id"`
	Participant UserProfile `json:"participant"`
	LastMessage *Message    `json:"lastMessage"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}
