package models

import (
	"encoding/json"
	"time"
)

// Socket event names.
const (
	EventSendMessage            = "sendMessage"
	EventGetMessages            = "getMessages"
	EventMarkConversationAsRead = "markConversationAsRead"
	EventJoinGroup              = "joinGroup"
	EventLeaveGroup             = "leaveGroup"

	EventMessage           = "message"
	EventMessageRead       = "messageRead"
	EventUserStatusChanged = "userStatusChanged"
	EventException         = "exception"
	EventAck               = "ack"
)

// InboundFrame is a client-to-server socket frame.
type InboundFrame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// OutboundFrame is a server-to-client socket frame.
type OutboundFrame struct {
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data"`
}

// ExceptionPayload is sent on auth failures and rejected operations.
type ExceptionPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// PresencePayload is broadcast on connect and disconnect.
type PresencePayload struct {
	UserID     string     `json:"userId"`
	Status     UserStatus `json:"status"`
	LastSeenAt time.Time  `json:"lastSeenAt"`
}

// ReadReceiptPayload tells the other party how far a conversation was read.
type ReadReceiptPayload struct {
	ConversationID    string `json:"conversationId"`
	ReadBy            string `json:"readBy"`
	LastReadMessageID string `json:"lastReadMessageId"`
}

// SendMessageRequest is the sendMessage payload.
type SendMessageRequest struct {
	Content     string `json:"content" validate:"required,max=5000"`
	RecipientID string `json:"recipientId,omitempty" validate:"omitempty,uuid"`
	GroupID     string `json:"groupId,omitempty" validate:"omitempty,uuid"`
}

// HistoryRequest is the getMessages payload.
type HistoryRequest struct {
	RecipientID string `json:"recipientId,omitempty" form:"recipientId" validate:"omitempty,uuid"`
	GroupID     string `json:"groupId,omitempty" form:"groupId" validate:"omitempty,uuid"`
	Limit       *int   `json:"limit,omitempty" form:"limit" validate:"omitempty,min=1"`
	Offset      *int   `json:"offset,omitempty" form:"offset" validate:"omitempty,min=0"`
}

// MarkReadRequest is the markConversationAsRead payload.
type MarkReadRequest struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
}

// GroupRoomRequest is the joinGroup/leaveGroup payload.
type GroupRoomRequest struct {
	GroupID string `json:"groupId" validate:"required,uuid"`
}
