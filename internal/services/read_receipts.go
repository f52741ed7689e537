package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chat-gateway/internal/models"
	"chat-gateway/internal/observability"
	"chat-gateway/internal/repositories"
	"chat-gateway/internal/rooms"
)

// ReadReceipt is produced when a mark-as-read call changed state.
type ReadReceipt struct {
	Payload models.ReadReceiptPayload
	Room    string
	Marked  int64
}

// ReadReceiptTracker marks 1:1 conversations read and decides who is told.
type ReadReceiptTracker struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	logger        *zap.Logger
	now           func() time.Time
}

// NewReadReceiptTracker constructs a ReadReceiptTracker. A nil clock means time.Now.
func NewReadReceiptTracker(conversations repositories.ConversationRepository, messages repositories.MessageRepository, logger *zap.Logger, now func() time.Time) *ReadReceiptTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &ReadReceiptTracker{conversations: conversations, messages: messages, logger: logger, now: now}
}

// MarkConversationRead flips the reader's unread messages. It returns nil
// when nothing was unread, so repeated calls never produce a second receipt.
func (t *ReadReceiptTracker) MarkConversationRead(ctx context.Context, conversationID, readerID string) (*ReadReceipt, error) {
	conv, err := t.conversations.GetConversation(ctx, conversationID)
	if errors.Is(err, repositories.ErrConversationNotFound) {
		return nil, NotFound("Conversation not found")
	}
	if err != nil {
		return nil, Internal(fmt.Errorf("get conversation: %w", err))
	}
	if !conv.HasParticipant(readerID) {
		return nil, Forbidden("Not a participant of this conversation")
	}

	marked, err := t.messages.MarkConversationRead(ctx, conversationID, readerID, t.now().UTC())
	if err != nil {
		return nil, Internal(fmt.Errorf("mark conversation read: %w", err))
	}
	if marked == 0 {
		return nil, nil
	}

	last, err := t.messages.LatestFromOthers(ctx, conversationID, readerID)
	if err != nil {
		return nil, Internal(fmt.Errorf("latest message from others: %w", err))
	}

	observability.IncReadReceipts()
	receipt := &ReadReceipt{
		Payload: models.ReadReceiptPayload{
			ConversationID:    conversationID,
			ReadBy:            readerID,
			LastReadMessageID: last.ID,
		},
		Room:   rooms.Personal(conv.OtherParticipant(readerID)),
		Marked: marked,
	}

	err = observability.PublishEvent(ctx, "chat_events.conversation.read", observability.EventEnvelope{
		EventType: "chat_events",
		EventName: "conversation.read",
		Payload: map[string]interface{}{
			"conversation_id":      conversationID,
			"read_by":              readerID,
			"last_read_message_id": last.ID,
			"marked":               marked,
		},
	}, observability.BuildHeaders("", observability.TraceIDFromContext(ctx)))
	if err != nil {
		t.logger.Warn("publish conversation.read failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}

	return receipt, nil
}
