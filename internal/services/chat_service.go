package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"chat-gateway/internal/models"
	"chat-gateway/internal/observability"
	"chat-gateway/internal/repositories"
	"chat-gateway/internal/rooms"
)

const (
	DefaultHistoryLimit    = 20
	DefaultHistoryMaxLimit = 100
)

// Delivery is a persisted message and the room it must be broadcast to.
type Delivery struct {
	Message models.Message
	Room    string
}

// ChatService implements sending and reading chat messages.
type ChatService struct {
	users         repositories.UserRepository
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	membership    *Membership
	resolver      *ConversationResolver
	logger        *zap.Logger
	maxLimit      int
}

// NewChatService constructs a ChatService. historyMaxLimit <= 0 uses DefaultHistoryMaxLimit.
func NewChatService(
	users repositories.UserRepository,
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	membership *Membership,
	resolver *ConversationResolver,
	logger *zap.Logger,
	historyMaxLimit int,
) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if historyMaxLimit <= 0 {
		historyMaxLimit = DefaultHistoryMaxLimit
	}
	return &ChatService{
		users:         users,
		conversations: conversations,
		messages:      messages,
		membership:    membership,
		resolver:      resolver,
		logger:        logger,
		maxLimit:      historyMaxLimit,
	}
}

// SendMessage validates, persists and reads back a message. Nothing is
// written unless addressing, content and authorization checks pass.
func (s *ChatService) SendMessage(ctx context.Context, senderID string, req models.SendMessageRequest) (Delivery, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return Delivery{}, BadRequest("Message content must not be empty")
	}
	if utf8.RuneCountInString(content) > models.MaxContentLength {
		return Delivery{}, BadRequest(fmt.Sprintf("Message content must be at most %d characters", models.MaxContentLength))
	}
	if err := exactlyOneTarget(req.RecipientID, req.GroupID); err != nil {
		return Delivery{}, err
	}

	msg := repositories.NewMessage{SenderID: senderID, Content: content}
	var room string

	if req.GroupID != "" {
		if err := s.membership.Require(ctx, req.GroupID, senderID); err != nil {
			return Delivery{}, err
		}
		groupID := req.GroupID
		msg.GroupID = &groupID
		room = rooms.Group(groupID)
	} else {
		if req.RecipientID == senderID {
			return Delivery{}, BadRequest("Cannot send a message to yourself")
		}
		if _, err := s.users.GetUser(ctx, req.RecipientID); err != nil {
			if errors.Is(err, repositories.ErrUserNotFound) {
				return Delivery{}, NotFound("Recipient not found")
			}
			return Delivery{}, Internal(fmt.Errorf("lookup recipient: %w", err))
		}
		conv, err := s.resolver.Resolve(ctx, senderID, req.RecipientID)
		if err != nil {
			return Delivery{}, err
		}
		convID := conv.ID
		msg.ConversationID = &convID
		room = rooms.Personal(req.RecipientID)
	}

	created, err := s.messages.CreateMessage(ctx, msg)
	if err != nil {
		return Delivery{}, Internal(fmt.Errorf("store message: %w", err))
	}

	full, err := s.messages.GetMessageWithSender(ctx, created.ID)
	if err != nil {
		s.logger.Error("message stored but read-back failed",
			zap.String("message_id", created.ID),
			zap.String("user_id", senderID),
			zap.Error(err))
		return Delivery{}, Internal(fmt.Errorf("read back message %s: %w", created.ID, err))
	}

	kind := "direct"
	if full.IsGroup() {
		kind = "group"
	}
	observability.IncMessagesSent(kind)
	s.publishMessageSent(ctx, full, kind)

	return Delivery{Message: full, Room: room}, nil
}

// GetMessages returns a newest-first page of a conversation or group.
func (s *ChatService) GetMessages(ctx context.Context, userID string, req models.HistoryRequest) ([]models.Message, error) {
	if err := exactlyOneTarget(req.RecipientID, req.GroupID); err != nil {
		return nil, err
	}
	limit, offset, err := s.page(req.Limit, req.Offset)
	if err != nil {
		return nil, err
	}

	if req.GroupID != "" {
		if err := s.membership.Require(ctx, req.GroupID, userID); err != nil {
			return nil, err
		}
		msgs, err := s.messages.ListGroupMessages(ctx, req.GroupID, limit, offset)
		if err != nil {
			return nil, Internal(fmt.Errorf("list group messages: %w", err))
		}
		return msgs, nil
	}

	conv, err := s.conversations.FindByPair(ctx, userID, req.RecipientID)
	if errors.Is(err, repositories.ErrConversationNotFound) {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, Internal(fmt.Errorf("find conversation: %w", err))
	}
	msgs, err := s.messages.ListConversationMessages(ctx, conv.ID, limit, offset)
	if err != nil {
		return nil, Internal(fmt.Errorf("list conversation messages: %w", err))
	}
	return msgs, nil
}

// ListConversations returns the caller's conversations, most recent first.
func (s *ChatService) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	list, err := s.conversations.ListForUser(ctx, userID)
	if err != nil {
		return nil, Internal(fmt.Errorf("list conversations: %w", err))
	}
	return list, nil
}

func (s *ChatService) page(limit, offset *int) (int, int, error) {
	l, o := DefaultHistoryLimit, 0
	if limit != nil {
		if *limit < 1 {
			return 0, 0, BadRequest("limit must be positive")
		}
		l = *limit
	}
	if offset != nil {
		if *offset < 0 {
			return 0, 0, BadRequest("offset must not be negative")
		}
		o = *offset
	}
	if l > s.maxLimit {
		l = s.maxLimit
	}
	return l, o, nil
}

func (s *ChatService) publishMessageSent(ctx context.Context, msg models.Message, kind string) {
	payload := map[string]interface{}{
		"message_id": msg.ID,
		"sender_id":  msg.SenderID,
		"kind":       kind,
	}
	if msg.ConversationID != nil {
		payload["conversation_id"] = *msg.ConversationID
	}
	if msg.GroupID != nil {
		payload["group_id"] = *msg.GroupID
	}
	err := observability.PublishEvent(ctx, "chat_events.message.sent", observability.EventEnvelope{
		EventType: "chat_events",
		EventName: "message.sent",
		Payload:   payload,
	}, observability.BuildHeaders("", observability.TraceIDFromContext(ctx)))
	if err != nil {
		s.logger.Warn("publish message.sent failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func exactlyOneTarget(recipientID, groupID string) error {
	if (recipientID == "") == (groupID == "") {
		return BadRequest("Exactly one of recipientId or groupId is required")
	}
	return nil
}
