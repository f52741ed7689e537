package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"chat-gateway/internal/models"
	"chat-gateway/internal/repositories"
)

const resolveAttempts = 3

// ConversationResolver finds or creates the single conversation of a user pair.
type ConversationResolver struct {
	conversations repositories.ConversationRepository
	logger        *zap.Logger
	inflight      singleflight.Group
}

// NewConversationResolver constructs a ConversationResolver.
func NewConversationResolver(conversations repositories.ConversationRepository, logger *zap.Logger) *ConversationResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationResolver{conversations: conversations, logger: logger}
}

// Resolve returns the conversation between userA and userB, creating it with
// userA as creator when the pair has none. Concurrent first contact in either
// direction converges on one row.
func (r *ConversationResolver) Resolve(ctx context.Context, userA, userB string) (models.Conversation, error) {
	if userA == userB {
		return models.Conversation{}, BadRequest("Cannot start a conversation with yourself")
	}

	// Callers coalesced onto this pair share one resolve; it must not fail
	// because the first caller went away.
	shared := context.WithoutCancel(ctx)
	v, err, _ := r.inflight.Do(pairKey(userA, userB), func() (interface{}, error) {
		return r.resolve(shared, userA, userB)
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return v.(models.Conversation), nil
}

func (r *ConversationResolver) resolve(ctx context.Context, userA, userB string) (models.Conversation, error) {
	var lastErr error
	for attempt := 1; attempt <= resolveAttempts; attempt++ {
		conv, err := r.conversations.FindByPair(ctx, userA, userB)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, repositories.ErrConversationNotFound) {
			return models.Conversation{}, Internal(fmt.Errorf("find conversation: %w", err))
		}

		conv, err = r.conversations.Create(ctx, userA, userB)
		if err == nil {
			r.logger.Debug("conversation created",
				zap.String("conversation_id", conv.ID),
				zap.String("creator_id", userA),
				zap.String("recipient_id", userB))
			return conv, nil
		}
		if !errors.Is(err, repositories.ErrConversationExists) {
			return models.Conversation{}, Internal(fmt.Errorf("create conversation: %w", err))
		}

		lastErr = err
		r.logger.Info("conversation create lost race, re-reading",
			zap.String("creator_id", userA),
			zap.String("recipient_id", userB),
			zap.Int("attempt", attempt))
	}

	r.logger.Error("conversation resolve exhausted retries",
		zap.String("creator_id", userA),
		zap.String("recipient_id", userB),
		zap.Error(lastErr))
	return models.Conversation{}, Internal(Conflict("conversation could not be resolved", lastErr))
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}
