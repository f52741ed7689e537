package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chat-gateway/internal/models"
	"chat-gateway/internal/observability"
	"chat-gateway/internal/repositories"
)

// Presence writes online/offline transitions to the user directory.
type Presence struct {
	users  repositories.UserRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewPresence constructs a Presence. A nil clock means time.Now.
func NewPresence(users repositories.UserRepository, logger *zap.Logger, now func() time.Time) *Presence {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Presence{users: users, logger: logger, now: now}
}

// SetOnline marks userID online and returns the event to broadcast.
func (p *Presence) SetOnline(ctx context.Context, userID string) (models.PresencePayload, error) {
	return p.set(ctx, userID, models.StatusOnline)
}

// SetOffline marks userID offline and returns the event to broadcast.
func (p *Presence) SetOffline(ctx context.Context, userID string) (models.PresencePayload, error) {
	return p.set(ctx, userID, models.StatusOffline)
}

// ResetAll marks every online user offline. Used on boot to clear state
// left behind by a crash.
func (p *Presence) ResetAll(ctx context.Context) (int64, error) {
	n, err := p.users.ResetOnlineStatuses(ctx, p.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reset online statuses: %w", err)
	}
	return n, nil
}

func (p *Presence) set(ctx context.Context, userID string, status models.UserStatus) (models.PresencePayload, error) {
	at := p.now().UTC()
	if err := p.users.SetStatus(ctx, userID, status, at); err != nil {
		return models.PresencePayload{}, Internal(fmt.Errorf("set status %s: %w", status, err))
	}

	event := models.PresencePayload{UserID: userID, Status: status, LastSeenAt: at}
	err := observability.PublishEvent(ctx, "chat_events.presence.changed", observability.EventEnvelope{
		EventType: "chat_events",
		EventName: "presence.changed",
		Payload:   event,
	}, observability.BuildHeaders("", observability.TraceIDFromContext(ctx)))
	if err != nil {
		p.logger.Warn("publish presence.changed failed", zap.String("user_id", userID), zap.Error(err))
	}
	return event, nil
}
