package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"chat-gateway/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationExists   = errors.New("conversation already exists")
)

// ConversationRepository abstracts 1:1 conversation persistence.
type ConversationRepository interface {
	FindByPair(ctx context.Context, userA, userB string) (models.Conversation, error)
	Create(ctx context.Context, creatorID, recipientID string) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `id, creator_id, recipient_id, created_at, updated_at`

// FindByPair looks the pair up in both directions.
func (r *ConversationRepo) FindByPair(ctx context.Context, userA, userB string) (models.Conversation, error) {
	var conv models.Conversation
	query := `SELECT ` + conversationColumns + ` FROM conversations
        WHERE (creator_id=$1 AND recipient_id=$2) OR (creator_id=$2 AND recipient_id=$1)`
	err := r.db.GetContext(ctx, &conv, query, userA, userB)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// Create inserts a conversation. A concurrent insert for the same unordered
// pair fails with ErrConversationExists.
func (r *ConversationRepo) Create(ctx context.Context, creatorID, recipientID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.QueryRowxContext(ctx, `INSERT INTO conversations (id, creator_id, recipient_id) VALUES ($1, $2, $3) RETURNING `+conversationColumns,
		uuid.NewString(), creatorID, recipientID).StructScan(&conv)
	if isUniqueViolation(err) {
		return models.Conversation{}, fmt.Errorf("create conversation: %w", ErrConversationExists)
	}
	return conv, err
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

type conversationSummaryRow struct {
	models.Conversation
	ParticipantID        string     `db:"participant_id"`
	ParticipantUsername  string     `db:"participant_username"`
	ParticipantFullName  string     `db:"participant_full_name"`
	ParticipantAvatarURL *string    `db:"participant_avatar_url"`
	LastID               *string    `db:"last_id"`
	LastContent          *string    `db:"last_content"`
	LastSenderID         *string    `db:"last_sender_id"`
	LastIsRead           *bool      `db:"last_is_read"`
	LastReadAt           *time.Time `db:"last_read_at"`
	LastCreatedAt        *time.Time `db:"last_created_at"`
	LastUpdatedAt        *time.Time `db:"last_updated_at"`
}

// ListForUser returns the user's conversations with the counterpart profile
// and the latest message, most recently active first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	query := `SELECT c.id, c.creator_id, c.recipient_id, c.created_at, c.updated_at,
            u.id AS participant_id, u.username AS participant_username,
            u.full_name AS participant_full_name, u.avatar_url AS participant_avatar_url,
            m.id AS last_id, m.content AS last_content, m.sender_id AS last_sender_id,
            m.is_read AS last_is_read, m.read_at AS last_read_at,
            m.created_at AS last_created_at, m.updated_at AS last_updated_at
        FROM conversations c
        JOIN users u ON u.id = CASE WHEN c.creator_id=$1 THEN c.recipient_id ELSE c.creator_id END
        LEFT JOIN LATERAL (
            SELECT id, content, sender_id, is_read, read_at, created_at, updated_at
            FROM messages WHERE conversation_id = c.id
            ORDER BY created_at DESC LIMIT 1
        ) m ON TRUE
        WHERE c.creator_id=$1 OR c.recipient_id=$1
        ORDER BY COALESCE(m.created_at, c.created_at) DESC`

	var rows []conversationSummaryRow
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, err
	}

	result := make([]models.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		summary := models.ConversationSummary{
			ID: row.ID,
			Participant: models.UserProfile{
				ID:        row.ParticipantID,
				Username:  row.ParticipantUsername,
				FullName:  row.ParticipantFullName,
				AvatarURL: row.ParticipantAvatarURL,
			},
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		}
		if row.LastID != nil {
			convID := row.ID
			summary.LastMessage = &models.Message{
				ID:             *row.LastID,
				Content:        deref(row.LastContent),
				SenderID:       deref(row.LastSenderID),
				ConversationID: &convID,
				IsRead:         row.LastIsRead != nil && *row.LastIsRead,
				ReadAt:         row.LastReadAt,
				CreatedAt:      derefTime(row.LastCreatedAt),
				UpdatedAt:      derefTime(row.LastUpdatedAt),
			}
		}
		result = append(result, summary)
	}
	return result, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
