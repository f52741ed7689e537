package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"chat-gateway/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// NewMessage is the write model for a message. Exactly one of ConversationID
// and GroupID is set.
type NewMessage struct {
	SenderID       string
	Content        string
	ConversationID *string
	GroupID        *string
}

// MessageRepository defines message persistence.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg NewMessage) (models.Message, error)
	GetMessageWithSender(ctx context.Context, messageID string) (models.Message, error)
	ListConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error)
	ListGroupMessages(ctx context.Context, groupID string, limit, offset int) ([]models.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID string, readAt time.Time) (int64, error)
	LatestFromOthers(ctx context.Context, conversationID, readerID string) (models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `m.id, m.content, m.sender_id, m.conversation_id, m.group_id, m.is_read, m.read_at, m.created_at, m.updated_at`

const messageWithSenderSelect = `SELECT ` + messageColumns + `,
            u.username AS sender_username, u.full_name AS sender_full_name, u.avatar_url AS sender_avatar_url
        FROM messages m
        JOIN users u ON u.id = m.sender_id`

type messageRow struct {
	models.Message
	SenderUsername  string  `db:"sender_username"`
	SenderFullName  string  `db:"sender_full_name"`
	SenderAvatarURL *string `db:"sender_avatar_url"`
}

func (row messageRow) toModel() models.Message {
	msg := row.Message
	msg.Sender = &models.UserProfile{
		ID:        row.SenderID,
		Username:  row.SenderUsername,
		FullName:  row.SenderFullName,
		AvatarURL: row.SenderAvatarURL,
	}
	return msg
}

func toModels(rows []messageRow) []models.Message {
	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.toModel())
	}
	return msgs
}

// CreateMessage stores a message.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg NewMessage) (models.Message, error) {
	var created models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (id, content, sender_id, conversation_id, group_id)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id, content, sender_id, conversation_id, group_id, is_read, read_at, created_at, updated_at`,
		uuid.NewString(), msg.Content, msg.SenderID, msg.ConversationID, msg.GroupID).StructScan(&created)
	return created, err
}

// GetMessageWithSender reads a message back together with its sender's public profile.
func (r *MessageRepo) GetMessageWithSender(ctx context.Context, messageID string) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, messageWithSenderSelect+` WHERE m.id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel(), nil
}

// ListConversationMessages returns a page of a conversation, newest first.
func (r *MessageRepo) ListConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error) {
	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows, messageWithSenderSelect+`
        WHERE m.conversation_id=$1
        ORDER BY m.created_at DESC, m.id DESC
        LIMIT $2 OFFSET $3`, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	return toModels(rows), nil
}

// ListGroupMessages returns a page of a group's messages, newest first.
func (r *MessageRepo) ListGroupMessages(ctx context.Context, groupID string, limit, offset int) ([]models.Message, error) {
	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows, messageWithSenderSelect+`
        WHERE m.group_id=$1
        ORDER BY m.created_at DESC, m.id DESC
        LIMIT $2 OFFSET $3`, groupID, limit, offset)
	if err != nil {
		return nil, err
	}
	return toModels(rows), nil
}

// MarkConversationRead flips every unread message the reader received in the
// conversation in a single statement and reports how many changed.
func (r *MessageRepo) MarkConversationRead(ctx context.Context, conversationID, readerID string, readAt time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET is_read = TRUE, read_at = $3, updated_at = $3
        WHERE conversation_id=$1 AND sender_id<>$2 AND is_read = FALSE`, conversationID, readerID, readAt)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LatestFromOthers returns the newest message in the conversation not sent by readerID.
func (r *MessageRepo) LatestFromOthers(ctx context.Context, conversationID, readerID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages m
        WHERE m.conversation_id=$1 AND m.sender_id<>$2
        ORDER BY m.created_at DESC, m.id DESC LIMIT 1`, conversationID, readerID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}
