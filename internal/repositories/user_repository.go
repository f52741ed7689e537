package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-gateway/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository is the user directory as seen by the chat core.
type UserRepository interface {
	GetUser(ctx context.Context, userID string) (models.User, error)
	SetStatus(ctx context.Context, userID string, status models.UserStatus, lastSeenAt time.Time) error
	ResetOnlineStatuses(ctx context.Context, at time.Time) (int64, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// GetUser fetches a user by id.
func (r *UserRepo) GetUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT id, username, full_name, avatar_url, status, last_seen_at FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// SetStatus records a presence transition.
func (r *UserRepo) SetStatus(ctx context.Context, userID string, status models.UserStatus, lastSeenAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET status=$2, last_seen_at=$3 WHERE id=$1`, userID, status, lastSeenAt)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ResetOnlineStatuses marks every ONLINE user OFFLINE. Used at startup, when no
// connection can be alive yet.
func (r *UserRepo) ResetOnlineStatuses(ctx context.Context, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET status=$1, last_seen_at=$2 WHERE status=$3`, models.StatusOffline, at, models.StatusOnline)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
