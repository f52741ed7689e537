package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"chat-gateway/internal/models"
)

var (
	ErrGroupNotFound   = errors.New("group not found")
	ErrMemberNotFound  = errors.New("group member not found")
	// ErrOwnerHasMembers is returned when the owner tries to leave a group
	// that still has other members.
	ErrOwnerHasMembers = errors.New("group owner cannot leave while other members remain")
)

// GroupRepository abstracts group and membership persistence.
type GroupRepository interface {
	CreateGroup(ctx context.Context, ownerID, name string, description *string, memberIDs []string) (models.Group, error)
	GetGroup(ctx context.Context, groupID string) (models.Group, error)
	ListGroupsForUser(ctx context.Context, userID string) ([]models.Group, error)
	ListGroupIDs(ctx context.Context, userID string) ([]string, error)
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	GetMember(ctx context.Context, groupID, userID string) (models.GroupMember, error)
	AddMembers(ctx context.Context, groupID string, userIDs []string) ([]string, error)
	RemoveMember(ctx context.Context, groupID, userID string) error
	ListMembers(ctx context.Context, groupID string) ([]models.GroupMemberProfile, error)
	UpdateMemberRole(ctx context.Context, groupID, userID string, role models.GroupRole) error
	LeaveGroup(ctx context.Context, groupID, userID string) (bool, error)
	DeleteGroup(ctx context.Context, groupID string) error
}

// GroupRepo is a sqlx implementation of GroupRepository.
type GroupRepo struct {
	db *sqlx.DB
}

// NewGroupRepo constructs a GroupRepo.
func NewGroupRepo(db *sqlx.DB) *GroupRepo {
	return &GroupRepo{db: db}
}

// CreateGroup creates a group, its owner membership and any initial members atomically.
func (r *GroupRepo) CreateGroup(ctx context.Context, ownerID, name string, description *string, memberIDs []string) (models.Group, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Group{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var group models.Group
	if err = tx.QueryRowxContext(ctx, `INSERT INTO groups (id, name, description, owner_id) VALUES ($1, $2, $3, $4)
        RETURNING id, name, description, owner_id, created_at, updated_at`, uuid.NewString(), name, description, ownerID).
		StructScan(&group); err != nil {
		return models.Group{}, err
	}

	if _, err = tx.ExecContext(ctx, `INSERT INTO group_members (group_id, user_id, role) VALUES ($1, $2, $3)`,
		group.ID, ownerID, models.RoleOwner); err != nil {
		return models.Group{}, err
	}

	// dedupe members; the owner is already present
	memberSet := map[string]struct{}{}
	for _, id := range memberIDs {
		if id != ownerID {
			memberSet[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(memberSet))
	for id := range memberSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if _, err = tx.ExecContext(ctx, `INSERT INTO group_members (group_id, user_id, role) VALUES ($1, $2, $3)`,
			group.ID, id, models.RoleMember); err != nil {
			if isForeignKeyViolation(err) {
				err = fmt.Errorf("add member %s: %w", id, ErrUserNotFound)
			}
			return models.Group{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Group{}, err
	}
	return group, nil
}

// GetGroup fetches a single group.
func (r *GroupRepo) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	var group models.Group
	err := r.db.GetContext(ctx, &group, `SELECT id, name, description, owner_id, created_at, updated_at FROM groups WHERE id=$1`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Group{}, ErrGroupNotFound
	}
	return group, err
}

// ListGroupsForUser returns groups that include the user.
func (r *GroupRepo) ListGroupsForUser(ctx context.Context, userID string) ([]models.Group, error) {
	groups := []models.Group{}
	err := r.db.SelectContext(ctx, &groups, `SELECT g.id, g.name, g.description, g.owner_id, g.created_at, g.updated_at
        FROM groups g INNER JOIN group_members gm ON gm.group_id = g.id
        WHERE gm.user_id=$1 ORDER BY g.created_at DESC`, userID)
	return groups, err
}

// ListGroupIDs returns the ids of every group the user belongs to.
func (r *GroupRepo) ListGroupIDs(ctx context.Context, userID string) ([]string, error) {
	ids := []string{}
	err := r.db.SelectContext(ctx, &ids, `SELECT group_id FROM group_members WHERE user_id=$1`, userID)
	return ids, err
}

// IsMember checks membership.
func (r *GroupRepo) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id=$1 AND user_id=$2)`, groupID, userID)
	return exists, err
}

// GetMember fetches a membership with its role.
func (r *GroupRepo) GetMember(ctx context.Context, groupID, userID string) (models.GroupMember, error) {
	var member models.GroupMember
	err := r.db.GetContext(ctx, &member, `SELECT group_id, user_id, role, joined_at FROM group_members WHERE group_id=$1 AND user_id=$2`, groupID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.GroupMember{}, ErrMemberNotFound
	}
	return member, err
}

// AddMembers inserts MEMBER rows and returns the ids that were actually added.
func (r *GroupRepo) AddMembers(ctx context.Context, groupID string, userIDs []string) ([]string, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	added := []string{}
	for _, id := range userIDs {
		var userID string
		err = tx.QueryRowxContext(ctx, `INSERT INTO group_members (group_id, user_id, role) VALUES ($1, $2, $3)
            ON CONFLICT (group_id, user_id) DO NOTHING RETURNING user_id`, groupID, id, models.RoleMember).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			err = nil
			continue
		}
		if err != nil {
			if isForeignKeyViolation(err) {
				err = fmt.Errorf("add member %s: %w", id, ErrUserNotFound)
			}
			return nil, err
		}
		added = append(added, userID)
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return added, nil
}

// RemoveMember deletes a non-owner membership.
func (r *GroupRepo) RemoveMember(ctx context.Context, groupID, userID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id=$1 AND user_id=$2 AND role<>$3`, groupID, userID, models.RoleOwner)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// ListMembers returns every member of a group with their profile, owner first.
func (r *GroupRepo) ListMembers(ctx context.Context, groupID string) ([]models.GroupMemberProfile, error) {
	members := []models.GroupMemberProfile{}
	err := r.db.SelectContext(ctx, &members, `SELECT u.id, u.username, u.full_name, u.avatar_url, gm.role, gm.joined_at
        FROM group_members gm INNER JOIN users u ON u.id = gm.user_id
        WHERE gm.group_id=$1
        ORDER BY CASE gm.role WHEN 'OWNER' THEN 0 WHEN 'ADMIN' THEN 1 ELSE 2 END, gm.joined_at, u.username`, groupID)
	return members, err
}

// UpdateMemberRole changes the role of a non-owner member.
func (r *GroupRepo) UpdateMemberRole(ctx context.Context, groupID, userID string, role models.GroupRole) error {
	res, err := r.db.ExecContext(ctx, `UPDATE group_members SET role=$3 WHERE group_id=$1 AND user_id=$2 AND role<>$4`,
		groupID, userID, role, models.RoleOwner)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// LeaveGroup removes userID from the group. When the owner is the last
// member the group itself is deleted, and true is returned. The group row is
// locked so a concurrent invite cannot slip in between the count and the delete.
func (r *GroupRepo) LeaveGroup(ctx context.Context, groupID, userID string) (deleted bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var locked string
	err = tx.GetContext(ctx, &locked, `SELECT id FROM groups WHERE id=$1 FOR UPDATE`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrMemberNotFound
	}
	if err != nil {
		return false, err
	}

	var role models.GroupRole
	err = tx.GetContext(ctx, &role, `SELECT role FROM group_members WHERE group_id=$1 AND user_id=$2`, groupID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrMemberNotFound
	}
	if err != nil {
		return false, err
	}

	if role != models.RoleOwner {
		if _, err = tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id=$1 AND user_id=$2`, groupID, userID); err != nil {
			return false, err
		}
		return false, tx.Commit()
	}

	var count int
	if err = tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM group_members WHERE group_id=$1`, groupID); err != nil {
		return false, err
	}
	if count > 1 {
		return false, ErrOwnerHasMembers
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM groups WHERE id=$1`, groupID); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteGroup deletes a group; memberships and group messages cascade.
func (r *GroupRepo) DeleteGroup(ctx context.Context, groupID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM groups WHERE id=$1`, groupID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrGroupNotFound
	}
	return nil
}
