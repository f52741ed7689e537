package models

import "time"

// GroupRole is a member's role within a group.
type GroupRole string

const (
	RoleOwner  GroupRole = "OWNER"
	RoleAdmin  GroupRole = "ADMIN"
	RoleMember GroupRole = "MEMBER"
)

// Group represents a chat group.
type Group struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description *string   `db:"description" json:"description"`
	OwnerID     string    `db:"owner_id" json:"ownerId"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// GroupMember links a user to a group with a role.
type GroupMember struct {
	GroupID  string    `db:"group_id" json:"groupId"`
	UserID   string    `db:"user_id" json:"userId"`
	Role     GroupRole `db:"role" json:"role"`
	JoinedAt time.Time `db:"joined_at" json:"joinedAt"`
}

// GroupMemberProfile is a member's public profile together with their role.
type GroupMemberProfile struct {
	UserProfile
	Role     GroupRole `db:"role" json:"role"`
	JoinedAt time.Time `db:"joined_at" json:"joinedAt"`
}
