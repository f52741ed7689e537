package models

import "time"

// UserStatus is a user's presence state.
type UserStatus string

const (
	StatusOnline  UserStatus = "ONLINE"
	StatusOffline UserStatus = "OFFLINE"
)

// User is the directory record the chat core reads presence and profile from.
type User struct {
	ID         string     `db:"id" json:"id"`
	Username   string     `db:"username" json:"username"`
	FullName   string     `db:"full_name" json:"fullName"`
	AvatarURL  *string    `db:"avatar_url" json:"avatarUrl"`
	Status     UserStatus `db:"status" json:"status"`
	LastSeenAt *time.Time `db:"last_seen_at" json:"lastSeenAt"`
}

// UserProfile is the public subset of a user embedded in message payloads.
type UserProfile struct {
	ID        string  `db:"id" json:"id"`
	Username  string  `db:"username" json:"username"`
	FullName  string  `db:"full_name" json:"fullName"`
	AvatarURL *string `db:"avatar_url" json:"avatarUrl"`
}

// Profile returns the public profile of u.
func (u User) Profile() UserProfile {
	return UserProfile{ID: u.ID, Username: u.Username, FullName: u.FullName, AvatarURL: u.AvatarURL}
}
