package rooms

import "strings"

const (
	personalPrefix = "user:"
	groupPrefix    = "group:"
)

// Kind identifies a room namespace.
type Kind string

const (
	KindPersonal Kind = "personal"
	KindGroup    Kind = "group"
	KindOther    Kind = "other"
)

// Personal returns the room every connection of a user joins.
func Personal(userID string) string {
	return personalPrefix + userID
}

// Group returns the broadcast room of a group.
func Group(groupID string) string {
	return groupPrefix + groupID
}

// Parse splits a room name into its kind and id.
func Parse(room string) (Kind, string, bool) {
	switch {
	case strings.HasPrefix(room, personalPrefix):
		return KindPersonal, strings.TrimPrefix(room, personalPrefix), true
	case strings.HasPrefix(room, groupPrefix):
		return KindGroup, strings.TrimPrefix(room, groupPrefix), true
	}
	return "", "", false
}
