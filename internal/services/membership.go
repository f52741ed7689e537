package services

import (
	"context"
	"fmt"

	"chat-gateway/internal/repositories"
)

const notMemberMessage = "Not a member of this group"

// Membership answers group authorization questions from the store. Results
// are never cached across calls.
type Membership struct {
	groups repositories.GroupRepository
}

// NewMembership constructs a Membership oracle.
func NewMembership(groups repositories.GroupRepository) *Membership {
	return &Membership{groups: groups}
}

// IsMember reports whether userID belongs to groupID.
func (m *Membership) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	ok, err := m.groups.IsMember(ctx, groupID, userID)
	if err != nil {
		return false, Internal(fmt.Errorf("membership check: %w", err))
	}
	return ok, nil
}

// GroupIDsOf lists every group userID belongs to.
func (m *Membership) GroupIDsOf(ctx context.Context, userID string) ([]string, error) {
	ids, err := m.groups.ListGroupIDs(ctx, userID)
	if err != nil {
		return nil, Internal(fmt.Errorf("list group ids: %w", err))
	}
	return ids, nil
}

// Require fails with Forbidden unless userID belongs to groupID.
func (m *Membership) Require(ctx context.Context, groupID, userID string) error {
	ok, err := m.IsMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return Forbidden(notMemberMessage)
	}
	return nil
}
