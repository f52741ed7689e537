package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chat-gateway/internal/models"
	"chat-gateway/internal/repositories"
)

// GroupService manages groups and their membership.
type GroupService struct {
	groups repositories.GroupRepository
}

// NewGroupService constructs a GroupService.
func NewGroupService(groups repositories.GroupRepository) *GroupService {
	return &GroupService{groups: groups}
}

// CreateGroupInput is the payload for creating a group.
type CreateGroupInput struct {
	Name        string   `json:"name" binding:"required,max=100"`
	Description *string  `json:"description" binding:"omitempty,max=255"`
	MemberIDs   []string `json:"memberIds" binding:"omitempty,dive,uuid"`
}

// CreateGroup creates a group owned by ownerID. The group and its owner
// membership are written atomically.
func (s *GroupService) CreateGroup(ctx context.Context, ownerID string, in CreateGroupInput) (models.Group, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return models.Group{}, BadRequest("Group name must not be empty")
	}
	group, err := s.groups.CreateGroup(ctx, ownerID, name, in.Description, in.MemberIDs)
	if errors.Is(err, repositories.ErrUserNotFound) {
		return models.Group{}, NotFound("One or more members do not exist")
	}
	if err != nil {
		return models.Group{}, Internal(fmt.Errorf("create group: %w", err))
	}
	return group, nil
}

// ListGroups returns groups userID belongs to.
func (s *GroupService) ListGroups(ctx context.Context, userID string) ([]models.Group, error) {
	groups, err := s.groups.ListGroupsForUser(ctx, userID)
	if err != nil {
		return nil, Internal(fmt.Errorf("list groups: %w", err))
	}
	return groups, nil
}

// InviteMembers adds users as MEMBER. Only owners and admins may invite.
// Users already in the group are skipped; if all were, it is a conflict.
func (s *GroupService) InviteMembers(ctx context.Context, groupID, actorID string, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, BadRequest("memberIds must not be empty")
	}
	actor, err := s.member(ctx, groupID, actorID)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleOwner && actor.Role != models.RoleAdmin {
		return nil, Forbidden("Only owners or admins can invite members")
	}

	added, err := s.groups.AddMembers(ctx, groupID, userIDs)
	if errors.Is(err, repositories.ErrUserNotFound) {
		return nil, NotFound("One or more members do not exist")
	}
	if err != nil {
		return nil, Internal(fmt.Errorf("add members: %w", err))
	}
	if len(added) == 0 {
		return nil, Conflict("All specified members are already in the group", nil)
	}
	return added, nil
}

// KickMember removes targetID from the group. Owners may remove anyone but
// themselves; admins may only remove plain members.
func (s *GroupService) KickMember(ctx context.Context, groupID, actorID, targetID string) error {
	if actorID == targetID {
		return BadRequest("You cannot kick yourself")
	}
	actor, err := s.member(ctx, groupID, actorID)
	if err != nil {
		return err
	}
	target, err := s.groups.GetMember(ctx, groupID, targetID)
	if errors.Is(err, repositories.ErrMemberNotFound) {
		return NotFound("Target user is not a member of this group")
	}
	if err != nil {
		return Internal(fmt.Errorf("get member: %w", err))
	}

	switch actor.Role {
	case models.RoleOwner:
	case models.RoleAdmin:
		if target.Role != models.RoleMember {
			return Forbidden("Admins cannot kick owners or other admins")
		}
	default:
		return Forbidden("Only owners or admins can kick members")
	}
	if target.Role == models.RoleOwner {
		return Forbidden("The group owner cannot be removed")
	}

	if err := s.groups.RemoveMember(ctx, groupID, targetID); err != nil {
		if errors.Is(err, repositories.ErrMemberNotFound) {
			return NotFound("Target user is not a member of this group")
		}
		return Internal(fmt.Errorf("remove member: %w", err))
	}
	return nil
}

// GetGroup returns a group to one of its members.
func (s *GroupService) GetGroup(ctx context.Context, groupID, userID string) (models.Group, error) {
	if _, err := s.member(ctx, groupID, userID); err != nil {
		return models.Group{}, err
	}
	group, err := s.groups.GetGroup(ctx, groupID)
	if errors.Is(err, repositories.ErrGroupNotFound) {
		return models.Group{}, NotFound("Group not found")
	}
	if err != nil {
		return models.Group{}, Internal(fmt.Errorf("get group: %w", err))
	}
	return group, nil
}

// ListMembers returns the member list. Only members may see it.
func (s *GroupService) ListMembers(ctx context.Context, groupID, userID string) ([]models.GroupMemberProfile, error) {
	ok, err := s.groups.IsMember(ctx, groupID, userID)
	if err != nil {
		return nil, Internal(fmt.Errorf("check membership: %w", err))
	}
	if !ok {
		return nil, Forbidden("You must be a member of this group to see the member list")
	}
	members, err := s.groups.ListMembers(ctx, groupID)
	if err != nil {
		return nil, Internal(fmt.Errorf("list members: %w", err))
	}
	return members, nil
}

// LeaveGroup removes userID from the group. The owner may only leave as the
// last member, which deletes the group; the returned flag reports that.
func (s *GroupService) LeaveGroup(ctx context.Context, groupID, userID string) (bool, error) {
	deleted, err := s.groups.LeaveGroup(ctx, groupID, userID)
	switch {
	case errors.Is(err, repositories.ErrMemberNotFound):
		return false, NotFound("You are not a member of this group")
	case errors.Is(err, repositories.ErrOwnerHasMembers):
		return false, BadRequest("As an owner, you must transfer ownership to another member before leaving or delete the group")
	case err != nil:
		return false, Internal(fmt.Errorf("leave group: %w", err))
	}
	return deleted, nil
}

// ChangeMemberRole sets targetID's role to ADMIN or MEMBER. Owners and admins
// may change roles; the owner's own role never changes, so every group keeps
// its owner.
func (s *GroupService) ChangeMemberRole(ctx context.Context, groupID, actorID, targetID string, role models.GroupRole) error {
	if role != models.RoleAdmin && role != models.RoleMember {
		return BadRequest("role must be one of ADMIN MEMBER")
	}
	actor, err := s.groups.GetMember(ctx, groupID, actorID)
	if err != nil && !errors.Is(err, repositories.ErrMemberNotFound) {
		return Internal(fmt.Errorf("get member: %w", err))
	}
	if err != nil || (actor.Role != models.RoleOwner && actor.Role != models.RoleAdmin) {
		return Forbidden("You do not have permission to change roles in this group")
	}

	target, err := s.groups.GetMember(ctx, groupID, targetID)
	if errors.Is(err, repositories.ErrMemberNotFound) {
		return NotFound("Member not found in this group")
	}
	if err != nil {
		return Internal(fmt.Errorf("get member: %w", err))
	}
	if target.Role == models.RoleOwner {
		if actor.Role == models.RoleAdmin {
			return Forbidden("Admins cannot change the role of the Owner")
		}
		return BadRequest("The owner's role cannot be changed")
	}

	if err := s.groups.UpdateMemberRole(ctx, groupID, targetID, role); err != nil {
		if errors.Is(err, repositories.ErrMemberNotFound) {
			return NotFound("Member not found in this group")
		}
		return Internal(fmt.Errorf("update role: %w", err))
	}
	return nil
}

// DeleteGroup deletes the group with its memberships and messages. Only the
// owner may do this.
func (s *GroupService) DeleteGroup(ctx context.Context, groupID, actorID string) error {
	actor, err := s.member(ctx, groupID, actorID)
	if err != nil {
		return err
	}
	if actor.Role != models.RoleOwner {
		return Forbidden("Only the group owner can delete the group")
	}
	if err := s.groups.DeleteGroup(ctx, groupID); err != nil {
		if errors.Is(err, repositories.ErrGroupNotFound) {
			return NotFound("Group not found")
		}
		return Internal(fmt.Errorf("delete group: %w", err))
	}
	return nil
}

func (s *GroupService) member(ctx context.Context, groupID, userID string) (models.GroupMember, error) {
	m, err := s.groups.GetMember(ctx, groupID, userID)
	if errors.Is(err, repositories.ErrMemberNotFound) {
		return models.GroupMember{}, Forbidden("You are not a member of this group")
	}
	if err != nil {
		return models.GroupMember{}, Internal(fmt.Errorf("get member: %w", err))
	}
	return m, nil
}
