package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-gateway/internal/models"
	"chat-gateway/internal/services"
	"chat-gateway/internal/telemetry"
	"chat-gateway/internal/validation"
)

// GroupHandler manages group-related endpoints.
type GroupHandler struct {
	groups *services.GroupService
	audit  *telemetry.AuditEmitter
}

// NewGroupHandler constructs a GroupHandler. audit may be nil.
func NewGroupHandler(groups *services.GroupService, audit *telemetry.AuditEmitter) *GroupHandler {
	return &GroupHandler{groups: groups, audit: audit}
}

// CreateGroup handles POST /groups.
func (h *GroupHandler) CreateGroup(c *gin.Context) {
	var req services.CreateGroupInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Message(err)})
		return
	}

	group, err := h.groups.CreateGroup(c.Request.Context(), c.GetString("userID"), req)
	if err != nil {
		h.emitAudit(c, "ERROR", "group creation failed")
		respondError(c, err)
		return
	}

	h.emitAudit(c, "INFO", fmt.Sprintf("Group %s created", group.ID))
	c.JSON(http.StatusCreated, group)
}

// ListGroups handles GET /groups.
func (h *GroupHandler) ListGroups(c *gin.Context) {
	groups, err := h.groups.ListGroups(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// InviteMembers handles POST /groups/:group_id/members.
func (h *GroupHandler) InviteMembers(c *gin.Context) {
	groupID, ok := pathUUID(c, "group_id")
	if !ok {
		return
	}
	var req struct {
		MemberIDs []string `json:"memberIds" binding:"required,min=1,dive,uuid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Message(err)})
		return
	}

	added, err := h.groups.InviteMembers(c.Request.Context(), groupID, c.GetString("userID"), req.MemberIDs)
	if err != nil {
		if services.KindOf(err) == services.KindForbidden {
			h.emitAudit(c, "WARN", fmt.Sprintf("Invite to group %s denied", groupID))
		}
		respondError(c, err)
		return
	}

	h.emitAudit(c, "INFO", fmt.Sprintf("%d member(s) added to group %s", len(added), groupID))
	c.JSON(http.StatusOK, gin.H{"groupId": groupID, "added": added})
}

// KickMember handles DELETE /groups/:group_id/members/:user_id.
func (h *GroupHandler) KickMember(c *gin.Context) {
	groupID, ok := pathUUID(c, "group_id")
	if !ok {
		return
	}
	targetID, ok := pathUUID(c, "user_id")
	if !ok {
		return
	}

	if err := h.groups.KickMember(c.Request.Context(), groupID, c.GetString("userID"), targetID); err != nil {
		if services.KindOf(err) == services.KindForbidden {
			h.emitAudit(c, "WARN", fmt.Sprintf("Kick from group %s denied", groupID))
		}
		respondError(c, err)
		return
	}

	h.emitAudit(c, "INFO", fmt.Sprintf("Member %s removed from group %s", targetID, groupID))
	c.Status(http.StatusNoContent)
}

// GetGroup handles GET /groups/:group_id.
func (h *GroupHandler) GetGroup(c *gin.Context) {
	groupID, ok := pathUUID(c, "group_id")
	if !ok {
		return
	}
	group, err := h.groups.GetGroup(c.Request.Context(), groupID, c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, group)
}

// DeleteGroup handles DELETE /groups/:group_id.
func (h *GroupHandler) DeleteGroup(c *gin.Context) {
	groupID, ok := pathUUID(c, "group_id")
	if !ok {
		return
	}
	if err := h.groups.DeleteGroup(c.Request.Context(), groupID, c.GetString("userID")); err != nil {
		if services.KindOf(err) == services.KindForbidden {
			h.emitAudit(c, "WARN", fmt.Sprintf("Delete of group %s denied", groupID))
		}
		respondError(c, err)
		return
	}

	h.emitAudit(c, "INFO", fmt.Sprintf("Group %s deleted", groupID))
	c.Status(http.StatusNoContent)
}

// ListMembers handles GET /groups/:group_id/members.
func (h *GroupHandler) ListMembers(c *gin.Context) {
	groupID, ok := pathUUID(c, "group_id")
	if !ok {
		return
	}
	members, err := h.groups.ListMembers(c.Request.Context(), groupID, c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groupId": groupID, "members": members})
}

// LeaveGroup handles POST /groups/:group_id/leave.
func (h *GroupHandler) LeaveGroup(c *gin.Context) {
	groupID, ok := pathUUID(c, "group_id")
	if !ok {
		return
	}
	deleted, err := h.groups.LeaveGroup(c.Request.Context(), groupID, c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}

	text := fmt.Sprintf("Member left group %s", groupID)
	if deleted {
		text = fmt.Sprintf("Group %s deleted after its last member left", groupID)
	}
	h.emitAudit(c, "INFO", text)
	c.JSON(http.StatusOK, gin.H{"groupId": groupID, "groupDeleted": deleted})
}

// ChangeMemberRole handles PATCH /groups/:group_id/members/:user_id/role.
func (h *GroupHandler) ChangeMemberRole(c *gin.Context) {
	groupID, ok := pathUUID(c, "group_id")
	if !ok {
		return
	}
	targetID, ok := pathUUID(c, "user_id")
	if !ok {
		return
	}
	var req struct {
		Role models.GroupRole `json:"role" binding:"required,oneof=ADMIN MEMBER"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Message(err)})
		return
	}

	if err := h.groups.ChangeMemberRole(c.Request.Context(), groupID, c.GetString("userID"), targetID, req.Role); err != nil {
		if services.KindOf(err) == services.KindForbidden {
			h.emitAudit(c, "WARN", fmt.Sprintf("Role change in group %s denied", groupID))
		}
		respondError(c, err)
		return
	}

	h.emitAudit(c, "INFO", fmt.Sprintf("Member %s of group %s is now %s", targetID, groupID, req.Role))
	c.JSON(http.StatusOK, gin.H{"groupId": groupID, "userId": targetID, "role": req.Role})
}

func (h *GroupHandler) emitAudit(c *gin.Context, level, text string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c))
}
