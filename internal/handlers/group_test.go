package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-gateway/internal/mocks"
	"chat-gateway/internal/models"
	"chat-gateway/internal/services"
	"chat-gateway/internal/telemetry"
)

type groupEnv struct {
	store   *mocks.MemoryStore
	handler *GroupHandler
	pub     *mocks.PublisherMock
}

func newGroupEnv(t *testing.T) groupEnv {
	t.Helper()
	store := mocks.NewMemoryStore()
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, "audit.chat", mock.AnythingOfType("telemetry.AuditEnvelope"), mock.Anything).Return(nil).Maybe()
	audit := telemetry.NewAuditEmitter(pub, "audit.chat", "chat-gateway", "test", nil)
	return groupEnv{
		store:   store,
		handler: NewGroupHandler(services.NewGroupService(store), audit),
		pub:     pub,
	}
}

func (e groupEnv) router(userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", userID)
		c.Next()
	})
	r.POST("/groups", e.handler.CreateGroup)
	r.GET("/groups", e.handler.ListGroups)
	r.GET("/groups/:group_id", e.handler.GetGroup)
	r.DELETE("/groups/:group_id", e.handler.DeleteGroup)
	r.POST("/groups/:group_id/leave", e.handler.LeaveGroup)
	r.GET("/groups/:group_id/members", e.handler.ListMembers)
	r.POST("/groups/:group_id/members", e.handler.InviteMembers)
	r.DELETE("/groups/:group_id/members/:user_id", e.handler.KickMember)
	r.PATCH("/groups/:group_id/members/:user_id/role", e.handler.ChangeMemberRole)
	return r
}

func auditTexts(pub *mocks.PublisherMock) []string {
	var texts []string
	for _, call := range pub.Calls {
		if call.Method != "Publish" {
			continue
		}
		texts = append(texts, call.Arguments.Get(2).(telemetry.AuditEnvelope).Payload.Text)
	}
	return texts
}

func TestCreateGroup(t *testing.T) {
	env := newGroupEnv(t)
	owner := env.store.AddUser("owner")
	bob := env.store.AddUser("bob")
	router := env.router(owner)

	rec := do(router, http.MethodPost, "/groups", gin.H{"name": " team ", "memberIds": []string{bob}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var group models.Group
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &group))
	assert.Equal(t, "team", group.Name)
	assert.Equal(t, owner, group.OwnerID)

	member, err := env.store.GetMember(context.Background(), group.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.RoleOwner, member.Role)

	assert.Equal(t, []string{"Group " + group.ID + " created"}, auditTexts(env.pub))

	rec = do(env.router(bob), http.MethodGet, "/groups", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Groups []models.Group `json:"groups"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Groups, 1)
	assert.Equal(t, group.ID, list.Groups[0].ID)
}

func TestCreateGroupRejected(t *testing.T) {
	env := newGroupEnv(t)
	owner := env.store.AddUser("owner")
	router := env.router(owner)

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/groups", gin.H{}).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/groups", gin.H{"name": "   "}).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/groups", gin.H{"name": "x", "memberIds": []string{"nope"}}).Code)

	rec := do(router, http.MethodPost, "/groups", gin.H{"name": "x", "memberIds": []string{"0b9a4a52-9d0a-4a57-8a3e-7f1e1c2d3b4a"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInviteMembers(t *testing.T) {
	env := newGroupEnv(t)
	owner := env.store.AddUser("owner")
	member := env.store.AddUser("member")
	newcomer := env.store.AddUser("newcomer")
	group, err := env.store.CreateGroup(context.Background(), owner, "team", nil, []string{member})
	require.NoError(t, err)
	path := "/groups/" + group.ID + "/members"

	rec := do(env.router(member), http.MethodPost, path, gin.H{"memberIds": []string{newcomer}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(env.router(owner), http.MethodPost, path, gin.H{"memberIds": []string{newcomer, member}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"groupId":"`+group.ID+`","added":["`+newcomer+`"]}`, rec.Body.String())
	ok, err := env.store.IsMember(context.Background(), group.ID, newcomer)
	require.NoError(t, err)
	assert.True(t, ok)

	rec = do(env.router(owner), http.MethodPost, path, gin.H{"memberIds": []string{newcomer, member}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "All specified members are already in the group", errorBody(t, rec))

	assert.Equal(t, http.StatusBadRequest, do(env.router(owner), http.MethodPost, path, gin.H{"memberIds": []string{}}).Code)
	assert.Equal(t, http.StatusBadRequest, do(env.router(owner), http.MethodPost, "/groups/nope/members", gin.H{"memberIds": []string{newcomer}}).Code)

	assert.Contains(t, auditTexts(env.pub), "Invite to group "+group.ID+" denied")
}

func TestKickMember(t *testing.T) {
	env := newGroupEnv(t)
	owner := env.store.AddUser("owner")
	admin := env.store.AddUser("admin")
	member := env.store.AddUser("member")
	other := env.store.AddUser("other")
	group, err := env.store.CreateGroup(context.Background(), owner, "team", nil, []string{admin, member, other})
	require.NoError(t, err)
	env.store.SetRole(group.ID, admin, models.RoleAdmin)

	kick := func(actor, target string) int {
		return do(env.router(actor), http.MethodDelete, "/groups/"+group.ID+"/members/"+target, nil).Code
	}

	assert.Equal(t, http.StatusBadRequest, kick(admin, admin))
	assert.Equal(t, http.StatusForbidden, kick(member, other))
	assert.Equal(t, http.StatusForbidden, kick(admin, owner))
	assert.Equal(t, http.StatusNoContent, kick(admin, member))
	assert.Equal(t, http.StatusNotFound, kick(admin, member))
	assert.Equal(t, http.StatusNoContent, kick(owner, admin))
	assert.Equal(t, http.StatusForbidden, kick(admin, other))

	assert.Contains(t, auditTexts(env.pub), "Member "+member+" removed from group "+group.ID)

	isOwner, err := env.store.GetMember(context.Background(), group.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.RoleOwner, isOwner.Role)
}

func TestGetGroupAndMembers(t *testing.T) {
	env := newGroupEnv(t)
	owner := env.store.AddUser("owner")
	member := env.store.AddUser("member")
	outsider := env.store.AddUser("outsider")
	group, err := env.store.CreateGroup(context.Background(), owner, "team", nil, []string{member})
	require.NoError(t, err)

	rec := do(env.router(member), http.MethodGet, "/groups/"+group.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got models.Group
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "team", got.Name)

	rec = do(env.router(member), http.MethodGet, "/groups/"+group.ID+"/members", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list struct {
		GroupID string                      `json:"groupId"`
		Members []models.GroupMemberProfile `json:"members"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, group.ID, list.GroupID)
	require.Len(t, list.Members, 2)
	assert.Equal(t, "owner", list.Members[0].Username)
	assert.Equal(t, models.RoleOwner, list.Members[0].Role)
	assert.Equal(t, member, list.Members[1].ID)

	assert.Equal(t, http.StatusForbidden, do(env.router(outsider), http.MethodGet, "/groups/"+group.ID, nil).Code)
	rec = do(env.router(outsider), http.MethodGet, "/groups/"+group.ID+"/members", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "You must be a member of this group to see the member list", errorBody(t, rec))
}

func TestLeaveGroup(t *testing.T) {
	env := newGroupEnv(t)
	owner := env.store.AddUser("owner")
	member := env.store.AddUser("member")
	group, err := env.store.CreateGroup(context.Background(), owner, "team", nil, []string{member})
	require.NoError(t, err)
	path := "/groups/" + group.ID + "/leave"

	rec := do(env.router(owner), http.MethodPost, path, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(env.router(member), http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"groupId":"`+group.ID+`","groupDeleted":false}`, rec.Body.String())
	assert.Equal(t, http.StatusNotFound, do(env.router(member), http.MethodPost, path, nil).Code)

	rec = do(env.router(owner), http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"groupId":"`+group.ID+`","groupDeleted":true}`, rec.Body.String())
	assert.Contains(t, auditTexts(env.pub), "Group "+group.ID+" deleted after its last member left")

	_, err = env.store.GetGroup(context.Background(), group.ID)
	assert.Error(t, err)
}

func TestChangeMemberRole(t *testing.T) {
	env := newGroupEnv(t)
	owner := env.store.AddUser("owner")
	admin := env.store.AddUser("admin")
	member := env.store.AddUser("member")
	group, err := env.store.CreateGroup(context.Background(), owner, "team", nil, []string{admin, member})
	require.NoError(t, err)
	env.store.SetRole(group.ID, admin, models.RoleAdmin)

	change := func(actor, target, role string) *httptest.ResponseRecorder {
		return do(env.router(actor), http.MethodPatch, "/groups/"+group.ID+"/members/"+target+"/role", gin.H{"role": role})
	}

	assert.Equal(t, http.StatusBadRequest, change(owner, member, "OWNER").Code)
	assert.Equal(t, http.StatusBadRequest, change(owner, member, "").Code)
	assert.Equal(t, http.StatusForbidden, change(member, admin, "MEMBER").Code)
	rec := change(admin, owner, "MEMBER")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Admins cannot change the role of the Owner", errorBody(t, rec))

	rec = change(admin, member, "ADMIN")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"groupId":"`+group.ID+`","userId":"`+member+`","role":"ADMIN"}`, rec.Body.String())

	promoted, err := env.store.GetMember(context.Background(), group.ID, member)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, promoted.Role)
	assert.Contains(t, auditTexts(env.pub), "Role change in group "+group.ID+" denied")
}

func TestDeleteGroup(t *testing.T) {
	env := newGroupEnv(t)
	owner := env.store.AddUser("owner")
	admin := env.store.AddUser("admin")
	group, err := env.store.CreateGroup(context.Background(), owner, "team", nil, []string{admin})
	require.NoError(t, err)
	env.store.SetRole(group.ID, admin, models.RoleAdmin)

	assert.Equal(t, http.StatusForbidden, do(env.router(admin), http.MethodDelete, "/groups/"+group.ID, nil).Code)
	assert.Equal(t, http.StatusNoContent, do(env.router(owner), http.MethodDelete, "/groups/"+group.ID, nil).Code)
	assert.Equal(t, http.StatusForbidden, do(env.router(owner), http.MethodGet, "/groups/"+group.ID, nil).Code)
	assert.Equal(t, []string{"Delete of group " + group.ID + " denied", "Group " + group.ID + " deleted"}, auditTexts(env.pub))
}
