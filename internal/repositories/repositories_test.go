package repositories

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-gateway/internal/models"
)

const (
	userA  = "0b9a4a52-9d0a-4a57-8a3e-7f1e1c2d3b4a"
	userB  = "6f1c1d1e-4a57-4c1b-9a54-0d6d7f9a2b11"
	convID = "9d7e8f60-1b2c-4d3e-8f9a-0b1c2d3e4f50"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return sqlx.NewDb(db, "postgres"), mock
}

func q(s string) string {
	return regexp.QuoteMeta(s)
}

func TestConversationCreateMapsUniqueViolation(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)

	mock.ExpectQuery(q("INSERT INTO conversations (id, creator_id, recipient_id)")).
		WithArgs(sqlmock.AnyArg(), userA, userB).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "conversations_pair_idx"})

	_, err := repo.Create(context.Background(), userA, userB)
	require.ErrorIs(t, err, ErrConversationExists)
}

func TestConversationCreateReturnsRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(q("INSERT INTO conversations")).
		WithArgs(sqlmock.AnyArg(), userA, userB).
		WillReturnRows(sqlmock.NewRows([]string{"id", "creator_id", "recipient_id", "created_at", "updated_at"}).
			AddRow(convID, userA, userB, now, now))

	conv, err := repo.Create(context.Background(), userA, userB)
	require.NoError(t, err)
	assert.Equal(t, models.Conversation{ID: convID, CreatorID: userA, RecipientID: userB, CreatedAt: now, UpdatedAt: now}, conv)
}

func TestConversationFindByPairNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)

	mock.ExpectQuery(q("WHERE (creator_id=$1 AND recipient_id=$2) OR (creator_id=$2 AND recipient_id=$1)")).
		WithArgs(userB, userA).
		WillReturnRows(sqlmock.NewRows([]string{"id", "creator_id", "recipient_id", "created_at", "updated_at"}))

	_, err := repo.FindByPair(context.Background(), userB, userA)
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestMarkConversationReadOnlyFlipsIncomingUnread(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)
	readAt := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	update := q("UPDATE messages SET is_read = TRUE, read_at = $3, updated_at = $3")
	predicate := q("WHERE conversation_id=$1 AND sender_id<>$2 AND is_read = FALSE")
	pattern := update + `\s+` + predicate
	mock.ExpectExec(pattern).
		WithArgs(convID, userB, readAt).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.MarkConversationRead(context.Background(), convID, userB, readAt)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestGetMessageWithSender(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	pattern := q("JOIN users u ON u.id = m.sender_id") + `\s+` + q("WHERE m.id=$1")
	mock.ExpectQuery(pattern).
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "content", "sender_id", "conversation_id", "group_id", "is_read", "read_at", "created_at", "updated_at",
			"sender_username", "sender_full_name", "sender_avatar_url",
		}).AddRow("m1", "hi", userA, convID, nil, false, nil, now, now, "alice", "Alice A", nil))

	msg, err := repo.GetMessageWithSender(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Content)
	require.NotNil(t, msg.ConversationID)
	assert.Equal(t, convID, *msg.ConversationID)
	assert.Nil(t, msg.GroupID)
	assert.Equal(t, &models.UserProfile{ID: userA, Username: "alice", FullName: "Alice A"}, msg.Sender)
}

func TestLatestFromOthersNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectQuery(q("WHERE m.conversation_id=$1 AND m.sender_id<>$2")).
		WithArgs(convID, userB).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.LatestFromOthers(context.Background(), convID, userB)
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestCreateGroupRollsBackOnUnknownMember(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGroupRepo(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(q("INSERT INTO groups (id, name, description, owner_id)")).
		WithArgs(sqlmock.AnyArg(), "team", nil, userA).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "owner_id", "created_at", "updated_at"}).
			AddRow("g1", "team", nil, userA, now, now))
	mock.ExpectExec(q("INSERT INTO group_members (group_id, user_id, role)")).
		WithArgs("g1", userA, models.RoleOwner).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("INSERT INTO group_members (group_id, user_id, role)")).
		WithArgs("g1", userB, models.RoleMember).
		WillReturnError(&pq.Error{Code: "23503"})
	mock.ExpectRollback()

	_, err := repo.CreateGroup(context.Background(), userA, "team", nil, []string{userB, userA, userB})
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestAddMembersSkipsExisting(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGroupRepo(db)
	insert := q("ON CONFLICT (group_id, user_id) DO NOTHING RETURNING user_id")

	mock.ExpectBegin()
	mock.ExpectQuery(insert).WithArgs("g1", userA, models.RoleMember).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	mock.ExpectQuery(insert).WithArgs("g1", userB, models.RoleMember).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(userB))
	mock.ExpectCommit()

	added, err := repo.AddMembers(context.Background(), "g1", []string{userA, userB})
	require.NoError(t, err)
	assert.Equal(t, []string{userB}, added)
}

func TestRemoveMemberNeverDeletesOwner(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGroupRepo(db)

	mock.ExpectExec(q("DELETE FROM group_members WHERE group_id=$1 AND user_id=$2 AND role<>$3")).
		WithArgs("g1", userA, models.RoleOwner).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.RemoveMember(context.Background(), "g1", userA)
	require.ErrorIs(t, err, ErrMemberNotFound)
}

func TestSetStatusUnknownUser(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepo(db)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(q("UPDATE users SET status=$2, last_seen_at=$3 WHERE id=$1")).
		WithArgs(userA, models.StatusOnline, at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetStatus(context.Background(), userA, models.StatusOnline, at)
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestLeaveGroupLastOwnerDeletesGroup(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGroupRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT id FROM groups WHERE id=$1 FOR UPDATE")).WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("g1"))
	mock.ExpectQuery(q("SELECT role FROM group_members WHERE group_id=$1 AND user_id=$2")).WithArgs("g1", userA).
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("OWNER"))
	mock.ExpectQuery(q("SELECT COUNT(*) FROM group_members WHERE group_id=$1")).WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(q("DELETE FROM groups WHERE id=$1")).WithArgs("g1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	deleted, err := repo.LeaveGroup(context.Background(), "g1", userA)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestLeaveGroupOwnerWithMembersRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGroupRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT id FROM groups WHERE id=$1 FOR UPDATE")).WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("g1"))
	mock.ExpectQuery(q("SELECT role FROM group_members")).WithArgs("g1", userA).
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("OWNER"))
	mock.ExpectQuery(q("SELECT COUNT(*) FROM group_members")).WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectRollback()

	_, err := repo.LeaveGroup(context.Background(), "g1", userA)
	require.ErrorIs(t, err, ErrOwnerHasMembers)
}

func TestLeaveGroupMemberRemovesOnlyMembership(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGroupRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT id FROM groups WHERE id=$1 FOR UPDATE")).WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("g1"))
	mock.ExpectQuery(q("SELECT role FROM group_members")).WithArgs("g1", userB).
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("MEMBER"))
	mock.ExpectExec(q("DELETE FROM group_members WHERE group_id=$1 AND user_id=$2")).WithArgs("g1", userB).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	deleted, err := repo.LeaveGroup(context.Background(), "g1", userB)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestLeaveGroupUnknownGroup(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGroupRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT id FROM groups WHERE id=$1 FOR UPDATE")).WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := repo.LeaveGroup(context.Background(), "g1", userA)
	require.ErrorIs(t, err, ErrMemberNotFound)
}

func TestUpdateMemberRoleSkipsOwner(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGroupRepo(db)

	mock.ExpectExec(q("UPDATE group_members SET role=$3 WHERE group_id=$1 AND user_id=$2 AND role<>$4")).
		WithArgs("g1", userA, models.RoleAdmin, models.RoleOwner).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateMemberRole(context.Background(), "g1", userA, models.RoleAdmin)
	require.ErrorIs(t, err, ErrMemberNotFound)
}

func TestDeleteGroupNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGroupRepo(db)

	mock.ExpectExec(q("DELETE FROM groups WHERE id=$1")).WithArgs("g1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.ErrorIs(t, repo.DeleteGroup(context.Background(), "g1"), ErrGroupNotFound)
}

func TestListMembersJoinsProfiles(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGroupRepo(db)
	joined := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(q("FROM group_members gm INNER JOIN users u ON u.id = gm.user_id")).WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "full_name", "avatar_url", "role", "joined_at"}).
			AddRow(userA, "alice", "Alice A", nil, "OWNER", joined).
			AddRow(userB, "bob", "Bob B", nil, "MEMBER", joined))

	members, err := repo.ListMembers(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, models.GroupMemberProfile{
		UserProfile: models.UserProfile{ID: userA, Username: "alice", FullName: "Alice A"},
		Role:        models.RoleOwner,
		JoinedAt:    joined,
	}, members[0])
	assert.Equal(t, "bob", members[1].Username)
}
