package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chat-gateway/internal/models"
	"chat-gateway/internal/repositories"
)

var (
	_ repositories.UserRepository         = (*MemoryStore)(nil)
	_ repositories.ConversationRepository = (*MemoryStore)(nil)
	_ repositories.MessageRepository      = (*MemoryStore)(nil)
	_ repositories.GroupRepository        = (*MemoryStore)(nil)
)

// MemoryStore is an in-memory implementation of every repository with the
// same uniqueness rules as the SQL schema.
type MemoryStore struct {
	mu            sync.Mutex
	users         map[string]models.User
	conversations map[string]models.Conversation
	pairs         map[string]string
	groups        map[string]models.Group
	members       map[string]map[string]models.GroupMember
	messages      []models.Message
	clock         time.Time

	// CreateDelay is slept inside Create before the uniqueness check, widening
	// the find-then-create window.
	CreateDelay time.Duration
	// FailReadBack makes GetMessageWithSender fail.
	FailReadBack bool

	CreateCalls atomic.Int32
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         map[string]models.User{},
		conversations: map[string]models.Conversation{},
		pairs:         map[string]string{},
		groups:        map[string]models.Group{},
		members:       map[string]map[string]models.GroupMember{},
		clock:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// tick returns strictly increasing timestamps so ordering is deterministic.
func (s *MemoryStore) tick() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

func pair(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// AddUser seeds a user and returns its id.
func (s *MemoryStore) AddUser(username string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.users[id] = models.User{ID: id, Username: username, FullName: username, Status: models.StatusOffline}
	return id
}

// User returns a seeded user.
func (s *MemoryStore) User(id string) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id]
}

// Conversations returns every stored conversation.
func (s *MemoryStore) Conversations() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	return out
}

// Messages returns every stored message in insertion order.
func (s *MemoryStore) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

func (s *MemoryStore) GetUser(_ context.Context, userID string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.User{}, repositories.ErrUserNotFound
	}
	return u, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, userID string, status models.UserStatus, lastSeenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return repositories.ErrUserNotFound
	}
	u.Status = status
	at := lastSeenAt
	u.LastSeenAt = &at
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) ResetOnlineStatuses(_ context.Context, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, u := range s.users {
		if u.Status == models.StatusOnline {
			u.Status = models.StatusOffline
			seen := at
			u.LastSeenAt = &seen
			s.users[id] = u
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) FindByPair(_ context.Context, userA, userB string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pairs[pair(userA, userB)]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	return s.conversations[id], nil
}

func (s *MemoryStore) Create(_ context.Context, creatorID, recipientID string) (models.Conversation, error) {
	s.CreateCalls.Add(1)
	if s.CreateDelay > 0 {
		time.Sleep(s.CreateDelay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := pair(creatorID, recipientID)
	if _, exists := s.pairs[key]; exists {
		return models.Conversation{}, fmt.Errorf("create conversation: %w", repositories.ErrConversationExists)
	}
	now := s.tick()
	conv := models.Conversation{ID: uuid.NewString(), CreatorID: creatorID, RecipientID: recipientID, CreatedAt: now, UpdatedAt: now}
	s.conversations[conv.ID] = conv
	s.pairs[key] = conv.ID
	return conv, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, conversationID string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	return conv, nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userID string) ([]models.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.ConversationSummary{}
	for _, conv := range s.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		summary := models.ConversationSummary{
			ID:          conv.ID,
			Participant: s.users[conv.OtherParticipant(userID)].Profile(),
			CreatedAt:   conv.CreatedAt,
			UpdatedAt:   conv.UpdatedAt,
		}
		for i := len(s.messages) - 1; i >= 0; i-- {
			if m := s.messages[i]; m.ConversationID != nil && *m.ConversationID == conv.ID {
				last := m
				summary.LastMessage = &last
				break
			}
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return activity(out[i]).After(activity(out[j])) })
	return out, nil
}

func activity(s models.ConversationSummary) time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.CreatedAt
	}
	return s.CreatedAt
}

func (s *MemoryStore) CreateMessage(_ context.Context, msg repositories.NewMessage) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if (msg.ConversationID == nil) == (msg.GroupID == nil) {
		return models.Message{}, fmt.Errorf("message must reference exactly one of conversation or group")
	}
	now := s.tick()
	created := models.Message{
		ID:             uuid.NewString(),
		Content:        msg.Content,
		SenderID:       msg.SenderID,
		ConversationID: msg.ConversationID,
		GroupID:        msg.GroupID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.messages = append(s.messages, created)
	return created, nil
}

func (s *MemoryStore) withSender(m models.Message) models.Message {
	profile := s.users[m.SenderID].Profile()
	m.Sender = &profile
	return m
}

func (s *MemoryStore) GetMessageWithSender(_ context.Context, messageID string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReadBack {
		return models.Message{}, fmt.Errorf("read back unavailable")
	}
	for _, m := range s.messages {
		if m.ID == messageID {
			return s.withSender(m), nil
		}
	}
	return models.Message{}, repositories.ErrMessageNotFound
}

func (s *MemoryStore) list(match func(models.Message) bool, limit, offset int) []models.Message {
	out := []models.Message{}
	skipped := 0
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[i]
		if !match(m) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, s.withSender(m))
	}
	return out
}

func (s *MemoryStore) ListConversationMessages(_ context.Context, conversationID string, limit, offset int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(func(m models.Message) bool {
		return m.ConversationID != nil && *m.ConversationID == conversationID
	}, limit, offset), nil
}

func (s *MemoryStore) ListGroupMessages(_ context.Context, groupID string, limit, offset int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(func(m models.Message) bool {
		return m.GroupID != nil && *m.GroupID == groupID
	}, limit, offset), nil
}

func (s *MemoryStore) MarkConversationRead(_ context.Context, conversationID, readerID string, readAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i, m := range s.messages {
		if m.ConversationID == nil || *m.ConversationID != conversationID || m.SenderID == readerID || m.IsRead {
			continue
		}
		at := readAt
		s.messages[i].IsRead = true
		s.messages[i].ReadAt = &at
		s.messages[i].UpdatedAt = readAt
		n++
	}
	return n, nil
}

func (s *MemoryStore) LatestFromOthers(_ context.Context, conversationID, readerID string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.ConversationID != nil && *m.ConversationID == conversationID && m.SenderID != readerID {
			return m, nil
		}
	}
	return models.Message{}, repositories.ErrMessageNotFound
}

func (s *MemoryStore) CreateGroup(_ context.Context, ownerID, name string, description *string, memberIDs []string) (models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range append([]string{ownerID}, memberIDs...) {
		if _, ok := s.users[id]; !ok {
			return models.Group{}, fmt.Errorf("add member %s: %w", id, repositories.ErrUserNotFound)
		}
	}
	now := s.tick()
	group := models.Group{ID: uuid.NewString(), Name: name, Description: description, OwnerID: ownerID, CreatedAt: now, UpdatedAt: now}
	s.groups[group.ID] = group
	s.members[group.ID] = map[string]models.GroupMember{
		ownerID: {GroupID: group.ID, UserID: ownerID, Role: models.RoleOwner, JoinedAt: now},
	}
	for _, id := range memberIDs {
		if _, ok := s.members[group.ID][id]; !ok {
			s.members[group.ID][id] = models.GroupMember{GroupID: group.ID, UserID: id, Role: models.RoleMember, JoinedAt: now}
		}
	}
	return group, nil
}

// SetRole changes a member's role.
func (s *MemoryStore) SetRole(groupID, userID string, role models.GroupRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[groupID][userID]; ok {
		m.Role = role
		s.members[groupID][userID] = m
	}
}

func (s *MemoryStore) GetGroup(_ context.Context, groupID string) (models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return models.Group{}, repositories.ErrGroupNotFound
	}
	return g, nil
}

func (s *MemoryStore) ListGroupsForUser(_ context.Context, userID string) ([]models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Group{}
	for id, members := range s.members {
		if _, ok := members[userID]; ok {
			out = append(out, s.groups[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListGroupIDs(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	for id, members := range s.members {
		if _, ok := members[userID]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) IsMember(_ context.Context, groupID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[groupID][userID]
	return ok, nil
}

func (s *MemoryStore) GetMember(_ context.Context, groupID, userID string) (models.GroupMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[groupID][userID]
	if !ok {
		return models.GroupMember{}, repositories.ErrMemberNotFound
	}
	return m, nil
}

func (s *MemoryStore) AddMembers(_ context.Context, groupID string, userIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.members[groupID]
	if !ok {
		return nil, repositories.ErrGroupNotFound
	}
	for _, id := range userIDs {
		if _, ok := s.users[id]; !ok {
			return nil, fmt.Errorf("add member %s: %w", id, repositories.ErrUserNotFound)
		}
	}
	added := []string{}
	now := s.tick()
	for _, id := range userIDs {
		if _, exists := members[id]; exists {
			continue
		}
		members[id] = models.GroupMember{GroupID: groupID, UserID: id, Role: models.RoleMember, JoinedAt: now}
		added = append(added, id)
	}
	return added, nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[groupID][userID]
	if !ok || m.Role == models.RoleOwner {
		return repositories.ErrMemberNotFound
	}
	delete(s.members[groupID], userID)
	return nil
}

func (s *MemoryStore) ListMembers(_ context.Context, groupID string) ([]models.GroupMemberProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rank := map[models.GroupRole]int{models.RoleOwner: 0, models.RoleAdmin: 1, models.RoleMember: 2}
	out := []models.GroupMemberProfile{}
	for id, m := range s.members[groupID] {
		out = append(out, models.GroupMemberProfile{UserProfile: s.users[id].Profile(), Role: m.Role, JoinedAt: m.JoinedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if rank[out[i].Role] != rank[out[j].Role] {
			return rank[out[i].Role] < rank[out[j].Role]
		}
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].Username < out[j].Username
	})
	return out, nil
}

func (s *MemoryStore) UpdateMemberRole(_ context.Context, groupID, userID string, role models.GroupRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[groupID][userID]
	if !ok || m.Role == models.RoleOwner {
		return repositories.ErrMemberNotFound
	}
	m.Role = role
	s.members[groupID][userID] = m
	return nil
}

func (s *MemoryStore) LeaveGroup(_ context.Context, groupID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.members[groupID]
	m, ok := members[userID]
	if !ok {
		return false, repositories.ErrMemberNotFound
	}
	if m.Role != models.RoleOwner {
		delete(members, userID)
		return false, nil
	}
	if len(members) > 1 {
		return false, repositories.ErrOwnerHasMembers
	}
	s.deleteGroupLocked(groupID)
	return true, nil
}

func (s *MemoryStore) DeleteGroup(_ context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; !ok {
		return repositories.ErrGroupNotFound
	}
	s.deleteGroupLocked(groupID)
	return nil
}

// deleteGroupLocked mirrors the schema's cascades.
func (s *MemoryStore) deleteGroupLocked(groupID string) {
	delete(s.groups, groupID)
	delete(s.members, groupID)
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.GroupID == nil || *m.GroupID != groupID {
			kept = append(kept, m)
		}
	}
	s.messages = kept
}
