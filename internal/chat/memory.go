package chat

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used by the "memory" database driver
// and by tests. One mutex guards everything, which also makes direct
// conversation creation race-free.
type MemoryStore struct {
	mu            sync.RWMutex
	nextConv      int64
	nextMsg       int64
	conversations map[int64]*Conversation
	direct        map[string]int64 // tenant + "|" + directKey -> conversation id
	messages      map[int64]*Message
	byConv        map[int64][]int64
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[int64]*Conversation),
		direct:        make(map[string]int64),
		messages:      make(map[int64]*Message),
		byConv:        make(map[int64][]int64),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) ListForUser(_ context.Context, tenant string, userID int64) ([]Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Listing
	for _, c := range s.conversations {
		if c.CompanyID != tenant || !c.HasParticipant(userID) {
			continue
		}
		l := Listing{Conversation: cloneConversation(c)}
		for _, id := range s.byConv[c.ID] {
			m := s.messages[id]
			if l.LastMessageAt == nil || m.Timestamp.After(*l.LastMessageAt) {
				ts := m.Timestamp
				l.LastMessageAt = &ts
			}
			if !m.ReadByUser(userID) {
				l.UnreadCount++
			}
		}
		out = append(out, l)
	}
	sortListings(out)
	return out, nil
}

// sortListings orders by last message time descending, conversations without
// messages last, then by last update descending.
func sortListings(ls []Listing) {
	sort.SliceStable(ls, func(i, j int) bool {
		a, b := ls[i], ls[j]
		switch {
		case a.LastMessageAt != nil && b.LastMessageAt == nil:
			return true
		case a.LastMessageAt == nil && b.LastMessageAt != nil:
			return false
		case a.LastMessageAt != nil && !a.LastMessageAt.Equal(*b.LastMessageAt):
			return a.LastMessageAt.After(*b.LastMessageAt)
		case !a.UpdatedAt.Equal(b.UpdatedAt):
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID > b.ID
	})
}

func (s *MemoryStore) FindOrCreateDirect(_ context.Context, tenant string, a, b int64) (*Conversation, bool, error) {
	if a == b {
		return nil, false, ErrInvalidParticipants
	}
	key := tenant + "|" + directKey(a, b)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.direct[key]; ok {
		c := cloneConversation(s.conversations[id])
		return &c, true, nil
	}

	participants := []int64{a, b}
	slices.Sort(participants)
	c := s.insertConversation(tenant, participants, nil)
	s.direct[key] = c.ID
	return c, false, nil
}

func (s *MemoryStore) CreateGroup(_ context.Context, tenant string, creator int64, participantIDs []int64, name, avatar string) (*Conversation, error) {
	members := memberSet(creator, participantIDs)
	if len(members) <= 2 {
		return nil, ErrGroupTooSmall
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertConversation(tenant, members, newGroupInfo(creator, name, avatar)), nil
}

// insertConversation must be called with the write lock held.
func (s *MemoryStore) insertConversation(tenant string, participants []int64, group *GroupInfo) *Conversation {
	s.nextConv++
	now := s.now()
	c := &Conversation{
		ID:             s.nextConv,
		CompanyID:      tenant,
		IsGroup:        group != nil,
		ParticipantIDs: participants,
		Group:          group,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.conversations[c.ID] = c
	out := cloneConversation(c)
	return &out
}

func (s *MemoryStore) Get(_ context.Context, tenant string, id int64) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok || c.CompanyID != tenant {
		return nil, ErrNotFound
	}
	out := cloneConversation(c)
	return &out, nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, m *Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return nil, ErrNotFound
	}

	s.nextMsg++
	stored := cloneMessage(m)
	stored.ID = s.nextMsg
	stored.Timestamp = s.now()
	stored.ReadBy = uniqueIDs(stored.ReadBy)

	s.messages[stored.ID] = &stored
	s.byConv[c.ID] = append(s.byConv[c.ID], stored.ID)
	s.touch(c, stored.Timestamp)

	out := cloneMessage(&stored)
	return &out, nil
}

// touch must be called with the write lock held.
func (s *MemoryStore) touch(c *Conversation, at time.Time) {
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
}

func (s *MemoryStore) Messages(_ context.Context, conversationID int64) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, 0, len(s.byConv[conversationID]))
	for _, id := range s.byConv[conversationID] {
		out = append(out, cloneMessage(s.messages[id]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, tenant string, id int64) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok || m.CompanyID != tenant {
		return nil, ErrMessageNotFound
	}
	out := cloneMessage(m)
	return &out, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, messageID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return false, ErrMessageNotFound
	}
	if m.ReadByUser(userID) {
		return false, nil
	}
	m.ReadBy = append(m.ReadBy, userID)
	return true, nil
}

func cloneConversation(c *Conversation) Conversation {
	out := *c
	out.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	if c.Group != nil {
		g := *c.Group
		g.AdminIDs = slices.Clone(c.Group.AdminIDs)
		out.Group = &g
	}
	return out
}

func cloneMessage(m *Message) Message {
	out := *m
	out.EncryptedKeys = maps.Clone(m.EncryptedKeys)
	out.ReadBy = slices.Clone(m.ReadBy)
	return out
}
