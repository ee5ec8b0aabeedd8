package user

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryRepository is a process-local Store used by the "memory" database
// driver and by tests.
type MemoryRepository struct {
	mu     sync.RWMutex
	nextID int64
	users  map[int64]*User
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[int64]*User)}
}

func (r *MemoryRepository) CreateUser(_ context.Context, user *User) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if u.Username == user.Username {
			return nil, ErrUsernameTaken
		}
	}
	r.nextID++
	user.ID = r.nextID
	stored := *user
	r.users[user.ID] = &stored
	return user, nil
}

func (r *MemoryRepository) GetUserByUsername(_ context.Context, username string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if u.Username == username {
			found := *u
			return &found, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *MemoryRepository) GetUserByID(_ context.Context, id int64) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	found := *u
	return &found, nil
}

func (r *MemoryRepository) SearchUsers(_ context.Context, companyID, query string) ([]User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	query = strings.ToLower(query)
	var users []User
	for _, u := range r.users {
		if u.CompanyID == companyID && strings.Contains(strings.ToLower(u.Username), query) {
			users = append(users, *u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	if len(users) > 10 {
		users = users[:10]
	}
	return users, nil
}

func (r *MemoryRepository) UsersByID(_ context.Context, ids []int64) ([]User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var users []User
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			users = append(users, *u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (r *MemoryRepository) SaveKeyPair(_ context.Context, userID int64, publicKey, privateKey string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return false, ErrUserNotFound
	}
	if u.PublicKey != "" {
		return false, nil
	}
	u.PublicKey = publicKey
	u.PrivateKey = privateKey
	return true, nil
}

func (r *MemoryRepository) PublicKeys(_ context.Context, userIDs []int64) (map[int64]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make(map[int64]string, len(userIDs))
	for _, id := range userIDs {
		if u, ok := r.users[id]; ok && u.PublicKey != "" {
			keys[id] = u.PublicKey
		}
	}
	return keys, nil
}

func (r *MemoryRepository) PrivateKey(_ context.Context, userID int64) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[userID]
	if !ok || u.PrivateKey == "" {
		return "", false, nil
	}
	return u.PrivateKey, true, nil
}
