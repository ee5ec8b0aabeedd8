package realtime

import "sync"

// SystemRoom is the room of connections whose user belongs to no company.
const SystemRoom = "system"

// RoomFor maps a tenant to its broadcast room.
func RoomFor(tenant string) string {
	if tenant == "" {
		return SystemRoom
	}
	return "company_" + tenant
}

// Presence is the process-local table of online users per room. It is
// best-effort: nothing is persisted and a restart starts from zero.
//
// Each user is counted once per room however many connections they hold;
// the connection count is kept so that closing one of two tabs does not
// mark the user offline.
type Presence struct {
	mu    sync.Mutex
	rooms map[string]map[int64]int
}

func NewPresence() *Presence {
	return &Presence{rooms: make(map[string]map[int64]int)}
}

// Add records one more connection for the user and returns the room's
// online user count.
func (p *Presence) Add(room string, userID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	users, ok := p.rooms[room]
	if !ok {
		users = make(map[int64]int)
		p.rooms[room] = users
	}
	users[userID]++
	return len(users)
}

// Remove drops one connection of the user, if any, and returns the room's
// online user count.
func (p *Presence) Remove(room string, userID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	users, ok := p.rooms[room]
	if !ok {
		return 0
	}
	if n, ok := users[userID]; ok {
		if n <= 1 {
			delete(users, userID)
		} else {
			users[userID] = n - 1
		}
	}
	count := len(users)
	if count == 0 {
		delete(p.rooms, room)
	}
	return count
}

func (p *Presence) Count(room string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rooms[room])
}

// IsOnline reports whether the user has at least one connection in the tenant's room.
func (p *Presence) IsOnline(tenant string, userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.rooms[RoomFor(tenant)][userID]
	return ok
}

// Total is the number of online users across every room of this process.
func (p *Presence) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, users := range p.rooms {
		n += len(users)
	}
	return n
}
