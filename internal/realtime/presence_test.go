package realtime

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoomFor(t *testing.T) {
	assert.Equal(t, "company_42", RoomFor("42"))
	assert.Equal(t, SystemRoom, RoomFor(""))
}

func TestPresence_CountsDistinctUsers(t *testing.T) {
	p := NewPresence()
	room := RoomFor("7")

	assert.Equal(t, 1, p.Add(room, 1))
	assert.Equal(t, 1, p.Add(room, 1), "second tab of the same user")
	assert.Equal(t, 2, p.Add(room, 2))

	assert.Equal(t, 2, p.Remove(room, 1))
	assert.True(t, p.IsOnline("7", 1), "one tab still open")

	assert.Equal(t, 1, p.Remove(room, 1))
	assert.False(t, p.IsOnline("7", 1))
	assert.Equal(t, 1, p.Count(room))
}

func TestPresence_RemoveUnknownIsHarmless(t *testing.T) {
	p := NewPresence()
	assert.Equal(t, 0, p.Remove("company_1", 9))

	p.Add("company_1", 1)
	assert.Equal(t, 1, p.Remove("company_1", 9))
	assert.True(t, p.IsOnline("1", 1))
}

func TestPresence_TenantsAreIsolated(t *testing.T) {
	p := NewPresence()
	p.Add(RoomFor("a"), 1)
	p.Add(RoomFor(""), 2)

	assert.True(t, p.IsOnline("a", 1))
	assert.False(t, p.IsOnline("b", 1))
	assert.True(t, p.IsOnline("", 2))
	assert.Equal(t, 1, p.Count(SystemRoom))
}

func TestPresence_TotalSpansRooms(t *testing.T) {
	p := NewPresence()
	assert.Zero(t, p.Total())

	p.Add(RoomFor("a"), 1)
	p.Add(RoomFor("a"), 1)
	p.Add(RoomFor("b"), 2)
	p.Add(SystemRoom, 3)
	assert.Equal(t, 3, p.Total())

	p.Remove(RoomFor("b"), 2)
	assert.Equal(t, 2, p.Total())
}

func TestPresence_Concurrent(t *testing.T) {
	p := NewPresence()
	room := RoomFor("c")

	var wg sync.WaitGroup
	for i := int64(0); i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			p.Add(room, id)
			p.Add(room, id)
			p.Remove(room, id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, p.Count(room))
}
