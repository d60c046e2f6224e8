package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifypush/server/internal/model"
)

type fakeHandle struct {
	id   ConnectionId
	user model.UserId
}

func (h *fakeHandle) ID() ConnectionId             { return h.id }
func (h *fakeHandle) User() model.UserId           { return h.user }
func (h *fakeHandle) Enqueue(msg interface{}) bool { return true }
func (h *fakeHandle) Close()                       {}

func TestRegistryAddAndLookup(t *testing.T) {
	r := New()
	h1 := &fakeHandle{id: 1, user: "alice"}
	h2 := &fakeHandle{id: 2, user: "alice"}
	h3 := &fakeHandle{id: 3, user: "bob"}

	r.Add(h1)
	r.Add(h2)
	r.Add(h3)

	require.Len(t, r.ConnectionsForUser("alice"), 2)
	require.Len(t, r.ConnectionsForUser("bob"), 1)
	assert.Equal(t, 3, r.ConnectionCount())
	assert.Equal(t, 2, r.UserCount())
}

func TestRegistryRemove(t *testing.T) {
	r := New()
	h1 := &fakeHandle{id: 1, user: "alice"}
	h2 := &fakeHandle{id: 2, user: "alice"}
	r.Add(h1)
	r.Add(h2)

	r.Remove(h1.ID())

	conns := r.ConnectionsForUser("alice")
	require.Len(t, conns, 1)
	assert.Equal(t, ConnectionId(2), conns[0].ID())
	assert.Equal(t, 1, r.ConnectionCount())
}

func TestRegistryRemoveLastConnectionDropsUser(t *testing.T) {
	r := New()
	h := &fakeHandle{id: 1, user: "alice"}
	r.Add(h)
	r.Remove(h.ID())

	assert.Empty(t, r.ConnectionsForUser("alice"))
	assert.Equal(t, 0, r.UserCount())
}

func TestRegistryRemoveUnknownIsNoop(t *testing.T) {
	r := New()
	r.Remove(ConnectionId(12345))
	assert.Equal(t, 0, r.ConnectionCount())
}

func TestRegistryAllConnections(t *testing.T) {
	r := New()
	for i := 0; i < 50; i++ {
		r.Add(&fakeHandle{id: ConnectionId(i), user: model.UserId("user")})
	}
	assert.Len(t, r.AllConnections(), 50)
}

func TestRegistryAddReportsFirstConnectionForUserOnly(t *testing.T) {
	r := New()
	h1 := &fakeHandle{id: 1, user: "alice"}
	h2 := &fakeHandle{id: 2, user: "alice"}

	assert.True(t, r.Add(h1))
	assert.False(t, r.Add(h2))
}

func TestRegistryRemoveReportsLastConnectionForUserOnly(t *testing.T) {
	r := New()
	h1 := &fakeHandle{id: 1, user: "alice"}
	h2 := &fakeHandle{id: 2, user: "alice"}
	r.Add(h1)
	r.Add(h2)

	user, last := r.Remove(h1.ID())
	assert.Equal(t, model.UserId("alice"), user)
	assert.False(t, last)

	user, last = r.Remove(h2.ID())
	assert.Equal(t, model.UserId("alice"), user)
	assert.True(t, last)
}

func TestRegistryRemoveUnknownReturnsFalse(t *testing.T) {
	r := New()
	user, last := r.Remove(ConnectionId(999))
	assert.Equal(t, model.UserId(""), user)
	assert.False(t, last)
}

func TestRegistryConcurrentAddRemove(t *testing.T) {
	r := New()
	const n = 200

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			h := &fakeHandle{id: ConnectionId(i), user: model.UserId("user")}
			r.Add(h)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, r.ConnectionCount())

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			r.Remove(ConnectionId(i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.ConnectionCount())
	assert.Equal(t, 0, r.UserCount())
}
