package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mahaj/tourbook-realtime/pkg/model"
	"github.com/mahaj/tourbook-realtime/pkg/presence"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id, user string

	mu      sync.Mutex
	state   State
	frames  [][]byte
	sendErr error
}

func newConn(user, id string) *fakeConn {
	return &fakeConn{id: id, user: user, state: StateOpen}
}

func (c *fakeConn) ID() string       { return c.id }
func (c *fakeConn) UserID() string   { return c.user }
func (c *fakeConn) Ping() error      { return nil }
func (c *fakeConn) CheckAlive() bool { return true }

func (c *fakeConn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.setState(StateClosed)
	return nil
}

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) types() []model.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.EventType, 0, len(c.frames))
	for _, f := range c.frames {
		var env model.Envelope
		if json.Unmarshal(f, &env) == nil {
			out = append(out, env.Type)
		}
	}
	return out
}

func (c *fakeConn) count(t model.EventType) int {
	n := 0
	for _, got := range c.types() {
		if got == t {
			n++
		}
	}
	return n
}

type fakeStore struct {
	mu       sync.Mutex
	online   map[string]bool
	offlines map[string]int
	err      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{online: map[string]bool{}, offlines: map[string]int{}}
}

func (s *fakeStore) SetOnline(_ context.Context, userID string, _ presence.Marker, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.online[userID] = true
	return nil
}

func (s *fakeStore) SetOffline(_ context.Context, userID string, _ int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	delete(s.online, userID)
	s.offlines[userID]++
	return false, nil
}

func (s *fakeStore) Heartbeat(context.Context, string, int64) (bool, error) { return true, nil }

func (s *fakeStore) GetUserPresence(_ context.Context, userID string) (presence.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return presence.Presence{UserID: userID, Online: s.online[userID]}, nil
}

func (s *fakeStore) GetUsersPresence(context.Context, []string) ([]presence.Presence, error) {
	return nil, nil
}

func (s *fakeStore) GetOnlineUsers(context.Context) ([]string, error) { return nil, nil }
func (s *fakeStore) GetOnlineCount(context.Context) (int, error)      { return 0, nil }

func (s *fakeStore) isOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID]
}

func (s *fakeStore) offlineCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offlines[userID]
}

type recordingMirror struct {
	mu         sync.Mutex
	users      []string
	broadcasts []string
}

func (m *recordingMirror) MirrorToUser(userID string, _ []byte) {
	m.mu.Lock()
	m.users = append(m.users, userID)
	m.mu.Unlock()
}

func (m *recordingMirror) MirrorBroadcast(except string, _ []byte) {
	m.mu.Lock()
	m.broadcasts = append(m.broadcasts, except)
	m.mu.Unlock()
}

func TestLastConnectionDecidesOffline(t *testing.T) {
	store := newFakeStore()
	r := New(Options{Presence: store})

	watcher := newConn("watcher", "w1")
	r.AddConnection(watcher)

	const n = 3
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = newConn("alice", fmt.Sprintf("a%d", i))
		r.AddConnection(conns[i])
	}
	assert.Equal(t, 1, watcher.count(model.TypeUserOnline), "only the first connection announces")
	assert.Equal(t, n, r.UserConnectionCount("alice"))

	for i := 0; i < n-1; i++ {
		assert.True(t, r.RemoveConnection("alice", conns[i].ID()))
		assert.True(t, r.IsUserConnected("alice"))
		assert.True(t, store.isOnline("alice"))
	}
	assert.Zero(t, watcher.count(model.TypeUserOffline))
	assert.Zero(t, store.offlineCount("alice"))

	assert.True(t, r.RemoveConnection("alice", conns[n-1].ID()))
	assert.False(t, r.IsUserConnected("alice"))
	assert.False(t, store.isOnline("alice"))
	assert.Equal(t, 1, store.offlineCount("alice"))
	assert.Equal(t, 1, watcher.count(model.TypeUserOffline))
}

func TestUserStaysOnlineWhileAnotherNodeHoldsThem(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := presence.NewRedisStore(rdb, "presence", presence.DefaultTTL)
	ctx := context.Background()

	node1 := New(Options{Presence: store, Node: 1})
	node2 := New(Options{Presence: store, Node: 2})
	watcher1 := newConn("watcher1", "w1")
	watcher2 := newConn("watcher2", "w2")
	node1.AddConnection(watcher1)
	node2.AddConnection(watcher2)

	node1.AddConnection(newConn("alice", "c1"))
	node2.AddConnection(newConn("alice", "c2"))

	assert.True(t, node1.RemoveConnection("alice", "c1"))
	p, err := store.GetUserPresence(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, p.Online, "node 2 still holds alice")
	assert.Zero(t, watcher1.count(model.TypeUserOffline))

	ok, err := node1.Heartbeat(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = node2.Heartbeat(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	// A later sweep on node 1 has nothing to refresh and must not flip alice.
	require.NoError(t, node1.RefreshPresence(ctx, "alice"))
	p, err = store.GetUserPresence(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, p.Online)

	assert.True(t, node2.RemoveConnection("alice", "c2"))
	p, err = store.GetUserPresence(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, p.Online)
	assert.Equal(t, 1, watcher2.count(model.TypeUserOffline))
	assert.Zero(t, watcher1.count(model.TypeUserOffline))
}

func TestRemoveUnknownConnectionIsNoop(t *testing.T) {
	store := newFakeStore()
	r := New(Options{Presence: store})
	c := newConn("alice", "a1")
	r.AddConnection(c)

	assert.False(t, r.RemoveConnection("alice", "nope"))
	assert.False(t, r.RemoveConnection("bob", "a1"))
	assert.True(t, r.RemoveConnection("alice", "a1"))
	assert.False(t, r.RemoveConnection("alice", "a1"))
	assert.Equal(t, 1, store.offlineCount("alice"))
}

func TestBroadcastExceptAndClosedConnections(t *testing.T) {
	r := New(Options{Presence: newFakeStore()})
	alice := newConn("alice", "a1")
	bob := newConn("bob", "b1")
	carol := newConn("carol", "c1")
	for _, c := range []*fakeConn{alice, bob, carol} {
		r.AddConnection(c)
	}
	carol.setState(StateClosing)

	n := r.BroadcastExcept("alice", model.ErrorEvent{Code: "X", Message: "hello"})
	assert.Equal(t, 1, n)
	assert.Zero(t, alice.count(model.TypeError))
	assert.Equal(t, 1, bob.count(model.TypeError))
	assert.Zero(t, carol.count(model.TypeError))

	assert.Equal(t, 2, r.Broadcast(model.ErrorEvent{Code: "Y"}))
}

func TestSendToUserCountsSuccessfulWrites(t *testing.T) {
	r := New(Options{Presence: newFakeStore()})
	phone := newConn("alice", "phone")
	laptop := newConn("alice", "laptop")
	laptop.sendErr = errors.New("buffer full")
	r.AddConnection(phone)
	r.AddConnection(laptop)

	assert.Equal(t, 1, r.SendToUser("alice", model.ParticipantLeftEvent{ChatID: "c", UserID: "bob"}))
	assert.Equal(t, 1, phone.count(model.TypeParticipantLeft))
	assert.Zero(t, r.SendToUser("nobody", model.ParticipantLeftEvent{ChatID: "c", UserID: "bob"}))
}

func TestMirrorSeesLocalDeliveriesOnly(t *testing.T) {
	r := New(Options{Presence: newFakeStore()})
	m := &recordingMirror{}
	r.SetMirror(m)
	r.AddConnection(newConn("alice", "a1"))

	r.SendToUser("bob", model.ParticipantLeftEvent{ChatID: "c", UserID: "x"})
	r.DeliverToUser("bob", []byte(`{}`))
	r.DeliverBroadcast("", []byte(`{}`))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []string{"bob"}, m.users)
	assert.Equal(t, []string{"alice"}, m.broadcasts, "the user-online announcement is mirrored")
}

func TestPresenceStoreFailureDoesNotBlockRegistry(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("redis down")
	r := New(Options{Presence: store})

	c := newConn("alice", "a1")
	r.AddConnection(c)
	assert.True(t, r.IsUserConnected("alice"))
	assert.True(t, r.RemoveConnection("alice", "a1"))
	assert.Zero(t, r.ConnectionCount())
}

func TestRefreshPresence(t *testing.T) {
	store := newFakeStore()
	r := New(Options{Presence: store})
	r.AddConnection(newConn("alice", "a1"))

	store.mu.Lock()
	delete(store.online, "alice")
	store.mu.Unlock()

	require.NoError(t, r.RefreshPresence(context.Background(), "alice"))
	assert.True(t, store.isOnline("alice"))
	require.NoError(t, r.RefreshPresence(context.Background(), "ghost"))
	assert.False(t, store.isOnline("ghost"))
}

func TestConcurrentAddRemove(t *testing.T) {
	store := newFakeStore()
	r := New(Options{Presence: store})

	var wg sync.WaitGroup
	for u := 0; u < 8; u++ {
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func(user, id string) {
				defer wg.Done()
				c := newConn(user, id)
				r.AddConnection(c)
				r.SendToUser(user, model.ErrorEvent{Code: "PING"})
				r.RemoveConnection(user, id)
			}(fmt.Sprintf("user-%d", u), fmt.Sprintf("conn-%d-%d", u, i))
		}
	}
	wg.Wait()

	assert.Zero(t, r.ConnectionCount())
	assert.Zero(t, r.OnlineUserCount())
	assert.Empty(t, r.ConnectedUserIDs())
	for u := 0; u < 8; u++ {
		assert.False(t, store.isOnline(fmt.Sprintf("user-%d", u)))
	}
}
