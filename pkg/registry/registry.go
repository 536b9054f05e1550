// Package registry keeps the process-local map of live connections and is
// the only place that decides when a user goes online or offline.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/mahaj/tourbook-realtime/pkg/metrics"
	"github.com/mahaj/tourbook-realtime/pkg/model"
	"github.com/mahaj/tourbook-realtime/pkg/presence"
	"go.uber.org/zap"
)

const maxReconcile = 8

// State is the lifecycle of a connection. Only StateOpen receives frames.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one live client connection.
type Conn interface {
	ID() string
	UserID() string
	State() State
	// Send queues an encoded frame. It must not block.
	Send(frame []byte) error
	Ping() error
	Close() error
	// CheckAlive reports whether the peer showed signs of life since the
	// previous call, and resets the flag.
	CheckAlive() bool
}

// Mirror receives every locally originated delivery so that other gateway
// processes can repeat it for their own connections.
type Mirror interface {
	MirrorToUser(userID string, frame []byte)
	MirrorBroadcast(exceptUserID string, frame []byte)
}

type Options struct {
	Presence     presence.Store
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Node         int64
	PresenceTTL  time.Duration
	StoreTimeout time.Duration
}

type Registry struct {
	mu    sync.RWMutex
	users map[string]map[string]Conn
	conns int

	presence presence.Store
	mirror   Mirror
	node     int64
	ttl      time.Duration
	timeout  time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	timeout := opts.StoreTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{
		users:    make(map[string]map[string]Conn),
		presence: opts.Presence,
		node:     opts.Node,
		ttl:      opts.PresenceTTL,
		timeout:  timeout,
		log:      log.Named("registry"),
		metrics:  opts.Metrics,
		now:      time.Now,
	}
}

// SetMirror installs the cross-gateway relay. Call it before serving.
func (r *Registry) SetMirror(m Mirror) {
	r.mu.Lock()
	r.mirror = m
	r.mu.Unlock()
}

// AddConnection registers conn. Every add refreshes the presence record;
// the first connection of a user also announces the user to everyone else.
func (r *Registry) AddConnection(conn Conn) {
	userID := conn.UserID()

	r.mu.Lock()
	set, ok := r.users[userID]
	first := !ok || len(set) == 0
	if set == nil {
		set = make(map[string]Conn)
		r.users[userID] = set
	}
	if _, dup := set[conn.ID()]; !dup {
		r.conns++
	}
	set[conn.ID()] = conn
	conns, users := r.conns, len(r.users)
	r.mu.Unlock()

	r.metrics.SetConnections(conns, users)
	r.setOnline(userID)
	r.reconcile(userID, true)
	r.log.Debug("connection added",
		zap.String("user_id", userID),
		zap.String("conn_id", conn.ID()),
		zap.Bool("first", first),
	)

	if first {
		r.metrics.PresenceTransition(true)
		r.BroadcastExcept(userID, model.PresenceEvent{UserID: userID, Online: true, At: r.now().UTC()})
	}
}

// RemoveConnection unregisters one connection. It reports whether the
// connection was registered; unknown ids are a no-op. When the user's last
// connection on this node goes, the node withdraws its presence entry; the
// user is announced offline once no node holds them any more.
func (r *Registry) RemoveConnection(userID, connID string) bool {
	r.mu.Lock()
	set, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, ok := set[connID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(set, connID)
	r.conns--
	last := len(set) == 0
	if last {
		delete(r.users, userID)
	}
	conns, users := r.conns, len(r.users)
	r.mu.Unlock()

	r.metrics.SetConnections(conns, users)
	r.log.Debug("connection removed",
		zap.String("user_id", userID),
		zap.String("conn_id", connID),
		zap.Bool("last", last),
	)
	if !last {
		return true
	}

	// Another gateway may still hold the user; then nobody is told.
	if r.setOffline(userID) {
		r.log.Debug("user still online elsewhere", zap.String("user_id", userID))
		r.reconcile(userID, false)
		return true
	}
	r.metrics.PresenceTransition(false)
	r.BroadcastExcept(userID, model.PresenceEvent{UserID: userID, Online: false, At: r.now().UTC()})

	// A connection may have been added between the removal and SetOffline.
	if r.reconcile(userID, false) {
		r.BroadcastExcept(userID, model.PresenceEvent{UserID: userID, Online: true, At: r.now().UTC()})
	}
	return true
}

// reconcile re-reads the registry after a presence write and corrects the
// record until the last write agrees with what the registry holds. Any
// later add or remove writes after this check, so the store converges.
// It returns the state finally written.
func (r *Registry) reconcile(userID string, online bool) bool {
	for i := 0; i < maxReconcile; i++ {
		c := r.anyConnection(userID)
		if (c != nil) == online {
			return online
		}
		if c != nil {
			r.setOnline(userID)
		} else {
			r.setOffline(userID)
		}
		online = c != nil
	}
	r.log.Warn("presence did not settle", zap.String("user_id", userID))
	return online
}

// RefreshPresence re-asserts the presence record of a user that still has
// connections here. It is a no-op for users without connections.
func (r *Registry) RefreshPresence(ctx context.Context, userID string) error {
	c := r.anyConnection(userID)
	if c == nil || r.presence == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.presence.SetOnline(ctx, userID, r.marker(), r.ttl)
}

// Heartbeat extends this node's presence entry for a connected user. It
// never creates an entry.
func (r *Registry) Heartbeat(ctx context.Context, userID string) (bool, error) {
	if r.presence == nil || !r.IsUserConnected(userID) {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.presence.Heartbeat(ctx, userID, r.node)
}

func (r *Registry) SendToUser(userID string, ev model.ServerEvent) int {
	frame, ok := r.encode(ev)
	if !ok {
		return 0
	}
	n := r.DeliverToUser(userID, frame)
	if m := r.currentMirror(); m != nil {
		m.MirrorToUser(userID, frame)
	}
	return n
}

func (r *Registry) Broadcast(ev model.ServerEvent) int {
	return r.BroadcastExcept("", ev)
}

func (r *Registry) BroadcastExcept(exceptUserID string, ev model.ServerEvent) int {
	frame, ok := r.encode(ev)
	if !ok {
		return 0
	}
	n := r.DeliverBroadcast(exceptUserID, frame)
	if m := r.currentMirror(); m != nil {
		m.MirrorBroadcast(exceptUserID, frame)
	}
	return n
}

// DeliverToUser writes an already encoded frame to the user's open
// connections on this node only.
func (r *Registry) DeliverToUser(userID string, frame []byte) int {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.users[userID]))
	for _, c := range r.users[userID] {
		if c.State() == StateOpen {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()
	return r.write(targets, frame)
}

// DeliverBroadcast writes an already encoded frame to every open
// connection on this node, skipping exceptUserID.
func (r *Registry) DeliverBroadcast(exceptUserID string, frame []byte) int {
	r.mu.RLock()
	targets := make([]Conn, 0, r.conns)
	for userID, set := range r.users {
		if userID == exceptUserID {
			continue
		}
		for _, c := range set {
			if c.State() == StateOpen {
				targets = append(targets, c)
			}
		}
	}
	r.mu.RUnlock()
	return r.write(targets, frame)
}

func (r *Registry) IsUserConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

func (r *Registry) UserConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns
}

func (r *Registry) OnlineUserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *Registry) ConnectedUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	return ids
}

// Connections returns a snapshot of every registered connection.
func (r *Registry) Connections() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, r.conns)
	for _, set := range r.users {
		for _, c := range set {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) write(targets []Conn, frame []byte) int {
	sent := 0
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			r.metrics.DeliveryFailed()
			r.log.Debug("delivery failed",
				zap.String("user_id", c.UserID()),
				zap.String("conn_id", c.ID()),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	r.metrics.Delivered(sent)
	return sent
}

func (r *Registry) encode(ev model.ServerEvent) ([]byte, bool) {
	frame, err := model.Encode(ev)
	if err != nil {
		r.log.Error("encode event", zap.String("type", string(ev.EventType())), zap.Error(err))
		return nil, false
	}
	return frame, true
}

func (r *Registry) anyConnection(userID string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.users[userID] {
		return c
	}
	return nil
}

func (r *Registry) currentMirror() Mirror {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mirror
}

func (r *Registry) marker() presence.Marker {
	return presence.Marker{Node: r.node}
}

func (r *Registry) setOnline(userID string) {
	if r.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.presence.SetOnline(ctx, userID, r.marker(), r.ttl); err != nil {
		r.log.Warn("set online", zap.String("user_id", userID), zap.Error(err))
	}
}

// setOffline withdraws this node's entry and reports whether another node
// still holds the user. Store failures count as fully offline.
func (r *Registry) setOffline(userID string) bool {
	if r.presence == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	remaining, err := r.presence.SetOffline(ctx, userID, r.node)
	if err != nil {
		r.log.Warn("set offline", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return remaining
}
