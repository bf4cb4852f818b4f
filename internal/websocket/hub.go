// internal/websocket/hub.go
package websocket

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"vineguard-gateway/internal/data"
	"vineguard-gateway/internal/metrics"
	"vineguard-gateway/internal/shard"
)

var (
	ErrNotConnected     = errors.New("connection not registered")
	ErrAlreadyConnected = errors.New("connection already registered")
)

// Conn is a live peer the registry can deliver to.
type Conn interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

// membership is the per-connection view of the indices it appears in. closed
// is set under mu before the connection is removed, so a join racing with a
// disconnect cannot leave an entry behind.
type membership struct {
	mu       sync.Mutex
	conn     Conn
	ownerID  int64
	hasOwner bool
	groups   map[string]struct{}
	closed   bool
}

type memberSet map[string]Conn

// Registry tracks live connections, their group memberships and the
// connections of each owner. Group and owner indices are sharded by key.
type Registry struct {
	members *shard.Map[*membership]
	groups  *shard.Map[memberSet]
	owners  *shard.Map[memberSet]
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewRegistry(m *metrics.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		members: shard.New[*membership](0),
		groups:  shard.New[memberSet](0),
		owners:  shard.New[memberSet](0),
		metrics: m,
		logger:  logger,
	}
}

// Connect registers conn in the catch-all set, under ownerID when non-nil
// (including its owner group), and in every listed group. The membership is
// locked before it becomes visible, so a concurrent Disconnect waits for the
// indices to be filled and then removes all of them.
func (r *Registry) Connect(conn Conn, ownerID *int64, groups []string) error {
	m := &membership{conn: conn, groups: make(map[string]struct{})}
	if ownerID != nil {
		m.ownerID, m.hasOwner = *ownerID, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	registered := false
	r.members.Update(conn.ID(), func(cur *membership, ok bool) (*membership, bool) {
		if ok {
			return cur, true
		}
		registered = true
		return m, true
	})
	if !registered {
		return ErrAlreadyConnected
	}

	if m.hasOwner {
		addMember(r.owners, ownerKey(m.ownerID), conn)
		r.join(m, data.OwnerGroup(m.ownerID))
	}
	for _, g := range groups {
		r.join(m, g)
	}

	r.gauge()
	r.logger.Info("websocket client connected", "conn_id", conn.ID(), "owner_id", m.ownerID, "connections", r.Len())
	return nil
}

// Disconnect removes conn from every index. It is idempotent and reports
// whether this call performed the removal.
func (r *Registry) Disconnect(conn Conn) bool {
	m, ok := r.members.Load(conn.ID())
	if !ok {
		return false
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.closed = true
	groups := make([]string, 0, len(m.groups))
	for g := range m.groups {
		groups = append(groups, g)
	}
	m.groups = map[string]struct{}{}
	m.mu.Unlock()

	for _, g := range groups {
		removeMember(r.groups, g, conn.ID())
	}
	if m.hasOwner {
		removeMember(r.owners, ownerKey(m.ownerID), conn.ID())
	}
	r.members.Delete(conn.ID())

	r.gauge()
	r.logger.Info("websocket client disconnected", "conn_id", conn.ID(), "connections", r.Len())
	return true
}

// JoinGroup adds conn to group.
func (r *Registry) JoinGroup(conn Conn, group string) error {
	m, ok := r.members.Load(conn.ID())
	if !ok {
		return ErrNotConnected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotConnected
	}
	r.join(m, group)
	r.gauge()
	return nil
}

// LeaveGroup removes conn from group; a group left empty is dropped.
func (r *Registry) LeaveGroup(conn Conn, group string) error {
	m, ok := r.members.Load(conn.ID())
	if !ok {
		return ErrNotConnected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotConnected
	}
	if _, in := m.groups[group]; in {
		delete(m.groups, group)
		removeMember(r.groups, group, conn.ID())
	}
	r.gauge()
	return nil
}

// join must be called with m.mu held.
func (r *Registry) join(m *membership, group string) {
	if group == "" {
		return
	}
	if _, in := m.groups[group]; in {
		return
	}
	m.groups[group] = struct{}{}
	addMember(r.groups, group, m.conn)
	r.logger.Debug("joined group", "conn_id", m.conn.ID(), "group", group)
}

// All snapshots every registered connection.
func (r *Registry) All() []Conn {
	out := make([]Conn, 0, r.members.Len())
	r.members.Range(func(_ string, m *membership) bool {
		out = append(out, m.conn)
		return true
	})
	return out
}

// GroupMembers snapshots the connections of a group.
func (r *Registry) GroupMembers(group string) []Conn {
	return snapshot(r.groups, group)
}

// OwnerConns snapshots the connections of an owner.
func (r *Registry) OwnerConns(ownerID int64) []Conn {
	return snapshot(r.owners, ownerKey(ownerID))
}

// Groups lists the groups conn belongs to.
func (r *Registry) Groups(conn Conn) []string {
	m, ok := r.members.Load(conn.ID())
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.groups))
	for g := range m.groups {
		out = append(out, g)
	}
	return out
}

// HasGroup reports whether a group currently has members.
func (r *Registry) HasGroup(group string) bool {
	_, ok := r.groups.Load(group)
	return ok
}

// HasOwner reports whether any connection is registered for ownerID.
func (r *Registry) HasOwner(ownerID int64) bool {
	_, ok := r.owners.Load(ownerKey(ownerID))
	return ok
}

// Len is the number of registered connections.
func (r *Registry) Len() int { return r.members.Len() }

// GroupCount is the number of non-empty groups.
func (r *Registry) GroupCount() int { return r.groups.Len() }

func (r *Registry) gauge() {
	r.metrics.SetConnections(r.members.Len())
	r.metrics.SetGroups(r.groups.Len())
}

func ownerKey(ownerID int64) string { return strconv.FormatInt(ownerID, 10) }

func addMember(idx *shard.Map[memberSet], key string, conn Conn) {
	idx.Update(key, func(set memberSet, ok bool) (memberSet, bool) {
		if !ok {
			set = make(memberSet)
		}
		set[conn.ID()] = conn
		return set, true
	})
}

func removeMember(idx *shard.Map[memberSet], key, connID string) {
	idx.Update(key, func(set memberSet, ok bool) (memberSet, bool) {
		if !ok {
			return nil, false
		}
		delete(set, connID)
		return set, len(set) > 0
	})
}

func snapshot(idx *shard.Map[memberSet], key string) []Conn {
	var out []Conn
	idx.View(key, func(set memberSet, ok bool) {
		if !ok {
			return
		}
		out = make([]Conn, 0, len(set))
		for _, c := range set {
			out = append(out, c)
		}
	})
	return out
}
