package presence

import (
	"context"
	"sync"
	"time"

	"PPresence/logger"
	"PPresence/service/eventbus"
	"PPresence/tools/safe"

	"github.com/pkg/errors"
)

// Status classification for a user.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
)

// Sink is the write side of a live connection. The gateway wraps the
// websocket in one; tests inject fakes.
type Sink interface {
	Send(data []byte) error
	Close() error
}

// Conn is one registered connection. Owned by the Manager for its lifetime;
// a connection id maps to at most one user.
type Conn struct {
	ConnID        string
	UserID        string
	Authenticated bool
	Sink          Sink

	CreatedAt     time.Time
	LastHeartbeat time.Time
}

// Record is the per-user presence record.
type Record struct {
	UserID         string
	Status         Status
	LastActiveTime time.Time
	ConnID         string
}

// CallCleaner is invoked when a user's connection goes away; the call-session
// manager implements it.
type CallCleaner interface {
	CleanupForUser(userID string)
}

// Mirror is the shared-store reflection of local presence (user -> gateway),
// used for cross-node routing. Best-effort: mirror errors never fail the
// local registration.
type Mirror interface {
	Online(ctx context.Context, userID, gatewayID string) error
	Offline(ctx context.Context, userID string) error
	Touch(ctx context.Context, userID string) error
	Lookup(ctx context.Context, userID string) (gatewayID string, online bool, err error)
}

// ===== config =====

type Config struct {
	GatewayID      string
	HeartbeatGrace time.Duration    // no heartbeat for this long => stale, removed
	SweepEvery     time.Duration    // sweeper period
	Clock          func() time.Time // injectable for tests; nil => time.Now
}

func (c *Config) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.HeartbeatGrace <= 0 {
		c.HeartbeatGrace = 90 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
}

// ===== manager =====

// Manager is the authoritative in-memory presence registry: connection
// indices, per-user status records, heartbeat staleness sweep.
type Manager struct {
	mu      sync.RWMutex
	byConn  map[string]*Conn   // connId -> conn (primary index)
	byUser  map[string]*Conn   // userId -> routing conn (last writer wins)
	records map[string]*Record // userId -> presence record

	conf   Config
	bus    *eventbus.Bus
	mirror Mirror      // optional
	calls  CallCleaner // optional, set after construction to break the cycle

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewManager(conf Config, bus *eventbus.Bus) *Manager {
	conf.norm()
	m := &Manager{
		byConn:  make(map[string]*Conn),
		byUser:  make(map[string]*Conn),
		records: make(map[string]*Record),
		conf:    conf,
		bus:     bus,
		stopCh:  make(chan struct{}),
	}
	safe.SafeGoNamed("presence/sweeper", m.sweeper)
	return m
}

func (m *Manager) GatewayID() string { return m.conf.GatewayID }

func (m *Manager) SetMirror(mir Mirror) { m.mirror = mir }

func (m *Manager) SetCallCleaner(c CallCleaner) { m.calls = c }

func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byConn {
		closeQuiet(c.Sink)
	}
	m.byConn = map[string]*Conn{}
	m.byUser = map[string]*Conn{}
}

// RegisterConnection registers an authenticated connection for userID.
// First registration flips the user online and emits exactly one UserOnline;
// a duplicate online signal (same conn, or a racing second conn for the same
// user) is acknowledged without re-emitting, with last-writer-wins on the
// routing index.
func (m *Manager) RegisterConnection(connID, userID string, sink Sink) error {
	if connID == "" || userID == "" {
		return errors.New("connID/userID empty")
	}
	now := m.conf.Clock()

	m.mu.Lock()
	if existing, ok := m.byConn[connID]; ok {
		// duplicate signal for a known connection: idempotent ack
		if existing.UserID == userID {
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		return errors.Errorf("connID %s already bound to another user", connID)
	}

	c := &Conn{
		ConnID:        connID,
		UserID:        userID,
		Authenticated: true,
		Sink:          sink,
		CreatedAt:     now,
		LastHeartbeat: now,
	}
	m.byConn[connID] = c

	rec := m.records[userID]
	wasOnline := rec != nil && rec.Status == StatusOnline
	m.byUser[userID] = c // last writer wins
	if rec == nil {
		rec = &Record{UserID: userID}
		m.records[userID] = rec
	}
	rec.Status = StatusOnline
	rec.LastActiveTime = now
	rec.ConnID = connID
	m.mu.Unlock()

	if m.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.mirror.Online(ctx, userID, m.conf.GatewayID); err != nil {
			logger.Errorf("[presence] mirror online failed user=%s err=%v", userID, err)
		}
		cancel()
	}

	if !wasOnline {
		m.bus.Publish(eventbus.UserOnline{UserID: userID, GatewayID: m.conf.GatewayID, TS: now.UnixMilli()})
	}
	return nil
}

// RemoveConnection removes connID via the reverse index. When the departing
// connection was the user's routing connection, another live connection of
// the same user (if any) is promoted in its place; the user flips offline,
// a UserOffline event is emitted and call-session cleanup runs only when no
// connection remains.
func (m *Manager) RemoveConnection(connID string) {
	if connID == "" {
		return
	}
	now := m.conf.Clock()

	m.mu.Lock()
	c, ok := m.byConn[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byConn, connID)

	userGone := false
	if routing, ok := m.byUser[c.UserID]; ok && routing.ConnID == connID {
		if next := m.anyConnOfLocked(c.UserID); next != nil {
			m.byUser[c.UserID] = next
			if rec := m.records[c.UserID]; rec != nil {
				rec.LastActiveTime = now
				rec.ConnID = next.ConnID
			}
		} else {
			delete(m.byUser, c.UserID)
			userGone = true
			if rec := m.records[c.UserID]; rec != nil {
				rec.Status = StatusOffline
				rec.LastActiveTime = now
				rec.ConnID = ""
			}
		}
	}
	m.mu.Unlock()

	closeQuiet(c.Sink)

	if !userGone {
		// a newer connection took over routing for this user; nothing to broadcast
		return
	}

	if m.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.mirror.Offline(ctx, c.UserID); err != nil {
			logger.Errorf("[presence] mirror offline failed user=%s err=%v", c.UserID, err)
		}
		cancel()
	}

	m.bus.Publish(eventbus.UserOffline{UserID: c.UserID, GatewayID: m.conf.GatewayID, TS: now.UnixMilli()})

	if m.calls != nil {
		m.calls.CleanupForUser(c.UserID)
	}
}

// anyConnOfLocked returns any remaining live connection of userID.
// Caller holds mu.
func (m *Manager) anyConnOfLocked(userID string) *Conn {
	for _, c := range m.byConn {
		if c.UserID == userID {
			return c
		}
	}
	return nil
}

// Heartbeat refreshes the connection's liveness and renews the mirror TTL;
// status is untouched.
func (m *Manager) Heartbeat(connID string) error {
	now := m.conf.Clock()
	m.mu.Lock()
	c, ok := m.byConn[connID]
	if !ok {
		m.mu.Unlock()
		return errors.New("connID not found")
	}
	c.LastHeartbeat = now
	userID := c.UserID
	if rec := m.records[userID]; rec != nil {
		rec.LastActiveTime = now
	}
	m.mu.Unlock()

	if m.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.mirror.Touch(ctx, userID); err != nil {
			logger.Errorf("[presence] mirror touch failed user=%s err=%v", userID, err)
		}
		cancel()
	}
	return nil
}

// SetStatus applies an explicit status signal (away/busy/online) and emits
// StatusChanged. Offline is driven by RemoveConnection, not by this path.
func (m *Manager) SetStatus(userID string, st Status) error {
	if st == StatusOffline {
		return errors.New("offline is connection-driven")
	}
	now := m.conf.Clock()

	m.mu.Lock()
	rec := m.records[userID]
	if rec == nil || rec.Status == StatusOffline {
		m.mu.Unlock()
		return errors.Errorf("user %s has no live connection", userID)
	}
	changed := rec.Status != st
	rec.Status = st
	rec.LastActiveTime = now
	m.mu.Unlock()

	if changed {
		m.bus.Publish(eventbus.StatusChanged{UserID: userID, Status: string(st), TS: now.UnixMilli()})
	}
	return nil
}

// GetStatus returns a best-effort snapshot; unknown users read as offline.
func (m *Manager) GetStatus(userID string) Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.records[userID]; ok {
		return *rec
	}
	return Record{UserID: userID, Status: StatusOffline}
}

func (m *Manager) BatchGetStatus(userIDs []string) []Record {
	out := make([]Record, 0, len(userIDs))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range userIDs {
		if rec, ok := m.records[id]; ok {
			out = append(out, *rec)
		} else {
			out = append(out, Record{UserID: id, Status: StatusOffline})
		}
	}
	return out
}

// RouteMessage returns the live delivery target for userID, or false when the
// user is offline on this node. Integration point for the dispatch pipeline;
// the pipeline never mutates presence through it.
func (m *Manager) RouteMessage(userID string) (Sink, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byUser[userID]
	if !ok || c.Sink == nil {
		return nil, false
	}
	return c.Sink, true
}

// LookupRemote consults the shared mirror for a user with no local
// connection. Returns the holding gateway id and true only when the user is
// online on a different node; mirror absence or error reads as not found.
func (m *Manager) LookupRemote(ctx context.Context, userID string) (string, bool) {
	if m.mirror == nil {
		return "", false
	}
	gw, online, err := m.mirror.Lookup(ctx, userID)
	if err != nil {
		logger.Errorf("[presence] mirror lookup failed user=%s err=%v", userID, err)
		return "", false
	}
	if !online || gw == m.conf.GatewayID {
		return "", false
	}
	return gw, true
}

// OnlineUsers snapshots the users currently online on this node.
func (m *Manager) OnlineUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byUser))
	for u := range m.byUser {
		out = append(out, u)
	}
	return out
}

// Counts reports registry sizes for the admin surface.
func (m *Manager) Counts() (conns, users int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byConn), len(m.byUser)
}

// ===== staleness sweep =====

func (m *Manager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.SweepOnce(now)
		}
	}
}

// SweepOnce removes every connection whose heartbeat is older than the grace
// period, treated identically to an explicit RemoveConnection. Also callable
// from the admin cleanup trigger.
func (m *Manager) SweepOnce(now time.Time) int {
	var stale []string
	m.mu.RLock()
	for id, c := range m.byConn {
		if now.Sub(c.LastHeartbeat) > m.conf.HeartbeatGrace {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		logger.Infof("[presence] stale connection removed connId=%s", id)
		m.RemoveConnection(id)
	}
	return len(stale)
}

func closeQuiet(s Sink) {
	if s != nil {
		_ = s.Close()
	}
}
