package call

import (
	"sync"
	"time"

	"PPresence/logger"
	"PPresence/tools/ids"

	"github.com/pkg/errors"
)

type Type string

const (
	TypeAudio Type = "audio"
	TypeVideo Type = "video"
)

type SessionStatus string

const (
	StatusCalling   SessionStatus = "calling"
	StatusConnected SessionStatus = "connected"
	StatusEnded     SessionStatus = "ended"
)

// End reasons pushed to remaining participants.
const (
	ReasonPeerDisconnected        = "peer_disconnected"
	ReasonParticipantDisconnected = "participant_disconnected"
	ReasonHangup                  = "hangup"
)

// Session is one ephemeral call. activeParticipants shrinks as people drop;
// the session dies once fewer than MinParties remain.
type Session struct {
	CallID     string
	CallerID   string
	ReceiverID string // 1:1 only
	GroupID    string // group only
	Type       Type
	Status     SessionStatus

	Participants map[string]struct{} // everyone ever invited
	Active       map[string]struct{}
	MinParties   int

	StartTime     time.Time
	ConnectedTime time.Time
}

func (s *Session) isGroup() bool { return s.GroupID != "" }

func (s *Session) viable() bool {
	if s.isGroup() {
		return len(s.Active) >= s.MinParties && len(s.Active) > 0
	}
	return len(s.Active) >= 2
}

// Notifier pushes callEnded{callId, reason} to one user; the gateway wires it
// to the presence route.
type Notifier func(userID, callID, reason string)

type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session // userId -> callId -> session

	notify Notifier
	clock  func() time.Time
}

func NewManager(notify Notifier) *Manager {
	if notify == nil {
		notify = func(string, string, string) {}
	}
	return &Manager{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		notify:   notify,
		clock:    time.Now,
	}
}

// WithClock injects a clock for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// StartDirect creates a 1:1 call session in calling state.
func (m *Manager) StartDirect(callerID, receiverID string, typ Type) (*Session, error) {
	if callerID == "" || receiverID == "" {
		return nil, errors.New("caller/receiver empty")
	}
	if callerID == receiverID {
		return nil, errors.New("cannot call self")
	}
	s := &Session{
		CallID:       ids.GenerateString(),
		CallerID:     callerID,
		ReceiverID:   receiverID,
		Type:         typ,
		Status:       StatusCalling,
		Participants: map[string]struct{}{callerID: {}, receiverID: {}},
		Active:       map[string]struct{}{callerID: {}, receiverID: {}},
		MinParties:   2,
		StartTime:    m.clock(),
	}
	m.index(s)
	return s, nil
}

// StartGroup creates a group call; minParties <= 0 means "any remaining
// participant keeps it alive" (minimum 1).
func (m *Manager) StartGroup(callerID, groupID string, members []string, typ Type, minParties int) (*Session, error) {
	if callerID == "" || groupID == "" {
		return nil, errors.New("caller/group empty")
	}
	if minParties <= 0 {
		minParties = 1
	}
	s := &Session{
		CallID:       ids.GenerateString(),
		CallerID:     callerID,
		GroupID:      groupID,
		Type:         typ,
		Status:       StatusCalling,
		Participants: map[string]struct{}{callerID: {}},
		Active:       map[string]struct{}{callerID: {}},
		MinParties:   minParties,
		StartTime:    m.clock(),
	}
	for _, u := range members {
		s.Participants[u] = struct{}{}
		s.Active[u] = struct{}{}
	}
	m.index(s)
	return s, nil
}

func (m *Manager) index(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.CallID] = s
	for u := range s.Participants {
		if m.byUser[u] == nil {
			m.byUser[u] = make(map[string]*Session)
		}
		m.byUser[u][s.CallID] = s
	}
}

// Accept flips calling -> connected.
func (m *Manager) Accept(callID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok || s.Status == StatusEnded {
		return errors.New("call not found")
	}
	if _, ok := s.Participants[userID]; !ok {
		return errors.New("not a participant")
	}
	if s.Status == StatusCalling {
		s.Status = StatusConnected
		s.ConnectedTime = m.clock()
	}
	return nil
}

// Get returns a snapshot copy of the session.
func (m *Manager) Get(callID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[callID]
	if !ok {
		return Session{}, false
	}
	return snapshot(s), true
}

// Leave removes userID from the call; a hangup that leaves the session
// non-viable ends it for everyone.
func (m *Manager) Leave(callID, userID string) {
	m.dropFromSession(callID, userID, ReasonHangup)
}

// End force-finalizes a call.
func (m *Manager) End(callID, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	notified := m.finalizeLocked(s)
	m.mu.Unlock()

	for _, u := range notified {
		m.notify(u, callID, reason)
	}
}

// CleanupForUser runs when a user's connection disappears: the user is pulled
// out of every session they touch; sessions that become non-viable are ended
// and every remaining active participant is told why.
func (m *Manager) CleanupForUser(userID string) {
	m.mu.RLock()
	var callIDs []string
	for id := range m.byUser[userID] {
		callIDs = append(callIDs, id)
	}
	m.mu.RUnlock()

	for _, id := range callIDs {
		m.dropFromSession(id, userID, "")
	}
}

func (m *Manager) dropFromSession(callID, userID, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || s.Status == StatusEnded {
		m.mu.Unlock()
		return
	}
	delete(s.Active, userID)
	if mm := m.byUser[userID]; mm != nil {
		delete(mm, callID)
		if len(mm) == 0 {
			delete(m.byUser, userID)
		}
	}

	if s.viable() {
		m.mu.Unlock()
		return
	}

	if reason == "" {
		if s.isGroup() {
			reason = ReasonParticipantDisconnected
		} else {
			reason = ReasonPeerDisconnected
		}
	}
	notified := m.finalizeLocked(s)
	m.mu.Unlock()

	logger.Infof("[call] session ended callId=%s reason=%s", callID, reason)
	for _, u := range notified {
		m.notify(u, callID, reason)
	}
}

// finalizeLocked marks the session ended, unindexes it and returns the users
// to notify. Caller holds m.mu.
func (m *Manager) finalizeLocked(s *Session) []string {
	s.Status = StatusEnded
	delete(m.sessions, s.CallID)

	notified := make([]string, 0, len(s.Active))
	for u := range s.Active {
		notified = append(notified, u)
	}
	for u := range s.Participants {
		if mm := m.byUser[u]; mm != nil {
			delete(mm, s.CallID)
			if len(mm) == 0 {
				delete(m.byUser, u)
			}
		}
	}
	s.Active = map[string]struct{}{}
	return notified
}

// ActiveCount reports live sessions for the admin surface.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func snapshot(s *Session) Session {
	cp := *s
	cp.Participants = make(map[string]struct{}, len(s.Participants))
	for u := range s.Participants {
		cp.Participants[u] = struct{}{}
	}
	cp.Active = make(map[string]struct{}, len(s.Active))
	for u := range s.Active {
		cp.Active[u] = struct{}{}
	}
	return cp
}
