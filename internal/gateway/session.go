package gateway

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pgbridge/pgbridge/internal/auth"
)

// Session is the server-side state of one WebSocket identity. The connection
// pointer is replaceable: a reconnect with the same identity swaps it in
// without losing the authenticated session or secret.
type Session struct {
	mu sync.Mutex

	identity string
	conn     *websocket.Conn

	session string
	secret  string

	agent string
	ip    string

	authorization auth.Authorization

	pending map[string]func(WSMessage)
}

// Identity returns the session's path identity.
func (s *Session) Identity() string { return s.identity }

// Credentials returns the current session token and secret.
func (s *Session) Credentials() (session, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, s.secret
}

// SetCredentials installs the session token and secret after a successful
// sign-in or resume.
func (s *Session) SetCredentials(session, secret string) {
	s.mu.Lock()
	s.session = session
	s.secret = secret
	s.mu.Unlock()
}

// ClearCredentials drops the session token and secret after sign-out.
func (s *Session) ClearCredentials() {
	s.mu.Lock()
	s.session = ""
	s.secret = ""
	s.mu.Unlock()
}

// Origin returns the agent and host recorded at the last (re)connect.
func (s *Session) Origin() (agent, ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent, s.ip
}

// Authorization returns the credentials captured during the upgrade request.
func (s *Session) Authorization() auth.Authorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorization
}

// Write sends one frame on the current connection. Writes are serialized:
// engine callbacks and the read loop may both emit frames.
func (s *Session) Write(m WSMessage) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// AddPending registers a continuation for an outgoing call: the next
// CallResult or CallError frame with this uniqueId is handed to it.
func (s *Session) AddPending(uniqueID string, fn func(WSMessage)) {
	s.mu.Lock()
	s.pending[uniqueID] = fn
	s.mu.Unlock()
}

// TakePending removes and returns the continuation for uniqueId.
func (s *Session) TakePending(uniqueID string) (func(WSMessage), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.pending[uniqueID]
	if ok {
		delete(s.pending, uniqueID)
	}
	return fn, ok
}

// SessionManager is the process-wide identity -> session table.
// Single-writer semantics are enforced with one mutex.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates an empty manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

// Attach binds the connection to the session for identity, creating the
// session on first contact. A reconnect reuses the existing record: the
// connection pointer, ip and agent are replaced, everything else survives.
func (m *SessionManager) Attach(identity string, conn *websocket.Conn, agent, ip string, authz auth.Authorization) (s *Session, resumed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[identity]; ok {
		s.mu.Lock()
		s.conn = conn
		s.agent = agent
		s.ip = ip
		s.mu.Unlock()
		return s, true
	}

	s = &Session{
		identity:      identity,
		conn:          conn,
		agent:         agent,
		ip:            ip,
		authorization: authz,
		pending:       make(map[string]func(WSMessage)),
	}
	m.sessions[identity] = s
	return s, false
}

// Find returns the session for identity.
func (m *SessionManager) Find(identity string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[identity]
	return s, ok
}

// Detach removes the session when conn is still its current connection. A
// session whose connection was already replaced by a reconnect stays alive.
func (m *SessionManager) Detach(identity string, conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[identity]
	if !ok {
		return false
	}
	s.mu.Lock()
	current := s.conn == conn
	if current {
		s.conn = nil
	}
	s.mu.Unlock()
	if !current {
		return false
	}
	delete(m.sessions, identity)
	return true
}

// Len reports the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
