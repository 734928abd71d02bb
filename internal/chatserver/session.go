package chatserver

import (
	"net"
	"sync"

	"retroserver/internal/directory"
	"retroserver/internal/wire"
)

// Session is a live authenticated chat connection: one goroutine, one
// TLS connection, a friend set, and a send lock so forwards from other
// sessions' worker goroutines never interleave writes on the wire — the
// same single-writer-per-connection discipline the teacher's Client type
// enforces with its ctrlMu/sendRaw pair.
type Session struct {
	conn net.Conn

	sendMu sync.Mutex

	mu       sync.Mutex
	userID   directory.UserId
	hasID    bool
	friends  map[directory.UserId]struct{}
}

func newSession(conn net.Conn) *Session {
	return &Session{conn: conn, friends: make(map[directory.UserId]struct{})}
}

// UserId implements directory.SessionHandle.
func (s *Session) UserId() directory.UserId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// RemoteAddr implements directory.SessionHandle.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Send implements directory.SessionHandle: serialized packet write.
func (s *Session) Send(typ byte, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return wire.WritePacket(s.conn, typ, payload)
}

func (s *Session) setUserID(id directory.UserId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = id
	s.hasID = true
}

func (s *Session) addFriend(id directory.UserId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friends[id] = struct{}{}
}

// friendSet returns a snapshot copy of the current friend set.
func (s *Session) friendSet() []directory.UserId {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]directory.UserId, 0, len(s.friends))
	for id := range s.friends {
		out = append(out, id)
	}
	return out
}
