package chat

import (
	"io"
	"net"
	"syscall"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateAwaitingName State = iota
	StateActive
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingName:
		return "awaiting_name"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session drives one connection from name handshake to teardown. Its own
// I/O failures end only this session.
type Session struct {
	id     uint64
	name   string
	conn   *Connection
	srv    *Server
	logger *zap.Logger
	state  State
}

func newSession(srv *Server, id uint64, conn *Connection) *Session {
	return &Session{
		id:   id,
		conn: conn,
		srv:  srv,
		logger: srv.logger.Named("session").With(
			zap.Uint64("session_id", id),
			zap.String("remote_addr", conn.RemoteAddr())),
		state: StateAwaitingName,
	}
}

func (s *Session) ID() uint64 {
	return s.id
}

func (s *Session) State() State {
	return s.state
}

// Run blocks until the session reaches StateClosed.
func (s *Session) Run() {
	for s.state != StateClosed {
		switch s.state {
		case StateAwaitingName:
			s.state = s.awaitName()
		case StateActive:
			s.state = s.serve()
		case StateTerminating:
			s.terminate()
			s.state = StateClosed
		}
	}
}

func (s *Session) awaitName() State {
	raw, err := s.conn.ReceiveName()
	if err != nil {
		s.logger.Info("didn't enter the name", zap.Error(err))
		return StateTerminating
	}
	name, err := normalizeName(raw)
	if err != nil {
		s.logger.Info("rejected name", zap.Error(err))
		return StateTerminating
	}

	s.name = name
	s.logger = s.logger.With(zap.String("name", name))
	if !s.srv.reg.Add(&Participant{ID: s.id, Name: name, Conn: s.conn}) {
		s.logger.Warn("registration failed")
		return StateTerminating
	}

	at := s.srv.now()
	s.srv.publish(at, JoinLine(at, s.name), s.id, "join")
	return StateActive
}

func (s *Session) serve() State {
	for {
		line, err := s.conn.Receive()
		if err != nil {
			if isPeerClosed(err) {
				s.leave()
				return StateTerminating
			}
			// No leave line on the error path.
			s.logger.Warn("receive failed", zap.Error(err))
			return StateTerminating
		}

		switch line {
		case "":
			continue
		case ExitToken:
			s.leave()
			return StateTerminating
		}

		at := s.srv.now()
		s.srv.publish(at, s.srv.renderChat(at, s.name, line), s.id, "chat")
	}
}

func (s *Session) leave() {
	at := s.srv.now()
	s.srv.publish(at, LeaveLine(at, s.name), s.id, "leave")
}

// terminate closes the connection first, then deregisters.
func (s *Session) terminate() {
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("close failed", zap.Error(err))
	}
	s.srv.reg.Remove(s.id)
	s.logger.Info("session closed")
}

// isPeerClosed reports whether err means the other end went away, as
// opposed to a local or protocol failure.
func isPeerClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
