package chat

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	ants "github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// TranscriptSink receives every broadcast line for the persisted log.
type TranscriptSink interface {
	Append(at time.Time, line string) error
}

type nopSink struct{}

func (nopSink) Append(time.Time, string) error { return nil }

// Options tunes the server. Zero values fall back to defaults.
type Options struct {
	Capacity      int
	SendQueueSize int
	WriteTimeout  time.Duration
	ReadTimeout   time.Duration
	// StampMessages renders chat lines as "[ts] name: text" on the server.
	// When false the payload is relayed exactly as the client formatted it.
	StampMessages bool
}

func DefaultOptions() Options {
	return Options{
		Capacity:      DefaultCapacity,
		SendQueueSize: defaultSendQueueSize,
		WriteTimeout:  5 * time.Second,
		StampMessages: true,
	}
}

type ServerOption func(s *Server)

func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithTranscript(sink TranscriptSink) ServerOption {
	return func(s *Server) {
		if sink != nil {
			s.sink = sink
		}
	}
}

func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server accepts connections, admits up to Capacity of them and runs a
// Session for each on a bounded goroutine pool.
type Server struct {
	addr   string
	opts   Options
	logger *zap.Logger
	sink   TranscriptSink
	now    func() time.Time

	reg    *Registry
	gate   *semaphore.Weighted
	pool   *ants.Pool
	nextID *atomic.Uint64
	live   *atomic.Int64

	listener net.Listener
	sessions sync.WaitGroup

	mu      sync.Mutex
	conns   map[*Connection]struct{}
	started bool
	closed  bool
}

func NewServer(addr string, opts Options, options ...ServerOption) (*Server, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaultSendQueueSize
	}

	s := &Server{
		addr:   addr,
		opts:   opts,
		logger: zap.NewNop(),
		sink:   nopSink{},
		now:    time.Now,
		gate:   semaphore.NewWeighted(int64(opts.Capacity)),
		nextID: atomic.NewUint64(firstSessionID - 1),
		live:   atomic.NewInt64(0),
		conns:  make(map[*Connection]struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.reg = NewRegistry(opts.Capacity, 0, s.logger.Named("registry"))

	// The gate bounds sessions. The pool only recycles goroutines, and a
	// worker may still be returning after its session released the slot.
	pool, err := ants.NewPool(-1, ants.WithPanicHandler(func(v any) {
		s.logger.Error("session panicked", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, errors.Wrap(err, "create session pool")
	}
	s.pool = pool
	return s, nil
}

// Start binds the listener and starts the registry. Connections are not
// accepted until Serve is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.addr)
	}
	s.mu.Lock()
	s.listener = ln
	s.started = true
	s.mu.Unlock()

	go s.reg.Run()

	s.logger.Info("server started", zap.String("addr", ln.Addr().String()), zap.Int("capacity", s.opts.Capacity))
	return nil
}

// Serve runs the accept loop. It returns nil after Stop and the accept
// error otherwise; accept failures are fatal.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server not started")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		_ = s.Admit(NewTCPTransport(conn, s.opts.ReadTimeout))
	}
}

// Admit takes an admission slot for t and starts its session. At capacity
// the transport is closed at once and ErrServerFull is returned.
func (s *Server) Admit(t Transport) error {
	remote := addrString(t.RemoteAddr())
	if !s.gate.TryAcquire(1) {
		RejectedConnections.Inc()
		s.logger.Warn("max clients reached, rejected", zap.String("remote_addr", remote))
		_ = t.Close()
		return ErrServerFull
	}

	conn := NewConnection(t, s.opts.SendQueueSize, s.opts.WriteTimeout, s.logger.Named("conn"))
	if !s.track(conn) {
		s.gate.Release(1)
		_ = conn.Close()
		return ErrServerClosed
	}

	s.live.Inc()
	LiveSessions.Inc()

	sess := newSession(s, s.nextID.Inc(), conn)
	s.logger.Debug("client connected", zap.String("remote_addr", remote), zap.Uint64("session_id", sess.ID()))

	if err := s.pool.Submit(func() {
		defer s.release(conn)
		sess.Run()
	}); err != nil {
		_ = conn.Close()
		s.release(conn)
		return errors.Wrap(err, "submit session")
	}
	return nil
}

// Stop closes the listener and every live connection, waits for the
// sessions to finish and stops the registry.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	ln := s.listener
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.logger.Info("shutting down", zap.Int("sessions", len(conns)))
	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.sessions.Wait()
	s.pool.Release()

	if started {
		s.reg.Stop()
		s.reg.Wait()
	}
	s.logger.Info("shutdown complete")
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Registry() *Registry {
	return s.reg
}

// ParticipantCount is the number of named, registered participants.
func (s *Server) ParticipantCount() int {
	return s.reg.Count()
}

func (s *Server) Capacity() int {
	return s.opts.Capacity
}

// LiveCount is the number of admitted sessions, including ones still
// waiting for a name.
func (s *Server) LiveCount() int64 {
	return s.live.Load()
}

// publish logs line to the console and the transcript, then broadcasts it
// to everyone but from. A transcript failure never blocks delivery.
func (s *Server) publish(at time.Time, line string, from uint64, kind string) int {
	s.logger.Info(strings.TrimRight(line, "\n"), zap.String("type", kind))
	if err := s.sink.Append(at, line); err != nil {
		TranscriptErrors.Inc()
		s.logger.Warn("transcript append failed, line not logged", zap.Error(err))
	}
	MessagesTotal.WithLabelValues(kind).Inc()
	return s.reg.BroadcastExcept(line, from)
}

func (s *Server) renderChat(at time.Time, name, text string) string {
	if s.opts.StampMessages {
		return ChatLine(at, name, text)
	}
	return verbatimLine(text)
}

func (s *Server) track(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.sessions.Add(1)
	return true
}

func (s *Server) release(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	s.live.Dec()
	LiveSessions.Dec()
	s.gate.Release(1)
	s.sessions.Done()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
