// Package admin serves the operator HTTP surface: Prometheus metrics, a
// health probe and a WebSocket entry into the chat room.
package admin

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/andy6609/relaychat/internal/chat"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Chat is the part of the chat server the admin surface needs.
type Chat interface {
	Admit(t chat.Transport) error
	Capacity() int
	LiveCount() int64
	ParticipantCount() int
}

// Health is the /healthz body.
type Health struct {
	Status       string `json:"status"`
	Participants int    `json:"participants"`
	Live         int64  `json:"live"`
	Capacity     int    `json:"capacity"`
}

type Server struct {
	addr        string
	chat        Chat
	readTimeout time.Duration
	logger      *zap.Logger
	upgrader    websocket.Upgrader
	http        *http.Server
}

func NewServer(addr string, c Chat, readTimeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	addr = loopbackDefault(addr)
	s := &Server{
		addr:        addr,
		chat:        c,
		readTimeout: readTimeout,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// loopbackDefault keeps a port-only address such as ":9090" on 127.0.0.1,
// since /ws admits chat participants. An explicit host is used as given.
func loopbackDefault(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host != "" {
		return addr
	}
	return net.JoinHostPort("127.0.0.1", port)
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "admin listen %s", s.addr)
	}
	s.logger.Info("admin listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "admin serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Wrap(s.http.Shutdown(shutdownCtx), "admin shutdown")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := Health{
		Status:       "ok",
		Participants: s.chat.ParticipantCount(),
		Live:         s.chat.LiveCount(),
		Capacity:     s.chat.Capacity(),
	}
	if h.Live >= int64(h.Capacity) {
		h.Status = "full"
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.logger.Warn("write health response", zap.Error(err))
	}
}

// handleWebSocket admits a browser client as a regular participant. Each
// text message is one line; the first one is the name.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	if err := s.chat.Admit(chat.NewWebSocketTransport(conn, s.readTimeout)); err != nil {
		s.logger.Info("websocket client not admitted",
			zap.String("remote_addr", conn.RemoteAddr().String()), zap.Error(err))
	}
}
