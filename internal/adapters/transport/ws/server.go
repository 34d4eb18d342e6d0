// Package ws serves the live client protocol over WebSocket. Each upgraded
// socket gets one reader goroutine that hands frames to a per-connection
// handler in order and one writer goroutine that drains its send queue.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bnema/symstream/internal/domain"
	"github.com/bnema/symstream/internal/ports"
	"github.com/bnema/symstream/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	ReadLimit      int64
	WriteTimeout   time.Duration
	PongWait       time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		ReadLimit:    64 << 10,
		WriteTimeout: 10 * time.Second,
		PongWait:     60 * time.Second,
		SendBuffer:   64,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaults.ReadLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = defaults.PongWait
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaults.SendBuffer
	}

	return c
}

func (c Config) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

// Handler is the per-connection protocol state machine.
type Handler interface {
	Handle(ctx context.Context, frame []byte)
	Dispatch(ctx context.Context, msg protocol.Inbound)
	Close()
}

type HandlerFunc func(conn ports.Connection) Handler

type Server struct {
	newHandler HandlerFunc
	cfg        Config
	logger     *zap.Logger
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	conns   map[*conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

func NewServer(newHandler HandlerFunc, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	s := &Server{
		newHandler: newHandler,
		cfg:        cfg,
		logger:     logger,
		conns:      map[*conn]struct{}{},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}

	return s
}

// Routes exposes /ws for fresh connections and /ws/session/{id}, which
// resumes the given session as soon as the socket is up.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		s.serveSocket(w, r, "")
	})
	mux.HandleFunc("GET /ws/session/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.serveSocket(w, r, domain.SessionID(strings.TrimSpace(r.PathValue("id"))))
	})

	return mux
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is done, then shuts the
// HTTP server down and disconnects every live socket.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("websocket server listening", zap.String("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	s.Close()
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", serveErr)
	}
	if err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	s.logger.Info("websocket server stopped")
	return nil
}

// Close disconnects every live socket and waits for their goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	for c := range s.conns {
		_ = c.socket.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request, resume domain.SessionID) {
	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	c := newConn(uuid.NewString(), socket, s.cfg, s.logger)
	if !s.register(c) {
		_ = socket.Close()
		return
	}
	defer s.unregister(c)

	logger := s.logger.With(zap.String("connection_id", c.id))
	logger.Info("connection opened", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	handler := s.newHandler(c)
	if resume != "" {
		handler.Dispatch(ctx, protocol.ResumeSession{SessionID: resume})
	}

	readErr := c.readPump(func(frame []byte) {
		handler.Handle(ctx, frame)
	})

	handler.Close()
	c.closeSend()
	<-writerDone

	if readErr != nil {
		logger.Info("connection closed", zap.Error(readErr))
	} else {
		logger.Info("connection closed")
	}
}

func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) register(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, c)
}

// originChecker allows requests without an Origin header, any origin when
// the list holds "*", and otherwise only exact matches. An empty list keeps
// the same-host default of the upgrader.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(origin)] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}
