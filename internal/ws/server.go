// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client connections, and dispatching
// incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxFrameSize   int64         // largest accepted data frame in bytes
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameSize:   8 << 20,
	}
}

// Rejection refuses a connection right after the upgrade. Frame is written
// to the client before the connection is closed.
type Rejection struct {
	Reason string // metrics label, e.g. "banned"
	Frame  []byte
}

// AdmitFunc decides whether a freshly upgraded client may stay connected.
// A nil Rejection admits the client.
type AdmitFunc func(ctx context.Context, remoteAddr string) *Rejection

// Stats are the engine counters reported by /health.
type Stats struct {
	Queued   int
	Sessions int
}

// Server is the high-performance WebSocket server built on gobwas/ws and Linux
// epoll. It upgrades HTTP connections to WebSocket, registers them with an
// epoll instance for I/O readiness notifications, and dispatches ready
// connections to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)              // called after registration
	onDisconnect func(connID string)                 // called when a connection is removed
	admit        AdmitFunc
	stats        func() Stats
	httpServer   *http.Server
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time // server start time for uptime calculation
	log          zerolog.Logger
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultServerConfig().MaxFrameSize
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		log:        log.With().Str("component", "ws").Logger(),
	}
}

// SetOnConnect registers a callback invoked once a connection is registered
// and has received its connected frame.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetAdmit registers the admission check run after each upgrade.
func (s *Server) SetAdmit(fn AdmitFunc) {
	s.admit = fn
}

// SetStats registers the source of the engine counters shown by /health.
func (s *Server) SetStats(fn func() Stats) {
	s.stats = fn
}

// Router returns the HTTP routes served by the server: /ws, /health and
// /metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/ws", s.handleUpgrade)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	return r
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve initializes the epoll instance, starts the event loop and the
// heartbeat, and blocks serving HTTP on l.
func (s *Server) Serve(l net.Listener) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	s.log.Info().
		Str("addr", l.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader, runs the admission check, and registers the
// connection with the connection manager and epoll instance.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		metrics.ConnectionsRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	if s.admit != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		rej := s.admit(ctx, r.RemoteAddr)
		cancel()
		if rej != nil {
			metrics.ConnectionsRejected.WithLabelValues(rej.Reason).Inc()
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			if len(rej.Frame) > 0 {
				_ = wsutil.WriteServerMessage(conn, ws.OpText, rej.Frame)
			}
			_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusPolicyViolation, rej.Reason)))
			_ = conn.Close()
			s.log.Info().Str("remote", r.RemoteAddr).Str("reason", rej.Reason).Msg("connection refused")
			return
		}
	}

	now := time.Now()
	c := &Connection{
		ID:         uuid.New().String(),
		Conn:       conn,
		Fd:         socketFD(conn),
		RemoteAddr: r.RemoteAddr,
		CreatedAt:  now,
	}
	c.Touch(now)

	// Send connected before any engine notification can be routed here.
	if frame, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		IdentityID: c.ID,
	}); err == nil {
		if err := c.WriteMessage(frame); err != nil {
			s.log.Debug().Err(err).Str("conn", c.ID).Msg("send connected failed")
			_ = conn.Close()
			return
		}
	}

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	// The application sees the connection before its first frame can be
	// read; frames sent meanwhile wait in the socket until epoll reports
	// them.
	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := s.epoll.Add(conn); err != nil {
		s.log.Error().Err(err).Str("conn", c.ID).Msg("epoll add failed")
		s.RemoveConnection(c)
		return
	}

	s.log.Debug().Str("conn", c.ID).Int("fd", c.Fd).Int("total", s.conns.Count()).Msg("new connection")
}

// handleHealth responds with the server's health status as JSON. It is used
// by the load balancer for health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var st Stats
	if s.stats != nil {
		st = s.stats()
	}

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Queue       int    `json:"queue"`
		Sessions    int    `json:"sessions"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Queue:       st.Queued,
		Sessions:    st.Sessions,
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Error().Err(err).Msg("epoll wait error")
				continue
			}
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, oversized frame) the connection is
// removed from epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer s.epoll.Rearm(netConn)
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(s.epoll.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Any frame proves the connection is alive.
	c.Touch(time.Now())

	if header.OpCode.IsControl() {
		s.handleControl(c, header, reader)
		return
	}

	if header.Length > s.config.MaxFrameSize {
		s.log.Warn().Str("conn", c.ID).Int64("size", header.Length).Msg("frame too large")
		_ = c.writeClose(ws.StatusMessageTooBig, "message too big")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// handleControl consumes a control frame payload so the stream stays
// aligned, answers pings and honors close.
func (s *Server) handleControl(c *Connection, header ws.Header, reader io.Reader) {
	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	switch header.OpCode {
	case ws.OpClose:
		s.RemoveConnection(c)
	case ws.OpPing:
		if err := c.writePong(payload); err != nil {
			s.RemoveConnection(c)
		}
	}
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, and closes the underlying network connection. It is exported so
// that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	// Only the first remover proceeds; a read error and a heartbeat timeout
	// may race on the same connection.
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	s.log.Debug().Str("conn", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// Disconnect closes the connection identified by connID, if it is still
// open, and runs the disconnect callback.
func (s *Server) Disconnect(connID string) {
	if c := s.conns.Get(connID); c != nil {
		s.RemoveConnection(c)
	}
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.writeWithDeadline(data, s.config.WriteTimeout)
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance. Disconnect callbacks run for every
// remaining connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down server")

	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		if s.httpServer != nil {
			if e := s.httpServer.Shutdown(ctx); e != nil {
				err = fmt.Errorf("ws: http shutdown: %w", e)
			}
		}

		for _, c := range s.conns.All() {
			_ = c.writeClose(ws.StatusGoingAway, "server shutdown")
			s.RemoveConnection(c)
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}
	})

	s.log.Info().Msg("server stopped")
	return err
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
