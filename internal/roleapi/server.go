// Package roleapi exposes the backlog store to worker subprocesses over
// a local WebSocket endpoint. Each worker gets a one-run token bound to
// its role; the bridge enforces the per-role operation allow-lists so a
// testing worker, for example, can never create features.
package roleapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codefleet/foreman/internal/backlog"
	"github.com/codefleet/foreman/internal/logging"
	"github.com/codefleet/foreman/internal/worker"
)

// Environment variables of the worker launch contract.
const (
	// EnvAddr carries the bridge WebSocket URL to the worker.
	EnvAddr = "FOREMAN_API_ADDR"
	// EnvToken carries the worker's role token.
	EnvToken = "FOREMAN_ROLE_TOKEN"
)

// tokenHeader is the header workers present on the upgrade request.
const tokenHeader = "X-Foreman-Token"

const (
	// wsPingInterval is the interval between ping frames sent to a worker.
	wsPingInterval = 30 * time.Second
	// wsPongTimeout is how long to wait for a pong before closing.
	wsPongTimeout = 10 * time.Second
	// wsWriteTimeout is the deadline for writing a response frame.
	wsWriteTimeout = 5 * time.Second
)

// Request is one operation call from a worker.
type Request struct {
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the bridge's answer. Retryable marks transient store
// contention; every other error is final for that call.
type Response struct {
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

// Server is the worker-facing store bridge. It binds to a random
// loopback port per run; workers learn the address through EnvAddr.
type Server struct {
	store    *backlog.Store
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	tokens   map[string]worker.Role
	listener net.Listener
	server   *http.Server
	running  bool
}

// NewServer creates a bridge over store. Start must be called before
// workers can connect.
func NewServer(store *backlog.Store) *Server {
	return &Server{
		store: store,
		log:   logging.WithComponent("roleapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Workers connect from the local machine, never a browser.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		tokens: make(map[string]worker.Role),
	}
}

// Start binds the loopback listener and begins serving. It does not
// block; use Close to stop.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("role API already running")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("bind role API listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	s.listener = listener
	s.server = &http.Server{Handler: mux}
	s.running = true

	go func() {
		if err := s.server.Serve(listener); err != http.ErrServerClosed {
			s.log.Error("role API serve error", slog.Any("error", err))
		}
	}()

	s.log.Info("role API listening", slog.String("addr", listener.Addr().String()))
	return nil
}

// Close stops the listener and drops all connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	return s.server.Close()
}

// Addr returns the bound host:port. Empty before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// URL returns the WebSocket URL workers dial.
func (s *Server) URL() string {
	addr := s.Addr()
	if addr == "" {
		return ""
	}
	return "ws://" + addr + "/ws"
}

// RegisterToken mints a token bound to role. The orchestrator passes it
// to exactly one worker via EnvToken and revokes it when the worker
// exits.
func (s *Server) RegisterToken(role worker.Role) (string, error) {
	if !worker.Valid(role) {
		return "", fmt.Errorf("unknown role %q", role)
	}
	token := uuid.New().String()
	s.mu.Lock()
	s.tokens[token] = role
	s.mu.Unlock()
	return token, nil
}

// RevokeToken invalidates a token. Connections already open keep their
// role; revocation only stops new dials.
func (s *Server) RevokeToken(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

func (s *Server) roleFor(token string) (worker.Role, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.tokens[token]
	return role, ok
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	role, ok := s.roleFor(r.Header.Get(tokenHeader))
	if !ok {
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("role API upgrade error", slog.Any("error", err))
		return
	}
	defer func() { _ = conn.Close() }()

	log := s.log.With(slog.String("role", string(role)))
	log.Debug("worker connected", slog.String("remote", r.RemoteAddr))

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	// Ping pump. WriteControl is safe alongside the response writes.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(wsWriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("worker connection error", slog.Any("error", err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

		var req Request
		var resp Response
		if err := json.Unmarshal(data, &req); err != nil {
			resp = Response{Error: fmt.Sprintf("malformed request: %v", err)}
		} else {
			resp = s.dispatch(role, &req)
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(resp); err != nil {
			log.Debug("role API write error", slog.Any("error", err))
			return
		}
	}
}
