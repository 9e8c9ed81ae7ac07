// Package gateway serves sessions over websocket JSON-RPC and exposes the
// admin surface, metrics and health over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/admin"
	"github.com/harun/tether/pkg/event"
	"github.com/harun/tether/pkg/session"
)

const (
	secretHeader     = "X-Tether-Secret"
	subscribeBuffer  = 256
	maxRequestBytes  = 1 << 20
	shutdownDeadline = 10 * time.Second
)

// Config wires a Server. The session manager must emit to Hub for
// subscribed clients to see session events.
type Config struct {
	Host              string
	Port              int
	SharedSecret      string
	RequestsPerMinute int
	Sessions          *session.Manager
	Admin             *admin.Service
	Hub               *event.Hub
	Logger            zerolog.Logger
}

// Server is the tether gateway.
type Server struct {
	addr     string
	sessions *session.Manager
	admin    *admin.Service
	hub      *event.Hub
	auth     *AuthHandler
	router   *RPCRouter
	clients  *ClientRegistry
	upgrader websocket.Upgrader
	rpm      int
	logger   zerolog.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	turns      sync.WaitGroup
	inFlight   sync.WaitGroup

	mu           sync.Mutex
	httpServer   *http.Server
	listener     net.Listener
	shuttingDown bool
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if cfg.Admin == nil {
		return nil, errors.New("admin service is required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("event hub is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:       net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		sessions:   cfg.Sessions,
		admin:      cfg.Admin,
		hub:        cfg.Hub,
		auth:       NewAuthHandler(cfg.SharedSecret),
		router:     NewRPCRouter(cfg.Logger),
		clients:    NewClientRegistry(),
		rpm:        cfg.RequestsPerMinute,
		logger:     cfg.Logger,
		baseCtx:    ctx,
		cancelBase: cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerMethods()
	observability.EnsureRegistered()
	return s, nil
}

// Router exposes the RPC router so callers can add methods.
func (s *Server) Router() *RPCRouter { return s.router }

// Clients returns the connected client registry.
func (s *Server) Clients() *ClientRegistry { return s.clients }

// Handler returns the HTTP handler with every endpoint mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/admin/reload", s.handleAdminReloadHTTP)
	mux.HandleFunc("/admin/invalidate", s.handleAdminInvalidateHTTP)
	mux.HandleFunc("/admin/stats", s.handleAdminStatsHTTP)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": s.sessions.Count(),
			"clients":  s.clients.Count(),
		})
	})
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Bool("auth", s.auth.Enabled()).Msg("Gateway listening")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop cancels running turns, waits for handlers and closes every client.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info().Msg("Shutting down gateway")
	s.cancelBase()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		s.turns.Wait()
		close(done)
	}()
	wait, cancel := context.WithTimeout(ctx, shutdownDeadline)
	defer cancel()
	select {
	case <-done:
	case <-wait.Done():
		s.logger.Warn().Msg("Shutdown deadline reached with requests in flight")
	}

	for _, c := range s.clients.All() {
		_ = c.conn.Close()
	}
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(wait); err != nil {
		return fmt.Errorf("shutdown gateway: %w", err)
	}
	return nil
}

func (s *Server) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.closing() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxRequestBytes)

	id, _ := gonanoid.New()
	c := newClient(id, conn, r.RemoteAddr, NewRateLimiter(s.rpm, 0))
	s.clients.Add(c)
	s.logger.Info().Str("client_id", id).Str("remote", r.RemoteAddr).Msg("Client connected")

	if s.auth.Enabled() {
		challenge, err := s.auth.Challenge()
		if err == nil {
			c.Challenge = challenge
			c.setState(StateAuthenticating)
			err = c.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
		}
		if err != nil {
			s.logger.Error().Err(err).Str("client_id", id).Msg("Failed to send auth challenge")
			s.disconnect(c)
			return
		}
	} else {
		c.setState(StateAuthenticated)
	}

	go s.readLoop(c)
}

func (s *Server) readLoop(c *Client) {
	defer s.disconnect(c)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("client_id", c.ID).Msg("Websocket read failed")
			}
			return
		}
		c.touch()
		if !s.handleFrame(c, msg) {
			return
		}
	}
}

// handleFrame processes one client frame and reports whether the connection
// should stay open.
func (s *Server) handleFrame(c *Client, msg []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(msg, &authResp); err == nil && authResp.Method == "auth.response" {
		res := s.auth.Respond(c, authResp.Signature)
		if err := c.WriteJSON(res); err != nil {
			return false
		}
		if !res.Success {
			s.logger.Warn().Str("client_id", c.ID).Str("reason", res.Message).Msg("Authentication failed")
			return c.AuthAttempts < maxAuthAttempts
		}
		s.logger.Info().Str("client_id", c.ID).Msg("Client authenticated")
		return true
	}

	if !c.Authenticated() {
		s.sendError(c, "", AuthenticationRequired, "authentication required")
		return true
	}

	req, err := s.router.ParseRequest(msg)
	if err != nil {
		rpcErr := toRPCError(err)
		s.sendError(c, "", rpcErr.Code, rpcErr.Message)
		return true
	}
	if code, reason, ok := c.Limiter.Begin(); !ok {
		s.sendError(c, req.ID, code, reason)
		return true
	}

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		defer c.Limiter.End()
		ctx := tracing.WithTraceID(s.baseCtx, tracing.NewTraceID())
		resp := s.router.Route(ctx, c, req)
		if err := c.WriteJSON(resp); err != nil {
			s.logger.Warn().Err(err).Str("client_id", c.ID).Str("request_id", req.ID).Msg("Failed to send response")
		}
	}()
	return true
}

func (s *Server) sendError(c *Client, requestID string, code int, message string) {
	resp := RPCResponse{ID: requestID, JSONRPC: "2.0", Error: &RPCError{Code: code, Message: message}}
	if err := c.WriteJSON(resp); err != nil {
		s.logger.Warn().Err(err).Str("client_id", c.ID).Msg("Failed to send error")
	}
}

func (s *Server) disconnect(c *Client) {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]func())
	c.state = StateDisconnected
	c.authenticated = false
	c.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
	_ = c.conn.Close()
	s.clients.Remove(c.ID)
	s.logger.Info().Str("client_id", c.ID).Msg("Client disconnected")
}

// subscribe forwards sessionID's events to c. It reports false when c is nil
// or already subscribed.
func (s *Server) subscribe(c *Client, sessionID string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	if _, ok := c.subs[sessionID]; ok || c.state == StateDisconnected {
		c.mu.Unlock()
		return false
	}
	ch, cancel := s.hub.Subscribe(sessionID, subscribeBuffer)
	c.subs[sessionID] = cancel
	c.mu.Unlock()

	go func() {
		for e := range ch {
			if err := c.WriteJSON(e); err != nil {
				s.logger.Debug().Err(err).Str("client_id", c.ID).Msg("Dropping event for closed client")
				return
			}
		}
	}()
	return true
}

func (s *Server) unsubscribe(c *Client, sessionID string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	cancel, ok := c.subs[sessionID]
	delete(c.subs, sessionID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// handleRPC serves one JSON-RPC request per HTTP POST.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.checkHTTP(w, r, http.MethodPost) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}
	req, err := s.router.ParseRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, RPCResponse{JSONRPC: "2.0", Error: toRPCError(err)})
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)
	writeJSON(w, http.StatusOK, s.router.Route(ctx, nil, req))
}

func (s *Server) handleAdminReloadHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.checkHTTP(w, r, http.MethodPost) {
		return
	}
	if err := s.admin.Reload(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"generation": s.admin.Stats().Generation})
}

func (s *Server) handleAdminInvalidateHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.checkHTTP(w, r, http.MethodPost) {
		return
	}
	res, err := s.admin.Invalidate(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdminStatsHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.checkHTTP(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.admin.Stats())
}

func (s *Server) checkHTTP(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return false
	}
	if !s.auth.VerifyHeader(r.Header.Get(secretHeader)) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
