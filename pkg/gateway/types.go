package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RPCRequest is a JSON-RPC 2.0 request.
type RPCRequest struct {
	ID      string         `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	JSONRPC string         `json:"jsonrpc"`
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	ID      string    `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
	JSONRPC string    `json:"jsonrpc"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// RPC error codes. Codes above -32000 are tether specific.
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	SessionNotFound        = -32004
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
	SessionBusy            = -32010
)

// AuthChallenge is sent to a client right after it connects when a shared
// secret is configured.
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse carries the client's HMAC of the challenge.
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	RemoteAddr    string    `json:"remote_addr"`
	Sessions      []string  `json:"sessions,omitempty"`
}

// ClientState is the connection lifecycle of a client.
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

const writeTimeout = 10 * time.Second

// Client is a connected websocket peer. Session events it subscribed to are
// forwarded on the same connection as RPC responses.
type Client struct {
	ID           string
	ConnectedAt  time.Time
	RemoteAddr   string
	Limiter      *RateLimiter
	AuthAttempts int
	Challenge    string

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu            sync.Mutex
	state         ClientState
	authenticated bool
	lastActivity  time.Time
	subs          map[string]func()
}

func newClient(id string, conn *websocket.Conn, remote string, limiter *RateLimiter) *Client {
	now := time.Now()
	return &Client{
		ID:           id,
		ConnectedAt:  now,
		RemoteAddr:   remote,
		Limiter:      limiter,
		conn:         conn,
		state:        StateConnecting,
		lastActivity: now,
		subs:         make(map[string]func()),
	}
}

// WriteJSON serialises writes; gorilla connections allow one writer at a
// time.
func (c *Client) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.authenticated = s == StateAuthenticated
	c.mu.Unlock()
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := ClientInfo{
		ID:            c.ID,
		Authenticated: c.authenticated,
		ConnectedAt:   c.ConnectedAt,
		LastActivity:  c.lastActivity,
		RemoteAddr:    c.RemoteAddr,
	}
	for id := range c.subs {
		info.Sessions = append(info.Sessions, id)
	}
	sort.Strings(info.Sessions)
	return info
}
