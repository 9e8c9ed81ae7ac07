package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tether/pkg/admin"
	"github.com/harun/tether/pkg/catalog"
	"github.com/harun/tether/pkg/event"
	"github.com/harun/tether/pkg/model"
	"github.com/harun/tether/pkg/runtimecache"
	"github.com/harun/tether/pkg/session"
	"github.com/harun/tether/pkg/tools"
	"github.com/harun/tether/pkg/tools/builtin"
)

const helperAgent = `
id: helper
version: "1"
model: echo-1
persona: You help.
tools: [clock]
`

type testGateway struct {
	srv      *Server
	http     *httptest.Server
	sessions *session.Manager
	scripted *model.Scripted
}

// newTestGateway serves the helper agent. With scripted set the model is a
// model.Scripted; otherwise it echoes.
func newTestGateway(t *testing.T, secret string, scripted bool) *testGateway {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "helper.yaml"), []byte(helperAgent), 0o644))
	cat, err := catalog.New(context.Background(), catalog.Config{Root: root, Logger: zerolog.Nop()})
	require.NoError(t, err)

	reg := tools.NewRegistry(zerolog.Nop())
	require.NoError(t, builtin.Register(reg))

	g := &testGateway{}
	var capability model.Capability = model.NewEcho()
	if scripted {
		g.scripted = model.NewScripted()
		capability = g.scripted
	}
	runtimes := runtimecache.NewManager(runtimecache.Config{
		Registry: reg,
		Models: model.FactoryFunc(func(id string) (*model.Handle, error) {
			return model.NewHandle(id, capability), nil
		}),
		Logger: zerolog.Nop(),
	})

	hub := event.NewHub()
	g.sessions, err = session.NewManager(session.Config{
		Catalog:      cat,
		Registry:     reg,
		Runtimes:     runtimes,
		Sink:         hub,
		Logger:       zerolog.Nop(),
		DefaultAgent: "helper",
	})
	require.NoError(t, err)

	svc, err := admin.New(admin.Config{Catalog: cat, Runtimes: runtimes, Sessions: g.sessions, Logger: zerolog.Nop()})
	require.NoError(t, err)

	g.srv, err = NewServer(Config{
		SharedSecret: secret,
		Sessions:     g.sessions,
		Admin:        svc,
		Hub:          hub,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	g.http = httptest.NewServer(g.srv.Handler())
	t.Cleanup(func() {
		g.http.Close()
		_ = g.srv.Stop(context.Background())
	})
	return g
}

type wsConn struct {
	t      *testing.T
	conn   *websocket.Conn
	events []event.Event
	nextID int
}

func (g *testGateway) dial(t *testing.T) *wsConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsConn{t: t, conn: conn}
}

type frame struct {
	JSONRPC string `json:"jsonrpc"`
	Type    string `json:"type"`
	Event   string `json:"event"`
}

// read returns the next raw frame.
func (w *wsConn) read() []byte {
	w.t.Helper()
	require.NoError(w.t, w.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := w.conn.ReadMessage()
	require.NoError(w.t, err)
	return data
}

func (w *wsConn) send(v any) {
	w.t.Helper()
	require.NoError(w.t, w.conn.WriteJSON(v))
}

// call sends a request and returns its response, buffering any session
// events that arrive first.
func (w *wsConn) call(method string, params map[string]any) RPCResponse {
	w.t.Helper()
	w.nextID++
	id := fmt.Sprintf("req-%d", w.nextID)
	w.send(RPCRequest{ID: id, Method: method, Params: params, JSONRPC: "2.0"})
	for {
		data := w.read()
		var f frame
		require.NoError(w.t, json.Unmarshal(data, &f))
		if f.JSONRPC == "" {
			w.buffer(data)
			continue
		}
		var resp RPCResponse
		require.NoError(w.t, json.Unmarshal(data, &resp))
		if resp.ID == id {
			return resp
		}
	}
}

func (w *wsConn) buffer(data []byte) {
	e, err := event.Decode(data)
	require.NoError(w.t, err)
	w.events = append(w.events, e)
}

// waitEvent returns the first event of typ, reading frames as needed.
func (w *wsConn) waitEvent(typ event.Type) event.Event {
	w.t.Helper()
	for {
		for i, e := range w.events {
			if e.Type == typ {
				w.events = append(w.events[:i:i], w.events[i+1:]...)
				return e
			}
		}
		data := w.read()
		var f frame
		require.NoError(w.t, json.Unmarshal(data, &f))
		if f.JSONRPC == "" && f.Type != "" {
			w.buffer(data)
		}
	}
}

func resultMap(t *testing.T, resp RPCResponse) map[string]any {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error: %+v", resp.Error)
	m, ok := resp.Result.(map[string]any)
	require.True(t, ok, "result is %T", resp.Result)
	return m
}

func TestWebSocketSessionFlow(t *testing.T) {
	g := newTestGateway(t, "", false)
	ws := g.dial(t)

	created := resultMap(t, ws.call("session.create", map[string]any{"user_id": "alice"}))
	id := created["id"].(string)
	assert.Equal(t, "helper", created["agent_id"])
	assert.Equal(t, "idle", created["state"])

	sent := resultMap(t, ws.call("session.send", map[string]any{"session_id": id, "text": "hello over the wire"}))
	assert.Equal(t, true, sent["accepted"])

	done := ws.waitEvent(event.TypeCompletion)
	assert.Equal(t, id, done.SessionID)
	assert.Equal(t, "hello over the wire", done.Text)

	require.Eventually(t, func() bool {
		rt, ok := g.sessions.Get(id)
		return ok && rt.State() == session.StateIdle
	}, 2*time.Second, 10*time.Millisecond)

	resultMap(t, ws.call("session.send", map[string]any{"session_id": id, "text": "!tools"}))
	msg := ws.waitEvent(event.TypeSystemMessage)
	assert.Contains(t, msg.Message, "* clock")

	list := ws.call("session.list", nil)
	require.Nil(t, list.Error)
	assert.Len(t, list.Result, 1)

	forked := resultMap(t, ws.call("session.fork", map[string]any{"session_id": id}))
	assert.NotEqual(t, id, forked["id"])
	snap := ws.waitEvent(event.TypeHistorySnapshot)
	assert.Equal(t, forked["id"], snap.SessionID)
	assert.Equal(t, 1, snap.Turns)

	rewound := resultMap(t, ws.call("session.rewind", map[string]any{"session_id": id, "turns": 5.0}))
	assert.Equal(t, 0.0, rewound["remaining"])

	closed := resultMap(t, ws.call("session.close", map[string]any{"session_id": id}))
	assert.Equal(t, true, closed["closed"])
	_, ok := g.sessions.Get(id)
	assert.False(t, ok)
}

func TestWebSocketErrors(t *testing.T) {
	g := newTestGateway(t, "", false)
	ws := g.dial(t)

	resp := ws.call("no.such.method", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)

	resp = ws.call("session.send", map[string]any{"session_id": "missing", "text": "hi"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, SessionNotFound, resp.Error.Code)

	created := resultMap(t, ws.call("session.create", map[string]any{"user_id": "alice"}))
	resp = ws.call("session.send", map[string]any{"session_id": created["id"]})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	resp = ws.call("session.create", map[string]any{"user_id": "alice", "agent_id": "ghost"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	ws.send(map[string]any{"method": "session.list"})
	var parsed RPCResponse
	require.NoError(t, json.Unmarshal(ws.read(), &parsed))
	require.NotNil(t, parsed.Error)
	assert.Equal(t, InvalidRequest, parsed.Error.Code)
}

func TestWebSocketBusyAndCancel(t *testing.T) {
	g := newTestGateway(t, "", true)
	ws := g.dial(t)

	release := make(chan struct{})
	defer close(release)
	reached := make(chan struct{})
	turn := model.Reply("late")
	turn.Release = release
	turn.Reached = reached
	g.scripted.Push(turn)

	id := resultMap(t, ws.call("session.create", map[string]any{"user_id": "alice"}))["id"]
	resultMap(t, ws.call("session.send", map[string]any{"session_id": id, "text": "slow"}))

	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never reached the model")
	}

	resp := ws.call("session.send", map[string]any{"session_id": id, "text": "again"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, SessionBusy, resp.Error.Code)

	resp = ws.call("session.rewind", map[string]any{"session_id": id})
	require.NotNil(t, resp.Error)
	assert.Equal(t, SessionBusy, resp.Error.Code)

	resultMap(t, ws.call("session.send", map[string]any{"session_id": id, "text": "!cancel"}))
	cancelled := ws.waitEvent(event.TypeError)
	assert.Equal(t, event.CodeCancelled, cancelled.Code)

	rt, ok := g.sessions.Get(id.(string))
	require.True(t, ok)
	assert.Zero(t, rt.TurnCount())
}

func TestWebSocketAttach(t *testing.T) {
	g := newTestGateway(t, "", false)
	owner := g.dial(t)

	id := resultMap(t, owner.call("session.create", map[string]any{"user_id": "alice"}))["id"]
	resultMap(t, owner.call("session.send", map[string]any{"session_id": id, "text": "first"}))
	owner.waitEvent(event.TypeCompletion)
	require.Eventually(t, func() bool {
		rt, _ := g.sessions.Get(id.(string))
		return rt.State() == session.StateIdle
	}, 2*time.Second, 10*time.Millisecond)

	viewer := g.dial(t)
	resultMap(t, viewer.call("session.attach", map[string]any{"session_id": id}))
	snap := viewer.waitEvent(event.TypeHistorySnapshot)
	assert.Equal(t, 1, snap.Turns)
	require.Len(t, snap.History, 2)
	assert.Equal(t, "first", snap.History[0].Content)

	resultMap(t, owner.call("session.send", map[string]any{"session_id": id, "text": "second"}))
	assert.Equal(t, "second", viewer.waitEvent(event.TypeCompletion).Text)

	infos := g.srv.Clients().Infos()
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.Equal(t, []string{id.(string)}, info.Sessions)
	}
}

func TestWebSocketAuth(t *testing.T) {
	const secret = "s3cret"
	g := newTestGateway(t, secret, false)
	ws := g.dial(t)

	var challenge AuthChallenge
	require.NoError(t, json.Unmarshal(ws.read(), &challenge))
	assert.Equal(t, "auth.challenge", challenge.Event)
	require.Len(t, challenge.Challenge, 64)

	ws.send(RPCRequest{ID: "early", Method: "session.list"})
	var rejected RPCResponse
	require.NoError(t, json.Unmarshal(ws.read(), &rejected))
	require.NotNil(t, rejected.Error)
	assert.Equal(t, AuthenticationRequired, rejected.Error.Code)

	ws.send(AuthResponse{Method: "auth.response", Signature: Sign("wrong", challenge.Challenge)})
	var result AuthResult
	require.NoError(t, json.Unmarshal(ws.read(), &result))
	assert.False(t, result.Success)
	assert.Equal(t, "invalid signature", result.Message)

	ws.send(AuthResponse{Method: "auth.response", Signature: Sign(secret, challenge.Challenge)})
	require.NoError(t, json.Unmarshal(ws.read(), &result))
	assert.True(t, result.Success)

	resp := ws.call("session.list", nil)
	assert.Nil(t, resp.Error)
}

func TestAdminHTTP(t *testing.T) {
	g := newTestGateway(t, "", false)

	get := func(path string) (*http.Response, map[string]any) {
		resp, err := http.Get(g.http.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp, body
	}
	post := func(path string) (*http.Response, map[string]any) {
		resp, err := http.Post(g.http.URL+path, "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp, body
	}

	resp, stats := get("/admin/stats")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, stats["entry_count"])
	assert.Equal(t, 1.0, stats["generation"])
	assert.Equal(t, 0.0, stats["tool_cache_size"])

	resp, inv := post("/admin/invalidate")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, inv["previous_generation"])
	assert.Equal(t, 2.0, inv["generation"])

	resp, reload := post("/admin/reload")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3.0, reload["generation"])

	resp, _ = get("/admin/invalidate")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, health := get("/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health["status"])

	metrics, err := http.Get(g.http.URL + "/metrics")
	require.NoError(t, err)
	metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestAdminHTTPRequiresSecret(t *testing.T) {
	g := newTestGateway(t, "s3cret", false)

	resp, err := http.Get(g.http.URL + "/admin/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, g.http.URL+"/admin/stats", nil)
	require.NoError(t, err)
	req.Header.Set(secretHeader, "s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPRPC(t *testing.T) {
	g := newTestGateway(t, "", false)

	body := strings.NewReader(`{"id":"1","method":"session.create","params":{"user_id":"bob"}}`)
	resp, err := http.Post(g.http.URL+"/rpc", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	var rpc RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpc))
	created := resultMap(t, rpc)
	assert.Equal(t, "bob", created["user_id"])
	assert.Equal(t, 1, g.sessions.Count())

	reset := strings.NewReader(`{"id":"2","method":"admin.reset_runtimes","params":{}}`)
	resp3, err := http.Post(g.http.URL+"/rpc", "application/json", reset)
	require.NoError(t, err)
	defer resp3.Body.Close()
	var resetRPC RPCResponse
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&resetRPC))
	assert.Equal(t, float64(0), resultMap(t, resetRPC)["tool_cache_size"])

	resp2, err := http.Post(g.http.URL+"/rpc", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
	_, err = NewServer(Config{Port: 70000})
	assert.Error(t, err)
}
