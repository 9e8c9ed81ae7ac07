package gateway

import (
	"context"
	"fmt"

	"github.com/harun/tether/pkg/session"
)

func (s *Server) registerMethods() {
	methods := map[string]Handler{
		"session.create": s.handleSessionCreate,
		"session.attach": s.handleSessionAttach,
		"session.detach": s.handleSessionDetach,
		"session.send":   s.handleSessionSend,
		"session.cancel": s.handleSessionCancel,
		"session.fork":   s.handleSessionFork,
		"session.rewind": s.handleSessionRewind,
		"session.list":   s.handleSessionList,
		"session.close":  s.handleSessionClose,
		"agents.list":    s.handleAgentsList,
		"tools.list":     s.handleToolsList,
		"admin.stats":    s.handleAdminStats,
		"admin.reload":   s.handleAdminReload,
		"admin.invalidate": func(ctx context.Context, _ *Client, _ map[string]any) (any, error) {
			return s.admin.Invalidate(ctx)
		},
		"admin.reset_runtimes": s.handleAdminResetRuntimes,
		"gateway.clients": func(context.Context, *Client, map[string]any) (any, error) {
			return s.clients.Infos(), nil
		},
	}
	for name, h := range methods {
		_ = s.router.Register(name, h)
	}
}

func (s *Server) lookup(params map[string]any) (*session.Runtime, error) {
	id, err := stringParam(params, "session_id", true)
	if err != nil {
		return nil, err
	}
	rt, ok := s.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
	}
	return rt, nil
}

// session.create {user_id, agent_id?}. The calling client is subscribed to
// the new session.
func (s *Server) handleSessionCreate(ctx context.Context, c *Client, params map[string]any) (any, error) {
	userID, err := stringParam(params, "user_id", true)
	if err != nil {
		return nil, err
	}
	agentID, err := stringParam(params, "agent_id", false)
	if err != nil {
		return nil, err
	}
	rt, err := s.sessions.Create(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	s.subscribe(c, rt.ID())
	return rt.Info(), nil
}

// session.attach {session_id} subscribes to a session and replays its
// history.
func (s *Server) handleSessionAttach(_ context.Context, c *Client, params map[string]any) (any, error) {
	if c == nil {
		return nil, invalidParams("session.attach requires a websocket connection")
	}
	rt, err := s.lookup(params)
	if err != nil {
		return nil, err
	}
	if s.subscribe(c, rt.ID()) {
		if err := c.WriteJSON(rt.Snapshot()); err != nil {
			return nil, err
		}
	}
	return rt.Info(), nil
}

func (s *Server) handleSessionDetach(_ context.Context, c *Client, params map[string]any) (any, error) {
	id, err := stringParam(params, "session_id", true)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"detached": s.unsubscribe(c, id)}, nil
}

// session.send {session_id, text} starts a turn or command in the background
// and returns at once. Progress arrives as session events.
func (s *Server) handleSessionSend(_ context.Context, c *Client, params map[string]any) (any, error) {
	rt, err := s.lookup(params)
	if err != nil {
		return nil, err
	}
	text, err := stringParam(params, "text", true)
	if err != nil {
		return nil, err
	}
	switch rt.State() {
	case session.StateClosed:
		return nil, session.ErrClosed
	case session.StateIdle:
	default:
		if cmd, _, ok := s.sessions.Dispatcher().Lookup(text); !ok || !cmd.AllowDuringTurn {
			return nil, session.ErrTurnInProgress
		}
	}

	s.subscribe(c, rt.ID())
	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		if err := rt.HandleMessage(s.baseCtx, text); err != nil {
			s.logger.Debug().Err(err).Str("session_id", rt.ID()).Msg("Message handling ended with error")
		}
	}()
	return map[string]any{"accepted": true, "session_id": rt.ID()}, nil
}

func (s *Server) handleSessionCancel(_ context.Context, _ *Client, params map[string]any) (any, error) {
	rt, err := s.lookup(params)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"cancelled": rt.Cancel()}, nil
}

func (s *Server) handleSessionFork(ctx context.Context, c *Client, params map[string]any) (any, error) {
	rt, err := s.lookup(params)
	if err != nil {
		return nil, err
	}
	child, err := rt.Fork(ctx)
	if err != nil {
		return nil, err
	}
	if s.subscribe(c, child.ID()) {
		if err := c.WriteJSON(child.Snapshot()); err != nil {
			return nil, err
		}
	}
	return child.Info(), nil
}

func (s *Server) handleSessionRewind(_ context.Context, _ *Client, params map[string]any) (any, error) {
	rt, err := s.lookup(params)
	if err != nil {
		return nil, err
	}
	n, err := intParam(params, "turns", 1)
	if err != nil {
		return nil, err
	}
	remaining, err := rt.Rewind(n)
	if err != nil {
		return nil, err
	}
	return map[string]int{"remaining": remaining}, nil
}

func (s *Server) handleSessionList(context.Context, *Client, map[string]any) (any, error) {
	return s.sessions.List(), nil
}

func (s *Server) handleSessionClose(_ context.Context, c *Client, params map[string]any) (any, error) {
	id, err := stringParam(params, "session_id", true)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Close(id); err != nil {
		return nil, err
	}
	s.unsubscribe(c, id)
	return map[string]bool{"closed": true}, nil
}

type agentSummary struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Model   string   `json:"model"`
	Tools   []string `json:"tools"`
	Tags    []string `json:"tags,omitempty"`
}

func (s *Server) handleAgentsList(context.Context, *Client, map[string]any) (any, error) {
	defs := s.sessions.Catalog().List()
	out := make([]agentSummary, 0, len(defs))
	for _, d := range defs {
		out = append(out, agentSummary{
			ID:      d.ID,
			Name:    d.DisplayName(),
			Version: d.Version,
			Model:   d.Model,
			Tools:   d.Tools,
			Tags:    d.Tags,
		})
	}
	return out, nil
}

type toolSummary struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func (s *Server) handleToolsList(context.Context, *Client, map[string]any) (any, error) {
	descs := s.sessions.Registry().DescribeAll()
	out := make([]toolSummary, 0, len(descs))
	for _, d := range descs {
		out = append(out, toolSummary{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return out, nil
}

func (s *Server) handleAdminStats(context.Context, *Client, map[string]any) (any, error) {
	return s.admin.Stats(), nil
}

func (s *Server) handleAdminReload(ctx context.Context, _ *Client, _ map[string]any) (any, error) {
	if err := s.admin.Reload(ctx); err != nil {
		return nil, err
	}
	return map[string]uint64{"generation": s.admin.Stats().Generation}, nil
}

// admin.reset_runtimes {user_id?} drops cached tool instances and model
// handles for one user, or for everyone.
func (s *Server) handleAdminResetRuntimes(_ context.Context, _ *Client, params map[string]any) (any, error) {
	userID, err := stringParam(params, "user_id", false)
	if err != nil {
		return nil, err
	}
	if err := s.admin.ResetRuntimes(userID); err != nil {
		return nil, err
	}
	return map[string]int{"tool_cache_size": s.admin.Stats().ToolCacheSize}, nil
}
