package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tether/pkg/catalog"
	"github.com/harun/tether/pkg/session"
)

func constHandler(result any) Handler {
	return func(context.Context, *Client, map[string]any) (any, error) { return result, nil }
}

func TestRPCRouter_Register(t *testing.T) {
	r := NewRPCRouter(zerolog.Nop())

	require.NoError(t, r.Register("b.method", constHandler("b")))
	require.NoError(t, r.Register("a.method", constHandler("a")))
	assert.Equal(t, []string{"a.method", "b.method"}, r.Methods())

	err := r.Register("nil.method", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler cannot be nil")
	assert.Error(t, r.Register("", constHandler(nil)))

	require.NoError(t, r.Register("a.method", constHandler("replaced")))
	resp := r.Route(context.Background(), nil, &RPCRequest{ID: "1", Method: "a.method"})
	assert.Equal(t, "replaced", resp.Result)

	r.Unregister("a.method")
	assert.False(t, r.Has("a.method"))
	r.Unregister("never.registered")
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	r := NewRPCRouter(zerolog.Nop())

	req, err := r.ParseRequest([]byte(`{"id":"1","method":"session.list","params":{"k":"v"}}`))
	require.NoError(t, err)
	assert.Equal(t, "1", req.ID)
	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, "v", req.Params["k"])

	tests := []struct {
		name string
		data string
		code int
	}{
		{"malformed json", `{nope}`, ParseError},
		{"missing id", `{"method":"x"}`, InvalidRequest},
		{"missing method", `{"id":"1"}`, InvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.ParseRequest([]byte(tt.data))
			var rpcErr *RPCError
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, tt.code, rpcErr.Code)
		})
	}
}

func TestRPCRouter_Route(t *testing.T) {
	r := NewRPCRouter(zerolog.Nop())
	ctx := context.Background()

	t.Run("unknown method", func(t *testing.T) {
		resp := r.Route(ctx, nil, &RPCRequest{ID: "1", Method: "nope"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
		assert.Equal(t, "1", resp.ID)
	})

	t.Run("nil request", func(t *testing.T) {
		resp := r.Route(ctx, nil, nil)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})

	t.Run("params reach the handler", func(t *testing.T) {
		_ = r.Register("echo", func(_ context.Context, _ *Client, p map[string]any) (any, error) {
			return p["v"], nil
		})
		resp := r.Route(ctx, nil, &RPCRequest{ID: "2", Method: "echo", Params: map[string]any{"v": 42.0}})
		assert.Nil(t, resp.Error)
		assert.Equal(t, 42.0, resp.Result)
	})

	t.Run("panics become internal errors", func(t *testing.T) {
		_ = r.Register("boom", func(context.Context, *Client, map[string]any) (any, error) { panic("kaboom") })
		resp := r.Route(ctx, nil, &RPCRequest{ID: "3", Method: "boom"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Equal(t, "internal error", resp.Error.Message)
	})

	t.Run("domain errors map to codes", func(t *testing.T) {
		cases := map[error]int{
			fmt.Errorf("%w: s1", session.ErrSessionNotFound):      SessionNotFound,
			session.ErrTurnInProgress:                             SessionBusy,
			fmt.Errorf("create session: %w", catalog.ErrNotFound): InvalidParams,
			invalidParams("text is required"):                     InvalidParams,
			errors.New("disk on fire"):                            InternalError,
		}
		for err, code := range cases {
			_ = r.Register("fail", func(context.Context, *Client, map[string]any) (any, error) { return nil, err })
			resp := r.Route(ctx, nil, &RPCRequest{ID: "4", Method: "fail"})
			require.NotNil(t, resp.Error, err.Error())
			assert.Equal(t, code, resp.Error.Code, err.Error())
		}
	})
}

func TestParams(t *testing.T) {
	p := map[string]any{"s": "x", "n": 3.0, "f": 1.5, "bad": true, "empty": ""}

	s, err := stringParam(p, "s", true)
	require.NoError(t, err)
	assert.Equal(t, "x", s)

	_, err = stringParam(p, "missing", true)
	assert.Error(t, err)
	_, err = stringParam(p, "empty", true)
	assert.Error(t, err)
	_, err = stringParam(p, "bad", false)
	assert.Error(t, err)
	s, err = stringParam(p, "missing", false)
	require.NoError(t, err)
	assert.Empty(t, s)

	n, err := intParam(p, "n", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = intParam(p, "missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	_, err = intParam(p, "f", 1)
	assert.Error(t, err)
}
