package model

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter(t *testing.T) {
	scripted := NewScripted(Reply("hi"))
	router, err := NewRouter(RouterConfig{
		Profiles: []Profile{
			{ID: "claude", Provider: "anthropic", Prefixes: []string{"claude-"}},
			{ID: "test", Provider: "scripted", Prefixes: []string{"test-", "test-long-"}, MaxTokens: 256},
		},
		Aliases: map[string]string{"fast": "test-small"},
		Default: "fast",
		Builders: map[string]Builder{
			"scripted": func(Profile) (Capability, error) { return scripted, nil },
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	t.Run("should match by prefix", func(t *testing.T) {
		p, err := router.Match("claude-sonnet-4-5")
		require.NoError(t, err)
		assert.Equal(t, "claude", p.ID)
	})

	t.Run("should resolve aliases", func(t *testing.T) {
		h, err := router.New("fast")
		require.NoError(t, err)
		assert.Equal(t, "test-small", h.ModelID)
		assert.Equal(t, "scripted", h.Provider)
		assert.Equal(t, 256, h.MaxTokens)
	})

	t.Run("should use the default for an empty model", func(t *testing.T) {
		h, err := router.New("")
		require.NoError(t, err)
		assert.Equal(t, "test-small", h.ModelID)
	})

	t.Run("should fail on unknown model", func(t *testing.T) {
		_, err := router.New("llama-3")
		assert.ErrorIs(t, err, ErrNoProvider)
	})

	t.Run("should share one capability per profile", func(t *testing.T) {
		a, err := router.New("test-a")
		require.NoError(t, err)
		b, err := router.New("test-b")
		require.NoError(t, err)
		assert.Same(t, a.capability, b.capability)
		assert.NotSame(t, a, b)
	})

	t.Run("should fill model id on stream", func(t *testing.T) {
		h, err := router.New("test-small")
		require.NoError(t, err)
		stream, err := h.Stream(context.Background(), Request{})
		require.NoError(t, err)
		defer stream.Close()

		reqs := scripted.Requests()
		require.NotEmpty(t, reqs)
		last := reqs[len(reqs)-1]
		assert.Equal(t, "test-small", last.Model)
		assert.Equal(t, 256, last.MaxTokens)
	})

	t.Run("should reject unknown providers", func(t *testing.T) {
		_, err := NewRouter(RouterConfig{Profiles: []Profile{{ID: "x", Provider: "gemini"}}})
		assert.Error(t, err)
	})

	assert.Equal(t, []string{"claude", "test"}, router.Providers())
}

func TestScripted(t *testing.T) {
	t.Run("should replay turns in order", func(t *testing.T) {
		s := NewScripted(
			CallTools(ToolCall{ID: "c1", Name: "weather", Arguments: map[string]any{"city": "Paris"}}),
			Reply("sunny"),
		)

		stream, err := s.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
		require.NoError(t, err)
		res, err := Collect(context.Background(), stream)
		require.NoError(t, err)
		require.Len(t, res.ToolCalls, 1)
		assert.Equal(t, "weather", res.ToolCalls[0].Name)
		assert.Equal(t, StopToolUse, res.StopReason)

		stream, err = s.Stream(context.Background(), Request{})
		require.NoError(t, err)
		res, err = Collect(context.Background(), stream)
		require.NoError(t, err)
		assert.Equal(t, "sunny", res.Text)

		_, err = s.Stream(context.Background(), Request{})
		assert.ErrorIs(t, err, ErrScriptExhausted)
		assert.Len(t, s.Requests(), 3)
	})

	t.Run("should hold until released or cancelled", func(t *testing.T) {
		release := make(chan struct{})
		reached := make(chan struct{})
		s := NewScripted(ScriptedTurn{
			Chunks:  []Chunk{TextChunk("a"), TextChunk("b"), DoneChunk(StopEndTurn, nil)},
			HoldAt:  1,
			Release: release,
			Reached: reached,
		})
		stream, err := s.Stream(context.Background(), Request{})
		require.NoError(t, err)

		c, err := stream.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a", c.Text)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			_, err := stream.Next(ctx)
			errCh <- err
		}()

		select {
		case <-reached:
		case <-time.After(time.Second):
			t.Fatal("stream never reached hold point")
		}
		cancel()
		assert.ErrorIs(t, <-errCh, context.Canceled)
	})

	t.Run("should fail stream with scripted error", func(t *testing.T) {
		boom := errors.New("overloaded")
		s := NewScripted(ScriptedTurn{Err: boom})
		_, err := s.Stream(context.Background(), Request{})
		assert.ErrorIs(t, err, boom)
	})
}

func TestEcho(t *testing.T) {
	e := NewEcho()

	t.Run("should echo the last user message", func(t *testing.T) {
		stream, err := e.Stream(context.Background(), Request{Messages: []Message{
			{Role: RoleUser, Content: "first"},
			{Role: RoleAssistant, Content: "ok"},
			{Role: RoleUser, Content: "hello there world"},
		}})
		require.NoError(t, err)
		res, err := Collect(context.Background(), stream)
		require.NoError(t, err)
		assert.Equal(t, "hello there world", res.Text)
		assert.Equal(t, StopEndTurn, res.StopReason)
	})

	t.Run("should summarise trailing tool results", func(t *testing.T) {
		stream, err := e.Stream(context.Background(), Request{Messages: []Message{
			{Role: RoleUser, Content: "time?"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1", Name: "clock_now"}}},
			{Role: RoleTool, ToolCallID: "1", ToolName: "clock_now", Content: "12:00"},
		}})
		require.NoError(t, err)
		res, err := Collect(context.Background(), stream)
		require.NoError(t, err)
		assert.Contains(t, res.Text, "clock_now: 12:00")
	})
}

func TestSliceStream(t *testing.T) {
	stream := SliceStream([]Chunk{TextChunk("x")})
	c, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", c.Text)

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, stream.Close())
}

func TestParams(t *testing.T) {
	params := map[string]any{"temperature": 0.2, "max_tokens": 512, "name": "x"}

	f, ok := ParamFloat(params, "temperature")
	assert.True(t, ok)
	assert.InDelta(t, 0.2, f, 1e-9)

	n, ok := ParamInt(params, "max_tokens")
	assert.True(t, ok)
	assert.Equal(t, 512, n)

	_, ok = ParamFloat(params, "name")
	assert.False(t, ok)
}

func weatherRequest() Request {
	return Request{
		Model:  "m",
		System: "be brief",
		Messages: []Message{
			{Role: RoleUser, Content: "weather in Paris and Rome?"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "c1", Name: "weather", Arguments: map[string]any{"city": "Paris"}},
				{ID: "c2", Name: "weather", Arguments: map[string]any{"city": "Rome"}},
			}},
			{Role: RoleTool, ToolCallID: "c1", ToolName: "weather", Content: "sunny"},
			{Role: RoleTool, ToolCallID: "c2", ToolName: "weather", Content: "rain"},
		},
		Tools: []ToolSpec{{
			Name:        "weather",
			Description: "Current weather",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"city": map[string]any{"type": "string"}},
				"required":   []any{"city"},
			},
		}},
		Temperature: 0.5,
	}
}

func TestAnthropicParams(t *testing.T) {
	params, err := anthropicParams(weatherRequest())
	require.NoError(t, err)

	assert.Equal(t, int64(defaultMaxTokens), params.MaxTokens)
	require.Len(t, params.System, 1)
	assert.Equal(t, "be brief", params.System[0].Text)

	require.Len(t, params.Messages, 3, "tool results are grouped into one user message")
	assert.Equal(t, anthropic.MessageParamRoleUser, params.Messages[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, params.Messages[1].Role)
	assert.Len(t, params.Messages[1].Content, 2)
	assert.Len(t, params.Messages[2].Content, 2)

	require.Len(t, params.Tools, 1)
	assert.Equal(t, "weather", params.Tools[0].OfTool.Name)
	assert.Equal(t, []string{"city"}, params.Tools[0].OfTool.InputSchema.Required)
}

func TestAnthropicAccumulator(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{"id":"m1","type":"message","role":"assistant","model":"claude","content":[],"usage":{"input_tokens":12,"output_tokens":0}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"weather","input":{}}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Paris\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":30}}`,
		`{"type":"message_stop"}`,
	}

	acc := &anthropicAccumulator{calls: map[int64]*pendingCall{}}
	var chunks []Chunk
	for _, raw := range events {
		var ev anthropic.MessageStreamEventUnion
		require.NoError(t, json.Unmarshal([]byte(raw), &ev))
		out, err := acc.add(ev)
		require.NoError(t, err)
		chunks = append(chunks, out...)
	}
	chunks = append(chunks, acc.finish()...)

	require.Len(t, chunks, 3)
	assert.Equal(t, ChunkText, chunks[0].Type)
	assert.Equal(t, "Checking", chunks[0].Text)

	require.Equal(t, ChunkToolCall, chunks[1].Type)
	assert.Equal(t, "toolu_1", chunks[1].ToolCall.ID)
	assert.Equal(t, "weather", chunks[1].ToolCall.Name)
	assert.Equal(t, "Paris", chunks[1].ToolCall.Arguments["city"])

	require.Equal(t, ChunkDone, chunks[2].Type)
	assert.Equal(t, StopToolUse, chunks[2].StopReason)
	assert.Equal(t, 12, chunks[2].Usage.InputTokens)
	assert.Equal(t, 30, chunks[2].Usage.OutputTokens)
}

func TestOpenAIParams(t *testing.T) {
	params, err := openaiParams(weatherRequest())
	require.NoError(t, err)

	// system + user + assistant + two tool messages
	assert.Len(t, params.Messages, 5)
	require.Len(t, params.Tools, 1)
	assert.Equal(t, "weather", params.Tools[0].Function.Name)
	assert.True(t, params.StreamOptions.IncludeUsage.Value)
}

func TestOpenAIAccumulator(t *testing.T) {
	chunks := []string{
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt","choices":[{"index":0,"delta":{"content":"Look"}}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"weather","arguments":"{\"ci"}}]}}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ty\":\"Rome\"}"}}]}}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":4,"total_tokens":13}}`,
	}

	acc := &openaiAccumulator{calls: map[int64]*pendingCall{}}
	var out []Chunk
	for _, raw := range chunks {
		var ck openai.ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(raw), &ck))
		out = append(out, acc.add(ck)...)
	}
	tail, err := acc.finish()
	require.NoError(t, err)
	out = append(out, tail...)

	require.Len(t, out, 3)
	assert.Equal(t, "Look", out[0].Text)
	assert.Equal(t, "call_1", out[1].ToolCall.ID)
	assert.Equal(t, "Rome", out[1].ToolCall.Arguments["city"])
	assert.Equal(t, StopToolUse, out[2].StopReason)
	assert.Equal(t, 9, out[2].Usage.InputTokens)
}
