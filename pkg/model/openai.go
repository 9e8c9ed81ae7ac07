package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/harun/tether/pkg/event"
)

// OpenAIConfig configures the OpenAI capability. An empty APIKey falls back
// to OPENAI_API_KEY.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// OpenAI streams chat completions from the OpenAI API or a compatible server.
type OpenAI struct {
	client openai.Client
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...)}
}

func (o *OpenAI) Provider() string { return "openai" }

func (o *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	params, err := openaiParams(req)
	if err != nil {
		return nil, err
	}

	sse := o.client.Chat.Completions.NewStreaming(ctx, params)
	acc := &openaiAccumulator{calls: map[int64]*pendingCall{}}

	return &pullStream{
		step: func(context.Context) ([]Chunk, error) {
			if !sse.Next() {
				if err := sse.Err(); err != nil {
					return nil, fmt.Errorf("openai stream: %w", err)
				}
				chunks, err := acc.finish()
				if err != nil {
					return nil, err
				}
				return chunks, io.EOF
			}
			return acc.add(sse.Current()), nil
		},
		closeFn: sse.Close,
	}, nil
}

// openaiAccumulator aggregates tool call fragments by index. OpenAI reports
// usage on a trailing chunk after the finish reason, so calls and the done
// chunk are released when the stream ends.
type openaiAccumulator struct {
	calls      map[int64]*pendingCall
	usage      *event.Usage
	stopReason string
}

func (a *openaiAccumulator) add(ck openai.ChatCompletionChunk) []Chunk {
	var out []Chunk
	for _, ch := range ck.Choices {
		if ch.Delta.Content != "" {
			out = append(out, TextChunk(ch.Delta.Content))
		}
		for _, tc := range ch.Delta.ToolCalls {
			call, ok := a.calls[tc.Index]
			if !ok {
				call = &pendingCall{}
				a.calls[tc.Index] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
		}
		if ch.FinishReason != "" {
			a.stopReason = mapOpenAIStop(ch.FinishReason)
		}
	}
	if ck.Usage.PromptTokens > 0 || ck.Usage.CompletionTokens > 0 {
		a.usage = &event.Usage{
			InputTokens:  int(ck.Usage.PromptTokens),
			OutputTokens: int(ck.Usage.CompletionTokens),
		}
	}
	return out
}

func (a *openaiAccumulator) finish() ([]Chunk, error) {
	indexes := make([]int64, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	out := make([]Chunk, 0, len(indexes)+1)
	for _, i := range indexes {
		c, err := a.calls[i].chunk()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	a.calls = map[int64]*pendingCall{}

	stop := a.stopReason
	if stop == "" {
		stop = StopEndTurn
	}
	return append(out, DoneChunk(stop, a.usage)), nil
}

func mapOpenAIStop(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

func openaiParams(req Request) (openai.ChatCompletionNewParams, error) {
	messages, err := openaiMessages(req)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	for _, spec := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openai.String(spec.Description),
				Parameters:  openai.FunctionParameters(spec.Parameters),
			},
		})
	}
	return params, nil
}

func openaiMessages(req Request) ([]openai.ChatCompletionMessageParamUnion, error) {
	var out []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case RoleTool:
			content := msg.Content
			if msg.IsError && !strings.HasPrefix(content, "error") {
				content = "error: " + content
			}
			out = append(out, openai.ToolMessage(content, msg.ToolCallID))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				calls = append(calls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			assistant := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: calls,
			}
			out = append(out, assistant.ToParam())
		}
	}
	return out, nil
}
