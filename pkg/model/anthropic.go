package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harun/tether/pkg/event"
)

const defaultMaxTokens = 4096

// AnthropicConfig configures the Anthropic capability. An empty APIKey falls
// back to ANTHROPIC_API_KEY.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
}

// Anthropic streams completions from the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
}

func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...)}
}

func (a *Anthropic) Provider() string { return "anthropic" }

func (a *Anthropic) Stream(ctx context.Context, req Request) (Stream, error) {
	params, err := anthropicParams(req)
	if err != nil {
		return nil, err
	}

	sse := a.client.Messages.NewStreaming(ctx, params)
	acc := &anthropicAccumulator{calls: map[int64]*pendingCall{}}

	return &pullStream{
		step: func(context.Context) ([]Chunk, error) {
			if !sse.Next() {
				if err := sse.Err(); err != nil {
					return nil, fmt.Errorf("anthropic stream: %w", err)
				}
				return acc.finish(), io.EOF
			}
			return acc.add(sse.Current())
		},
		closeFn: sse.Close,
	}, nil
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (p *pendingCall) chunk() (Chunk, error) {
	args := map[string]any{}
	if raw := strings.TrimSpace(p.args.String()); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return Chunk{}, fmt.Errorf("failed to parse tool input for %s: %w", p.name, err)
		}
	}
	return ToolCallChunk(p.id, p.name, args), nil
}

// anthropicAccumulator turns SSE events into chunks. Tool input arrives as
// partial JSON and is released when its content block stops.
type anthropicAccumulator struct {
	calls      map[int64]*pendingCall
	usage      event.Usage
	stopReason string
	finished   bool
}

func (a *anthropicAccumulator) add(ev anthropic.MessageStreamEventUnion) ([]Chunk, error) {
	switch e := ev.AsAny().(type) {
	case anthropic.MessageStartEvent:
		a.usage.InputTokens = int(e.Message.Usage.InputTokens)
	case anthropic.ContentBlockStartEvent:
		if e.ContentBlock.Type == "tool_use" {
			a.calls[e.Index] = &pendingCall{id: e.ContentBlock.ID, name: e.ContentBlock.Name}
		}
	case anthropic.ContentBlockDeltaEvent:
		switch e.Delta.Type {
		case "text_delta":
			if e.Delta.Text != "" {
				return []Chunk{TextChunk(e.Delta.Text)}, nil
			}
		case "input_json_delta":
			if call, ok := a.calls[e.Index]; ok {
				call.args.WriteString(e.Delta.PartialJSON)
			}
		}
	case anthropic.ContentBlockStopEvent:
		call, ok := a.calls[e.Index]
		if !ok {
			return nil, nil
		}
		delete(a.calls, e.Index)
		c, err := call.chunk()
		if err != nil {
			return nil, err
		}
		return []Chunk{c}, nil
	case anthropic.MessageDeltaEvent:
		a.stopReason = mapAnthropicStop(string(e.Delta.StopReason))
		if e.Usage.OutputTokens > 0 {
			a.usage.OutputTokens = int(e.Usage.OutputTokens)
		}
	case anthropic.MessageStopEvent:
		return a.finish(), nil
	}
	return nil, nil
}

func (a *anthropicAccumulator) finish() []Chunk {
	if a.finished {
		return nil
	}
	a.finished = true
	usage := a.usage
	stop := a.stopReason
	if stop == "" {
		stop = StopEndTurn
	}
	return []Chunk{DoneChunk(stop, &usage)}
}

func mapAnthropicStop(reason string) string {
	switch reason {
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	case "":
		return ""
	default:
		return StopEndTurn
	}
}

func anthropicParams(req Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  anthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	for _, spec := range req.Tools {
		tool := anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: spec.Parameters["properties"],
				Required:   requiredFields(spec.Parameters),
			},
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return params, nil
}

// anthropicMessages groups consecutive tool results into one user message as
// the Messages API expects.
func anthropicMessages(msgs []Message) []anthropic.MessageParam {
	var (
		out     []anthropic.MessageParam
		results []anthropic.ContentBlockParamUnion
	)
	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, msg := range msgs {
		switch msg.Role {
		case RoleTool:
			results = append(results, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		case RoleUser:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
	}
	flush()
	return out
}

func requiredFields(schema map[string]any) []string {
	var out []string
	switch req := schema["required"].(type) {
	case []string:
		out = append(out, req...)
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}
