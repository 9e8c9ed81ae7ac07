package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/tether/pkg/event"
)

// Echo is an offline capability that streams the last user message back one
// word at a time, or summarises the tool results that follow it. It is used by
// `tether chat` without credentials and in local demos.
type Echo struct{}

func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Provider() string { return "echo" }

func (e *Echo) Stream(_ context.Context, req Request) (Stream, error) {
	var reply string
	if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == RoleTool {
		var parts []string
		for i := n - 1; i >= 0 && req.Messages[i].Role == RoleTool; i-- {
			parts = append([]string{fmt.Sprintf("%s: %s", req.Messages[i].ToolName, req.Messages[i].Content)}, parts...)
		}
		reply = "tool results - " + strings.Join(parts, "; ")
	} else {
		for i := n - 1; i >= 0; i-- {
			if req.Messages[i].Role == RoleUser {
				reply = req.Messages[i].Content
				break
			}
		}
	}

	words := strings.Fields(reply)
	chunks := make([]Chunk, 0, len(words)+1)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		chunks = append(chunks, TextChunk(w))
	}
	chunks = append(chunks, DoneChunk(StopEndTurn, &event.Usage{OutputTokens: len(words)}))
	return SliceStream(chunks), nil
}
