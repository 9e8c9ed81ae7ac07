package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/harun/tether/pkg/event"
)

// Stream yields the chunks of one model call. Next returns io.EOF once the
// stream is exhausted.
type Stream interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// Capability is a model provider able to stream a completion.
type Capability interface {
	Stream(ctx context.Context, req Request) (Stream, error)
	Provider() string
}

// pullStream adapts a provider event loop that produces zero or more chunks
// per step into a Stream.
type pullStream struct {
	step    func(ctx context.Context) ([]Chunk, error)
	closeFn func() error
	pending []Chunk
	done    bool
}

func (s *pullStream) Next(ctx context.Context) (Chunk, error) {
	for len(s.pending) == 0 {
		if s.done {
			return Chunk{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return Chunk{}, err
		}
		chunks, err := s.step(ctx)
		if errors.Is(err, io.EOF) {
			s.done = true
		} else if err != nil {
			return Chunk{}, err
		}
		s.pending = append(s.pending, chunks...)
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

func (s *pullStream) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// SliceStream returns a Stream over a fixed list of chunks.
func SliceStream(chunks []Chunk) Stream {
	sent := false
	return &pullStream{step: func(context.Context) ([]Chunk, error) {
		if sent {
			return nil, io.EOF
		}
		sent = true
		return chunks, io.EOF
	}}
}

// Result is a stream drained into one value.
type Result struct {
	Text       string
	ToolCalls  []ToolCall
	Media      []event.Media
	StopReason string
	Usage      *event.Usage
}

// Collect drains stream. It does not close it.
func Collect(ctx context.Context, stream Stream) (Result, error) {
	var (
		res  Result
		text strings.Builder
	)
	for {
		c, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			res.Text = text.String()
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("read model stream: %w", err)
		}
		switch c.Type {
		case ChunkText:
			text.WriteString(c.Text)
		case ChunkToolCall:
			res.ToolCalls = append(res.ToolCalls, *c.ToolCall)
		case ChunkMedia:
			res.Media = append(res.Media, *c.Media)
		case ChunkDone:
			res.StopReason = c.StopReason
			res.Usage = c.Usage
		}
	}
}
