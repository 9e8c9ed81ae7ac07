package model

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrScriptExhausted is returned when a Scripted capability has no turns left.
var ErrScriptExhausted = errors.New("scripted model: no turns left")

// ScriptedTurn is the canned response to one Stream call.
type ScriptedTurn struct {
	Chunks []Chunk
	// Err fails Stream itself.
	Err error
	// HoldAt blocks Next before emitting Chunks[HoldAt] until Release is
	// closed or ctx is done. Ignored when Release is nil.
	HoldAt  int
	Release <-chan struct{}
	// Reached, when set, is closed once Next blocks at HoldAt.
	Reached chan struct{}
}

// Reply is a turn that streams text and ends the turn.
func Reply(text string) ScriptedTurn {
	return ScriptedTurn{Chunks: []Chunk{TextChunk(text), DoneChunk(StopEndTurn, nil)}}
}

// CallTools is a turn that requests tool calls.
func CallTools(calls ...ToolCall) ScriptedTurn {
	chunks := make([]Chunk, 0, len(calls)+1)
	for _, c := range calls {
		chunks = append(chunks, ToolCallChunk(c.ID, c.Name, c.Arguments))
	}
	chunks = append(chunks, DoneChunk(StopToolUse, nil))
	return ScriptedTurn{Chunks: chunks}
}

// Scripted is a deterministic Capability for tests. It records every request.
type Scripted struct {
	mu       sync.Mutex
	turns    []ScriptedTurn
	requests []Request
}

func NewScripted(turns ...ScriptedTurn) *Scripted {
	return &Scripted{turns: turns}
}

func (s *Scripted) Provider() string { return "scripted" }

// Push appends turns to the script.
func (s *Scripted) Push(turns ...ScriptedTurn) {
	s.mu.Lock()
	s.turns = append(s.turns, turns...)
	s.mu.Unlock()
}

func (s *Scripted) Stream(ctx context.Context, req Request) (Stream, error) {
	s.mu.Lock()
	req.Messages = append([]Message(nil), req.Messages...)
	req.Tools = append([]ToolSpec(nil), req.Tools...)
	s.requests = append(s.requests, req)
	if len(s.turns) == 0 {
		s.mu.Unlock()
		return nil, ErrScriptExhausted
	}
	turn := s.turns[0]
	s.turns = s.turns[1:]
	s.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}
	return &scriptedStream{turn: turn}, nil
}

// Requests returns the requests seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Remaining reports how many turns are left.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

type scriptedStream struct {
	turn   ScriptedTurn
	pos    int
	closed bool
}

func (s *scriptedStream) Next(ctx context.Context) (Chunk, error) {
	if s.closed {
		return Chunk{}, io.EOF
	}
	if s.turn.Release != nil && s.pos == s.turn.HoldAt {
		if s.turn.Reached != nil {
			close(s.turn.Reached)
			s.turn.Reached = nil
		}
		select {
		case <-s.turn.Release:
			s.turn.Release = nil
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if s.pos >= len(s.turn.Chunks) {
		return Chunk{}, io.EOF
	}
	c := s.turn.Chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}
