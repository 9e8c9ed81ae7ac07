package command

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Args is the parsed argument string.
type Args struct {
	Raw    string
	Fields []string
	N      int
	Tool   string
	Params map[string]any
}

// ArgParser turns the text after the command name into Args.
type ArgParser func(raw string) (Args, error)

// NoArgs rejects any argument.
func NoArgs(raw string) (Args, error) {
	if raw != "" {
		return Args{}, fmt.Errorf("takes no arguments")
	}
	return Args{}, nil
}

// FreeForm accepts anything.
func FreeForm(raw string) (Args, error) {
	return Args{Raw: raw, Fields: strings.Fields(raw)}, nil
}

// OptionalInt accepts a single positive integer, defaulting to def.
func OptionalInt(def int) ArgParser {
	return func(raw string) (Args, error) {
		if raw == "" {
			return Args{Raw: raw, N: def}, nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return Args{}, fmt.Errorf("expected a positive number, got %q", raw)
		}
		return Args{Raw: raw, N: n}, nil
	}
}

// RequiredName accepts exactly one token.
func RequiredName(what string) ArgParser {
	return func(raw string) (Args, error) {
		fields := strings.Fields(raw)
		if len(fields) != 1 {
			return Args{}, fmt.Errorf("expected a %s name", what)
		}
		return Args{Raw: raw, Fields: fields, Tool: fields[0]}, nil
	}
}

// ToolCall accepts a tool name followed by an optional JSON object.
func ToolCall(raw string) (Args, error) {
	if raw == "" {
		return Args{}, fmt.Errorf("expected a tool name")
	}
	name, rest := raw, ""
	if i := strings.IndexFunc(raw, unicode.IsSpace); i >= 0 {
		name, rest = raw[:i], strings.TrimSpace(raw[i:])
	}

	params := map[string]any{}
	if rest != "" {
		if err := json.Unmarshal([]byte(rest), &params); err != nil {
			return Args{}, fmt.Errorf("arguments must be a JSON object: %v", err)
		}
		if params == nil {
			params = map[string]any{}
		}
	}
	return Args{Raw: raw, Tool: name, Params: params}, nil
}
