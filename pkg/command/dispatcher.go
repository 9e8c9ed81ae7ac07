package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
)

// Prefix marks a command.
const Prefix = "!"

// Command is one registered command.
type Command struct {
	Name     string
	Aliases  []string
	Usage    string
	HelpText string
	Parse    ArgParser
	// Execute returns text shown to the user as a system message.
	Execute func(ctx context.Context, env Env, args Args) (string, error)
	// AllowDuringTurn lets the command run while a turn is in flight.
	AllowDuringTurn bool
}

// Dispatcher resolves input to commands and runs them.
type Dispatcher struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	commands map[string]*Command
	byName   map[string]*Command
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		commands: make(map[string]*Command),
		byName:   make(map[string]*Command),
	}
}

// Register adds cmd. Names and aliases must not collide.
func (d *Dispatcher) Register(cmd Command) error {
	if cmd.Name == "" {
		return fmt.Errorf("command name cannot be empty")
	}
	if cmd.Execute == nil {
		return fmt.Errorf("command %s: execute cannot be nil", cmd.Name)
	}
	if cmd.Parse == nil {
		cmd.Parse = FreeForm
	}

	keys := append([]string{cmd.Name}, cmd.Aliases...)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		k = strings.ToLower(k)
		if k == "" || strings.IndexFunc(k, unicode.IsSpace) >= 0 {
			return fmt.Errorf("command %s: invalid name or alias %q", cmd.Name, k)
		}
		if _, exists := d.byName[k]; exists {
			return fmt.Errorf("command %s: %q is already registered", cmd.Name, k)
		}
	}

	c := cmd
	d.commands[strings.ToLower(cmd.Name)] = &c
	for _, k := range keys {
		d.byName[strings.ToLower(k)] = &c
	}
	d.logger.Debug().Str("command", cmd.Name).Strs("aliases", cmd.Aliases).Msg("Command registered")
	return nil
}

// Lookup applies the command grammar to input. rawArgs is the trimmed text
// after the command token.
func (d *Dispatcher) Lookup(input string) (cmd *Command, rawArgs string, ok bool) {
	if !strings.HasPrefix(input, Prefix) || strings.ContainsAny(input, "\r\n") {
		return nil, "", false
	}
	body := input[len(Prefix):]
	name := body
	if i := strings.IndexFunc(body, unicode.IsSpace); i >= 0 {
		name, rawArgs = body[:i], strings.TrimSpace(body[i:])
	}
	if name == "" {
		return nil, "", false
	}

	d.mu.RLock()
	cmd, ok = d.byName[strings.ToLower(name)]
	d.mu.RUnlock()
	if !ok {
		return nil, "", false
	}
	return cmd, rawArgs, true
}

// IsCommand reports whether input would be handled.
func (d *Dispatcher) IsCommand(input string) bool {
	_, _, ok := d.Lookup(input)
	return ok
}

// Commands returns the registered commands sorted by name.
func (d *Dispatcher) Commands() []Command {
	d.mu.RLock()
	out := make([]Command, 0, len(d.commands))
	for _, c := range d.commands {
		out = append(out, *c)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the command registered under name or alias.
func (d *Dispatcher) Get(name string) (Command, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byName[strings.ToLower(strings.TrimPrefix(name, Prefix))]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

// Dispatch runs input if it is a command. Output and failures are delivered
// through env.Notify; the returned error is the *Error that was reported.
func (d *Dispatcher) Dispatch(ctx context.Context, env Env, input string) (bool, error) {
	cmd, raw, ok := d.Lookup(input)
	if !ok {
		return false, nil
	}
	return true, d.Run(ctx, env, cmd, raw)
}

// Run parses raw for cmd and executes it.
func (d *Dispatcher) Run(ctx context.Context, env Env, cmd *Command, raw string) error {
	ctx, span := tracing.StartSpan(ctx, "tether.command", "command.execute", attribute.String("command", cmd.Name))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, d.logger).With().Str("command", cmd.Name).Logger()

	out, err := d.execute(ctx, env, cmd, raw, logger)
	observability.RecordCommand(cmd.Name, err == nil)
	if err != nil {
		tracing.RecordError(span, err)
		logger.Info().Err(err).Msg("Command failed")
		env.Notify(err.Error())
		return err
	}
	if out != "" {
		env.Notify(out)
	}
	logger.Debug().Msg("Command executed")
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, env Env, cmd *Command, raw string, logger zerolog.Logger) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Command panicked")
			out, err = "", &Error{Command: cmd.Name, Message: "internal error"}
		}
	}()

	args, perr := cmd.Parse(raw)
	if perr != nil {
		msg := perr.Error()
		if cmd.Usage != "" {
			msg += " (usage: " + cmd.Usage + ")"
		}
		return "", &Error{Command: cmd.Name, Message: msg, Err: perr}
	}

	out, err = cmd.Execute(ctx, env, args)
	if err == nil {
		return out, nil
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		if cerr.Command == "" {
			cerr.Command = cmd.Name
		}
		return "", cerr
	}
	return "", &Error{Command: cmd.Name, Message: err.Error(), Err: err}
}
