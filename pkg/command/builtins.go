package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// NewDefault returns a dispatcher with the built-in commands registered.
func NewDefault(logger zerolog.Logger) *Dispatcher {
	d := NewDispatcher(logger)
	for _, c := range Builtins(d) {
		if err := d.Register(c); err != nil {
			panic(err)
		}
	}
	return d
}

// Builtins returns the standard command set. help lists the commands of d.
func Builtins(d *Dispatcher) []Command {
	return []Command{
		{
			Name:     "help",
			Usage:    "!help [command]",
			HelpText: "List commands or describe one.",
			Parse:    FreeForm,
			Execute: func(_ context.Context, _ Env, args Args) (string, error) {
				return help(d, args)
			},
		},
		{
			Name:     "fork",
			Aliases:  []string{"f"},
			Usage:    "!fork",
			HelpText: "Copy this conversation into a new session.",
			Parse:    NoArgs,
			Execute: func(ctx context.Context, env Env, _ Args) (string, error) {
				id, err := env.ForkSession(ctx)
				if err != nil {
					return "", err
				}
				return "forked into session " + id, nil
			},
		},
		{
			Name:     "rewind",
			Aliases:  []string{"rew"},
			Usage:    "!rewind [n]",
			HelpText: "Remove the last n turns (default 1).",
			Parse:    OptionalInt(1),
			Execute: func(_ context.Context, env Env, args Args) (string, error) {
				before := env.TurnCount()
				remaining, err := env.Rewind(args.N)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("rewound %d turn(s), %d remaining", before-remaining, remaining), nil
			},
		},
		{
			Name:     "load_agents",
			Aliases:  []string{"la"},
			Usage:    "!load_agents",
			HelpText: "Reload agent definitions from disk.",
			Parse:    NoArgs,
			Execute: func(ctx context.Context, env Env, _ Args) (string, error) {
				gen, err := env.ReloadAgents(ctx)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("agents reloaded (generation %d), using %s", gen, env.Agent().ID), nil
			},
		},
		{
			Name:     "equip",
			Usage:    "!equip <tool>",
			HelpText: "Make a tool available to the agent.",
			Parse:    RequiredName("tool"),
			Execute: func(_ context.Context, env Env, args Args) (string, error) {
				if err := env.Equip(args.Tool); err != nil {
					return "", err
				}
				return "equipped " + args.Tool, nil
			},
		},
		{
			Name:     "remove",
			Usage:    "!remove <tool>",
			HelpText: "Take a tool away from the agent.",
			Parse:    RequiredName("tool"),
			Execute: func(_ context.Context, env Env, args Args) (string, error) {
				if err := env.Unequip(args.Tool); err != nil {
					return "", err
				}
				return "removed " + args.Tool, nil
			},
		},
		{
			Name:     "call",
			Usage:    `!call <tool> {"arg": "value"}`,
			HelpText: "Invoke a tool directly.",
			Parse:    ToolCall,
			Execute: func(ctx context.Context, env Env, args Args) (string, error) {
				res, err := env.CallTool(ctx, args.Tool, args.Params)
				if err != nil {
					return "", err
				}
				if res.IsError {
					return "", Errorf("%s", res.Content)
				}
				return res.Content, nil
			},
		},
		{
			Name:     "info",
			Usage:    "!info <tool>",
			HelpText: "Show a tool's description and parameters.",
			Parse:    RequiredName("tool"),
			Execute: func(_ context.Context, env Env, args Args) (string, error) {
				for _, t := range env.AvailableTools() {
					if t.Name != args.Tool {
						continue
					}
					params, err := json.MarshalIndent(t.Parameters, "", "  ")
					if err != nil {
						return "", err
					}
					return fmt.Sprintf("%s: %s\nparameters:\n%s", t.Name, t.Description, params), nil
				}
				return "", Errorf("unknown tool %q", args.Tool)
			},
		},
		{
			Name:     "tools",
			Usage:    "!tools",
			HelpText: "List tools; equipped ones are marked with *.",
			Parse:    NoArgs,
			Execute: func(_ context.Context, env Env, _ Args) (string, error) {
				equipped := map[string]bool{}
				for _, n := range env.Equipped() {
					equipped[n] = true
				}
				var b strings.Builder
				for i, t := range env.AvailableTools() {
					if i > 0 {
						b.WriteByte('\n')
					}
					mark := " "
					if equipped[t.Name] {
						mark = "*"
					}
					fmt.Fprintf(&b, "%s %s - %s", mark, t.Name, t.Description)
				}
				if b.Len() == 0 {
					return "no tools registered", nil
				}
				return b.String(), nil
			},
		},
		{
			Name:     "agent",
			Usage:    "!agent [id]",
			HelpText: "Show the current agent, or switch to another one.",
			Parse:    FreeForm,
			Execute: func(ctx context.Context, env Env, args Args) (string, error) {
				switch len(args.Fields) {
				case 0:
					return describeAgents(env), nil
				case 1:
					if err := env.SwitchAgent(ctx, args.Fields[0]); err != nil {
						return "", err
					}
					return "switched to " + env.Agent().DisplayName(), nil
				default:
					return "", Errorf("expected at most one agent id")
				}
			},
		},
		{
			Name:            "cancel",
			Usage:           "!cancel",
			HelpText:        "Stop the turn in progress.",
			Parse:           NoArgs,
			AllowDuringTurn: true,
			Execute: func(_ context.Context, env Env, _ Args) (string, error) {
				if env.Cancel() {
					return "cancelling the current turn", nil
				}
				return "no turn in progress", nil
			},
		},
	}
}

func help(d *Dispatcher, args Args) (string, error) {
	if len(args.Fields) > 0 {
		c, ok := d.Get(args.Fields[0])
		if !ok {
			return "", Errorf("unknown command %q", args.Fields[0])
		}
		text := c.Usage + "\n" + c.HelpText
		if len(c.Aliases) > 0 {
			text += "\naliases: !" + strings.Join(c.Aliases, ", !")
		}
		return text, nil
	}

	var b strings.Builder
	b.WriteString("commands:")
	for _, c := range d.Commands() {
		fmt.Fprintf(&b, "\n  %-28s %s", c.Usage, c.HelpText)
	}
	return b.String(), nil
}

func describeAgents(env Env) string {
	current := env.Agent()
	var b strings.Builder
	fmt.Fprintf(&b, "current agent: %s (%s, model %s)", current.DisplayName(), current.ID, current.Model)
	for _, a := range env.Agents() {
		mark := " "
		if a.ID == current.ID {
			mark = "*"
		}
		fmt.Fprintf(&b, "\n%s %s", mark, a.ID)
	}
	return b.String()
}
