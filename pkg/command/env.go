package command

import (
	"context"

	"github.com/harun/tether/pkg/catalog"
	"github.com/harun/tether/pkg/tools"
)

// Env is the session surface commands operate on.
type Env interface {
	SessionID() string
	// Notify shows message to the user as a system message.
	Notify(message string)

	Agent() *catalog.AgentDefinition
	Agents() []*catalog.AgentDefinition
	SwitchAgent(ctx context.Context, id string) error
	// ReloadAgents invalidates the catalog and re-resolves the current agent.
	ReloadAgents(ctx context.Context) (generation uint64, err error)

	ForkSession(ctx context.Context) (sessionID string, err error)
	TurnCount() int
	Rewind(n int) (remaining int, err error)
	Cancel() bool

	AvailableTools() []tools.Descriptor
	Equipped() []string
	Equip(name string) error
	Unequip(name string) error
	CallTool(ctx context.Context, name string, args map[string]any) (tools.Result, error)
}
