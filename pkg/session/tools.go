package session

import (
	"context"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/event"
	"github.com/harun/tether/pkg/tools"
)

// AvailableTools lists every registered tool.
func (r *Runtime) AvailableTools() []tools.Descriptor {
	return r.mgr.cfg.Registry.DescribeAll()
}

// Equip adds name to the equipped set.
func (r *Runtime) Equip(name string) error {
	if !r.mgr.cfg.Registry.Has(name) {
		return fmt.Errorf("%w: %s", tools.ErrToolNotFound, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.quiescentLocked(); err != nil {
		return err
	}
	for _, n := range r.equipped {
		if n == name {
			return fmt.Errorf("%s is already equipped", name)
		}
	}
	r.equipped = append(r.equipped, name)
	return nil
}

// Unequip removes name from the equipped set.
func (r *Runtime) Unequip(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.quiescentLocked(); err != nil {
		return err
	}
	for i, n := range r.equipped {
		if n == name {
			r.equipped = append(r.equipped[:i:i], r.equipped[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotEquipped, name)
}

// CallTool invokes name directly on behalf of the user, outside a turn. The
// tool does not need to be equipped.
func (r *Runtime) CallTool(ctx context.Context, name string, args map[string]any) (tools.Result, error) {
	id, _ := gonanoid.New(12)
	callID := "call_" + id
	ctx = tracing.NewSessionContext(ctx, r.id, r.userID)

	r.emit(event.ToolCallBegin(r.id, "", callID, name, args))
	res := r.mgr.cfg.Executor.Execute(ctx, r.entry, r.entry.Results(), tools.Call{ID: callID, Name: name, Arguments: args})
	for _, m := range res.Media {
		r.emit(event.RenderMedia(r.id, "", m))
	}
	r.emit(event.ToolCallEnd(r.id, "", callID, name, res.Content, res.IsError))
	return res, nil
}

// executeCall runs a model-requested call. Unequipped tools fail the call,
// not the turn.
func (r *Runtime) executeCall(ctx context.Context, equipped []string, call tools.Call) tools.Result {
	allowed := false
	for _, n := range equipped {
		if n == call.Name {
			allowed = true
			break
		}
	}
	if !allowed {
		return tools.Failure(fmt.Sprintf("%v: %s", ErrNotEquipped, call.Name))
	}
	return r.mgr.cfg.Executor.Execute(ctx, r.entry, r.entry.Results(), call)
}
