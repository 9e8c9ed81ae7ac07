package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/tether/pkg/model"
)

type registered struct {
	desc   Descriptor
	schema *gojsonschema.Schema
}

// Registry maps tool names to descriptors. It is shared by every session and
// is read-mostly after startup.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]registered
	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]registered),
		logger: logger,
	}
}

// Register adds d. Registering an existing name replaces it.
func (r *Registry) Register(d Descriptor) error {
	if err := validateDescriptor(d); err != nil {
		return err
	}
	if d.Parameters == nil {
		d.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(d.Parameters))
	if err != nil {
		return fmt.Errorf("%w: %s: parameter schema: %v", ErrInvalidDescriptor, d.Name, err)
	}

	r.mu.Lock()
	_, replaced := r.tools[d.Name]
	r.tools[d.Name] = registered{desc: d, schema: schema}
	r.mu.Unlock()

	if replaced {
		r.logger.Warn().Str("tool", d.Name).Msg("Tool re-registered, previous descriptor replaced")
	} else {
		r.logger.Debug().Str("tool", d.Name).Msg("Tool registered")
	}
	return nil
}

// MustRegister is Register for static descriptors.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

func validateDescriptor(d Descriptor) error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidDescriptor)
	}
	if strings.ContainsAny(d.Name, " \t\n") {
		return fmt.Errorf("%w: name %q cannot contain whitespace", ErrInvalidDescriptor, d.Name)
	}
	if d.Description == "" {
		return fmt.Errorf("%w: %s: description cannot be empty", ErrInvalidDescriptor, d.Name)
	}
	if d.Factory == nil {
		return fmt.Errorf("%w: %s: factory cannot be nil", ErrInvalidDescriptor, d.Name)
	}
	if d.Parameters != nil {
		if t, ok := d.Parameters["type"]; ok && t != "object" {
			return fmt.Errorf("%w: %s: parameter schema must be an object, got %v", ErrInvalidDescriptor, d.Name, t)
		}
	}
	return nil
}

// Describe returns the descriptor registered under name.
func (r *Registry) Describe(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t.desc, ok
}

// DescribeAll returns every descriptor sorted by name without creating
// instances.
func (r *Registry) DescribeAll() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.desc)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	descs := r.DescribeAll()
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Describe(name)
	return ok
}

// Create builds a fresh instance of name.
func (r *Registry) Create(name string, opts Options) (Instance, error) {
	d, ok := r.Describe(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	inst, err := d.Factory(opts)
	if err != nil {
		return nil, &InvocationError{Tool: name, Err: fmt.Errorf("create instance: %w", err)}
	}
	if inst == nil {
		return nil, &InvocationError{Tool: name, Err: fmt.Errorf("factory returned nil instance")}
	}
	return inst, nil
}

// Validate checks args against the parameter schema of name.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := t.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(msgs, "; "))
	}
	return nil
}

// Specs converts the named descriptors into model tool specs, skipping
// unknown names. The order of names is preserved.
func (r *Registry) Specs(names []string) []model.ToolSpec {
	specs := make([]model.ToolSpec, 0, len(names))
	for _, n := range names {
		d, ok := r.Describe(n)
		if !ok {
			continue
		}
		specs = append(specs, model.ToolSpec{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return specs
}
