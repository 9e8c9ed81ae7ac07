package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoProvider is returned when no profile matches a model id.
var ErrNoProvider = errors.New("no provider for model")

// Profile binds model ids starting with one of Prefixes to a provider.
type Profile struct {
	ID        string
	Provider  string
	APIKey    string
	BaseURL   string
	Prefixes  []string
	MaxTokens int
}

// Handle is a resolved model: the capability to call plus the canonical
// model id to send. Handles are cheap and cached per user.
type Handle struct {
	ModelID    string
	Provider   string
	MaxTokens  int
	CreatedAt  time.Time
	capability Capability
}

// NewHandle binds a capability to a model id.
func NewHandle(modelID string, capability Capability) *Handle {
	return &Handle{
		ModelID:    modelID,
		Provider:   capability.Provider(),
		CreatedAt:  time.Now(),
		capability: capability,
	}
}

// Stream calls the model. req.Model and an unset req.MaxTokens are filled in
// from the handle.
func (h *Handle) Stream(ctx context.Context, req Request) (Stream, error) {
	req.Model = h.ModelID
	if req.MaxTokens == 0 {
		req.MaxTokens = h.MaxTokens
	}
	return h.capability.Stream(ctx, req)
}

// Factory creates handles by model id.
type Factory interface {
	New(modelID string) (*Handle, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(modelID string) (*Handle, error)

func (f FactoryFunc) New(modelID string) (*Handle, error) { return f(modelID) }

// Builder constructs a capability for a profile.
type Builder func(Profile) (Capability, error)

// RouterConfig configures a Router.
type RouterConfig struct {
	Profiles []Profile
	Aliases  map[string]string
	// Default serves definitions that leave the model empty.
	Default string
	// Builders overrides or extends the provider constructors by name.
	Builders map[string]Builder
	Logger   zerolog.Logger
}

// Router is a Factory that picks a profile by longest matching prefix. One
// capability is built per profile and shared by all handles.
type Router struct {
	profiles []Profile
	aliases  map[string]string
	fallback string
	builders map[string]Builder
	logger   zerolog.Logger

	mu           sync.Mutex
	capabilities map[string]Capability
}

// NewRouter validates profiles and returns a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	builders := map[string]Builder{
		"anthropic": func(p Profile) (Capability, error) {
			return NewAnthropic(AnthropicConfig{APIKey: p.APIKey, BaseURL: p.BaseURL}), nil
		},
		"openai": func(p Profile) (Capability, error) {
			return NewOpenAI(OpenAIConfig{APIKey: p.APIKey, BaseURL: p.BaseURL}), nil
		},
		"echo": func(Profile) (Capability, error) {
			return NewEcho(), nil
		},
	}
	for name, b := range cfg.Builders {
		builders[name] = b
	}

	for i, p := range cfg.Profiles {
		if p.ID == "" {
			return nil, fmt.Errorf("model profile %d: id is required", i)
		}
		if _, ok := builders[p.Provider]; !ok {
			return nil, fmt.Errorf("model profile %s: unsupported provider %q", p.ID, p.Provider)
		}
	}

	aliases := make(map[string]string, len(cfg.Aliases))
	for k, v := range cfg.Aliases {
		aliases[k] = v
	}

	return &Router{
		profiles:     append([]Profile(nil), cfg.Profiles...),
		aliases:      aliases,
		fallback:     cfg.Default,
		builders:     builders,
		logger:       cfg.Logger,
		capabilities: make(map[string]Capability),
	}, nil
}

// Canonical resolves an alias to a model id.
func (r *Router) Canonical(modelID string) string {
	if modelID == "" {
		modelID = r.fallback
	}
	if target, ok := r.aliases[modelID]; ok {
		return target
	}
	return modelID
}

// Match returns the profile serving modelID.
func (r *Router) Match(modelID string) (Profile, error) {
	id := r.Canonical(modelID)
	best, bestLen := -1, -1
	for i, p := range r.profiles {
		for _, prefix := range p.Prefixes {
			if strings.HasPrefix(id, prefix) && len(prefix) > bestLen {
				best, bestLen = i, len(prefix)
			}
		}
	}
	if best < 0 {
		return Profile{}, fmt.Errorf("%w: %s", ErrNoProvider, id)
	}
	return r.profiles[best], nil
}

// New returns a handle for modelID.
func (r *Router) New(modelID string) (*Handle, error) {
	p, err := r.Match(modelID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	capability, ok := r.capabilities[p.ID]
	if !ok {
		capability, err = r.builders[p.Provider](p)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("build %s capability: %w", p.Provider, err)
		}
		r.capabilities[p.ID] = capability
		r.logger.Debug().Str("profile", p.ID).Str("provider", p.Provider).Msg("Model capability created")
	}
	r.mu.Unlock()

	h := NewHandle(r.Canonical(modelID), capability)
	h.MaxTokens = p.MaxTokens
	return h, nil
}

// Providers lists the configured profile ids, sorted.
func (r *Router) Providers() []string {
	ids := make([]string, 0, len(r.profiles))
	for _, p := range r.profiles {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return ids
}
