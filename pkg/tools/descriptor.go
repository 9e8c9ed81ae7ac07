package tools

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/tether/pkg/event"
	"github.com/harun/tether/pkg/prompt"
)

// Options are passed to a Factory when a user's instance is created.
type Options struct {
	UserID string
	Logger zerolog.Logger
	// Now is the clock tools should use. Nil means time.Now.
	Now func() time.Time
}

// Clock returns o.Now or time.Now.
func (o Options) Clock() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return time.Now
}

// Factory creates a tool instance for one user.
type Factory func(opts Options) (Instance, error)

// Descriptor declares a tool. Parameters is a JSON schema object.
type Descriptor struct {
	Name        string
	Description string
	Parameters  map[string]any
	Factory     Factory
	// CacheTTL enables result caching per user when positive.
	CacheTTL time.Duration
	// Timeout overrides the executor default when positive.
	Timeout time.Duration
}

// Result is what a tool hands back to the model.
type Result struct {
	Content   string
	IsError   bool
	Media     []event.Media
	Truncated bool
	Cached    bool
	Metadata  map[string]any
}

// Text is a successful plain-text result.
func Text(content string) Result {
	return Result{Content: content}
}

// Failure is an error result shown to the model.
func Failure(content string) Result {
	return Result{Content: content, IsError: true}
}

// Instance is a live, possibly stateful tool owned by one user. Instances
// that hold resources also implement io.Closer.
type Instance interface {
	Invoke(ctx context.Context, args map[string]any) (Result, error)
}

// InstanceFunc adapts a stateless function to Instance.
type InstanceFunc func(ctx context.Context, args map[string]any) (Result, error)

// Invoke calls f.
func (f InstanceFunc) Invoke(ctx context.Context, args map[string]any) (Result, error) {
	return f(ctx, args)
}

// SectionProvider is implemented by instances that contribute prompt
// sections while equipped.
type SectionProvider interface {
	PromptSections(ctx context.Context) []prompt.Section
}
