package prompt

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrPromptRender is wrapped by every assembly failure.
var ErrPromptRender = errors.New("prompt render failed")

// ErrMissingVariable is reported when a template references an unset variable.
var ErrMissingVariable = errors.New("missing variable")

// Data holds the variables available to templates.
type Data map[string]string

// Clone returns an independent copy of d.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Provider contributes one variable to a section. Name is the variable it
// sets; Resolve sees the caller data but not other providers' values.
type Provider struct {
	Name    string
	Resolve func(ctx context.Context, data Data) (string, error)
}

// Section is one named block of the system prompt.
type Section struct {
	Name         string
	Template     string
	Required     bool
	RenderHeader bool
	Providers    []Provider
}

// RenderError reports which section failed and, for substitution failures,
// which variable.
type RenderError struct {
	Section  string
	Variable string
	Err      error
}

func (e *RenderError) Error() string {
	if e.Variable != "" {
		return fmt.Sprintf("prompt section %q: %v %q", e.Section, e.Err, e.Variable)
	}
	return fmt.Sprintf("prompt section %q: %v", e.Section, e.Err)
}

func (e *RenderError) Unwrap() []error { return []error{ErrPromptRender, e.Err} }

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.]*)\}`)

// substitute replaces ${var} placeholders. Substituted values are not
// rescanned.
func substitute(section, tmpl string, data Data) (string, error) {
	var missing string
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := data[name]
		if !ok && missing == "" {
			missing = name
		}
		return v
	})
	if missing != "" {
		return "", &RenderError{Section: section, Variable: missing, Err: ErrMissingVariable}
	}
	return out, nil
}

// Variables lists the placeholders tmpl references, in order of first use.
func Variables(tmpl string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range placeholder.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}
