package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
)

const (
	baseHeadingLevel = 2
	toolHeadingLevel = 3
	toolsGroupTitle  = "Tools"
)

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Logger zerolog.Logger
	// MaxConcurrency bounds provider goroutines per section. Zero means 8.
	MaxConcurrency int
}

// Pipeline renders section lists. It holds no per-turn state and is safe for
// concurrent use.
type Pipeline struct {
	logger         zerolog.Logger
	maxConcurrency int
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	return &Pipeline{logger: cfg.Logger, maxConcurrency: cfg.MaxConcurrency}
}

// Render renders sections at heading level 2 with a default pipeline.
func Render(ctx context.Context, sections []Section, data Data) (string, error) {
	return NewPipeline(PipelineConfig{Logger: zerolog.Nop()}).Assemble(ctx, sections, nil, data)
}

// Assemble renders base followed by toolSections. Tool sections are grouped
// under a "## Tools" heading and use level 3 headings themselves.
func (p *Pipeline) Assemble(ctx context.Context, base, toolSections []Section, data Data) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "tether.prompt", "prompt.assemble",
		attribute.Int("base_sections", len(base)),
		attribute.Int("tool_sections", len(toolSections)),
	)
	defer span.End()

	var blocks []string
	for _, s := range base {
		text, ok, err := p.renderSection(ctx, s, data, baseHeadingLevel)
		if err != nil {
			tracing.RecordError(span, err)
			return "", err
		}
		if ok {
			blocks = append(blocks, text)
		}
	}

	var toolBlocks []string
	for _, s := range toolSections {
		text, ok, err := p.renderSection(ctx, s, data, toolHeadingLevel)
		if err != nil {
			tracing.RecordError(span, err)
			return "", err
		}
		if ok {
			toolBlocks = append(toolBlocks, text)
		}
	}
	if len(toolBlocks) > 0 {
		blocks = append(blocks, heading(baseHeadingLevel, toolsGroupTitle))
		blocks = append(blocks, toolBlocks...)
	}

	return strings.Join(blocks, "\n\n"), nil
}

// renderSection returns ok=false when an optional section fails or renders
// empty.
func (p *Pipeline) renderSection(ctx context.Context, s Section, data Data, level int) (string, bool, error) {
	text, err := p.render(ctx, s, data)
	if err != nil && !s.Required && errors.Is(err, ErrNothingToRender) {
		return "", false, nil
	}
	if err != nil {
		observability.RecordPromptSectionFailure(s.Name, s.Required)
		if s.Required {
			return "", false, err
		}
		logger := tracing.LoggerFromContext(ctx, p.logger)
		logger.Warn().
			Err(err).
			Str("section", s.Name).
			Msg("Optional prompt section skipped")
		return "", false, nil
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", false, nil
	}
	if s.RenderHeader {
		text = heading(level, s.Name) + "\n\n" + text
	}
	return text, true, nil
}

func (p *Pipeline) render(ctx context.Context, s Section, data Data) (string, error) {
	vars := data.Clone()
	if len(s.Providers) > 0 {
		values, err := p.resolve(ctx, s, data.Clone())
		if err != nil {
			return "", err
		}
		for i, prov := range s.Providers {
			vars[prov.Name] = values[i]
		}
	}
	return substitute(s.Name, s.Template, vars)
}

// resolve runs the section's providers concurrently. Results are indexed by
// declaration order so the first failing provider in that order is reported.
func (p *Pipeline) resolve(ctx context.Context, s Section, data Data) ([]string, error) {
	values := make([]string, len(s.Providers))
	errs := make([]error, len(s.Providers))

	wp := pool.New().WithMaxGoroutines(p.maxConcurrency).WithContext(ctx)
	for i, prov := range s.Providers {
		i, prov := i, prov
		wp.Go(func(ctx context.Context) error {
			if prov.Resolve == nil {
				errs[i] = fmt.Errorf("provider %q has no resolver", prov.Name)
				return nil
			}
			v, err := prov.Resolve(ctx, data)
			values[i], errs[i] = v, err
			return nil
		})
	}
	_ = wp.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, &RenderError{
				Section: s.Name,
				Err:     fmt.Errorf("provider %q: %w", s.Providers[i].Name, err),
			}
		}
	}
	return values, nil
}

func heading(level int, title string) string {
	return strings.Repeat("#", level) + " " + title
}
