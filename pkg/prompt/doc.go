// Package prompt assembles the system prompt for a turn from an ordered list
// of sections.
//
// Invariants:
// - Sections render strictly in list order; base sections before tool sections.
// - Provider values are resolved concurrently and merged in declaration order.
// - Identical inputs render byte-identical output.
// - A failing required section aborts assembly; a failing optional one is omitted.
//
// Usage:
//
//	p := prompt.NewPipeline(prompt.PipelineConfig{Logger: logger})
//	text, err := p.Assemble(ctx, []prompt.Section{prompt.PersonaSection()}, nil, prompt.Data{"persona": def.Persona})
package prompt
