// Package catalog loads agent definitions from a directory tree and serves
// them to sessions from an immutable, atomically swapped index.
//
// Invariants:
// - Readers never block and never observe a partially built index.
// - Generations strictly increase in swap order; the generation changes iff
//   the index pointer changes.
// - A failed reload keeps the previous index live.
// - Definitions handed out are never mutated; a reload produces new values.
//
// Usage:
//
//	cat, _ := catalog.New(ctx, catalog.Config{Root: "agents"})
//	def, err := cat.Get("weather")
//	prev, _ := cat.Invalidate(ctx)
package catalog
