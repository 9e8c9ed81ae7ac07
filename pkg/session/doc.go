// Package session runs conversations: one Runtime per session, created and
// tracked by a Manager.
//
// Invariants:
// - At most one turn is in flight per session; other messages are rejected
//   with ErrTurnInProgress, except commands marked AllowDuringTurn.
// - A turn's messages join the history only when the turn completes. A
//   cancelled or failed turn leaves the history untouched.
// - Fork copies committed history; the copies share no mutable state.
// - Rewind, ReloadAgent and SwitchAgent require that no turn is in flight.
//
// Usage:
//
//	mgr, _ := session.NewManager(session.Config{Catalog: cat, Registry: reg, Runtimes: rc, Sink: hub})
//	rt, _ := mgr.Create(ctx, "user-1", "default")
//	_ = rt.HandleMessage(ctx, "weather in Columbus")
package session
