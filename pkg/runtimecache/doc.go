// Package runtimecache keeps the per-user runtime resources shared by all of
// a user's sessions: tool instances, cached tool results and model handles.
//
// Invariants:
// - At most one instance per (user, tool) and one handle per (user, model id).
// - Instances and handles are created lazily and live until Reset.
// - Entries are never shared between users.
package runtimecache
