// Package model is the boundary to language models: a request (system prompt,
// history, tool schemas) goes in and a stream of chunks comes out.
//
// Invariants:
// - A Stream yields chunks in model order and ends with a ChunkDone chunk
//   followed by io.EOF.
// - Tool calls are only surfaced once their arguments are complete.
// - Capabilities are safe for concurrent use; Streams are not.
//
// Usage:
//
//	router, _ := model.NewRouter(model.RouterConfig{Profiles: profiles})
//	handle, _ := router.New("claude-sonnet-4-5")
//	stream, _ := handle.Stream(ctx, model.Request{System: prompt, Messages: msgs})
//	defer stream.Close()
//	for {
//		chunk, err := stream.Next(ctx)
//		if errors.Is(err, io.EOF) {
//			break
//		}
//		...
//	}
package model
