// Package tools holds the tool registry and the executor that invokes tool
// instances on behalf of a turn.
//
// Invariants:
// - The registry is append-only; re-registering a name replaces it.
// - Arguments are schema-validated before an instance sees them.
// - Execute never returns an error: every failure becomes a Result with IsError set.
//
// Usage:
//
//	reg := tools.NewRegistry(logger)
//	_ = reg.Register(tools.Descriptor{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  tools.SchemaFor[EchoArgs](),
//		Factory: func(tools.Options) (tools.Instance, error) {
//			return tools.InstanceFunc(func(ctx context.Context, args map[string]any) (tools.Result, error) {
//				return tools.Text(fmt.Sprint(args["text"])), nil
//			}), nil
//		},
//	})
package tools
