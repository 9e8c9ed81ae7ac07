package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/tether/pkg/tools"
)

// ClockName is the registered name of the clock tool.
const ClockName = "clock"

type clockArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone such as Europe/Oslo. Defaults to UTC"`
	Format   string `json:"format,omitempty" jsonschema:"description=Go time layout. Defaults to RFC3339"`
}

// ClockTool reports the current time.
func ClockTool() tools.Descriptor {
	return tools.Descriptor{
		Name:        ClockName,
		Description: "Return the current date and time, optionally in a given timezone.",
		Parameters:  tools.SchemaFor[clockArgs](),
		Timeout:     2 * time.Second,
		Factory: func(opts tools.Options) (tools.Instance, error) {
			return &clock{now: opts.Clock()}, nil
		},
	}
}

type clock struct {
	now func() time.Time
}

func (c *clock) Invoke(_ context.Context, args map[string]any) (tools.Result, error) {
	loc := time.UTC
	if tz := stringArg(args, "timezone"); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return tools.Failure(fmt.Sprintf("unknown timezone %q", tz)), nil
		}
		loc = l
	}
	layout := time.RFC3339
	if f := stringArg(args, "format"); f != "" {
		layout = f
	}
	return tools.Text(c.now().In(loc).Format(layout)), nil
}
