package builtin

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/tether/pkg/prompt"
	"github.com/harun/tether/pkg/tools"
)

// NotesName is the registered name of the notes tool.
const NotesName = "notes"

const maxNotes = 100

type notesArgs struct {
	Action string `json:"action" jsonschema:"enum=add,enum=list,enum=clear,description=Operation to perform"`
	Text   string `json:"text,omitempty" jsonschema:"description=Note text for add"`
}

// NotesTool keeps a per-user scratchpad. The instance lives in the user's
// runtime cache, so notes survive across turns and sessions until the cache
// is reset.
func NotesTool() tools.Descriptor {
	return tools.Descriptor{
		Name:        NotesName,
		Description: "Add, list or clear short notes that persist for this user.",
		Parameters:  tools.SchemaFor[notesArgs](),
		Factory: func(opts tools.Options) (tools.Instance, error) {
			return &notes{userID: opts.UserID}, nil
		},
	}
}

type notes struct {
	userID string

	mu     sync.Mutex
	items  []string
	closed bool
}

func (n *notes) Invoke(_ context.Context, args map[string]any) (tools.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return tools.Result{}, fmt.Errorf("notes for %s are closed", n.userID)
	}

	switch stringArg(args, "action") {
	case "add":
		text := strings.TrimSpace(stringArg(args, "text"))
		if text == "" {
			return tools.Failure("text is required for add"), nil
		}
		if len(n.items) >= maxNotes {
			return tools.Failure(fmt.Sprintf("note limit of %d reached", maxNotes)), nil
		}
		n.items = append(n.items, text)
		return tools.Text(fmt.Sprintf("saved note %d", len(n.items))), nil
	case "list":
		if len(n.items) == 0 {
			return tools.Text("no notes"), nil
		}
		return tools.Text(n.render()), nil
	case "clear":
		count := len(n.items)
		n.items = nil
		return tools.Text(fmt.Sprintf("cleared %d notes", count)), nil
	default:
		return tools.Failure("unknown action"), nil
	}
}

func (n *notes) render() string {
	var b strings.Builder
	for i, item := range n.items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, item)
	}
	return b.String()
}

// PromptSections shows saved notes to the model while the tool is equipped.
func (n *notes) PromptSections(context.Context) []prompt.Section {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.items) == 0 {
		return nil
	}
	saved := n.render()
	return []prompt.Section{{
		Name:         NotesName,
		Template:     "Saved notes:\n${saved_notes}",
		RenderHeader: true,
		Providers: []prompt.Provider{{
			Name:    "saved_notes",
			Resolve: func(context.Context, prompt.Data) (string, error) { return saved, nil },
		}},
	}}
}

// Close drops the notes.
func (n *notes) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = nil
	n.closed = true
	return nil
}
