package catalog

import (
	"sort"
	"time"
)

// AgentDefinition is one agent loaded from a definition file.
type AgentDefinition struct {
	ID      string         `json:"id"`
	Name    string         `json:"name,omitempty"`
	Version string         `json:"version"`
	Model   string         `json:"model"`
	Persona string         `json:"persona"`
	Tools   []string       `json:"tools"`
	Params  map[string]any `json:"params,omitempty"`
	Tags    []string       `json:"tags,omitempty"`

	SourcePath string `json:"source_path"`
	Hash       string `json:"hash"`
}

// DisplayName falls back to the id when no name is set.
func (d *AgentDefinition) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// HasTag reports whether the definition carries tag.
func (d *AgentDefinition) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Diagnostic records a definition file that was skipped.
type Diagnostic struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Index is one immutable catalog snapshot.
type Index struct {
	Root         string
	Generation   uint64
	LoadedAt     time.Time
	LoadDuration time.Duration
	Diagnostics  []Diagnostic

	entries map[string]*AgentDefinition
	ids     []string
}

func newIndex(root string) *Index {
	return &Index{Root: root, entries: map[string]*AgentDefinition{}}
}

func (idx *Index) add(def *AgentDefinition) {
	idx.entries[def.ID] = def
	idx.ids = append(idx.ids, def.ID)
}

func (idx *Index) seal() {
	sort.Strings(idx.ids)
}

// Lookup returns the definition with id.
func (idx *Index) Lookup(id string) (*AgentDefinition, bool) {
	def, ok := idx.entries[id]
	return def, ok
}

// Len is the number of definitions.
func (idx *Index) Len() int { return len(idx.entries) }

// IDs returns definition ids in sorted order.
func (idx *Index) IDs() []string {
	return append([]string(nil), idx.ids...)
}

// Definitions returns every definition sorted by id.
func (idx *Index) Definitions() []*AgentDefinition {
	out := make([]*AgentDefinition, 0, len(idx.ids))
	for _, id := range idx.ids {
		out = append(out, idx.entries[id])
	}
	return out
}

// Stats summarises the live catalog.
type Stats struct {
	EntryCount       int           `json:"entry_count"`
	Generation       uint64        `json:"generation"`
	LastLoadDuration time.Duration `json:"last_load_duration"`
	LastLoadedAt     time.Time     `json:"last_loaded_at"`
	LastError        string        `json:"last_error,omitempty"`
	Diagnostics      []Diagnostic  `json:"diagnostics,omitempty"`
}
