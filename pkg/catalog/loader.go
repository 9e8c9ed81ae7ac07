package catalog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/harun/tether/internal/tracing"
)

// MaxFileSize bounds a single definition file.
const MaxFileSize = 1 << 20

// IsDefinitionFile reports whether path has a definition file extension.
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// isHidden reports whether any element of rel starts with a dot.
func isHidden(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if len(part) > 1 && part[0] == '.' {
			return true
		}
	}
	return false
}

// Load walks root and builds an index. Files that fail to parse or validate
// become diagnostics; only an inaccessible root is an error. The returned
// index has generation 0 until a Catalog publishes it.
func Load(ctx context.Context, root string) (*Index, error) {
	ctx, span := tracing.StartSpan(ctx, "tether.catalog", "catalog.load", attribute.String("root", root))
	defer span.End()

	start := time.Now()

	info, err := os.Stat(root)
	if err != nil {
		err = &ConfigError{Path: root, Reason: fmt.Sprintf("catalog root not accessible: %v", err)}
		tracing.RecordError(span, err)
		return nil, err
	}
	if !info.IsDir() {
		err = &ConfigError{Path: root, Reason: "catalog root is not a directory"}
		tracing.RecordError(span, err)
		return nil, err
	}

	idx := newIndex(root)
	origin := map[string]string{}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		rel, _ := filepath.Rel(root, path)
		if err != nil {
			if path == root {
				return err
			}
			idx.Diagnostics = append(idx.Diagnostics, Diagnostic{Path: rel, Message: err.Error()})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		if isHidden(rel) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !IsDefinitionFile(path) {
			return nil
		}

		def, err := parseFile(path)
		if err != nil {
			idx.Diagnostics = append(idx.Diagnostics, Diagnostic{Path: rel, Message: err.Error()})
			return nil
		}
		if first, dup := origin[def.ID]; dup {
			idx.Diagnostics = append(idx.Diagnostics, Diagnostic{
				Path:    rel,
				Message: fmt.Sprintf("duplicate agent id %q (already defined in %s)", def.ID, first),
			})
			return nil
		}
		origin[def.ID] = rel
		idx.add(def)
		return nil
	})
	if walkErr != nil {
		tracing.RecordError(span, walkErr)
		return nil, fmt.Errorf("walk catalog root %s: %w", root, walkErr)
	}

	idx.seal()
	idx.LoadedAt = time.Now()
	idx.LoadDuration = time.Since(start)
	span.SetAttributes(
		attribute.Int("entries", idx.Len()),
		attribute.Int("diagnostics", len(idx.Diagnostics)),
	)
	return idx, nil
}

// ParseFile reads and validates a single definition file.
func ParseFile(path string) (*AgentDefinition, error) {
	return parseFile(path)
}

func parseFile(path string) (*AgentDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Reason: err.Error()}
	}
	if info.Size() > MaxFileSize {
		return nil, &ConfigError{Path: path, Reason: fmt.Sprintf("file size %d exceeds maximum %d", info.Size(), MaxFileSize)}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Reason: err.Error()}
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, &ConfigError{Path: path, Reason: "empty definition"}
	}

	doc := map[string]any{}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(content, &doc)
	} else {
		err = yaml.Unmarshal(content, &doc)
	}
	if err != nil {
		return nil, &ConfigError{Path: path, Reason: fmt.Sprintf("parse: %v", err)}
	}

	data, version, err := normalise(doc)
	if err != nil {
		return nil, &ConfigError{Path: path, Reason: err.Error()}
	}
	if err := validateDocument(data, version); err != nil {
		return nil, &ConfigError{Path: path, Reason: err.Error()}
	}

	def := &AgentDefinition{}
	if err := json.Unmarshal(data, def); err != nil {
		return nil, &ConfigError{Path: path, Reason: fmt.Sprintf("decode: %v", err)}
	}
	if def.Tools == nil {
		def.Tools = []string{}
	}
	def.SourcePath = path
	sum := sha256.Sum256(content)
	def.Hash = hex.EncodeToString(sum[:])
	return def, nil
}
