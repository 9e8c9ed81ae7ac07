package catalog

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// CurrentVersion is validated strictly; other versions must satisfy the
// structural superset of it.
const CurrentVersion = "1"

const definitionProperties = `{
	"id":      {"type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9][A-Za-z0-9_.-]*$"},
	"name":    {"type": "string"},
	"version": {"type": "string", "minLength": 1},
	"model":   {"type": "string", "minLength": 1},
	"persona": {"type": "string"},
	"tools":   {"type": "array", "items": {"type": "string", "minLength": 1}},
	"params":  {"type": "object"},
	"tags":    {"type": "array", "items": {"type": "string"}}
}`

const definitionRequired = `["id", "model", "persona", "tools", "version"]`

var (
	strictSchema   = mustSchema(false)
	supersetSchema = mustSchema(true)
)

func mustSchema(additional bool) *gojsonschema.Schema {
	src := fmt.Sprintf(`{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": %s,
		"properties": %s,
		"additionalProperties": %t
	}`, definitionRequired, definitionProperties, additional)

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("catalog: invalid definition schema: %v", err))
	}
	return schema
}

// validateDocument checks a decoded definition against the schema for its
// version. doc must be JSON-encoded already.
func validateDocument(doc []byte, version string) error {
	schema := supersetSchema
	if version == CurrentVersion {
		schema = strictSchema
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid definition (version %q): %s", version, strings.Join(msgs, "; "))
}

// normalise converts a YAML- or JSON-decoded document into JSON bytes. A
// numeric version is accepted and rendered as a string.
func normalise(doc map[string]any) ([]byte, string, error) {
	var version string
	switch v := doc["version"].(type) {
	case string:
		version = v
	case int:
		version = fmt.Sprint(v)
		doc["version"] = version
	case float64:
		version = fmt.Sprint(v)
		doc["version"] = version
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("re-encode definition: %w", err)
	}
	return data, version, nil
}
