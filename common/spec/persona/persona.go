// Package persona defines the on-disk persona document: the immutable,
// designer-authored definition of a companion character.
//
// Documents are YAML. They are validated against an embedded JSON Schema
// before decoding so authoring mistakes surface with a precise location.
package persona

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// SpecVersion is the only apiVersion accepted by Parse.
const SpecVersion = "kokoro/v1"

// Document is a persona definition as authored on disk.
type Document struct {
	APIVersion  string   `yaml:"apiVersion" json:"apiVersion"`
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Background  string   `yaml:"background" json:"background"`
	Traits      []string `yaml:"traits,omitempty" json:"traits,omitempty"`
	Greeting    string   `yaml:"greeting,omitempty" json:"greeting,omitempty"`
	DefaultMood string   `yaml:"defaultMood,omitempty" json:"defaultMood,omitempty"`
	Moods       []Mood   `yaml:"moods,omitempty" json:"moods,omitempty"`
}

// Mood is a selectable response register for the persona.
type Mood struct {
	Name          string `yaml:"name" json:"name"`
	ResponseStyle string `yaml:"responseStyle" json:"responseStyle"`
	Description   string `yaml:"description,omitempty" json:"description,omitempty"`
}

const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["apiVersion", "id", "name", "background"],
  "additionalProperties": false,
  "properties": {
    "apiVersion": {"const": "kokoro/v1"},
    "id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]{0,63}$"},
    "name": {"type": "string", "minLength": 1},
    "background": {"type": "string", "minLength": 1},
    "traits": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "greeting": {"type": "string"},
    "defaultMood": {"type": "string"},
    "moods": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "responseStyle"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "responseStyle": {"type": "string", "minLength": 1},
          "description": {"type": "string"}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("persona.schema.json", documentSchema)
	})
	return schema, schemaErr
}

// Parse decodes a YAML persona document, validates it against the schema and
// checks cross-field rules.
func Parse(data []byte) (*Document, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("persona parse: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("persona parse: empty document")
	}

	// Round-trip through JSON so the validator sees plain JSON values.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("persona parse: %w", err)
	}
	var generic any
	if err := json.Unmarshal(asJSON, &generic); err != nil {
		return nil, fmt.Errorf("persona parse: %w", err)
	}

	sch, err := compiled()
	if err != nil {
		return nil, fmt.Errorf("persona schema: %w", err)
	}
	if err := sch.Validate(generic); err != nil {
		return nil, fmt.Errorf("persona validate: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(asJSON, &doc); err != nil {
		return nil, fmt.Errorf("persona decode: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks rules the schema cannot express.
func (d *Document) Validate() error {
	if d == nil {
		return fmt.Errorf("persona must not be nil")
	}
	if d.APIVersion != SpecVersion {
		return fmt.Errorf("apiVersion must be %q, got %q", SpecVersion, d.APIVersion)
	}
	seen := make(map[string]struct{}, len(d.Moods))
	for i, m := range d.Moods {
		key := strings.ToLower(m.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("moods[%d]: duplicate mood %q", i, m.Name)
		}
		seen[key] = struct{}{}
	}
	if d.DefaultMood != "" {
		if _, ok := seen[strings.ToLower(d.DefaultMood)]; !ok {
			return fmt.Errorf("defaultMood %q is not declared in moods", d.DefaultMood)
		}
	}
	return nil
}
