package registry

import (
	"fmt"
	"strings"

	"github.com/blang/semver"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the name of the manifest at the root of a template set.
const ManifestFile = "manifest.yaml"

// Manifest describes a template set.
type Manifest struct {
	Version   string          `yaml:"version" json:"version"`
	Templates []TemplateEntry `yaml:"templates" json:"templates"`
}

// TemplateEntry declares one (language, component) template.
type TemplateEntry struct {
	Language    string            `yaml:"language" json:"language"`
	Component   string            `yaml:"component" json:"component"`
	File        string            `yaml:"file" json:"file"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Requires    []string          `yaml:"requires,omitempty" json:"requires,omitempty"`
	Defaults    map[string]string `yaml:"defaults,omitempty" json:"defaults,omitempty"`
}

// manifestSchema is the JSON Schema every manifest must satisfy.
const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "templates"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "templates": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["language", "component", "file"],
        "additionalProperties": false,
        "properties": {
          "language": {"type": "string", "pattern": "^[a-z][a-z0-9_-]*$"},
          "component": {"type": "string", "pattern": "^[a-z][a-z0-9_-]*$"},
          "file": {"type": "string", "pattern": "\\.tmpl$"},
          "description": {"type": "string"},
          "requires": {
            "type": "array",
            "items": {"type": "string", "enum": ["method", "url", "headers", "query", "body", "auth"]}
          },
          "defaults": {
            "type": "object",
            "additionalProperties": {"type": "string"}
          }
        }
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(manifestSchema)

// ParseManifest decodes and validates a manifest. The version must be semver.
func ParseManifest(data []byte) (*Manifest, semver.Version, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, semver.Version{}, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if doc == nil {
		return nil, semver.Version{}, fmt.Errorf("manifest is empty")
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, semver.Version{}, fmt.Errorf("failed to validate manifest: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, semver.Version{}, fmt.Errorf("invalid manifest: %s", strings.Join(msgs, "; "))
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, semver.Version{}, fmt.Errorf("failed to decode manifest: %w", err)
	}
	version, err := semver.ParseTolerant(m.Version)
	if err != nil {
		return nil, semver.Version{}, fmt.Errorf("invalid manifest version %q: %w", m.Version, err)
	}

	seen := make(map[string]bool, len(m.Templates))
	for _, t := range m.Templates {
		k := t.Language + "/" + t.Component
		if seen[k] {
			return nil, semver.Version{}, fmt.Errorf("duplicate template %s", k)
		}
		seen[k] = true
	}
	return &m, version, nil
}
