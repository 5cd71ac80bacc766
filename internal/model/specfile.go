package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// SpecFormat is the encoding of an application spec file.
type SpecFormat string

const (
	FormatYAML SpecFormat = "yaml"
	FormatTOML SpecFormat = "toml"
	FormatJSON SpecFormat = "json"
)

// FormatFromPath infers the spec format from a file extension.
func FormatFromPath(path string) (SpecFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("model: unsupported application spec extension %q", filepath.Ext(path))
}

// LoadApplicationSpec reads and validates an application spec file.
func LoadApplicationSpec(path string) (*ApplicationSpec, []string, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("model: read application spec: %w", err)
	}
	spec, err := DecodeApplicationSpec(data, format)
	if err != nil {
		return nil, nil, fmt.Errorf("model: %s: %w", path, err)
	}
	warnings, err := spec.Validate()
	if err != nil {
		return nil, nil, err
	}
	return spec, warnings, nil
}

// DecodeApplicationSpec decodes YAML, TOML or JSON into an ApplicationSpec.
// YAML and TOML documents are normalised to JSON first so that a single set
// of decoding rules applies to every format.
func DecodeApplicationSpec(data []byte, format SpecFormat) (*ApplicationSpec, error) {
	var raw []byte
	switch format {
	case FormatJSON:
		raw = data
	case FormatYAML:
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("normalise yaml: %w", err)
		}
		raw = b
	case FormatTOML:
		doc := map[string]any{}
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("normalise toml: %w", err)
		}
		raw = b
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}

	var spec ApplicationSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decode application spec: %w", err)
	}
	return &spec, nil
}
