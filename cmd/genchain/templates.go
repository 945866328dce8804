package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/rendis/genchain/pkg/schema"
)

// templateFile holds either one template at the top level or a list under
// "templates".
type templateFile struct {
	Templates []*schema.WorkflowTemplate `json:"templates"`
}

// parseTemplates decodes a YAML, TOML or JSON template file. YAML and TOML
// are normalized through JSON so the field names match the API.
func parseTemplates(data []byte, ext string) ([]*schema.WorkflowTemplate, error) {
	var raw map[string]any
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported template format %q", ext)
	}

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if _, ok := raw["templates"]; ok {
		var file templateFile
		if err := json.Unmarshal(normalized, &file); err != nil {
			return nil, fmt.Errorf("decode templates: %w", err)
		}
		return file.Templates, nil
	}
	var tpl schema.WorkflowTemplate
	if err := json.Unmarshal(normalized, &tpl); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	return []*schema.WorkflowTemplate{&tpl}, nil
}

func readTemplates(path string) ([]*schema.WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tpls, err := parseTemplates(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tpls, nil
}
