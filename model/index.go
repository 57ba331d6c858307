package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
)

// Component is a [library, class] entry from model_index.json.
type Component struct {
	Library string
	Class   string
}

// Index is the parsed model_index.json of a diffusers model directory.
type Index struct {
	ClassName  string
	Components map[string]Component
}

// ReadIndex parses dir/model_index.json. Entries that are not
// [library, class] pairs, such as requires_safety_checker, are skipped.
func ReadIndex(dir string) (*Index, error) {
	b, err := os.ReadFile(filepath.Join(dir, "model_index.json"))
	if err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("model_index.json: %w", err)
	}

	idx := Index{Components: make(map[string]Component)}
	for k, v := range raw {
		if k == "_class_name" {
			if err := json.Unmarshal(v, &idx.ClassName); err != nil {
				return nil, fmt.Errorf("model_index.json: _class_name: %w", err)
			}
			continue
		}

		if strings.HasPrefix(k, "_") {
			continue
		}

		var pair []*string
		if err := json.Unmarshal(v, &pair); err != nil || len(pair) != 2 || pair[1] == nil {
			continue
		}

		var c Component
		if pair[0] != nil {
			c.Library = *pair[0]
		}
		c.Class = *pair[1]
		idx.Components[k] = c
	}

	if idx.ClassName == "" {
		return nil, fmt.Errorf("model_index.json: missing _class_name")
	}
	return &idx, nil
}

// Class returns the class of a named component, or "" if absent.
func (idx *Index) Class(name string) string {
	return idx.Components[name].Class
}

// Names lists the components in sorted order.
func (idx *Index) Names() []string {
	names := maps.Keys(idx.Components)
	slices.Sort(names)
	return names
}

// ReadConfig decodes a component's config.json into v.
func ReadConfig(dir string, v any) error {
	b, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", filepath.Join(dir, "config.json"), err)
	}
	return nil
}
