package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// LoadFile reads collection definitions from a YAML, TOML or JSON file. The
// file holds either a single collection or a top-level "collections" list.
func LoadFile(path string) ([]*Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		_, err = toml.Decode(string(data), &raw)
	case ".json":
		err = json.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("%s: unsupported definition format", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	entities, err := decodeEntities(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return entities, nil
}

// LoadDir reads every definition file in dir, in name order.
func LoadDir(dir string) ([]*Entity, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".toml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var all []*Entity
	for _, name := range names {
		entities, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		all = append(all, entities...)
	}
	return all, nil
}

// LoadPath loads a single file or a directory of files.
func LoadPath(path string) ([]*Entity, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat definitions: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return LoadFile(path)
}

// decodeEntities re-encodes the generic document as JSON so every format
// shares the struct json tags.
func decodeEntities(raw map[string]any) ([]*Entity, error) {
	var docs []any
	if list, ok := raw["collections"]; ok {
		items, ok := list.([]any)
		if !ok {
			// TOML array tables decode as []map[string]any
			if maps, isMaps := list.([]map[string]any); isMaps {
				for _, m := range maps {
					items = append(items, m)
				}
			} else {
				return nil, fmt.Errorf("collections must be a list")
			}
		}
		docs = items
	} else {
		docs = []any{raw}
	}

	entities := make([]*Entity, 0, len(docs))
	for _, doc := range docs {
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		var e Entity
		if err := json.Unmarshal(b, &e); err != nil {
			return nil, err
		}
		entities = append(entities, &e)
	}
	return entities, nil
}
