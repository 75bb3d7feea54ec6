package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Configuration files may be YAML, JSON, or JSON5, selected by extension.
// A top-level $include key names one or more files to layer underneath the
// including file, so the including file's values win. Only the braced
// ${VAR} form expands from the environment; a bare $ stays literal, which
// keeps the $include key itself out of expansion's reach.

const includeDirective = "$include"

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// loader tracks the include chain so a file cannot include itself,
// directly or through intermediaries.
type loader struct {
	chain map[string]bool
}

// loadTree reads the file at path and all of its includes into one merged
// raw tree, ready for strict decoding into Config.
func loadTree(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	l := &loader{chain: make(map[string]bool)}
	return l.load(path)
}

func (l *loader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.chain[abs] {
		return nil, fmt.Errorf("%s: include cycle", abs)
	}
	l.chain[abs] = true
	defer delete(l.chain, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocument(expandEnvRefs(data), abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	tree := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		tree = overlay(tree, sub)
	}
	return overlay(tree, doc), nil
}

// expandEnvRefs substitutes ${VAR} references with their environment
// values. Unset variables expand to the empty string.
func expandEnvRefs(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(ref[2 : len(ref)-1])
		return []byte(os.Getenv(name))
	})
}

func parseDocument(data []byte, path string) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && err != io.EOF {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("expected a single document")
		}
	}
	return doc, nil
}

// takeIncludes removes the $include key from doc and returns its paths.
// The value may be a single path or a list of paths.
func takeIncludes(doc map[string]any) ([]string, error) {
	val, ok := doc[includeDirective]
	if !ok {
		return nil, nil
	}
	delete(doc, includeDirective)

	switch v := val.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []any:
		paths := make([]string, 0, len(v))
		for _, entry := range v {
			path, ok := entry.(string)
			if !ok || strings.TrimSpace(path) == "" {
				return nil, fmt.Errorf("$include entries must be non-empty strings")
			}
			paths = append(paths, path)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("$include must be a path or a list of paths")
	}
}

// overlay merges top onto base, descending into nested maps so an
// including file can override a single field without clobbering its
// sibling settings.
func overlay(base, top map[string]any) map[string]any {
	for key, val := range top {
		if sub, ok := val.(map[string]any); ok {
			if existing, ok := base[key].(map[string]any); ok {
				base[key] = overlay(existing, sub)
				continue
			}
		}
		base[key] = val
	}
	return base
}

// decodeConfig strictly decodes the merged tree; unknown fields are errors
// so typos surface at startup instead of silently doing nothing.
func decodeConfig(tree map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
