package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const redactedValue = "<redacted>"

// Redacted returns a copy of c with bearer credentials masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.API.Auth.APIKey != "" {
		out.API.Auth.APIKey = redactedValue
	}
	out.API.Auth.Tokens = make([]APIToken, len(c.API.Auth.Tokens))
	for i, t := range c.API.Auth.Tokens {
		out.API.Auth.Tokens[i] = APIToken{Token: redactedValue, Scopes: append([]string(nil), t.Scopes...)}
	}
	return &out
}

// GetPath looks up a dot-path such as "agent.retention" or
// "api.auth.tokens.0.scopes" in the redacted config. An empty path returns
// the whole tree.
func (c *Config) GetPath(path string) (any, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return walk(tree, path)
}

func walk(tree map[string]any, path string) (any, error) {
	var current any = tree
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		switch node := current.(type) {
		case map[string]any:
			val, ok := node[part]
			if !ok {
				return nil, fmt.Errorf("path %q: key %q not found", path, part)
			}
			current = val
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("path %q: index %q out of range (len %d)", path, part, len(node))
			}
			current = node[i]
		default:
			return nil, fmt.Errorf("path %q breaks at %q: %T has no children", path, part, current)
		}
	}
	return current, nil
}
