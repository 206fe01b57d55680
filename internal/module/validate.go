package module

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Validate checks a call against the catalog. Every returned error describes a
// caller mistake.
func (c *Catalog) Validate(moduleName, action string, params json.RawMessage) error {
	if strings.TrimSpace(moduleName) == "" {
		return fmt.Errorf("module is required")
	}
	if strings.TrimSpace(action) == "" {
		return fmt.Errorf("action is required")
	}

	mod, ok := c.Get(moduleName)
	if !ok {
		return fmt.Errorf("unknown module %q", moduleName)
	}
	act, ok := mod.Action(action)
	if !ok {
		return fmt.Errorf("module %q has no action %q (available: %s)", moduleName, action, strings.Join(mod.ActionNames(), ", "))
	}

	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 {
		return fmt.Errorf("params are required")
	}
	var values map[string]json.RawMessage
	if trimmed[0] != '{' || json.Unmarshal(trimmed, &values) != nil {
		return fmt.Errorf("params must be a JSON object")
	}

	var missing []string
	for _, req := range act.Required {
		if _, ok := values[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required params: %s", strings.Join(missing, ", "))
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		typ, declared := act.props[k]
		if !declared {
			continue
		}
		if !matchesType(typ, values[k]) {
			return fmt.Errorf("param %q must be of type %s", k, typ)
		}
	}
	return nil
}

func matchesType(typ string, raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch typ {
	case TypeAny:
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		_, ok := v.(float64)
		return ok
	case TypeInteger:
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	}
	return false
}
