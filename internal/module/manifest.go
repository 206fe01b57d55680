// Package module discovers action modules and validates calls against their manifests.
package module

import (
	"fmt"
	"sort"
	"strings"
)

// Property types a manifest may declare for an action input.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
	TypeAny     = "any"
)

var knownTypes = map[string]bool{
	TypeString: true, TypeNumber: true, TypeInteger: true,
	TypeBoolean: true, TypeObject: true, TypeArray: true, TypeAny: true,
}

// Action declares one operation a module can perform.
//
// Input is a compact property:type map. A property may also be written as
// {type: number, description: ...}.
type Action struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Input       map[string]any `yaml:"input,omitempty" json:"-"`
	Required    []string       `yaml:"required,omitempty" json:"required,omitempty"`

	props map[string]string
}

// Properties returns the normalized property:type map.
func (a Action) Properties() map[string]string {
	out := make(map[string]string, len(a.props))
	for k, v := range a.props {
		out[k] = v
	}
	return out
}

func (a *Action) normalize() error {
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		return fmt.Errorf("action name is required")
	}
	a.props = make(map[string]string, len(a.Input))
	for prop, raw := range a.Input {
		var typ string
		switch v := raw.(type) {
		case string:
			typ = v
		case map[string]any:
			s, _ := v["type"].(string)
			typ = s
		}
		typ = strings.TrimSpace(typ)
		if !knownTypes[typ] {
			return fmt.Errorf("action %q: property %q has invalid type %v", a.Name, prop, raw)
		}
		a.props[prop] = typ
	}
	for _, req := range a.Required {
		if _, ok := a.props[req]; !ok {
			// Required without a declared type accepts anything.
			a.props[req] = TypeAny
		}
	}
	return nil
}

// Manifest is the content of a module's manifest.yaml.
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Entrypoint  string   `yaml:"entrypoint"`
	Description string   `yaml:"description,omitempty"`
	Actions     []Action `yaml:"actions"`
}

// Module is a discovered and trusted module.
type Module struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Path        string   `json:"path"`
	Entrypoint  string   `json:"entrypoint"`
	Actions     []Action `json:"actions"`
}

// Action returns the named action.
func (m *Module) Action(name string) (*Action, bool) {
	for i := range m.Actions {
		if m.Actions[i].Name == name {
			return &m.Actions[i], true
		}
	}
	return nil, false
}

// ActionNames lists the module's actions sorted by name.
func (m *Module) ActionNames() []string {
	out := make([]string, 0, len(m.Actions))
	for _, a := range m.Actions {
		out = append(out, a.Name)
	}
	sort.Strings(out)
	return out
}

func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	if len(m.Actions) == 0 {
		return fmt.Errorf("at least one action must be declared")
	}
	seen := make(map[string]bool, len(m.Actions))
	for i := range m.Actions {
		if err := m.Actions[i].normalize(); err != nil {
			return err
		}
		if seen[m.Actions[i].Name] {
			return fmt.Errorf("action %q declared twice", m.Actions[i].Name)
		}
		seen[m.Actions[i].Name] = true
	}
	return nil
}
