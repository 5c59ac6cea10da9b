package cascade

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Environment Tree
// =============================================================================

// Vars is one layer of environment variables. Scalar values of any YAML
// type are kept as their literal text; null values are dropped.
type Vars map[string]string

func (v *Vars) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("env: expected a mapping at line %d", node.Line)
	}
	out := make(Vars, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("env: value of %q must be a scalar (line %d)", key.Value, val.Line)
		}
		if val.Tag == "!!null" {
			continue
		}
		out[key.Value] = val.Value
	}
	*v = out
	return nil
}

// Env is the `env` section. The reserved keys default, mode and branch have
// fixed shapes; every other key names an event.
type Env struct {
	Default Vars
	Events  map[string]Vars
	Mode    map[string]Vars
	Branch  map[string]Vars
}

func (e *Env) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("env: expected a mapping at line %d", node.Line)
	}
	e.Events = map[string]Vars{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		var err error
		switch key {
		case "default":
			err = val.Decode(&e.Default)
		case "mode":
			err = val.Decode(&e.Mode)
		case "branch":
			err = val.Decode(&e.Branch)
		default:
			var vars Vars
			err = val.Decode(&vars)
			e.Events[key] = vars
		}
		if err != nil {
			return fmt.Errorf("env.%s: %w", key, err)
		}
	}
	return nil
}

// =============================================================================
// Scope Resolution
// =============================================================================

// Layer is one present scope of the environment cascade.
type Layer struct {
	Scope string
	Vars  Vars
}

type envScope struct {
	path      string
	vars      Vars
	needEvent bool
}

// EnvLayers returns the config layers that apply to t, lowest precedence
// first. Scopes qualified by an event are skipped when t has no event.
//
// Order: default, <event>, mode.default, mode.<m>, mode.<m>@<e>,
// branch.default, branch.<b>, branch.<b>@<e>, branch.<b>#<m>,
// branch.<b>#<m>@<e>, branch.<uri>, branch.<uri>^<b>, branch.<uri>^<b>@<e>,
// branch.<uri>^<b>#<m>, branch.<uri>^<b>#<m>@<e>.
func (c *Config) EnvLayers(t Target) []Layer {
	if c == nil {
		return nil
	}
	env := c.Env
	u, b, m, e := t.URI, t.Branch, t.Mode, t.Event
	ub := u + "^" + b

	scopes := []envScope{
		{"env.default", env.Default, false},
		{"env." + e, env.Events[e], true},
		{"env.mode.default", env.Mode["default"], false},
		{"env.mode." + m, env.Mode[m], false},
		{"env.mode." + m + "@" + e, env.Mode[m+"@"+e], true},
		{"env.branch.default", env.Branch["default"], false},
		{"env.branch." + b, env.Branch[b], false},
		{"env.branch." + b + "@" + e, env.Branch[b+"@"+e], true},
		{"env.branch." + b + "#" + m, env.Branch[b+"#"+m], false},
		{"env.branch." + b + "#" + m + "@" + e, env.Branch[b+"#"+m+"@"+e], true},
		{"env.branch." + u, env.Branch[u], false},
		{"env.branch." + ub, env.Branch[ub], false},
		{"env.branch." + ub + "@" + e, env.Branch[ub+"@"+e], true},
		{"env.branch." + ub + "#" + m, env.Branch[ub+"#"+m], false},
		{"env.branch." + ub + "#" + m + "@" + e, env.Branch[ub+"#"+m+"@"+e], true},
	}

	var layers []Layer
	for _, s := range scopes {
		if s.needEvent && e == "" {
			continue
		}
		if len(s.vars) == 0 {
			continue
		}
		layers = append(layers, Layer{Scope: s.path, Vars: s.vars})
	}
	return layers
}

// Merge overlays maps left to right; later maps win.
func Merge(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// Flatten renders an environment map as sorted KEY=VALUE pairs.
func Flatten(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
