// Package cascade models the per-branch config file checked into a
// repository and resolves values from it by scope precedence.
//
// Everything here is pure: the file is parsed from bytes and lookups take a
// Target describing the deployment. Loading the file and caching the result
// belong to the caller.
package cascade

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Defaults
// =============================================================================

const (
	DefaultScript      = "./bin/www"
	DefaultHooksDir    = "hooks"
	DefaultLogFile     = "out.log"
	DefaultMaxRestarts = 3

	DefaultRestartDelay = 10 * time.Second
	DefaultMinUptime    = 20 * time.Second
)

// ErrInvalidConfig wraps every parse failure of a branch config file.
var ErrInvalidConfig = errors.New("invalid branch config")

// =============================================================================
// Config Tree
// =============================================================================

// Config is the parsed branch config. JSON files parse as well since JSON is
// a subset of YAML.
type Config struct {
	PreferPort PreferPort `yaml:"preferPort"`
	Env        Env        `yaml:"env"`
	Process    Process    `yaml:"pm2"`
	HooksDir   string     `yaml:"hooksDir"`
	Main       string     `yaml:"main"`
}

// Parse decodes a branch config document. An empty document is an empty
// config.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Hooks returns the hooks directory relative to the checkout.
func (c *Config) Hooks() string {
	if c == nil || c.HooksDir == "" {
		return DefaultHooksDir
	}
	return c.HooksDir
}

// Target identifies the deployment a lookup is made for. Mode is the mode
// name as stored on the context ("release", "stage", "test").
type Target struct {
	URI    string
	Branch string
	Mode   string
	Event  string
}

// =============================================================================
// Preferred Port
// =============================================================================

// PreferPort is either a bare port number or a table keyed by branch and
// mode scopes.
type PreferPort struct {
	Default *int
	Branch  map[string]int
	Mode    map[string]int
}

// UnmarshalYAML accepts both `preferPort: 4000` and
// `preferPort: {branch: {...}, mode: {...}}`.
func (p *PreferPort) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil
		}
		var port int
		if err := node.Decode(&port); err != nil {
			return fmt.Errorf("preferPort: %w", err)
		}
		p.Default = &port
		return nil
	case yaml.MappingNode:
		var raw struct {
			Branch map[string]int `yaml:"branch"`
			Mode   map[string]int `yaml:"mode"`
		}
		if err := node.Decode(&raw); err != nil {
			return fmt.Errorf("preferPort: %w", err)
		}
		p.Branch = raw.Branch
		p.Mode = raw.Mode
		return nil
	default:
		return fmt.Errorf("preferPort: unsupported value at line %d", node.Line)
	}
}

type portScope struct {
	path  string
	table map[string]int
	key   string
}

// PreferredPort returns the first port present in precedence order together
// with the scope it came from:
//
//	branch[uri^branch#mode], branch[uri^branch], branch[branch#mode],
//	branch[branch], branch[uri], branch[default], mode[mode], preferPort
//
// Availability is not checked here.
func (c *Config) PreferredPort(t Target) (int, string, bool) {
	if c == nil {
		return 0, "", false
	}
	p := c.PreferPort
	u, b, m := t.URI, t.Branch, t.Mode

	scopes := []portScope{
		{"preferPort.branch", p.Branch, u + "^" + b + "#" + m},
		{"preferPort.branch", p.Branch, u + "^" + b},
		{"preferPort.branch", p.Branch, b + "#" + m},
		{"preferPort.branch", p.Branch, b},
		{"preferPort.branch", p.Branch, u},
		{"preferPort.branch", p.Branch, "default"},
		{"preferPort.mode", p.Mode, m},
	}
	for _, s := range scopes {
		if port, ok := s.table[s.key]; ok {
			return port, s.path + "[" + s.key + "]", true
		}
	}
	if p.Default != nil {
		return *p.Default, "preferPort", true
	}
	return 0, "", false
}

// =============================================================================
// Process Settings
// =============================================================================

// Process carries the process manager settings under the `pm2` key.
type Process struct {
	Script       string   `yaml:"script"`
	Args         Args     `yaml:"args"`
	Instances    int      `yaml:"instances"`
	ExecMode     string   `yaml:"exec_mode"`
	RestartDelay Duration `yaml:"restart_delay"`
	MinUptime    Duration `yaml:"min_uptime"`
	MaxRestarts  *int     `yaml:"max_restarts"`
	OutFile      string   `yaml:"out_file"`
	ErrorFile    string   `yaml:"error_file"`
	Image        string   `yaml:"image"`
}

// WithDefaults fills every unset field with the process manager defaults.
// Log files are relative to the checkout unless absolute.
func (p Process) WithDefaults() Process {
	if p.Script == "" {
		p.Script = DefaultScript
	}
	if p.RestartDelay == 0 {
		p.RestartDelay = Duration(DefaultRestartDelay)
	}
	if p.MinUptime == 0 {
		p.MinUptime = Duration(DefaultMinUptime)
	}
	if p.MaxRestarts == nil {
		n := DefaultMaxRestarts
		p.MaxRestarts = &n
	}
	if p.OutFile == "" {
		p.OutFile = DefaultLogFile
	}
	if p.ErrorFile == "" {
		p.ErrorFile = p.OutFile
	}
	return p
}

// Args is a list of script arguments. A single string is split on
// whitespace.
type Args []string

func (a *Args) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*a = strings.Fields(node.Value)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return fmt.Errorf("args: %w", err)
		}
		*a = list
		return nil
	default:
		return fmt.Errorf("args: unsupported value at line %d", node.Line)
	}
}

// Duration accepts a bare number of milliseconds or a Go duration string
// such as "20s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration: unsupported value at line %d", node.Line)
	}
	if ms, err := strconv.ParseInt(node.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
