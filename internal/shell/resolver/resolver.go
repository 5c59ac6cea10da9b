// Package resolver loads the branch config of a checkout and derives the
// effective port, process settings and environment of a context from it.
package resolver

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/branchoff/branchoff/internal/core/cascade"
	"github.com/branchoff/branchoff/internal/core/domain"
)

// DefaultConfigFiles are tried in order inside the checkout.
var DefaultConfigFiles = []string{"branchoff@config", ".branchoffrc"}

// PortBook is the part of the registry the resolver needs to apply a
// preferred port.
type PortBook interface {
	Available(port int) bool
	Save(c *domain.Context)
}

// Config configures the resolver.
type Config struct {
	// Files are the branch config file names, first existing wins.
	// Default: DefaultConfigFiles.
	Files []string

	// Environ returns the base process environment.
	// Default: os.Environ.
	Environ func() []string
}

// Resolver derives per-context settings from branch config files.
type Resolver struct {
	book    PortBook
	files   []string
	environ func() []string
	logger  *slog.Logger
}

// New creates a resolver.
func New(book PortBook, config Config, logger *slog.Logger) *Resolver {
	if len(config.Files) == 0 {
		config.Files = DefaultConfigFiles
	}
	if config.Environ == nil {
		config.Environ = os.Environ
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		book:    book,
		files:   config.Files,
		environ: config.Environ,
		logger:  logger.With("component", "resolver"),
	}
}

// Configuration returns the branch config of c, reading it from the
// checkout on first use and caching it on the context. Reading also applies
// the preferred port and the process manager instance settings.
//
// A missing file yields an empty config. A file that cannot be parsed is
// logged and an empty config is used instead.
func (r *Resolver) Configuration(c *domain.Context) *cascade.Config {
	if c.Config != nil {
		return c.Config
	}

	cfg := r.read(c)
	c.Config = cfg

	target := Target(c, "")
	if port, scope, ok := cfg.PreferredPort(target); ok && port != c.Port {
		if r.book.Available(port) {
			r.logger.Info("applying preferred port", "id", c.ID, "port", port, "previous", c.Port, "scope", scope)
			c.Port = port
			r.book.Save(c)
		} else {
			r.logger.Warn("preferred port unavailable", "id", c.ID, "port", port, "scope", scope)
		}
	}

	c.Instances = cfg.Process.Instances
	if c.Instances <= 0 {
		c.Instances = c.Scale
	}
	c.ExecMode = cfg.Process.ExecMode
	if c.ExecMode == "" {
		c.ExecMode = domain.DefaultExecMode
	}
	return cfg
}

func (r *Resolver) read(c *domain.Context) *cascade.Config {
	for _, name := range r.files {
		path := filepath.Join(c.Dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				r.logger.Warn("failed to read branch config", "path", path, "error", err)
			}
			continue
		}

		cfg, err := cascade.Parse(data)
		if err != nil {
			r.logger.Error("reverting to default config", "path", path, "error", err)
			return &cascade.Config{}
		}
		r.logger.Debug("branch config loaded", "id", c.ID, "path", path)
		return cfg
	}
	return &cascade.Config{}
}

// Env returns the environment for running event hooks or processes of c:
// the process environment, then the BRANCHOFF_* variables, then every
// config layer in precedence order, then extra.
func (r *Resolver) Env(c *domain.Context, event string, extra map[string]string) map[string]string {
	cfg := r.Configuration(c)

	maps := []map[string]string{parseEnviron(r.environ()), Builtins(c)}
	for _, layer := range cfg.EnvLayers(Target(c, event)) {
		maps = append(maps, layer.Vars)
	}
	maps = append(maps, extra)
	return cascade.Merge(maps...)
}

// Builtins are the variables every hook and process of c receives.
func Builtins(c *domain.Context) map[string]string {
	mode := c.Mode
	if mode == "" {
		mode = domain.ModeRelease
	}
	execMode := c.ExecMode
	if execMode == "" {
		execMode = domain.DefaultExecMode
	}
	return map[string]string{
		"BRANCHOFF_PORT":      strconv.Itoa(c.Port),
		"BRANCHOFF_CWD":       c.Dir,
		"BRANCHOFF_BRANCH":    c.Branch,
		"BRANCHOFF_MODE":      string(mode),
		"BRANCHOFF_NAME":      c.ID,
		"BRANCHOFF_SCALE":     strconv.Itoa(c.EffectiveInstances()),
		"BRANCHOFF_EXEC_MODE": execMode,
	}
}

// Target describes c for cascade lookups.
func Target(c *domain.Context, event string) cascade.Target {
	return cascade.Target{
		URI:    c.URI,
		Branch: c.Branch,
		Mode:   string(c.Mode),
		Event:  event,
	}
}

func parseEnviron(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			out[k] = v
		}
	}
	return out
}
