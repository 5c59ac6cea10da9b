// Package registry persists deployment contexts in a single JSON document.
//
// The document is read fresh on every access and rewritten wholesale on
// every change, so an operator can inspect or hand-edit it between runs.
// Within the process a mutex serializes every read-modify-write and a live
// map keeps one in-memory object per id.
//
// Live objects are mutated by pipeline steps without further locking, so
// the methods that hand them out (Resolve, Lookup, Contexts) and the ones
// that write them (Save) must only be called from the task queue. Get and
// List decode the document again and return copies that are safe to read
// from any goroutine.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/branchoff/branchoff/internal/core/domain"
	"github.com/branchoff/branchoff/internal/core/ports"
)

// Config configures the registry.
type Config struct {
	// Path is the registry document, e.g. data/ecosystem.json.
	Path string

	// ReposDir is the root under which every checkout folder lives.
	ReposDir string

	// Ports is the range new contexts are allocated from.
	Ports ports.Range

	// MaxInstances caps the scale of any context.
	// Default: number of CPUs.
	MaxInstances int
}

// ResolveOptions carries the optional parts of a resolve request.
type ResolveOptions struct {
	Mode domain.Mode
	// Scale is nil to keep the current scale.
	Scale *int
	// Commit is empty to keep the current pin.
	Commit string
}

// Registry is the file-backed context registry.
type Registry struct {
	config Config
	logger *slog.Logger

	mu   sync.Mutex
	live map[string]*domain.Context
}

// New creates a registry. Nothing is read until the first call.
func New(config Config, logger *slog.Logger) *Registry {
	if config.MaxInstances <= 0 {
		config.MaxInstances = runtime.NumCPU()
	}
	if config.Ports.Size() == 0 && config.Ports.Start == 0 {
		config.Ports = ports.DefaultRange()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		config: config,
		logger: logger.With("component", "registry"),
		live:   make(map[string]*domain.Context),
	}
}

// MaxInstances returns the effective scale cap.
func (r *Registry) MaxInstances() int {
	return r.config.MaxInstances
}

// Resolve returns the live context for (uri, branch, mode), creating it
// with a freshly allocated port when absent. Existing contexts are updated
// in place with the requested commit and scale. The registry is persisted
// in both cases and the context's cached branch config is dropped.
func (r *Registry) Resolve(uri, branch string, opts ResolveOptions) (*domain.Context, error) {
	if err := domain.ValidateCoordinates(uri, branch); err != nil {
		return nil, err
	}
	mode := opts.Mode
	if mode == "" {
		mode = domain.ModeRelease
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	all := r.load()
	id := domain.DeriveID(uri, branch, mode)

	c := r.adoptLocked(id, all[id])
	if c == nil {
		created, err := domain.NewContext(uri, branch, mode, r.config.ReposDir)
		if err != nil {
			return nil, err
		}
		created.Port = r.allocateLocked(all)
		c = created
		r.logger.Info("context registered", "id", c.ID, "port", c.Port, "mode", c.Mode)
	}

	c.Mode = mode
	if opts.Commit != "" {
		c.Commit = opts.Commit
	}
	if opts.Scale != nil {
		c.Scale = domain.ClampScale(*opts.Scale, r.config.MaxInstances)
	} else if c.Scale < 1 {
		c.Scale = 1
	}
	c.InvalidateConfig()

	all[c.ID] = c
	r.live[c.ID] = c
	r.persist(all)
	return c, nil
}

// Available reports whether no registered context holds port.
func (r *Registry) Available(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.load() {
		if c.Port == port {
			return false
		}
	}
	return true
}

// Save writes c into the registry, replacing any entry with the same id.
func (r *Registry) Save(c *domain.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := r.load()
	all[c.ID] = c
	r.live[c.ID] = c
	r.persist(all)
}

// Destroy removes the entry for id. Removing an absent id is a no-op.
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.live, id)
	all := r.load()
	if _, ok := all[id]; !ok {
		return
	}
	delete(all, id)
	r.persist(all)
	r.logger.Info("context removed", "id", id)
}

// Get returns a copy of the registered context for id.
func (r *Registry) Get(id string) (*domain.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.load()[id]
	if !ok {
		return nil, false
	}
	if c.ID == "" {
		c.ID = id
	}
	return c, true
}

// List returns a copy of every registered context sorted by id.
func (r *Registry) List() []*domain.Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := r.load()
	out := make([]*domain.Context, 0, len(all))
	for id, c := range all {
		if c.ID == "" {
			c.ID = id
		}
		out = append(out, c)
	}
	sortByID(out)
	return out
}

// Lookup returns the live context for id.
func (r *Registry) Lookup(id string) (*domain.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.adoptLocked(id, r.load()[id])
	return c, c != nil
}

// Contexts returns the live object of every registered context sorted by id.
func (r *Registry) Contexts() []*domain.Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := r.load()
	for id := range r.live {
		if _, ok := all[id]; !ok {
			delete(r.live, id)
		}
	}
	out := make([]*domain.Context, 0, len(all))
	for id, stored := range all {
		out = append(out, r.adoptLocked(id, stored))
	}
	sortByID(out)
	return out
}

func sortByID(contexts []*domain.Context) {
	sort.Slice(contexts, func(i, j int) bool { return contexts[i].ID < contexts[j].ID })
}

// adoptLocked maps a stored entry onto the live object for id. The live
// object wins when both exist; a live object without a stored entry is
// forgotten.
func (r *Registry) adoptLocked(id string, stored *domain.Context) *domain.Context {
	if stored == nil {
		delete(r.live, id)
		return nil
	}
	if c, ok := r.live[id]; ok {
		return c
	}
	if stored.ID == "" {
		stored.ID = id
	}
	r.live[id] = stored
	return stored
}

func (r *Registry) allocateLocked(all map[string]*domain.Context) int {
	used := make([]int, 0, len(all))
	for _, c := range all {
		used = append(used, c.Port)
	}
	port, err := ports.Allocate(used, r.config.Ports)
	if err != nil {
		r.logger.Warn("port range exhausted, sharing range start",
			"start", r.config.Ports.Start,
			"end", r.config.Ports.End,
		)
	}
	return port
}

// =============================================================================
// Persistence
// =============================================================================

// load reads the registry document. A missing file is an empty registry;
// unreadable or corrupt files are logged and treated as empty.
func (r *Registry) load() map[string]*domain.Context {
	all := make(map[string]*domain.Context)

	data, err := os.ReadFile(r.config.Path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.logger.Error("failed to read registry", "path", r.config.Path, "error", err)
		}
		return all
	}
	if len(data) == 0 {
		return all
	}
	if err := json.Unmarshal(data, &all); err != nil {
		r.logger.Error("failed to parse registry", "path", r.config.Path, "error", err)
		return make(map[string]*domain.Context)
	}
	for id, c := range all {
		if c == nil {
			delete(all, id)
		}
	}
	return all
}

// persist rewrites the whole document through a temporary file. Failures
// are logged; the in-memory state stays authoritative until the next write.
func (r *Registry) persist(all map[string]*domain.Context) {
	if err := writeFile(r.config.Path, all); err != nil {
		r.logger.Error("failed to write registry", "path", r.config.Path, "error", err)
	}
}

func writeFile(path string, all map[string]*domain.Context) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}
