package procman

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/branchoff/branchoff/internal/core/domain"
	"github.com/branchoff/branchoff/internal/shell/executor"
)

// BackendLocal names the in-process supervisor in process records.
const BackendLocal = "local"

// SupervisorConfig configures the local supervisor.
type SupervisorConfig struct {
	// Shell runs the script line. Default: executor.DefaultShell.
	Shell string

	// StopTimeout is how long a group gets between SIGTERM and SIGKILL.
	// Default: 10 seconds.
	StopTimeout time.Duration

	// Recorder persists process state. Optional.
	Recorder Recorder
}

// Supervisor runs process groups as children of the orchestrator. Every
// instance gets its own process group and is restarted according to the
// restart policy carried by its Spec.
type Supervisor struct {
	config SupervisorConfig
	logger *slog.Logger

	mu     sync.Mutex
	groups map[string]*group
}

type group struct {
	spec   Spec
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	cmds     []*exec.Cmd
	status   domain.ProcessStatus
	restarts int
	logs     []io.Closer
	out, err io.Writer
}

// NewSupervisor creates a local supervisor.
func NewSupervisor(config SupervisorConfig, logger *slog.Logger) *Supervisor {
	if config.Shell == "" {
		config.Shell = executor.DefaultShell
	}
	if config.StopTimeout == 0 {
		config.StopTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		config: config,
		logger: logger.With("component", "supervisor"),
		groups: make(map[string]*group),
	}
}

// Start launches spec.Instances copies of the script.
func (s *Supervisor) Start(ctx context.Context, spec Spec) error {
	if err := spec.Validate(); err != nil {
		return NewProcessError("Start", spec.Name, err.Error(), err)
	}
	if spec.Instances < 1 {
		spec.Instances = 1
	}

	s.mu.Lock()
	if _, ok := s.groups[spec.Name]; ok {
		s.mu.Unlock()
		return NewProcessError("Start", spec.Name, "already managed", ErrProcessExists)
	}
	g := &group{spec: spec, status: domain.ProcessStarting, cmds: make([]*exec.Cmd, spec.Instances)}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	s.groups[spec.Name] = g
	s.mu.Unlock()

	if err := g.openLogs(); err != nil {
		s.forget(spec.Name, g)
		return NewProcessError("Start", spec.Name, err.Error(), ErrStartFailed)
	}

	for i := 0; i < spec.Instances; i++ {
		cmd, err := s.launch(g, i)
		if err != nil {
			g.cancel()
			g.signal(syscall.SIGKILL)
			g.wg.Wait()
			g.closeLogs()
			s.forget(spec.Name, g)
			return NewProcessError("Start", spec.Name, err.Error(), ErrStartFailed)
		}
		g.wg.Add(1)
		go s.supervise(g, i, cmd)
	}

	g.setStatus(domain.ProcessRunning)
	s.record(ctx, g)
	s.logger.Info("process started",
		"name", spec.Name,
		"instances", spec.Instances,
		"pid", g.pid(),
		"port", spec.Port,
	)
	return nil
}

// Stop terminates every instance of the group. Stopping a stopped group is
// a no-op.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	g, ok := s.lookup(name)
	if !ok {
		return NewProcessError("Stop", name, "not managed", ErrProcessNotFound)
	}
	s.stopGroup(g)
	s.record(ctx, g)
	return nil
}

// Delete stops the group and forgets it. A name that is not managed by this
// supervisor but has a persisted record from an earlier run has its process
// group signalled and the record removed.
func (s *Supervisor) Delete(ctx context.Context, name string) error {
	g, ok := s.lookup(name)
	if !ok {
		return s.deleteOrphan(ctx, name)
	}

	s.stopGroup(g)
	g.closeLogs()
	s.forget(name, g)

	if s.config.Recorder != nil {
		if err := s.config.Recorder.DeleteProcess(ctx, name); err != nil {
			s.logger.Warn("failed to delete process record", "name", name, "error", err)
		}
	}
	s.logger.Info("process deleted", "name", name)
	return nil
}

// List returns the state of every managed group sorted by name.
func (s *Supervisor) List(_ context.Context) ([]domain.ProcessRecord, error) {
	s.mu.Lock()
	groups := make([]*group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	s.mu.Unlock()

	out := make([]domain.ProcessRecord, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Close stops every group and records it as stopped, so the next run does
// not treat the old process group ids as its own.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	groups := make([]*group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	s.mu.Unlock()

	for _, g := range groups {
		s.stopGroup(g)
		g.closeLogs()
		s.record(context.Background(), g)
	}
	return nil
}

func (s *Supervisor) lookup(name string) (*group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[name]
	return g, ok
}

func (s *Supervisor) forget(name string, g *group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups[name] == g {
		delete(s.groups, name)
	}
}

func (s *Supervisor) deleteOrphan(ctx context.Context, name string) error {
	if s.config.Recorder == nil {
		return NewProcessError("Delete", name, "not managed", ErrProcessNotFound)
	}
	rec, err := s.config.Recorder.GetProcess(ctx, name)
	if err != nil || rec == nil || rec.Backend != BackendLocal {
		return NewProcessError("Delete", name, "not managed", ErrProcessNotFound)
	}

	// Only a group recorded as live whose leader still owns the group id is
	// signalled; anything else may be an unrelated process by now.
	if rec.PID > 0 && rec.Status.IsLive() {
		if pgid, err := syscall.Getpgid(rec.PID); err == nil && pgid == rec.PID {
			if err := syscall.Kill(-rec.PID, syscall.SIGTERM); err == nil {
				s.logger.Info("signalled orphaned process group", "name", name, "pid", rec.PID)
			}
		}
	} else if rec.PID > 0 {
		s.logger.Debug("skipping orphan signal", "name", name, "pid", rec.PID, "status", rec.Status)
	}
	if err := s.config.Recorder.DeleteProcess(ctx, name); err != nil {
		s.logger.Warn("failed to delete process record", "name", name, "error", err)
	}
	return nil
}

// launch starts instance i of the group. The script line is exec'd by the
// shell so signals reach the script directly.
func (s *Supervisor) launch(g *group, i int) (*exec.Cmd, error) {
	spec := g.spec
	args := append([]string{"-c", "exec " + spec.Script + ` "$@"`, spec.Name}, spec.Args...)

	cmd := exec.Command(s.config.Shell, args...)
	cmd.Dir = spec.Dir
	env := make(map[string]string, len(spec.Env)+2)
	for k, v := range spec.Env {
		env[k] = v
	}
	env["BRANCHOFF_INSTANCE"] = strconv.Itoa(i)
	env["NODE_APP_INSTANCE"] = strconv.Itoa(i)
	cmd.Env = executor.Environ(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = g.out
	cmd.Stderr = g.err

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("instance %d: %w", i, err)
	}

	g.mu.Lock()
	g.cmds[i] = cmd
	g.mu.Unlock()
	return cmd, nil
}

// supervise waits for instance i and restarts it until the group is stopped
// or the instance keeps dying before MinUptime more than MaxRestarts times in
// a row.
func (s *Supervisor) supervise(g *group, i int, cmd *exec.Cmd) {
	defer g.wg.Done()

	unstable := 0
	for {
		started := time.Now()
		err := cmd.Wait()
		if g.ctx.Err() != nil {
			return
		}

		uptime := time.Since(started)
		s.logger.Warn("process exited",
			"name", g.spec.Name,
			"instance", i,
			"uptime", uptime,
			"error", err,
		)

		if uptime < g.spec.MinUptime {
			unstable++
		} else {
			unstable = 0
		}
		if unstable > g.spec.MaxRestarts {
			s.logger.Error("process errored, giving up",
				"name", g.spec.Name,
				"instance", i,
				"unstable_restarts", unstable-1,
			)
			g.setStatus(domain.ProcessErrored)
			s.record(context.Background(), g)
			return
		}

		g.setStatus(domain.ProcessRestarting)
		select {
		case <-g.ctx.Done():
			return
		case <-time.After(g.spec.RestartDelay):
		}

		next, err := s.launch(g, i)
		if err != nil {
			s.logger.Error("process restart failed", "name", g.spec.Name, "instance", i, "error", err)
			g.setStatus(domain.ProcessErrored)
			s.record(context.Background(), g)
			return
		}
		cmd = next

		g.mu.Lock()
		g.restarts++
		g.status = domain.ProcessRunning
		g.mu.Unlock()
		s.record(context.Background(), g)
	}
}

func (s *Supervisor) stopGroup(g *group) {
	g.mu.Lock()
	stopped := g.status == domain.ProcessStopped
	g.mu.Unlock()
	if stopped {
		return
	}

	g.cancel()
	g.signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.config.StopTimeout):
		s.logger.Warn("process did not stop in time, killing", "name", g.spec.Name)
		g.signal(syscall.SIGKILL)
		<-done
	}

	g.setStatus(domain.ProcessStopped)
}

func (s *Supervisor) record(ctx context.Context, g *group) {
	if s.config.Recorder == nil {
		return
	}
	if err := s.config.Recorder.RecordProcess(ctx, g.snapshot()); err != nil {
		s.logger.Warn("failed to record process", "name", g.spec.Name, "error", err)
	}
}

// =============================================================================
// Group Helpers
// =============================================================================

func (g *group) openLogs() error {
	out, err := openLog(g.spec.OutFile)
	if err != nil {
		return err
	}
	g.out = out
	g.logs = append(g.logs, out)

	if g.spec.ErrorFile == "" || g.spec.ErrorFile == g.spec.OutFile {
		g.err = out
		return nil
	}
	errFile, err := openLog(g.spec.ErrorFile)
	if err != nil {
		out.Close()
		return err
	}
	g.err = errFile
	g.logs = append(g.logs, errFile)
	return nil
}

func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func (g *group) closeLogs() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.logs {
		c.Close()
	}
	g.logs = nil
}

// signal sends sig to the process group of every live instance.
func (g *group) signal(sig syscall.Signal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, cmd := range g.cmds {
		if cmd == nil || cmd.Process == nil {
			continue
		}
		_ = syscall.Kill(-cmd.Process.Pid, sig)
	}
}

func (g *group) setStatus(status domain.ProcessStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = status
}

func (g *group) pid() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pidLocked()
}

func (g *group) pidLocked() int {
	for _, cmd := range g.cmds {
		if cmd != nil && cmd.Process != nil {
			return cmd.Process.Pid
		}
	}
	return 0
}

func (g *group) snapshot() domain.ProcessRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return domain.ProcessRecord{
		Name:      g.spec.Name,
		Backend:   BackendLocal,
		PID:       g.pidLocked(),
		Instances: g.spec.Instances,
		Status:    g.status,
		Restarts:  g.restarts,
		Port:      g.spec.Port,
		Dir:       g.spec.Dir,
		UpdatedAt: time.Now().UTC(),
	}
}
