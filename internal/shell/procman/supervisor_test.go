package procman

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/branchoff/branchoff/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type memoryRecorder struct {
	mu      sync.Mutex
	records map[string]domain.ProcessRecord
	deleted []string
}

func newMemoryRecorder() *memoryRecorder {
	return &memoryRecorder{records: make(map[string]domain.ProcessRecord)}
}

func (r *memoryRecorder) RecordProcess(_ context.Context, p domain.ProcessRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[p.Name] = p
	return nil
}

func (r *memoryRecorder) GetProcess(_ context.Context, name string) (*domain.ProcessRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.records[name]
	if !ok {
		return nil, ErrProcessNotFound
	}
	return &p, nil
}

func (r *memoryRecorder) DeleteProcess(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, name)
	r.deleted = append(r.deleted, name)
	return nil
}

func (r *memoryRecorder) get(name string) (domain.ProcessRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.records[name]
	return p, ok
}

func testSpec(t *testing.T, name, script string) Spec {
	t.Helper()
	dir := t.TempDir()
	return Spec{
		Name:         name,
		Dir:          dir,
		Script:       script,
		Env:          map[string]string{"PATH": os.Getenv("PATH")},
		Port:         3001,
		Instances:    1,
		RestartDelay: 10 * time.Millisecond,
		MinUptime:    time.Second,
		MaxRestarts:  1,
		OutFile:      filepath.Join(dir, "out.log"),
		ErrorFile:    filepath.Join(dir, "out.log"),
	}
}

func newTestSupervisor(t *testing.T, rec Recorder) *Supervisor {
	t.Helper()
	s := NewSupervisor(SupervisorConfig{StopTimeout: 2 * time.Second, Recorder: rec}, nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func statusOf(t *testing.T, s *Supervisor, name string) domain.ProcessStatus {
	t.Helper()
	list, err := s.List(context.Background())
	require.NoError(t, err)
	for _, p := range list {
		if p.Name == name {
			return p.Status
		}
	}
	return ""
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestSupervisor_StartListStopDelete(t *testing.T) {
	rec := newMemoryRecorder()
	s := newTestSupervisor(t, rec)
	ctx := context.Background()

	spec := testSpec(t, "3001-main-release", "sleep")
	spec.Args = []string{"30"}
	spec.Instances = 2
	require.NoError(t, s.Start(ctx, spec))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "3001-main-release", list[0].Name)
	assert.Equal(t, BackendLocal, list[0].Backend)
	assert.Equal(t, domain.ProcessRunning, list[0].Status)
	assert.Equal(t, 2, list[0].Instances)
	assert.Greater(t, list[0].PID, 0)

	stored, ok := rec.get(spec.Name)
	require.True(t, ok)
	assert.Equal(t, domain.ProcessRunning, stored.Status)

	require.NoError(t, s.Stop(ctx, spec.Name))
	assert.Equal(t, domain.ProcessStopped, statusOf(t, s, spec.Name))
	assert.ErrorIs(t, syscall.Kill(list[0].PID, 0), syscall.ESRCH)

	// Stopping twice is a no-op.
	require.NoError(t, s.Stop(ctx, spec.Name))

	require.NoError(t, s.Delete(ctx, spec.Name))
	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	_, ok = rec.get(spec.Name)
	assert.False(t, ok)
}

func TestSupervisor_WritesOutputToLogFile(t *testing.T) {
	s := newTestSupervisor(t, nil)
	ctx := context.Background()

	spec := testSpec(t, "3002-logs-release", "sh")
	spec.Args = []string{"-c", `echo "port=$PORT instance=$BRANCHOFF_INSTANCE"; sleep 30`}
	spec.Env["PORT"] = "3002"
	require.NoError(t, s.Start(ctx, spec))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(spec.OutFile)
		return err == nil && string(data) == "port=3002 instance=0\n"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Delete(ctx, spec.Name))
}

func TestSupervisor_StartTwiceFails(t *testing.T) {
	s := newTestSupervisor(t, nil)
	ctx := context.Background()

	spec := testSpec(t, "dup", "sleep")
	spec.Args = []string{"30"}
	require.NoError(t, s.Start(ctx, spec))

	err := s.Start(ctx, spec)
	assert.ErrorIs(t, err, ErrProcessExists)
}

func TestSupervisor_InvalidSpec(t *testing.T) {
	s := newTestSupervisor(t, nil)

	err := s.Start(context.Background(), Spec{Name: "x", Dir: t.TempDir()})
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestSupervisor_UnknownName(t *testing.T) {
	s := newTestSupervisor(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, s.Stop(ctx, "missing"), ErrProcessNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "missing"), ErrProcessNotFound)
}

// =============================================================================
// Restart Policy
// =============================================================================

func TestSupervisor_CrashLoopEndsErrored(t *testing.T) {
	rec := newMemoryRecorder()
	s := newTestSupervisor(t, rec)

	spec := testSpec(t, "crash", "false")
	require.NoError(t, s.Start(context.Background(), spec))

	require.Eventually(t, func() bool {
		return statusOf(t, s, spec.Name) == domain.ProcessErrored
	}, 5*time.Second, 20*time.Millisecond)

	stored, ok := rec.get(spec.Name)
	require.True(t, ok)
	assert.Equal(t, domain.ProcessErrored, stored.Status)
	assert.Equal(t, 1, stored.Restarts)
}

func TestSupervisor_RestartsAfterStableExit(t *testing.T) {
	s := newTestSupervisor(t, nil)

	spec := testSpec(t, "flappy", "sh")
	spec.Args = []string{"-c", "sleep 0.1"}
	spec.MinUptime = 10 * time.Millisecond
	spec.MaxRestarts = 0
	require.NoError(t, s.Start(context.Background(), spec))

	require.Eventually(t, func() bool {
		list, err := s.List(context.Background())
		return err == nil && len(list) == 1 && list[0].Restarts >= 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.NotEqual(t, domain.ProcessErrored, statusOf(t, s, spec.Name))
}

// =============================================================================
// Replace and Orphans
// =============================================================================

func TestReplace_RestartsExistingGroup(t *testing.T) {
	s := newTestSupervisor(t, nil)
	ctx := context.Background()

	spec := testSpec(t, "replace", "sleep")
	spec.Args = []string{"30"}
	require.NoError(t, Replace(ctx, s, spec))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	first := list[0].PID

	require.NoError(t, Replace(ctx, s, spec))
	list, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotEqual(t, first, list[0].PID)
	assert.Equal(t, domain.ProcessRunning, list[0].Status)
}

func TestSupervisor_DeleteOrphanRecord(t *testing.T) {
	rec := newMemoryRecorder()
	ctx := context.Background()
	require.NoError(t, rec.RecordProcess(ctx, domain.ProcessRecord{
		Name:    "orphan",
		Backend: BackendLocal,
		Status:  domain.ProcessStopped,
	}))
	s := newTestSupervisor(t, rec)

	require.NoError(t, s.Delete(ctx, "orphan"))
	_, ok := rec.get("orphan")
	assert.False(t, ok)
	assert.Equal(t, []string{"orphan"}, rec.deleted)
}

func TestSupervisor_DeleteIgnoresOtherBackends(t *testing.T) {
	rec := newMemoryRecorder()
	ctx := context.Background()
	require.NoError(t, rec.RecordProcess(ctx, domain.ProcessRecord{Name: "boxed", Backend: BackendDocker}))
	s := newTestSupervisor(t, rec)

	assert.ErrorIs(t, s.Delete(ctx, "boxed"), ErrProcessNotFound)
	_, ok := rec.get("boxed")
	assert.True(t, ok)
}

func TestSupervisor_CloseRecordsStopped(t *testing.T) {
	rec := newMemoryRecorder()
	s := NewSupervisor(SupervisorConfig{StopTimeout: 2 * time.Second, Recorder: rec}, nil)
	ctx := context.Background()

	spec := testSpec(t, "3003-main-release", "sleep")
	spec.Args = []string{"30"}
	require.NoError(t, s.Start(ctx, spec))

	require.NoError(t, s.Close())

	stored, ok := rec.get(spec.Name)
	require.True(t, ok)
	assert.Equal(t, domain.ProcessStopped, stored.Status)

	// A later run deleting the record must not signal the old group id.
	next := newTestSupervisor(t, rec)
	require.NoError(t, next.Delete(ctx, spec.Name))
	_, ok = rec.get(spec.Name)
	assert.False(t, ok)
}

func TestSupervisor_DeleteOrphanSignalsOnlyLiveGroups(t *testing.T) {
	tests := []struct {
		status     domain.ProcessStatus
		wantKilled bool
	}{
		{domain.ProcessRunning, true},
		{domain.ProcessRestarting, true},
		{domain.ProcessStopped, false},
		{domain.ProcessErrored, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			cmd := exec.Command("sleep", "30")
			cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
			require.NoError(t, cmd.Start())
			exited := make(chan struct{})
			go func() {
				_ = cmd.Wait()
				close(exited)
			}()
			t.Cleanup(func() {
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
				<-exited
			})

			rec := newMemoryRecorder()
			ctx := context.Background()
			require.NoError(t, rec.RecordProcess(ctx, domain.ProcessRecord{
				Name:    "orphan",
				Backend: BackendLocal,
				PID:     cmd.Process.Pid,
				Status:  tt.status,
			}))
			s := newTestSupervisor(t, rec)

			require.NoError(t, s.Delete(ctx, "orphan"))
			_, ok := rec.get("orphan")
			assert.False(t, ok)

			select {
			case <-exited:
				assert.True(t, tt.wantKilled, "group was signalled")
			case <-time.After(300 * time.Millisecond):
				assert.False(t, tt.wantKilled, "group was not signalled")
			}
		})
	}
}
