package procman

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/branchoff/branchoff/internal/core/domain"
	"github.com/branchoff/branchoff/internal/shell/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDocker keeps containers in memory keyed by name.
type fakeDocker struct {
	mu         sync.Mutex
	images     map[string]bool
	pulled     []string
	containers map[string]*docker.ContainerInfo
	specs      map[string]docker.ContainerSpec
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		images:     make(map[string]bool),
		containers: make(map[string]*docker.ContainerInfo),
		specs:      make(map[string]docker.ContainerSpec),
	}
}

func (f *fakeDocker) CreateContainer(_ context.Context, spec docker.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[spec.Name]; ok {
		return "", docker.NewDockerError("CreateContainer", "container", spec.Name, "exists", docker.ErrContainerAlreadyExists)
	}
	f.containers[spec.Name] = &docker.ContainerInfo{
		ID:     spec.Name,
		Name:   spec.Name,
		Image:  spec.Image,
		Status: docker.ContainerStatusCreated,
		Labels: spec.Labels,
	}
	f.specs[spec.Name] = spec
	return spec.Name, nil
}

func (f *fakeDocker) setStatus(id string, status docker.ContainerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return docker.NewDockerError("", "container", id, "missing", docker.ErrContainerNotFound)
	}
	c.Status = status
	return nil
}

func (f *fakeDocker) StartContainer(_ context.Context, id string) error {
	return f.setStatus(id, docker.ContainerStatusRunning)
}

func (f *fakeDocker) StopContainer(_ context.Context, id string, _ *time.Duration) error {
	return f.setStatus(id, docker.ContainerStatusExited)
}

func (f *fakeDocker) RemoveContainer(_ context.Context, id string, _ docker.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return docker.NewDockerError("RemoveContainer", "container", id, "missing", docker.ErrContainerNotFound)
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeDocker) InspectContainer(_ context.Context, id string) (*docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, docker.ErrContainerNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeDocker) ListContainers(_ context.Context, _ docker.ListOptions) ([]docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]docker.ContainerInfo, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeDocker) PullImage(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, image)
	f.images[image] = true
	return nil
}

func (f *fakeDocker) ImageExists(_ context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image], nil
}

func (f *fakeDocker) Ping(context.Context) error { return nil }
func (f *fakeDocker) Close() error               { return nil }

func TestContainerName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"3001-main-release", "branchoff-3001-main-release"},
		{"3002-feature/login-test", "branchoff-3002-feature-login-test"},
		{"///", "branchoff-process"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ContainerName(tt.in))
		})
	}
}

func TestDockerManager_ContainerSpec(t *testing.T) {
	m := NewDockerManager(newFakeDocker(), DockerConfig{DefaultImage: "node:20"}, nil)

	cspec := m.containerSpec(Spec{
		Name:        "3001-main-release",
		Dir:         "/srv/repos/app",
		Script:      "./bin/www",
		Args:        []string{"--verbose"},
		Env:         map[string]string{"PATH": "/usr/bin", "PORT": "3001", "BRANCHOFF_CWD": "/srv/repos/app"},
		Port:        3001,
		MaxRestarts: 3,
	})

	assert.Equal(t, "branchoff-3001-main-release", cspec.Name)
	assert.Equal(t, "node:20", cspec.Image)
	assert.Equal(t, []string{"sh", "-c", `exec ./bin/www "$@"`, "3001-main-release", "--verbose"}, cspec.Command)
	assert.Equal(t, "/app", cspec.WorkingDir)
	assert.Equal(t, "/app", cspec.Env["BRANCHOFF_CWD"])
	assert.Equal(t, "3001", cspec.Env["PORT"])
	assert.NotContains(t, cspec.Env, "PATH")
	assert.Equal(t, []docker.VolumeMount{{Source: "/srv/repos/app", Target: "/app"}}, cspec.Volumes)
	assert.Equal(t, []docker.PortBinding{{ContainerPort: 3001, HostPort: 3001}}, cspec.Ports)
	assert.Equal(t, docker.RestartPolicy{Name: "on-failure", MaximumRetryCount: 3}, cspec.RestartPolicy)
	assert.Equal(t, "3001-main-release", cspec.Labels[docker.LabelProcess])
	assert.Equal(t, "3001", cspec.Labels[docker.LabelPort])
}

func TestDockerManager_SpecImageOverridesDefault(t *testing.T) {
	m := NewDockerManager(newFakeDocker(), DockerConfig{}, nil)

	cspec := m.containerSpec(Spec{Name: "x", Dir: "/d", Script: "s", Image: "python:3.12"})
	assert.Equal(t, "python:3.12", cspec.Image)
	assert.Empty(t, cspec.Ports)
}

func TestDockerManager_Lifecycle(t *testing.T) {
	client := newFakeDocker()
	rec := newMemoryRecorder()
	m := NewDockerManager(client, DockerConfig{DefaultImage: "node:20", Recorder: rec}, nil)
	ctx := context.Background()

	spec := Spec{Name: "3001-main-release", Dir: "/srv/app", Script: "./bin/www", Port: 3001}
	require.NoError(t, m.Start(ctx, spec))
	assert.Equal(t, []string{"node:20"}, client.pulled)

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "3001-main-release", list[0].Name)
	assert.Equal(t, BackendDocker, list[0].Backend)
	assert.Equal(t, domain.ProcessRunning, list[0].Status)
	assert.Equal(t, 3001, list[0].Port)

	assert.ErrorIs(t, m.Start(ctx, spec), ErrProcessExists)

	require.NoError(t, m.Stop(ctx, spec.Name))
	stored, ok := rec.get(spec.Name)
	require.True(t, ok)
	assert.Equal(t, domain.ProcessStopped, stored.Status)

	require.NoError(t, Replace(ctx, m, spec))
	assert.Len(t, client.pulled, 1, "image already present")

	require.NoError(t, m.Delete(ctx, spec.Name))
	_, ok = rec.get(spec.Name)
	assert.False(t, ok)

	assert.ErrorIs(t, m.Delete(ctx, spec.Name), ErrProcessNotFound)
	assert.ErrorIs(t, m.Stop(ctx, spec.Name), ErrProcessNotFound)
}

func TestProcessStatus(t *testing.T) {
	assert.Equal(t, domain.ProcessRunning, processStatus(docker.ContainerStatusRunning))
	assert.Equal(t, domain.ProcessRestarting, processStatus(docker.ContainerStatusRestarting))
	assert.Equal(t, domain.ProcessStarting, processStatus(docker.ContainerStatusCreated))
	assert.Equal(t, domain.ProcessErrored, processStatus(docker.ContainerStatusDead))
	assert.Equal(t, domain.ProcessStopped, processStatus(docker.ContainerStatusExited))
}
