package procman

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/branchoff/branchoff/internal/core/domain"
	"github.com/branchoff/branchoff/internal/shell/docker"
)

// BackendDocker names the container backend in process records.
const BackendDocker = "docker"

// containerWorkdir is where the checkout is mounted inside the container.
const containerWorkdir = "/app"

// hostOnlyEnv lists variables that describe the orchestrator's host and must
// not leak into a container.
var hostOnlyEnv = map[string]bool{
	"HOME":     true,
	"HOSTNAME": true,
	"OLDPWD":   true,
	"PATH":     true,
	"PWD":      true,
	"SHELL":    true,
	"SHLVL":    true,
	"TERM":     true,
	"TMPDIR":   true,
	"USER":     true,
	"_":        true,
}

// DockerConfig configures the container backend.
type DockerConfig struct {
	// DefaultImage is used when the branch config names no image.
	DefaultImage string

	// StopTimeout is handed to the daemon on stop. Default: 10 seconds.
	StopTimeout time.Duration

	// Recorder persists process state. Optional.
	Recorder Recorder
}

// DockerManager runs each process group as one container. The daemon's
// on-failure restart policy replaces the local supervisor's restart loop,
// and containers keep running across orchestrator restarts.
type DockerManager struct {
	client docker.Client
	config DockerConfig
	logger *slog.Logger
}

// NewDockerManager creates a container backend on top of client.
func NewDockerManager(client docker.Client, config DockerConfig, logger *slog.Logger) *DockerManager {
	if config.DefaultImage == "" {
		config.DefaultImage = "node:lts-alpine"
	}
	if config.StopTimeout == 0 {
		config.StopTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerManager{
		client: client,
		config: config,
		logger: logger.With("component", "docker_manager"),
	}
}

// Start pulls the image if needed, then creates and starts the container.
func (m *DockerManager) Start(ctx context.Context, spec Spec) error {
	if err := spec.Validate(); err != nil {
		return NewProcessError("Start", spec.Name, err.Error(), err)
	}
	cspec := m.containerSpec(spec)

	if err := m.ensureImage(ctx, cspec.Image); err != nil {
		return NewProcessError("Start", spec.Name, err.Error(), ErrStartFailed)
	}

	id, err := m.client.CreateContainer(ctx, cspec)
	if err != nil {
		if errors.Is(err, docker.ErrContainerAlreadyExists) {
			return NewProcessError("Start", spec.Name, "container already exists", ErrProcessExists)
		}
		return NewProcessError("Start", spec.Name, err.Error(), ErrStartFailed)
	}
	if err := m.client.StartContainer(ctx, id); err != nil {
		_ = m.client.RemoveContainer(ctx, id, docker.RemoveOptions{Force: true})
		return NewProcessError("Start", spec.Name, err.Error(), ErrStartFailed)
	}

	m.record(ctx, domain.ProcessRecord{
		Name:      spec.Name,
		Backend:   BackendDocker,
		Instances: 1,
		Status:    domain.ProcessRunning,
		Port:      spec.Port,
		Dir:       spec.Dir,
		UpdatedAt: time.Now().UTC(),
	})
	m.logger.Info("container started",
		"name", spec.Name,
		"container", cspec.Name,
		"image", cspec.Image,
		"port", spec.Port,
	)
	return nil
}

// Stop stops the container but leaves it in place.
func (m *DockerManager) Stop(ctx context.Context, name string) error {
	timeout := m.config.StopTimeout
	err := m.client.StopContainer(ctx, ContainerName(name), &timeout)
	switch {
	case err == nil, errors.Is(err, docker.ErrContainerNotRunning):
	case errors.Is(err, docker.ErrContainerNotFound):
		return NewProcessError("Stop", name, "no such container", ErrProcessNotFound)
	default:
		return NewProcessError("Stop", name, err.Error(), err)
	}

	if m.config.Recorder != nil {
		if rec, err := m.config.Recorder.GetProcess(ctx, name); err == nil && rec != nil {
			rec.Status = domain.ProcessStopped
			rec.UpdatedAt = time.Now().UTC()
			m.record(ctx, *rec)
		}
	}
	m.logger.Info("container stopped", "name", name)
	return nil
}

// Delete force-removes the container and its record.
func (m *DockerManager) Delete(ctx context.Context, name string) error {
	err := m.client.RemoveContainer(ctx, ContainerName(name), docker.RemoveOptions{Force: true})
	if err != nil {
		if errors.Is(err, docker.ErrContainerNotFound) {
			return NewProcessError("Delete", name, "no such container", ErrProcessNotFound)
		}
		return NewProcessError("Delete", name, err.Error(), err)
	}

	if m.config.Recorder != nil {
		if err := m.config.Recorder.DeleteProcess(ctx, name); err != nil {
			m.logger.Warn("failed to delete process record", "name", name, "error", err)
		}
	}
	m.logger.Info("container removed", "name", name)
	return nil
}

// List returns every branchoff-managed container, running or not.
func (m *DockerManager) List(ctx context.Context) ([]domain.ProcessRecord, error) {
	containers, err := m.client.ListContainers(ctx, docker.ListOptions{
		All:     true,
		Filters: map[string]string{"label": docker.LabelManaged + "=true"},
	})
	if err != nil {
		return nil, NewProcessError("List", "", err.Error(), err)
	}

	out := make([]domain.ProcessRecord, 0, len(containers))
	for _, c := range containers {
		out = append(out, recordFromContainer(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Close releases the daemon connection. Containers keep running.
func (m *DockerManager) Close() error {
	return m.client.Close()
}

func (m *DockerManager) ensureImage(ctx context.Context, image string) error {
	exists, err := m.client.ImageExists(ctx, image)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	m.logger.Info("pulling image", "image", image)
	return m.client.PullImage(ctx, image)
}

func (m *DockerManager) record(ctx context.Context, p domain.ProcessRecord) {
	if m.config.Recorder == nil {
		return
	}
	if err := m.config.Recorder.RecordProcess(ctx, p); err != nil {
		m.logger.Warn("failed to record process", "name", p.Name, "error", err)
	}
}

// containerSpec maps a process spec onto a container. The checkout is bind
// mounted at /app and the context port is published one-to-one.
func (m *DockerManager) containerSpec(spec Spec) docker.ContainerSpec {
	image := spec.Image
	if image == "" {
		image = m.config.DefaultImage
	}

	env := make(map[string]string, len(spec.Env)+2)
	for k, v := range spec.Env {
		if !hostOnlyEnv[k] {
			env[k] = v
		}
	}
	env["BRANCHOFF_CWD"] = containerWorkdir
	env["BRANCHOFF_INSTANCE"] = "0"

	cmd := append([]string{"sh", "-c", "exec " + spec.Script + ` "$@"`, spec.Name}, spec.Args...)

	cspec := docker.ContainerSpec{
		Name:       ContainerName(spec.Name),
		Image:      image,
		Command:    cmd,
		Env:        env,
		WorkingDir: containerWorkdir,
		Labels: map[string]string{
			docker.LabelManaged: "true",
			docker.LabelProcess: spec.Name,
			docker.LabelPort:    strconv.Itoa(spec.Port),
		},
		Volumes: []docker.VolumeMount{{Source: spec.Dir, Target: containerWorkdir}},
		RestartPolicy: docker.RestartPolicy{
			Name:              "on-failure",
			MaximumRetryCount: spec.MaxRestarts,
		},
	}
	if spec.Port > 0 {
		cspec.Ports = []docker.PortBinding{{ContainerPort: spec.Port, HostPort: spec.Port}}
	}
	return cspec
}

var containerNameInvalid = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// ContainerName turns a process name into a valid container name.
func ContainerName(name string) string {
	clean := strings.Trim(containerNameInvalid.ReplaceAllString(name, "-"), "-._")
	if clean == "" {
		clean = "process"
	}
	return "branchoff-" + clean
}

func recordFromContainer(c docker.ContainerInfo) domain.ProcessRecord {
	name := c.Labels[docker.LabelProcess]
	if name == "" {
		name = c.Name
	}
	port, _ := strconv.Atoi(c.Labels[docker.LabelPort])
	return domain.ProcessRecord{
		Name:      name,
		Backend:   BackendDocker,
		Instances: 1,
		Status:    processStatus(c.Status),
		Restarts:  c.RestartCount,
		Port:      port,
		UpdatedAt: time.Now().UTC(),
	}
}

func processStatus(s docker.ContainerStatus) domain.ProcessStatus {
	switch s {
	case docker.ContainerStatusRunning:
		return domain.ProcessRunning
	case docker.ContainerStatusRestarting:
		return domain.ProcessRestarting
	case docker.ContainerStatusCreated:
		return domain.ProcessStarting
	case docker.ContainerStatusDead:
		return domain.ProcessErrored
	default:
		return domain.ProcessStopped
	}
}

var (
	_ Manager = (*DockerManager)(nil)
	_ Manager = (*Supervisor)(nil)
)
