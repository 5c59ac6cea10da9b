// Package docker wraps the Docker SDK for the container process backend.
package docker

import (
	"context"
	"time"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name          string
	Image         string
	Command       []string
	Env           map[string]string
	Labels        map[string]string
	Ports         []PortBinding
	Volumes       []VolumeMount
	WorkingDir    string
	RestartPolicy RestartPolicy
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// VolumeMount defines a mount. Absolute sources are bind mounts, anything
// else is a named volume.
type VolumeMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RestartPolicy defines the container restart policy.
type RestartPolicy struct {
	Name              string // "no", "always", "on-failure", "unless-stopped"
	MaximumRetryCount int
}

// ContainerStatus represents the container state reported by the daemon.
type ContainerStatus string

const (
	ContainerStatusCreated    ContainerStatus = "created"
	ContainerStatusRunning    ContainerStatus = "running"
	ContainerStatusPaused     ContainerStatus = "paused"
	ContainerStatusRestarting ContainerStatus = "restarting"
	ContainerStatusRemoving   ContainerStatus = "removing"
	ContainerStatusExited     ContainerStatus = "exited"
	ContainerStatusDead       ContainerStatus = "dead"
)

// ContainerInfo contains information about a container.
type ContainerInfo struct {
	ID           string
	Name         string
	Image        string
	Status       ContainerStatus
	CreatedAt    time.Time
	Ports        []PortBinding
	Labels       map[string]string
	RestartCount int
}

// =============================================================================
// Options
// =============================================================================

// RemoveOptions defines options for removing containers.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// ListOptions defines options for listing containers.
type ListOptions struct {
	All     bool              // Include stopped containers
	Filters map[string]string // e.g., {"label": "com.branchoff.managed=true"}
}

// =============================================================================
// Client Interface
// =============================================================================

// Client is the subset of the Docker API the container backend uses.
type Client interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)
	ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error)

	PullImage(ctx context.Context, image string) error
	ImageExists(ctx context.Context, image string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Label Constants
// =============================================================================

const (
	LabelManaged = "com.branchoff.managed"
	LabelProcess = "com.branchoff.process"
	LabelPort    = "com.branchoff.port"
)
