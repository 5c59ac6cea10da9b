package docker

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

// Errors the docker process backend maps daemon responses onto. Each
// container runs one instance of a managed process group.
var (
	ErrContainerNotFound       = errors.New("container not found")
	ErrContainerAlreadyExists  = errors.New("container already exists")
	ErrContainerNotRunning     = errors.New("container is not running")
	ErrContainerAlreadyRunning = errors.New("container is already running")

	// The branch config named an image the daemon cannot provide.
	ErrImageNotFound   = errors.New("image not found")
	ErrImagePullFailed = errors.New("image pull failed")

	// Another container already publishes the context's port.
	ErrPortAlreadyAllocated = errors.New("port is already allocated")
	ErrConnectionFailed     = errors.New("docker daemon unreachable")
)

// DockerError records which daemon call failed and on what.
type DockerError struct {
	Op      string // client method, e.g. "StartContainer"
	Object  string // "container" or "image"
	Name    string // container name or id, or image reference
	Message string
	Err     error
}

func (e *DockerError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Object, e.Name, e.Message)
	}
	if e.Object != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Object, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *DockerError) Unwrap() error {
	return e.Err
}

// NewDockerError creates a DockerError.
func NewDockerError(op, object, name, message string, err error) *DockerError {
	return &DockerError{
		Op:      op,
		Object:  object,
		Name:    name,
		Message: message,
		Err:     err,
	}
}
