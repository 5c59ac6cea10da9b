package api

import (
	"time"

	"github.com/branchoff/branchoff/internal/core/domain"
)

// =============================================================================
// Request Types
// =============================================================================

// DeployRequest is the request body for deploying a branch. Mode "test" or
// "stage" only stages; otherwise the branch is created or, with Update set,
// refreshed in place.
type DeployRequest struct {
	URI    string `json:"uri" validate:"required"`
	Branch string `json:"branch" validate:"required"`
	Mode   string `json:"mode,omitempty" validate:"omitempty,oneof=release test stage"`
	Scale  *int   `json:"scale,omitempty" validate:"omitempty,min=1"`
	Commit string `json:"commit,omitempty"`
	Update bool   `json:"update,omitempty"`
	Wait   bool   `json:"wait,omitempty"`
}

// DestroyRequest is the request body for destroying a context.
type DestroyRequest struct {
	URI    string `json:"uri" validate:"required"`
	Branch string `json:"branch" validate:"required"`
	Mode   string `json:"mode,omitempty" validate:"omitempty,oneof=release test stage"`
	Wait   bool   `json:"wait,omitempty"`
}

// HookRequest is the optional request body for running a hook.
type HookRequest struct {
	Args []string `json:"args,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// ContextResponse is the response for registry entries.
type ContextResponse struct {
	ID        string      `json:"id"`
	URI       string      `json:"uri"`
	Branch    string      `json:"branch"`
	Mode      domain.Mode `json:"mode"`
	Commit    string      `json:"commit,omitempty"`
	Port      int         `json:"port"`
	Scale     int         `json:"scale"`
	Dir       string      `json:"dir"`
	Process   string      `json:"process"`
	Instances int         `json:"instances,omitempty"`
	ExecMode  string      `json:"exec_mode,omitempty"`
}

// ListContextsResponse is the response for listing the registry.
type ListContextsResponse struct {
	Contexts []ContextResponse `json:"contexts"`
	Total    int               `json:"total"`
}

// AcceptedResponse is returned once an operation is queued.
type AcceptedResponse struct {
	Status       string `json:"status"`
	Operation    string `json:"operation,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`
}

// ResultResponse carries the outcome of an operation or hook.
type ResultResponse struct {
	Operation    string `json:"operation,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`
	Code         int    `json:"code"`
	Output       string `json:"output"`
	Error        string `json:"error,omitempty"`
}

// ListRunsResponse is the response for listing runs.
type ListRunsResponse struct {
	Runs   []domain.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// ListProcessesResponse is the response for listing managed processes.
type ListProcessesResponse struct {
	Processes []domain.ProcessRecord `json:"processes"`
	Total     int                    `json:"total"`
}

// WebhookResponse is the response for webhook deliveries.
type WebhookResponse struct {
	Status    string `json:"status"`
	Event     string `json:"event"`
	Operation string `json:"operation,omitempty"`
	Branch    string `json:"branch,omitempty"`
}

// HealthResponse is the response for health check.
type HealthResponse struct {
	Status    string    `json:"status"`
	QueueLen  int       `json:"queue_length"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
