package domain

import "time"

// =============================================================================
// Managed Processes
// =============================================================================

// ProcessStatus is the supervisor's view of a managed process group.
type ProcessStatus string

const (
	ProcessStarting   ProcessStatus = "starting"
	ProcessRunning    ProcessStatus = "running"
	ProcessRestarting ProcessStatus = "restarting"
	ProcessStopped    ProcessStatus = "stopped"
	ProcessErrored    ProcessStatus = "errored"
)

// IsLive reports whether a group in this status may still have processes.
func (s ProcessStatus) IsLive() bool {
	switch s {
	case ProcessStarting, ProcessRunning, ProcessRestarting:
		return true
	default:
		return false
	}
}

// ProcessRecord is the persisted state of one managed process group.
type ProcessRecord struct {
	Name      string        `db:"name" json:"name"`
	Backend   string        `db:"backend" json:"backend"`
	PID       int           `db:"pid" json:"pid,omitempty"`
	Instances int           `db:"instances" json:"instances"`
	Status    ProcessStatus `db:"status" json:"status"`
	Restarts  int           `db:"restarts" json:"restarts"`
	Port      int           `db:"port" json:"port"`
	Dir       string        `db:"dir" json:"dir"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
}
