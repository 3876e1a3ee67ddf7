package studio

import "time"

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Session is one user's sandboxed work unit, mapped to at most one container.
// Values returned by the lifecycle manager are snapshots.
type Session struct {
	ID string `json:"sessionId"`
	// ContainerID is empty until the engine has created the container.
	ContainerID   string    `json:"containerId,omitempty"`
	ProjectName   string    `json:"projectName,omitempty"`
	WorkspacePath string    `json:"workspacePath"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
	LastError     string    `json:"lastError,omitempty"`
	// PreviewPort is the host port mapped to the container's preview port,
	// or empty when no preview port is configured.
	PreviewPort string `json:"previewPort,omitempty"`
}

// Idle reports whether the session has had no activity for longer than
// timeout. A session with no recorded activity is always idle.
func (s Session) Idle(now time.Time, timeout time.Duration) bool {
	if s.LastActivity.IsZero() {
		return true
	}
	return now.Sub(s.LastActivity) > timeout
}
