package container

import "time"

// State is the lifecycle state of a managed container.
type State string

const (
	StateCreating State = "creating"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	// StateStopped is an operator-initiated stop.
	StateStopped State = "stopped"
	// StateExited means the container ran to completion with exit code 0.
	StateExited State = "exited"
	StateError  State = "error"
)

// Terminal reports whether no further transitions are expected.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateExited || s == StateError
}

// Record is the controller's view of one managed container. The ID is the
// container name, "<prefix>-<courseID>-<timestamp>", and never changes.
type Record struct {
	ID        string            `json:"id"`
	CourseID  string            `json:"courseId"`
	DockerID  string            `json:"dockerId"`
	State     State             `json:"state"`
	Image     string            `json:"image"`
	StartedAt time.Time         `json:"startedAt"`
	ExitCode  *int              `json:"exitCode,omitempty"`
	Message   string            `json:"message,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Ports     map[string]string `json:"ports,omitempty"` // container port -> host port
	OneShot   bool              `json:"oneShot,omitempty"`
}

// Config describes the container to create for a course.
type Config struct {
	Image      string
	Cmd        []string
	Env        map[string]string
	Ports      map[string]string // container port -> host port
	Volumes    map[string]string // host path -> container path
	WorkingDir string
	Privileged bool
	// OneShot marks images whose process is expected to exit immediately
	// with code 0; that exit counts as a successful start.
	OneShot bool
}

// StateChange is published whenever a record's state moves.
type StateChange struct {
	ContainerID string `json:"containerId"`
	CourseID    string `json:"courseId"`
	State       State  `json:"state"`
	Message     string `json:"message,omitempty"`
}

// ConflictContainer identifies a container holding a contested host port.
type ConflictContainer struct {
	ContainerID string `json:"containerId"`
	CourseID    string `json:"courseId"`
	State       State  `json:"state"`
}

// PortConflict is the result of a host-port availability check.
type PortConflict struct {
	CourseID           string              `json:"courseId"`
	Port               string              `json:"port"`
	IsConflicted       bool                `json:"isConflicted"`
	ConflictContainers []ConflictContainer `json:"conflictContainers"`
}

// CleanupItem records the outcome for one container during cleanup.
type CleanupItem struct {
	ContainerID string `json:"containerId"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// CleanupResult aggregates a best-effort cleanup pass. Success is false
// only when every attempted removal failed or listing failed outright.
type CleanupResult struct {
	Success bool          `json:"success"`
	Items   []CleanupItem `json:"items"`
}
