package api

import "time"

// ProcessStatus represents the lifecycle status of a managed process
type ProcessStatus string

const (
	// ProcessOnline indicates the process is running
	ProcessOnline ProcessStatus = "online"
	// ProcessStopped indicates the process has been stopped
	ProcessStopped ProcessStatus = "stopped"
	// ProcessErrored indicates the process exited abnormally
	ProcessErrored ProcessStatus = "errored"
	// ProcessLaunching indicates the process is starting up
	ProcessLaunching ProcessStatus = "launching"
	// ProcessUnknown indicates the backend reported no recognizable status
	ProcessUnknown ProcessStatus = "unknown"
)

// Process represents a process as reported by the backend process manager.
// Processes are owned by the backend; this system only observes them and
// requests transitions.
type Process struct {
	Name      string        `json:"name"`
	ID        int64         `json:"id"`
	PID       int32         `json:"pid,omitempty"`
	Status    ProcessStatus `json:"status"`
	CPU       float64       `json:"cpu"`
	Memory    uint64        `json:"memory"`
	StartedAt int64         `json:"started_at,omitempty"`
}

// Project represents a user-defined group of processes. Membership is by
// process name only; a project may reference names the backend does not
// currently know.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Processes   []string  `json:"processes"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// UserRole represents a user's role
type UserRole string

const (
	// RoleUser is the default role for registered users
	RoleUser UserRole = "user"
	// RoleAdmin grants access to process control and project mutation
	RoleAdmin UserRole = "admin"
)

// User represents a dashboard user account. The password hash is never
// serialized over the API.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// MonitoringSample is one per-process measurement from a monitoring tick
type MonitoringSample struct {
	Name   string        `json:"name"`
	ID     int64         `json:"id"`
	CPU    float64       `json:"cpu"`
	Memory uint64        `json:"memory"`
	Status ProcessStatus `json:"status"`
}

// LogEntry is a single log line from a managed process
type LogEntry struct {
	Name string `json:"name"`
	ID   int64  `json:"id"`
	Data string `json:"data"`
	At   int64  `json:"at"`
}

// Event names for the websocket channel
const (
	EventLogOut           = "log:out"
	EventProcessesUpdated = "processes:updated"
	EventMonitoringDelta  = "processes:monitoring:delta"
	EventMonitoringFull   = "processes:monitoring:full"
)

// Envelope wraps every server-to-client websocket message
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// LoginResponse is returned by POST /login
type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}
