package process

import (
	"context"
	"time"

	"github.com/hermesthecat/hermes-pm2-web-ui/pkg/api"
)

// EventKind classifies events emitted by the backend bus
type EventKind string

const (
	// EventLog is a single stdout/stderr line from a managed process
	EventLog EventKind = "log"
	// EventStatusChange is a process lifecycle transition
	EventStatusChange EventKind = "status_change"
)

// Event is a normalized event from the backend process manager
type Event struct {
	Kind   EventKind
	Name   string
	ID     int64
	Line   string
	Stderr bool
	Status api.ProcessStatus
	At     time.Time
}

// StartSpec describes a new managed process to register with the backend
type StartSpec struct {
	Name          string
	Script        string
	OutFile       string
	ErrFile       string
	LogDateFormat string
	ExecMode      string
}

// Runtime is the backend process manager the adapter delegates to.
// Implementations wrap the pm2 CLI or supervise local children directly.
type Runtime interface {
	// List returns a snapshot of all processes known to the backend
	List(ctx context.Context) ([]api.Process, error)

	// Start (re)starts a process already registered with the backend
	Start(ctx context.Context, name string) (*api.Process, error)

	// Launch registers and starts a new managed process
	Launch(ctx context.Context, spec StartSpec) (*api.Process, error)

	// Stop stops a process by name
	Stop(ctx context.Context, name string) error

	// Restart restarts a process by name
	Restart(ctx context.Context, name string) (*api.Process, error)

	// Events opens the backend event stream. The returned channel is
	// closed when ctx is cancelled or the stream ends.
	Events(ctx context.Context) (<-chan Event, error)

	// Close releases backend resources
	Close() error
}
