package process

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hermesthecat/hermes-pm2-web-ui/pkg/api"
)

// DefaultLogDateFormat is the timestamp layout stamped into process log files
const DefaultLogDateFormat = "2006-01-02 15:04 -0700"

type busEntry struct {
	kind EventKind
	fn   Handler
}

// Manager wraps a backend Runtime behind a small event-emitting adapter.
// Control calls are forwarded by name; the backend's event stream is opened
// exactly once and fanned out to an arbitrary, changing set of subscribers.
type Manager struct {
	runtime   Runtime
	scriptDir string
	logger    *logrus.Logger

	mu       sync.RWMutex
	handlers map[string]busEntry

	busOnce sync.Once
	busErr  error

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a new process manager on top of the given runtime.
// scriptDir is where derived script paths and log files live for processes
// not yet known to the backend.
func NewManager(runtime Runtime, scriptDir string, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		runtime:   runtime,
		scriptDir: scriptDir,
		logger:    logger,
		handlers:  make(map[string]busEntry),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// List returns a snapshot of all backend processes. A backend failure is
// propagated, never masked as an empty list.
func (m *Manager) List(ctx context.Context) ([]api.Process, error) {
	procs, err := m.runtime.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	return procs, nil
}

// Start starts the named process. If the backend already knows the name,
// the existing registration is (re)started and its configured script path
// is left untouched; otherwise a new managed process is created from the
// given script, or from a path derived from the name when script is empty.
func (m *Manager) Start(ctx context.Context, name, script string) (*api.Process, error) {
	procs, err := m.runtime.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	for _, p := range procs {
		if p.Name == name {
			m.logger.WithField("process", name).Info("Starting existing process")
			proc, err := m.runtime.Start(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("failed to start process %s: %w", name, err)
			}
			return proc, nil
		}
	}

	spec := m.startSpec(name, script)
	m.logger.WithFields(logrus.Fields{
		"process": name,
		"script":  spec.Script,
	}).Info("Launching new process")

	proc, err := m.runtime.Launch(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to launch process %s: %w", name, err)
	}
	return proc, nil
}

// Stop stops the named process
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.logger.WithField("process", name).Info("Stopping process")
	if err := m.runtime.Stop(ctx, name); err != nil {
		return fmt.Errorf("failed to stop process %s: %w", name, err)
	}
	return nil
}

// Restart restarts the named process
func (m *Manager) Restart(ctx context.Context, name string) (*api.Process, error) {
	m.logger.WithField("process", name).Info("Restarting process")
	proc, err := m.runtime.Restart(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to restart process %s: %w", name, err)
	}
	return proc, nil
}

// startSpec builds launch options for a process the backend does not know
// yet: fork execution and dated log files named after the process.
func (m *Manager) startSpec(name, script string) StartSpec {
	if script == "" {
		script = name
	}
	if m.scriptDir != "" && !filepath.IsAbs(script) {
		script = filepath.Join(m.scriptDir, script)
	}

	alias := strings.TrimSuffix(name, filepath.Ext(name))
	logDir := m.scriptDir
	if logDir == "" {
		logDir = "."
	}

	return StartSpec{
		Name:          name,
		Script:        script,
		OutFile:       filepath.Join(logDir, alias+".stdout.log"),
		ErrFile:       filepath.Join(logDir, alias+".stderr.log"),
		LogDateFormat: DefaultLogDateFormat,
		ExecMode:      "fork",
	}
}

// ensureBus opens the shared backend event stream exactly once
func (m *Manager) ensureBus() error {
	m.busOnce.Do(func() {
		events, err := m.runtime.Events(m.ctx)
		if err != nil {
			m.busErr = fmt.Errorf("failed to open backend event stream: %w", err)
			return
		}
		m.logger.Info("Backend event bus launched")
		go m.pump(events)
	})
	return m.busErr
}

// pump normalizes raw backend events and fans them out. Stderr lines are
// tagged, and every lifecycle transition is re-emitted as a synthetic log
// line so log-only consumers still see state changes.
func (m *Manager) pump(events <-chan Event) {
	for e := range events {
		if e.At.IsZero() {
			e.At = time.Now()
		}

		switch e.Kind {
		case EventLog:
			if e.Stderr {
				e.Line = "[ERROR] " + e.Line
			}
			m.dispatch(e)
		case EventStatusChange:
			m.dispatch(e)
			m.dispatch(Event{
				Kind: EventLog,
				Name: e.Name,
				ID:   e.ID,
				Line: fmt.Sprintf("[STATUS] Process %s is %s", e.Name, e.Status),
				At:   e.At,
			})
		}
	}
	m.logger.Info("Backend event stream closed")
}

// Close detaches from the backend and stops the event pump
func (m *Manager) Close() error {
	m.cancel()
	return m.runtime.Close()
}
