// Package localrun implements the backend runtime without an external
// process manager: children are supervised directly and sampled with
// gopsutil. It is the runtime of choice where pm2 is not installed.
package localrun

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	gops "github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/hermesthecat/hermes-pm2-web-ui/internal/process"
	"github.com/hermesthecat/hermes-pm2-web-ui/pkg/api"
)

type child struct {
	spec      process.StartSpec
	cmd       *exec.Cmd
	id        int64
	pid       int32
	status    api.ProcessStatus
	startedAt int64
	wantStop  bool
}

// Runtime supervises local child processes
type Runtime struct {
	logger *logrus.Logger

	mu           sync.Mutex
	children     map[string]*child
	nextID       int64
	events       chan process.Event
	eventsClosed bool
}

// NewRuntime creates a local supervisor runtime
func NewRuntime(logger *logrus.Logger) *Runtime {
	if logger == nil {
		logger = logrus.New()
	}
	return &Runtime{
		logger:   logger,
		children: make(map[string]*child),
	}
}

// List returns a snapshot of all supervised children with live CPU/memory
// readings for running ones.
func (r *Runtime) List(ctx context.Context) ([]api.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	procs := make([]api.Process, 0, len(r.children))
	for name, c := range r.children {
		p := api.Process{
			Name:      name,
			ID:        c.id,
			PID:       c.pid,
			Status:    c.status,
			StartedAt: c.startedAt,
		}

		if c.status == api.ProcessOnline && c.pid > 0 {
			if gp, err := gops.NewProcess(c.pid); err == nil {
				if cpu, err := gp.CPUPercent(); err == nil {
					p.CPU = cpu
				}
				if mem, err := gp.MemoryInfo(); err == nil && mem != nil {
					p.Memory = mem.RSS
				}
			}
		}

		procs = append(procs, p)
	}
	return procs, nil
}

// Start (re)starts a child that was launched before
func (r *Runtime) Start(ctx context.Context, name string) (*api.Process, error) {
	r.mu.Lock()
	c, ok := r.children[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("process %s is not registered", name)
	}
	if c.status == api.ProcessOnline || c.status == api.ProcessLaunching {
		proc := r.describeLocked(name)
		r.mu.Unlock()
		return proc, nil
	}
	spec := c.spec
	r.mu.Unlock()

	return r.spawn(spec)
}

// Launch registers and starts a new child from the spec
func (r *Runtime) Launch(ctx context.Context, spec process.StartSpec) (*api.Process, error) {
	r.mu.Lock()
	if c, ok := r.children[spec.Name]; ok && (c.status == api.ProcessOnline || c.status == api.ProcessLaunching) {
		r.mu.Unlock()
		return nil, fmt.Errorf("process %s is already running", spec.Name)
	}
	r.mu.Unlock()

	return r.spawn(spec)
}

// Stop terminates a running child with SIGTERM
func (r *Runtime) Stop(ctx context.Context, name string) error {
	r.mu.Lock()
	c, ok := r.children[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("process %s is not registered", name)
	}
	if c.status != api.ProcessOnline && c.status != api.ProcessLaunching {
		r.mu.Unlock()
		return nil
	}
	c.wantStop = true
	cmd := c.cmd
	r.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to signal process %s: %w", name, err)
		}
	}
	return nil
}

// Restart stops the child if running, then starts it again
func (r *Runtime) Restart(ctx context.Context, name string) (*api.Process, error) {
	r.mu.Lock()
	c, ok := r.children[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("process %s is not registered", name)
	}
	running := c.status == api.ProcessOnline || c.status == api.ProcessLaunching
	spec := c.spec
	r.mu.Unlock()

	if running {
		if err := r.Stop(ctx, name); err != nil {
			return nil, err
		}
		// the exit watcher owns Wait; give it a moment to reap
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			r.mu.Lock()
			stopped := r.children[name].status != api.ProcessOnline
			r.mu.Unlock()
			if stopped {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
	}

	return r.spawn(spec)
}

// Events returns the runtime event stream
func (r *Runtime) Events(ctx context.Context) (<-chan process.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = make(chan process.Event, 64)
		go func() {
			<-ctx.Done()
			r.mu.Lock()
			close(r.events)
			r.eventsClosed = true
			r.mu.Unlock()
		}()
	}
	return r.events, nil
}

// spawn starts the child process and wires log forwarding and the exit
// watcher.
func (r *Runtime) spawn(spec process.StartSpec) (*api.Process, error) {
	cmd := exec.Command(spec.Script)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe for %s: %w", spec.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe for %s: %w", spec.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}

	r.mu.Lock()
	c, ok := r.children[spec.Name]
	if !ok {
		r.nextID++
		c = &child{id: r.nextID}
		r.children[spec.Name] = c
	}
	c.spec = spec
	c.cmd = cmd
	c.pid = int32(cmd.Process.Pid)
	c.status = api.ProcessOnline
	c.startedAt = time.Now().UnixMilli()
	c.wantStop = false
	id := c.id
	r.mu.Unlock()

	r.emit(process.Event{
		Kind:   process.EventStatusChange,
		Name:   spec.Name,
		ID:     id,
		Status: api.ProcessOnline,
		At:     time.Now(),
	})

	go r.forward(spec.Name, id, stdout, false, spec.OutFile)
	go r.forward(spec.Name, id, stderr, true, spec.ErrFile)
	go r.watch(spec.Name, id, cmd)

	r.logger.WithFields(logrus.Fields{
		"process": spec.Name,
		"pid":     cmd.Process.Pid,
	}).Info("Started local process")

	return &api.Process{
		Name:      spec.Name,
		ID:        id,
		PID:       int32(cmd.Process.Pid),
		Status:    api.ProcessOnline,
		StartedAt: time.Now().UnixMilli(),
	}, nil
}

// forward streams one output pipe into the event bus and the log file
func (r *Runtime) forward(name string, id int64, rc io.Reader, isStderr bool, logPath string) {
	var sink io.Writer
	if logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			defer f.Close()
			sink = f
		} else {
			r.logger.WithError(err).WithField("path", logPath).Warn("Failed to open process log file")
		}
	}

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if sink != nil {
			fmt.Fprintf(sink, "%s: %s\n", time.Now().Format(process.DefaultLogDateFormat), line)
		}
		r.emit(process.Event{
			Kind:   process.EventLog,
			Name:   name,
			ID:     id,
			Line:   line,
			Stderr: isStderr,
			At:     time.Now(),
		})
	}
}

// watch reaps the child and records its final status
func (r *Runtime) watch(name string, id int64, cmd *exec.Cmd) {
	err := cmd.Wait()

	r.mu.Lock()
	c, ok := r.children[name]
	status := api.ProcessStopped
	if ok {
		if !c.wantStop && err != nil {
			status = api.ProcessErrored
		}
		c.status = status
		c.pid = 0
	}
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"process": name,
		"status":  status,
	}).Info("Local process exited")

	r.emit(process.Event{
		Kind:   process.EventStatusChange,
		Name:   name,
		ID:     id,
		Status: status,
		At:     time.Now(),
	})
}

// emit drops events when nobody has opened the stream, or when the buffer
// is full. The send happens under the lock so it cannot race the close.
func (r *Runtime) emit(e process.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil || r.eventsClosed {
		return
	}
	select {
	case r.events <- e:
	default:
		r.logger.WithField("process", e.Name).Warn("Event buffer full, dropping event")
	}
}

func (r *Runtime) describeLocked(name string) *api.Process {
	c := r.children[name]
	return &api.Process{
		Name:      name,
		ID:        c.id,
		PID:       c.pid,
		Status:    c.status,
		StartedAt: c.startedAt,
	}
}

// Close stops all running children
func (r *Runtime) Close() error {
	r.mu.Lock()
	var cmds []*exec.Cmd
	for _, c := range r.children {
		if c.status == api.ProcessOnline && c.cmd != nil && c.cmd.Process != nil {
			c.wantStop = true
			cmds = append(cmds, c.cmd)
		}
	}
	r.mu.Unlock()

	for _, cmd := range cmds {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}
