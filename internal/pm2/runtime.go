// Package pm2 implements the backend runtime on top of the pm2 CLI.
package pm2

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/hermesthecat/hermes-pm2-web-ui/internal/process"
	"github.com/hermesthecat/hermes-pm2-web-ui/pkg/api"
)

// maxConcurrentCalls bounds in-flight pm2 CLI invocations so a burst of
// dashboard actions cannot fork an unbounded number of children.
const maxConcurrentCalls = 4

// statusPollInterval is how often the list is diffed for lifecycle
// transitions; the pm2 CLI exposes no push channel for them.
const statusPollInterval = 2 * time.Second

// Runtime drives a pm2 daemon through its CLI: `pm2 jlist` for snapshots,
// `pm2 start/stop/restart` for control, and a streamed `pm2 logs --json`
// for log lines.
type Runtime struct {
	bin    string
	logger *logrus.Logger
	sem    *semaphore.Weighted
}

// NewRuntime creates a pm2-backed runtime. bin defaults to "pm2".
func NewRuntime(bin string, logger *logrus.Logger) *Runtime {
	if bin == "" {
		bin = "pm2"
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Runtime{
		bin:    bin,
		logger: logger,
		sem:    semaphore.NewWeighted(maxConcurrentCalls),
	}
}

// jlistEntry mirrors the parts of `pm2 jlist` output this system reads
type jlistEntry struct {
	PID   int32  `json:"pid"`
	Name  string `json:"name"`
	PmID  int64  `json:"pm_id"`
	Monit struct {
		Memory uint64  `json:"memory"`
		CPU    float64 `json:"cpu"`
	} `json:"monit"`
	Env struct {
		Status   string `json:"status"`
		PmUptime int64  `json:"pm_uptime"`
	} `json:"pm2_env"`
}

// logLine mirrors one line of `pm2 logs --json` output
type logLine struct {
	Message     string `json:"message"`
	Type        string `json:"type"`
	ProcessName string `json:"process_name"`
	AppName     string `json:"app_name"`
}

// List returns a snapshot of all pm2 processes
func (r *Runtime) List(ctx context.Context) ([]api.Process, error) {
	out, err := r.run(ctx, "jlist")
	if err != nil {
		return nil, err
	}

	var entries []jlistEntry
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse pm2 jlist output: %w", err)
	}

	procs := make([]api.Process, 0, len(entries))
	for _, e := range entries {
		procs = append(procs, api.Process{
			Name:      e.Name,
			ID:        e.PmID,
			PID:       e.PID,
			Status:    parseStatus(e.Env.Status),
			CPU:       e.Monit.CPU,
			Memory:    e.Monit.Memory,
			StartedAt: e.Env.PmUptime,
		})
	}
	return procs, nil
}

// Start (re)starts a process pm2 already knows by name
func (r *Runtime) Start(ctx context.Context, name string) (*api.Process, error) {
	if _, err := r.run(ctx, "start", name); err != nil {
		return nil, err
	}
	return r.describe(ctx, name)
}

// Launch registers and starts a new managed process
func (r *Runtime) Launch(ctx context.Context, spec process.StartSpec) (*api.Process, error) {
	args := []string{
		"start", spec.Script,
		"--name", spec.Name,
		"--output", spec.OutFile,
		"--error", spec.ErrFile,
		"--log-date-format", spec.LogDateFormat,
	}
	// fork is pm2's default exec mode; cluster mode would need -i, which
	// this dashboard never requests
	if _, err := r.run(ctx, args...); err != nil {
		return nil, err
	}
	return r.describe(ctx, spec.Name)
}

// Stop stops a process by name
func (r *Runtime) Stop(ctx context.Context, name string) error {
	_, err := r.run(ctx, "stop", name)
	return err
}

// Restart restarts a process by name
func (r *Runtime) Restart(ctx context.Context, name string) (*api.Process, error) {
	if _, err := r.run(ctx, "restart", name); err != nil {
		return nil, err
	}
	return r.describe(ctx, name)
}

// Events streams log lines from `pm2 logs --json` and synthesizes
// status_change events by diffing periodic snapshots.
func (r *Runtime) Events(ctx context.Context) (<-chan process.Event, error) {
	cmd := exec.CommandContext(ctx, r.bin, "logs", "--json", "--raw")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open pm2 logs pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start pm2 logs: %w", err)
	}

	events := make(chan process.Event, 64)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		r.pollStatus(ctx, events)
	}()

	go func() {
		wg.Wait()
		close(events)
	}()

	go func() {
		defer wg.Done()
		defer func() { _ = cmd.Wait() }()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			var entry logLine
			if err := json.Unmarshal(line, &entry); err != nil {
				continue
			}

			name := entry.ProcessName
			if name == "" {
				name = entry.AppName
			}

			select {
			case events <- process.Event{
				Kind:   process.EventLog,
				Name:   name,
				Line:   strings.TrimRight(entry.Message, "\n"),
				Stderr: entry.Type == "err",
				At:     time.Now(),
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

// pollStatus diffs snapshots and emits one event per lifecycle transition
func (r *Runtime) pollStatus(ctx context.Context, events chan<- process.Event) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	last := make(map[string]api.ProcessStatus)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			procs, err := r.List(ctx)
			if err != nil {
				r.logger.WithError(err).Debug("Status poll failed")
				continue
			}

			seen := make(map[string]api.ProcessStatus, len(procs))
			for _, p := range procs {
				seen[p.Name] = p.Status
				if prev, ok := last[p.Name]; !ok || prev != p.Status {
					select {
					case events <- process.Event{
						Kind:   process.EventStatusChange,
						Name:   p.Name,
						ID:     p.ID,
						Status: p.Status,
						At:     time.Now(),
					}:
					case <-ctx.Done():
						return
					}
				}
			}
			last = seen
		}
	}
}

// describe looks a process up by name after a control call
func (r *Runtime) describe(ctx context.Context, name string) (*api.Process, error) {
	procs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range procs {
		if procs[i].Name == name {
			return &procs[i], nil
		}
	}
	return nil, fmt.Errorf("process %s not found after pm2 call", name)
}

// run executes one pm2 CLI command under the concurrency bound
func (r *Runtime) run(ctx context.Context, args ...string) ([]byte, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.WithField("args", strings.Join(args, " ")).Debug("Running pm2 command")

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("pm2 %s: %s", args[0], msg)
	}
	return stdout.Bytes(), nil
}

// Close is a no-op; the pm2 daemon outlives the dashboard
func (r *Runtime) Close() error {
	return nil
}

func parseStatus(s string) api.ProcessStatus {
	switch s {
	case "online":
		return api.ProcessOnline
	case "stopped", "stopping":
		return api.ProcessStopped
	case "errored":
		return api.ProcessErrored
	case "launching":
		return api.ProcessLaunching
	default:
		return api.ProcessUnknown
	}
}
