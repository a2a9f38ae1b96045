// Package monitor implements the periodic sampling loop that diffs
// CPU/memory/status per process and broadcasts only what changed, with a
// periodic full resynchronization for clients that missed deltas.
package monitor

import (
	"context"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hermesthecat/hermes-pm2-web-ui/pkg/api"
)

const (
	// DefaultInterval is the sampling tick
	DefaultInterval = 3 * time.Second
	// DefaultResyncInterval is how often a full set is broadcast
	// regardless of change
	DefaultResyncInterval = 30 * time.Second
	// cpuEpsilon is the CPU change (in percentage points) below which a
	// process is considered unchanged
	cpuEpsilon = 0.1
)

// Lister provides process snapshots
type Lister interface {
	List(ctx context.Context) ([]api.Process, error)
}

// Broadcaster receives monitoring events for fan-out to clients
type Broadcaster interface {
	BroadcastDelta(samples []api.MonitoringSample)
	BroadcastFull(samples []api.MonitoringSample)
}

// Sink receives every full snapshot for long-term storage
type Sink interface {
	Index(ctx context.Context, samples []api.MonitoringSample) error
}

// Monitor runs the sampling/diffing loop
type Monitor struct {
	lister      Lister
	broadcaster Broadcaster
	sink        Sink
	logger      *logrus.Logger

	interval    time.Duration
	resyncEvery time.Duration

	prev     map[string]api.MonitoringSample
	lastFull time.Time
	inFlight atomic.Bool
}

// NewMonitor creates a monitor with default intervals
func NewMonitor(lister Lister, broadcaster Broadcaster, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Monitor{
		lister:      lister,
		broadcaster: broadcaster,
		logger:      logger,
		interval:    DefaultInterval,
		resyncEvery: DefaultResyncInterval,
		prev:        make(map[string]api.MonitoringSample),
	}
}

// WithInterval overrides the sampling tick
func (m *Monitor) WithInterval(d time.Duration) *Monitor {
	if d > 0 {
		m.interval = d
	}
	return m
}

// WithResyncInterval overrides the full-broadcast interval
func (m *Monitor) WithResyncInterval(d time.Duration) *Monitor {
	if d > 0 {
		m.resyncEvery = d
	}
	return m
}

// WithSink attaches a snapshot sink
func (m *Monitor) WithSink(sink Sink) *Monitor {
	m.sink = sink
	return m
}

// Run ticks until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"interval": m.interval,
		"resync":   m.resyncEvery,
	}).Info("Monitoring loop started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitoring loop stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick takes one sample, broadcasts the changed subset (or the full set at
// resync time) and stores the sample for the next comparison. A tick is
// skipped entirely when the previous one is still in flight.
func (m *Monitor) tick(ctx context.Context) {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug("Previous monitoring tick still in flight, skipping")
		return
	}
	defer m.inFlight.Store(false)

	procs, err := m.lister.List(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Failed to snapshot processes for monitoring")
		return
	}

	current := make(map[string]api.MonitoringSample, len(procs))
	all := make([]api.MonitoringSample, 0, len(procs))
	var changed []api.MonitoringSample

	for _, p := range procs {
		sample := api.MonitoringSample{
			Name:   p.Name,
			ID:     p.ID,
			CPU:    math.Round(p.CPU*100) / 100,
			Memory: p.Memory,
			Status: p.Status,
		}
		current[sample.Name] = sample
		all = append(all, sample)

		prev, seen := m.prev[sample.Name]
		if !seen || sampleChanged(prev, sample) {
			changed = append(changed, sample)
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	sort.Slice(changed, func(i, j int) bool { return changed[i].Name < changed[j].Name })

	now := time.Now()
	if m.lastFull.IsZero() || now.Sub(m.lastFull) >= m.resyncEvery {
		m.broadcaster.BroadcastFull(all)
		m.lastFull = now
	} else if len(changed) > 0 {
		m.broadcaster.BroadcastDelta(changed)
	}

	if m.sink != nil && len(all) > 0 {
		if err := m.sink.Index(ctx, all); err != nil {
			m.logger.WithError(err).Warn("Failed to index monitoring samples")
		}
	}

	m.prev = current
}

// sampleChanged reports whether a process moved enough to be included in a
// delta: CPU beyond the epsilon, or any memory or status difference.
func sampleChanged(prev, cur api.MonitoringSample) bool {
	if math.Abs(cur.CPU-prev.CPU) > cpuEpsilon {
		return true
	}
	if cur.Memory != prev.Memory {
		return true
	}
	if cur.Status != prev.Status {
		return true
	}
	return false
}
