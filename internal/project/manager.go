// Package project implements the project registry: CRUD over named groups
// of process names, persisted as a JSON file with the in-memory map as the
// working copy.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hermesthecat/hermes-pm2-web-ui/pkg/api"
)

// ErrNotFound is returned when a project id does not exist
var ErrNotFound = errors.New("project not found")

// CreateInput carries the fields for a new project
type CreateInput struct {
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description"`
	Processes   []string `json:"processes"`
}

// UpdateInput carries a partial update. Nil fields keep their prior value;
// a present-but-empty description is a valid update to the empty string.
type UpdateInput struct {
	Name        *string   `json:"name"`
	Description *string   `json:"description"`
	Processes   *[]string `json:"processes"`
}

// Manager owns the project map and its on-disk copy
type Manager struct {
	dataFile string
	logger   *logrus.Logger

	mu       sync.RWMutex
	projects map[string]*api.Project

	// debounce > 0 coalesces rapid mutations into one write. Mutations
	// inside the window are lost on abrupt termination; Close flushes.
	debounce time.Duration
	pending  *time.Timer
	dirty    bool
}

// NewManager loads the registry from dataFile. A missing or malformed file
// starts an empty registry rather than failing.
func NewManager(dataFile string, debounce time.Duration, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
	}

	if err := os.MkdirAll(filepath.Dir(dataFile), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	m := &Manager{
		dataFile: dataFile,
		logger:   logger,
		projects: make(map[string]*api.Project),
		debounce: debounce,
	}

	data, err := os.ReadFile(dataFile)
	if err == nil {
		var projects []*api.Project
		if jsonErr := json.Unmarshal(data, &projects); jsonErr == nil {
			for _, p := range projects {
				m.projects[p.ID] = p
			}
		} else {
			logger.WithError(jsonErr).Warn("Malformed project file, starting empty")
		}
	}

	return m, nil
}

// List returns all projects
func (m *Manager) List() []api.Project {
	m.mu.RLock()
	defer m.mu.RUnlock()

	projects := make([]api.Project, 0, len(m.projects))
	for _, p := range m.projects {
		projects = append(projects, *p)
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})
	return projects
}

// Get returns one project by id
func (m *Manager) Get(id string) (*api.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *p
	return &out, nil
}

// Create adds a new project with a generated id
func (m *Manager) Create(in CreateInput) (*api.Project, error) {
	now := time.Now()
	p := &api.Project{
		ID:          uuid.New().String(),
		Name:        in.Name,
		Description: in.Description,
		Processes:   append([]string{}, in.Processes...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
	if err := m.saveLocked(); err != nil {
		return nil, err
	}

	out := *p
	return &out, nil
}

// Update applies a partial update to a project
func (m *Manager) Update(id string, in UpdateInput) (*api.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}

	// an update carrying no fields changes nothing: UpdatedAt stays put
	// and nothing is written, same as no-op membership edits
	if in.Name == nil && in.Description == nil && in.Processes == nil {
		out := *p
		return &out, nil
	}

	if in.Name != nil {
		p.Name = *in.Name
	}
	if in.Description != nil {
		p.Description = *in.Description
	}
	if in.Processes != nil {
		p.Processes = append([]string{}, (*in.Processes)...)
	}
	p.UpdatedAt = time.Now()

	if err := m.saveLocked(); err != nil {
		return nil, err
	}

	out := *p
	return &out, nil
}

// Delete removes a project
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[id]; !ok {
		return ErrNotFound
	}
	delete(m.projects, id)
	return m.saveLocked()
}

// AddProcess adds a process name to a project's membership. Adding a name
// that is already present is a no-op and does not touch UpdatedAt.
func (m *Manager) AddProcess(id, name string) (*api.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}

	for _, existing := range p.Processes {
		if existing == name {
			out := *p
			return &out, nil
		}
	}

	p.Processes = append(p.Processes, name)
	p.UpdatedAt = time.Now()
	if err := m.saveLocked(); err != nil {
		return nil, err
	}

	out := *p
	return &out, nil
}

// RemoveProcess removes a process name from a project's membership.
// Removing an absent name is a no-op and does not touch UpdatedAt.
func (m *Manager) RemoveProcess(id, name string) (*api.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}

	idx := -1
	for i, existing := range p.Processes {
		if existing == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		out := *p
		return &out, nil
	}

	p.Processes = append(p.Processes[:idx], p.Processes[idx+1:]...)
	p.UpdatedAt = time.Now()
	if err := m.saveLocked(); err != nil {
		return nil, err
	}

	out := *p
	return &out, nil
}

// FindByProcess returns the first project whose membership contains the
// given process name, or ErrNotFound.
func (m *Manager) FindByProcess(name string) (*api.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.projects {
		for _, existing := range p.Processes {
			if existing == name {
				out := *p
				return &out, nil
			}
		}
	}
	return nil, ErrNotFound
}

// saveLocked persists the map. With debouncing disabled every mutation is
// written through; otherwise the write is deferred to coalesce bursts.
func (m *Manager) saveLocked() error {
	if m.debounce <= 0 {
		return m.writeLocked()
	}

	m.dirty = true
	if m.pending == nil {
		m.pending = time.AfterFunc(m.debounce, m.flushPending)
	} else {
		m.pending.Reset(m.debounce)
	}
	return nil
}

func (m *Manager) flushPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty {
		return
	}
	if err := m.writeLocked(); err != nil {
		m.logger.WithError(err).Error("Failed to flush projects to disk")
	}
}

func (m *Manager) writeLocked() error {
	projects := make([]*api.Project, 0, len(m.projects))
	for _, p := range m.projects {
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})

	data, err := json.MarshalIndent(projects, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal projects: %w", err)
	}
	if err := os.WriteFile(m.dataFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write project file: %w", err)
	}
	m.dirty = false
	return nil
}

// Close flushes any pending debounced write
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		m.pending.Stop()
	}
	if m.dirty {
		return m.writeLocked()
	}
	return nil
}
