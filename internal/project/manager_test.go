package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermesthecat/hermes-pm2-web-ui/pkg/api"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	m, err := NewManager(filepath.Join(t.TempDir(), "projects.json"), 0, logger)
	require.NoError(t, err)
	return m
}

func TestCreateThenGetRoundTrips(t *testing.T) {
	m := newTestManager(t)

	created, err := m.Create(CreateInput{
		Name:        "billing",
		Description: "billing workers",
		Processes:   []string{"invoicer", "mailer"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, err := m.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "billing", got.Name)
	assert.Equal(t, "billing workers", got.Description)
	assert.Equal(t, []string{"invoicer", "mailer"}, got.Processes)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCreateAppliesDefaults(t *testing.T) {
	m := newTestManager(t)

	created, err := m.Create(CreateInput{Name: "empty"})
	require.NoError(t, err)
	assert.Equal(t, "", created.Description)
	assert.Empty(t, created.Processes)
	assert.NotNil(t, created.Processes)
}

func TestCreateGeneratesUniqueIDs(t *testing.T) {
	m := newTestManager(t)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		p, err := m.Create(CreateInput{Name: "dup"})
		require.NoError(t, err)
		assert.False(t, seen[p.ID], "id %s repeated", p.ID)
		seen[p.ID] = true
	}
}

func TestUpdateDistinguishesEmptyFromOmitted(t *testing.T) {
	m := newTestManager(t)
	created, err := m.Create(CreateInput{Name: "web", Description: "frontends", Processes: []string{"nginx"}})
	require.NoError(t, err)

	// description omitted: keep prior value
	updated, err := m.Update(created.ID, UpdateInput{})
	require.NoError(t, err)
	assert.Equal(t, "frontends", updated.Description)

	// description present as empty string: clear it, leave the rest alone
	empty := ""
	updated, err = m.Update(created.ID, UpdateInput{Description: &empty})
	require.NoError(t, err)
	assert.Equal(t, "", updated.Description)
	assert.Equal(t, "web", updated.Name)
	assert.Equal(t, []string{"nginx"}, updated.Processes)
}

func TestEmptyUpdateDoesNotBumpUpdatedAt(t *testing.T) {
	m := newTestManager(t)
	created, err := m.Create(CreateInput{Name: "web"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	p, err := m.Update(created.ID, UpdateInput{})
	require.NoError(t, err)
	assert.True(t, p.UpdatedAt.Equal(created.UpdatedAt), "field-less update must not bump UpdatedAt")

	name := "renamed"
	p, err = m.Update(created.ID, UpdateInput{Name: &name})
	require.NoError(t, err)
	assert.True(t, p.UpdatedAt.After(created.UpdatedAt))
}

func TestUpdateUnknownProjectReturnsNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Update("nope", UpdateInput{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddProcessIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	created, err := m.Create(CreateInput{Name: "workers"})
	require.NoError(t, err)

	p, err := m.AddProcess(created.ID, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, p.Processes)

	p, err = m.AddProcess(created.ID, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, p.Processes, "adding an already-present name must be a no-op")
}

func TestRemoveAbsentProcessDoesNotTouchUpdatedAt(t *testing.T) {
	m := newTestManager(t)
	created, err := m.Create(CreateInput{Name: "workers", Processes: []string{"x"}})
	require.NoError(t, err)

	before, err := m.Get(created.ID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	p, err := m.RemoveProcess(created.ID, "absent")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, p.Processes)
	assert.True(t, p.UpdatedAt.Equal(before.UpdatedAt), "no-op removal must not bump UpdatedAt")
}

func TestRemoveProcess(t *testing.T) {
	m := newTestManager(t)
	created, err := m.Create(CreateInput{Name: "workers", Processes: []string{"a", "b", "c"}})
	require.NoError(t, err)

	p, err := m.RemoveProcess(created.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, p.Processes)
}

func TestFindByProcess(t *testing.T) {
	m := newTestManager(t)
	created, err := m.Create(CreateInput{Name: "workers", Processes: []string{"a"}})
	require.NoError(t, err)

	found, err := m.FindByProcess("a")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = m.FindByProcess("zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteThroughPersistsEveryMutation(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "projects.json")
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	m, err := NewManager(file, 0, logger)
	require.NoError(t, err)

	created, err := m.Create(CreateInput{Name: "persisted"})
	require.NoError(t, err)

	data, err := os.ReadFile(file)
	require.NoError(t, err)

	var onDisk []api.Project
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Len(t, onDisk, 1)
	assert.Equal(t, created.ID, onDisk[0].ID)
}

func TestDebouncedWriteFlushedOnClose(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "projects.json")
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	m, err := NewManager(file, time.Hour, logger)
	require.NoError(t, err)

	_, err = m.Create(CreateInput{Name: "coalesced"})
	require.NoError(t, err)

	// the debounce window is still open, nothing on disk yet
	_, statErr := os.Stat(file)
	assert.True(t, os.IsNotExist(statErr))

	require.NoError(t, m.Close())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	var onDisk []api.Project
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Len(t, onDisk, 1)
}

func TestMalformedFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "projects.json")
	require.NoError(t, os.WriteFile(file, []byte("{not json"), 0644))

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	m, err := NewManager(file, 0, logger)
	require.NoError(t, err)
	assert.Empty(t, m.List())
}

func TestReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "projects.json")
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	m, err := NewManager(file, 0, logger)
	require.NoError(t, err)
	created, err := m.Create(CreateInput{Name: "survivor", Processes: []string{"p1"}})
	require.NoError(t, err)

	reloaded, err := NewManager(file, 0, logger)
	require.NoError(t, err)
	got, err := reloaded.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "survivor", got.Name)
	assert.Equal(t, []string{"p1"}, got.Processes)
}
