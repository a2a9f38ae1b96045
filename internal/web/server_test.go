package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hermesthecat/hermes-pm2-web-ui/internal/auth"
	"github.com/hermesthecat/hermes-pm2-web-ui/internal/project"
	"github.com/hermesthecat/hermes-pm2-web-ui/pkg/api"
)

// Mock implementations for testing
type MockProcessManager struct {
	mock.Mock
}

func (m *MockProcessManager) List(ctx context.Context) ([]api.Process, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]api.Process), args.Error(1)
}

func (m *MockProcessManager) Start(ctx context.Context, name, script string) (*api.Process, error) {
	args := m.Called(ctx, name, script)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.Process), args.Error(1)
}

func (m *MockProcessManager) Stop(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockProcessManager) Restart(ctx context.Context, name string) (*api.Process, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.Process), args.Error(1)
}

type MockProjectManager struct {
	mock.Mock
}

func (m *MockProjectManager) List() []api.Project {
	args := m.Called()
	return args.Get(0).([]api.Project)
}

func (m *MockProjectManager) Get(id string) (*api.Project, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.Project), args.Error(1)
}

func (m *MockProjectManager) Create(in project.CreateInput) (*api.Project, error) {
	args := m.Called(in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.Project), args.Error(1)
}

func (m *MockProjectManager) Update(id string, in project.UpdateInput) (*api.Project, error) {
	args := m.Called(id, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.Project), args.Error(1)
}

func (m *MockProjectManager) Delete(id string) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockProjectManager) AddProcess(id, name string) (*api.Project, error) {
	args := m.Called(id, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.Project), args.Error(1)
}

func (m *MockProjectManager) RemoveProcess(id, name string) (*api.Project, error) {
	args := m.Called(id, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.Project), args.Error(1)
}

type MockAuthManager struct {
	mock.Mock
}

func (m *MockAuthManager) Register(username, password string, role api.UserRole) (*api.User, error) {
	args := m.Called(username, password, role)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.User), args.Error(1)
}

func (m *MockAuthManager) Login(username, password string) (string, *api.User, error) {
	args := m.Called(username, password)
	if args.Get(1) == nil {
		return "", nil, args.Error(2)
	}
	return args.String(0), args.Get(1).(*api.User), args.Error(2)
}

func (m *MockAuthManager) VerifyToken(token string) (*auth.Claims, error) {
	args := m.Called(token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.Claims), args.Error(1)
}

func (m *MockAuthManager) CurrentRole(userID string) (api.UserRole, error) {
	args := m.Called(userID)
	return args.Get(0).(api.UserRole), args.Error(1)
}

func (m *MockAuthManager) ChangePassword(userID, currentPassword, newPassword string) error {
	args := m.Called(userID, currentPassword, newPassword)
	return args.Error(0)
}

func (m *MockAuthManager) UpdateRole(userID string, role api.UserRole) (*api.User, error) {
	args := m.Called(userID, role)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.User), args.Error(1)
}

type testServer struct {
	server   *Server
	process  *MockProcessManager
	projects *MockProjectManager
	auth     *MockAuthManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	ts := &testServer{
		process:  new(MockProcessManager),
		projects: new(MockProjectManager),
		auth:     new(MockAuthManager),
	}
	ts.server = NewServer(ts.process, ts.projects, ts.auth, nil, "", logger, 0)
	return ts
}

// asUser wires token verification for a plain user
func (ts *testServer) asUser() {
	ts.auth.On("VerifyToken", "user-token").Return(&auth.Claims{UserID: "u1", Username: "alice", Role: api.RoleUser}, nil)
	ts.auth.On("CurrentRole", "u1").Return(api.RoleUser, nil)
}

// asAdmin wires token verification for an admin
func (ts *testServer) asAdmin() {
	ts.auth.On("VerifyToken", "admin-token").Return(&auth.Claims{UserID: "a1", Username: "root", Role: api.RoleAdmin}, nil)
	ts.auth.On("CurrentRole", "a1").Return(api.RoleAdmin, nil)
}

func (ts *testServer) request(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestListProcessesRequiresToken(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodGet, "/processes", "", nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	ts.process.AssertNotCalled(t, "List", mock.Anything)
}

func TestListProcessesRejectsBadToken(t *testing.T) {
	ts := newTestServer(t)
	ts.auth.On("VerifyToken", "garbage").Return(nil, auth.ErrInvalidToken)

	w := ts.request(t, http.MethodGet, "/processes", "garbage", nil)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListProcesses(t *testing.T) {
	ts := newTestServer(t)
	ts.asUser()
	ts.process.On("List", mock.Anything).Return([]api.Process{
		{Name: "worker", Status: api.ProcessOnline, CPU: 1.5},
	}, nil)

	w := ts.request(t, http.MethodGet, "/processes", "user-token", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var procs []api.Process
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &procs))
	require.Len(t, procs, 1)
	assert.Equal(t, "worker", procs[0].Name)
}

func TestListProcessesBackendFailureIsNotAnEmptyList(t *testing.T) {
	ts := newTestServer(t)
	ts.asUser()
	ts.process.On("List", mock.Anything).Return(nil, assert.AnError)

	w := ts.request(t, http.MethodGet, "/processes", "user-token", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "[]")
}

func TestCreateProcessRequiresAdmin(t *testing.T) {
	ts := newTestServer(t)
	ts.asUser()

	w := ts.request(t, http.MethodPost, "/processes", "user-token", CreateProcessRequest{Name: "worker"})

	assert.Equal(t, http.StatusForbidden, w.Code)
	ts.process.AssertNotCalled(t, "Start", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateProcessValidatesName(t *testing.T) {
	ts := newTestServer(t)
	ts.asAdmin()

	for _, name := range []string{"bad name", "semi;colon", "../etc", ""} {
		w := ts.request(t, http.MethodPost, "/processes", "admin-token", CreateProcessRequest{Name: name})
		assert.Equal(t, http.StatusBadRequest, w.Code, "name %q must be rejected", name)
	}
	ts.process.AssertNotCalled(t, "Start", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateProcess(t *testing.T) {
	ts := newTestServer(t)
	ts.asAdmin()
	ts.process.On("Start", mock.Anything, "worker", "worker.js").
		Return(&api.Process{Name: "worker", Status: api.ProcessLaunching}, nil)

	w := ts.request(t, http.MethodPost, "/processes", "admin-token", CreateProcessRequest{Name: "worker", Script: "worker.js"})

	assert.Equal(t, http.StatusCreated, w.Code)
	ts.process.AssertExpectations(t)
}

func TestProcessActions(t *testing.T) {
	ts := newTestServer(t)
	ts.asAdmin()
	ts.process.On("Start", mock.Anything, "worker", "").Return(&api.Process{Name: "worker"}, nil)
	ts.process.On("Stop", mock.Anything, "worker").Return(nil)
	ts.process.On("Restart", mock.Anything, "worker").Return(&api.Process{Name: "worker"}, nil)

	for _, action := range []string{"start", "stop", "restart"} {
		w := ts.request(t, http.MethodPut, "/processes/worker/"+action, "admin-token", nil)
		assert.Equal(t, http.StatusOK, w.Code, "action %s", action)
	}
}

func TestUnknownProcessActionRejected(t *testing.T) {
	ts := newTestServer(t)
	ts.asAdmin()

	w := ts.request(t, http.MethodPut, "/processes/worker/reload", "admin-token", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetProjectNotFound(t *testing.T) {
	ts := newTestServer(t)
	ts.asUser()
	ts.projects.On("Get", "missing").Return(nil, project.ErrNotFound)

	w := ts.request(t, http.MethodGet, "/projects/missing", "user-token", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateProject(t *testing.T) {
	ts := newTestServer(t)
	ts.asAdmin()
	ts.projects.On("Create", mock.MatchedBy(func(in project.CreateInput) bool {
		return in.Name == "billing"
	})).Return(&api.Project{ID: "p1", Name: "billing"}, nil)

	w := ts.request(t, http.MethodPost, "/projects", "admin-token", map[string]string{"name": "billing"})

	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestCreateProjectPersistenceFailureIs500(t *testing.T) {
	ts := newTestServer(t)
	ts.asAdmin()
	ts.projects.On("Create", mock.Anything).Return(nil, assert.AnError)

	w := ts.request(t, http.MethodPost, "/projects", "admin-token", map[string]string{"name": "billing"})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestUpdateProjectPartialBody(t *testing.T) {
	ts := newTestServer(t)
	ts.asAdmin()

	name := "renamed"
	ts.projects.On("Update", "p1", mock.MatchedBy(func(in project.UpdateInput) bool {
		return in.Name != nil && *in.Name == name && in.Description == nil && in.Processes == nil
	})).Return(&api.Project{ID: "p1", Name: name}, nil)

	w := ts.request(t, http.MethodPut, "/projects/p1", "admin-token", map[string]string{"name": "renamed"})

	assert.Equal(t, http.StatusOK, w.Code)
	ts.projects.AssertExpectations(t)
}

func TestDeleteProjectReturnsNoContent(t *testing.T) {
	ts := newTestServer(t)
	ts.asAdmin()
	ts.projects.On("Delete", "p1").Return(nil)

	w := ts.request(t, http.MethodDelete, "/projects/p1", "admin-token", nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestProjectMembershipRoutes(t *testing.T) {
	ts := newTestServer(t)
	ts.asAdmin()
	ts.projects.On("AddProcess", "p1", "worker").Return(&api.Project{ID: "p1", Processes: []string{"worker"}}, nil)
	ts.projects.On("RemoveProcess", "p1", "worker").Return(&api.Project{ID: "p1", Processes: []string{}}, nil)

	w := ts.request(t, http.MethodPost, "/projects/p1/processes/worker", "admin-token", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.request(t, http.MethodDelete, "/projects/p1/processes/worker", "admin-token", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegisterConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.auth.On("Register", "alice", "secret123", api.RoleUser).Return(nil, auth.ErrUserExists)

	w := ts.request(t, http.MethodPost, "/register", "", RegisterRequest{Username: "alice", Password: "secret123"})

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodPost, "/register", "", RegisterRequest{Username: "alice", Password: "tiny"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	ts.auth.AssertNotCalled(t, "Register", mock.Anything, mock.Anything, mock.Anything)
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)
	ts.auth.On("Login", "alice", "secret123").
		Return("signed-token", &api.User{ID: "u1", Username: "alice", Role: api.RoleUser}, nil)

	w := ts.request(t, http.MethodPost, "/login", "", LoginRequest{Username: "alice", Password: "secret123"})

	require.Equal(t, http.StatusOK, w.Code)
	var resp api.LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "signed-token", resp.Token)
	assert.Equal(t, "alice", resp.User.Username)
}

func TestLoginBadCredentials(t *testing.T) {
	ts := newTestServer(t)
	ts.auth.On("Login", "alice", "wrong").Return("", nil, auth.ErrInvalidCredentials)

	w := ts.request(t, http.MethodPost, "/login", "", LoginRequest{Username: "alice", Password: "wrong"})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChangePasswordWrongCurrent(t *testing.T) {
	ts := newTestServer(t)
	ts.asUser()
	ts.auth.On("ChangePassword", "u1", "wrong", "newsecret").Return(auth.ErrWrongPassword)

	w := ts.request(t, http.MethodPut, "/password", "user-token", ChangePasswordRequest{
		CurrentPassword: "wrong",
		NewPassword:     "newsecret",
	})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUpdateRoleChecksPersistedRoleNotToken(t *testing.T) {
	ts := newTestServer(t)
	// the token still says admin but the stored record was demoted
	ts.auth.On("VerifyToken", "stale-admin").Return(&auth.Claims{UserID: "a1", Role: api.RoleAdmin}, nil)
	ts.auth.On("CurrentRole", "a1").Return(api.RoleUser, nil)

	w := ts.request(t, http.MethodPut, "/admin/users/u2/role", "stale-admin", UpdateRoleRequest{Role: api.RoleAdmin})

	assert.Equal(t, http.StatusForbidden, w.Code)
	ts.auth.AssertNotCalled(t, "UpdateRole", mock.Anything, mock.Anything)
}

func TestUpdateRoleInvalidRole(t *testing.T) {
	ts := newTestServer(t)
	ts.asAdmin()
	ts.auth.On("UpdateRole", "u2", api.UserRole("owner")).Return(nil, auth.ErrInvalidRole)

	w := ts.request(t, http.MethodPut, "/admin/users/u2/role", "admin-token", UpdateRoleRequest{Role: "owner"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
