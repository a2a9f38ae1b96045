package web

import (
	"context"

	"github.com/hermesthecat/hermes-pm2-web-ui/internal/auth"
	"github.com/hermesthecat/hermes-pm2-web-ui/internal/project"
	"github.com/hermesthecat/hermes-pm2-web-ui/pkg/api"
)

// ProcessManager defines the interface for process control
type ProcessManager interface {
	List(ctx context.Context) ([]api.Process, error)
	Start(ctx context.Context, name, script string) (*api.Process, error)
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) (*api.Process, error)
}

// ProjectManager defines the interface for the project registry
type ProjectManager interface {
	List() []api.Project
	Get(id string) (*api.Project, error)
	Create(in project.CreateInput) (*api.Project, error)
	Update(id string, in project.UpdateInput) (*api.Project, error)
	Delete(id string) error
	AddProcess(id, name string) (*api.Project, error)
	RemoveProcess(id, name string) (*api.Project, error)
}

// AuthManager defines the interface for accounts and tokens
type AuthManager interface {
	Register(username, password string, role api.UserRole) (*api.User, error)
	Login(username, password string) (string, *api.User, error)
	VerifyToken(token string) (*auth.Claims, error)
	CurrentRole(userID string) (api.UserRole, error)
	ChangePassword(userID, currentPassword, newPassword string) error
	UpdateRole(userID string, role api.UserRole) (*api.User, error)
}
