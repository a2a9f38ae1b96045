package web

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"

	"github.com/hermesthecat/hermes-pm2-web-ui/internal/auth"
	"github.com/hermesthecat/hermes-pm2-web-ui/internal/project"
	"github.com/hermesthecat/hermes-pm2-web-ui/pkg/api"
)

// processNamePattern bounds names to what log file derivation and the
// backend CLI tolerate
var processNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// RegisterRequest represents a request to create a user account
type RegisterRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required,min=6"`
}

// LoginRequest represents a login attempt
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// ChangePasswordRequest represents a password change for the current user
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required,min=6"`
}

// UpdateRoleRequest represents an admin changing another user's role
type UpdateRoleRequest struct {
	Role api.UserRole `json:"role" binding:"required"`
}

// CreateProcessRequest represents a request to register and start a process
type CreateProcessRequest struct {
	Name   string `json:"name" binding:"required"`
	Script string `json:"script"`
}

func (s *Server) registerHandler(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Username and a password of at least 6 characters are required"})
		return
	}

	user, err := s.authManager.Register(req.Username, req.Password, api.RoleUser)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			c.JSON(http.StatusConflict, gin.H{"message": "Username already taken"})
			return
		}
		s.logger.Errorf("Failed to register user: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to register user"})
		return
	}

	c.JSON(http.StatusCreated, user)
}

func (s *Server) loginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Username and password are required"})
		return
	}

	token, user, err := s.authManager.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid username or password"})
			return
		}
		s.logger.Errorf("Failed to log in user: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to log in"})
		return
	}

	c.JSON(http.StatusOK, api.LoginResponse{Token: token, User: *user})
}

func (s *Server) changePasswordHandler(c *gin.Context) {
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Current password and a new password of at least 6 characters are required"})
		return
	}

	claims := currentClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Authentication required"})
		return
	}

	if err := s.authManager.ChangePassword(claims.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, auth.ErrWrongPassword) {
			c.JSON(http.StatusUnauthorized, gin.H{"message": "Current password is incorrect"})
			return
		}
		s.logger.Errorf("Failed to change password: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to change password"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Password updated"})
}

func (s *Server) updateRoleHandler(c *gin.Context) {
	var req UpdateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "A role is required"})
		return
	}

	user, err := s.authManager.UpdateRole(c.Param("id"), req.Role)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"message": "User not found"})
		case errors.Is(err, auth.ErrInvalidRole):
			c.JSON(http.StatusBadRequest, gin.H{"message": "Role must be user or admin"})
		default:
			s.logger.Errorf("Failed to update role: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to update role"})
		}
		return
	}

	c.JSON(http.StatusOK, user)
}

func (s *Server) listProcessesHandler(c *gin.Context) {
	processes, err := s.processManager.List(c.Request.Context())
	if err != nil {
		s.logger.Errorf("Failed to list processes: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to list processes"})
		return
	}

	c.JSON(http.StatusOK, processes)
}

func (s *Server) createProcessHandler(c *gin.Context) {
	var req CreateProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "A process name is required"})
		return
	}

	if !processNamePattern.MatchString(req.Name) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Process name may only contain letters, digits, underscores and hyphens, up to 50 characters"})
		return
	}

	proc, err := s.processManager.Start(c.Request.Context(), req.Name, req.Script)
	if err != nil {
		s.logger.Errorf("Failed to start process %s: %v", req.Name, err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to start process"})
		return
	}

	c.JSON(http.StatusCreated, proc)
}

func (s *Server) processActionHandler(c *gin.Context) {
	name := c.Param("name")
	if !processNamePattern.MatchString(name) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid process name"})
		return
	}

	switch c.Param("action") {
	case "start":
		proc, err := s.processManager.Start(c.Request.Context(), name, "")
		if err != nil {
			s.logger.Errorf("Failed to start process %s: %v", name, err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to start process"})
			return
		}
		c.JSON(http.StatusOK, proc)
	case "stop":
		if err := s.processManager.Stop(c.Request.Context(), name); err != nil {
			s.logger.Errorf("Failed to stop process %s: %v", name, err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to stop process"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Process stopped"})
	case "restart":
		proc, err := s.processManager.Restart(c.Request.Context(), name)
		if err != nil {
			s.logger.Errorf("Failed to restart process %s: %v", name, err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to restart process"})
			return
		}
		c.JSON(http.StatusOK, proc)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"message": "Action must be start, stop or restart"})
	}
}

func (s *Server) listProjectsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.projectManager.List())
}

func (s *Server) getProjectHandler(c *gin.Context) {
	proj, err := s.projectManager.Get(c.Param("id"))
	if err != nil {
		s.respondProjectError(c, err)
		return
	}

	c.JSON(http.StatusOK, proj)
}

func (s *Server) createProjectHandler(c *gin.Context) {
	var in project.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "A project name is required"})
		return
	}

	proj, err := s.projectManager.Create(in)
	if err != nil {
		s.respondProjectError(c, err)
		return
	}

	c.JSON(http.StatusCreated, proj)
}

func (s *Server) updateProjectHandler(c *gin.Context) {
	var in project.UpdateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid project payload"})
		return
	}

	proj, err := s.projectManager.Update(c.Param("id"), in)
	if err != nil {
		s.respondProjectError(c, err)
		return
	}

	c.JSON(http.StatusOK, proj)
}

func (s *Server) deleteProjectHandler(c *gin.Context) {
	if err := s.projectManager.Delete(c.Param("id")); err != nil {
		s.respondProjectError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) addProjectProcessHandler(c *gin.Context) {
	name := c.Param("name")
	if !processNamePattern.MatchString(name) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid process name"})
		return
	}

	proj, err := s.projectManager.AddProcess(c.Param("id"), name)
	if err != nil {
		s.respondProjectError(c, err)
		return
	}

	c.JSON(http.StatusOK, proj)
}

func (s *Server) removeProjectProcessHandler(c *gin.Context) {
	proj, err := s.projectManager.RemoveProcess(c.Param("id"), c.Param("name"))
	if err != nil {
		s.respondProjectError(c, err)
		return
	}

	c.JSON(http.StatusOK, proj)
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondProjectError maps registry errors onto API responses. Persistence
// failures surface as 500 so callers never mistake a lost write for success.
func (s *Server) respondProjectError(c *gin.Context, err error) {
	if errors.Is(err, project.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Project not found"})
		return
	}

	s.logger.Errorf("Project operation failed: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to persist project changes"})
}
