package web

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Server is the HTTP front of the dashboard: REST API, the WebSocket
// upgrade route and the static dashboard assets.
type Server struct {
	port           uint16
	router         *gin.Engine
	processManager ProcessManager
	projectManager ProjectManager
	authManager    AuthManager
	gateway        http.Handler
	staticDir      string
	logger         *logrus.Logger
	server         *http.Server
	mu             sync.RWMutex

	apiLimiter  *RateLimiter
	authLimiter *RateLimiter
}

// NewServer creates the server and wires middleware and routes
func NewServer(
	processManager ProcessManager,
	projectManager ProjectManager,
	authManager AuthManager,
	gateway http.Handler,
	staticDir string,
	logger *logrus.Logger,
	port uint16,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		port:           port,
		router:         router,
		processManager: processManager,
		projectManager: projectManager,
		authManager:    authManager,
		gateway:        gateway,
		staticDir:      staticDir,
		logger:         logger,
		apiLimiter:     NewRateLimiter(100, 15*time.Minute),
		authLimiter:    NewRateLimiter(5, 15*time.Minute),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware sets up the middleware
func (s *Server) setupMiddleware() {
	s.router.Use(RecoveryHandler(s.logger))
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(s.apiLimiter.Middleware())
}

// setupRoutes sets up the HTTP routes
func (s *Server) setupRoutes() {
	authLimited := s.authLimiter.Middleware()
	authed := RequireAuth(s.authManager)
	admin := RequireAdmin(s.authManager)

	// auth
	s.router.POST("/register", authLimited, s.registerHandler)
	s.router.POST("/login", authLimited, s.loginHandler)
	s.router.PUT("/password", authed, s.changePasswordHandler)
	s.router.PUT("/admin/users/:id/role", authed, admin, s.updateRoleHandler)

	// processes
	s.router.GET("/processes", authed, s.listProcessesHandler)
	s.router.POST("/processes", authed, admin, s.createProcessHandler)
	s.router.PUT("/processes/:name/:action", authed, admin, s.processActionHandler)

	// projects
	s.router.GET("/projects", authed, s.listProjectsHandler)
	s.router.GET("/projects/:id", authed, s.getProjectHandler)
	s.router.POST("/projects", authed, admin, s.createProjectHandler)
	s.router.PUT("/projects/:id", authed, admin, s.updateProjectHandler)
	s.router.DELETE("/projects/:id", authed, admin, s.deleteProjectHandler)
	s.router.POST("/projects/:id/processes/:name", authed, admin, s.addProjectProcessHandler)
	s.router.DELETE("/projects/:id/processes/:name", authed, admin, s.removeProjectProcessHandler)

	s.router.GET("/health", s.healthHandler)

	// realtime channel; the gateway does its own handshake auth
	if s.gateway != nil {
		s.router.GET("/ws", gin.WrapH(s.gateway))
	}

	// the dashboard assets are served from the root path; NoRoute keeps
	// the file server from clashing with the API routes above
	if s.staticDir != "" {
		if _, err := os.Stat(s.staticDir); err == nil {
			s.router.NoRoute(gin.WrapH(http.FileServer(http.Dir(s.staticDir))))
		} else {
			s.logger.WithField("dir", s.staticDir).Warn("Static asset directory not found, dashboard UI disabled")
		}
	}
}

// Start starts the web server
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := fmt.Sprintf("0.0.0.0:%d", s.port)
	s.logger.Infof("Starting web server on %s", addr)

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Failed to start web server: %v", err)
		}
	}()

	return nil
}

// Stop stops the web server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	s.logger.Info("Stopping web server")

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown web server: %w", err)
	}

	s.server = nil
	return nil
}

// Router exposes the gin engine for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}
