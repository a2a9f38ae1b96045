package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hermesthecat/hermes-pm2-web-ui/internal/auth"
	"github.com/hermesthecat/hermes-pm2-web-ui/internal/config"
	"github.com/hermesthecat/hermes-pm2-web-ui/internal/history"
	"github.com/hermesthecat/hermes-pm2-web-ui/internal/localrun"
	"github.com/hermesthecat/hermes-pm2-web-ui/internal/monitor"
	"github.com/hermesthecat/hermes-pm2-web-ui/internal/pm2"
	"github.com/hermesthecat/hermes-pm2-web-ui/internal/process"
	"github.com/hermesthecat/hermes-pm2-web-ui/internal/project"
	"github.com/hermesthecat/hermes-pm2-web-ui/internal/realtime"
	"github.com/hermesthecat/hermes-pm2-web-ui/internal/web"
)

var (
	// Version is set during build
	Version = "dev"
	// BuildTime is set during build
	BuildTime = "unknown"
)

// HermesServer holds every running component for shutdown
type HermesServer struct {
	processManager *process.Manager
	projectManager *project.Manager
	authManager    *auth.Manager
	hub            *realtime.Hub
	monitor        *monitor.Monitor
	monitorCancel  context.CancelFunc
	webServer      *web.Server
	logger         *logrus.Logger
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	var configPath string

	rootCmd := &cobra.Command{
		Use:   "hermes",
		Short: "Hermes PM2 Web Dashboard",
		Long: `Hermes is a web dashboard for PM2-managed processes: start, stop
and restart processes, group them into projects, and watch their logs
and resource usage live over a websocket channel.`,
		Run: func(cmd *cobra.Command, args []string) {
			log.Infof("Starting Hermes %s (built at %s)", Version, BuildTime)
			runServer(log, configPath)
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file (defaults to hermes.yaml in /etc/hermes or the working directory)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Hermes %s (built at %s)\n", Version, BuildTime)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Failed to execute command: %v", err)
	}
}

func runServer(log *logrus.Logger, configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := createServer(ctx, log, cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("Hermes server is running. Press Ctrl+C to stop.")

	sig := <-sigCh
	log.Infof("Received signal %v, shutting down...", sig)

	cancel()

	if err := shutdownServer(server); err != nil {
		log.Errorf("Error during shutdown: %v", err)
	}

	log.Info("Shutdown complete")
}

func createServer(ctx context.Context, log *logrus.Logger, cfg *config.Config) (*HermesServer, error) {
	if err := os.MkdirAll(cfg.Data.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	server := &HermesServer{logger: log}

	// Process backend
	var runtime process.Runtime
	switch cfg.Backend.Runtime {
	case "local":
		log.Info("Using local process runtime")
		runtime = localrun.NewRuntime(log)
	case "pm2", "":
		log.Info("Using pm2 runtime")
		runtime = pm2.NewRuntime(cfg.Backend.PM2Bin, log)
	default:
		return nil, fmt.Errorf("unsupported runtime: %s (supported: pm2, local)", cfg.Backend.Runtime)
	}
	server.processManager = process.NewManager(runtime, cfg.Backend.ScriptDir, log)

	// Project registry
	projectManager, err := project.NewManager(filepath.Join(cfg.Data.Dir, "projects.json"), cfg.Debounce(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to create project manager: %w", err)
	}
	server.projectManager = projectManager

	// Accounts and tokens
	authManager, err := auth.NewManager(filepath.Join(cfg.Data.Dir, "users.json"), cfg.Auth.Secret, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth manager: %w", err)
	}
	if cfg.Auth.SeedAdmin {
		if err := authManager.EnsureDefaultAdmin(cfg.Auth.AdminUser, cfg.Auth.AdminPassword); err != nil {
			return nil, fmt.Errorf("failed to seed admin account: %w", err)
		}
	}
	server.authManager = authManager

	// Realtime channel
	server.hub = realtime.NewHub(log)
	gateway := realtime.NewGateway(server.hub, server.processManager, projectManager, authManager, log)

	// Monitoring loop, with an optional Elasticsearch history sink
	mon := monitor.NewMonitor(server.processManager, server.hub, log).
		WithInterval(cfg.MonitorInterval()).
		WithResyncInterval(cfg.MonitorResync())
	if cfg.Elasticsearch.Enabled {
		sink, err := history.NewESSink(cfg.Elasticsearch.Addresses, cfg.Elasticsearch.Index, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create elasticsearch sink: %w", err)
		}
		mon = mon.WithSink(sink)
	}
	server.monitor = mon

	monitorCtx, monitorCancel := context.WithCancel(ctx)
	server.monitorCancel = monitorCancel
	go mon.Run(monitorCtx)

	// Web server
	server.webServer = web.NewServer(
		server.processManager,
		projectManager,
		authManager,
		gateway,
		cfg.Server.StaticDir,
		log,
		cfg.Server.Port,
	)
	if err := server.webServer.Start(); err != nil {
		return nil, fmt.Errorf("failed to start web server: %w", err)
	}

	return server, nil
}

func shutdownServer(server *HermesServer) error {
	if server.webServer != nil {
		if err := server.webServer.Stop(context.Background()); err != nil {
			server.logger.Errorf("Failed to stop web server: %v", err)
		}
	}

	if server.monitorCancel != nil {
		server.monitorCancel()
	}

	// Flush debounced writes before exit
	if server.projectManager != nil {
		if err := server.projectManager.Close(); err != nil {
			server.logger.Errorf("Failed to close project manager: %v", err)
		}
	}

	if server.processManager != nil {
		if err := server.processManager.Close(); err != nil {
			server.logger.Errorf("Failed to close process manager: %v", err)
		}
	}

	return nil
}
