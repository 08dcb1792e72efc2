package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agent-bridge/internal/approval"
	"agent-bridge/internal/broadcast"
	"agent-bridge/internal/config"
	"agent-bridge/internal/logging"
	"agent-bridge/internal/metrics"
	"agent-bridge/internal/orchestrator"
	"agent-bridge/internal/permission"
	"agent-bridge/internal/realtime"
	"agent-bridge/internal/session"
	"agent-bridge/internal/watcher"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	slog.SetDefault(logger)

	app, err := build(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.run(ctx)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	addr, err := cmd.Flags().GetString("addr")
	if err != nil {
		return nil, err
	}
	if addr != "" {
		cfg.Server.Addr = addr
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating config: %w", err)
		}
	}
	return cfg, nil
}

// app holds the wired components of a running bridge.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	hub       *broadcast.Hub
	sessions  *session.Manager
	fileWatch *watcher.Watcher
	orch      *orchestrator.Orchestrator
	orchDone  chan struct{}
	server    *http.Server
}

func build(cfg *config.Config, logger *slog.Logger) (*app, error) {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	hub := broadcast.NewHub(logger.With("component", "hub"), m)
	ledger := permission.NewLedger(logger.With("component", "ledger"))

	var (
		fileWatch *watcher.Watcher
		activity  session.ActivityTracker
	)
	if cfg.Watcher.Enabled {
		fileWatch = watcher.New(logger.With("component", "watcher"))
		activity = fileWatch
	}

	sessions := session.NewManager(session.Config{
		Command:         cfg.Agent.Command,
		Args:            cfg.Agent.Args,
		MaxSessions:     cfg.Agent.MaxSessions,
		StderrTailLines: cfg.Agent.StderrTailLines,
		KillGrace:       cfg.Agent.KillGrace,
		ApprovalURL:     cfg.ApprovalURL(),
	}, hub, activity, logger.With("component", "session"), m)

	bridge, err := approval.NewBridge(approval.BridgeConfig{
		Ledger:       ledger,
		Publisher:    hub,
		Sessions:     sessions,
		Logger:       logger.With("component", "approval"),
		Metrics:      m,
		Timeout:      cfg.Permissions.Timeout,
		PollInterval: cfg.Permissions.PollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("creating approval bridge: %w", err)
	}
	mcpServer, err := approval.NewServer(bridge, logger.With("component", "mcp"))
	if err != nil {
		return nil, fmt.Errorf("creating approval endpoint: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Sessions: sessions,
		Hub:      hub,
		Ledger:   ledger,
		Approval: mcpServer,
		Logger:   logger.With("component", "orchestrator"),
		Metrics:  m,
	})
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	opts := realtime.Options{
		StaticDir:      cfg.Server.StaticDir,
		ObserverBuffer: cfg.Broadcast.ObserverBuffer,
		Approval:       mcpServer,
		Logger:         logger.With("component", "http"),
	}
	if m != nil {
		opts.Metrics = m.Handler()
		opts.MetricsPath = cfg.Metrics.Path
	}
	rt := realtime.New(orch, opts)

	return &app{
		cfg:       cfg,
		logger:    logger,
		hub:       hub,
		sessions:  sessions,
		fileWatch: fileWatch,
		orch:      orch,
		orchDone:  make(chan struct{}),
		server: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           rt.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// run serves until ctx is done or the listener fails, then shuts down.
func (a *app) run(ctx context.Context) error {
	go func() {
		defer close(a.orchDone)
		// Ends when the session manager closes its notifications.
		a.orch.Run(context.Background())
	}()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("agent bridge listening",
			"addr", a.cfg.Server.Addr,
			"approval_url", a.cfg.ApprovalURL(),
			"agent", a.cfg.Agent.Command)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	a.shutdown()
	return runErr
}

// shutdown stops agents first so observers receive their closed events and
// pending approvals are answered, then closes the HTTP server.
func (a *app) shutdown() {
	a.sessions.Shutdown()
	select {
	case <-a.orchDone:
	case <-time.After(shutdownTimeout):
		a.logger.Warn("orchestrator did not drain notifications in time")
	}
	a.hub.Shutdown()
	if a.fileWatch != nil {
		a.fileWatch.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown incomplete", "error", err)
		a.server.Close()
	}
}
