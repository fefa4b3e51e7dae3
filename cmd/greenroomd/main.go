package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/greenroomhq/greenroom/internal/api"
	"github.com/greenroomhq/greenroom/internal/buildinfo"
	"github.com/greenroomhq/greenroom/internal/config"
	"github.com/greenroomhq/greenroom/internal/core"
	"github.com/greenroomhq/greenroom/internal/logging"
	greenroommcp "github.com/greenroomhq/greenroom/internal/mcp"
	"github.com/greenroomhq/greenroom/internal/metrics"
	"github.com/greenroomhq/greenroom/internal/notify"
	"github.com/greenroomhq/greenroom/internal/provision"
	dockerprovision "github.com/greenroomhq/greenroom/internal/provision/docker"
	"github.com/greenroomhq/greenroom/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "greenroomd",
		Short:         "Interview room provisioning daemon",
		Version:       fmt.Sprintf("%s (%s)", buildinfo.Version, buildinfo.Commit),
		RunE:          runDaemon,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	flags := cmd.Flags()
	flags.String("addr", "", "HTTP listen address (overrides env)")
	flags.String("state-dir", "", "Directory for the database, archives and terraform state")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("log-format", "", "Log format (text, json)")
	flags.String("mode", "", "Surfaces to run (http, mcp, both)")
	flags.String("backend", "", "Provisioner backend (terraform, docker)")
	flags.Duration("tick-interval", 0, "Scheduler tick interval")
	flags.Duration("lead-window", 0, "How early before their scheduled time rooms are provisioned")
	flags.Int("pool-size", 0, "Number of background execution workers")
	flags.Duration("shutdown-grace", 0, "Grace period when shutting down")
	return cmd
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Parse()
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	applyFlagOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting greenroomd",
		"version", buildinfo.Version,
		"mode", cfg.Mode,
		"backend", cfg.Provision.Backend,
		"state_dir", cfg.StateDir,
	)

	baseCtx := context.Background()
	st, err := store.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open store", "err", err)
		return err
	}
	defer st.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	hub := core.NewHub(logger)
	clock := core.SystemClock()
	manager := core.NewManager(st, hub, clock, logger, m, cfg.Scheduler.RetentionKeep)

	provisioner, err := buildProvisioner(cfg, logger)
	if err != nil {
		logger.Error("build provisioner", "backend", cfg.Provision.Backend, "err", err)
		return err
	}
	var issuer provision.CredentialIssuer
	if cfg.Credentials.IssuerURL != "" {
		issuer = provision.NewHTTPCredentialIssuer(cfg.Credentials.IssuerURL)
	}
	extractor := provision.NewHTTPArtifactExtractor(cfg.ArchiveDir)
	orchestrator := core.NewOrchestrator(manager, st, provisioner, issuer, extractor, logger)

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	pool := core.NewPool(cfg.PoolSize, logger, m)
	pool.Start(ctx)
	dispatcher := core.NewDispatcher(pool, orchestrator, logger)

	scheduler, err := core.NewScheduler(manager, st, dispatcher, clock, logger, m, core.SchedulerConfig{
		TickInterval:      cfg.Scheduler.TickInterval,
		LeadWindow:        cfg.Scheduler.LeadWindow,
		RetentionSchedule: cfg.Scheduler.RetentionSchedule,
	})
	if err != nil {
		logger.Error("create scheduler", "err", err)
		return err
	}

	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		webhook, err := notify.NewWebhookNotifier(cfg.Webhook.URL)
		if err != nil {
			logger.Error("create webhook notifier", "err", err)
			return err
		}
		hub.Subscribe(func(e core.Event) {
			if !e.Operation.Status.IsTerminal() {
				return
			}
			sendCtx, sendCancel := context.WithTimeout(baseCtx, 10*time.Second)
			defer sendCancel()
			if err := webhook.Send(sendCtx, e); err != nil {
				logger.Warn("webhook notify", "operation_id", e.Operation.ID, "err", err)
			}
		})
	}

	scheduler.Start(ctx)

	serverErr := make(chan error, 1)
	mcpDone := make(chan error, 1)
	var server *api.Server

	if cfg.Mode == "http" || cfg.Mode == "both" {
		server, err = api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, manager, st, scheduler, dispatcher, hub, registry, logger)
		if err != nil {
			logger.Error("create server", "err", err)
			return err
		}
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}
	if cfg.Mode == "mcp" || cfg.Mode == "both" {
		mcpServer := greenroommcp.NewMCPServer(manager, st, dispatcher, logger)
		go func() {
			mcpDone <- mcpServer.Run()
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpDone:
		if err != nil {
			logger.Error("mcp server error", "err", err)
		} else {
			logger.Info("mcp server stopped")
		}
	}

	// Ordered shutdown: stop accepting requests, stop the tick loop, then
	// drain in-flight operations.
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}
	scheduler.Stop()
	if err := pool.Shutdown(cfg.ShutdownGrace); err != nil {
		logger.Warn("pool shutdown", "err", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Server.Addr, _ = flags.GetString("addr")
	}
	if flags.Changed("state-dir") {
		cfg.StateDir, _ = flags.GetString("state-dir")
		cfg.ArchiveDir = filepath.Join(cfg.StateDir, "archives")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("mode") {
		cfg.Mode, _ = flags.GetString("mode")
	}
	if flags.Changed("backend") {
		cfg.Provision.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("tick-interval") {
		cfg.Scheduler.TickInterval, _ = flags.GetDuration("tick-interval")
	}
	if flags.Changed("lead-window") {
		cfg.Scheduler.LeadWindow, _ = flags.GetDuration("lead-window")
	}
	if flags.Changed("pool-size") {
		cfg.PoolSize, _ = flags.GetInt("pool-size")
	}
	if flags.Changed("shutdown-grace") {
		cfg.ShutdownGrace, _ = flags.GetDuration("shutdown-grace")
	}
}

func buildProvisioner(cfg *config.Config, logger *slog.Logger) (provision.Provisioner, error) {
	switch cfg.Provision.Backend {
	case "terraform":
		return provision.NewTerraformProvisioner(provision.TerraformConfig{
			BinPath:      cfg.Provision.Terraform.BinPath,
			ConfigDir:    cfg.Provision.Terraform.ConfigDir,
			StateDir:     filepath.Join(cfg.StateDir, "terraform"),
			HealthBudget: cfg.Provision.HealthBudget,
			HealthPoll:   cfg.Provision.HealthPoll,
		}, logger), nil
	case "docker":
		return dockerprovision.New(dockerprovision.Config{
			DefaultImage:  cfg.Provision.Docker.DefaultImage,
			AccessHost:    cfg.Provision.Docker.AccessHost,
			ContainerPort: cfg.Provision.Docker.ContainerPort,
			HealthBudget:  cfg.Provision.HealthBudget,
			HealthPoll:    cfg.Provision.HealthPoll,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Provision.Backend)
	}
}
