package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/grizzy255/wg-quickrs-router/internal/config"
	"github.com/grizzy255/wg-quickrs-router/internal/control"
	"github.com/grizzy255/wg-quickrs-router/internal/gateway"
	"github.com/grizzy255/wg-quickrs-router/internal/health"
	"github.com/grizzy255/wg-quickrs-router/internal/kernel"
	"github.com/grizzy255/wg-quickrs-router/internal/logging"
	"github.com/grizzy255/wg-quickrs-router/internal/policy"
	"github.com/grizzy255/wg-quickrs-router/internal/registry"
	"github.com/grizzy255/wg-quickrs-router/internal/router"
)

// RunStart runs the routing daemon in the foreground until SIGINT or
// SIGTERM.
func RunStart(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	logging.SetDefault(logger)

	// Missing control utilities are fatal: without them the core
	// cannot do its job.
	if _, err := exec.LookPath("ip"); err != nil {
		return fmt.Errorf("routing utility not found: %w", err)
	}
	if _, err := exec.LookPath("iptables"); err != nil {
		return fmt.Errorf("packet filter utility not found: %w", err)
	}
	wgClient, err := kernel.NewWGCtrlClient()
	if err != nil {
		return fmt.Errorf("wireguard control unavailable: %w", err)
	}
	defer wgClient.Close()

	snapshot, err := cfg.Snapshot()
	if err != nil {
		return err
	}
	networkFn := func() *registry.NetworkSnapshot { return snapshot }

	if ok, err := kernel.WGInterfaceExists(cfg.Agent.WGInterface); err != nil {
		logger.Warn("could not verify wireguard interface", "error", err)
	} else if !ok {
		logger.Warn("wireguard interface not present yet", "interface", cfg.Agent.WGInterface)
	}

	store := policy.NewStore(cfg.Agent.ConfigDir, logger)
	state, err := store.Load()
	if err != nil {
		return err
	}

	adapter := kernel.NewAdapter(nil)
	rec := router.NewReconciler(adapter, wgClient, cfg.Agent.WGInterface, resolveOutIf(cfg), logger)

	facade := control.New(control.Options{
		Store:   store,
		Network: networkFn,
		Rec:     rec,
		Logger:  logger,
	}, state)

	prober := health.NewProber(health.Options{
		Pinger:      &kernel.ICMPPinger{},
		WG:          wgClient,
		WGInterface: cfg.Agent.WGInterface,
		Network:     networkFn,
		CurrentExit: facade.CurrentExit,
		Logger:      logger,
	})
	facade.SetHealthSource(prober.Snapshot)

	controller := gateway.NewController(gateway.Options{
		Facade: facade,
		Health: prober.Snapshot,
		Logger: logger,
	})

	// Startup: the reserved namespaces are reconstructed from policy,
	// never trusted from the kernel. Clean slate, then converge.
	logger.Info("restoring routing state", "mode", string(state.Mode))
	if err := rec.CleanSlate(snapshot); err != nil {
		logger.Warn("clean slate failed", "error", err)
	}
	if err := facade.Reconcile(); err != nil {
		logger.Warn("initial reconcile failed; policy kept, will retry on next mutation", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go prober.Run(ctx)
	go controller.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	// Kernel state stays in place by default so traffic keeps flowing
	// across restarts; an explicit teardown removes it.
	cancel()
	return nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	lcfg := logging.DefaultConfig()
	lcfg.JSON = cfg.Agent.LogJSON
	switch cfg.Agent.LogLevel {
	case "debug":
		lcfg.Level = logging.LevelDebug
	case "warn":
		lcfg.Level = logging.LevelWarn
	case "error":
		lcfg.Level = logging.LevelError
	}
	return logging.New(lcfg)
}

// resolveOutIf prefers the configured LAN/egress interface and falls
// back to default-route discovery.
func resolveOutIf(cfg *config.Config) func() (string, error) {
	return func() (string, error) {
		if cfg.Agent.LANInterface != "" {
			return cfg.Agent.LANInterface, nil
		}
		return kernel.DefaultRouteInterface()
	}
}
