package cmd

import (
	"time"

	"github.com/grizzy255/wg-quickrs-router/internal/config"
	"github.com/grizzy255/wg-quickrs-router/internal/kernel"
	"github.com/grizzy255/wg-quickrs-router/internal/logging"
	"github.com/grizzy255/wg-quickrs-router/internal/router"
)

// RunTeardown removes every rule, table, and firewall line in the
// reserved namespaces and disables packet forwarding. Policy on disk
// is untouched; the next start restores routing from it.
func RunTeardown(configFile string, drain time.Duration) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}
	snapshot, err := cfg.Snapshot()
	if err != nil {
		return err
	}

	adapter := kernel.NewAdapter(nil)
	rec := router.NewReconciler(adapter, nil, cfg.Agent.WGInterface, resolveOutIf(cfg), logging.Default())
	return rec.Teardown(snapshot, router.TeardownOptions{Drain: drain})
}
