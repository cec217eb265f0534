package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/grizzy255/wg-quickrs-router/internal/config"
	"github.com/grizzy255/wg-quickrs-router/internal/kernel"
	"github.com/grizzy255/wg-quickrs-router/internal/logging"
	"github.com/grizzy255/wg-quickrs-router/internal/policy"
	"github.com/grizzy255/wg-quickrs-router/internal/router"
)

// RunStatus prints mode, exit-node selection, peer state, and
// (optionally) the pending reconcile plan.
func RunStatus(configFile string, showPlan bool) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}
	snapshot, err := cfg.Snapshot()
	if err != nil {
		return err
	}

	store := policy.NewStore(cfg.Agent.ConfigDir, logging.Default())
	state, err := store.Load()
	if err != nil {
		return err
	}

	fmt.Printf("mode:          %s\n", state.Mode)
	fmt.Printf("lan cidrs:     %s\n", orDash(strings.Join(state.LANCIDRs, ", ")))
	fmt.Printf("auto failover: %v\n", state.AutoFailover)
	if state.ExitNode != nil {
		name := ""
		if p := snapshot.Peer(*state.ExitNode); p != nil {
			name = p.Name
		}
		fmt.Printf("exit node:     %s (%s)\n", state.ExitNode, name)
	} else {
		fmt.Printf("exit node:     -\n")
	}
	if state.PreferredExitNode != nil {
		fmt.Printf("preferred:     %s\n", state.PreferredExitNode)
	}

	fmt.Printf("\npeers:\n")
	wgClient, wgErr := kernel.NewWGCtrlClient()
	dump := map[string]kernel.WGPeerStatus{}
	if wgErr == nil {
		defer wgClient.Close()
		if peers, err := wgClient.Dump(cfg.Agent.WGInterface); err == nil {
			for _, st := range peers {
				dump[st.PublicKey] = st
			}
		}
	}
	for _, id := range snapshot.RankedPeers() {
		peer := snapshot.Peer(id)
		line := fmt.Sprintf("  %-12s %-15s table %d", peer.Name, peer.VPNAddress, snapshot.TableFor(id))
		if st, ok := dump[peer.PublicKey]; ok && !st.LastHandshake.IsZero() {
			line += fmt.Sprintf("  handshake %s ago", time.Since(st.LastHandshake).Round(time.Second))
		}
		if peer.AdvertisesDefaultRoute() {
			line += "  [exit candidate]"
		}
		if !state.HasLANAccess(id) {
			line += "  [lan denied]"
		}
		fmt.Println(line)
	}

	if showPlan {
		adapter := kernel.NewAdapter(nil)
		rec := router.NewReconciler(adapter, nil, cfg.Agent.WGInterface, resolveOutIf(cfg), logging.Default())
		plan, err := rec.Plan(state, snapshot)
		if err != nil {
			return fmt.Errorf("compute plan: %w", err)
		}
		fmt.Printf("\npending changes:\n")
		if strings.TrimSpace(plan) == "" {
			fmt.Println("  (kernel state converged)")
		} else {
			fmt.Fprint(os.Stdout, plan)
		}
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
