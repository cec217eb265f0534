package router

import (
	"fmt"
	"strconv"
	"time"

	"github.com/grizzy255/wg-quickrs-router/internal/kernel"
	"github.com/grizzy255/wg-quickrs-router/internal/logging"
	"github.com/grizzy255/wg-quickrs-router/internal/metrics"
	"github.com/grizzy255/wg-quickrs-router/internal/policy"
	"github.com/grizzy255/wg-quickrs-router/internal/registry"
)

// ReconnectWindow bounds how long a best-effort peer reconnect waits
// for a fresh handshake before reporting failure.
const ReconnectWindow = 10 * time.Second

// PeerAction is a WireGuard control operation on a single peer.
type PeerAction string

const (
	PeerActionReconnect PeerAction = "reconnect"
	PeerActionStop      PeerAction = "stop"
	PeerActionStart     PeerAction = "start"
)

// ErrPeerControlFailed reports a reconnect whose handshake did not
// resume within ReconnectWindow.
var ErrPeerControlFailed = fmt.Errorf("peer control failed")

// Reconciler converges actual kernel state toward the desired state
// derived from policy. It is re-entrant but callers serialize it
// behind the facade's writer lock.
type Reconciler struct {
	adapter      *kernel.Adapter
	wg           kernel.WGClient
	wgIface      string
	resolveOutIf func() (string, error)
	outIf        string // cached last successful resolution

	logger  *logging.Logger
	metrics *metrics.Registry

	sleep func(time.Duration) // indirection for tests
}

// NewReconciler wires a reconciler. resolveOutIf discovers the host's
// default-route interface; it is consulted on every Router-mode
// convergence and cached across failures.
func NewReconciler(adapter *kernel.Adapter, wg kernel.WGClient, wgIface string, resolveOutIf func() (string, error), logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Reconciler{
		adapter:      adapter,
		wg:           wg,
		wgIface:      wgIface,
		resolveOutIf: resolveOutIf,
		logger:       logger.WithComponent("router"),
		metrics:      metrics.Get(),
		sleep:        time.Sleep,
	}
}

// convergeCtx tracks applied operations across one reconcile pass.
type convergeCtx struct {
	completed int
}

// do runs one mutating primitive with a single automatic retry,
// wrapping a persistent failure into a ReconcileError.
func (r *Reconciler) do(c *convergeCtx, kind, desc string, f func() error) error {
	err := f()
	if err != nil {
		r.logger.Debug("kernel op failed, retrying once", "op", desc, "error", err)
		err = f()
	}
	if err != nil {
		r.metrics.ReconcileErrorsTotal.Inc()
		return &ReconcileError{CompletedOps: c.completed, FailedOp: desc, Cause: err}
	}
	c.completed++
	r.metrics.ReconcileOpsTotal.WithLabelValues(kind).Inc()
	return nil
}

// Reconcile computes the desired state for (st, net) and applies the
// minimum change set. Reapplying a converged state issues no mutating
// kernel commands.
func (r *Reconciler) Reconcile(st *policy.State, net *registry.NetworkSnapshot) error {
	r.metrics.ReconcilesTotal.Inc()

	outIf := ""
	if st.Mode == policy.ModeRouter {
		var err error
		outIf, err = r.outInterface()
		if err != nil {
			return &ReconcileError{FailedOp: "resolve out interface", Cause: err}
		}
	}

	desired, err := ComputeDesired(st, net, r.wgIface, outIf)
	if err != nil {
		return &ReconcileError{FailedOp: "compute desired state", Cause: err}
	}

	c := &convergeCtx{}

	actualRules, err := r.adapter.RuleList()
	if err != nil {
		return &ReconcileError{FailedOp: "list rules", Cause: err}
	}
	actualReserved := filterReserved(actualRules)

	// 1. Remove reserved-range rules that are not desired.
	desiredKeys := map[string]bool{}
	for _, rule := range desired.Rules {
		desiredKeys[rule.Key()] = true
	}
	actualKeys := map[string]bool{}
	for _, rule := range actualReserved {
		if !desiredKeys[rule.Key()] {
			prio := rule.Priority
			if err := r.do(c, "rule_del", "delete rule "+rule.String(), func() error {
				return r.adapter.RuleDelByPriority(prio)
			}); err != nil {
				return err
			}
			continue
		}
		actualKeys[rule.Key()] = true
	}

	// 2. Converge every table the core may own: the desired set plus
	// anything a stale reserved rule still points at.
	tables := map[int]bool{}
	for id := range desired.Tables {
		tables[id] = true
	}
	for _, rule := range actualReserved {
		if id, err := strconv.Atoi(rule.Table); err == nil && reservedTable(id) {
			tables[id] = true
		}
	}
	for id := range tables {
		if err := r.convergeTable(c, id, desired.Tables[id]); err != nil {
			return err
		}
	}

	// 3. Install missing rules, ascending by priority.
	for _, rule := range desired.Rules {
		if actualKeys[rule.Key()] {
			continue
		}
		rule := rule
		if err := r.do(c, "rule_add", "add rule "+rule.String(), func() error {
			return r.adapter.RuleAdd(rule)
		}); err != nil {
			return err
		}
	}

	// 4. Firewall lines.
	if err := r.convergeFirewall(c, desired); err != nil {
		return err
	}

	// 5. Packet forwarding follows the mode.
	if err := r.convergeForwarding(c, st.Mode == policy.ModeRouter); err != nil {
		return err
	}

	r.logger.Info("reconcile complete", "mode", string(st.Mode), "ops", c.completed)
	return nil
}

func (r *Reconciler) convergeTable(c *convergeCtx, table int, desired []kernel.Route) error {
	actual, err := r.adapter.RouteListTable(table)
	if err != nil {
		return &ReconcileError{CompletedOps: c.completed, FailedOp: fmt.Sprintf("list table %d", table), Cause: err}
	}

	if len(desired) == 0 {
		if len(actual) == 0 {
			return nil
		}
		return r.do(c, "route_flush", fmt.Sprintf("flush table %d", table), func() error {
			return r.adapter.RouteFlushTable(table)
		})
	}

	desiredKeys := map[string]bool{}
	for _, route := range desired {
		desiredKeys[route.Key()] = true
	}
	actualKeys := map[string]bool{}
	for _, route := range actual {
		if !desiredKeys[route.Key()] {
			route := route
			if err := r.do(c, "route_del", fmt.Sprintf("del %s table %d", route.Dst, table), func() error {
				return r.adapter.RouteDel(table, route)
			}); err != nil {
				return err
			}
			continue
		}
		actualKeys[route.Key()] = true
	}
	for _, route := range desired {
		if actualKeys[route.Key()] {
			continue
		}
		route := route
		if err := r.do(c, "route_replace", fmt.Sprintf("replace %s table %d", route.Dst, table), func() error {
			return r.adapter.RouteReplace(table, route)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) convergeFirewall(c *convergeCtx, desired *DesiredState) error {
	if !desired.NAT.Enabled {
		return r.do(c, "fw_flush", "flush tagged firewall lines", func() error {
			return r.adapter.FlushTagged()
		})
	}

	nat := desired.NAT

	// Exclusions first so they sit above the masquerade line; stale
	// exclusions are swept by comparing the tagged RETURN lines.
	wanted := map[string]bool{}
	for _, lan := range nat.NATExcludes {
		wanted[lan] = true
		lan := lan
		if err := r.do(c, "nat_exclude", "nat exclude "+lan, func() error {
			return r.adapter.NATExclude(nat.MasqueradeSubnet, lan, true)
		}); err != nil {
			return err
		}
	}
	stale, err := r.adapter.TaggedNATExcludes(nat.MasqueradeSubnet)
	if err != nil {
		return &ReconcileError{CompletedOps: c.completed, FailedOp: "list nat exclusions", Cause: err}
	}
	for _, lan := range stale {
		if wanted[lan] {
			continue
		}
		lan := lan
		if err := r.do(c, "nat_exclude_del", "remove nat exclude "+lan, func() error {
			return r.adapter.NATExclude(nat.MasqueradeSubnet, lan, false)
		}); err != nil {
			return err
		}
	}

	steps := []struct {
		kind, desc string
		f          func() error
	}{
		{"nat_masq", "masquerade " + nat.MasqueradeSubnet, func() error {
			return r.adapter.Masquerade(nat.MasqueradeSubnet, nat.OutInterface, true)
		}},
		{"fw_forward", "forward " + nat.WGInterface + " to " + nat.OutInterface, func() error {
			return r.adapter.ForwardAllow(nat.WGInterface, nat.OutInterface, false, true)
		}},
		{"fw_forward", "forward return " + nat.OutInterface + " to " + nat.WGInterface, func() error {
			return r.adapter.ForwardAllow(nat.OutInterface, nat.WGInterface, true, true)
		}},
		{"fw_mss", "mss clamp " + nat.WGInterface, func() error {
			return r.adapter.MSSClamp(nat.WGInterface, true)
		}},
	}
	for _, s := range steps {
		if err := r.do(c, s.kind, s.desc, s.f); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) convergeForwarding(c *convergeCtx, enable bool) error {
	current, err := r.adapter.IPForwarding()
	if err == nil && current == enable {
		return nil
	}
	return r.do(c, "sysctl", fmt.Sprintf("set ip_forward=%v", enable), func() error {
		return r.adapter.SetIPForwarding(enable)
	})
}

// CleanSlate removes everything in the reserved namespaces: rules in
// the reserved priority ranges, the tables they point at plus the
// snapshot's own range, and all tagged firewall lines. Startup runs
// this before the first convergence.
func (r *Reconciler) CleanSlate(net *registry.NetworkSnapshot) error {
	rules, err := r.adapter.RuleList()
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}

	tables := map[int]bool{registry.TableBlackhole: true}
	for i := range net.RankedPeers() {
		tables[registry.TableBase+i] = true
	}
	for _, rule := range filterReserved(rules) {
		if err := r.adapter.RuleDelByPriority(rule.Priority); err != nil {
			return fmt.Errorf("delete rule %d: %w", rule.Priority, err)
		}
		if id, err := strconv.Atoi(rule.Table); err == nil && reservedTable(id) {
			tables[id] = true
		}
	}
	for id := range tables {
		if err := r.adapter.RouteFlushTable(id); err != nil {
			return fmt.Errorf("flush table %d: %w", id, err)
		}
	}
	if err := r.adapter.FlushTagged(); err != nil {
		return fmt.Errorf("flush firewall lines: %w", err)
	}
	return nil
}

// TeardownOptions controls the Host-mode teardown. Drain is exposed
// for callers that want existing connections to wind down before the
// artefacts disappear; the default is abrupt.
type TeardownOptions struct {
	Drain time.Duration
}

// Teardown removes every artefact this core owns and disables packet
// forwarding.
func (r *Reconciler) Teardown(net *registry.NetworkSnapshot, opts TeardownOptions) error {
	if opts.Drain > 0 {
		r.logger.Info("draining before teardown", "window", opts.Drain.String())
		r.sleep(opts.Drain)
	}
	if err := r.CleanSlate(net); err != nil {
		return err
	}
	if err := r.adapter.SetIPForwarding(false); err != nil {
		return err
	}
	r.logger.Info("teardown complete")
	return nil
}

func (r *Reconciler) outInterface() (string, error) {
	name, err := r.resolveOutIf()
	if err == nil {
		if !kernel.ValidInterfaceName(name) {
			return "", fmt.Errorf("resolved interface name %q is not usable", name)
		}
		r.outIf = name
		return name, nil
	}
	if r.outIf != "" {
		r.logger.Warn("out-interface discovery failed, using cached", "cached", r.outIf, "error", err)
		return r.outIf, nil
	}
	return "", err
}

// filterReserved keeps only rules inside the priority ranges the core
// owns.
func filterReserved(rules []kernel.Rule) []kernel.Rule {
	var out []kernel.Rule
	for _, r := range rules {
		if reservedPriority(r.Priority) {
			out = append(out, r)
		}
	}
	return out
}

func reservedPriority(p int) bool {
	return (p >= registry.PriorityLANBase && p <= registry.PriorityLANMax) ||
		(p >= registry.PrioritySourceBase && p <= registry.PrioritySourceMax)
}

func reservedTable(id int) bool {
	return id == registry.TableBlackhole ||
		(id >= registry.TableBase && id < registry.TableBase+registry.MaxPeers)
}

// UpdateExitAllowedIPs rewrites device AllowedIPs when the exit
// changes: the new exit gains the default route, the old exit is
// reduced to its own /32 plus its non-default advertised routes.
func (r *Reconciler) UpdateExitAllowedIPs(net *registry.NetworkSnapshot, oldExit, newExit *registry.PeerID) error {
	if oldExit != nil && (newExit == nil || *oldExit != *newExit) {
		if peer := net.Peer(*oldExit); peer != nil {
			cidrs := nonDefaultAllowedIPs(peer)
			if err := r.wg.SetAllowedIPs(r.wgIface, peer.PublicKey, cidrs); err != nil {
				r.logger.Warn("failed to narrow old exit allowed-ips", "peer", oldExit, "error", err)
			}
		}
	}
	if newExit != nil {
		peer := net.Peer(*newExit)
		if peer == nil {
			return fmt.Errorf("exit node %s not in registry", newExit)
		}
		cidrs := append(nonDefaultAllowedIPs(peer), registry.DefaultRouteCIDR)
		if err := r.wg.SetAllowedIPs(r.wgIface, peer.PublicKey, cidrs); err != nil {
			return fmt.Errorf("widen exit allowed-ips: %w", err)
		}
	}
	return nil
}

// nonDefaultAllowedIPs returns the peer's advertised routes minus any
// default route, always including the peer's own /32 so it stays
// reachable.
func nonDefaultAllowedIPs(peer *registry.PeerRecord) []string {
	out := []string{peer.Subnet()}
	for _, cidr := range peer.AllowedIPs {
		if cidr == registry.DefaultRouteCIDR || cidr == "default" || cidr == peer.Subnet() {
			continue
		}
		out = append(out, cidr)
	}
	return out
}

// PeerControl performs a WireGuard control action on one peer. It
// never mutates routing policy.
func (r *Reconciler) PeerControl(net *registry.NetworkSnapshot, id registry.PeerID, action PeerAction) error {
	peer := net.Peer(id)
	if peer == nil {
		return fmt.Errorf("unknown peer %s", id)
	}

	cfg := kernel.WGPeerConfig{
		PublicKey:           peer.PublicKey,
		AllowedIPs:          peer.AllowedIPs,
		PersistentKeepalive: peer.PersistentKeepalive,
	}
	if peer.Endpoint != nil {
		cfg.Endpoint = peer.Endpoint.String()
	}

	switch action {
	case PeerActionStop:
		return r.wg.RemovePeer(r.wgIface, peer.PublicKey)
	case PeerActionStart:
		return r.wg.AddPeer(r.wgIface, cfg)
	case PeerActionReconnect:
		if err := r.wg.RemovePeer(r.wgIface, peer.PublicKey); err != nil {
			return err
		}
		if err := r.wg.AddPeer(r.wgIface, cfg); err != nil {
			return err
		}
		return r.awaitHandshake(peer.PublicKey)
	default:
		return fmt.Errorf("unknown peer action %q", action)
	}
}

// awaitHandshake polls the dump for a fresh handshake, bounded by
// ReconnectWindow. Reconnect is best-effort: a roaming peer with no
// traffic may simply not hand-shake in time.
func (r *Reconciler) awaitHandshake(publicKey string) error {
	started := time.Now()
	deadline := started.Add(ReconnectWindow)
	for time.Now().Before(deadline) {
		r.sleep(500 * time.Millisecond)
		peers, err := r.wg.Dump(r.wgIface)
		if err != nil {
			continue
		}
		for _, st := range peers {
			if st.PublicKey == publicKey && st.LastHandshake.After(started) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: no handshake within %s", ErrPeerControlFailed, ReconnectWindow)
}
