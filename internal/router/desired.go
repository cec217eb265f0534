// Package router converges Linux kernel state (policy rules, per-peer
// routing tables, NAT and forwarding) toward the desired state derived
// from routing policy and the peer registry.
package router

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/grizzy255/wg-quickrs-router/internal/kernel"
	"github.com/grizzy255/wg-quickrs-router/internal/policy"
	"github.com/grizzy255/wg-quickrs-router/internal/registry"
)

// DesiredState is the complete kernel footprint the reconciler owns:
// every rule in the reserved priority ranges, every reserved routing
// table, and the tagged firewall lines. Host mode is the empty value.
type DesiredState struct {
	Rules  []kernel.Rule         // sorted by priority
	Tables map[int][]kernel.Route

	NAT NATState
}

// NATState describes the tagged iptables lines.
type NATState struct {
	Enabled          bool
	MasqueradeSubnet string   // VPN subnet
	OutInterface     string
	WGInterface      string
	NATExcludes      []string // LAN CIDRs exempt from masquerading
}

// Empty reports whether the desired state carries no kernel footprint.
func (d *DesiredState) Empty() bool {
	return len(d.Rules) == 0 && len(d.Tables) == 0 && !d.NAT.Enabled
}

// ComputeDesired derives the desired kernel state from policy and the
// peer registry. It is pure: no side effects, deterministic for a
// given input.
func ComputeDesired(st *policy.State, net *registry.NetworkSnapshot, wgIf, outIf string) (*DesiredState, error) {
	d := &DesiredState{Tables: map[int][]kernel.Route{}}
	if st.Mode == policy.ModeHost {
		return d, nil
	}

	var exitPeer *registry.PeerRecord
	if st.ExitNode != nil {
		exitPeer = net.Peer(*st.ExitNode)
		if exitPeer == nil {
			return nil, fmt.Errorf("exit node %s not in registry", st.ExitNode)
		}
	}

	ranked := net.RankedPeers()
	if len(ranked) > registry.MaxPeers {
		return nil, fmt.Errorf("%d peers exceed the reserved table range", len(ranked))
	}

	// Per-peer tables and source rules. Every peer's traffic is keyed
	// by its source /32; the table carries the default via the exit
	// when one is selected, and always the route back into the VPN
	// subnet.
	for i, id := range ranked {
		peer := net.Peer(id)
		table := registry.TableBase + i

		var routes []kernel.Route
		if exitPeer != nil {
			routes = append(routes, kernel.Route{
				Dst: registry.DefaultRouteCIDR,
				Via: exitPeer.VPNAddress.String(),
				Dev: wgIf,
			})
		}
		routes = append(routes, kernel.Route{Dst: net.Subnet, Dev: wgIf})
		d.Tables[table] = routes

		d.Rules = append(d.Rules, kernel.Rule{
			Priority: registry.PrioritySourceBase + i,
			Src:      peer.Subnet(),
			Table:    strconv.Itoa(table),
		})
	}

	// LAN-exception block. For each LAN CIDR in order: blackhole deny
	// rules for every peer without LAN access (rank order), then the
	// generic exception steering the whole VPN subnet to main.
	// Priorities are consecutive from the base so a deny always sorts
	// strictly before its CIDR's generic exception.
	prio := registry.PriorityLANBase
	denied := deniedPeers(st, net)
	for _, lan := range st.LANCIDRs {
		for _, id := range denied {
			peer := net.Peer(id)
			d.Rules = append(d.Rules, kernel.Rule{
				Priority: prio,
				Src:      peer.Subnet(),
				Dst:      lan,
				Table:    strconv.Itoa(registry.TableBlackhole),
			})
			prio++
		}
		d.Rules = append(d.Rules, kernel.Rule{
			Priority: prio,
			Src:      net.Subnet,
			Dst:      lan,
			Table:    kernel.TableMain,
		})
		prio++
	}
	if prio > registry.PriorityLANMax+1 {
		return nil, fmt.Errorf("LAN exception rules exceed priority range %d-%d",
			registry.PriorityLANBase, registry.PriorityLANMax)
	}

	if len(denied) > 0 && len(st.LANCIDRs) > 0 {
		d.Tables[registry.TableBlackhole] = []kernel.Route{
			{Dst: registry.DefaultRouteCIDR, Blackhole: true},
		}
	}

	sort.Slice(d.Rules, func(i, j int) bool {
		return d.Rules[i].Priority < d.Rules[j].Priority
	})

	d.NAT = NATState{
		Enabled:          true,
		MasqueradeSubnet: net.Subnet,
		OutInterface:     outIf,
		WGInterface:      wgIf,
	}
	if exitPeer != nil {
		d.NAT.NATExcludes = append([]string(nil), st.LANCIDRs...)
	}

	return d, nil
}

// deniedPeers returns peers with LAN access revoked, in rank order.
func deniedPeers(st *policy.State, net *registry.NetworkSnapshot) []registry.PeerID {
	var out []registry.PeerID
	for _, id := range net.RankedPeers() {
		if !st.HasLANAccess(id) {
			out = append(out, id)
		}
	}
	return out
}
