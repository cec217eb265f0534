// Package registry holds the read-only projection of the configured
// WireGuard network: peers, their tunnel addresses, and the routes they
// advertise. Snapshots are immutable; the routing core derives table
// ids and rule priorities from them deterministically.
package registry

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Reserved kernel namespaces owned by this core. Rules and tables in
// these ranges are created and deleted exclusively by the reconciler.
const (
	// TableBlackhole holds a single "blackhole default" route and is
	// referenced by per-peer LAN deny rules.
	TableBlackhole = 19

	// TableBase is the first per-peer routing table id. The peer at
	// lex rank i owns table TableBase+i.
	TableBase = 1000

	// MaxPeers bounds the per-peer table range [TableBase, TableBase+MaxPeers).
	MaxPeers = 1000

	// PriorityLANBase..PriorityLANMax is the LAN-exception rule block
	// (for each LAN CIDR in order: its per-peer blackhole denies, then
	// its main-table exception).
	PriorityLANBase = 19800
	PriorityLANMax  = 19899

	// PrioritySourceBase is the first per-peer source rule priority.
	// The peer at lex rank i owns priority PrioritySourceBase+i.
	PrioritySourceBase = 20000
	PrioritySourceMax  = 29999
)

// DefaultRouteCIDR is the prefix an exit-node candidate must advertise.
const DefaultRouteCIDR = "0.0.0.0/0"

// PeerID identifies a peer. It is a UUID rendered as its canonical
// string form everywhere it crosses a boundary.
type PeerID = uuid.UUID

// Endpoint is an optional host:port. Presence marks the peer as
// static (dial-in); absence as roaming.
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// PeerRecord describes one configured peer.
type PeerRecord struct {
	ID                  PeerID
	Name                string
	VPNAddress          net.IP   // IPv4 tunnel address
	AllowedIPs          []string // CIDRs the peer advertises
	Endpoint            *Endpoint
	PublicKey           string
	PersistentKeepalive int // seconds, 0 = disabled
}

// AdvertisesDefaultRoute reports whether the peer advertises 0.0.0.0/0
// and is therefore an exit-node candidate.
func (p *PeerRecord) AdvertisesDefaultRoute() bool {
	for _, cidr := range p.AllowedIPs {
		if cidr == DefaultRouteCIDR || cidr == "default" {
			return true
		}
	}
	return false
}

// Subnet returns the peer's /32 tunnel prefix.
func (p *PeerRecord) Subnet() string {
	return p.VPNAddress.String() + "/32"
}

// NetworkSnapshot is an immutable view of the configured network.
type NetworkSnapshot struct {
	ThisPeer PeerID
	Subnet   string // VPN subnet CIDR, e.g. 10.100.105.0/24
	Peers    map[PeerID]*PeerRecord

	ranked []PeerID // peers except ThisPeer, sorted by id; built once
}

// NewNetworkSnapshot builds a snapshot and precomputes the rank order.
func NewNetworkSnapshot(thisPeer PeerID, subnet string, peers map[PeerID]*PeerRecord) *NetworkSnapshot {
	n := &NetworkSnapshot{
		ThisPeer: thisPeer,
		Subnet:   subnet,
		Peers:    peers,
	}
	for id := range peers {
		if id == thisPeer {
			continue
		}
		n.ranked = append(n.ranked, id)
	}
	sort.Slice(n.ranked, func(i, j int) bool {
		return strings.Compare(n.ranked[i].String(), n.ranked[j].String()) < 0
	})
	return n
}

// Peer returns the record for id, or nil.
func (n *NetworkSnapshot) Peer(id PeerID) *PeerRecord {
	return n.Peers[id]
}

// RankedPeers returns all peers except the gateway itself, ordered by
// PeerID lex order. The position in this slice is the peer's rank.
func (n *NetworkSnapshot) RankedPeers() []PeerID {
	return n.ranked
}

// Rank returns the lex-order rank of id, or -1 if id is not a ranked
// peer (unknown, or the gateway itself).
func (n *NetworkSnapshot) Rank(id PeerID) int {
	for i, p := range n.ranked {
		if p == id {
			return i
		}
	}
	return -1
}

// TableFor returns the routing table id owned by peer id, or -1.
func (n *NetworkSnapshot) TableFor(id PeerID) int {
	r := n.Rank(id)
	if r < 0 {
		return -1
	}
	return TableBase + r
}

// SourcePriorityFor returns the ip-rule priority of the peer's source
// rule, or -1.
func (n *NetworkSnapshot) SourcePriorityFor(id PeerID) int {
	r := n.Rank(id)
	if r < 0 {
		return -1
	}
	return PrioritySourceBase + r
}

// DefaultRoutePeers returns the ids of all peers advertising a default
// route, in rank order.
func (n *NetworkSnapshot) DefaultRoutePeers() []PeerID {
	var out []PeerID
	for _, id := range n.ranked {
		if n.Peers[id].AdvertisesDefaultRoute() {
			out = append(out, id)
		}
	}
	return out
}

// PeerSubnet returns the /32 prefix of the given peer, or an error if
// the peer is unknown.
func (n *NetworkSnapshot) PeerSubnet(id PeerID) (string, error) {
	p := n.Peers[id]
	if p == nil {
		return "", fmt.Errorf("unknown peer %s", id)
	}
	return p.Subnet(), nil
}
