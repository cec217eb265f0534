// Package policy owns the mutable routing policy record: mode, LAN
// CIDRs, exit-node selection, per-peer LAN access, and the
// Smart-Gateway toggle. The record is persisted as a single JSON
// document and restored on startup; it is the user's intent, not a
// reflection of kernel state.
package policy

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/grizzy255/wg-quickrs-router/internal/registry"
)

// Mode selects between the two operating modes of the gateway.
type Mode string

const (
	// ModeHost guarantees no policy-routing artefacts exist.
	ModeHost Mode = "host"
	// ModeRouter guarantees the artefacts exist and match policy.
	ModeRouter Mode = "router"
)

// State is the persisted policy record.
type State struct {
	Mode              Mode
	LANCIDRs          []string
	ExitNode          *registry.PeerID // currently active exit
	PreferredExitNode *registry.PeerID // Smart-Gateway failback target
	PeerLANAccess     map[string]bool  // peer id -> access; absent = true
	AutoFailover      bool
	UpdatedAt         int64 // epoch seconds of last successful mutation

	// extra preserves unknown top-level fields across load/save so
	// newer schema versions survive a round-trip through this binary.
	extra map[string]json.RawMessage
}

// Default returns the state a fresh gateway starts with.
func Default() *State {
	return &State{
		Mode:          ModeHost,
		PeerLANAccess: map[string]bool{},
	}
}

// Clone returns a deep copy. Mutations always happen on a clone under
// the facade's writer lock and are swapped in after persisting.
func (s *State) Clone() *State {
	c := *s
	c.LANCIDRs = append([]string(nil), s.LANCIDRs...)
	c.PeerLANAccess = make(map[string]bool, len(s.PeerLANAccess))
	for k, v := range s.PeerLANAccess {
		c.PeerLANAccess[k] = v
	}
	if s.ExitNode != nil {
		id := *s.ExitNode
		c.ExitNode = &id
	}
	if s.PreferredExitNode != nil {
		id := *s.PreferredExitNode
		c.PreferredExitNode = &id
	}
	if s.extra != nil {
		c.extra = make(map[string]json.RawMessage, len(s.extra))
		for k, v := range s.extra {
			c.extra[k] = v
		}
	}
	return &c
}

// HasLANAccess reports whether the peer may reach the LAN. Peers
// absent from the map default to having access.
func (s *State) HasLANAccess(id registry.PeerID) bool {
	v, ok := s.PeerLANAccess[id.String()]
	return !ok || v
}

// wireState is the on-disk shape. lan_cidr is a single comma-separated
// string so older state files parse unchanged.
type wireState struct {
	Mode              string          `json:"mode"`
	LANCIDR           string          `json:"lan_cidr,omitempty"`
	ExitNode          string          `json:"exit_node,omitempty"`
	PreferredExitNode string          `json:"preferred_exit_node,omitempty"`
	PeerLANAccess     map[string]bool `json:"peer_lan_access,omitempty"`
	AutoFailover      bool            `json:"auto_failover"`
	UpdatedAt         int64           `json:"updated_at"`
}

// MarshalJSON renders the wire shape, re-attaching preserved unknown
// fields.
func (s *State) MarshalJSON() ([]byte, error) {
	w := wireState{
		Mode:          string(s.Mode),
		LANCIDR:       strings.Join(s.LANCIDRs, ", "),
		PeerLANAccess: s.PeerLANAccess,
		AutoFailover:  s.AutoFailover,
		UpdatedAt:     s.UpdatedAt,
	}
	if s.ExitNode != nil {
		w.ExitNode = s.ExitNode.String()
	}
	if s.PreferredExitNode != nil {
		w.PreferredExitNode = s.PreferredExitNode.String()
	}

	known, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	if len(s.extra) == 0 {
		return known, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON parses the wire shape and stashes unknown fields.
func (s *State) UnmarshalJSON(data []byte) error {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	mode := Mode(strings.ToLower(w.Mode))
	if mode != ModeHost && mode != ModeRouter {
		return fmt.Errorf("unknown mode %q", w.Mode)
	}

	s.Mode = mode
	s.LANCIDRs = ParseLANCIDRs(w.LANCIDR)
	s.PeerLANAccess = w.PeerLANAccess
	if s.PeerLANAccess == nil {
		s.PeerLANAccess = map[string]bool{}
	}
	s.AutoFailover = w.AutoFailover
	s.UpdatedAt = w.UpdatedAt

	s.ExitNode = nil
	if w.ExitNode != "" {
		id, err := parsePeerID(w.ExitNode)
		if err != nil {
			return fmt.Errorf("exit_node: %w", err)
		}
		s.ExitNode = &id
	}
	s.PreferredExitNode = nil
	if w.PreferredExitNode != "" {
		id, err := parsePeerID(w.PreferredExitNode)
		if err != nil {
			return fmt.Errorf("preferred_exit_node: %w", err)
		}
		s.PreferredExitNode = &id
	}

	// Stash fields the wire struct does not know about.
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	knownKeys := map[string]bool{
		"mode": true, "lan_cidr": true, "exit_node": true,
		"preferred_exit_node": true, "peer_lan_access": true,
		"auto_failover": true, "updated_at": true,
	}
	for k, v := range all {
		if !knownKeys[k] {
			if s.extra == nil {
				s.extra = map[string]json.RawMessage{}
			}
			s.extra[k] = v
		}
	}
	return nil
}

func parsePeerID(s string) (registry.PeerID, error) {
	var id registry.PeerID
	if err := id.UnmarshalText([]byte(s)); err != nil {
		return id, err
	}
	return id, nil
}

// ParseLANCIDRs splits a comma-separated CIDR string, trimming
// whitespace and dropping empty elements. Validation is separate.
func ParseLANCIDRs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if cidr := strings.TrimSpace(part); cidr != "" {
			out = append(out, cidr)
		}
	}
	return out
}

// ValidateLANCIDR checks that cidr is a syntactically valid IPv4
// prefix with length in [1,32].
func ValidateLANCIDR(cidr string) error {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	if ip.To4() == nil {
		return fmt.Errorf("invalid CIDR %q: not IPv4", cidr)
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 || ones < 1 {
		return fmt.Errorf("invalid CIDR %q: prefix length must be in [1,32]", cidr)
	}
	return nil
}
