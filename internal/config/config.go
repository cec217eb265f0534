// Package config loads the gateway configuration: agent settings and
// the WireGuard network definition the routing core projects into a
// registry.NetworkSnapshot.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/grizzy255/wg-quickrs-router/internal/registry"
)

// Config is the top-level gateway configuration.
type Config struct {
	SchemaVersion string  `hcl:"schema_version,optional"`
	Agent         Agent   `hcl:"agent,block"`
	Network       Network `hcl:"network,block"`
}

// Agent holds daemon-level settings.
type Agent struct {
	WGInterface  string `hcl:"wg_interface,optional"`
	LANInterface string `hcl:"lan_interface,optional"`
	ConfigDir    string `hcl:"config_dir,optional"`
	LogLevel     string `hcl:"log_level,optional"`
	LogJSON      bool   `hcl:"log_json,optional"`
}

// Network defines the WireGuard network: the gateway's own peer id,
// the VPN subnet, and every configured peer.
type Network struct {
	Subnet   string `hcl:"subnet"`
	ThisPeer string `hcl:"this_peer"`
	Peers    []Peer `hcl:"peer,block"`
}

// Peer is one configured peer.
type Peer struct {
	ID                  string   `hcl:"id,label"`
	Name                string   `hcl:"name"`
	Address             string   `hcl:"address"`
	AllowedIPs          []string `hcl:"allowed_ips"`
	Endpoint            string   `hcl:"endpoint,optional"`
	PublicKey           string   `hcl:"public_key"`
	PersistentKeepalive int      `hcl:"persistent_keepalive,optional"`
}

// ApplyDefaults fills in unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = "1.0"
	}
	if c.Agent.WGInterface == "" {
		c.Agent.WGInterface = "wg0"
	}
	if c.Agent.ConfigDir == "" {
		c.Agent.ConfigDir = "/etc/wg-quickrs"
	}
	if c.Agent.LogLevel == "" {
		c.Agent.LogLevel = "info"
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if _, _, err := net.ParseCIDR(c.Network.Subnet); err != nil {
		return fmt.Errorf("network subnet %q: %w", c.Network.Subnet, err)
	}
	if _, err := uuid.Parse(c.Network.ThisPeer); err != nil {
		return fmt.Errorf("this_peer %q: %w", c.Network.ThisPeer, err)
	}

	seen := map[string]bool{}
	foundSelf := false
	for i := range c.Network.Peers {
		p := &c.Network.Peers[i]
		if _, err := uuid.Parse(p.ID); err != nil {
			return fmt.Errorf("peer %q: invalid id: %w", p.ID, err)
		}
		if seen[p.ID] {
			return fmt.Errorf("peer %q: duplicate id", p.ID)
		}
		seen[p.ID] = true
		if p.ID == c.Network.ThisPeer {
			foundSelf = true
		}

		ip := net.ParseIP(p.Address)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("peer %q: address %q is not an IPv4 address", p.ID, p.Address)
		}
		for _, cidr := range p.AllowedIPs {
			if cidr == "default" {
				continue
			}
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("peer %q: allowed_ips %q: %w", p.ID, cidr, err)
			}
		}
		if p.Endpoint != "" {
			if _, _, err := splitEndpoint(p.Endpoint); err != nil {
				return fmt.Errorf("peer %q: endpoint %q: %w", p.ID, p.Endpoint, err)
			}
		}
	}
	if !foundSelf {
		return fmt.Errorf("this_peer %s has no peer block", c.Network.ThisPeer)
	}
	return nil
}

// Snapshot projects the network definition into the immutable view the
// routing core consumes.
func (c *Config) Snapshot() (*registry.NetworkSnapshot, error) {
	thisPeer, err := uuid.Parse(c.Network.ThisPeer)
	if err != nil {
		return nil, fmt.Errorf("this_peer: %w", err)
	}

	peers := make(map[registry.PeerID]*registry.PeerRecord, len(c.Network.Peers))
	for i := range c.Network.Peers {
		p := &c.Network.Peers[i]
		id, err := uuid.Parse(p.ID)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", p.ID, err)
		}
		rec := &registry.PeerRecord{
			ID:                  id,
			Name:                p.Name,
			VPNAddress:          net.ParseIP(p.Address).To4(),
			AllowedIPs:          append([]string(nil), p.AllowedIPs...),
			PublicKey:           p.PublicKey,
			PersistentKeepalive: p.PersistentKeepalive,
		}
		if p.Endpoint != "" {
			host, port, err := splitEndpoint(p.Endpoint)
			if err != nil {
				return nil, fmt.Errorf("peer %q: endpoint: %w", p.ID, err)
			}
			rec.Endpoint = &registry.Endpoint{Host: host, Port: port}
		}
		peers[id] = rec
	}

	return registry.NewNetworkSnapshot(thisPeer, c.Network.Subnet, peers), nil
}

func splitEndpoint(s string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	if strings.TrimSpace(host) == "" {
		return "", 0, fmt.Errorf("empty host")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}
