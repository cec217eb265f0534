package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHCL = `
schema_version = "1.0"

agent {
  wg_interface  = "wg0"
  lan_interface = "eth0"
  config_dir    = "/etc/wg-quickrs"
  log_level     = "debug"
}

network {
  subnet    = "10.0.34.0/24"
  this_peer = "00000000-0000-0000-0000-000000000001"

  peer "00000000-0000-0000-0000-000000000001" {
    name        = "gateway"
    address     = "10.0.34.1"
    allowed_ips = ["10.0.34.1/32"]
    public_key  = "gw-key"
  }

  peer "11111111-1111-1111-1111-111111111111" {
    name                 = "laptop"
    address              = "10.0.34.2"
    allowed_ips          = ["0.0.0.0/0"]
    endpoint             = "vpn.example.net:51820"
    public_key           = "laptop-key"
    persistent_keepalive = 25
  }
}
`

func TestLoadHCL(t *testing.T) {
	cfg, err := LoadHCL([]byte(sampleHCL), "gateway.hcl")
	require.NoError(t, err)

	assert.Equal(t, "wg0", cfg.Agent.WGInterface)
	assert.Equal(t, "eth0", cfg.Agent.LANInterface)
	assert.Equal(t, "debug", cfg.Agent.LogLevel)
	assert.Len(t, cfg.Network.Peers, 2)
}

func TestLoadHCLDefaults(t *testing.T) {
	minimal := `
network {
  subnet    = "10.0.34.0/24"
  this_peer = "00000000-0000-0000-0000-000000000001"

  peer "00000000-0000-0000-0000-000000000001" {
    name        = "gateway"
    address     = "10.0.34.1"
    allowed_ips = ["10.0.34.1/32"]
    public_key  = "gw-key"
  }
}

agent {}
`
	cfg, err := LoadHCL([]byte(minimal), "gateway.hcl")
	require.NoError(t, err)
	assert.Equal(t, "wg0", cfg.Agent.WGInterface)
	assert.Equal(t, "/etc/wg-quickrs", cfg.Agent.ConfigDir)
	assert.Equal(t, "info", cfg.Agent.LogLevel)
	assert.Equal(t, "1.0", cfg.SchemaVersion)
}

func TestSnapshotProjection(t *testing.T) {
	cfg, err := LoadHCL([]byte(sampleHCL), "gateway.hcl")
	require.NoError(t, err)

	snap, err := cfg.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, "10.0.34.0/24", snap.Subnet)
	assert.Len(t, snap.RankedPeers(), 1) // gateway itself is excluded

	laptop := snap.Peers[snap.RankedPeers()[0]]
	assert.Equal(t, "laptop", laptop.Name)
	assert.Equal(t, "10.0.34.2", laptop.VPNAddress.String())
	require.NotNil(t, laptop.Endpoint)
	assert.Equal(t, "vpn.example.net:51820", laptop.Endpoint.String())
	assert.True(t, laptop.AdvertisesDefaultRoute())
}

func TestValidateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		mangle func(*Config)
	}{
		{"bad subnet", func(c *Config) { c.Network.Subnet = "nope" }},
		{"bad this_peer", func(c *Config) { c.Network.ThisPeer = "nope" }},
		{"missing self peer", func(c *Config) { c.Network.ThisPeer = "99999999-9999-9999-9999-999999999999" }},
		{"bad peer address", func(c *Config) { c.Network.Peers[0].Address = "fe80::1" }},
		{"bad allowed ip", func(c *Config) { c.Network.Peers[0].AllowedIPs = []string{"x/24"} }},
		{"bad endpoint", func(c *Config) { c.Network.Peers[0].Endpoint = "hostonly" }},
		{"duplicate peer id", func(c *Config) { c.Network.Peers[1].ID = c.Network.Peers[0].ID }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadHCL([]byte(sampleHCL), "gateway.hcl")
			require.NoError(t, err)
			tc.mangle(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
