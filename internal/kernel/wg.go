package kernel

import (
	"fmt"
	"net"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// WGPeerStatus is one row of the device dump: runtime state for a
// configured peer, keyed by public key.
type WGPeerStatus struct {
	PublicKey     string
	Endpoint      string // host:port, empty when never connected
	LastHandshake time.Time
	RxBytes       int64
	TxBytes       int64
}

// WGPeerConfig describes a peer to install on the device.
type WGPeerConfig struct {
	PublicKey           string
	AllowedIPs          []string
	Endpoint            string // host:port, optional
	PersistentKeepalive int    // seconds, 0 = disabled
}

// WGClient abstracts the WireGuard control plane.
type WGClient interface {
	Dump(iface string) ([]WGPeerStatus, error)
	SetAllowedIPs(iface, publicKey string, cidrs []string) error
	AddPeer(iface string, peer WGPeerConfig) error
	RemovePeer(iface, publicKey string) error
	Close() error
}

// WGCtrlClient drives the kernel WireGuard module through wgctrl.
type WGCtrlClient struct {
	client *wgctrl.Client
}

// NewWGCtrlClient opens a wgctrl handle. Failure here is fatal for the
// daemon: without the control plane the core cannot do its job.
func NewWGCtrlClient() (*WGCtrlClient, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wgctrl: %w", err)
	}
	return &WGCtrlClient{client: c}, nil
}

// Dump returns runtime state for every peer on iface.
func (w *WGCtrlClient) Dump(iface string) ([]WGPeerStatus, error) {
	device, err := w.client.Device(iface)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", iface, err)
	}

	out := make([]WGPeerStatus, 0, len(device.Peers))
	for _, p := range device.Peers {
		st := WGPeerStatus{
			PublicKey:     p.PublicKey.String(),
			LastHandshake: p.LastHandshakeTime,
			RxBytes:       p.ReceiveBytes,
			TxBytes:       p.TransmitBytes,
		}
		if p.Endpoint != nil {
			st.Endpoint = p.Endpoint.String()
		}
		out = append(out, st)
	}
	return out, nil
}

// SetAllowedIPs replaces the allowed-ips set of the given peer.
func (w *WGCtrlClient) SetAllowedIPs(iface, publicKey string, cidrs []string) error {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	nets, err := parseAllowedIPs(cidrs)
	if err != nil {
		return err
	}

	cfg := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey:         key,
			ReplaceAllowedIPs: true,
			AllowedIPs:        nets,
		}},
	}
	if err := w.client.ConfigureDevice(iface, cfg); err != nil {
		return fmt.Errorf("configure %s: %w", iface, err)
	}
	return nil
}

// AddPeer installs (or reinstalls) a peer on the device.
func (w *WGCtrlClient) AddPeer(iface string, peer WGPeerConfig) error {
	key, err := wgtypes.ParseKey(peer.PublicKey)
	if err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	nets, err := parseAllowedIPs(peer.AllowedIPs)
	if err != nil {
		return err
	}

	pc := wgtypes.PeerConfig{
		PublicKey:         key,
		ReplaceAllowedIPs: true,
		AllowedIPs:        nets,
	}
	if peer.Endpoint != "" {
		addr, err := net.ResolveUDPAddr("udp", peer.Endpoint)
		if err != nil {
			return fmt.Errorf("endpoint %q: %w", peer.Endpoint, err)
		}
		pc.Endpoint = addr
	}
	if peer.PersistentKeepalive > 0 {
		ka := time.Duration(peer.PersistentKeepalive) * time.Second
		pc.PersistentKeepaliveInterval = &ka
	}

	cfg := wgtypes.Config{Peers: []wgtypes.PeerConfig{pc}}
	if err := w.client.ConfigureDevice(iface, cfg); err != nil {
		return fmt.Errorf("configure %s: %w", iface, err)
	}
	return nil
}

// RemovePeer removes a peer from the device.
func (w *WGCtrlClient) RemovePeer(iface, publicKey string) error {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	cfg := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{PublicKey: key, Remove: true}},
	}
	if err := w.client.ConfigureDevice(iface, cfg); err != nil {
		return fmt.Errorf("configure %s: %w", iface, err)
	}
	return nil
}

// Close releases the wgctrl handle.
func (w *WGCtrlClient) Close() error {
	return w.client.Close()
}

func parseAllowedIPs(cidrs []string) ([]net.IPNet, error) {
	nets := make([]net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		if cidr == "default" {
			cidr = "0.0.0.0/0"
		}
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("allowed ip %q: %w", cidr, err)
		}
		nets = append(nets, *ipnet)
	}
	return nets, nil
}
