//go:build linux

package kernel

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// WGInterfaceExists reports whether name is present and is a WireGuard
// link.
func WGInterfaceExists(name string) (bool, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return false, nil
		}
		return false, fmt.Errorf("link %s: %w", name, err)
	}
	return link.Type() == "wireguard", nil
}

// DefaultRouteInterface returns the device carrying the lowest-metric
// IPv4 default route in the main table. This is the interface NAT and
// forwarding are attached to.
func DefaultRouteInterface() (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("list routes: %w", err)
	}

	best := ""
	bestPrio := -1
	for _, r := range routes {
		if r.Dst != nil {
			continue // not a default route
		}
		if r.LinkIndex <= 0 {
			continue
		}
		if best != "" && bestPrio >= 0 && r.Priority >= bestPrio {
			continue
		}
		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			continue
		}
		best = link.Attrs().Name
		bestPrio = r.Priority
	}
	if best == "" {
		return "", fmt.Errorf("no IPv4 default route in main table")
	}
	return best, nil
}

// LinkIsUp reports whether the named interface exists and is
// administratively up.
func LinkIsUp(name string) (bool, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return false, nil
		}
		return false, err
	}
	return link.Attrs().Flags&net.FlagUp != 0, nil
}
