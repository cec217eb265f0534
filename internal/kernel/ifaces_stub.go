//go:build !linux

package kernel

import "fmt"

// Non-Linux hosts run in a degenerate Host mode with no routing logic;
// the interface queries report nothing usable and Router-mode
// operations fail upstream.

func WGInterfaceExists(name string) (bool, error) {
	return false, nil
}

func DefaultRouteInterface() (string, error) {
	return "", fmt.Errorf("policy routing is only supported on linux")
}

func LinkIsUp(name string) (bool, error) {
	return false, nil
}
