package kernel

import "strings"

// IPForwarding reads the current net.ipv4.ip_forward value.
func (a *Adapter) IPForwarding() (bool, error) {
	out, err := a.exec.RunCommand("sysctl", "-n", "net.ipv4.ip_forward")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "1", nil
}

// SetIPForwarding toggles net.ipv4.ip_forward. Router mode requires
// forwarding; Host-mode teardown disables it again.
func (a *Adapter) SetIPForwarding(enable bool) error {
	v := "net.ipv4.ip_forward=0"
	if enable {
		v = "net.ipv4.ip_forward=1"
	}
	_, err := a.exec.RunCommand("sysctl", "-w", v)
	return err
}
