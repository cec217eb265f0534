package kernel

import (
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Pinger issues a single ICMP echo and reports the round-trip time.
type Pinger interface {
	Echo(dst string, timeout time.Duration) (time.Duration, error)
}

// ICMPPinger is the production Pinger. The daemon runs as root (it
// programs routing tables), so privileged raw-socket pings are used.
type ICMPPinger struct{}

// Echo sends one echo request to dst and waits up to timeout for the
// reply. A lost packet is an error.
func (p *ICMPPinger) Echo(dst string, timeout time.Duration) (time.Duration, error) {
	pinger, err := probing.NewPinger(dst)
	if err != nil {
		return 0, fmt.Errorf("create pinger: %w", err)
	}

	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(true)

	if err := pinger.Run(); err != nil {
		return 0, err
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, fmt.Errorf("echo to %s timed out", dst)
	}
	return stats.AvgRtt, nil
}
