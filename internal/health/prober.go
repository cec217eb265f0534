// Package health probes every exit-node candidate with ICMP once a
// second, merges the WireGuard device dump, and publishes an immutable
// snapshot consumed by the smart-gateway controller and the control
// facade.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grizzy255/wg-quickrs-router/internal/clock"
	"github.com/grizzy255/wg-quickrs-router/internal/kernel"
	"github.com/grizzy255/wg-quickrs-router/internal/logging"
	"github.com/grizzy255/wg-quickrs-router/internal/metrics"
	"github.com/grizzy255/wg-quickrs-router/internal/registry"
)

const (
	// TickInterval is the probe scheduling period.
	TickInterval = 1 * time.Second

	// ProbeTimeout bounds a single echo.
	ProbeTimeout = 1 * time.Second

	// WindowSize is the rolling sample window per peer.
	WindowSize = 10

	// OfflineThreshold is the number of consecutive failed probes
	// after which a peer is considered offline.
	OfflineThreshold = 3
)

// Sample is the published health record for one candidate peer.
type Sample struct {
	PeerID              registry.PeerID
	IsOnline            bool
	LatencyMS           *int64 // latest successful RTT; retained across failures
	AvgLatencyMS        *int64 // mean over the window's successful probes
	JitterMS            *int64
	PacketLossPercent   *float64
	Endpoint            string
	FirstHandshake      *int64 // epoch seconds; session-only
	LastHandshake       *int64 // epoch seconds from the device dump
	RxBytes             int64
	TxBytes             int64
	ConsecutiveFailures uint32
}

// Snapshot is one whole-map publication. Readers never observe a
// partially updated map.
type Snapshot struct {
	Samples map[registry.PeerID]*Sample
	Taken   time.Time
}

// Sample returns the record for id, or nil.
func (s *Snapshot) Sample(id registry.PeerID) *Sample {
	if s == nil {
		return nil
	}
	return s.Samples[id]
}

// Prober is the background health monitor. The probe loop is the sole
// writer of the snapshot.
type Prober struct {
	pinger  kernel.Pinger
	wg      kernel.WGClient
	wgIface string

	network     func() *registry.NetworkSnapshot
	currentExit func() *registry.PeerID

	clk     clock.Clock
	logger  *logging.Logger
	metrics *metrics.Registry

	snapshot atomic.Pointer[Snapshot]

	// Probe-loop private state, keyed by peer.
	windows     map[registry.PeerID]*window
	failures    map[registry.PeerID]uint32
	lastLatency map[registry.PeerID]*int64
	upSince     map[registry.PeerID]int64
	wasOnline   map[registry.PeerID]bool
}

// Options configures a Prober.
type Options struct {
	Pinger      kernel.Pinger
	WG          kernel.WGClient
	WGInterface string
	Network     func() *registry.NetworkSnapshot
	CurrentExit func() *registry.PeerID
	Clock       clock.Clock
	Logger      *logging.Logger
}

// NewProber creates a prober; Run starts it.
func NewProber(opts Options) *Prober {
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Prober{
		pinger:      opts.Pinger,
		wg:          opts.WG,
		wgIface:     opts.WGInterface,
		network:     opts.Network,
		currentExit: opts.CurrentExit,
		clk:         opts.Clock,
		logger:      opts.Logger.WithComponent("health"),
		metrics:     metrics.Get(),
		windows:     map[registry.PeerID]*window{},
		failures:    map[registry.PeerID]uint32{},
		lastLatency: map[registry.PeerID]*int64{},
		upSince:     map[registry.PeerID]int64{},
		wasOnline:   map[registry.PeerID]bool{},
	}
}

// Snapshot returns the latest publication, or nil before the first
// tick.
func (p *Prober) Snapshot() *Snapshot {
	return p.snapshot.Load()
}

// Run drives the probe loop until ctx is cancelled. Individual probe
// errors are contained; the loop only exits with the process.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	p.logger.Info("health prober started", "interval", TickInterval.String())
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("health prober stopped")
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

// probeResult carries one echo outcome back to the merge step.
type probeResult struct {
	id  registry.PeerID
	ok  bool
	rtt time.Duration
}

// Tick performs one probe round and publishes a fresh snapshot. It is
// exported for deterministic driving in tests.
func (p *Prober) Tick() {
	net := p.network()
	if net == nil {
		return
	}

	candidates := p.candidates(net)
	if len(candidates) == 0 {
		p.publish(net, nil, nil)
		return
	}

	// One echo per candidate, in parallel, each bounded by
	// ProbeTimeout.
	results := make([]probeResult, len(candidates))
	var wg sync.WaitGroup
	for i, id := range candidates {
		peer := net.Peer(id)
		if peer == nil {
			continue
		}
		wg.Add(1)
		go func(i int, id registry.PeerID, addr string) {
			defer wg.Done()
			rtt, err := p.pinger.Echo(addr, ProbeTimeout)
			results[i] = probeResult{id: id, ok: err == nil, rtt: rtt}
		}(i, id, peer.VPNAddress.String())
	}
	wg.Wait()

	// A single fresh dump per tick; a failed dump degrades the
	// handshake fields but never kills the loop.
	dump := map[string]kernel.WGPeerStatus{}
	if peers, err := p.wg.Dump(p.wgIface); err != nil {
		p.logger.Debug("wireguard dump failed", "error", err)
	} else {
		for _, st := range peers {
			dump[st.PublicKey] = st
		}
	}

	p.publish(net, results, dump)
}

// candidates is the probe set: every default-route peer plus the
// current exit.
func (p *Prober) candidates(net *registry.NetworkSnapshot) []registry.PeerID {
	ids := net.DefaultRoutePeers()
	if exit := p.currentExit(); exit != nil {
		found := false
		for _, id := range ids {
			if id == *exit {
				found = true
				break
			}
		}
		if !found && net.Peer(*exit) != nil {
			ids = append(ids, *exit)
		}
	}
	return ids
}

func (p *Prober) publish(net *registry.NetworkSnapshot, results []probeResult, dump map[string]kernel.WGPeerStatus) {
	now := p.clk.Now()
	nowEpoch := now.Unix()

	samples := make(map[registry.PeerID]*Sample, len(results))
	seen := map[registry.PeerID]bool{}

	for _, res := range results {
		var zero registry.PeerID
		if res.id == zero {
			continue
		}
		seen[res.id] = true

		w := p.windows[res.id]
		if w == nil {
			w = newWindow(WindowSize)
			p.windows[res.id] = w
		}

		var rttMS int64
		if res.ok {
			rttMS = res.rtt.Milliseconds()
			w.push(true, rttMS)
			p.failures[res.id] = 0
			p.lastLatency[res.id] = &rttMS
			p.metrics.ProbesTotal.WithLabelValues(res.id.String(), "ok").Inc()
		} else {
			w.push(false, 0)
			p.failures[res.id]++
			p.metrics.ProbesTotal.WithLabelValues(res.id.String(), "timeout").Inc()
		}

		online := p.failures[res.id] < OfflineThreshold

		s := &Sample{
			PeerID:              res.id,
			IsOnline:            online,
			LatencyMS:           p.lastLatency[res.id],
			AvgLatencyMS:        w.meanLatency(),
			JitterMS:            w.jitter(),
			PacketLossPercent:   w.loss(),
			ConsecutiveFailures: p.failures[res.id],
		}

		peer := net.Peer(res.id)
		if peer != nil {
			if st, ok := dump[peer.PublicKey]; ok {
				s.Endpoint = st.Endpoint
				s.RxBytes = st.RxBytes
				s.TxBytes = st.TxBytes
				if !st.LastHandshake.IsZero() {
					hs := st.LastHandshake.Unix()
					s.LastHandshake = &hs
				}
			}
		}

		// first_handshake tracks when the peer came online in this
		// session: set on the offline-to-online transition (with a
		// handshake observed), cleared while never online.
		if online {
			if !p.wasOnline[res.id] || p.upSince[res.id] == 0 {
				if s.LastHandshake != nil && *s.LastHandshake > 0 {
					p.upSince[res.id] = nowEpoch
				}
			}
			if since := p.upSince[res.id]; since > 0 {
				v := since
				s.FirstHandshake = &v
			}
		} else {
			delete(p.upSince, res.id)
		}

		if p.wasOnline[res.id] != online {
			if online {
				p.logger.Info("peer came online", "peer", res.id, "latency_ms", rttMS)
			} else {
				p.logger.Warn("peer went offline", "peer", res.id,
					"consecutive_failures", p.failures[res.id])
			}
		}
		p.wasOnline[res.id] = online

		samples[res.id] = s
		p.updateMetrics(s)
	}

	// Drop tracking state for peers no longer probed.
	for id := range p.windows {
		if !seen[id] {
			delete(p.windows, id)
			delete(p.failures, id)
			delete(p.lastLatency, id)
			delete(p.upSince, id)
			delete(p.wasOnline, id)
		}
	}

	p.snapshot.Store(&Snapshot{Samples: samples, Taken: now})
}

func (p *Prober) updateMetrics(s *Sample) {
	label := s.PeerID.String()
	if s.LatencyMS != nil {
		p.metrics.ProbeLatencyMS.WithLabelValues(label).Set(float64(*s.LatencyMS))
	}
	if s.JitterMS != nil {
		p.metrics.ProbeJitterMS.WithLabelValues(label).Set(float64(*s.JitterMS))
	}
	if s.PacketLossPercent != nil {
		p.metrics.ProbeLossPercent.WithLabelValues(label).Set(*s.PacketLossPercent)
	}
	online := 0.0
	if s.IsOnline {
		online = 1.0
	}
	p.metrics.PeerOnline.WithLabelValues(label).Set(online)
}
