// Package gateway implements the Smart Gateway: a state machine that
// watches exit-node health, promotes a backup when the active exit
// sustains failures, and fails back to the preferred exit once it has
// been stable again.
package gateway

import (
	"context"
	"time"

	"github.com/grizzy255/wg-quickrs-router/internal/clock"
	"github.com/grizzy255/wg-quickrs-router/internal/control"
	"github.com/grizzy255/wg-quickrs-router/internal/health"
	"github.com/grizzy255/wg-quickrs-router/internal/logging"
	"github.com/grizzy255/wg-quickrs-router/internal/metrics"
	"github.com/grizzy255/wg-quickrs-router/internal/policy"
	"github.com/grizzy255/wg-quickrs-router/internal/registry"
)

const (
	// TickInterval paces the controller.
	TickInterval = 1 * time.Second

	// FailThreshold is the consecutive-failure count that triggers a
	// failover of the active exit.
	FailThreshold = 3

	// StabilityWindow is how long an exit must stay online before the
	// controller trusts it (failback and post-failover stabilization).
	StabilityWindow = 60 * time.Second
)

// State names the controller's phases.
type State string

const (
	StateIdle        State = "idle"
	StateMonitoring  State = "monitoring"
	StateFailingOver State = "failing_over"
	StateStabilizing State = "stabilizing"
)

// Controller drives the failover state machine. Derived state only:
// nothing here is persisted, and a restart begins again in Idle.
type Controller struct {
	facade   *control.Facade
	healthFn func() *health.Snapshot
	clk      clock.Clock
	logger   *logging.Logger
	metrics  *metrics.Registry

	state      State
	failedExit *registry.PeerID // exit being replaced while FailingOver

	stableSince    time.Time // Stabilizing: continuous-online start of new exit
	preferredSince time.Time // Monitoring: continuous-online start of preferred exit
}

// Options wires a Controller.
type Options struct {
	Facade *control.Facade
	Health func() *health.Snapshot
	Clock  clock.Clock
	Logger *logging.Logger
}

// NewController creates a controller in Idle.
func NewController(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Controller{
		facade:   opts.Facade,
		healthFn: opts.Health,
		clk:      opts.Clock,
		logger:   opts.Logger.WithComponent("smart-gateway"),
		metrics:  metrics.Get(),
		state:    StateIdle,
	}
}

// State returns the current phase.
func (c *Controller) State() State {
	return c.state
}

// Run ticks the controller until ctx is cancelled. Policy changes wake
// it early so a toggle takes effect without waiting out the tick.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	c.logger.Info("smart gateway started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("smart gateway stopped")
			return
		case <-ticker.C:
			c.Tick()
		case <-c.facade.Wake():
			c.Tick()
		}
	}
}

// Tick advances the state machine one step. Exported for deterministic
// driving in tests.
func (c *Controller) Tick() {
	st := c.facade.State()
	armed := st.AutoFailover && st.Mode == policy.ModeRouter && st.ExitNode != nil

	switch c.state {
	case StateIdle:
		if armed {
			c.transition(StateMonitoring)
		}

	case StateMonitoring:
		if !armed {
			c.transition(StateIdle)
			return
		}
		c.monitor(st)

	case StateFailingOver:
		if !armed && !(st.AutoFailover && st.Mode == policy.ModeRouter) {
			c.transition(StateIdle)
			return
		}
		c.failOver(st)

	case StateStabilizing:
		if !armed {
			c.transition(StateIdle)
			return
		}
		c.stabilize(st)
	}
}

func (c *Controller) transition(next State) {
	if c.state == next {
		return
	}
	c.logger.Info("state change", "from", string(c.state), "to", string(next))
	c.state = next
	switch next {
	case StateMonitoring:
		c.preferredSince = time.Time{}
	case StateStabilizing:
		c.stableSince = time.Time{}
	case StateIdle, StateFailingOver:
		c.preferredSince = time.Time{}
		c.stableSince = time.Time{}
	}
}

func (c *Controller) monitor(st *policy.State) {
	snap := c.healthFn()
	active := snap.Sample(*st.ExitNode)

	if active != nil && active.ConsecutiveFailures >= FailThreshold {
		c.logger.Warn("active exit failing, starting failover",
			"exit", st.ExitNode, "consecutive_failures", active.ConsecutiveFailures)
		c.failedExit = copyID(st.ExitNode)
		c.transition(StateFailingOver)
		c.failOver(st)
		return
	}

	// Failback: once the preferred exit has been online for the full
	// stability window while somebody else carries traffic, promote it
	// back.
	pref := st.PreferredExitNode
	if pref == nil || sameID(pref, st.ExitNode) {
		c.preferredSince = time.Time{}
		return
	}
	sample := snap.Sample(*pref)
	if sample == nil || !sample.IsOnline {
		c.preferredSince = time.Time{}
		return
	}
	if c.preferredSince.IsZero() {
		c.preferredSince = c.clk.Now()
		return
	}
	if c.clk.Since(c.preferredSince) >= StabilityWindow {
		c.logger.Info("preferred exit stable, failing back", "exit", pref)
		if _, err := c.facade.SwitchExitNode(pref); err != nil {
			c.logger.Error("failback switch failed", "error", err)
			return
		}
		c.metrics.FailbacksTotal.Inc()
		c.preferredSince = time.Time{}
	}
}

// failOver picks the best healthy candidate and promotes it. With no
// candidate available it stays in FailingOver and retries every tick.
func (c *Controller) failOver(st *policy.State) {
	best := c.selectCandidate(st)
	if best == nil {
		c.logger.Warn("no healthy failover candidate, retrying")
		return
	}
	if _, err := c.facade.SwitchExitNode(best); err != nil {
		c.logger.Error("failover switch failed", "candidate", best, "error", err)
		return
	}
	c.metrics.FailoversTotal.Inc()
	c.logger.Info("failed over", "from", c.failedExit, "to", best)
	c.failedExit = nil
	c.transition(StateStabilizing)
}

// selectCandidate orders the eligible exits: the preferred exit when
// healthy, then lowest mean latency, then PeerID lex order as the
// deterministic tiebreak.
func (c *Controller) selectCandidate(st *policy.State) *registry.PeerID {
	snap := c.healthFn()
	net := c.facadeNetwork()

	var best *registry.PeerID
	var bestLatency int64 = -1

	for _, id := range net.DefaultRoutePeers() {
		if c.failedExit != nil && id == *c.failedExit {
			continue
		}
		sample := snap.Sample(id)
		if sample == nil || !sample.IsOnline {
			continue
		}
		if st.PreferredExitNode != nil && id == *st.PreferredExitNode {
			chosen := id
			return &chosen
		}
		latency := int64(1<<62 - 1)
		if sample.AvgLatencyMS != nil {
			latency = *sample.AvgLatencyMS
		}
		// Candidates iterate in lex order, so strict less-than keeps
		// the first (lowest id) peer on latency ties.
		if best == nil || latency < bestLatency {
			chosen := id
			best = &chosen
			bestLatency = latency
		}
	}
	return best
}

func (c *Controller) stabilize(st *policy.State) {
	snap := c.healthFn()
	active := snap.Sample(*st.ExitNode)

	if active != nil && active.ConsecutiveFailures >= FailThreshold {
		c.logger.Warn("new exit failed during stabilization", "exit", st.ExitNode)
		c.failedExit = copyID(st.ExitNode)
		c.transition(StateFailingOver)
		c.failOver(st)
		return
	}
	if active == nil || !active.IsOnline {
		c.stableSince = time.Time{}
		return
	}
	if c.stableSince.IsZero() {
		c.stableSince = c.clk.Now()
		return
	}
	if c.clk.Since(c.stableSince) >= StabilityWindow {
		c.transition(StateMonitoring)
	}
}

func (c *Controller) facadeNetwork() *registry.NetworkSnapshot {
	return c.facade.Network()
}

func copyID(id *registry.PeerID) *registry.PeerID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func sameID(a, b *registry.PeerID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
