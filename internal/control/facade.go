// Package control is the process-local API the web collaborator calls.
// A single writer mutex totally orders mutations; each successful
// mutation persists the policy and converges the kernel inside the
// same critical section.
package control

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grizzy255/wg-quickrs-router/internal/clock"
	"github.com/grizzy255/wg-quickrs-router/internal/health"
	"github.com/grizzy255/wg-quickrs-router/internal/logging"
	"github.com/grizzy255/wg-quickrs-router/internal/policy"
	"github.com/grizzy255/wg-quickrs-router/internal/registry"
	"github.com/grizzy255/wg-quickrs-router/internal/router"
)

// View is the public projection returned by every successful mutation.
type View struct {
	Mode     policy.Mode
	LANCIDRs []string
	ExitNode *registry.PeerID
}

// ExitNodeInfo is the read model for the exit-node panel: current
// selection, eligible candidates, and their latest health samples.
type ExitNodeInfo struct {
	ExitNode              *registry.PeerID
	PreferredExitNode     *registry.PeerID
	PeersWithDefaultRoute []registry.PeerID
	HealthStatus          []*health.Sample
}

// Options wires a Facade.
type Options struct {
	Store   *policy.Store
	Network func() *registry.NetworkSnapshot
	Rec     *router.Reconciler
	Clock   clock.Clock
	Logger  *logging.Logger

	// StrictModeGate enforces the configuration collaborator's rule
	// that Host/Router transitions are only allowed while no other
	// peers are configured. With the gate off, transitions reconcile
	// live networks in place.
	StrictModeGate bool
}

// Facade serializes writer access to policy and kernel state.
type Facade struct {
	mu      sync.Mutex
	store   *policy.Store
	network func() *registry.NetworkSnapshot
	rec     *router.Reconciler
	clk     clock.Clock
	logger  *logging.Logger
	strict  bool

	state    atomic.Pointer[policy.State]
	healthFn func() *health.Snapshot

	// wake nudges the smart-gateway controller after policy changes.
	wake chan struct{}
}

// New creates a facade around an already-loaded policy state.
func New(opts Options, initial *policy.State) *Facade {
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	f := &Facade{
		store:   opts.Store,
		network: opts.Network,
		rec:     opts.Rec,
		clk:     opts.Clock,
		logger:  opts.Logger.WithComponent("control"),
		strict:  opts.StrictModeGate,
		wake:    make(chan struct{}, 1),
	}
	f.state.Store(initial)
	return f
}

// SetHealthSource injects the prober's snapshot accessor. Wired after
// construction because the prober reads the current exit back from the
// facade.
func (f *Facade) SetHealthSource(fn func() *health.Snapshot) {
	f.healthFn = fn
}

// State returns a clone of the current policy for readers.
func (f *Facade) State() *policy.State {
	return f.state.Load().Clone()
}

// CurrentExit returns the active exit node, or nil.
func (f *Facade) CurrentExit() *registry.PeerID {
	s := f.state.Load()
	if s.ExitNode == nil {
		return nil
	}
	id := *s.ExitNode
	return &id
}

// Wake is the channel the smart-gateway controller selects on to pick
// up policy changes between ticks.
func (f *Facade) Wake() <-chan struct{} {
	return f.wake
}

func (f *Facade) notify() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Facade) view(s *policy.State) View {
	v := View{
		Mode:     s.Mode,
		LANCIDRs: append([]string(nil), s.LANCIDRs...),
	}
	if s.ExitNode != nil {
		id := *s.ExitNode
		v.ExitNode = &id
	}
	return v
}

// Network returns the current registry snapshot.
func (f *Facade) Network() *registry.NetworkSnapshot {
	return f.network()
}

// Mode returns the current mode and LAN CIDRs.
func (f *Facade) Mode() View {
	return f.view(f.state.Load())
}

// CanSwitchMode reports whether a Host/Router transition is allowed
// and, when not, why.
func (f *Facade) CanSwitchMode() (bool, string) {
	if len(f.network().RankedPeers()) > 0 {
		return false, "peers are configured"
	}
	return true, ""
}

// mutate applies one change under the writer lock: clone, apply,
// stamp, persist, swap, then optionally reconcile. A persistence
// failure rolls the change back; a reconcile failure does not — the
// stored policy is intent, and the next reconcile heals the kernel.
func (f *Facade) mutate(apply func(*policy.State) error, reconcile bool) (*policy.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.state.Load().Clone()
	if err := apply(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = f.clk.Now().Unix()

	if err := f.store.Save(next); err != nil {
		return nil, &PersistenceError{Cause: err}
	}
	f.state.Store(next)
	f.notify()

	if reconcile {
		if err := f.rec.Reconcile(next, f.network()); err != nil {
			f.logger.Warn("reconcile failed; policy persisted, kernel partial", "error", err)
			return next, err
		}
	}
	return next, nil
}

// SetMode switches between Host and Router mode, replacing the LAN
// CIDR list. Host mode clears the exit node and LAN CIDRs.
func (f *Facade) SetMode(mode policy.Mode, lanCIDRs []string) (View, error) {
	if mode != policy.ModeHost && mode != policy.ModeRouter {
		return View{}, fmt.Errorf("unknown mode %q", mode)
	}
	for _, cidr := range lanCIDRs {
		if err := policy.ValidateLANCIDR(cidr); err != nil {
			return View{}, fmt.Errorf("%w: %v", ErrInvalidCIDR, err)
		}
	}

	net := f.network()
	cur := f.state.Load()
	if f.strict && cur.Mode != mode && len(net.RankedPeers()) > 0 {
		return View{}, ErrModeTransitionBlocked
	}

	var oldExit, newExit *registry.PeerID
	next, err := f.mutate(func(s *policy.State) error {
		oldExit = s.ExitNode
		s.Mode = mode
		if mode == policy.ModeHost {
			s.ExitNode = nil
			s.PreferredExitNode = nil
			s.LANCIDRs = nil
			newExit = nil
			return nil
		}
		s.LANCIDRs = append([]string(nil), lanCIDRs...)
		// Entering Router mode with no exit selected adopts the first
		// default-route peer so traffic starts flowing immediately.
		if s.ExitNode == nil {
			if candidates := net.DefaultRoutePeers(); len(candidates) > 0 {
				id := candidates[0]
				s.ExitNode = &id
				if s.PreferredExitNode == nil {
					s.PreferredExitNode = &id
				}
			}
		}
		newExit = s.ExitNode
		return nil
	}, true)
	if err != nil {
		return View{}, err
	}

	if !samePeer(oldExit, newExit) {
		if err := f.rec.UpdateExitAllowedIPs(net, oldExit, newExit); err != nil {
			f.logger.Warn("exit allowed-ips update failed", "error", err)
		}
	}
	return f.view(next), nil
}

// SetExitNode selects the active exit (nil clears it). Manual
// selection always records the choice as the preferred exit for
// failback.
func (f *Facade) SetExitNode(id *registry.PeerID) (View, error) {
	return f.setExit(id, true)
}

// SwitchExitNode changes the active exit without touching the
// preferred exit. The smart-gateway controller uses it for failover.
func (f *Facade) SwitchExitNode(id *registry.PeerID) (View, error) {
	return f.setExit(id, false)
}

func (f *Facade) setExit(id *registry.PeerID, manual bool) (View, error) {
	net := f.network()
	if id != nil {
		peer := net.Peer(*id)
		if peer == nil {
			return View{}, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
		}
		if !peer.AdvertisesDefaultRoute() {
			return View{}, fmt.Errorf("%w: %s", ErrNotAnExitCandidate, id)
		}
	}

	var oldExit *registry.PeerID
	next, err := f.mutate(func(s *policy.State) error {
		oldExit = s.ExitNode
		s.ExitNode = copyPeer(id)
		if manual {
			s.PreferredExitNode = copyPeer(id)
		}
		return nil
	}, true)
	if err != nil {
		return View{}, err
	}

	if !samePeer(oldExit, id) {
		if err := f.rec.UpdateExitAllowedIPs(net, oldExit, id); err != nil {
			f.logger.Warn("exit allowed-ips update failed", "error", err)
		}
	}
	return f.view(next), nil
}

// SetLANCIDRs replaces the LAN CIDR list.
func (f *Facade) SetLANCIDRs(cidrs []string) (View, error) {
	for _, cidr := range cidrs {
		if err := policy.ValidateLANCIDR(cidr); err != nil {
			return View{}, fmt.Errorf("%w: %v", ErrInvalidCIDR, err)
		}
	}
	next, err := f.mutate(func(s *policy.State) error {
		s.LANCIDRs = append([]string(nil), cidrs...)
		return nil
	}, true)
	if err != nil {
		return View{}, err
	}
	return f.view(next), nil
}

// SetPeerLANAccess grants or revokes one peer's access to the LAN
// CIDRs.
func (f *Facade) SetPeerLANAccess(id registry.PeerID, hasAccess bool) (map[string]bool, error) {
	if f.network().Peer(id) == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	next, err := f.mutate(func(s *policy.State) error {
		s.PeerLANAccess[id.String()] = hasAccess
		return nil
	}, true)
	if err != nil {
		return nil, err
	}
	return next.Clone().PeerLANAccess, nil
}

// PeerLANAccess returns the per-peer LAN access map. Peers absent from
// the map have access.
func (f *Facade) PeerLANAccess() map[string]bool {
	return f.State().PeerLANAccess
}

// SetAutoFailover toggles the Smart Gateway. No kernel state changes;
// the controller picks the toggle up on its next tick.
func (f *Facade) SetAutoFailover(enabled bool) (bool, error) {
	next, err := f.mutate(func(s *policy.State) error {
		s.AutoFailover = enabled
		return nil
	}, false)
	if err != nil {
		return false, err
	}
	return next.AutoFailover, nil
}

// AutoFailover reports the Smart Gateway toggle.
func (f *Facade) AutoFailover() bool {
	return f.state.Load().AutoFailover
}

// PeerControl performs a WireGuard control action on one peer without
// mutating policy. Serialized with mutations so it cannot interleave
// with an exit switch.
func (f *Facade) PeerControl(id registry.PeerID, action router.PeerAction) error {
	net := f.network()
	if net.Peer(id) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rec.PeerControl(net, id, action)
}

// Reconcile forces a convergence pass for the current policy.
func (f *Facade) Reconcile() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rec.Reconcile(f.state.Load(), f.network())
}

// ExitNode returns exit-node state plus health for every candidate.
func (f *Facade) ExitNode() ExitNodeInfo {
	s := f.state.Load()
	net := f.network()

	info := ExitNodeInfo{
		ExitNode:              copyPeer(s.ExitNode),
		PreferredExitNode:     copyPeer(s.PreferredExitNode),
		PeersWithDefaultRoute: net.DefaultRoutePeers(),
	}
	if f.healthFn != nil {
		snap := f.healthFn()
		for _, id := range info.PeersWithDefaultRoute {
			if sample := snap.Sample(id); sample != nil {
				info.HealthStatus = append(info.HealthStatus, sample)
			}
		}
	}
	return info
}

func copyPeer(id *registry.PeerID) *registry.PeerID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func samePeer(a, b *registry.PeerID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
