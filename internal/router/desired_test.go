package router

import (
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grizzy255/wg-quickrs-router/internal/kernel"
	"github.com/grizzy255/wg-quickrs-router/internal/policy"
	"github.com/grizzy255/wg-quickrs-router/internal/registry"
)

var (
	gatewayID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	peerA     = uuid.MustParse("11111111-1111-1111-1111-111111111111") // 10.0.34.2, exit candidate
	peerB     = uuid.MustParse("22222222-2222-2222-2222-222222222222") // 10.0.34.3
	peerC     = uuid.MustParse("33333333-3333-3333-3333-333333333333") // 10.0.34.4, exit candidate
)

func testNetwork(includeC bool) *registry.NetworkSnapshot {
	peers := map[registry.PeerID]*registry.PeerRecord{
		gatewayID: {ID: gatewayID, Name: "gateway", VPNAddress: net.IPv4(10, 0, 34, 1).To4(), AllowedIPs: []string{"10.0.34.1/32"}},
		peerA:     {ID: peerA, Name: "a", VPNAddress: net.IPv4(10, 0, 34, 2).To4(), AllowedIPs: []string{"0.0.0.0/0"}, PublicKey: "key-a"},
		peerB:     {ID: peerB, Name: "b", VPNAddress: net.IPv4(10, 0, 34, 3).To4(), AllowedIPs: []string{"10.0.34.0/24"}, PublicKey: "key-b"},
	}
	if includeC {
		peers[peerC] = &registry.PeerRecord{ID: peerC, Name: "c", VPNAddress: net.IPv4(10, 0, 34, 4).To4(), AllowedIPs: []string{"0.0.0.0/0"}, PublicKey: "key-c"}
	}
	return registry.NewNetworkSnapshot(gatewayID, "10.0.34.0/24", peers)
}

func routerState(exit *registry.PeerID, lans ...string) *policy.State {
	s := policy.Default()
	s.Mode = policy.ModeRouter
	s.LANCIDRs = lans
	s.ExitNode = exit
	return s
}

func TestDesiredHostModeIsEmpty(t *testing.T) {
	d, err := ComputeDesired(policy.Default(), testNetwork(false), "wg0", "eth0")
	require.NoError(t, err)
	assert.True(t, d.Empty())
}

func TestDesiredRouterModeWithExit(t *testing.T) {
	exit := peerA
	d, err := ComputeDesired(routerState(&exit, "192.168.1.0/24"), testNetwork(false), "wg0", "eth0")
	require.NoError(t, err)

	// Per-peer tables both carry the default via the exit plus the
	// route back into the VPN subnet.
	require.Contains(t, d.Tables, 1000)
	require.Contains(t, d.Tables, 1001)
	assert.Equal(t, []kernel.Route{
		{Dst: "0.0.0.0/0", Via: "10.0.34.2", Dev: "wg0"},
		{Dst: "10.0.34.0/24", Dev: "wg0"},
	}, d.Tables[1000])
	assert.Equal(t, []kernel.Route{
		{Dst: "0.0.0.0/0", Via: "10.0.34.2", Dev: "wg0"},
		{Dst: "10.0.34.0/24", Dev: "wg0"},
	}, d.Tables[1001])

	// No peer is denied, so no blackhole table.
	assert.NotContains(t, d.Tables, registry.TableBlackhole)

	assert.Equal(t, []kernel.Rule{
		{Priority: 19800, Src: "10.0.34.0/24", Dst: "192.168.1.0/24", Table: "main"},
		{Priority: 20000, Src: "10.0.34.2/32", Table: "1000"},
		{Priority: 20001, Src: "10.0.34.3/32", Table: "1001"},
	}, d.Rules)

	assert.True(t, d.NAT.Enabled)
	assert.Equal(t, "10.0.34.0/24", d.NAT.MasqueradeSubnet)
	assert.Equal(t, "eth0", d.NAT.OutInterface)
	assert.Equal(t, []string{"192.168.1.0/24"}, d.NAT.NATExcludes)
}

func TestDesiredWithoutExitHoldsOnlySubnetRoutes(t *testing.T) {
	d, err := ComputeDesired(routerState(nil, "192.168.1.0/24"), testNetwork(false), "wg0", "eth0")
	require.NoError(t, err)

	assert.Equal(t, []kernel.Route{{Dst: "10.0.34.0/24", Dev: "wg0"}}, d.Tables[1000])
	assert.Equal(t, []kernel.Route{{Dst: "10.0.34.0/24", Dev: "wg0"}}, d.Tables[1001])
	assert.Empty(t, d.NAT.NATExcludes)
}

func TestDesiredLANDenySortsBeforeGenericException(t *testing.T) {
	exit := peerA
	st := routerState(&exit, "192.168.1.0/24")
	st.PeerLANAccess[peerB.String()] = false

	d, err := ComputeDesired(st, testNetwork(false), "wg0", "eth0")
	require.NoError(t, err)

	// The deny for B routes to the blackhole table and sits strictly
	// below (numerically before) the generic exception.
	assert.Equal(t, kernel.Rule{
		Priority: 19800, Src: "10.0.34.3/32", Dst: "192.168.1.0/24", Table: "19",
	}, d.Rules[0])
	assert.Equal(t, kernel.Rule{
		Priority: 19801, Src: "10.0.34.0/24", Dst: "192.168.1.0/24", Table: "main",
	}, d.Rules[1])
	assert.Less(t, d.Rules[0].Priority, d.Rules[1].Priority)

	// And strictly higher precedence than B's source rule.
	assert.Less(t, d.Rules[0].Priority, 20001)

	assert.Equal(t, []kernel.Route{{Dst: "0.0.0.0/0", Blackhole: true}}, d.Tables[registry.TableBlackhole])
}

func TestDesiredMultipleLANsInterleaveDenies(t *testing.T) {
	exit := peerA
	st := routerState(&exit, "192.168.1.0/24", "10.9.0.0/16")
	st.PeerLANAccess[peerB.String()] = false

	d, err := ComputeDesired(st, testNetwork(false), "wg0", "eth0")
	require.NoError(t, err)

	lanRules := d.Rules[:4]
	assert.Equal(t, "19", lanRules[0].Table)
	assert.Equal(t, "192.168.1.0/24", lanRules[0].Dst)
	assert.Equal(t, "main", lanRules[1].Table)
	assert.Equal(t, "192.168.1.0/24", lanRules[1].Dst)
	assert.Equal(t, "19", lanRules[2].Table)
	assert.Equal(t, "10.9.0.0/16", lanRules[2].Dst)
	assert.Equal(t, "main", lanRules[3].Table)
	assert.Equal(t, "10.9.0.0/16", lanRules[3].Dst)

	for i, r := range lanRules {
		assert.Equal(t, registry.PriorityLANBase+i, r.Priority)
	}
}

func TestDesiredSwitchingExitRewritesAllDefaults(t *testing.T) {
	exit := peerC
	d, err := ComputeDesired(routerState(&exit, "192.168.1.0/24"), testNetwork(true), "wg0", "eth0")
	require.NoError(t, err)

	for _, table := range []int{1000, 1001, 1002} {
		require.Contains(t, d.Tables, table)
		assert.Equal(t, kernel.Route{Dst: "0.0.0.0/0", Via: "10.0.34.4", Dev: "wg0"}, d.Tables[table][0])
	}

	// Source rules are unchanged by the exit switch.
	assert.Contains(t, d.Rules, kernel.Rule{Priority: 20000, Src: "10.0.34.2/32", Table: "1000"})
	assert.Contains(t, d.Rules, kernel.Rule{Priority: 20001, Src: "10.0.34.3/32", Table: "1001"})
	assert.Contains(t, d.Rules, kernel.Rule{Priority: 20002, Src: "10.0.34.4/32", Table: "1002"})
}

func TestDesiredUnknownExitFails(t *testing.T) {
	ghost := uuid.New()
	_, err := ComputeDesired(routerState(&ghost), testNetwork(false), "wg0", "eth0")
	assert.Error(t, err)
}

func TestDesiredLANBlockOverflowFails(t *testing.T) {
	exit := peerA
	lans := make([]string, 101)
	for i := range lans {
		lans[i] = "192.168.1.0/24"
	}
	_, err := ComputeDesired(routerState(&exit, lans...), testNetwork(false), "wg0", "eth0")
	assert.Error(t, err)
}
