package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grizzy255/wg-quickrs-router/internal/kernel"
	"github.com/grizzy255/wg-quickrs-router/internal/policy"
	"github.com/grizzy255/wg-quickrs-router/internal/registry"
)

func newTestReconciler(f *fakeExec, wg kernel.WGClient) *Reconciler {
	adapter := kernel.NewAdapter(f)
	rec := NewReconciler(adapter, wg, "wg0", func() (string, error) { return "eth0", nil }, nil)
	rec.sleep = func(time.Duration) {}
	return rec
}

func TestReconcileConvergesFromScratch(t *testing.T) {
	f := newFakeExec()
	rec := newTestReconciler(f, nil)

	exit := peerA
	st := routerState(&exit, "192.168.1.0/24")
	require.NoError(t, rec.Reconcile(st, testNetwork(false)))

	rules := f.reservedRules()
	require.Len(t, rules, 3)
	assert.Equal(t, fakeRule{priority: 19800, src: "10.0.34.0/24", dst: "192.168.1.0/24", table: "main"}, rules[0])
	assert.Equal(t, fakeRule{priority: 20000, src: "10.0.34.2/32", table: "1000"}, rules[1])
	assert.Equal(t, fakeRule{priority: 20001, src: "10.0.34.3/32", table: "1001"}, rules[2])

	assert.ElementsMatch(t, []fakeRoute{
		{dst: "0.0.0.0/0", via: "10.0.34.2", dev: "wg0"},
		{dst: "10.0.34.0/24", dev: "wg0"},
	}, f.tableRoutes(1000))
	assert.ElementsMatch(t, []fakeRoute{
		{dst: "0.0.0.0/0", via: "10.0.34.2", dev: "wg0"},
		{dst: "10.0.34.0/24", dev: "wg0"},
	}, f.tableRoutes(1001))

	tagged := f.taggedLines()
	assert.Contains(t, tagged, "nat POSTROUTING -s 10.0.34.0/24 -o eth0 -j MASQUERADE -m comment --comment "+kernel.RuleTag)
	assert.Contains(t, tagged, "nat POSTROUTING -s 10.0.34.0/24 -d 192.168.1.0/24 -j RETURN -m comment --comment "+kernel.RuleTag)
	assert.Contains(t, tagged, "filter FORWARD -i wg0 -o eth0 -j ACCEPT -m comment --comment "+kernel.RuleTag)
	assert.Contains(t, tagged, "filter FORWARD -i eth0 -o wg0 -m state --state RELATED,ESTABLISHED -j ACCEPT -m comment --comment "+kernel.RuleTag)

	assert.True(t, f.ipForward)
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFakeExec()
	rec := newTestReconciler(f, nil)

	exit := peerA
	st := routerState(&exit, "192.168.1.0/24")
	require.NoError(t, rec.Reconcile(st, testNetwork(false)))

	before := f.Mutations()
	require.NoError(t, rec.Reconcile(st, testNetwork(false)))
	assert.Equal(t, before, f.Mutations(), "second reconcile must issue zero mutating commands")
}

func TestReconcileHostModeRemovesEverything(t *testing.T) {
	f := newFakeExec()
	rec := newTestReconciler(f, nil)
	net := testNetwork(false)

	exit := peerA
	routerSt := routerState(&exit, "192.168.1.0/24")
	routerSt.PeerLANAccess[peerB.String()] = false
	require.NoError(t, rec.Reconcile(routerSt, net))
	require.NotEmpty(t, f.reservedRules())

	host := policy.Default()
	require.NoError(t, rec.Reconcile(host, net))

	assert.Empty(t, f.reservedRules())
	assert.Empty(t, f.tableRoutes(1000))
	assert.Empty(t, f.tableRoutes(1001))
	assert.Empty(t, f.tableRoutes(registry.TableBlackhole))
	assert.Empty(t, f.taggedLines())
	assert.False(t, f.ipForward)
}

func TestReconcileLANDenyAddsBlackhole(t *testing.T) {
	f := newFakeExec()
	rec := newTestReconciler(f, nil)
	net := testNetwork(false)

	exit := peerA
	st := routerState(&exit, "192.168.1.0/24")
	require.NoError(t, rec.Reconcile(st, net))

	st.PeerLANAccess[peerB.String()] = false
	require.NoError(t, rec.Reconcile(st, net))

	rules := f.reservedRules()
	require.Len(t, rules, 4)
	assert.Equal(t, fakeRule{priority: 19800, src: "10.0.34.3/32", dst: "192.168.1.0/24", table: "19"}, rules[0])
	assert.Equal(t, fakeRule{priority: 19801, src: "10.0.34.0/24", dst: "192.168.1.0/24", table: "main"}, rules[1])

	assert.Equal(t, []fakeRoute{{blackhole: true, dst: "0.0.0.0/0"}}, f.tableRoutes(registry.TableBlackhole))
}

func TestReconcileExitSwitchRewritesTables(t *testing.T) {
	f := newFakeExec()
	rec := newTestReconciler(f, nil)
	net := testNetwork(true)

	exit := peerA
	st := routerState(&exit, "192.168.1.0/24")
	require.NoError(t, rec.Reconcile(st, net))

	newExit := peerC
	st.ExitNode = &newExit
	require.NoError(t, rec.Reconcile(st, net))

	for _, table := range []int{1000, 1001, 1002} {
		assert.Contains(t, f.tableRoutes(table), fakeRoute{dst: "0.0.0.0/0", via: "10.0.34.4", dev: "wg0"},
			"table %d", table)
		assert.NotContains(t, f.tableRoutes(table), fakeRoute{dst: "0.0.0.0/0", via: "10.0.34.2", dev: "wg0"})
	}
}

func TestReconcileUndoesForeignWritesInReservedRange(t *testing.T) {
	f := newFakeExec()
	rec := newTestReconciler(f, nil)
	net := testNetwork(false)

	exit := peerA
	st := routerState(&exit, "192.168.1.0/24")
	require.NoError(t, rec.Reconcile(st, net))

	// Another actor plants a rule inside our reserved range.
	f.rules = append(f.rules, fakeRule{priority: 20500, src: "172.16.0.1/32", table: "1000"})

	require.NoError(t, rec.Reconcile(st, net))
	for _, r := range f.reservedRules() {
		assert.NotEqual(t, 20500, r.priority)
	}
}

func TestCleanSlateClearsReservedNamespaces(t *testing.T) {
	f := newFakeExec()
	rec := newTestReconciler(f, nil)
	net := testNetwork(false)

	// Leftovers from a previous run, including a stale table id no
	// current peer owns.
	f.rules = append(f.rules,
		fakeRule{priority: 19805, src: "10.0.34.0/24", dst: "192.168.1.0/24", table: "main"},
		fakeRule{priority: 20007, src: "10.0.34.9/32", table: "1007"},
		fakeRule{priority: 100, table: "main"}, // foreign, below our ranges
	)
	f.tables[1007] = []fakeRoute{{dst: "0.0.0.0/0", dev: "wg0"}}
	f.ipt["nat"] = []fakeIPT{{chain: "POSTROUTING", spec: "-s 10.0.34.0/24 -o eth0 -j MASQUERADE -m comment --comment " + kernel.RuleTag}}

	require.NoError(t, rec.CleanSlate(net))

	assert.Empty(t, f.reservedRules())
	assert.Empty(t, f.tableRoutes(1007))
	assert.Empty(t, f.taggedLines())

	// Foreign rule outside the reserved ranges is untouched.
	assert.Len(t, f.rules, 1)
	assert.Equal(t, 100, f.rules[0].priority)
}

func TestReconcileErrorCarriesFailedOp(t *testing.T) {
	mockExec := new(kernel.MockCommandExecutor)

	// Listing rules fails (reads are not retried).
	kerrList := &kernel.KernelError{Cmd: "ip", ExitCode: 1, Stderr: "boom"}
	mockExec.On("RunCommand", "ip", "rule", "show").Return("", kerrList)

	rec := NewReconciler(kernel.NewAdapter(mockExec), nil, "wg0",
		func() (string, error) { return "eth0", nil }, nil)

	exit := peerA
	err := rec.Reconcile(routerState(&exit, "192.168.1.0/24"), testNetwork(false))
	require.Error(t, err)
	recErr, ok := err.(*ReconcileError)
	require.True(t, ok)
	assert.Equal(t, "list rules", recErr.FailedOp)
}

func TestUpdateExitAllowedIPs(t *testing.T) {
	wg := new(kernel.MockWGClient)
	rec := newTestReconciler(newFakeExec(), wg)
	net := testNetwork(true)

	// Old exit A narrows to its own /32; new exit C gets its own /32
	// plus the default.
	wg.On("SetAllowedIPs", "wg0", "key-a", []string{"10.0.34.2/32"}).Return(nil).Once()
	wg.On("SetAllowedIPs", "wg0", "key-c", []string{"10.0.34.4/32", "0.0.0.0/0"}).Return(nil).Once()

	oldExit, newExit := peerA, peerC
	require.NoError(t, rec.UpdateExitAllowedIPs(net, &oldExit, &newExit))
	wg.AssertExpectations(t)
}

func TestPeerControlReconnectWaitsForHandshake(t *testing.T) {
	wg := new(kernel.MockWGClient)
	rec := newTestReconciler(newFakeExec(), wg)
	net := testNetwork(false)

	wg.On("RemovePeer", "wg0", "key-a").Return(nil).Once()
	wg.On("AddPeer", "wg0", kernel.WGPeerConfig{
		PublicKey:  "key-a",
		AllowedIPs: []string{"0.0.0.0/0"},
	}).Return(nil).Once()
	wg.On("Dump", "wg0").Return([]kernel.WGPeerStatus{
		{PublicKey: "key-a", LastHandshake: time.Now().Add(time.Hour)},
	}, nil)

	require.NoError(t, rec.PeerControl(net, peerA, PeerActionReconnect))
	wg.AssertExpectations(t)
}

func TestPeerControlStop(t *testing.T) {
	wg := new(kernel.MockWGClient)
	rec := newTestReconciler(newFakeExec(), wg)

	wg.On("RemovePeer", "wg0", "key-b").Return(nil).Once()
	require.NoError(t, rec.PeerControl(testNetwork(false), peerB, PeerActionStop))
	wg.AssertExpectations(t)
}

func TestPlanShowsPendingChanges(t *testing.T) {
	f := newFakeExec()
	rec := newTestReconciler(f, nil)
	net := testNetwork(false)

	exit := peerA
	st := routerState(&exit, "192.168.1.0/24")

	plan, err := rec.Plan(st, net)
	require.NoError(t, err)
	assert.Contains(t, plan, "+20000: from 10.0.34.2/32 lookup 1000")

	require.NoError(t, rec.Reconcile(st, net))
	plan, err = rec.Plan(st, net)
	require.NoError(t, err)
	assert.Empty(t, plan)
}
