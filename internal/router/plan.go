package router

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/grizzy255/wg-quickrs-router/internal/kernel"
	"github.com/grizzy255/wg-quickrs-router/internal/policy"
	"github.com/grizzy255/wg-quickrs-router/internal/registry"
)

// Plan renders the pending convergence as a unified diff between the
// kernel's current reserved-namespace state and the desired state. The
// diff covers policy rules and reserved routing tables only; tagged
// firewall lines and the forwarding sysctl are not compared, so an
// empty diff means no rule or route changes are pending.
func (r *Reconciler) Plan(st *policy.State, net *registry.NetworkSnapshot) (string, error) {
	outIf := ""
	if st.Mode == policy.ModeRouter {
		var err error
		outIf, err = r.outInterface()
		if err != nil {
			return "", err
		}
	}
	desired, err := ComputeDesired(st, net, r.wgIface, outIf)
	if err != nil {
		return "", err
	}

	actualRules, err := r.adapter.RuleList()
	if err != nil {
		return "", err
	}
	reserved := filterReserved(actualRules)

	tables := map[int]bool{}
	for id := range desired.Tables {
		tables[id] = true
	}
	for _, rule := range reserved {
		if id, err := strconv.Atoi(rule.Table); err == nil && reservedTable(id) {
			tables[id] = true
		}
	}
	actualTables := map[int][]kernel.Route{}
	for id := range tables {
		routes, err := r.adapter.RouteListTable(id)
		if err != nil {
			return "", err
		}
		if len(routes) > 0 {
			actualTables[id] = routes
		}
	}

	current := renderState(reserved, actualTables)
	want := renderState(desired.Rules, desired.Tables)

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(current),
		B:        difflib.SplitLines(want),
		FromFile: "kernel",
		ToFile:   "desired",
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}

func renderState(rules []kernel.Rule, tables map[int][]kernel.Route) string {
	var b strings.Builder

	sorted := append([]kernel.Rule(nil), rules...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	for _, rule := range sorted {
		b.WriteString(rule.String())
		b.WriteString("\n")
	}

	ids := make([]int, 0, len(tables))
	for id := range tables {
		if len(tables[id]) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, "table %d:\n", id)
		for _, route := range tables[id] {
			b.WriteString("  ")
			if route.Blackhole {
				b.WriteString("blackhole ")
			}
			b.WriteString(route.Dst)
			if route.Via != "" {
				b.WriteString(" via " + route.Via)
			}
			if route.Dev != "" {
				b.WriteString(" dev " + route.Dev)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
