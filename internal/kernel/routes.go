package kernel

import (
	"strconv"
	"strings"
)

// Route is one entry in a routing table.
type Route struct {
	Dst       string // CIDR; "default" is normalized to 0.0.0.0/0
	Via       string // next-hop IP, optional
	Dev       string // output interface, optional
	Blackhole bool
}

// Key returns a comparable identity for diffing desired against actual
// routes.
func (r Route) Key() string {
	bh := ""
	if r.Blackhole {
		bh = "blackhole"
	}
	return r.Dst + "|" + r.Via + "|" + r.Dev + "|" + bh
}

func (r Route) args() []string {
	var args []string
	if r.Blackhole {
		args = append(args, "blackhole")
	}
	args = append(args, r.Dst)
	if r.Via != "" {
		args = append(args, "via", r.Via)
	}
	if r.Dev != "" {
		args = append(args, "dev", r.Dev)
	}
	return args
}

// RouteReplace installs or replaces a route in the given table.
func (a *Adapter) RouteReplace(table int, r Route) error {
	args := append([]string{"route", "replace"}, r.args()...)
	args = append(args, "table", strconv.Itoa(table))
	_, err := a.exec.RunCommand("ip", args...)
	return err
}

// RouteDel removes a route from the given table. A missing route
// reports success.
func (a *Adapter) RouteDel(table int, r Route) error {
	args := append([]string{"route", "del"}, r.args()...)
	args = append(args, "table", strconv.Itoa(table))
	_, err := a.exec.RunCommand("ip", args...)
	if err != nil && notFound(err) {
		return nil
	}
	return err
}

// RouteFlushTable removes every route from the given table. An
// already-empty table reports success.
func (a *Adapter) RouteFlushTable(table int) error {
	_, err := a.exec.RunCommand("ip", "route", "flush", "table", strconv.Itoa(table))
	if err != nil && notFound(err) {
		return nil
	}
	return err
}

// RouteListTable enumerates the routes in the given table. An unknown
// (never used) table is reported as empty, not as an error.
func (a *Adapter) RouteListTable(table int) ([]Route, error) {
	out, err := a.exec.RunCommand("ip", "route", "show", "table", strconv.Itoa(table))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return parseRoutes(out), nil
}

// parseRoutes converts "ip route show" output into typed routes.
// Fields the core does not manage (scope, proto, src, metric) are
// ignored.
func parseRoutes(out string) []Route {
	var routes []Route
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		var r Route
		i := 0
		if fields[0] == "blackhole" {
			r.Blackhole = true
			i = 1
			if i >= len(fields) {
				continue
			}
		}
		r.Dst = fields[i]
		if r.Dst == "default" {
			r.Dst = "0.0.0.0/0"
		}
		for ; i < len(fields)-1; i++ {
			switch fields[i] {
			case "via":
				r.Via = fields[i+1]
				i++
			case "dev":
				r.Dev = fields[i+1]
				i++
			}
		}
		routes = append(routes, r)
	}
	return routes
}
