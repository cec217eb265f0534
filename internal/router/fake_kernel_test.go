package router

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grizzy255/wg-quickrs-router/internal/kernel"
)

// fakeExec simulates the kernel side of the ip/iptables/sysctl
// commands the adapter issues, so convergence tests observe real
// state transitions instead of canned call sequences.
type fakeExec struct {
	mu sync.Mutex

	rules     []fakeRule
	tables    map[int][]fakeRoute
	ipt       map[string][]fakeIPT // table -> lines
	ipForward bool

	mutations int
}

type fakeRule struct {
	priority int
	src, dst string
	table    string
}

type fakeRoute struct {
	blackhole bool
	dst, via  string
	dev       string
}

type fakeIPT struct {
	chain string
	spec  string
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		tables: map[int][]fakeRoute{},
		ipt:    map[string][]fakeIPT{},
	}
}

func (f *fakeExec) Mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mutations
}

func kerr(stderr string) error {
	return &kernel.KernelError{Cmd: "fake", ExitCode: 2, Stderr: stderr}
}

func (f *fakeExec) RunCommand(name string, arg ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch name {
	case "ip":
		return f.ip(arg)
	case "iptables":
		return f.iptables(arg)
	case "sysctl":
		return f.sysctl(arg)
	}
	return "", kerr("unknown command " + name)
}

func (f *fakeExec) ip(arg []string) (string, error) {
	if len(arg) < 2 {
		return "", kerr("bad ip invocation")
	}
	switch arg[0] {
	case "rule":
		return f.ipRule(arg[1:])
	case "route":
		return f.ipRoute(arg[1:])
	}
	return "", kerr("bad ip invocation")
}

func (f *fakeExec) ipRule(arg []string) (string, error) {
	switch arg[0] {
	case "show":
		var b strings.Builder
		sorted := append([]fakeRule(nil), f.rules...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].priority < sorted[j].priority })
		for _, r := range sorted {
			src := r.src
			if src == "" {
				src = "all"
			}
			fmt.Fprintf(&b, "%d:\tfrom %s", r.priority, src)
			if r.dst != "" {
				fmt.Fprintf(&b, " to %s", r.dst)
			}
			fmt.Fprintf(&b, " lookup %s\n", r.table)
		}
		return b.String(), nil

	case "add":
		r := fakeRule{table: "main"}
		for i := 1; i < len(arg)-1; i++ {
			switch arg[i] {
			case "from":
				if arg[i+1] != "all" {
					r.src = arg[i+1]
				}
			case "to":
				r.dst = arg[i+1]
			case "lookup":
				r.table = arg[i+1]
			case "priority":
				r.priority, _ = strconv.Atoi(arg[i+1])
			}
		}
		f.rules = append(f.rules, r)
		f.mutations++
		return "", nil

	case "del":
		if len(arg) >= 3 && arg[1] == "priority" {
			prio, _ := strconv.Atoi(arg[2])
			kept := f.rules[:0]
			removed := false
			for _, r := range f.rules {
				if r.priority == prio {
					removed = true
					continue
				}
				kept = append(kept, r)
			}
			f.rules = kept
			if !removed {
				return "", kerr("RTNETLINK answers: No such file or directory")
			}
			f.mutations++
			return "", nil
		}
		return "", kerr("bad rule del")
	}
	return "", kerr("bad rule invocation")
}

func (f *fakeExec) ipRoute(arg []string) (string, error) {
	table := 254
	for i := 0; i < len(arg)-1; i++ {
		if arg[i] == "table" {
			table, _ = strconv.Atoi(arg[i+1])
		}
	}

	switch arg[0] {
	case "show":
		routes, ok := f.tables[table]
		if !ok {
			return "", kerr("Error: ipv4: FIB table does not exist.")
		}
		var b strings.Builder
		for _, r := range routes {
			if r.blackhole {
				fmt.Fprintf(&b, "blackhole %s\n", r.dst)
				continue
			}
			b.WriteString(r.dst)
			if r.via != "" {
				b.WriteString(" via " + r.via)
			}
			if r.dev != "" {
				b.WriteString(" dev " + r.dev)
			}
			b.WriteString("\n")
		}
		return b.String(), nil

	case "replace", "del":
		r := parseFakeRoute(arg[1:])
		kept := f.tables[table][:0]
		found := false
		for _, existing := range f.tables[table] {
			if existing.dst == r.dst && existing.blackhole == r.blackhole {
				found = true
				continue
			}
			kept = append(kept, existing)
		}
		f.tables[table] = kept
		if arg[0] == "replace" {
			f.tables[table] = append(f.tables[table], r)
		} else if !found {
			return "", kerr("RTNETLINK answers: No such process")
		}
		f.mutations++
		return "", nil

	case "flush":
		delete(f.tables, table)
		f.mutations++
		return "", nil
	}
	return "", kerr("bad route invocation")
}

func parseFakeRoute(arg []string) fakeRoute {
	var r fakeRoute
	i := 0
	if arg[i] == "blackhole" {
		r.blackhole = true
		i++
	}
	r.dst = arg[i]
	for ; i < len(arg)-1; i++ {
		switch arg[i] {
		case "via":
			r.via = arg[i+1]
		case "dev":
			r.dev = arg[i+1]
		}
	}
	return r
}

func (f *fakeExec) iptables(arg []string) (string, error) {
	if len(arg) < 3 || arg[0] != "-t" {
		return "", kerr("bad iptables invocation")
	}
	table := arg[1]
	verb := arg[2]
	rest := arg[3:]

	switch verb {
	case "-S":
		var b strings.Builder
		chainFilter := ""
		if len(rest) > 0 {
			chainFilter = rest[0]
		}
		for _, line := range f.ipt[table] {
			if chainFilter != "" && line.chain != chainFilter {
				continue
			}
			fmt.Fprintf(&b, "-A %s %s\n", line.chain, line.spec)
		}
		return b.String(), nil

	case "-C":
		spec := strings.Join(rest[1:], " ")
		for _, line := range f.ipt[table] {
			if line.chain == rest[0] && line.spec == spec {
				return "", nil
			}
		}
		return "", &kernel.KernelError{Cmd: "iptables", ExitCode: 1, Stderr: "Bad rule"}

	case "-A", "-I":
		line := fakeIPT{chain: rest[0], spec: strings.Join(rest[1:], " ")}
		if verb == "-I" {
			f.ipt[table] = append([]fakeIPT{line}, f.ipt[table]...)
		} else {
			f.ipt[table] = append(f.ipt[table], line)
		}
		f.mutations++
		return "", nil

	case "-D":
		spec := strings.Join(rest[1:], " ")
		for i, line := range f.ipt[table] {
			if line.chain == rest[0] && line.spec == spec {
				f.ipt[table] = append(f.ipt[table][:i], f.ipt[table][i+1:]...)
				f.mutations++
				return "", nil
			}
		}
		return "", kerr("No chain/target/match by that name")
	}
	return "", kerr("bad iptables invocation")
}

func (f *fakeExec) sysctl(arg []string) (string, error) {
	if len(arg) == 2 && arg[0] == "-n" {
		if f.ipForward {
			return "1\n", nil
		}
		return "0\n", nil
	}
	if len(arg) == 2 && arg[0] == "-w" {
		f.ipForward = strings.HasSuffix(arg[1], "=1")
		f.mutations++
		return "", nil
	}
	return "", kerr("bad sysctl invocation")
}

// Helpers for assertions.

func (f *fakeExec) reservedRules() []fakeRule {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeRule
	for _, r := range f.rules {
		if reservedPriority(r.priority) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].priority < out[j].priority })
	return out
}

func (f *fakeExec) tableRoutes(id int) []fakeRoute {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeRoute(nil), f.tables[id]...)
}

func (f *fakeExec) taggedLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for table, lines := range f.ipt {
		for _, line := range lines {
			if strings.Contains(line.spec, kernel.RuleTag) {
				out = append(out, table+" "+line.chain+" "+line.spec)
			}
		}
	}
	sort.Strings(out)
	return out
}
