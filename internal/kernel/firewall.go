package kernel

import (
	"strings"
)

// RuleTag marks every iptables line this core owns. Deletion is scoped
// to tagged lines only; anything untagged belongs to somebody else.
const RuleTag = "wg-quickrs"

func tagArgs() []string {
	return []string{"-m", "comment", "--comment", RuleTag}
}

// ensureRule makes a single iptables rule present or absent,
// idempotently: check with -C, then append/insert or delete.
func (a *Adapter) ensureRule(table, chain string, enabled, insert bool, spec ...string) error {
	spec = append(spec, tagArgs()...)

	check := append([]string{"-t", table, "-C", chain}, spec...)
	_, checkErr := a.exec.RunCommand("iptables", check...)
	exists := checkErr == nil

	if enabled && !exists {
		verb := "-A"
		if insert {
			verb = "-I"
		}
		args := append([]string{"-t", table, verb, chain}, spec...)
		_, err := a.exec.RunCommand("iptables", args...)
		return err
	}
	if !enabled && exists {
		args := append([]string{"-t", table, "-D", chain}, spec...)
		_, err := a.exec.RunCommand("iptables", args...)
		return err
	}
	return nil
}

// Masquerade makes the POSTROUTING masquerade line for src out of
// outIf present or absent.
func (a *Adapter) Masquerade(src, outIf string, enabled bool) error {
	return a.ensureRule("nat", "POSTROUTING", enabled, false,
		"-s", src, "-o", outIf, "-j", "MASQUERADE")
}

// NATExclude makes a RETURN line present or absent that exempts
// src-to-dst traffic from masquerading. Exclusions are inserted at the
// top of POSTROUTING so they match before the masquerade line.
func (a *Adapter) NATExclude(src, dst string, enabled bool) error {
	return a.ensureRule("nat", "POSTROUTING", enabled, true,
		"-s", src, "-d", dst, "-j", "RETURN")
}

// ForwardAllow makes a FORWARD accept line present or absent. With
// stateful set, the line only matches established/related return
// traffic.
func (a *Adapter) ForwardAllow(inIf, outIf string, stateful, enabled bool) error {
	spec := []string{"-i", inIf, "-o", outIf}
	if stateful {
		spec = append(spec, "-m", "state", "--state", "RELATED,ESTABLISHED")
	}
	spec = append(spec, "-j", "ACCEPT")
	return a.ensureRule("filter", "FORWARD", enabled, false, spec...)
}

// MSSClamp makes the pair of mangle-table TCPMSS clamp lines for
// traffic forwarded in and out of wgIf present or absent. Without the
// clamp, path-MTU blackholes inside the tunnel stall TCP.
func (a *Adapter) MSSClamp(wgIf string, enabled bool) error {
	if err := a.ensureRule("mangle", "FORWARD", enabled, false,
		"-o", wgIf, "-p", "tcp", "--tcp-flags", "SYN,RST", "SYN",
		"-j", "TCPMSS", "--clamp-mss-to-pmtu"); err != nil {
		return err
	}
	return a.ensureRule("mangle", "FORWARD", enabled, false,
		"-i", wgIf, "-p", "tcp", "--tcp-flags", "SYN,RST", "SYN",
		"-j", "TCPMSS", "--clamp-mss-to-pmtu")
}

// TaggedNATExcludes lists the destination CIDRs of tagged RETURN
// exclusion lines currently installed for src in nat POSTROUTING. The
// reconciler sweeps stale exclusions against this list.
func (a *Adapter) TaggedNATExcludes(src string) ([]string, error) {
	out, err := a.exec.RunCommand("iptables", "-t", "nat", "-S", "POSTROUTING")
	if err != nil {
		return nil, err
	}
	var dsts []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "--comment "+RuleTag) &&
			!strings.Contains(line, `--comment "`+RuleTag+`"`) {
			continue
		}
		if !strings.Contains(line, "-j RETURN") || !strings.Contains(line, "-s "+src) {
			continue
		}
		fields := strings.Fields(line)
		for i := 0; i < len(fields)-1; i++ {
			if fields[i] == "-d" {
				dsts = append(dsts, fields[i+1])
				break
			}
		}
	}
	return dsts, nil
}

// firewallTables are the iptables tables the core ever writes to.
var firewallTables = []string{"nat", "filter", "mangle"}

// FlushTagged removes every iptables line carrying RuleTag from the
// tables the core manages. Used for clean-slate startup and Host-mode
// teardown.
func (a *Adapter) FlushTagged() error {
	for _, table := range firewallTables {
		out, err := a.exec.RunCommand("iptables", "-t", table, "-S")
		if err != nil {
			return err
		}
		for _, line := range strings.Split(out, "\n") {
			if !strings.Contains(line, "--comment "+RuleTag) &&
				!strings.Contains(line, `--comment "`+RuleTag+`"`) {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 2 || fields[0] != "-A" {
				continue
			}
			args := append([]string{"-t", table, "-D"}, fields[1:]...)
			for i, f := range args {
				args[i] = strings.Trim(f, `"`)
			}
			if _, err := a.exec.RunCommand("iptables", args...); err != nil && !notFound(err) {
				return err
			}
		}
	}
	return nil
}
