package kernel

import (
	"strconv"
	"strings"
)

// TableMain is the table argument naming the kernel's main table.
const TableMain = "main"

// Rule is one ip-rule entry as the core sees it: match criteria plus
// the table the rule selects. Table is either TableMain or a numeric
// table id rendered in decimal.
type Rule struct {
	Priority int
	Src      string // CIDR, empty = from all
	Dst      string // CIDR, empty = any destination
	Table    string
}

// Key returns a comparable identity for diffing desired against actual
// rules.
func (r Rule) Key() string {
	return strconv.Itoa(r.Priority) + "|" + r.Src + "|" + r.Dst + "|" + r.Table
}

func (r Rule) String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(r.Priority))
	b.WriteString(":")
	if r.Src != "" {
		b.WriteString(" from " + r.Src)
	} else {
		b.WriteString(" from all")
	}
	if r.Dst != "" {
		b.WriteString(" to " + r.Dst)
	}
	b.WriteString(" lookup " + r.Table)
	return b.String()
}

// RuleAdd installs a policy rule. Adding a rule that already exists
// verbatim reports success.
func (a *Adapter) RuleAdd(r Rule) error {
	args := []string{"rule", "add"}
	if r.Src != "" {
		args = append(args, "from", r.Src)
	} else {
		args = append(args, "from", "all")
	}
	if r.Dst != "" {
		args = append(args, "to", r.Dst)
	}
	args = append(args, "lookup", r.Table, "priority", strconv.Itoa(r.Priority))

	_, err := a.exec.RunCommand("ip", args...)
	if err != nil && alreadyExists(err) {
		return nil
	}
	return err
}

// RuleDelByPriority removes the rule at the given priority. A missing
// rule reports success.
func (a *Adapter) RuleDelByPriority(priority int) error {
	_, err := a.exec.RunCommand("ip", "rule", "del", "priority", strconv.Itoa(priority))
	if err != nil && notFound(err) {
		return nil
	}
	return err
}

// RuleList enumerates the current policy rules.
func (a *Adapter) RuleList() ([]Rule, error) {
	out, err := a.exec.RunCommand("ip", "rule", "show")
	if err != nil {
		return nil, err
	}
	return parseRules(out), nil
}

// parseRules converts "ip rule show" output into typed rules. Unknown
// fields are ignored; unparsable lines are skipped.
func parseRules(out string) []Rule {
	var rules []Rule
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		prio, err := strconv.Atoi(strings.TrimSuffix(fields[0], ":"))
		if err != nil {
			continue
		}
		r := Rule{Priority: prio, Table: TableMain}
		for i := 1; i < len(fields)-1; i++ {
			switch fields[i] {
			case "from":
				if v := fields[i+1]; v != "all" {
					r.Src = v
				}
				i++
			case "to":
				r.Dst = fields[i+1]
				i++
			case "lookup", "table":
				r.Table = fields[i+1]
				i++
			}
		}
		rules = append(rules, r)
	}
	return rules
}

func alreadyExists(err error) bool {
	ke, ok := err.(*KernelError)
	return ok && strings.Contains(ke.Stderr, "File exists")
}

func notFound(err error) bool {
	ke, ok := err.(*KernelError)
	if !ok {
		return false
	}
	return strings.Contains(ke.Stderr, "No such file or directory") ||
		strings.Contains(ke.Stderr, "No such process") ||
		strings.Contains(ke.Stderr, "RTNETLINK answers: No such") ||
		strings.Contains(ke.Stderr, "FIB table does not exist")
}
