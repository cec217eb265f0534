// Package kernel is the thin, side-effect-only boundary between the
// routing core and the Linux host: the ip(8) routing utility, the
// iptables packet filter, the WireGuard control plane, and ICMP echo.
// Everything above this package is pure computation over typed records.
package kernel

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// CommandTimeout bounds every external command invocation. A command
// that exceeds it is killed and reported as a KernelError with a
// synthetic exit code.
const CommandTimeout = 5 * time.Second

// SyntheticExitCode marks a KernelError that did not come from a real
// process exit (timeout, spawn failure).
const SyntheticExitCode = -1

// KernelError is a failed external command invocation.
type KernelError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("command %q failed (exit %d): %s", e.Cmd, e.ExitCode, strings.TrimSpace(e.Stderr))
}

// CommandExecutor abstracts executing external commands so tests can
// substitute a mock.
type CommandExecutor interface {
	RunCommand(name string, arg ...string) (string, error)
}

// RealCommandExecutor runs commands on the host with CommandTimeout.
type RealCommandExecutor struct{}

// DefaultCommandExecutor is the executor used when none is injected.
var DefaultCommandExecutor CommandExecutor = &RealCommandExecutor{}

// RunCommand executes name with args and returns stdout. On any
// failure the returned error is a *KernelError.
func (e *RealCommandExecutor) RunCommand(name string, arg ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, arg...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		kerr := &KernelError{
			Cmd:      name + " " + strings.Join(arg, " "),
			ExitCode: SyntheticExitCode,
			Stderr:   stderr.String(),
		}
		if ctx.Err() == context.DeadlineExceeded {
			kerr.Stderr = "timed out after " + CommandTimeout.String()
		} else if ee, ok := err.(*exec.ExitError); ok {
			kerr.ExitCode = ee.ExitCode()
		}
		return stdout.String(), kerr
	}
	return stdout.String(), nil
}

// interfaceNamePattern is the only shape of interface name ever passed
// to an external command. Validated values cannot break shell quoting.
var interfaceNamePattern = regexp.MustCompile(`^[a-z0-9._-]+$`)

// ValidInterfaceName reports whether name is safe to hand to external
// commands.
func ValidInterfaceName(name string) bool {
	return name != "" && interfaceNamePattern.MatchString(name)
}
