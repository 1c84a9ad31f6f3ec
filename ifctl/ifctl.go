// Package ifctl brings a WireGuard interface down and up again from a wg-quick configuration file.
package ifctl

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/nyiyui/wgledger/errkind"
)

// Applier replaces the running interface with the one described by the configuration file at configPath.
// Failures are returned as *errkind.SyncError.
type Applier interface {
	Apply(ctx context.Context, configPath string) error
}

// Runner runs a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// run runs name with args, converting a failure into a *errkind.SyncError for step.
func run(ctx context.Context, r Runner, step string, name string, args ...string) error {
	if r == nil {
		r = execRunner
	}
	zap.S().Debugf("running %s %s.", name, strings.Join(args, " "))
	out, err := r(ctx, name, args...)
	if err == nil {
		return nil
	}
	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return &errkind.SyncError{
		Step:     step,
		ExitCode: exitCode,
		Output:   strings.TrimSpace(string(out)),
		Err:      err,
	}
}

// InterfaceName returns the interface name wg-quick derives from configPath ("/etc/wireguard/wg0.conf" is "wg0").
func InterfaceName(configPath string) string {
	return strings.TrimSuffix(filepath.Base(configPath), ".conf")
}
