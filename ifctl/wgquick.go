package ifctl

import (
	"context"
	"net"
)

// WGQuick runs wg-quick (or awg-quick for AmneziaWG) on the host.
type WGQuick struct {
	// Command is the wg-quick binary, "wg-quick" if empty.
	Command string
	Run     Runner
	// LinkExists reports whether the interface is present. Defaults to a lookup in the host's interfaces.
	LinkExists func(name string) bool
}

var _ Applier = (*WGQuick)(nil)

func (w *WGQuick) command() string {
	if w.Command == "" {
		return "wg-quick"
	}
	return w.Command
}

func (w *WGQuick) linkExists(name string) bool {
	if w.LinkExists != nil {
		return w.LinkExists(name)
	}
	_, err := net.InterfaceByName(name)
	return err == nil
}

func (w *WGQuick) Apply(ctx context.Context, configPath string) error {
	if w.linkExists(InterfaceName(configPath)) {
		err := run(ctx, w.Run, "down", w.command(), "down", configPath)
		if err != nil {
			return err
		}
	}
	return run(ctx, w.Run, "up", w.command(), "up", configPath)
}
