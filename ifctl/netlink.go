package ifctl

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl"

	"github.com/nyiyui/wgledger/errkind"
	"github.com/nyiyui/wgledger/goal"
)

// Netlink configures the interface in-process through netlink and the WireGuard kernel module (Linux only).
// [Interface] keys other than PrivateKey, ListenPort, Address and MTU (e.g. PostUp) are not run.
type Netlink struct {
	Client *wgctrl.Client
	Handle *goal.Handle
}

var _ Applier = (*Netlink)(nil)

func (n *Netlink) Apply(ctx context.Context, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return &errkind.SyncError{Step: "read", ExitCode: -1, Err: err}
	}
	iface, err := goal.ParseConfig(InterfaceName(configPath), data)
	if err != nil {
		return &errkind.SyncError{Step: "parse", ExitCode: -1, Err: fmt.Errorf("parse %s: %w", configPath, err)}
	}
	if len(iface.Extra) != 0 {
		zap.S().Infof("netlink: ignoring %d extra [Interface] lines in %s.", len(iface.Extra), configPath)
	}
	err = goal.ReplaceInterface(iface, n.Client, n.Handle)
	if err != nil {
		return &errkind.SyncError{Step: "netlink", ExitCode: -1, Err: err}
	}
	return nil
}
