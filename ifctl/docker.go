package ifctl

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/nyiyui/wgledger/errkind"
)

// Docker copies the configuration into a running container (e.g. an AmneziaWG container) and cycles the
// interface there with docker exec.
type Docker struct {
	Container string
	// Command is the wg-quick binary inside the container, "wg-quick" if empty.
	Command string
	// ContainerPath is where the configuration is placed inside the container, e.g. "/opt/amnezia/awg/wg0.conf".
	ContainerPath string
	Run           Runner
}

var _ Applier = (*Docker)(nil)

func (d *Docker) command() string {
	if d.Command == "" {
		return "wg-quick"
	}
	return d.Command
}

func (d *Docker) Apply(ctx context.Context, configPath string) error {
	err := run(ctx, d.Run, "copy", "docker", "cp", configPath, fmt.Sprintf("%s:%s", d.Container, d.ContainerPath))
	if err != nil {
		return err
	}
	exists, err := d.linkExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		err = run(ctx, d.Run, "down", "docker", "exec", d.Container, d.command(), "down", d.ContainerPath)
		if err != nil {
			return err
		}
	}
	return run(ctx, d.Run, "up", "docker", "exec", d.Container, d.command(), "up", d.ContainerPath)
}

// linkExists checks for the interface inside the container. `ip link show` exits 1 for a missing link;
// any other failure (e.g. the container is not running) is returned.
func (d *Docker) linkExists(ctx context.Context) (bool, error) {
	name := InterfaceName(path.Base(d.ContainerPath))
	err := run(ctx, d.Run, "check", "docker", "exec", d.Container, "ip", "link", "show", name)
	if err == nil {
		return true, nil
	}
	var syncErr *errkind.SyncError
	if errors.As(err, &syncErr) && syncErr.ExitCode == 1 {
		return false, nil
	}
	return false, err
}
