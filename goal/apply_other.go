//go:build !linux

package goal

import (
	"errors"

	"golang.zx2c4.com/wireguard/wgctrl"
)

// Handle is a placeholder on platforms without netlink.
type Handle struct{}

func NewHandle() (*Handle, error) {
	return nil, errors.New("netlink is only available on linux")
}

func ReplaceInterface(iface Interface, client *wgctrl.Client, handle *Handle) error {
	return errors.New("netlink is only available on linux")
}
