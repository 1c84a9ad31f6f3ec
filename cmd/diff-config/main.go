//go:build linux

package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl"

	"github.com/nyiyui/wgledger/goal"
	"github.com/nyiyui/wgledger/ifctl"
	"github.com/nyiyui/wgledger/util"
)

var aPath string
var bPath string
var apply bool

func main() {
	util.SetupLog()

	flag.StringVar(&aPath, "a-path", "", "path to starting configuration")
	flag.StringVar(&bPath, "b-path", "", "path to goal configuration")
	flag.BoolVar(&apply, "apply", false, "replace the interface with the goal configuration")
	flag.Parse()

	zap.S().Info("parsing configurations…")
	a := load(aPath)
	b := load(bPath)
	zap.S().Info("done parsing configurations.")

	id := goal.DiffInterface(&a, &b)
	data, err := json.MarshalIndent(id, "  ", "  ")
	if err != nil {
		panic(err)
	}
	zap.S().Infof("interface diff (no change: %t):\n%s\n", id.NoChange(), data)
	if !apply {
		return
	}
	client, err := wgctrl.New()
	if err != nil {
		panic(err)
	}
	handle, err := goal.NewHandle()
	if err != nil {
		panic(err)
	}
	n := &ifctl.Netlink{Client: client, Handle: handle}
	err = n.Apply(context.Background(), bPath)
	if err != nil {
		zap.S().Fatalf("applying failed: %s", err)
	}
	zap.S().Info("applied.")
}

func load(path string) goal.Interface {
	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}
	iface, err := goal.ParseConfig(ifctl.InterfaceName(path), data)
	if err != nil {
		zap.S().Fatalf("parsing %s failed: %s", path, err)
	}
	return iface
}
