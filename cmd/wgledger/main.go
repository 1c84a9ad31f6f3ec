package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goipam "github.com/metal-stack/go-ipam"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.zx2c4.com/wireguard/wgctrl"

	"github.com/nyiyui/wgledger/api"
	"github.com/nyiyui/wgledger/config"
	"github.com/nyiyui/wgledger/dns"
	"github.com/nyiyui/wgledger/engine"
	"github.com/nyiyui/wgledger/goal"
	"github.com/nyiyui/wgledger/ifctl"
	"github.com/nyiyui/wgledger/probe"
	"github.com/nyiyui/wgledger/reconcile"
	"github.com/nyiyui/wgledger/store"
	"github.com/nyiyui/wgledger/util"
)

func main() {
	var configPath string
	var genToken bool
	flag.StringVar(&configPath, "config", "", "config file path")
	flag.BoolVar(&genToken, "gen-token", false, "print a new API token and its hash, then exit")
	flag.Parse()
	util.SetupLog()
	defer util.S.Sync()

	if genToken {
		token, err := util.NewToken()
		if err != nil {
			zap.S().Fatalf("%s", err)
		}
		fmt.Printf("token: %s\nhash:  %s\n", token, token.Hash())
		return
	}

	c, err := config.Load(configPath)
	if err != nil {
		zap.S().Fatalf("loading config failed: %s", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = run(ctx, c)
	if err != nil && !errors.Is(err, context.Canceled) {
		zap.S().Fatalf("%s", err)
	}
	zap.S().Info("stopped.")
}

type ledgers struct {
	clients     *store.BuntKV
	policies    *store.BuntKV
	traffic     *store.BuntKV
	connections *store.BuntKV
}

func openLedgers(dir string) (l ledgers, err error) {
	for _, x := range []struct {
		kv   **store.BuntKV
		name string
	}{
		{&l.clients, "clients.db"},
		{&l.policies, "policies.db"},
		{&l.traffic, "traffic.db"},
		{&l.connections, "connections.db"},
	} {
		*x.kv, err = store.OpenBunt(filepath.Join(dir, x.name))
		if err != nil {
			l.Close()
			return ledgers{}, fmt.Errorf("opening %s: %w", x.name, err)
		}
	}
	return l, nil
}

func (l ledgers) Close() {
	for _, kv := range []*store.BuntKV{l.clients, l.policies, l.traffic, l.connections} {
		if kv == nil {
			continue
		}
		err := kv.Close()
		if err != nil {
			zap.S().Errorf("closing ledger: %s", err)
		}
	}
}

func newApplier(c config.Config, client *wgctrl.Client) (ifctl.Applier, error) {
	switch c.Applier.Mode {
	case config.ApplierWGQuick:
		return &ifctl.WGQuick{Command: c.Applier.Command}, nil
	case config.ApplierDocker:
		return &ifctl.Docker{
			Container:     c.Applier.Container,
			Command:       c.Applier.Command,
			ContainerPath: c.Applier.ContainerPath,
		}, nil
	case config.ApplierNetlink:
		if client == nil {
			return nil, errors.New("netlink applier requires wgctrl")
		}
		handle, err := goal.NewHandle()
		if err != nil {
			return nil, fmt.Errorf("netlink handle: %w", err)
		}
		return &ifctl.Netlink{Client: client, Handle: handle}, nil
	default:
		return nil, fmt.Errorf("unknown applier mode %q", c.Applier.Mode)
	}
}

func newSource(c config.Config, client *wgctrl.Client) probe.Source {
	switch c.Probe.Source {
	case config.ProbeWGCtrl:
		if client == nil {
			return nil
		}
		return &probe.WGCtrl{Client: client, Device: c.Interface.Name}
	case config.ProbeDocker:
		return &probe.DockerDump{Container: c.Applier.Container, Device: c.Interface.Name, Command: c.Probe.Command}
	default:
		return nil
	}
}

func run(ctx context.Context, c config.Config) error {
	err := os.MkdirAll(c.StateDir, 0700)
	if err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	base, err := c.BaseInterface()
	if err != nil {
		return fmt.Errorf("interface: %w", err)
	}
	artifact, err := c.ClientConfig(base.PrivateKey.PublicKey())
	if err != nil {
		return fmt.Errorf("artifact: %w", err)
	}

	l, err := openLedgers(c.StateDir)
	if err != nil {
		return err
	}
	defer l.Close()
	ipamer := goipam.NewWithStorage(goipam.NewLocalFile(ctx, filepath.Join(c.StateDir, "ipam.json")))
	pool, err := store.NewPool(ctx, ipamer, c.Pools.IPv4, c.Pools.IPv6, c.Reserved())
	if err != nil {
		return fmt.Errorf("address pool: %w", err)
	}
	clients, err := store.NewClientStore(ctx, l.clients, pool)
	if err != nil {
		return fmt.Errorf("client store: %w", err)
	}
	policies := store.NewPolicyLedger(l.policies)
	traffic := store.NewTrafficLedger(l.traffic)
	connections := store.NewConnectionLedger(l.connections)

	var client *wgctrl.Client
	if c.Applier.Mode == config.ApplierNetlink || c.Probe.Source == config.ProbeWGCtrl {
		client, err = wgctrl.New()
		if err != nil {
			zap.S().Errorf("wgctrl unavailable: %s", err)
			client = nil
		} else {
			defer client.Close()
		}
	}
	applier, err := newApplier(c, client)
	if err != nil {
		return err
	}
	s := reconcile.New(clients, policies, traffic, applier, base, filepath.Join(c.StateDir, base.Name+".conf"))
	err = s.Init()
	if err != nil {
		zap.S().Errorf("previous configuration: %s; automatic reconciliation is refused until overridden.", err)
	}
	e := engine.New(engine.Config{
		Clients:     clients,
		Policies:    policies,
		Traffic:     traffic,
		Connections: connections,
		Sync:        s,
		Artifact:    artifact,
		Interval:    time.Duration(c.SweepInterval),
	})
	res, err := e.Reconcile(ctx)
	if err != nil {
		zap.S().Errorf("initial reconcile: %s", err)
	} else {
		zap.S().Infof("initial reconcile: applied=%t, %d peers.", res.Applied, res.Peers)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.Run(ctx)
	})
	if source := newSource(c, client); source != nil {
		p := probe.New(source, e)
		g.Go(func() error {
			zap.S().Infof("probing %s every %s.", c.Interface.Name, time.Duration(c.Probe.Interval))
			return p.Run(ctx, time.Duration(c.Probe.Interval))
		})
	}
	if c.DNS.Listen != "" {
		ds, err := dns.NewServer(e, c.DNS.Suffix, uint32(time.Duration(c.DNS.TTL)/time.Second))
		if err != nil {
			return fmt.Errorf("dns: %w", err)
		}
		g.Go(func() error {
			return ds.ListenDNS(ctx, c.DNS.Listen)
		})
	}
	if c.HTTP.Listen != "" {
		hs := &http.Server{
			Addr:              c.HTTP.Listen,
			Handler:           api.NewServer(e, c.HTTP.TokenHashes),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			zap.S().Infof("listening for HTTP on %s.", c.HTTP.Listen)
			err := hs.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(shutdownCtx)
		})
	}
	err = util.Notify("READY=1\nSTATUS=serving…")
	if err != nil {
		zap.S().Infof("notify: %s", err)
	}
	return g.Wait()
}
