// Package reconcile keeps the live WireGuard interface in step with the client ledgers.
//
// A pass compiles the interface from the ledgers, writes it atomically as a wg-quick file and has an
// ifctl.Applier bring the interface down and up with it. Passes are serialised; a pass whose compiled
// interface equals the last applied one is skipped, so callers queued behind a pass coalesce into it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nyiyui/wgledger/errkind"
	"github.com/nyiyui/wgledger/goal"
	"github.com/nyiyui/wgledger/ifctl"
	"github.com/nyiyui/wgledger/store"
)

type Result struct {
	// Applied is false if the interface already matched and was left alone.
	Applied bool
	// Peers is the number of peers in the interface.
	Peers int
}

type Synchronizer struct {
	clients  *store.ClientStore
	policies *store.PolicyLedger
	traffic  *store.TrafficLedger
	applier  ifctl.Applier
	// base is the gateway's [Interface]; its Peers are ignored.
	base goal.Interface
	path string

	Now   func() time.Time
	write func(path string, data []byte) error

	applyLock sync.Mutex
	// generation is odd while the applier runs and advances by two per applier run.
	generation atomic.Uint64

	stateLock sync.Mutex
	applied   *goal.Interface
	// healthy is true if the live interface is known to match applied.
	healthy bool
	// locked is set when the previous configuration could not be read; passes are refused until Override.
	locked bool
}

// New returns a Synchronizer writing base plus the clients' peers to path. Call Init before the first pass.
func New(clients *store.ClientStore, policies *store.PolicyLedger, traffic *store.TrafficLedger, applier ifctl.Applier, base goal.Interface, path string) *Synchronizer {
	base.Peers = nil
	return &Synchronizer{
		clients:  clients,
		policies: policies,
		traffic:  traffic,
		applier:  applier,
		base:     base,
		path:     path,
		Now:      time.Now,
		write:    writeFileAtomic,
	}
}

func (s *Synchronizer) Path() string {
	return s.path
}

// Init loads the configuration left by the previous run. A missing file is fine.
// An unreadable or corrupt file locks the Synchronizer until Override is called.
func (s *Synchronizer) Init() error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		zap.S().Debugf("no previous configuration at %s.", s.path)
		return nil
	}
	if err != nil {
		s.locked = true
		return errkind.Wrap(errkind.InvalidState, "load previous configuration", err)
	}
	iface, err := goal.ParseConfig(s.base.Name, data)
	if err != nil {
		s.locked = true
		return errkind.Wrap(errkind.InvalidState, "load previous configuration", fmt.Errorf("%s: %w", s.path, err))
	}
	s.applied = &iface
	// the interface may not be up (e.g. after a reboot), so the first pass always applies
	s.healthy = false
	zap.S().Debugf("loaded previous configuration with %d peers.", len(iface.Peers))
	return nil
}

// Locked reports whether passes are refused because the previous configuration was corrupt.
func (s *Synchronizer) Locked() bool {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.locked
}

// Override clears the lock set by Init and forces a pass, replacing whatever configuration is on disk.
func (s *Synchronizer) Override(ctx context.Context) (Result, error) {
	s.stateLock.Lock()
	if s.locked {
		zap.S().Infof("overriding corrupt configuration at %s.", s.path)
	}
	s.locked = false
	s.healthy = false
	s.stateLock.Unlock()
	return s.Reconcile(ctx)
}

// Dirty reports whether the live interface is not known to match the ledgers, so that a pass is owed.
// A locked Synchronizer is never dirty: passes are refused until Override.
func (s *Synchronizer) Dirty() bool {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return !s.healthy && !s.locked
}

// Generation counts applier runs. It is odd while the applier runs; device counters read under two different
// generations are not comparable, as each run cycles the interface.
func (s *Synchronizer) Generation() uint64 {
	return s.generation.Load()
}

// Pending reports whether the peer with publicKey is not in the last applied interface.
func (s *Synchronizer) Pending(publicKey goal.Key) bool {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.applied == nil || !s.healthy {
		return true
	}
	for _, peer := range s.applied.Peers {
		if peer.PublicKey == publicKey {
			return false
		}
	}
	return true
}

// Compile returns the interface the ledgers currently describe: every active client that does not violate its
// policy, in insertion order.
func (s *Synchronizer) Compile() (goal.Interface, error) {
	cs, err := s.clients.List()
	if err != nil {
		return goal.Interface{}, fmt.Errorf("list clients: %w", err)
	}
	now := s.Now()
	iface := s.base
	iface.Peers = make([]goal.InterfacePeer, 0, len(cs))
	for _, c := range cs {
		if !c.Active {
			continue
		}
		p, _, err := s.policies.GetPolicy(c.Username)
		if err != nil {
			return goal.Interface{}, fmt.Errorf("policy for %s: %w", c.Username, err)
		}
		t, err := s.traffic.Read(c.Username)
		if err != nil {
			return goal.Interface{}, fmt.Errorf("traffic for %s: %w", c.Username, err)
		}
		if reason := p.Violation(now, t); reason != store.ReasonNone {
			zap.S().Debugf("%s is active but %s, excluding.", c.Username, reason)
			continue
		}
		iface.Peers = append(iface.Peers, ServerPeer(c))
	}
	return iface, nil
}

// ServerPeer returns the gateway side [Peer] for c.
func ServerPeer(c store.ClientRecord) goal.InterfacePeer {
	allowedIPs := make([]goal.IPNet, len(c.AllowedIPs))
	for i, prefix := range c.AllowedIPs {
		allowedIPs[i] = goal.IPNetFromPrefix(prefix)
	}
	psk := c.PresharedKey
	return goal.InterfacePeer{
		Name:         c.Username,
		PublicKey:    c.PublicKey,
		PresharedKey: &psk,
		AllowedIPs:   allowedIPs,
	}
}

// Reconcile runs a pass. It waits for any pass in flight, and returns Result{Applied: false} without touching the
// interface if nothing changed since the last successful pass.
// The applier is not cancelled by ctx: once started, the interface is brought down and up to completion.
func (s *Synchronizer) Reconcile(ctx context.Context) (Result, error) {
	s.applyLock.Lock()
	defer s.applyLock.Unlock()

	s.stateLock.Lock()
	locked, healthy, applied := s.locked, s.healthy, s.applied
	s.stateLock.Unlock()
	if locked {
		return Result{}, errkind.New(errkind.InvalidState, "reconcile", "previous configuration at %s is corrupt, override required", s.path)
	}

	desired, err := s.Compile()
	if err != nil {
		return Result{}, err
	}
	if healthy && applied != nil && applied.Equal(&desired) {
		zap.S().Debug("interface unchanged, skipping pass.")
		return Result{Applied: false, Peers: len(desired.Peers)}, nil
	}

	zap.S().Debugf("writing %s with %d peers.", s.path, len(desired.Peers))
	err = s.write(s.path, goal.MarshalConfig(desired))
	if err != nil {
		return Result{}, errkind.Wrap(errkind.SyncFailed, "reconcile", &errkind.SyncError{Step: "write", ExitCode: -1, Err: err})
	}

	s.stateLock.Lock()
	s.healthy = false
	s.stateLock.Unlock()
	zap.S().Debug("applying configuration.")
	s.generation.Add(1)
	err = s.applier.Apply(context.WithoutCancel(ctx), s.path)
	s.generation.Add(1)
	if err != nil {
		zap.S().Errorf("applying %s failed: %s", s.path, err)
		return Result{}, errkind.Wrap(errkind.SyncFailed, "reconcile", err)
	}
	s.stateLock.Lock()
	s.applied = &desired
	s.healthy = true
	s.stateLock.Unlock()
	zap.S().Infof("applied %s with %d peers.", s.path, len(desired.Peers))
	return Result{Applied: true, Peers: len(desired.Peers)}, nil
}
