// Package engine drives the client lifecycle: creation, policy changes, expiry and quota enforcement,
// deactivation and removal.
//
// Mutations of one client are serialised by a per-username lock. The interface is only touched through
// reconcile.Synchronizer, always after the per-username lock is released.
package engine

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/nyiyui/wgledger/errkind"
	"github.com/nyiyui/wgledger/goal"
	"github.com/nyiyui/wgledger/reconcile"
	"github.com/nyiyui/wgledger/store"
)

// State is a client's position in its lifecycle.
type State string

const (
	// StatePending is a client recorded as active whose keys are not in the live interface yet.
	StatePending       State = "pending"
	StateActive        State = "active"
	StateExpired       State = "expired"
	StateQuotaExceeded State = "quota_exceeded"
	StateDeactivated   State = "deactivated"
)

// Policy is a requested policy. A zero field means unbounded.
type Policy struct {
	ExpiresAt *time.Time
	// TrafficLimit is a human-readable size like "10GB".
	TrafficLimit string
}

func (p Policy) empty() bool {
	return p.ExpiresAt == nil && p.TrafficLimit == ""
}

type Config struct {
	Clients     *store.ClientStore
	Policies    *store.PolicyLedger
	Traffic     *store.TrafficLedger
	Connections *store.ConnectionLedger
	Sync        *reconcile.Synchronizer
	// Artifact describes the gateway in the configurations handed to clients.
	Artifact goal.ClientConfig
	// Interval between expiry sweeps in Run.
	Interval time.Duration
}

type Engine struct {
	clients     *store.ClientStore
	policies    *store.PolicyLedger
	traffic     *store.TrafficLedger
	connections *store.ConnectionLedger
	sync        *reconcile.Synchronizer
	artifact    goal.ClientConfig
	interval    time.Duration

	Now func() time.Time

	locks keyedMutex
}

func New(cfg Config) *Engine {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	return &Engine{
		clients:     cfg.Clients,
		policies:    cfg.Policies,
		traffic:     cfg.Traffic,
		connections: cfg.Connections,
		sync:        cfg.Sync,
		artifact:    cfg.Artifact,
		interval:    cfg.Interval,
		Now:         time.Now,
	}
}

// CreateClient creates an active client and returns the configuration to hand to it.
// If the interface could not be updated, the client stays recorded and the configuration is returned with a
// SyncFailed error; a later pass picks the client up.
func (e *Engine) CreateClient(ctx context.Context, username string, f store.Family, policy Policy) (c store.ClientRecord, artifact []byte, err error) {
	err = store.ValidateQuota(policy.TrafficLimit)
	if err != nil {
		return store.ClientRecord{}, nil, err
	}
	c, err = e.createClient(ctx, username, f, policy)
	if err != nil {
		return store.ClientRecord{}, nil, err
	}
	artifact = e.render(c)
	_, err = e.sync.Reconcile(ctx)
	if err != nil {
		zap.S().Errorf("created %s but could not update the interface: %s", username, err)
		return c, artifact, err
	}
	return c, artifact, nil
}

func (e *Engine) createClient(ctx context.Context, username string, f store.Family, policy Policy) (store.ClientRecord, error) {
	unlock := e.locks.Lock(username)
	defer unlock()
	_, err := e.clients.Get(username)
	if err == nil {
		return store.ClientRecord{}, errkind.New(errkind.DuplicateClient, "create client", "%s already exists", username)
	}
	if !errkind.Is(err, errkind.NotFound) {
		return store.ClientRecord{}, err
	}
	// policy before client: the client must never be observable without its limits
	if !policy.empty() {
		_, err = e.policies.SetPolicy(username, policy.ExpiresAt, policy.TrafficLimit)
		if err != nil {
			return store.ClientRecord{}, err
		}
	}
	c, err := e.clients.Add(ctx, username, f)
	if err != nil {
		if !policy.empty() {
			err2 := e.policies.RemovePolicy(username)
			if err2 != nil {
				zap.S().Errorf("cleanup: removing policy of %s: %s", username, err2)
			}
		}
		return store.ClientRecord{}, err
	}
	zap.S().Infof("created client %s.", username)
	return c, nil
}

// UpdatePolicy replaces the client's policy. If the client is active and the new policy is already violated,
// the client is deactivated and the interface updated.
func (e *Engine) UpdatePolicy(ctx context.Context, username string, policy Policy) (store.PolicyRecord, error) {
	p, deactivated, err := e.updatePolicy(username, policy)
	if err != nil || !deactivated {
		return p, err
	}
	_, err = e.sync.Reconcile(ctx)
	return p, err
}

func (e *Engine) updatePolicy(username string, policy Policy) (p store.PolicyRecord, deactivated bool, err error) {
	unlock := e.locks.Lock(username)
	defer unlock()
	c, err := e.clients.Get(username)
	if err != nil {
		return store.PolicyRecord{}, false, err
	}
	p, err = e.policies.SetPolicy(username, policy.ExpiresAt, policy.TrafficLimit)
	if err != nil {
		return store.PolicyRecord{}, false, err
	}
	if !c.Active {
		return p, false, nil
	}
	t, err := e.traffic.Read(username)
	if err != nil {
		return p, false, err
	}
	reason := p.Violation(e.Now(), t)
	if reason == store.ReasonNone {
		return p, false, nil
	}
	_, err = e.clients.SetActive(username, false, reason)
	if err != nil {
		return p, false, err
	}
	zap.S().Infof("deactivated %s on policy update: %s.", username, reason)
	return p, true, nil
}

// EvaluateExpirations deactivates every active client past its expiry or over its quota, then updates the
// interface once for all of them. The interface is also updated if an earlier pass failed.
// It returns the deactivated usernames.
func (e *Engine) EvaluateExpirations(ctx context.Context) ([]string, error) {
	cs, err := e.clients.List()
	if err != nil {
		return nil, err
	}
	var deactivated []string
	var firstErr error
	for _, c := range cs {
		if !c.Active {
			continue
		}
		reason, err := e.evaluate(c.Username)
		if err != nil {
			zap.S().Errorf("evaluating %s: %s", c.Username, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if reason != store.ReasonNone {
			deactivated = append(deactivated, c.Username)
		}
	}
	if len(deactivated) > 0 {
		zap.S().Infof("sweep deactivated %v.", deactivated)
	}
	// a failed earlier pass is retried here even if this sweep changed nothing
	if len(deactivated) > 0 || e.sync.Dirty() {
		_, err = e.sync.Reconcile(ctx)
		if err != nil {
			return deactivated, err
		}
	}
	return deactivated, firstErr
}

// evaluate deactivates username if it violates its policy.
func (e *Engine) evaluate(username string) (store.Reason, error) {
	unlock := e.locks.Lock(username)
	defer unlock()
	c, err := e.clients.Get(username)
	if errkind.Is(err, errkind.NotFound) {
		// removed since the listing
		return store.ReasonNone, nil
	}
	if err != nil {
		return store.ReasonNone, err
	}
	if !c.Active {
		return store.ReasonNone, nil
	}
	reason, err := e.violation(username)
	if err != nil || reason == store.ReasonNone {
		return store.ReasonNone, err
	}
	_, err = e.clients.SetActive(username, false, reason)
	if err != nil {
		return store.ReasonNone, err
	}
	return reason, nil
}

func (e *Engine) violation(username string) (store.Reason, error) {
	p, _, err := e.policies.GetPolicy(username)
	if err != nil {
		return store.ReasonNone, err
	}
	t, err := e.traffic.Read(username)
	if err != nil {
		return store.ReasonNone, err
	}
	return p.Violation(e.Now(), t), nil
}

// Deactivate deactivates the client, resets its traffic and updates the interface.
// Deactivating an inactive client does nothing.
func (e *Engine) Deactivate(ctx context.Context, username string) error {
	changed, err := e.deactivate(username)
	if !changed {
		return err
	}
	_, err2 := e.sync.Reconcile(ctx)
	if err != nil {
		return err
	}
	return err2
}

func (e *Engine) deactivate(username string) (changed bool, err error) {
	unlock := e.locks.Lock(username)
	defer unlock()
	c, err := e.clients.Get(username)
	if err != nil {
		return false, err
	}
	if !c.Active {
		return false, nil
	}
	// a failed reset must leave the client active so that a retry redoes the deactivation
	err = e.traffic.Reset(username)
	if err != nil {
		return false, fmt.Errorf("reset traffic: %w", err)
	}
	_, err = e.clients.SetActive(username, false, store.ReasonManual)
	if err != nil {
		return false, err
	}
	zap.S().Infof("deactivated %s.", username)
	return true, nil
}

// Activate reactivates an inactive client with fresh traffic counters. A client that has expired must have its
// policy updated first.
func (e *Engine) Activate(ctx context.Context, username string) error {
	changed, err := e.activate(username)
	if err != nil || !changed {
		return err
	}
	_, err = e.sync.Reconcile(ctx)
	return err
}

func (e *Engine) activate(username string) (changed bool, err error) {
	unlock := e.locks.Lock(username)
	defer unlock()
	c, err := e.clients.Get(username)
	if err != nil {
		return false, err
	}
	if c.Active {
		return false, nil
	}
	p, _, err := e.policies.GetPolicy(username)
	if err != nil {
		return false, err
	}
	// counters are reset below, so only the expiry can still be violated
	if reason := p.Violation(e.Now(), store.TrafficRecord{}); reason != store.ReasonNone {
		return false, errkind.New(errkind.InvalidState, "activate", "%s is %s", username, reason)
	}
	err = e.traffic.Reset(username)
	if err != nil {
		return false, fmt.Errorf("reset traffic: %w", err)
	}
	_, err = e.clients.SetActive(username, true, store.ReasonNone)
	if err != nil {
		return false, err
	}
	zap.S().Infof("activated %s.", username)
	return true, nil
}

// Remove purges an inactive client from every ledger and releases its addresses.
func (e *Engine) Remove(ctx context.Context, username string) error {
	unlock := e.locks.Lock(username)
	defer unlock()
	c, err := e.clients.Get(username)
	if err != nil {
		return err
	}
	if c.Active {
		return errkind.New(errkind.InvalidState, "remove", "%s is active, deactivate it first", username)
	}
	// the client record goes last so that a failed Remove can be retried
	err = e.policies.RemovePolicy(username)
	if err != nil {
		return err
	}
	err = e.traffic.Delete(username)
	if err != nil {
		return err
	}
	err = e.connections.Delete(username)
	if err != nil {
		return err
	}
	err = e.clients.Delete(ctx, username)
	if err != nil {
		return err
	}
	zap.S().Infof("removed %s.", username)
	return nil
}

// Reconcile runs a pass of the Synchronizer.
func (e *Engine) Reconcile(ctx context.Context) (reconcile.Result, error) {
	return e.sync.Reconcile(ctx)
}

// Override unlocks a Synchronizer refusing passes because of a corrupt configuration, and runs a pass.
func (e *Engine) Override(ctx context.Context) (reconcile.Result, error) {
	return e.sync.Override(ctx)
}

// Run sweeps for expired clients, and retries failed passes, every interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := e.EvaluateExpirations(ctx)
			if err != nil {
				zap.S().Errorf("sweep: %s", err)
			}
		}
	}
}

// Generation returns the interface generation; see reconcile.Synchronizer.Generation.
func (e *Engine) Generation() uint64 {
	return e.sync.Generation()
}

// LookupName returns the addresses of username if it is active.
func (e *Engine) LookupName(username string) ([]netip.Addr, bool) {
	c, err := e.clients.Get(username)
	if err != nil || !c.Active {
		return nil, false
	}
	addrs := make([]netip.Addr, len(c.AllowedIPs))
	for i, prefix := range c.AllowedIPs {
		addrs[i] = prefix.Addr()
	}
	return addrs, true
}
