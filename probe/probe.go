// Package probe meters traffic and connections of the live interface into the ledgers.
//
// Device counters restart from zero whenever the interface is cycled, so the probe feeds the difference between
// consecutive readings into the ledgers rather than the readings themselves.
package probe

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/nyiyui/wgledger/store"
)

// Sink receives what the probe observes. *engine.Engine is a Sink.
type Sink interface {
	List() ([]store.ClientRecord, error)
	AccumulateSample(username string, incoming, outgoing uint64) (store.TrafficRecord, error)
	ObserveConnection(username, ip string, handshake time.Time) error
	// Generation advances whenever the interface is cycled, and is odd while it is being cycled.
	Generation() uint64
}

type counters struct {
	rx, tx uint64
}

type Probe struct {
	source Source
	sink   Sink
	// last holds the readings of the previous step; nil before the first step.
	last map[wgtypes.Key]counters
	// gen is the interface generation last was read under.
	gen uint64
}

func New(source Source, sink Sink) *Probe {
	return &Probe{source: source, sink: sink}
}

// delta returns the traffic since the previous reading. A reading below the previous one means the interface
// was cycled, and all of it is new.
func delta(prev, cur uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}

// Step takes one reading. The first step only establishes the baseline, as traffic before it may already have
// been counted by a previous run. Peers appearing in later steps, and every peer after the interface was cycled,
// are counted from zero.
func (p *Probe) Step(ctx context.Context) error {
	gen := p.sink.Generation()
	peers, err := p.source.Peers(ctx)
	if err != nil {
		return err
	}
	if gen%2 == 1 || p.sink.Generation() != gen {
		zap.S().Debug("interface cycled while reading, skipping step.")
		return nil
	}
	// counters restarted from zero since the previous step
	cycled := p.last != nil && gen != p.gen
	cs, err := p.sink.List()
	if err != nil {
		return err
	}
	usernames := make(map[wgtypes.Key]string, len(cs))
	for _, c := range cs {
		usernames[wgtypes.Key(c.PublicKey)] = c.Username
	}

	first := p.last == nil
	next := make(map[wgtypes.Key]counters, len(peers))
	for _, peer := range peers {
		cur := counters{rx: uint64(peer.ReceiveBytes), tx: uint64(peer.TransmitBytes)}
		next[peer.PublicKey] = cur
		username, ok := usernames[peer.PublicKey]
		if !ok {
			zap.S().Debugf("peer %s is not a known client, ignore.", peer.PublicKey)
			continue
		}
		if peer.Endpoint != nil && !peer.LastHandshakeTime.IsZero() {
			err = p.sink.ObserveConnection(username, peer.Endpoint.IP.String(), peer.LastHandshakeTime)
			if err != nil {
				zap.S().Errorf("observe connection of %s: %s", username, err)
			}
		}
		if first {
			continue
		}
		var prev counters
		if !cycled {
			prev = p.last[peer.PublicKey]
		}
		rx, tx := delta(prev.rx, cur.rx), delta(prev.tx, cur.tx)
		if rx == 0 && tx == 0 {
			continue
		}
		_, err = p.sink.AccumulateSample(username, rx, tx)
		if err != nil {
			zap.S().Errorf("record traffic of %s: %s", username, err)
		}
	}
	p.last = next
	p.gen = gen
	return nil
}

// Run steps every interval until ctx is done.
func (p *Probe) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		err := p.Step(ctx)
		if err != nil {
			zap.S().Errorf("probe: %s", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
