package engine

import (
	"time"

	"github.com/nyiyui/wgledger/goal"
	"github.com/nyiyui/wgledger/store"
)

// Info is everything recorded about one client.
type Info struct {
	Client store.ClientRecord
	// Policy is nil for an unbounded client.
	Policy  *store.PolicyRecord
	Traffic store.TrafficRecord
	State   State
}

func (e *Engine) Get(username string) (store.ClientRecord, error) {
	return e.clients.Get(username)
}

func (e *Engine) List() ([]store.ClientRecord, error) {
	return e.clients.List()
}

// Info returns the client's records and state.
func (e *Engine) Info(username string) (Info, error) {
	c, err := e.clients.Get(username)
	if err != nil {
		return Info{}, err
	}
	return e.info(c)
}

// Infos returns Info for every client, in insertion order.
func (e *Engine) Infos() ([]Info, error) {
	cs, err := e.clients.List()
	if err != nil {
		return nil, err
	}
	infos := make([]Info, len(cs))
	for i, c := range cs {
		infos[i], err = e.info(c)
		if err != nil {
			return nil, err
		}
	}
	return infos, nil
}

func (e *Engine) info(c store.ClientRecord) (Info, error) {
	info := Info{Client: c}
	p, ok, err := e.policies.GetPolicy(c.Username)
	if err != nil {
		return Info{}, err
	}
	if ok {
		info.Policy = &p
	}
	info.Traffic, err = e.traffic.Read(c.Username)
	if err != nil {
		return Info{}, err
	}
	info.State = e.state(c, p, info.Traffic)
	return info, nil
}

func (e *Engine) state(c store.ClientRecord, p store.PolicyRecord, t store.TrafficRecord) State {
	if !c.Active {
		return StateDeactivated
	}
	switch p.Violation(e.Now(), t) {
	case store.ReasonExpired:
		return StateExpired
	case store.ReasonQuota:
		return StateQuotaExceeded
	}
	if e.sync.Pending(c.PublicKey) {
		return StatePending
	}
	return StateActive
}

// State returns the client's lifecycle state.
func (e *Engine) State(username string) (State, error) {
	info, err := e.Info(username)
	return info.State, err
}

// Traffic returns the client's counters.
func (e *Engine) Traffic(username string) (store.TrafficRecord, error) {
	_, err := e.clients.Get(username)
	if err != nil {
		return store.TrafficRecord{}, err
	}
	return e.traffic.Read(username)
}

// Connections returns what the probe has seen of the client.
func (e *Engine) Connections(username string) (store.ConnectionRecord, error) {
	_, err := e.clients.Get(username)
	if err != nil {
		return store.ConnectionRecord{}, err
	}
	return e.connections.Read(username)
}

// ClientConfig renders the client's configuration again.
func (e *Engine) ClientConfig(username string) ([]byte, error) {
	c, err := e.clients.Get(username)
	if err != nil {
		return nil, err
	}
	return e.render(c), nil
}

func (e *Engine) render(c store.ClientRecord) []byte {
	addrs := make([]goal.IPNet, len(c.AllowedIPs))
	for i, prefix := range c.AllowedIPs {
		addrs[i] = goal.IPNetFromPrefix(prefix)
	}
	psk := c.PresharedKey
	return goal.MarshalClientConfig(e.artifact, c.Username, c.PrivateKey, &psk, addrs)
}

// RecordSample records absolute counters for the client. It never touches the interface; the next sweep acts
// on an exceeded quota.
func (e *Engine) RecordSample(username string, incoming, outgoing uint64) (store.TrafficRecord, error) {
	unlock := e.locks.Lock(username)
	defer unlock()
	_, err := e.clients.Get(username)
	if err != nil {
		return store.TrafficRecord{}, err
	}
	return e.traffic.RecordSample(username, incoming, outgoing)
}

// AccumulateSample adds traffic seen since the previous sample to the client's counters.
func (e *Engine) AccumulateSample(username string, incoming, outgoing uint64) (store.TrafficRecord, error) {
	unlock := e.locks.Lock(username)
	defer unlock()
	_, err := e.clients.Get(username)
	if err != nil {
		return store.TrafficRecord{}, err
	}
	t, err := e.traffic.Read(username)
	if err != nil {
		return store.TrafficRecord{}, err
	}
	return e.traffic.RecordSample(username, t.IncomingBytes+incoming, t.OutgoingBytes+outgoing)
}

// ObserveConnection records that the client was seen connecting from ip, with its latest handshake.
func (e *Engine) ObserveConnection(username, ip string, handshake time.Time) error {
	unlock := e.locks.Lock(username)
	defer unlock()
	_, err := e.clients.Get(username)
	if err != nil {
		return err
	}
	return e.connections.Observe(username, ip, handshake, e.Now())
}
