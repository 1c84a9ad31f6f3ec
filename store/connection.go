package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ConnectionRecord is what the gateway has seen of a client's connections.
type ConnectionRecord struct {
	Username string
	// Endpoints maps each remote IP the client connected from to when it was last seen.
	Endpoints     map[string]time.Time
	LastHandshake time.Time
}

// ConnectionLedger is the durable set of connection records, keyed by username.
type ConnectionLedger struct {
	kv KV
}

func NewConnectionLedger(kv KV) *ConnectionLedger {
	return &ConnectionLedger{kv: kv}
}

// Observe records that username was connected from ip at seen with its latest handshake at handshake.
// An empty ip or zero handshake leaves the corresponding field unchanged.
func (l *ConnectionLedger) Observe(username, ip string, handshake, seen time.Time) error {
	c, err := l.Read(username)
	if err != nil {
		return err
	}
	if ip != "" {
		c.Endpoints[ip] = seen
	}
	if handshake.After(c.LastHandshake) {
		c.LastHandshake = handshake
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	err = l.kv.Set(username, string(data))
	if err != nil {
		return fmt.Errorf("write connections %s: %w", username, err)
	}
	return nil
}

// Read returns the username's connection record, empty if nothing was observed yet.
func (l *ConnectionLedger) Read(username string) (ConnectionRecord, error) {
	c := ConnectionRecord{Username: username, Endpoints: map[string]time.Time{}}
	data, err := l.kv.Get(username)
	if errors.Is(err, ErrNotFound) {
		return c, nil
	}
	if err != nil {
		return ConnectionRecord{}, err
	}
	err = json.Unmarshal([]byte(data), &c)
	if err != nil {
		return ConnectionRecord{}, fmt.Errorf("decode connections %s: %w", username, err)
	}
	if c.Endpoints == nil {
		c.Endpoints = map[string]time.Time{}
	}
	return c, nil
}

func (l *ConnectionLedger) Delete(username string) error {
	err := l.kv.Delete(username)
	if err != nil {
		return fmt.Errorf("delete connections %s: %w", username, err)
	}
	return nil
}
