package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nyiyui/wgledger/errkind"
)

// TrafficRecord holds cumulative byte counters since creation or the last Reset.
// Incoming is traffic received from the client, outgoing is traffic sent to it.
type TrafficRecord struct {
	Username      string
	IncomingBytes uint64
	OutgoingBytes uint64
	LastUpdate    time.Time
}

func (t TrafficRecord) Total() uint64 {
	return t.IncomingBytes + t.OutgoingBytes
}

// TrafficLedger is the durable set of traffic counters, keyed by username.
type TrafficLedger struct {
	kv  KV
	Now func() time.Time
}

func NewTrafficLedger(kv KV) *TrafficLedger {
	return &TrafficLedger{kv: kv, Now: time.Now}
}

// RecordSample overwrites the username's counters with absolute values.
// Counters never decrease: a sample below the recorded one is rejected with InvalidState.
func (l *TrafficLedger) RecordSample(username string, incoming, outgoing uint64) (TrafficRecord, error) {
	prev, err := l.Read(username)
	if err != nil {
		return TrafficRecord{}, err
	}
	if incoming < prev.IncomingBytes || outgoing < prev.OutgoingBytes {
		return TrafficRecord{}, errkind.New(errkind.InvalidState, "record traffic",
			"counters for %s went backwards (%d/%d < %d/%d)", username, incoming, outgoing, prev.IncomingBytes, prev.OutgoingBytes)
	}
	t := TrafficRecord{Username: username, IncomingBytes: incoming, OutgoingBytes: outgoing, LastUpdate: l.Now()}
	return t, l.put(t)
}

// Reset zeroes the username's counters.
func (l *TrafficLedger) Reset(username string) error {
	return l.put(TrafficRecord{Username: username, LastUpdate: l.Now()})
}

func (l *TrafficLedger) put(t TrafficRecord) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	err = l.kv.Set(t.Username, string(data))
	if err != nil {
		return fmt.Errorf("write traffic %s: %w", t.Username, err)
	}
	return nil
}

// Read returns the username's counters, or zeros if nothing was recorded yet.
func (l *TrafficLedger) Read(username string) (TrafficRecord, error) {
	data, err := l.kv.Get(username)
	if errors.Is(err, ErrNotFound) {
		return TrafficRecord{Username: username}, nil
	}
	if err != nil {
		return TrafficRecord{}, err
	}
	var t TrafficRecord
	err = json.Unmarshal([]byte(data), &t)
	if err != nil {
		return TrafficRecord{}, fmt.Errorf("decode traffic %s: %w", username, err)
	}
	return t, nil
}

func (l *TrafficLedger) Delete(username string) error {
	err := l.kv.Delete(username)
	if err != nil {
		return fmt.Errorf("delete traffic %s: %w", username, err)
	}
	return nil
}
