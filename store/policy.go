package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nyiyui/wgledger/quota"
)

// PolicyRecord bounds a client's lifetime and traffic. A nil field means unbounded.
type PolicyRecord struct {
	Username     string
	ExpiresAt    *time.Time `json:",omitempty"`
	TrafficLimit *uint64    `json:",omitempty"`
}

// Violation returns why a client with this policy and traffic must be deactivated at now, or ReasonNone.
func (p PolicyRecord) Violation(now time.Time, t TrafficRecord) Reason {
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return ReasonExpired
	}
	if p.TrafficLimit != nil && t.Total() > *p.TrafficLimit {
		return ReasonQuota
	}
	return ReasonNone
}

// PolicyLedger is the durable set of policies, keyed by username.
type PolicyLedger struct {
	kv KV
}

func NewPolicyLedger(kv KV) *PolicyLedger {
	return &PolicyLedger{kv: kv}
}

// SetPolicy replaces the username's policy. An empty trafficLimit clears the quota and a nil expiresAt clears the
// expiration; if both are cleared, the record is removed.
// An unparseable trafficLimit yields InvalidQuota and leaves the ledger unchanged.
func (l *PolicyLedger) SetPolicy(username string, expiresAt *time.Time, trafficLimit string) (PolicyRecord, error) {
	p := PolicyRecord{Username: username, ExpiresAt: expiresAt}
	if trafficLimit != "" {
		limit, err := quota.Parse(trafficLimit)
		if err != nil {
			return PolicyRecord{}, err
		}
		p.TrafficLimit = &limit
	}
	if p.ExpiresAt == nil && p.TrafficLimit == nil {
		return p, l.RemovePolicy(username)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return PolicyRecord{}, err
	}
	err = l.kv.Set(username, string(data))
	if err != nil {
		return PolicyRecord{}, fmt.Errorf("write policy %s: %w", username, err)
	}
	return p, nil
}

// GetPolicy returns the username's policy. ok is false if the client is unbounded.
func (l *PolicyLedger) GetPolicy(username string) (p PolicyRecord, ok bool, err error) {
	data, err := l.kv.Get(username)
	if errors.Is(err, ErrNotFound) {
		return PolicyRecord{Username: username}, false, nil
	}
	if err != nil {
		return PolicyRecord{}, false, err
	}
	err = json.Unmarshal([]byte(data), &p)
	if err != nil {
		return PolicyRecord{}, false, fmt.Errorf("decode policy %s: %w", username, err)
	}
	return p, true, nil
}

func (l *PolicyLedger) RemovePolicy(username string) error {
	err := l.kv.Delete(username)
	if err != nil {
		return fmt.Errorf("delete policy %s: %w", username, err)
	}
	return nil
}

// ValidateQuota checks trafficLimit without writing anything.
func ValidateQuota(trafficLimit string) error {
	if trafficLimit == "" {
		return nil
	}
	_, err := quota.Parse(trafficLimit)
	return err
}
