package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/nyiyui/wgledger/errkind"
	"github.com/nyiyui/wgledger/goal"
)

// Reason is why a client was deactivated.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonExpired Reason = "expired"
	ReasonQuota   Reason = "quota"
	ReasonManual  Reason = "manual"
)

type ClientRecord struct {
	Username     string
	PublicKey    goal.Key
	PrivateKey   goal.Key
	PresharedKey goal.Key
	AllowedIPs   []netip.Prefix
	Family       Family
	Active       bool
	CreatedAt    time.Time
	// Seq orders records by insertion.
	Seq                uint64
	DeactivatedAt      time.Time
	DeactivationReason Reason    `json:",omitempty"`
}

// ClientStore is the durable set of client identities, keyed by username.
type ClientStore struct {
	kv   KV
	pool *Pool
	// Now is used for CreatedAt and DeactivatedAt.
	Now func() time.Time

	lock sync.Mutex
	seq  uint64
}

// NewClientStore loads the records in kv and re-reserves their addresses in pool,
// so a lost pool file cannot hand out an address twice.
func NewClientStore(ctx context.Context, kv KV, pool *Pool) (*ClientStore, error) {
	s := &ClientStore{kv: kv, pool: pool, Now: time.Now}
	cs, err := s.List()
	if err != nil {
		return nil, fmt.Errorf("load clients: %w", err)
	}
	for _, c := range cs {
		if c.Seq > s.seq {
			s.seq = c.Seq
		}
		for _, prefix := range c.AllowedIPs {
			err = pool.reserve(ctx, prefix.Addr())
			if err != nil {
				return nil, fmt.Errorf("reserve %s for %s: %w", prefix, c.Username, err)
			}
		}
	}
	zap.S().Debugf("loaded %d clients.", len(cs))
	return s, nil
}

// Add creates an active client with fresh keys and addresses of family f.
func (s *ClientStore) Add(ctx context.Context, username string, f Family) (ClientRecord, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, err := s.kv.Get(username)
	if err == nil {
		return ClientRecord{}, errkind.New(errkind.DuplicateClient, "add client", "%s already exists", username)
	}
	if !errors.Is(err, ErrNotFound) {
		return ClientRecord{}, err
	}

	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return ClientRecord{}, fmt.Errorf("generate private key: %w", err)
	}
	psk, err := wgtypes.GenerateKey()
	if err != nil {
		return ClientRecord{}, fmt.Errorf("generate preshared key: %w", err)
	}
	prefixes, err := s.pool.Acquire(ctx, f)
	if err != nil {
		return ClientRecord{}, err
	}
	c := ClientRecord{
		Username:     username,
		PublicKey:    goal.Key(priv.PublicKey()),
		PrivateKey:   goal.Key(priv),
		PresharedKey: goal.Key(psk),
		AllowedIPs:   prefixes,
		Family:       f,
		Active:       true,
		CreatedAt:    s.Now(),
		Seq:          s.seq + 1,
	}
	err = s.putNoLock(c)
	if err != nil {
		s.pool.Release(ctx, prefixes)
		return ClientRecord{}, err
	}
	s.seq++
	zap.S().Debugf("added client %s with %s.", username, prefixes)
	return c, nil
}

func (s *ClientStore) putNoLock(c ClientRecord) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	err = s.kv.Set(c.Username, string(data))
	if err != nil {
		return fmt.Errorf("write client %s: %w", c.Username, err)
	}
	return nil
}

func (s *ClientStore) Get(username string) (ClientRecord, error) {
	data, err := s.kv.Get(username)
	if errors.Is(err, ErrNotFound) {
		return ClientRecord{}, errkind.New(errkind.NotFound, "get client", "%s", username)
	}
	if err != nil {
		return ClientRecord{}, err
	}
	var c ClientRecord
	err = json.Unmarshal([]byte(data), &c)
	if err != nil {
		return ClientRecord{}, fmt.Errorf("decode client %s: %w", username, err)
	}
	return c, nil
}

// List returns all clients ordered by insertion.
func (s *ClientStore) List() ([]ClientRecord, error) {
	var cs []ClientRecord
	var decodeErr error
	err := s.kv.List(func(key, value string) bool {
		var c ClientRecord
		decodeErr = json.Unmarshal([]byte(value), &c)
		if decodeErr != nil {
			decodeErr = fmt.Errorf("decode client %s: %w", key, decodeErr)
			return false
		}
		cs = append(cs, c)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].Seq < cs[j].Seq })
	return cs, nil
}

// SetActive sets the client's Active flag. reason is recorded when deactivating and cleared when activating.
func (s *ClientStore) SetActive(username string, active bool, reason Reason) (ClientRecord, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	c, err := s.Get(username)
	if err != nil {
		return ClientRecord{}, err
	}
	c.Active = active
	if active {
		c.DeactivatedAt = time.Time{}
		c.DeactivationReason = ReasonNone
	} else {
		c.DeactivatedAt = s.Now()
		c.DeactivationReason = reason
	}
	err = s.putNoLock(c)
	if err != nil {
		return ClientRecord{}, err
	}
	return c, nil
}

// Delete removes the client and returns its addresses to the pool.
func (s *ClientStore) Delete(ctx context.Context, username string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	c, err := s.Get(username)
	if err != nil {
		return err
	}
	err = s.kv.Delete(username)
	if err != nil {
		return fmt.Errorf("delete client %s: %w", username, err)
	}
	s.pool.Release(ctx, c.AllowedIPs)
	return nil
}
