// Package store holds the durable per-client ledgers: clients, policies, traffic and connections.
//
// Each ledger is backed by its own KV. Every write is atomic and durable before it returns.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/buntdb"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("key not found")

// KV is a durable keyed store for one ledger.
type KV interface {
	// Get returns ErrNotFound if key is absent.
	Get(key string) (string, error)
	Set(key, value string) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
	// List calls fn for each key in ascending key order until fn returns false.
	List(fn func(key, value string) bool) error
	Close() error
}

// BuntKV is a KV backed by a buntdb file fsynced on every commit.
type BuntKV struct {
	db *buntdb.DB
	// MaxRetries is the number of times a failed write is retried.
	MaxRetries uint64
}

var _ KV = (*BuntKV)(nil)

// OpenBunt opens (creating if needed) the buntdb file at path. Use ":memory:" for a non-persistent KV.
func OpenBunt(path string) (*BuntKV, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	var cfg buntdb.Config
	err = db.ReadConfig(&cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	cfg.SyncPolicy = buntdb.Always
	err = db.SetConfig(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BuntKV{db: db, MaxRetries: 3}, nil
}

// update runs fn in a write transaction, retrying transient failures.
// A failed transaction is rolled back, so the previous value stays intact.
func (b *BuntKV) update(fn func(tx *buntdb.Tx) error) error {
	op := func() error {
		err := b.db.Update(fn)
		if errors.Is(err, buntdb.ErrDatabaseClosed) {
			return backoff.Permanent(err)
		}
		if err != nil {
			zap.S().Infof("ledger write failed, retrying: %s", err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(op, backoff.WithMaxRetries(bo, b.MaxRetries))
}

func (b *BuntKV) Get(key string) (value string, err error) {
	err = b.db.View(func(tx *buntdb.Tx) error {
		value, err = tx.Get(key)
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return "", ErrNotFound
	}
	return
}

func (b *BuntKV) Set(key, value string) error {
	return b.update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, value, nil)
		return err
	})
}

func (b *BuntKV) Delete(key string) error {
	return b.update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (b *BuntKV) List(fn func(key, value string) bool) error {
	return b.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", fn)
	})
}

func (b *BuntKV) Close() error {
	return b.db.Close()
}

// MemoryKV is a non-durable KV for tests.
type MemoryKV struct {
	lock sync.RWMutex
	m    map[string]string
	// FailWrites makes every Set and Delete fail with the given error.
	FailWrites error
}

var _ KV = (*MemoryKV)(nil)

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{m: map[string]string{}}
}

func (m *MemoryKV) Get(key string) (string, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	value, ok := m.m[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *MemoryKV) Set(key, value string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.m[key] = value
	return nil
}

func (m *MemoryKV) Delete(key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	delete(m.m, key)
	return nil
}

func (m *MemoryKV) List(fn func(key, value string) bool) error {
	m.lock.RLock()
	keys := make([]string, 0, len(m.m))
	for key := range m.m {
		keys = append(keys, key)
	}
	values := make([]string, len(keys))
	sort.Strings(keys)
	for i, key := range keys {
		values[i] = m.m[key]
	}
	m.lock.RUnlock()
	for i, key := range keys {
		if !fn(key, values[i]) {
			break
		}
	}
	return nil
}

func (m *MemoryKV) Close() error {
	return nil
}
