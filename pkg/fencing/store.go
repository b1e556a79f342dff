// Package fencing persists the newest committed failover epoch, and the
// primary it installed, so a restarted monitor never reissues an epoch.
package fencing

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/cluster"
)

var (
	epochKey   = []byte("failover_epoch")
	primaryKey = []byte("failover_primary")
)

// Record is one committed failover.
type Record struct {
	Epoch   cluster.Epoch  `json:"epoch"`
	Primary cluster.NodeID `json:"primary"`
}

// Store loads and saves the newest committed record.
type Store interface {
	Load() (Record, error)
	Store(rec Record) error
}

// StableStore keeps the record in any raft.StableStore. Stores only move
// forward: saving a record at an older or equal epoch is a no-op.
type StableStore struct {
	mu     sync.Mutex
	stable raft.StableStore
}

// NewStableStore wraps s.
func NewStableStore(s raft.StableStore) *StableStore {
	return &StableStore{stable: s}
}

// NewMemoryStore keeps the record in memory only.
func NewMemoryStore() *StableStore {
	return NewStableStore(raft.NewInmemStore())
}

// Load returns the stored record, or the zero record if none was stored.
func (s *StableStore) Load() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *StableStore) load() (Record, error) {
	v, err := s.stable.GetUint64(epochKey)
	if err != nil {
		if notFound(err) {
			return Record{}, nil
		}
		return Record{}, errors.Wrap(err, "failed to load epoch")
	}

	primary, err := s.stable.Get(primaryKey)
	if err != nil && !notFound(err) {
		return Record{}, errors.Wrap(err, "failed to load primary")
	}
	return Record{Epoch: cluster.Epoch(v), Primary: cluster.NodeID(primary)}, nil
}

// Store saves rec if it is newer than the stored record.
func (s *StableStore) Store(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load()
	if err != nil {
		return err
	}
	if rec.Epoch <= current.Epoch {
		return nil
	}
	// Primary first: a crash in between leaves the old epoch, which is safe.
	if err := s.stable.Set(primaryKey, []byte(rec.Primary)); err != nil {
		return errors.Wrap(err, "failed to store primary")
	}
	if err := s.stable.SetUint64(epochKey, uint64(rec.Epoch)); err != nil {
		return errors.Wrap(err, "failed to store epoch")
	}
	return nil
}

func notFound(err error) bool {
	return errors.Is(err, raftboltdb.ErrKeyNotFound) || err.Error() == "not found"
}

// BoltStore is a StableStore backed by a bolt file.
type BoltStore struct {
	*StableStore
	bolt *raftboltdb.BoltStore
}

// OpenBolt opens or creates the epoch file at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create epoch directory")
	}

	bolt, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open epoch store %s", path)
	}

	return &BoltStore{
		StableStore: NewStableStore(bolt),
		bolt:        bolt,
	}, nil
}

// Close closes the bolt file.
func (b *BoltStore) Close() error {
	return b.bolt.Close()
}
