package election

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/fencing"
)

// recordFSM replicates the newest fencing record between monitors. Applies
// only move forward, so a replayed or reordered entry cannot lower the epoch.
type recordFSM struct {
	mu  sync.RWMutex
	rec fencing.Record
}

func (f *recordFSM) record() fencing.Record {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rec
}

func (f *recordFSM) Apply(log *raft.Log) interface{} {
	if log.Type != raft.LogCommand {
		return nil
	}

	var rec fencing.Record
	if err := json.Unmarshal(log.Data, &rec); err != nil {
		return errors.Wrap(err, "failed to decode fencing record")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.Epoch > f.rec.Epoch {
		f.rec = rec
	}
	return nil
}

func (f *recordFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &recordSnapshot{rec: f.record()}, nil
}

func (f *recordFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var rec fencing.Record
	if err := json.NewDecoder(snapshot).Decode(&rec); err != nil {
		return errors.Wrap(err, "failed to restore fencing record")
	}

	f.mu.Lock()
	f.rec = rec
	f.mu.Unlock()
	return nil
}

type recordSnapshot struct {
	rec fencing.Record
}

func (s *recordSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.rec); err != nil {
		sink.Cancel()
		return errors.Wrap(err, "failed to persist fencing record")
	}
	return sink.Close()
}

func (s *recordSnapshot) Release() {}
