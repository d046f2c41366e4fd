package coordination

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"
)

// Command represents a store mutation in the Raft log.
type Command struct {
	Op      string `json:"op"`
	Path    string `json:"path"`
	Data    []byte `json:"data"`
	Version int64  `json:"version"`
}

// Command operations.
const (
	opSet    = "set"
	opEnsure = "ensure"
	opDelete = "delete"
)

// applyResult is the FSM response for a single applied command.
type applyResult struct {
	Stat Stat
	Err  error
}

// storeFSM implements the Raft finite state machine over a local
// BoltStore. Every committed log entry is one versioned store mutation;
// version conflicts are decided deterministically inside Apply so all
// peers agree on them.
type storeFSM struct {
	mu    sync.RWMutex
	store *BoltStore
}

func newStoreFSM(store *BoltStore) *storeFSM {
	return &storeFSM{store: store}
}

// Apply applies a committed log entry to the local store.
func (f *storeFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return applyResult{Err: fmt.Errorf("failed to unmarshal command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opSet:
		stat, err := f.store.Set(cmd.Path, cmd.Data, cmd.Version)
		return applyResult{Stat: stat, Err: err}
	case opEnsure:
		return applyResult{Err: f.store.EnsurePath(cmd.Path)}
	case opDelete:
		return applyResult{Err: f.store.Delete(cmd.Path, cmd.Version)}
	default:
		return applyResult{Err: fmt.Errorf("unknown command op: %s", cmd.Op)}
	}
}

// Snapshot captures the full key space for log compaction.
func (f *storeFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries := make(map[string]json.RawMessage)
	err := f.store.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			entries[string(k)] = append(json.RawMessage(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &storeSnapshot{entries: entries}, nil
}

// Restore replaces the key space from a snapshot.
func (f *storeFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var entries map[string]json.RawMessage
	if err := json.NewDecoder(rc).Decode(&entries); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.store.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketNodes); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketNodes)
		if err != nil {
			return err
		}
		for k, v := range entries {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

type storeSnapshot struct {
	entries map[string]json.RawMessage
}

func (s *storeSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.entries); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *storeSnapshot) Release() {}
