package coordination

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

const raftApplyTimeout = 10 * time.Second

// RaftConfig holds configuration for a replicated store node.
type RaftConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// RaftStore replicates every store mutation through a Raft log so
// multiple scheduler processes share one consistent coordination store.
// Reads are served from the local copy.
type RaftStore struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *storeFSM
	local *BoltStore
}

// NewRaftStore creates a replicated store; call Bootstrap or Join before
// using it.
func NewRaftStore(cfg *RaftConfig) (*RaftStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	local, err := NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create local store: %w", err)
	}

	return &RaftStore{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      newStoreFSM(local),
		local:    local,
	}, nil
}

func (s *RaftStore) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(s.nodeID)

	// Pipeline ticks are serialized behind the pipeline lock, so we tune
	// for fast leader failover rather than throughput.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (s *RaftStore) setup() (*raft.NetworkTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", s.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(s.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(s.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(s.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(s.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(s.raftConfig(), s.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	s.raft = r
	return transport, nil
}

// Bootstrap initializes a new single-node cluster.
func (s *RaftStore) Bootstrap() error {
	transport, err := s.setup()
	if err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(s.nodeID),
				Address: transport.LocalAddr(),
			},
		},
	}

	future := s.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	return nil
}

// Join starts the raft node without bootstrapping; an existing leader must
// add it as a voter.
func (s *RaftStore) Join() error {
	_, err := s.setup()
	return err
}

// AddVoter adds a peer to the cluster. Leader only.
func (s *RaftStore) AddVoter(nodeID, addr string) error {
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0)
	return future.Error()
}

// IsLeader reports whether this node currently leads the cluster.
func (s *RaftStore) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

func (s *RaftStore) apply(cmd Command) (Stat, error) {
	data, err := json.Marshal(&cmd)
	if err != nil {
		return Stat{}, err
	}
	future := s.raft.Apply(data, raftApplyTimeout)
	if err := future.Error(); err != nil {
		return Stat{}, fmt.Errorf("raft apply failed: %w", err)
	}
	result, ok := future.Response().(applyResult)
	if !ok {
		return Stat{}, fmt.Errorf("unexpected raft apply response %T", future.Response())
	}
	return result.Stat, result.Err
}

func (s *RaftStore) Get(path string) ([]byte, Stat, error) {
	return s.local.Get(path)
}

func (s *RaftStore) Set(path string, data []byte, version int64) (Stat, error) {
	return s.apply(Command{Op: opSet, Path: path, Data: data, Version: version})
}

func (s *RaftStore) EnsurePath(path string) error {
	_, err := s.apply(Command{Op: opEnsure, Path: path})
	return err
}

func (s *RaftStore) Delete(path string, version int64) error {
	_, err := s.apply(Command{Op: opDelete, Path: path, Version: version})
	return err
}

func (s *RaftStore) Children(path string) ([]string, error) {
	return s.local.Children(path)
}

func (s *RaftStore) Close() error {
	if s.raft != nil {
		if err := s.raft.Shutdown().Error(); err != nil {
			return err
		}
	}
	return s.local.Close()
}
