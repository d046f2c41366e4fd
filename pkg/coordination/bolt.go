package coordination

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"
)

var bucketNodes = []byte("nodes")

// node is the stored envelope for one path.
type node struct {
	Version int64  `json:"version"`
	Data    []byte `json:"data"`
}

// BoltStore implements Store on an embedded bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "gantry.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNodes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Get(path string) ([]byte, Stat, error) {
	var n node
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketNodes).Get([]byte(path))
		if raw == nil {
			return ErrNoNode
		}
		return json.Unmarshal(raw, &n)
	})
	if err != nil {
		return nil, Stat{}, err
	}
	return n.Data, Stat{Version: n.Version}, nil
}

func (s *BoltStore) Set(path string, data []byte, version int64) (Stat, error) {
	var stat Stat
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		raw := b.Get([]byte(path))
		if raw == nil {
			return ErrNoNode
		}
		var n node
		if err := json.Unmarshal(raw, &n); err != nil {
			return err
		}
		if version != AnyVersion && version != n.Version {
			return ErrBadVersion
		}
		n.Version++
		n.Data = data
		stat.Version = n.Version
		out, err := json.Marshal(&n)
		if err != nil {
			return err
		}
		return b.Put([]byte(path), out)
	})
	return stat, err
}

func (s *BoltStore) EnsurePath(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		for _, p := range pathAndParents(path) {
			if b.Get([]byte(p)) != nil {
				continue
			}
			out, err := json.Marshal(&node{})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(p), out); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Delete(path string, version int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		raw := b.Get([]byte(path))
		if raw == nil {
			return ErrNoNode
		}
		if version != AnyVersion {
			var n node
			if err := json.Unmarshal(raw, &n); err != nil {
				return err
			}
			if version != n.Version {
				return ErrBadVersion
			}
		}
		return b.Delete([]byte(path))
	})
}

func (s *BoltStore) Children(path string) ([]string, error) {
	prefix := strings.TrimSuffix(path, "/") + "/"
	names := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketNodes).Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			rest := strings.TrimPrefix(string(k), prefix)
			if rest == "" {
				continue
			}
			if idx := strings.Index(rest, "/"); idx >= 0 {
				rest = rest[:idx]
			}
			names[rest] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	children := make([]string, 0, len(names))
	for name := range names {
		children = append(children, name)
	}
	sort.Strings(children)
	return children, nil
}

// pathAndParents returns the path plus every ancestor, root first.
func pathAndParents(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, "/")
	paths := make([]string, 0, len(parts))
	for i := range parts {
		paths = append(paths, "/"+strings.Join(parts[:i+1], "/"))
	}
	return paths
}
