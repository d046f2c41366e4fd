package coordination

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrNoNode is returned when a path does not exist.
	ErrNoNode = errors.New("node does not exist")
	// ErrBadVersion is returned when a compare-and-swap write loses a
	// race; callers re-read and retry.
	ErrBadVersion = errors.New("version mismatch")
)

// AnyVersion disables the version check on a write.
const AnyVersion int64 = -1

// Stat carries the version of a stored node.
type Stat struct {
	Version int64
}

// Store is a hierarchical key space with per-path version stats. All
// mutations are version-checked so concurrent writers can use optimistic
// concurrency.
type Store interface {
	// Get returns the data and stat for a path, or ErrNoNode.
	Get(path string) ([]byte, Stat, error)
	// Set writes data if the stored version matches, returning the new
	// stat. ErrNoNode if the path is missing, ErrBadVersion on conflict.
	Set(path string, data []byte, version int64) (Stat, error)
	// EnsurePath creates the path and any missing parents, empty.
	EnsurePath(path string) error
	// Delete removes a path if the version matches.
	Delete(path string, version int64) error
	// Children lists the immediate child names of a path.
	Children(path string) ([]string, error)
	Close() error
}

// UpdateVersioned applies transform to the current contents of path in a
// CAS loop, retrying version conflicts until the write lands. A missing
// path is created first, so transform always runs at least once.
func UpdateVersioned(store Store, path string, transform func([]byte) ([]byte, error)) error {
	for {
		data, stat, err := store.Get(path)
		if errors.Is(err, ErrNoNode) {
			if err := store.EnsurePath(path); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		next, err := transform(data)
		if err != nil {
			return err
		}
		if _, err := store.Set(path, next, stat.Version); err != nil {
			if errors.Is(err, ErrBadVersion) {
				continue
			}
			return err
		}
		return nil
	}
}

// Lock is a held coordination lock. Locks are session scoped: they are
// released explicitly or when the owning process goes away.
type Lock struct {
	path    string
	release func()
	once    sync.Once
}

// Path returns the lock's path.
func (l *Lock) Path() string {
	return l.path
}

// Unlock releases the lock. Safe to call more than once.
func (l *Lock) Unlock() {
	l.once.Do(l.release)
}

// LockManager hands out exclusive locks by path. The embedded
// implementation is process-local; with a replicated store the lock
// ownership is what serializes pipeline ticks across schedulers.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockManager creates an empty lock registry.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until the named lock is held and returns it.
func (m *LockManager) Lock(path string) *Lock {
	m.mu.Lock()
	l, ok := m.locks[path]
	if !ok {
		l = &sync.Mutex{}
		m.locks[path] = l
	}
	m.mu.Unlock()
	l.Lock()
	return &Lock{path: path, release: l.Unlock}
}

// Context is the active lock session threaded through every mutator while
// a pipeline is locked. Mutating pipeline state without a context is a
// programming error.
type Context struct {
	Store Store
	Lock  *Lock
	Log   zerolog.Logger
}

// NewContext binds a store, a held lock, and a logger into one session.
func NewContext(store Store, lock *Lock, log zerolog.Logger) *Context {
	return &Context{Store: store, Lock: lock, Log: log}
}
