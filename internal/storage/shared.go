package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	klog "github.com/Klingon-tech/klingnet-bridge/internal/log"
)

// MemoryPath selects a private in-memory database in Open.
const MemoryPath = ":memory:"

// ErrNamespaceInUse is returned by OpenNamespace when another open
// namespace already owns the prefix in the same database.
var ErrNamespaceInUse = errors.New("namespace already open")

// Badger takes an exclusive directory lock, so wallets opened on the same
// path in one process must share a single handle.
var shared = struct {
	sync.Mutex
	dbs map[string]*sharedDB
}{dbs: make(map[string]*sharedDB)}

type sharedDB struct {
	db     *BadgerDB
	refs   int
	claims map[string]struct{}
}

// acquire returns a reference to the database at abs, opening it on first
// use. It must be called with shared held.
func acquire(abs string) (*sharedRef, error) {
	s, ok := shared.dbs[abs]
	if !ok {
		db, err := NewBadger(abs)
		if err != nil {
			return nil, err
		}
		s = &sharedDB{db: db, claims: make(map[string]struct{})}
		shared.dbs[abs] = s
		klog.Storage.Debug().Str("path", abs).Msg("Opened database")
	}
	s.refs++
	return &sharedRef{DB: s.db, path: abs}, nil
}

// OpenNamespace returns the namespace under prefix in the database at path.
// Namespaces on the same path share one BadgerDB, which is closed with the
// last of them. A prefix has at most one open namespace per database; a
// second OpenNamespace for it fails with ErrNamespaceInUse until the first is
// closed. MemoryPath gives every namespace its own fresh MemoryDB.
func OpenNamespace(path string, prefix []byte) (*Namespace, error) {
	if path == MemoryPath {
		db := NewMemory()
		return &Namespace{PrefixDB: NewPrefixDB(db, prefix), ref: db}, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}

	shared.Lock()
	defer shared.Unlock()

	ref, err := acquire(abs)
	if err != nil {
		return nil, err
	}
	s := shared.dbs[abs]
	key := string(prefix)
	if _, taken := s.claims[key]; taken {
		ref.release()
		return nil, fmt.Errorf("%w: %q in %s", ErrNamespaceInUse, prefix, abs)
	}
	s.claims[key] = struct{}{}
	return &Namespace{PrefixDB: NewPrefixDB(ref, prefix), ref: ref, claim: key}, nil
}

// Namespace is an exclusively owned prefix of a database. Closing it gives
// up the prefix and the database reference.
type Namespace struct {
	*PrefixDB
	ref   DB
	claim string
	once  sync.Once
}

// Close releases the namespace. It is safe to call more than once.
func (n *Namespace) Close() error {
	var err error
	n.once.Do(func() {
		if r, ok := n.ref.(*sharedRef); ok {
			shared.Lock()
			if s, ok := shared.dbs[r.path]; ok {
				delete(s.claims, n.claim)
			}
			shared.Unlock()
		}
		err = n.ref.Close()
	})
	return err
}

// sharedRef is one caller's reference to a shared database.
type sharedRef struct {
	DB
	path string
	once sync.Once
}

func (r *sharedRef) NewBatch() Batch {
	return NewBatch(r.DB)
}

// Close releases this reference. It is safe to call more than once.
func (r *sharedRef) Close() error {
	var err error
	r.once.Do(func() {
		shared.Lock()
		defer shared.Unlock()
		err = r.release()
	})
	return err
}

// release drops the reference count and closes the database with the last
// reference. It must be called with shared held.
func (r *sharedRef) release() error {
	s, ok := shared.dbs[r.path]
	if !ok {
		return nil
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	delete(shared.dbs, r.path)
	klog.Storage.Debug().Str("path", r.path).Msg("Closed database")
	return s.db.Close()
}
