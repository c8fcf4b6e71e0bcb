package handle

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Tag identifies a resource kind on the wire.
type Tag [8]byte

// TagOf derives the tag for a kind name: xxhash64 of the name, big-endian.
// The name is pinned in source, so the tag is stable across builds.
func TagOf(name string) Tag {
	var t Tag
	binary.BigEndian.PutUint64(t[:], xxhash.Sum64String(name))
	return t
}

// String returns the tag as hex.
func (t Tag) String() string {
	return hex.EncodeToString(t[:])
}

// Registry is the closed set of resource kinds known to a process.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Tag
	byTag  map[Tag]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Tag),
		byTag:  make(map[Tag]string),
	}
}

// Lookup returns the kind name registered for a tag.
func (r *Registry) Lookup(t Tag) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byTag[t]
	return name, ok
}

// Len returns the number of registered kinds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

func (r *Registry) add(name string) (Tag, error) {
	if name == "" {
		return Tag{}, fmt.Errorf("register kind: empty name")
	}
	tag := TagOf(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return Tag{}, fmt.Errorf("register kind %q: %w", name, ErrKindExists)
	}
	if other, ok := r.byTag[tag]; ok {
		return Tag{}, fmt.Errorf("register kind %q: tag %s collides with %q: %w", name, tag, other, ErrKindExists)
	}
	r.byName[name] = tag
	r.byTag[tag] = name
	return tag, nil
}

// Kind is a registered resource kind carrying values of type T.
type Kind[T any] struct {
	name string
	tag  Tag
}

// Register adds a kind to r. Names must be unique and their tags must not
// collide with any kind already in r.
func Register[T any](r *Registry, name string) (Kind[T], error) {
	tag, err := r.add(name)
	if err != nil {
		return Kind[T]{}, err
	}
	return Kind[T]{name: name, tag: tag}, nil
}

// MustRegister is like Register but panics on error. It is meant for
// package-level kind declarations.
func MustRegister[T any](r *Registry, name string) Kind[T] {
	k, err := Register[T](r, name)
	if err != nil {
		panic(err)
	}
	return k
}

// Name returns the kind name.
func (k Kind[T]) Name() string { return k.name }

// Tag returns the kind tag.
func (k Kind[T]) Tag() Tag { return k.tag }
