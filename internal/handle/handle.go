package handle

import "fmt"

// Handle refers to a value of kind T parked in an arena.
type Handle[T any] struct {
	addr Addr
	tag  Tag
}

// Addr returns the slot address.
func (h Handle[T]) Addr() Addr { return h.addr }

// Wire returns the serializable form of h.
func (h Handle[T]) Wire() Wire {
	return Wire{Raw: h.addr.Raw(), ID: h.tag}
}

// Encode parks v in a and returns its handle. Ownership of v passes to the
// arena; the caller must not use v afterwards.
func Encode[T any](a *Arena, k Kind[T], v T) (Handle[T], error) {
	addr, err := a.park(k.tag, v)
	if err != nil {
		return Handle[T]{}, fmt.Errorf("park %s: %w", k.name, err)
	}
	return Handle[T]{addr: addr, tag: k.tag}, nil
}

// Decode checks that w carries k's tag and unpacks its address. It does not
// touch any arena.
func Decode[T any](k Kind[T], w Wire) (Handle[T], error) {
	if w.ID != k.tag {
		return Handle[T]{}, fmt.Errorf("%w: got tag %s, want %s (%s)", ErrTypeMismatch, w.ID, k.tag, k.name)
	}
	addr, err := addrFromRaw(w.Raw)
	if err != nil {
		return Handle[T]{}, err
	}
	return Handle[T]{addr: addr, tag: k.tag}, nil
}

// Borrow takes exclusive ownership of the value h refers to. The returned
// lease must be finished with exactly one of Release or Destroy.
func Borrow[T any](a *Arena, h Handle[T]) (*Lease[T], error) {
	v, err := a.take(h.addr, h.tag)
	if err != nil {
		return nil, err
	}
	t, ok := v.(T)
	if !ok {
		// Only reachable if two Kinds with one tag carry different types.
		if rerr := a.repark(h.addr, v); rerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, rerr)
		}
		return nil, ErrTypeMismatch
	}
	return &Lease[T]{arena: a, h: h, value: t}, nil
}

// Lease is exclusive, temporary ownership of a borrowed value. It is not
// safe for concurrent use.
type Lease[T any] struct {
	arena *Arena
	h     Handle[T]
	value T
	done  bool
}

// Value returns the borrowed value. It returns the zero T once the lease
// has finished.
func (l *Lease[T]) Value() T { return l.value }

// Handle returns the handle the lease was taken from.
func (l *Lease[T]) Handle() Handle[T] { return l.h }

// Release re-parks the value at its original address, so the same Wire
// stays valid.
func (l *Lease[T]) Release() error {
	v, err := l.finish()
	if err != nil {
		return err
	}
	return l.arena.repark(l.h.addr, v)
}

// Destroy frees the slot and finalizes the value. Any Wire for it becomes
// stale. The finalizer's error, if any, is returned; the slot is freed
// regardless.
func (l *Lease[T]) Destroy() error {
	v, err := l.finish()
	if err != nil {
		return err
	}
	return l.arena.destroy(l.h.addr, v)
}

func (l *Lease[T]) finish() (T, error) {
	var zero T
	if l.done {
		return zero, ErrLeaseDone
	}
	l.done = true
	v := l.value
	l.value = zero
	return v, nil
}
