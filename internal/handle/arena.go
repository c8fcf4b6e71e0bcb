package handle

import (
	"io"
	"math"
	"sync"

	"go.uber.org/multierr"
)

// Dropper is implemented by values that release resources without
// reporting an error. io.Closer is preferred when both are implemented.
type Dropper interface {
	Drop()
}

// EventType identifies a slot lifecycle transition.
type EventType uint8

const (
	EventCreated EventType = iota
	EventBorrowed
	EventReparked
	EventDestroyed
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventBorrowed:
		return "borrowed"
	case EventReparked:
		return "reparked"
	case EventDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Event describes one slot transition.
type Event struct {
	Type EventType
	Addr Addr
	Tag  Tag
}

// Observer receives slot lifecycle events. Observers are called outside the
// arena lock, in the goroutine that caused the transition.
type Observer interface {
	OnHandleEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnHandleEvent calls f(e).
func (f ObserverFunc) OnHandleEvent(e Event) { f(e) }

type slotState uint8

const (
	slotFree slotState = iota
	slotParked
	slotBorrowed
)

type slot struct {
	value any
	tag   Tag
	gen   uint32
	state slotState
}

// Arena owns parked values. Every slot carries a generation counter that is
// bumped when the slot is freed, so addresses of destroyed values never
// resolve again. A single mutex guards all slots; values are moved out of
// the slot while borrowed, so no lock is held while a caller uses one.
type Arena struct {
	mu        sync.Mutex
	slots     []slot
	freeList  []uint32
	live      int
	maxLive   int
	closed    bool
	observers []Observer
}

// Option configures an Arena.
type Option func(*Arena)

// WithMaxLive limits the number of live (parked or borrowed) values.
// Zero means no limit.
func WithMaxLive(n int) Option {
	return func(a *Arena) { a.maxLive = n }
}

// WithObserver subscribes o to lifecycle events.
func WithObserver(o Observer) Option {
	return func(a *Arena) { a.observers = append(a.observers, o) }
}

// NewArena creates an empty arena.
func NewArena(opts ...Option) *Arena {
	a := &Arena{
		slots:    make([]slot, 0, 16),
		freeList: make([]uint32, 0, 16),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Len returns the number of live values.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

func (a *Arena) park(tag Tag, v any) (Addr, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return Addr{}, ErrArenaClosed
	}
	if a.maxLive > 0 && a.live >= a.maxLive {
		a.mu.Unlock()
		return Addr{}, ErrArenaFull
	}

	var idx uint32
	if n := len(a.freeList); n > 0 {
		idx = a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
	} else {
		if len(a.slots) >= math.MaxUint32-1 {
			a.mu.Unlock()
			return Addr{}, ErrArenaFull
		}
		a.slots = append(a.slots, slot{})
		idx = uint32(len(a.slots) - 1)
	}

	s := &a.slots[idx]
	s.value = v
	s.tag = tag
	s.state = slotParked
	a.live++
	addr := Addr{Index: idx, Generation: s.gen}
	a.mu.Unlock()

	a.notify(Event{Type: EventCreated, Addr: addr, Tag: tag})
	return addr, nil
}

// lookup returns the slot addr names, or an error if it is not live.
// Caller holds a.mu.
func (a *Arena) lookup(addr Addr) (*slot, error) {
	if int64(addr.Index) >= int64(len(a.slots)) {
		return nil, ErrStaleHandle
	}
	s := &a.slots[addr.Index]
	if s.gen != addr.Generation || s.state == slotFree {
		return nil, ErrStaleHandle
	}
	return s, nil
}

func (a *Arena) take(addr Addr, tag Tag) (any, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrArenaClosed
	}
	s, err := a.lookup(addr)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if s.tag != tag {
		a.mu.Unlock()
		return nil, ErrTypeMismatch
	}
	if s.state == slotBorrowed {
		a.mu.Unlock()
		return nil, ErrHandleBusy
	}

	v := s.value
	s.value = nil
	s.state = slotBorrowed
	a.mu.Unlock()

	a.notify(Event{Type: EventBorrowed, Addr: addr, Tag: tag})
	return v, nil
}

// repark returns a borrowed value to its slot. If the arena was closed in
// the meantime the value is finalized instead.
func (a *Arena) repark(addr Addr, v any) error {
	a.mu.Lock()
	s, err := a.lookup(addr)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if s.state != slotBorrowed {
		a.mu.Unlock()
		return ErrLeaseDone
	}
	if a.closed {
		tag := s.tag
		a.release(addr.Index)
		a.mu.Unlock()
		a.notify(Event{Type: EventDestroyed, Addr: addr, Tag: tag})
		return finalize(v)
	}
	s.value = v
	s.state = slotParked
	tag := s.tag
	a.mu.Unlock()

	a.notify(Event{Type: EventReparked, Addr: addr, Tag: tag})
	return nil
}

// destroy frees a borrowed slot and finalizes v.
func (a *Arena) destroy(addr Addr, v any) error {
	a.mu.Lock()
	s, err := a.lookup(addr)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if s.state != slotBorrowed {
		a.mu.Unlock()
		return ErrLeaseDone
	}
	tag := s.tag
	a.release(addr.Index)
	a.mu.Unlock()

	a.notify(Event{Type: EventDestroyed, Addr: addr, Tag: tag})
	return finalize(v)
}

// release frees slot idx and bumps its generation. A slot whose generation
// would wrap is retired so no address is ever issued twice. Caller holds a.mu.
func (a *Arena) release(idx uint32) {
	s := &a.slots[idx]
	s.value = nil
	s.tag = Tag{}
	s.state = slotFree
	a.live--
	if s.gen == math.MaxUint32 {
		return
	}
	s.gen++
	a.freeList = append(a.freeList, idx)
}

// Close finalizes every parked value and rejects further use. Values that
// are borrowed when Close runs are finalized when their lease ends.
func (a *Arena) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true

	var (
		values []any
		events []Event
	)
	for i := range a.slots {
		s := &a.slots[i]
		if s.state != slotParked {
			continue
		}
		values = append(values, s.value)
		events = append(events, Event{Type: EventDestroyed, Addr: Addr{Index: uint32(i), Generation: s.gen}, Tag: s.tag})
		a.release(uint32(i))
	}
	a.mu.Unlock()

	var err error
	for i, v := range values {
		a.notify(events[i])
		err = multierr.Append(err, finalize(v))
	}
	return err
}

func (a *Arena) notify(e Event) {
	for _, o := range a.observers {
		o.OnHandleEvent(e)
	}
}

func finalize(v any) error {
	switch x := v.(type) {
	case io.Closer:
		return x.Close()
	case Dropper:
		x.Drop()
	}
	return nil
}
