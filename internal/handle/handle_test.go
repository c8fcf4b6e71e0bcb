package handle

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

type counter struct {
	n      int
	closed int
}

func (c *counter) Close() error {
	c.closed++
	return nil
}

type note struct{ text string }

func testKinds(t *testing.T) (Kind[*counter], Kind[*note]) {
	t.Helper()
	reg := NewRegistry()
	return MustRegister[*counter](reg, "test.counter"), MustRegister[*note](reg, "test.note")
}

// wireTrip serializes w to JSON and back, the way a host would store it.
func wireTrip(t *testing.T, w Wire) Wire {
	t.Helper()
	data, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("marshal wire: %v", err)
	}
	var out Wire
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal wire %s: %v", data, err)
	}
	return out
}

func TestTagOf(t *testing.T) {
	if TagOf("wallet") != TagOf("wallet") {
		t.Fatal("TagOf is not deterministic")
	}
	if TagOf("wallet") == TagOf("counter") {
		t.Fatal("distinct names produced the same tag")
	}
	if TagOf("wallet") == (Tag{}) {
		t.Fatal("tag should not be zero")
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	k, err := Register[*counter](reg, "counter")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if k.Tag() != TagOf("counter") || k.Name() != "counter" {
		t.Fatalf("kind = %s/%s", k.Name(), k.Tag())
	}
	if name, ok := reg.Lookup(k.Tag()); !ok || name != "counter" {
		t.Fatalf("Lookup = %q, %v", name, ok)
	}

	if _, err := Register[*note](reg, "counter"); !errors.Is(err, ErrKindExists) {
		t.Fatalf("duplicate name error = %v, want ErrKindExists", err)
	}
	if _, err := Register[*note](reg, ""); err == nil {
		t.Fatal("empty name should be rejected")
	}
	if reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1", reg.Len())
	}
}

func TestWireJSON(t *testing.T) {
	w := Wire{Raw: [8]byte{0, 0, 0, 1, 0, 0, 0, 9}, ID: TagOf("counter")}
	data, err := json.Marshal(w)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte(`{"raw":[0,0,0,1,0,0,0,9],"id":[`)) {
		t.Fatalf("wire JSON = %s", data)
	}
	if got := wireTrip(t, w); got != w {
		t.Fatalf("roundtrip = %v, want %v", got, w)
	}
}

func TestWireJSON_Malformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"short raw", `{"raw":[1,2,3],"id":[1,2,3,4,5,6,7,8]}`},
		{"long id", `{"raw":[1,2,3,4,5,6,7,8],"id":[1,2,3,4,5,6,7,8,9]}`},
		{"missing id", `{"raw":[1,2,3,4,5,6,7,8]}`},
		{"byte overflow", `{"raw":[1,2,3,4,5,6,7,256],"id":[1,2,3,4,5,6,7,8]}`},
		{"negative", `{"raw":[1,2,3,4,5,6,7,-1],"id":[1,2,3,4,5,6,7,8]}`},
		{"string elements", `{"raw":"AAAAAAAAAAA=","id":[1,2,3,4,5,6,7,8]}`},
		{"not an object", `[1,2,3]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w Wire
			err := json.Unmarshal([]byte(tt.in), &w)
			if !errors.Is(err, ErrMalformedHandle) {
				t.Fatalf("Unmarshal(%s) error = %v, want ErrMalformedHandle", tt.in, err)
			}
		})
	}
}

func TestDecode_ZeroRaw(t *testing.T) {
	counterKind, _ := testKinds(t)
	_, err := Decode(counterKind, Wire{ID: counterKind.Tag()})
	if !errors.Is(err, ErrMalformedHandle) {
		t.Fatalf("Decode(zero raw) error = %v, want ErrMalformedHandle", err)
	}
}

func TestRoundTrip(t *testing.T) {
	counterKind, _ := testKinds(t)
	a := NewArena()
	c := &counter{n: 42}

	h, err := Encode(a, counterKind, c)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	h2, err := Decode(counterKind, wireTrip(t, h.Wire()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if h2 != h {
		t.Fatalf("decoded handle = %+v, want %+v", h2, h)
	}

	lease, err := Borrow(a, h2)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if lease.Value() != c || lease.Value().n != 42 {
		t.Fatalf("borrowed value = %+v, want the encoded counter", lease.Value())
	}
	if err := lease.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestTypeRejection(t *testing.T) {
	counterKind, noteKind := testKinds(t)
	a := NewArena()
	h, _ := Encode(a, counterKind, &counter{n: 1})

	if _, err := Decode(noteKind, h.Wire()); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("Decode as note error = %v, want ErrTypeMismatch", err)
	}

	// A handle forged with the note tag but the counter's address is
	// rejected by the slot's own tag.
	forged := Handle[*note]{addr: h.Addr(), tag: noteKind.Tag()}
	if _, err := Borrow(a, forged); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("Borrow forged error = %v, want ErrTypeMismatch", err)
	}

	// The counter is untouched and still borrowable.
	lease, err := Borrow(a, h)
	if err != nil {
		t.Fatalf("Borrow after rejections: %v", err)
	}
	if lease.Value().n != 1 {
		t.Fatalf("counter = %d, want 1", lease.Value().n)
	}
	lease.Release()
	if a.Len() != 1 {
		t.Fatalf("Len = %d, want 1", a.Len())
	}
}

func TestSingleDestroy(t *testing.T) {
	counterKind, _ := testKinds(t)
	a := NewArena()
	c := &counter{}
	h, _ := Encode(a, counterKind, c)
	w := h.Wire()

	lease, _ := Borrow(a, h)
	if err := lease.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if c.closed != 1 {
		t.Fatalf("finalizer ran %d times, want 1", c.closed)
	}

	h2, err := Decode(counterKind, w)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, err := Borrow(a, h2); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("Borrow after destroy error = %v, want ErrStaleHandle", err)
	}
	if c.closed != 1 {
		t.Fatalf("finalizer ran %d times after replay, want 1", c.closed)
	}
	if a.Len() != 0 {
		t.Fatalf("Len = %d, want 0", a.Len())
	}
}

func TestReparkStability(t *testing.T) {
	counterKind, _ := testKinds(t)
	a := NewArena()
	h, _ := Encode(a, counterKind, &counter{})
	want := h.Wire()

	w := want
	for i := 0; i < 100; i++ {
		hh, err := Decode(counterKind, wireTrip(t, w))
		if err != nil {
			t.Fatalf("call %d: Decode: %v", i, err)
		}
		lease, err := Borrow(a, hh)
		if err != nil {
			t.Fatalf("call %d: Borrow: %v", i, err)
		}
		lease.Value().n++
		if err := lease.Release(); err != nil {
			t.Fatalf("call %d: Release: %v", i, err)
		}
		w = hh.Wire()
		if w != want {
			t.Fatalf("call %d: wire changed from %v to %v", i, want, w)
		}
	}

	lease, _ := Borrow(a, h)
	defer lease.Release()
	if lease.Value().n != 100 {
		t.Fatalf("counter = %d, want 100", lease.Value().n)
	}
}

func TestCounterScenario(t *testing.T) {
	counterKind, _ := testKinds(t)
	a := NewArena()

	// create
	h, err := Encode(a, counterKind, &counter{n: 0})
	if err != nil {
		t.Fatal(err)
	}
	w := wireTrip(t, h.Wire())

	// increment
	hh, err := Decode(counterKind, w)
	if err != nil {
		t.Fatal(err)
	}
	lease, err := Borrow(a, hh)
	if err != nil {
		t.Fatal(err)
	}
	lease.Value().n++
	if lease.Value().n != 1 {
		t.Fatalf("increment returned %d, want 1", lease.Value().n)
	}
	lease.Release()

	// tampered tag
	tampered := w
	tampered.ID[0] ^= 0xff
	if _, err := Decode(counterKind, tampered); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("tampered Decode error = %v, want ErrTypeMismatch", err)
	}

	// destroy
	hh, _ = Decode(counterKind, w)
	lease, err = Borrow(a, hh)
	if err != nil {
		t.Fatalf("Borrow before destroy: %v", err)
	}
	if lease.Value().n != 1 {
		t.Fatalf("tampered call changed state: n = %d", lease.Value().n)
	}
	if err := lease.Destroy(); err != nil {
		t.Fatal(err)
	}

	// replay
	hh, _ = Decode(counterKind, w)
	if _, err := Borrow(a, hh); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("replay error = %v, want ErrStaleHandle", err)
	}
}

func TestIsolationUnderError(t *testing.T) {
	counterKind, _ := testKinds(t)
	a := NewArena()
	h, _ := Encode(a, counterKind, &counter{n: 7})

	failing := func(c *counter) error {
		if c.n > 0 {
			return errors.New("operation failed")
		}
		c.n = -1
		return nil
	}

	lease, _ := Borrow(a, h)
	if err := failing(lease.Value()); err == nil {
		t.Fatal("expected operation error")
	}
	if err := lease.Release(); err != nil {
		t.Fatalf("Release after failed op: %v", err)
	}

	lease, err := Borrow(a, h)
	if err != nil {
		t.Fatalf("Borrow after failed op: %v", err)
	}
	defer lease.Release()
	if lease.Value().n != 7 {
		t.Fatalf("state changed to %d, want 7", lease.Value().n)
	}
}

func TestBorrow_Busy(t *testing.T) {
	counterKind, _ := testKinds(t)
	a := NewArena()
	h, _ := Encode(a, counterKind, &counter{})

	lease, _ := Borrow(a, h)
	if _, err := Borrow(a, h); !errors.Is(err, ErrHandleBusy) {
		t.Fatalf("second Borrow error = %v, want ErrHandleBusy", err)
	}
	lease.Release()
	lease2, err := Borrow(a, h)
	if err != nil {
		t.Fatalf("Borrow after release: %v", err)
	}
	lease2.Release()
}

func TestLease_FinishOnce(t *testing.T) {
	counterKind, _ := testKinds(t)
	a := NewArena()
	c := &counter{}
	h, _ := Encode(a, counterKind, c)

	lease, _ := Borrow(a, h)
	if err := lease.Release(); err != nil {
		t.Fatal(err)
	}
	if err := lease.Release(); !errors.Is(err, ErrLeaseDone) {
		t.Fatalf("second Release error = %v, want ErrLeaseDone", err)
	}
	if err := lease.Destroy(); !errors.Is(err, ErrLeaseDone) {
		t.Fatalf("Destroy after Release error = %v, want ErrLeaseDone", err)
	}
	if lease.Value() != nil {
		t.Fatal("finished lease still exposes the value")
	}
	if c.closed != 0 {
		t.Fatal("value finalized by a finished lease")
	}
}

func TestSlotReuse(t *testing.T) {
	counterKind, _ := testKinds(t)
	a := NewArena()
	h1, _ := Encode(a, counterKind, &counter{n: 1})
	lease, _ := Borrow(a, h1)
	lease.Destroy()

	h2, _ := Encode(a, counterKind, &counter{n: 2})
	if h2.Addr().Index != h1.Addr().Index {
		t.Fatalf("freed slot not reused: %d vs %d", h2.Addr().Index, h1.Addr().Index)
	}
	if h2.Addr().Generation == h1.Addr().Generation {
		t.Fatal("generation not bumped on reuse")
	}
	if h1.Wire() == h2.Wire() {
		t.Fatal("reused slot produced an identical wire handle")
	}

	if _, err := Borrow(a, h1); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("old handle error = %v, want ErrStaleHandle", err)
	}
	lease, err := Borrow(a, h2)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()
	if lease.Value().n != 2 {
		t.Fatalf("reused slot value = %d, want 2", lease.Value().n)
	}
}

func TestBorrow_UnknownSlot(t *testing.T) {
	counterKind, _ := testKinds(t)
	a := NewArena()
	h, _ := Decode(counterKind, Wire{Raw: Addr{Index: 99}.Raw(), ID: counterKind.Tag()})
	if _, err := Borrow(a, h); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("Borrow(never issued) error = %v, want ErrStaleHandle", err)
	}
}

type failingCloser struct{ err error }

func (f *failingCloser) Close() error { return f.err }

type dropper struct{ dropped bool }

func (d *dropper) Drop() { d.dropped = true }

func TestArena_Close(t *testing.T) {
	reg := NewRegistry()
	counterKind := MustRegister[*counter](reg, "counter")
	closerKind := MustRegister[*failingCloser](reg, "closer")
	dropKind := MustRegister[*dropper](reg, "dropper")
	a := NewArena()

	parked := &counter{}
	borrowed := &counter{}
	d := &dropper{}
	Encode(a, counterKind, parked)
	Encode(a, closerKind, &failingCloser{err: errors.New("close one")})
	Encode(a, closerKind, &failingCloser{err: errors.New("close two")})
	Encode(a, dropKind, d)
	hb, _ := Encode(a, counterKind, borrowed)
	lease, _ := Borrow(a, hb)

	err := a.Close()
	if err == nil || !bytes.Contains([]byte(err.Error()), []byte("close one")) ||
		!bytes.Contains([]byte(err.Error()), []byte("close two")) {
		t.Fatalf("Close error = %v, want both close errors", err)
	}
	if parked.closed != 1 || !d.dropped {
		t.Fatal("parked values not finalized")
	}
	if borrowed.closed != 0 {
		t.Fatal("borrowed value finalized while in use")
	}

	if err := lease.Release(); err != nil {
		t.Fatalf("Release after Close: %v", err)
	}
	if borrowed.closed != 1 {
		t.Fatal("borrowed value not finalized when its lease ended")
	}
	if a.Len() != 0 {
		t.Fatalf("Len after Close = %d, want 0", a.Len())
	}

	if _, err := Encode(a, counterKind, &counter{}); !errors.Is(err, ErrArenaClosed) {
		t.Fatalf("Encode after Close error = %v, want ErrArenaClosed", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestArena_MaxLive(t *testing.T) {
	counterKind, _ := testKinds(t)
	a := NewArena(WithMaxLive(2))
	Encode(a, counterKind, &counter{})
	h, _ := Encode(a, counterKind, &counter{})
	if _, err := Encode(a, counterKind, &counter{}); !errors.Is(err, ErrArenaFull) {
		t.Fatalf("Encode past limit error = %v, want ErrArenaFull", err)
	}
	lease, _ := Borrow(a, h)
	lease.Destroy()
	if _, err := Encode(a, counterKind, &counter{}); err != nil {
		t.Fatalf("Encode after destroy: %v", err)
	}
}

func TestArena_Observer(t *testing.T) {
	counterKind, _ := testKinds(t)
	counts := make(map[EventType]int)
	a := NewArena(WithObserver(ObserverFunc(func(e Event) {
		counts[e.Type]++
	})))

	h, _ := Encode(a, counterKind, &counter{})
	for i := 0; i < 3; i++ {
		lease, _ := Borrow(a, h)
		lease.Release()
	}
	lease, _ := Borrow(a, h)
	lease.Destroy()

	want := map[EventType]int{EventCreated: 1, EventBorrowed: 4, EventReparked: 3, EventDestroyed: 1}
	for typ, n := range want {
		if counts[typ] != n {
			t.Errorf("%s events = %d, want %d", typ, counts[typ], n)
		}
	}
}
