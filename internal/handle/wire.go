package handle

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Addr names an arena slot at one generation.
type Addr struct {
	Index      uint32
	Generation uint32
}

// Raw packs the address into its 8-byte wire form: generation in the high
// word, index+1 in the low word. The all-zero value never names a slot.
func (a Addr) Raw() [8]byte {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(a.Generation)<<32|uint64(a.Index+1))
	return raw
}

func addrFromRaw(raw [8]byte) (Addr, error) {
	v := binary.BigEndian.Uint64(raw[:])
	lo := uint32(v)
	if lo == 0 {
		return Addr{}, fmt.Errorf("%w: zero slot", ErrMalformedHandle)
	}
	return Addr{Index: lo - 1, Generation: uint32(v >> 32)}, nil
}

// Wire is the serializable form of a handle: an 8-byte slot address and an
// 8-byte kind tag, both big-endian. In JSON it is two arrays of eight
// integers in 0..255.
type Wire struct {
	Raw [8]byte
	ID  Tag
}

type wireJSON struct {
	Raw []int `json:"raw"`
	ID  []int `json:"id"`
}

// MarshalJSON encodes the wire handle as {"raw":[...],"id":[...]}.
func (w Wire) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireJSON{Raw: bytesToInts(w.Raw), ID: bytesToInts(w.ID)})
}

// UnmarshalJSON decodes {"raw":[...],"id":[...]}. Arrays must hold exactly
// eight integers in 0..255.
func (w *Wire) UnmarshalJSON(data []byte) error {
	var j wireJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHandle, err)
	}
	raw, err := intsToBytes("raw", j.Raw)
	if err != nil {
		return err
	}
	id, err := intsToBytes("id", j.ID)
	if err != nil {
		return err
	}
	w.Raw, w.ID = raw, id
	return nil
}

// String returns raw and id as hex, for logs.
func (w Wire) String() string {
	return hex.EncodeToString(w.Raw[:]) + ":" + w.ID.String()
}

func bytesToInts(b [8]byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

func intsToBytes(field string, in []int) ([8]byte, error) {
	var out [8]byte
	if len(in) != len(out) {
		return out, fmt.Errorf("%w: %s has %d elements, want %d", ErrMalformedHandle, field, len(in), len(out))
	}
	for i, v := range in {
		if v < 0 || v > 255 {
			return out, fmt.Errorf("%w: %s[%d] = %d out of byte range", ErrMalformedHandle, field, i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}
