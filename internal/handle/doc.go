// Package handle turns owned Go values into opaque tokens that a foreign
// host can store and hand back, and takes ownership back from those tokens.
//
// A value is parked in an Arena slot by Encode. The host only ever sees the
// slot address and the value's kind tag, serialized as a Wire. On every
// later call the Wire is decoded against the expected Kind, the slot is
// borrowed exclusively through a Lease, and the lease either re-parks the
// value (same address, same Wire) or destroys it (slot freed, generation
// bumped, value finalized).
//
//	Free --Encode--> Parked --Borrow--> Borrowed --Release--> Parked
//	                                             --Destroy--> Free (generation+1)
//
// A Wire for a destroyed or reused slot is rejected as stale, a Wire for a
// slot that is already borrowed is rejected as busy, and a Wire carrying
// another kind's tag is rejected as a type mismatch. None of these failures
// change slot state.
package handle
