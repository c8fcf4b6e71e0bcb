package wallet

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-bridge/internal/storage"
	"github.com/Klingon-tech/klingnet-bridge/pkg/crypto"
	"github.com/Klingon-tech/klingnet-bridge/pkg/tx"
	"github.com/Klingon-tech/klingnet-bridge/pkg/types"
)

// Key prefixes for the wallet store.
var (
	keyDescriptor = []byte("m/desc")  // m/desc -> fingerprint of the public descriptors
	prefixNext    = []byte("m/next/") // m/next/<keychain> -> next unused index (uint32 BE)
	prefixAddr    = []byte("a/")      // a/<addr(20)> -> derivation JSON
	prefixUTXO    = []byte("u/")      // u/<txid(32)><index(4)> -> UTXO JSON
	prefixTx      = []byte("t/")      // t/<txid(32)> -> TxDetails JSON
)

// ErrDescriptorMismatch is returned when a database was created for other descriptors.
var ErrDescriptorMismatch = errors.New("database belongs to different descriptors")

// derivation records which key an address belongs to.
type derivation struct {
	Keychain Keychain `json:"keychain"`
	Index    uint32   `json:"index"`
}

// TxDetails summarizes a transaction from the wallet's point of view.
type TxDetails struct {
	Transaction *tx.Transaction `json:"transaction,omitempty"`
	TxID        types.Hash      `json:"txid"`
	Timestamp   int64           `json:"timestamp"`
	Received    uint64          `json:"received"`
	Sent        uint64          `json:"sent"`
	Fees        *uint64         `json:"fees,omitempty"`
	Height      *uint64         `json:"height,omitempty"`
}

// store keeps wallet state in a storage.DB.
type store struct {
	db storage.DB
}

func utxoKey(op types.Outpoint) []byte {
	key := make([]byte, len(prefixUTXO)+types.HashSize+4)
	copy(key, prefixUTXO)
	copy(key[len(prefixUTXO):], op.TxID[:])
	binary.BigEndian.PutUint32(key[len(prefixUTXO)+types.HashSize:], op.Index)
	return key
}

func addrKey(addr types.Address) []byte {
	return append(append([]byte(nil), prefixAddr...), addr[:]...)
}

func txKey(id types.Hash) []byte {
	return append(append([]byte(nil), prefixTx...), id[:]...)
}

func nextKey(k Keychain) []byte {
	return append(append([]byte(nil), prefixNext...), byte(k))
}

// checkDescriptors binds the database to a set of public descriptors on
// first use and rejects any other set afterwards.
func (s *store) checkDescriptors(public ...string) error {
	parts := make([][]byte, len(public))
	for i, d := range public {
		parts[i] = []byte(d)
	}
	fp := crypto.HashParts("klingnet-bridge/descriptors", parts...)

	have, err := s.db.Get(keyDescriptor)
	if errors.Is(err, storage.ErrNotFound) {
		return s.db.Put(keyDescriptor, fp[:])
	}
	if err != nil {
		return fmt.Errorf("read descriptor fingerprint: %w", err)
	}
	if string(have) != string(fp[:]) {
		return ErrDescriptorMismatch
	}
	return nil
}

// nextIndex returns the next unused address index for a keychain.
func (s *store) nextIndex(k Keychain) (uint32, error) {
	data, err := s.db.Get(nextKey(k))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s index: %w", k, err)
	}
	if len(data) != 4 {
		return 0, fmt.Errorf("corrupt %s index", k)
	}
	return binary.BigEndian.Uint32(data), nil
}

func (s *store) setNextIndex(b storage.Batch, k Keychain, idx uint32) error {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], idx)
	return b.Put(nextKey(k), v[:])
}

// putAddress records the derivation of an address.
func (s *store) putAddress(b storage.Batch, addr types.Address, d derivation) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("address marshal: %w", err)
	}
	return b.Put(addrKey(addr), data)
}

// address looks up the derivation of an address.
func (s *store) address(addr types.Address) (*derivation, error) {
	data, err := s.db.Get(addrKey(addr))
	if err != nil {
		return nil, err
	}
	var d derivation
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("address unmarshal: %w", err)
	}
	return &d, nil
}

func (s *store) utxo(op types.Outpoint) (*UTXO, error) {
	data, err := s.db.Get(utxoKey(op))
	if err != nil {
		return nil, err
	}
	var u UTXO
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("utxo unmarshal: %w", err)
	}
	return &u, nil
}

func (s *store) putUTXO(b storage.Batch, u *UTXO) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("utxo marshal: %w", err)
	}
	return b.Put(utxoKey(u.Outpoint), data)
}

// utxos returns every unspent output the wallet knows about.
func (s *store) utxos() ([]UTXO, error) {
	var out []UTXO
	err := s.db.ForEach(prefixUTXO, func(_, value []byte) error {
		var u UTXO
		if err := json.Unmarshal(value, &u); err != nil {
			return fmt.Errorf("utxo unmarshal: %w", err)
		}
		out = append(out, u)
		return nil
	})
	return out, err
}

func (s *store) tx(id types.Hash) (*TxDetails, error) {
	data, err := s.db.Get(txKey(id))
	if err != nil {
		return nil, err
	}
	var d TxDetails
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("tx unmarshal: %w", err)
	}
	return &d, nil
}

func (s *store) putTx(b storage.Batch, d *TxDetails) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("tx marshal: %w", err)
	}
	return b.Put(txKey(d.TxID), data)
}

func (s *store) txs() ([]TxDetails, error) {
	var out []TxDetails
	err := s.db.ForEach(prefixTx, func(_, value []byte) error {
		var d TxDetails
		if err := json.Unmarshal(value, &d); err != nil {
			return fmt.Errorf("tx unmarshal: %w", err)
		}
		out = append(out, d)
		return nil
	})
	return out, err
}
