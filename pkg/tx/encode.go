package tx

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-bridge/pkg/types"
)

// ErrTruncated is returned when raw transaction bytes end early.
var ErrTruncated = errors.New("raw transaction truncated")

// Encode serializes the full transaction, signatures included.
// Format: version(4) | input_count(4) |
// [txid(32) + index(4) + sig_len(4) + sig + pubkey_len(4) + pubkey]... |
// outputs as in SigningBytes | locktime(8)
func (tx *Transaction) Encode() []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Signature)))
		buf = append(buf, in.Signature...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.PubKey)))
		buf = append(buf, in.PubKey...)
	}

	buf = appendOutputs(buf, tx.Outputs)
	buf = binary.LittleEndian.AppendUint64(buf, tx.LockTime)
	return buf
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// bytes reads a length-prefixed field no longer than max.
func (r *reader) bytes(max int) ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(max) {
		return nil, fmt.Errorf("field length %d exceeds %d", n, max)
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return append([]byte(nil), b...), nil
}

// Decode parses bytes produced by Encode.
func Decode(raw []byte) (*Transaction, error) {
	r := &reader{buf: raw}
	tx := &Transaction{}
	var err error

	if tx.Version, err = r.u32(); err != nil {
		return nil, err
	}

	nIn, err := r.u32()
	if err != nil {
		return nil, err
	}
	if nIn > MaxTxInputs {
		return nil, fmt.Errorf("%w: %d inputs, max %d", ErrTooManyInputs, nIn, MaxTxInputs)
	}
	tx.Inputs = make([]Input, nIn)
	for i := range tx.Inputs {
		id, err := r.take(types.HashSize)
		if err != nil {
			return nil, err
		}
		copy(tx.Inputs[i].PrevOut.TxID[:], id)
		if tx.Inputs[i].PrevOut.Index, err = r.u32(); err != nil {
			return nil, err
		}
		if tx.Inputs[i].Signature, err = r.bytes(maxSigSize); err != nil {
			return nil, fmt.Errorf("input %d signature: %w", i, err)
		}
		if tx.Inputs[i].PubKey, err = r.bytes(maxPubKeySize); err != nil {
			return nil, fmt.Errorf("input %d pubkey: %w", i, err)
		}
	}

	nOut, err := r.u32()
	if err != nil {
		return nil, err
	}
	if nOut > MaxTxOutputs {
		return nil, fmt.Errorf("%w: %d outputs, max %d", ErrTooManyOutputs, nOut, MaxTxOutputs)
	}
	tx.Outputs = make([]Output, nOut)
	for i := range tx.Outputs {
		if tx.Outputs[i].Value, err = r.u64(); err != nil {
			return nil, err
		}
		typ, err := r.take(1)
		if err != nil {
			return nil, err
		}
		tx.Outputs[i].Script.Type = types.ScriptType(typ[0])
		if tx.Outputs[i].Script.Data, err = r.bytes(MaxScriptData); err != nil {
			return nil, fmt.Errorf("output %d script: %w", i, err)
		}
	}

	if tx.LockTime, err = r.u64(); err != nil {
		return nil, err
	}
	if r.off != len(raw) {
		return nil, fmt.Errorf("%d trailing bytes after transaction", len(raw)-r.off)
	}
	return tx, nil
}
