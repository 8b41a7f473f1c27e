package model

import (
	"encoding/binary"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// DataHash returns the blake2b-256 digest of data.
func DataHash(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

// Hash returns the script hash, which identifies a script group.
func (s Script) Hash() Hash {
	h, _ := blake2b.New256(nil)
	h.Write(s.CodeHash[:])
	h.Write([]byte(s.HashType))
	h.Write(lenPrefix(len(s.Args)))
	h.Write(s.Args)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Hash returns the transaction hash. Witnesses are excluded.
func (tx *Transaction) Hash() Hash {
	h, _ := blake2b.New256(nil)
	h.Write(u32(tx.Version))
	h.Write(lenPrefix(len(tx.CellDeps)))
	for _, dep := range tx.CellDeps {
		h.Write(dep.OutPoint.TxHash[:])
		h.Write(u32(dep.OutPoint.Index))
		h.Write([]byte(dep.DepType))
	}
	h.Write(lenPrefix(len(tx.HeaderDeps)))
	for _, hd := range tx.HeaderDeps {
		h.Write(hd[:])
	}
	h.Write(lenPrefix(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		h.Write(in.PreviousOutput.TxHash[:])
		h.Write(u32(in.PreviousOutput.Index))
		h.Write(u64(in.Since))
	}
	h.Write(lenPrefix(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		h.Write(u64(out.Capacity))
		lock := out.Lock.Hash()
		h.Write(lock[:])
		if out.Type != nil {
			typ := out.Type.Hash()
			h.Write(typ[:])
		}
	}
	h.Write(lenPrefix(len(tx.OutputsData)))
	for _, d := range tx.OutputsData {
		h.Write(lenPrefix(len(d)))
		h.Write(d)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func lenPrefix(n int) []byte {
	return u32(uint32(n))
}

func u32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func u64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
