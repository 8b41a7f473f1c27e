package model

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

// Bytes is a byte slice that encodes to JSON as a 0x-prefixed hex string.
type Bytes []byte

// MarshalJSON implements json.Marshaler.
func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal("0x" + hex.EncodeToString(b))
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "bytes")
	}
	decoded, err := decodeHex(s)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// Hash is a 32-byte blake2b digest.
type Hash [32]byte

// String returns the 0x-prefixed hex form.
func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// MarshalJSON implements json.Marshaler.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "hash")
	}
	parsed, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses a hex hash, with or without the 0x prefix.
func ParseHash(s string) (Hash, error) {
	var h Hash
	decoded, err := decodeHex(s)
	if err != nil {
		return h, err
	}
	if len(decoded) != len(h) {
		return h, errors.Newf("hash must be %d bytes, got %d", len(h), len(decoded))
	}
	copy(h[:], decoded)
	return h, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrapf(err, "decode hex %q", s)
	}
	return out, nil
}

// ScriptHashType selects how a script's code hash locates its program.
type ScriptHashType string

const (
	// HashTypeData matches a cell dep whose data hash equals the code hash.
	HashTypeData ScriptHashType = "data"
	// HashTypeType matches a cell dep whose type script hash equals the code hash.
	HashTypeType ScriptHashType = "type"
)

// Script names the program that guards a cell plus its arguments.
type Script struct {
	CodeHash Hash           `json:"code_hash"`
	HashType ScriptHashType `json:"hash_type"`
	Args     Bytes          `json:"args"`
}

// OutPoint references an output of a previous transaction.
type OutPoint struct {
	TxHash Hash   `json:"tx_hash"`
	Index  uint32 `json:"index"`
}

// CellInput consumes a live cell.
type CellInput struct {
	PreviousOutput OutPoint `json:"previous_output"`
	Since          uint64   `json:"since"`
}

// CellOutput is the on-chain part of a cell.
type CellOutput struct {
	Capacity uint64  `json:"capacity"`
	Lock     Script  `json:"lock"`
	Type     *Script `json:"type,omitempty"`
}

// DepType distinguishes plain code deps from dep groups.
type DepType string

const (
	DepTypeCode     DepType = "code"
	DepTypeDepGroup DepType = "dep_group"
)

// CellDep references a cell whose data is made available to scripts.
type CellDep struct {
	OutPoint OutPoint `json:"out_point"`
	DepType  DepType  `json:"dep_type"`
}

// Transaction is the part of a transaction that is committed on chain.
type Transaction struct {
	Version     uint32       `json:"version"`
	CellDeps    []CellDep    `json:"cell_deps"`
	HeaderDeps  []Hash       `json:"header_deps"`
	Inputs      []CellInput  `json:"inputs"`
	Outputs     []CellOutput `json:"outputs"`
	OutputsData []Bytes      `json:"outputs_data"`
	Witnesses   []Bytes      `json:"witnesses"`
}

// MockInput pairs an input with the cell it consumes.
type MockInput struct {
	Input  CellInput  `json:"input"`
	Output CellOutput `json:"output"`
	Data   Bytes      `json:"data"`
}

// MockCellDep pairs a cell dep with the cell it references.
type MockCellDep struct {
	CellDep CellDep    `json:"cell_dep"`
	Output  CellOutput `json:"output"`
	Data    Bytes      `json:"data"`
}

// MockInfo carries every cell a transaction references, so it can be
// verified without a chain.
type MockInfo struct {
	Inputs   []MockInput   `json:"inputs"`
	CellDeps []MockCellDep `json:"cell_deps"`
}

// MockTransaction is a self-contained transaction plus its resolved cells.
type MockTransaction struct {
	MockInfo MockInfo    `json:"mock_info"`
	Tx       Transaction `json:"tx"`
}

// Validate checks that the mock info lines up with the transaction.
func (m *MockTransaction) Validate() error {
	if len(m.MockInfo.Inputs) != len(m.Tx.Inputs) {
		return NewValidationError("mock info does not match transaction",
			FieldError{Field: "mock_info.inputs", Message: "length differs from tx.inputs"})
	}
	if len(m.MockInfo.CellDeps) != len(m.Tx.CellDeps) {
		return NewValidationError("mock info does not match transaction",
			FieldError{Field: "mock_info.cell_deps", Message: "length differs from tx.cell_deps"})
	}
	for i, dep := range m.Tx.CellDeps {
		if dep.DepType != DepTypeCode {
			return NewValidationError("unsupported cell dep",
				FieldError{Field: "tx.cell_deps", Path: itoa(i), Message: "only code deps are supported"})
		}
	}
	return nil
}
