package model

import (
	"encoding/json"
	"testing"
)

func sampleMockTx() *MockTransaction {
	lock := Script{CodeHash: DataHash([]byte("code")), HashType: HashTypeData, Args: Bytes{1, 2}}
	in := MockInput{
		Input:  CellInput{PreviousOutput: OutPoint{TxHash: DataHash([]byte("prev")), Index: 1}},
		Output: CellOutput{Capacity: 100, Lock: lock},
	}
	dep := MockCellDep{
		CellDep: CellDep{OutPoint: OutPoint{TxHash: DataHash([]byte("dep"))}, DepType: DepTypeCode},
		Data:    Bytes("code"),
	}
	return &MockTransaction{
		MockInfo: MockInfo{Inputs: []MockInput{in}, CellDeps: []MockCellDep{dep}},
		Tx: Transaction{
			CellDeps:    []CellDep{dep.CellDep},
			Inputs:      []CellInput{in.Input},
			Outputs:     []CellOutput{{Capacity: 100, Lock: lock}},
			OutputsData: []Bytes{{}},
			Witnesses:   []Bytes{Bytes("witness")},
		},
	}
}

func TestMockTransaction_JSON(t *testing.T) {
	mtx := sampleMockTx()
	data, err := json.Marshal(mtx)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got MockTransaction
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Tx.Hash() != mtx.Tx.Hash() {
		t.Error("transaction hash changed across JSON")
	}
	if string(got.Tx.Witnesses[0]) != "witness" {
		t.Errorf("witness = %q", got.Tx.Witnesses[0])
	}
}

func TestBytes_JSONForm(t *testing.T) {
	data, err := json.Marshal(Bytes{0xab, 0x01})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"0xab01"` {
		t.Errorf("got %s, want \"0xab01\"", data)
	}
	var b Bytes
	if err := json.Unmarshal([]byte(`"ab01"`), &b); err != nil {
		t.Fatalf("unprefixed hex: %v", err)
	}
	if err := json.Unmarshal([]byte(`"0xzz"`), &b); err == nil {
		t.Error("expected error for invalid hex")
	}
}

func TestHash_RejectsWrongLength(t *testing.T) {
	var h Hash
	if err := json.Unmarshal([]byte(`"0x0102"`), &h); err == nil {
		t.Error("expected error for short hash")
	}
}

func TestScript_Hash(t *testing.T) {
	a := Script{CodeHash: DataHash([]byte("x")), HashType: HashTypeData, Args: Bytes{1}}
	b := a
	b.HashType = HashTypeType
	c := a
	c.Args = Bytes{1, 0}
	if a.Hash() == b.Hash() || a.Hash() == c.Hash() {
		t.Error("distinct scripts share a hash")
	}
	if a.Hash() != (Script{CodeHash: a.CodeHash, HashType: HashTypeData, Args: Bytes{1}}).Hash() {
		t.Error("equal scripts hash differently")
	}
}

func TestTransaction_HashExcludesWitnesses(t *testing.T) {
	mtx := sampleMockTx()
	before := mtx.Tx.Hash()
	mtx.Tx.Witnesses = append(mtx.Tx.Witnesses, Bytes("more"))
	if mtx.Tx.Hash() != before {
		t.Error("witnesses changed the transaction hash")
	}
	mtx.Tx.Outputs[0].Capacity++
	if mtx.Tx.Hash() == before {
		t.Error("output capacity did not change the transaction hash")
	}
}

func TestMockTransaction_Validate(t *testing.T) {
	if err := sampleMockTx().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	mtx := sampleMockTx()
	mtx.MockInfo.Inputs = nil
	if err := mtx.Validate(); err == nil {
		t.Error("expected error for missing mock inputs")
	}

	mtx = sampleMockTx()
	mtx.Tx.CellDeps[0].DepType = DepTypeDepGroup
	err := mtx.Validate()
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Code != ErrValidation || len(apiErr.Details) != 1 {
		t.Fatalf("err = %v, want one validation detail", err)
	}
	if apiErr.Details[0].Path != "0" {
		t.Errorf("path = %q, want \"0\"", apiErr.Details[0].Path)
	}
}
