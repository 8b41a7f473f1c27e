package txverify

import (
	"github.com/me/vmsched/internal/vm"
)

// groupTx is the read-only context a script group's scheduler is bound to.
type groupTx struct {
	rtx     *ResolvedTx
	group   *ScriptGroup
	program []byte
}

func (t *groupTx) Program() []byte    { return t.program }
func (t *groupTx) ScriptArgs() []byte { return t.group.Script.Args }

// LoadWitness returns a witness. Input and Output index the witness list
// directly; the group sources go through the group's cell indices.
func (t *groupTx) LoadWitness(index uint64, source vm.Source) ([]byte, error) {
	switch source {
	case vm.SourceInput, vm.SourceOutput:
	case vm.SourceGroupInput:
		i, err := groupIndex(t.group.InputIndices, index)
		if err != nil {
			return nil, err
		}
		index = i
	case vm.SourceGroupOutput:
		i, err := groupIndex(t.group.OutputIndices, index)
		if err != nil {
			return nil, err
		}
		index = i
	default:
		return nil, vm.ErrIndexOutOfBound
	}
	witnesses := t.rtx.Tx.Witnesses
	if index >= uint64(len(witnesses)) {
		return nil, vm.ErrIndexOutOfBound
	}
	return witnesses[index], nil
}

// LoadCellData returns the data of an input, output or cell dep.
func (t *groupTx) LoadCellData(index uint64, source vm.Source) ([]byte, error) {
	switch source {
	case vm.SourceInput:
		return cellData(t.rtx.Inputs, index)
	case vm.SourceCellDep:
		return cellData(t.rtx.CellDeps, index)
	case vm.SourceOutput:
		return outputData(t.rtx, index)
	case vm.SourceGroupInput:
		i, err := groupIndex(t.group.InputIndices, index)
		if err != nil {
			return nil, err
		}
		return cellData(t.rtx.Inputs, i)
	case vm.SourceGroupOutput:
		i, err := groupIndex(t.group.OutputIndices, index)
		if err != nil {
			return nil, err
		}
		return outputData(t.rtx, i)
	case vm.SourceHeaderDep:
		return nil, vm.ErrItemMissing
	}
	return nil, vm.ErrIndexOutOfBound
}

func groupIndex(indices []int, index uint64) (uint64, error) {
	if index >= uint64(len(indices)) {
		return 0, vm.ErrIndexOutOfBound
	}
	return uint64(indices[index]), nil
}

func cellData(cells []Cell, index uint64) ([]byte, error) {
	if index >= uint64(len(cells)) {
		return nil, vm.ErrIndexOutOfBound
	}
	return cells[index].Data, nil
}

func outputData(rtx *ResolvedTx, index uint64) ([]byte, error) {
	if index >= uint64(len(rtx.Tx.OutputsData)) {
		return nil, vm.ErrIndexOutOfBound
	}
	return rtx.Tx.OutputsData[index], nil
}
