package txverify

import (
	"github.com/cockroachdb/errors"

	"github.com/me/vmsched/pkg/model"
)

var (
	// ErrUnresolvedCell means an input or cell dep has no matching mock cell.
	ErrUnresolvedCell = errors.New("unresolved cell")
	// ErrScriptNotFound means no cell dep carries the program a script names.
	ErrScriptNotFound = errors.New("script program not found")
	// ErrAmbiguousScript means several cell deps with different data match
	// a type-addressed script.
	ErrAmbiguousScript = errors.New("ambiguous script program")
)

// Cell is an on-chain output together with its data.
type Cell struct {
	Output model.CellOutput
	Data   []byte
}

// ResolvedTx is a transaction whose inputs and cell deps are resolved to
// the cells they reference.
type ResolvedTx struct {
	Tx       *model.Transaction
	Inputs   []Cell
	CellDeps []Cell
}

// Resolve matches every input and cell dep of mtx against its mock info.
func Resolve(mtx *model.MockTransaction) (*ResolvedTx, error) {
	if err := mtx.Validate(); err != nil {
		return nil, err
	}
	rtx := &ResolvedTx{Tx: &mtx.Tx}
	for i, in := range mtx.Tx.Inputs {
		cell, ok := findInput(mtx.MockInfo.Inputs, in.PreviousOutput)
		if !ok {
			return nil, errors.Wrapf(ErrUnresolvedCell, "input %d (%s:%d)", i, in.PreviousOutput.TxHash, in.PreviousOutput.Index)
		}
		rtx.Inputs = append(rtx.Inputs, cell)
	}
	for i, dep := range mtx.Tx.CellDeps {
		cell, ok := findCellDep(mtx.MockInfo.CellDeps, dep.OutPoint)
		if !ok {
			return nil, errors.Wrapf(ErrUnresolvedCell, "cell dep %d (%s:%d)", i, dep.OutPoint.TxHash, dep.OutPoint.Index)
		}
		rtx.CellDeps = append(rtx.CellDeps, cell)
	}
	return rtx, nil
}

func findInput(inputs []model.MockInput, op model.OutPoint) (Cell, bool) {
	for _, in := range inputs {
		if in.Input.PreviousOutput == op {
			return Cell{Output: in.Output, Data: in.Data}, true
		}
	}
	return Cell{}, false
}

func findCellDep(deps []model.MockCellDep, op model.OutPoint) (Cell, bool) {
	for _, dep := range deps {
		if dep.CellDep.OutPoint == op {
			return Cell{Output: dep.Output, Data: dep.Data}, true
		}
	}
	return Cell{}, false
}

// ScriptGroup is the set of inputs and outputs guarded by one script.
type ScriptGroup struct {
	Type          model.ScriptGroupType
	Hash          model.Hash
	Script        model.Script
	InputIndices  []int
	OutputIndices []int
}

// Groups returns the lock groups of the inputs followed by the type groups
// of inputs and outputs, each in order of first appearance.
func (r *ResolvedTx) Groups() []*ScriptGroup {
	var locks, types []*ScriptGroup
	lockIdx := map[model.Hash]*ScriptGroup{}
	typeIdx := map[model.Hash]*ScriptGroup{}

	group := func(idx map[model.Hash]*ScriptGroup, list *[]*ScriptGroup, t model.ScriptGroupType, s model.Script) *ScriptGroup {
		h := s.Hash()
		g, ok := idx[h]
		if !ok {
			g = &ScriptGroup{Type: t, Hash: h, Script: s}
			idx[h] = g
			*list = append(*list, g)
		}
		return g
	}

	for i, in := range r.Inputs {
		g := group(lockIdx, &locks, model.ScriptGroupTypeLock, in.Output.Lock)
		g.InputIndices = append(g.InputIndices, i)
		if in.Output.Type != nil {
			g := group(typeIdx, &types, model.ScriptGroupTypeType, *in.Output.Type)
			g.InputIndices = append(g.InputIndices, i)
		}
	}
	for i, out := range r.Tx.Outputs {
		if out.Type != nil {
			g := group(typeIdx, &types, model.ScriptGroupTypeType, *out.Type)
			g.OutputIndices = append(g.OutputIndices, i)
		}
	}
	return append(locks, types...)
}

// Program returns the code a script runs. Data-addressed scripts match a
// cell dep by the hash of its data, type-addressed scripts by the hash of
// its type script.
func (r *ResolvedTx) Program(s model.Script) ([]byte, error) {
	switch s.HashType {
	case model.HashTypeData:
		for _, dep := range r.CellDeps {
			if model.DataHash(dep.Data) == s.CodeHash {
				return dep.Data, nil
			}
		}
	case model.HashTypeType:
		var found []byte
		var ok bool
		for _, dep := range r.CellDeps {
			if dep.Output.Type == nil || dep.Output.Type.Hash() != s.CodeHash {
				continue
			}
			if ok && model.DataHash(found) != model.DataHash(dep.Data) {
				return nil, errors.Wrapf(ErrAmbiguousScript, "code hash %s", s.CodeHash)
			}
			found, ok = dep.Data, true
		}
		if ok {
			return found, nil
		}
	default:
		return nil, errors.Newf("unknown hash type %q", s.HashType)
	}
	return nil, errors.Wrapf(ErrScriptNotFound, "code hash %s (%s)", s.CodeHash, s.HashType)
}
