package txverify

import (
	"math/rand/v2"

	"github.com/me/vmsched/internal/scenario"
	"github.com/me/vmsched/pkg/model"
)

// ScenarioTxSeedOffset is added to a scenario's seed to derive the seed of
// the transaction that carries it.
const ScenarioTxSeedOffset = 10

// BuildMockTx builds a transaction whose single input is locked by program.
// The program lives in a type-addressed code cell dep and data is carried
// as witness 0. Random hashes and args are drawn from seed.
func BuildMockTx(seed uint64, program []byte, data []byte) *model.MockTransaction {
	rng := scenario.NewRand(seed)

	codeType := randomScript(rng, model.HashTypeType)
	codeDep := model.MockCellDep{
		CellDep: model.CellDep{OutPoint: randomOutPoint(rng), DepType: model.DepTypeCode},
		Output:  model.CellOutput{Type: &codeType},
		Data:    program,
	}

	input := model.MockInput{
		Input: model.CellInput{PreviousOutput: randomOutPoint(rng)},
		Output: model.CellOutput{Lock: model.Script{
			CodeHash: codeType.Hash(),
			HashType: model.HashTypeType,
		}},
		Data: model.Bytes{},
	}

	return &model.MockTransaction{
		MockInfo: model.MockInfo{
			Inputs:   []model.MockInput{input},
			CellDeps: []model.MockCellDep{codeDep},
		},
		Tx: model.Transaction{
			CellDeps:    []model.CellDep{codeDep.CellDep},
			HeaderDeps:  []model.Hash{},
			Inputs:      []model.CellInput{input.Input},
			Outputs:     []model.CellOutput{{}},
			OutputsData: []model.Bytes{{}},
			Witnesses:   []model.Bytes{data},
		},
	}
}

func randomHash(rng *rand.Rand) model.Hash {
	var h model.Hash
	for i := range h {
		h[i] = byte(rng.Uint32())
	}
	return h
}

func randomOutPoint(rng *rand.Rand) model.OutPoint {
	return model.OutPoint{TxHash: randomHash(rng)}
}

func randomScript(rng *rand.Rand, t model.ScriptHashType) model.Script {
	args := make(model.Bytes, 1+rng.IntN(100))
	for i := range args {
		args[i] = byte(rng.Uint32())
	}
	return model.Script{CodeHash: randomHash(rng), HashType: t, Args: args}
}
