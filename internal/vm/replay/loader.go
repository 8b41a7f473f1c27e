package replay

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"github.com/me/vmsched/internal/vm"
)

// Magic is the whole replay program: the scenario itself travels in the
// witness.
var Magic = []byte("RPL\x01")

// Program returns the replay contract's cell data.
func Program() []byte {
	return append([]byte(nil), Magic...)
}

// Loader loads and restores replay machines.
type Loader struct{}

// NewLoader returns a Loader.
func NewLoader() *Loader { return &Loader{} }

// Format implements vm.Loader.
func (l *Loader) Format() vm.Format { return vm.FormatReplay }

// Magic implements vm.Loader.
func (l *Loader) Magic() []byte { return Magic }

// Load reads the scenario from the first group-input witness. Loading the
// witness is charged at the machine's first run.
func (l *Loader) Load(env vm.Env, program []byte, argv [][]byte) (vm.Machine, error) {
	if !bytes.HasPrefix(program, Magic) {
		return nil, errors.Wrap(vm.ErrUnknownFormat, "missing replay magic")
	}
	witness, err := env.LoadWitness(0, vm.SourceGroupInput)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "load scenario witness"), vm.ErrResource)
	}
	m, err := newMachine(witness, argv)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "replay"), vm.ErrResource)
	}
	m.deferred = uint64(len(witness)) * CostByte
	return m, nil
}

// Restore implements vm.Loader. Everything, the scenario included, comes
// from the image.
func (l *Loader) Restore(_ vm.Env, image []byte) (vm.Machine, error) {
	m, err := unmarshalMachine(image)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "replay image"), vm.ErrInvalidImage)
	}
	return m, nil
}
