// Package vm defines the boundary between the scheduler and the virtual
// machines it drives. Instruction semantics live behind Machine; the
// scheduler only sees traps, results, cycle counts and opaque images.
package vm

import (
	"bytes"
	"log/slog"
	"maps"
	"slices"

	"github.com/cockroachdb/errors"
)

// Format tags a machine implementation so images can be restored.
type Format uint8

const (
	FormatBytecode Format = 1
	FormatReplay   Format = 2
)

// Machine is one virtual machine instance.
type Machine interface {
	Format() Format
	// Run executes until the machine traps into the scheduler, the next
	// step would consume more than limit cycles (ErrCyclesExceeded), or a
	// fault occurs. An exit is reported as a SysExit trap.
	Run(limit uint64) (Trap, error)
	// Complete answers the trap returned by the last Run.
	Complete(res Result)
	// Cycles returns the cycles consumed since the machine was created.
	Cycles() uint64
	MarshalBinary() ([]byte, error)
}

// Env gives a machine read-only access to its transaction context.
type Env interface {
	InstanceID() uint64
	InheritedFds() []Fd
	LoadScriptArgs() []byte
	LoadWitness(index uint64, source Source) ([]byte, error)
	LoadCellData(index uint64, source Source) ([]byte, error)
	Debug(msg string)
}

// Loader creates machines of one format.
type Loader interface {
	Format() Format
	// Magic is the program prefix that selects this loader.
	Magic() []byte
	Load(env Env, program []byte, argv [][]byte) (Machine, error)
	Restore(env Env, image []byte) (Machine, error)
}

// Registry maps program magics and formats to loaders.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	loaders map[Format]Loader
	logger  *slog.Logger
}

// NewRegistry creates a Registry holding the given loaders.
func NewRegistry(logger *slog.Logger, loaders ...Loader) *Registry {
	r := &Registry{
		loaders: make(map[Format]Loader),
		logger:  logger.With("component", "vm-registry"),
	}
	for _, l := range loaders {
		r.Register(l)
	}
	return r
}

// Register adds a Loader, keyed by its Format().
func (r *Registry) Register(l Loader) {
	r.loaders[l.Format()] = l
	r.logger.Debug("loader registered", "format", l.Format(), "magic", string(l.Magic()))
}

// Load picks a loader by the program's magic prefix. When several magics
// match, the longest wins and equal lengths go to the lowest format.
func (r *Registry) Load(env Env, program []byte, argv [][]byte) (Machine, error) {
	var best Loader
	for _, f := range slices.Sorted(maps.Keys(r.loaders)) {
		l := r.loaders[f]
		if bytes.HasPrefix(program, l.Magic()) && (best == nil || len(l.Magic()) > len(best.Magic())) {
			best = l
		}
	}
	if best == nil {
		return nil, errors.Wrapf(ErrUnknownFormat, "program of %d bytes", len(program))
	}
	return best.Load(env, program, argv)
}

// Restore rebuilds a machine of the given format from its image.
func (r *Registry) Restore(env Env, format Format, image []byte) (Machine, error) {
	l, ok := r.loaders[format]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFormat, "format %d", format)
	}
	return l.Restore(env, image)
}

// SliceBounds applies packed spawn bounds (offset<<32 | length) to data.
func SliceBounds(data []byte, bounds uint64) ([]byte, Status) {
	offset := bounds >> 32
	length := bounds & 0xffffffff
	if offset > uint64(len(data)) {
		return nil, StatusSliceOutOfBound
	}
	data = data[offset:]
	if length == 0 {
		return data, StatusOK
	}
	if length > uint64(len(data)) {
		return nil, StatusSliceOutOfBound
	}
	return data[:length], StatusOK
}
