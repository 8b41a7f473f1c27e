package vm

import "github.com/cockroachdb/errors"

// ErrCyclesExceeded is the only recoverable outcome of Machine.Run: the
// machine stopped before a step that would overrun the cycle limit.
var ErrCyclesExceeded = errors.New("cycles exceeded")

// Faults. Any of these ends the scheduler that owns the machine.
var (
	ErrInvalidInstruction = errors.New("invalid instruction")
	ErrShortProgram       = errors.New("unexpected end of program")
	ErrMemOutOfBound      = errors.New("memory access out of bound")
	ErrDivZero            = errors.New("division by zero")
	ErrInvalidSyscall     = errors.New("disallowed system call")
	ErrInvalidFd          = errors.New("fd not owned by caller")
	ErrUnknownFormat      = errors.New("unknown program format")
	ErrInvalidImage       = errors.New("invalid machine image")
	ErrResource           = errors.New("resource resolution failed")
	ErrPendingTrap        = errors.New("machine has an uncompleted trap")
)

// Lookup failures reported by Env loaders. Machines turn these into status
// codes; any other loader error is a fault.
var (
	ErrIndexOutOfBound = errors.New("index out of bound")
	ErrItemMissing     = errors.New("item missing")
)

// LoadStatus maps an Env loader error to the status handed to the program.
// ok is false when err is a fault.
func LoadStatus(err error) (status Status, ok bool) {
	switch {
	case err == nil:
		return StatusOK, true
	case errors.Is(err, ErrIndexOutOfBound):
		return StatusIndexOutOfBound, true
	case errors.Is(err, ErrItemMissing):
		return StatusItemMissing, true
	}
	return 0, false
}

// IsFault reports whether err terminates the owning scheduler, that is any
// error other than ErrCyclesExceeded.
func IsFault(err error) bool {
	return err != nil && !errors.Is(err, ErrCyclesExceeded)
}
