package vm

import "fmt"

// Syscall is a system call number. Numbering follows CKB.
type Syscall uint64

const (
	SysExit         Syscall = 93
	SysLoadScript   Syscall = 2052
	SysLoadWitness  Syscall = 2074
	SysLoadCellData Syscall = 2092
	SysDebug        Syscall = 2177
	SysSpawn        Syscall = 2601
	SysWait         Syscall = 2602
	SysProcessID    Syscall = 2603
	SysPipe         Syscall = 2604
	SysWrite        Syscall = 2605
	SysRead         Syscall = 2606
	SysInheritedFds Syscall = 2607
	SysClose        Syscall = 2608
)

var syscallNames = map[Syscall]string{
	SysExit:         "exit",
	SysLoadScript:   "load_script",
	SysLoadWitness:  "load_witness",
	SysLoadCellData: "load_cell_data",
	SysDebug:        "debug",
	SysSpawn:        "spawn",
	SysWait:         "wait",
	SysProcessID:    "process_id",
	SysPipe:         "pipe",
	SysWrite:        "write",
	SysRead:         "read",
	SysInheritedFds: "inherited_fds",
	SysClose:        "close",
}

func (s Syscall) String() string {
	if name, ok := syscallNames[s]; ok {
		return name
	}
	return fmt.Sprintf("syscall(%d)", uint64(s))
}

// Yields reports whether the call is serviced by the scheduler, ending the
// caller's quantum. Other calls are serviced by the machine through Env.
func (s Syscall) Yields() bool {
	switch s {
	case SysExit, SysSpawn, SysWait, SysPipe, SysWrite, SysRead, SysClose:
		return true
	}
	return false
}

// Status is the value a system call hands back to the program.
type Status uint8

const (
	StatusOK              Status = 0
	StatusIndexOutOfBound Status = 1
	StatusItemMissing     Status = 2
	StatusSliceOutOfBound Status = 3
	StatusWrongFormat     Status = 4
	StatusWaitFailure     Status = 5
	StatusInvalidFd       Status = 6
	StatusOtherEndClosed  Status = 7
	StatusMaxVMsSpawned   Status = 8
	StatusMaxFdsCreated   Status = 9
)

// Source selects which set of cells a load syscall indexes into.
type Source uint64

const (
	SourceInput       Source = 1
	SourceOutput      Source = 2
	SourceCellDep     Source = 3
	SourceHeaderDep   Source = 4
	SourceGroupInput  Source = 0x0100000000000001
	SourceGroupOutput Source = 0x0100000000000002
)

// Fd identifies one end of a pipe. Read ends are even, write ends are odd,
// and 0 is never a valid fd.
type Fd uint64

// IsRead reports whether fd is a read end.
func (f Fd) IsRead() bool { return f%2 == 0 }

// Other returns the opposite end of the same pipe.
func (f Fd) Other() Fd { return f ^ 1 }

// SpawnArgs describes a spawn request.
type SpawnArgs struct {
	Index  uint64
	Source Source
	// Bounds packs offset<<32 | length into the referenced cell data; a zero
	// length means "to the end".
	Bounds uint64
	Argv   [][]byte
	Fds    []Fd
}

// Trap is a scheduler-serviced system call issued by a machine.
type Trap struct {
	Call   Syscall
	Fd     Fd
	Data   []byte // write payload
	Length uint64 // read capacity
	Target uint64 // wait target instance id
	Code   int8   // exit code
	Spawn  *SpawnArgs
}

// Result is the scheduler's answer to a Trap.
type Result struct {
	Status Status
	Value  uint64 // spawned instance id, or bytes written
	Fds    [2]Fd  // pipe: read end, write end
	Data   []byte // read payload
	Code   int8   // wait: exit code of the joined instance
}
