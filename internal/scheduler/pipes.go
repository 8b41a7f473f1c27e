package scheduler

import (
	"sort"

	"github.com/me/vmsched/internal/vm"
)

// pipe is a unidirectional byte channel. Fds 2*id (read) and 2*id+1
// (write) name its ends.
type pipe struct {
	id         uint64
	readOwner  uint64
	writeOwner uint64
	readOpen   bool
	writeOpen  bool
	buf        []byte
}

func (p *pipe) readFd() vm.Fd  { return vm.Fd(2 * p.id) }
func (p *pipe) writeFd() vm.Fd { return vm.Fd(2*p.id + 1) }

// Pipes is the pipe registry. Instances only ever hold fds; the buffers
// live here and are touched by the scheduler alone.
type Pipes struct {
	pipes  map[uint64]*pipe
	nextID uint64
}

func newPipes() *Pipes {
	return &Pipes{pipes: make(map[uint64]*pipe), nextID: 1}
}

// Len returns the number of live pipes.
func (p *Pipes) Len() int {
	return len(p.pipes)
}

// Create registers a fresh pipe with both ends owned by owner.
func (p *Pipes) Create(owner uint64) (r, w vm.Fd) {
	pp := &pipe{
		id:         p.nextID,
		readOwner:  owner,
		writeOwner: owner,
		readOpen:   true,
		writeOpen:  true,
	}
	p.nextID++
	p.pipes[pp.id] = pp
	return pp.readFd(), pp.writeFd()
}

func (p *Pipes) lookup(fd vm.Fd) *pipe {
	return p.pipes[uint64(fd)/2]
}

// Owns reports whether owner holds the open end fd.
func (p *Pipes) Owns(owner uint64, fd vm.Fd) bool {
	pp := p.lookup(fd)
	if pp == nil {
		return false
	}
	if fd.IsRead() {
		return pp.readOpen && pp.readOwner == owner
	}
	return pp.writeOpen && pp.writeOwner == owner
}

// Transfer moves ownership of fd to a new instance.
func (p *Pipes) Transfer(fd vm.Fd, to uint64) {
	pp := p.lookup(fd)
	if pp == nil {
		return
	}
	if fd.IsRead() {
		pp.readOwner = to
	} else {
		pp.writeOwner = to
	}
}

// Write appends data to the pipe behind the write end fd. Writes never
// block; the buffer is unbounded.
func (p *Pipes) Write(fd vm.Fd, data []byte) vm.Status {
	pp := p.lookup(fd)
	if !pp.readOpen {
		return vm.StatusOtherEndClosed
	}
	pp.buf = append(pp.buf, data...)
	return vm.StatusOK
}

// Readable reports whether a read on fd would complete now: either bytes
// are buffered or the write end is closed.
func (p *Pipes) Readable(fd vm.Fd) bool {
	pp := p.lookup(fd)
	return pp == nil || len(pp.buf) > 0 || !pp.writeOpen
}

// Read dequeues up to max buffered bytes. An empty result with the write
// end closed is EOF.
func (p *Pipes) Read(fd vm.Fd, max uint64) []byte {
	pp := p.lookup(fd)
	if pp == nil {
		return nil
	}
	n := uint64(len(pp.buf))
	if max < n {
		n = max
	}
	out := append([]byte(nil), pp.buf[:n]...)
	pp.buf = pp.buf[n:]
	if len(pp.buf) == 0 {
		pp.buf = nil
	}
	return out
}

// Close releases one end. The pipe is reclaimed once both ends are closed.
func (p *Pipes) Close(fd vm.Fd) {
	pp := p.lookup(fd)
	if pp == nil {
		return
	}
	if fd.IsRead() {
		pp.readOpen = false
	} else {
		pp.writeOpen = false
	}
	if !pp.readOpen && !pp.writeOpen {
		delete(p.pipes, pp.id)
	}
}

// CloseAll closes every end still owned by owner, returning them in
// ascending order.
func (p *Pipes) CloseAll(owner uint64) []vm.Fd {
	var fds []vm.Fd
	for _, pp := range p.sorted() {
		if pp.readOpen && pp.readOwner == owner {
			fds = append(fds, pp.readFd())
		}
		if pp.writeOpen && pp.writeOwner == owner {
			fds = append(fds, pp.writeFd())
		}
	}
	for _, fd := range fds {
		p.Close(fd)
	}
	return fds
}

// Buffered returns the number of unread bytes behind fd.
func (p *Pipes) Buffered(fd vm.Fd) int {
	if pp := p.lookup(fd); pp != nil {
		return len(pp.buf)
	}
	return 0
}

// sorted returns live pipes by ascending id.
func (p *Pipes) sorted() []*pipe {
	out := make([]*pipe, 0, len(p.pipes))
	for _, pp := range p.pipes {
		out = append(out, pp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
