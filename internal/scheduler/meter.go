package scheduler

// RunMode configures a single Run call. The only mode limits the cycles a
// call may consume.
type RunMode struct {
	limit uint64
}

// LimitCycles returns a mode allowing at most n cycles in the next Run call.
func LimitCycles(n uint64) RunMode {
	return RunMode{limit: n}
}

// Limit returns the cycle budget of the mode.
func (m RunMode) Limit() uint64 {
	return m.limit
}

// Meter aggregates per-instance cycle counts. The total always equals the
// sum of Instance.Cycles.
type Meter struct {
	total uint64
}

// Total returns the aggregate cycle count.
func (m *Meter) Total() uint64 {
	return m.total
}

// Sync charges inst for the cycles its machine consumed since the last sync.
func (m *Meter) Sync(inst *Instance) uint64 {
	consumed := inst.machine.Cycles() - inst.Cycles
	inst.Cycles += consumed
	m.total += consumed
	return consumed
}

// budget tracks the cycles left to one Run call.
type budget struct {
	meter *Meter
	start uint64
	limit uint64
}

func (m *Meter) begin(mode RunMode) budget {
	return budget{meter: m, start: m.total, limit: mode.limit}
}

func (b budget) remaining() uint64 {
	used := b.meter.total - b.start
	if used >= b.limit {
		return 0
	}
	return b.limit - used
}
