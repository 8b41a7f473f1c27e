package scenario

import (
	"math/rand/v2"
)

// MaxPayload bounds the size of one write.
const MaxPayload = 1024

// Params configures Generate.
type Params struct {
	Seed                uint64 `json:"seed" yaml:"seed"`
	Spawns              uint32 `json:"spawns" yaml:"spawns"`
	Writes              uint32 `json:"writes" yaml:"writes"`
	ConvergingThreshold uint32 `json:"converging_threshold" yaml:"converging_threshold"`
}

// NewRand returns the generator's random source for seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Generate builds the scenario for p. The same parameters always produce
// the same scenario.
func Generate(p Params) *Data {
	return GenerateFrom(NewRand(p.Seed), p.Spawns, p.Writes, p.ConvergingThreshold)
}

// GenerateFrom builds a scenario drawing every random choice from rng.
func GenerateFrom(rng *rand.Rand, spawns, writes, threshold uint32) *Data {
	n := int(spawns) + 1

	// Spawn tree: each new node picks an existing parent uniformly.
	parents := make([]uint64, n)
	for i := 1; i < n; i++ {
		parents[i] = uint64(rng.IntN(i))
	}

	// Write graph over the same nodes, kept acyclic and free of parallel
	// edges. The first write that finds no usable pair within threshold
	// tries ends the graph; the remaining writes are not attempted.
	g := newWriteGraph(n)
	if spawns > 0 {
	writes:
		for w := uint32(0); w < writes; w++ {
			for try := uint32(0); try < threshold; try++ {
				from := rng.IntN(n)
				to := from
				for to == from {
					to = rng.IntN(n)
				}
				if g.add(from, to) {
					continue writes
				}
			}
			break
		}
	}

	d := &Data{
		Spawns: make([]Spawn, 0, n-1),
		Pipes:  []Pipe{},
		Writes: make([]Write, 0, len(g.edges)),
	}
	threaded := make([][]uint64, n)
	created := make([][]Pipe, n)
	for e, edge := range g.edges {
		writer, reader := uint64(edge[0]), uint64(edge[1])
		readPipe, writePipe := uint64(2*e), uint64(2*e+1)

		data := make([]byte, 1+rng.IntN(MaxPayload))
		fill(rng, data)
		d.Writes = append(d.Writes, Write{
			From:     writer,
			FromPipe: writePipe,
			To:       reader,
			ToPipe:   readPipe,
			Data:     data,
		})

		lca := LCA(parents, writer, reader)
		for _, node := range Path(parents, writer, lca) {
			threaded[node] = append(threaded[node], writePipe)
		}
		for _, node := range Path(parents, reader, lca) {
			threaded[node] = append(threaded[node], readPipe)
		}
		created[lca] = append(created[lca], Pipe{VM: lca, ReadPipe: readPipe, WritePipe: writePipe})
	}

	children := make([][]uint64, n)
	for i := 1; i < n; i++ {
		children[parents[i]] = append(children[parents[i]], uint64(i))
	}
	queue := []uint64{0}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, child := range children[node] {
			d.Spawns = append(d.Spawns, Spawn{
				From:  node,
				Child: child,
				Pipes: append([]uint64{}, threaded[child]...),
			})
			queue = append(queue, child)
		}
	}
	for _, pairs := range created {
		d.Pipes = append(d.Pipes, pairs...)
	}
	return d
}

func fill(rng *rand.Rand, buf []byte) {
	for i := 0; i < len(buf); i += 8 {
		v := rng.Uint64()
		for j := i; j < i+8 && j < len(buf); j++ {
			buf[j] = byte(v)
			v >>= 8
		}
	}
}

// writeGraph is a DAG of writer to reader edges.
type writeGraph struct {
	out   [][]int
	edges [][2]int
}

func newWriteGraph(n int) *writeGraph {
	return &writeGraph{out: make([][]int, n)}
}

// add inserts from->to unless the nodes are already connected in either
// direction or the edge would close a cycle.
func (g *writeGraph) add(from, to int) bool {
	if g.reaches(to, from) || g.adjacent(from, to) {
		return false
	}
	g.out[from] = append(g.out[from], to)
	g.edges = append(g.edges, [2]int{from, to})
	return true
}

func (g *writeGraph) adjacent(a, b int) bool {
	for _, x := range g.out[a] {
		if x == b {
			return true
		}
	}
	for _, x := range g.out[b] {
		if x == a {
			return true
		}
	}
	return false
}

func (g *writeGraph) reaches(from, to int) bool {
	seen := make([]bool, len(g.out))
	stack := []int{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.out[n]...)
	}
	return false
}
