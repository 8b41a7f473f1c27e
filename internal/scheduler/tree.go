package scheduler

// Tree is the spawn tree: an arena of instances indexed by id. Ids are
// handed out in creation order starting at 0 for the root and never reused,
// so every child id is larger than its parent's.
type Tree struct {
	instances []*Instance
}

// newTree creates a tree holding only the root.
func newTree() *Tree {
	return &Tree{instances: []*Instance{{ID: 0}}}
}

// Root returns instance 0.
func (t *Tree) Root() *Instance {
	return t.instances[0]
}

// NextID returns the id the next spawned instance will get.
func (t *Tree) NextID() uint64 {
	return uint64(len(t.instances))
}

// Len returns the number of instances ever created.
func (t *Tree) Len() int {
	return len(t.instances)
}

// Get returns the instance with the given id, or nil.
func (t *Tree) Get(id uint64) *Instance {
	if id >= uint64(len(t.instances)) {
		return nil
	}
	return t.instances[id]
}

// Prepare returns a detached child of parent carrying the next id. It only
// joins the tree once attached.
func (t *Tree) Prepare(parent *Instance) *Instance {
	return &Instance{
		ID:        t.NextID(),
		Parent:    parent.ID,
		HasParent: true,
	}
}

// Attach adds a prepared child to the tree.
func (t *Tree) Attach(child *Instance) {
	t.instances = append(t.instances, child)
	parent := t.instances[child.Parent]
	parent.Children = append(parent.Children, child.ID)
}

// IsChild reports whether child was spawned directly by parent.
func (t *Tree) IsChild(parent, child uint64) bool {
	c := t.Get(child)
	return c != nil && c.HasParent && c.Parent == parent
}

// Ancestors returns the ids on the path from id's parent up to the root.
func (t *Tree) Ancestors(id uint64) []uint64 {
	var out []uint64
	for inst := t.Get(id); inst != nil && inst.HasParent; inst = t.Get(inst.Parent) {
		out = append(out, inst.Parent)
	}
	return out
}

// Live counts instances that have not terminated.
func (t *Tree) Live() int {
	n := 0
	for _, inst := range t.instances {
		if inst.Live() {
			n++
		}
	}
	return n
}

// Each visits instances in ascending id order.
func (t *Tree) Each(fn func(*Instance)) {
	for _, inst := range t.instances {
		fn(inst)
	}
}
