package engine

// arena is a fixed table of connection slots with a free list
// only the reactor allocates and frees, so no locking
type arena struct {
	slots []Conn
	free  []int32 // stack of free handles
}

func newArena(size int) *arena {
	a := &arena{
		slots: make([]Conn, size),
		free:  make([]int32, size),
	}
	for i := range size {
		a.slots[i].Handle = int32(i)
		a.slots[i].Fd = -1
		// pop from the end, so lowest handles go out first
		a.free[i] = int32(size - 1 - i)
	}
	return a
}

// take a free slot, nil if the table is full
func (a *arena) alloc() *Conn {
	if len(a.free) == 0 {
		return nil
	}
	h := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	return &a.slots[h]
}

// get slot by handle, bounds-checked
func (a *arena) get(h int32) *Conn {
	if h < 0 || int(h) >= len(a.slots) {
		return nil
	}
	c := &a.slots[h]
	if c.state == StateFree {
		return nil
	}
	return c
}

// return slot to the free list; slot must be released already
func (a *arena) put(c *Conn) {
	a.free = append(a.free, c.Handle)
}

// number of live slots
func (a *arena) live() int {
	return len(a.slots) - len(a.free)
}

func (a *arena) cap() int {
	return len(a.slots)
}
