package recoverylog

import (
	"cmp"
	"slices"
	"sync"
)

// unitTable maps unit ids to units. Ids are handed out in increasing order
// and never below an id seen during recovery, so a new unit cannot collide
// with a recovered or tombstoned one.
type unitTable struct {
	mu    sync.Mutex
	units map[int64]*Unit
	next  int64
}

func newUnitTable() *unitTable {
	return &unitTable{units: make(map[int64]*Unit), next: 1}
}

func (t *unitTable) reserve() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	return id
}

// observe raises the next id past id.
func (t *unitTable) observe(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id >= t.next {
		t.next = id + 1
	}
}

func (t *unitTable) put(u *Unit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.units[u.id] = u
	if u.id >= t.next {
		t.next = u.id + 1
	}
}

func (t *unitTable) get(id int64) *Unit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.units[id]
}

func (t *unitTable) remove(id int64) *Unit {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.units[id]
	delete(t.units, id)
	return u
}

func (t *unitTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.units)
}

// snapshot returns the units ordered by id.
func (t *unitTable) snapshot() []*Unit {
	t.mu.Lock()
	out := make([]*Unit, 0, len(t.units))
	for _, u := range t.units {
		out = append(out, u)
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b *Unit) int { return cmp.Compare(a.id, b.id) })
	return out
}
