package recoverylog

import "github.com/roach88/rlog/internal/logfile"

// Section is an ordered list of opaque data items inside a Unit. A
// single-data section keeps only its latest item.
//
// Items before the written index are already in the active file. unwritten
// and total hold the encoded size of the items from written onward and of all
// items, excluding the section header.
type Section struct {
	unit   *Unit
	id     int32
	single bool

	items     [][]byte
	written   int
	unwritten int
	total     int
}

// ID returns the section id.
func (s *Section) ID() int32 { return s.id }

// SingleData reports whether the section keeps only its latest item.
func (s *Section) SingleData() bool { return s.single }

// AddData appends a copy of item to the section. In a single-data section it
// replaces the current item. The data reaches disk at the next Write or
// Force of the section or its unit.
func (s *Section) AddData(item []byte) error {
	const op = "add data"
	u := s.unit
	l := u.log
	if err := l.lockOpen(op); err != nil {
		return err
	}
	defer l.control.unlockShared()
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.removed {
		return u.invalid(op)
	}
	s.addLocked(append([]byte(nil), item...), false)
	return nil
}

// Data returns copies of the section's items in insertion order.
func (s *Section) Data() [][]byte {
	s.unit.mu.Lock()
	defer s.unit.mu.Unlock()
	out := make([][]byte, len(s.items))
	for i, item := range s.items {
		out[i] = append([]byte(nil), item...)
	}
	return out
}

// LastData returns a copy of the newest item, or nil.
func (s *Section) LastData() []byte {
	s.unit.mu.Lock()
	defer s.unit.mu.Unlock()
	if len(s.items) == 0 {
		return nil
	}
	return append([]byte(nil), s.items[len(s.items)-1]...)
}

// Write writes the section's unwritten items to the log without forcing.
func (s *Section) Write() error {
	return s.unit.write(s, false)
}

// Force writes the section's unwritten items and forces the log.
func (s *Section) Force() error {
	return s.unit.write(s, true)
}

// addLocked appends item. Recovered items are already on disk and count only
// toward the total.
func (s *Section) addLocked(item []byte, recovered bool) {
	if s.single && len(s.items) > 0 {
		old := itemSize(s.items[0])
		oldUnwritten := 0
		if s.written == 0 {
			oldUnwritten = old
		}
		s.items = s.items[:0]
		s.written = 0
		s.deleted(old, oldUnwritten)
	}
	s.items = append(s.items, item)
	size := itemSize(item)
	if recovered {
		s.written = len(s.items)
		s.added(0, size)
		return
	}
	s.added(size, size)
}

func (s *Section) added(unw, tot int) {
	du, dt := unw, tot
	if s.unwritten == 0 && unw > 0 {
		du += sectionHeaderSize
	}
	if s.total == 0 && tot > 0 {
		dt += sectionHeaderSize
	}
	s.unwritten += unw
	s.total += tot
	s.unit.payloadAdded(du, dt)
}

func (s *Section) deleted(tot, unw int) {
	s.total -= tot
	s.unwritten -= unw
	dt, du := tot, unw
	if s.unwritten == 0 && unw != 0 {
		du += sectionHeaderSize
	}
	if s.total == 0 && tot != 0 {
		dt += sectionHeaderSize
	}
	s.unit.payloadDeleted(dt, du)
}

// markWritten records that every item is now in the active file.
func (s *Section) markWritten() {
	s.written = len(s.items)
	if s.unwritten == 0 {
		return
	}
	n := s.unwritten + sectionHeaderSize
	s.unwritten = 0
	s.unit.payloadWritten(n)
}

// encodedSize is the section's contribution to a record: everything for a
// rewrite, the unwritten tail otherwise. Zero means the section is left out.
func (s *Section) encodedSize(rewrite bool) int {
	n := s.unwritten
	if rewrite {
		n = s.total
	}
	if n == 0 {
		return 0
	}
	return sectionHeaderSize + n
}

func (s *Section) encode(slot *logfile.Slot, rewrite bool) {
	start := s.written
	if rewrite {
		start = 0
	}
	var single byte
	if s.single {
		single = 1
	}
	slot.PutInt(s.id)
	slot.PutShort(0)
	slot.PutByte(single)
	slot.PutInt(int32(len(s.items) - start))
	for _, item := range s.items[start:] {
		slot.PutBlob(item)
	}
}

// clear drops every item without touching the unit's accounting.
func (s *Section) clear() {
	s.items = nil
	s.written = 0
	s.unwritten = 0
	s.total = 0
}
