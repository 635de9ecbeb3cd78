package recoverylog

import (
	"cmp"
	"errors"
	"slices"
	"sync"

	"github.com/roach88/rlog/internal/logerr"
	"github.com/roach88/rlog/internal/logfile"
	"github.com/roach88/rlog/internal/scope"
)

// Unit is a recoverable unit: a set of sections owned by one failure scope,
// written and recovered together.
type Unit struct {
	log        *Log
	id         int64
	scope      scope.FailureScope
	scopeBytes []byte
	// hdr is the framing cost of one record of this unit. It is counted
	// in the log totals while the unit's own counters are non-zero.
	hdr int

	mu           sync.Mutex
	sections     map[int32]*Section
	storedOnDisk bool
	removed      bool
	unwritten    int
	total        int
}

func newUnit(l *Log, id int64, sc scope.FailureScope, scopeBytes []byte) *Unit {
	return &Unit{
		log:        l,
		id:         id,
		scope:      sc,
		scopeBytes: scopeBytes,
		hdr:        totalHeaderSize(len(scopeBytes)),
		sections:   make(map[int32]*Section),
	}
}

// ID returns the unit id, unique within the log.
func (u *Unit) ID() int64 { return u.id }

// Scope returns the failure scope that owns the unit.
func (u *Unit) Scope() scope.FailureScope { return u.scope }

// CreateSection adds an empty section. Section ids are chosen by the caller
// and must be non-negative and unique within the unit.
func (u *Unit) CreateSection(id int32, single bool) (*Section, error) {
	const op = "create section"
	if err := u.log.guard(op); err != nil {
		return nil, err
	}
	if id < 0 {
		return nil, logerr.WithLog(logerr.Errorf(logerr.CodeInternal, op, "invalid section id %d", id), u.log.name)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.removed {
		return nil, u.invalid(op)
	}
	if _, ok := u.sections[id]; ok {
		return nil, logerr.WithLog(logerr.Errorf(logerr.CodeSectionExists, op, "unit %d already has section %d", u.id, id), u.log.name)
	}
	return u.sectionLocked(id, single), nil
}

func (u *Unit) sectionLocked(id int32, single bool) *Section {
	s := &Section{unit: u, id: id, single: single}
	u.sections[id] = s
	return s
}

// Section returns the section with the given id, or nil.
func (u *Unit) Section(id int32) *Section {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sections[id]
}

// Sections returns the unit's sections ordered by id.
func (u *Unit) Sections() []*Section {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sortedLocked()
}

func (u *Unit) sortedLocked() []*Section {
	out := make([]*Section, 0, len(u.sections))
	for _, s := range u.sections {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Section) int { return cmp.Compare(a.id, b.id) })
	return out
}

// WriteSections writes every unwritten item of the unit as one record
// without forcing.
func (u *Unit) WriteSections() error {
	return u.write(nil, false)
}

// ForceSections writes every unwritten item and forces the log.
func (u *Unit) ForceSections() error {
	return u.write(nil, true)
}

// write writes the unwritten items of only, or of every section when only is
// nil. A full file triggers a keypoint, which writes everything, and the
// write is retried.
func (u *Unit) write(only *Section, force bool) error {
	const op = "write unit"
	l := u.log
	for {
		if err := l.lockOpen(op); err != nil {
			return err
		}
		u.mu.Lock()
		var err error
		if u.removed {
			err = u.invalid(op)
		} else {
			err = u.writeLocked(only, false)
		}
		u.mu.Unlock()
		l.control.unlockShared()

		switch {
		case err == nil:
		case errors.Is(err, logfile.ErrNoSpace):
			if err := l.Keypoint(); err != nil {
				return err
			}
			continue
		case logerr.Is(err, logerr.CodeInvalidUnit):
			return err
		default:
			return l.fail(op, err)
		}
		break
	}
	if force {
		return l.force()
	}
	return nil
}

// writeLocked builds one NORMAL record. A rewrite carries every item and is
// used by keypoints; otherwise only items not yet in the active file go out.
func (u *Unit) writeLocked(only *Section, rewrite bool) error {
	secs := []*Section{only}
	if only == nil {
		secs = u.sortedLocked()
	}

	size := recordHeaderSize + len(u.scopeBytes)
	var body []*Section
	for _, s := range secs {
		if n := s.encodedSize(rewrite); n > 0 {
			size += n
			body = append(body, s)
		}
	}
	if len(body) == 0 {
		if rewrite {
			u.storedOnDisk = false
		}
		return nil
	}

	slot, err := u.log.pair().Reserve(size)
	if err != nil {
		return err
	}
	u.encodeHeader(slot, recordTypeNormal)
	for _, s := range body {
		s.encode(slot, rewrite)
	}
	slot.PutInt(endOfSections)
	if err := slot.Commit(); err != nil {
		return err
	}

	u.storedOnDisk = true
	for _, s := range body {
		s.markWritten()
	}
	return nil
}

func (u *Unit) encodeHeader(slot *logfile.Slot, typ int16) {
	slot.PutBlob(u.scopeBytes)
	slot.PutLong(u.id)
	slot.PutShort(typ)
}

// removeLocked drops every item and, when the unit has reached disk and
// tombstone is set, writes a DELETED record.
func (u *Unit) removeLocked(tombstone bool) error {
	u.removed = true
	dt, du := u.total, u.unwritten
	if dt > 0 {
		dt += u.hdr
	}
	if du > 0 {
		du += u.hdr
	}
	u.log.payloadDeleted(dt, du)
	u.total, u.unwritten = 0, 0
	for _, s := range u.sections {
		s.clear()
	}

	if !tombstone || !u.storedOnDisk {
		return nil
	}
	slot, err := u.log.pair().Reserve(removalHeaderSize + len(u.scopeBytes))
	if err != nil {
		return err
	}
	u.encodeHeader(slot, recordTypeDeleted)
	return slot.Commit()
}

func (u *Unit) payloadAdded(unw, tot int) {
	du, dt := unw, tot
	if u.unwritten == 0 && unw > 0 {
		du += u.hdr
	}
	if u.total == 0 && tot > 0 {
		dt += u.hdr
	}
	u.unwritten += unw
	u.total += tot
	u.log.payloadAdded(du, dt)
}

func (u *Unit) payloadWritten(n int) {
	u.unwritten -= n
	d := n
	if u.unwritten == 0 && n > 0 {
		d += u.hdr
	}
	u.log.payloadWritten(d)
}

func (u *Unit) payloadDeleted(tot, unw int) {
	u.total -= tot
	u.unwritten -= unw
	dt, du := tot, unw
	if u.unwritten == 0 && unw != 0 {
		du += u.hdr
	}
	if u.total == 0 && tot != 0 {
		dt += u.hdr
	}
	u.log.payloadDeleted(dt, du)
}

func (u *Unit) invalid(op string) error {
	return logerr.WithLog(logerr.Errorf(logerr.CodeInvalidUnit, op, "unit %d has been removed", u.id), u.log.name)
}

// UnitInfo is a point-in-time description of a unit.
type UnitInfo struct {
	ID             int64         `json:"id"`
	Scope          string        `json:"scope"`
	Sections       []SectionInfo `json:"sections"`
	UnwrittenBytes int           `json:"unwritten_bytes"`
	TotalBytes     int           `json:"total_bytes"`
	StoredOnDisk   bool          `json:"stored_on_disk"`
}

// SectionInfo describes one section in a UnitInfo.
type SectionInfo struct {
	ID      int32 `json:"id"`
	Single  bool  `json:"single,omitempty"`
	Items   int   `json:"items"`
	Written int   `json:"written"`
}

// Info returns a snapshot of the unit.
func (u *Unit) Info() UnitInfo {
	u.mu.Lock()
	defer u.mu.Unlock()
	info := UnitInfo{
		ID:             u.id,
		Scope:          u.scope.String(),
		UnwrittenBytes: u.unwritten,
		TotalBytes:     u.total,
		StoredOnDisk:   u.storedOnDisk,
	}
	for _, s := range u.sortedLocked() {
		info.Sections = append(info.Sections, SectionInfo{
			ID:      s.id,
			Single:  s.single,
			Items:   len(s.items),
			Written: s.written,
		})
	}
	return info
}
