package recoverylog

import (
	"fmt"
	"os"

	"github.com/roach88/rlog/internal/logfile"
	"github.com/roach88/rlog/internal/logheader"
	"github.com/roach88/rlog/internal/scope"
	"github.com/roach88/rlog/internal/wire"
)

// A record payload is
//
//	blob    failure scope
//	int64   unit id
//	int16   record type
//
// followed, for a NORMAL record, by sections and a terminator:
//
//	int32   section id
//	int16   reserved type tag (0)
//	byte    single-data flag
//	int32   item count
//	blob... items
//	...
//	int32   -1
//
// A DELETED record stops after the record type.
const (
	recordTypeNormal  int16 = 1
	recordTypeDeleted int16 = 2

	endOfSections int32 = -1

	// recordHeaderSize is the fixed part of a NORMAL payload, excluding the
	// scope bytes: scope length, id, type and terminator.
	recordHeaderSize = wire.IntSize + wire.LongSize + wire.ShortSize + wire.IntSize

	// removalHeaderSize is the fixed part of a DELETED payload, excluding the
	// scope bytes.
	removalHeaderSize = wire.IntSize + wire.LongSize + wire.ShortSize

	// sectionHeaderSize is id, tag, flag and item count.
	sectionHeaderSize = wire.IntSize + wire.ShortSize + wire.ByteSize + wire.IntSize

	itemHeaderSize = wire.IntSize
)

// totalHeaderSize is the framing cost of one NORMAL record for a unit whose
// encoded scope is scopeLen bytes.
func totalHeaderSize(scopeLen int) int {
	return logfile.FrameOverhead + recordHeaderSize + scopeLen
}

func itemSize(item []byte) int {
	return itemHeaderSize + len(item)
}

// decodedSection is one section body read back from a record.
type decodedSection struct {
	id     int32
	single bool
	items  [][]byte
}

// decodedRecord is a record payload read back from a file.
type decodedRecord struct {
	seq      int64
	scope    []byte
	unitID   int64
	typ      int16
	sections []decodedSection
}

func decodeRecord(rec logfile.Record) (decodedRecord, error) {
	r := wire.NewReader(rec.Payload)
	d := decodedRecord{
		seq:    rec.Seq,
		scope:  r.Blob(),
		unitID: r.Long(),
		typ:    r.Short(),
	}
	if err := r.Err(); err != nil {
		return d, fmt.Errorf("record %d: %w", rec.Seq, err)
	}

	switch d.typ {
	case recordTypeDeleted:
		return d, nil
	case recordTypeNormal:
	default:
		return d, fmt.Errorf("record %d: unknown record type %d", rec.Seq, d.typ)
	}

	for {
		id := r.Int()
		if r.Err() != nil || id == endOfSections {
			break
		}
		r.Short()
		s := decodedSection{id: id, single: r.Byte() != 0}
		n := r.Int()
		if n < 0 || int(n)*itemHeaderSize > r.Remaining() {
			return d, fmt.Errorf("record %d: section %d claims %d items", rec.Seq, id, n)
		}
		for i := int32(0); i < n && r.Err() == nil; i++ {
			s.items = append(s.items, r.Blob())
		}
		d.sections = append(d.sections, s)
	}
	if err := r.Err(); err != nil {
		return d, fmt.Errorf("record %d unit %d: %w", rec.Seq, d.unitID, err)
	}
	return d, nil
}

// DumpedRecord is the decoded form of one record, for tooling.
type DumpedRecord struct {
	Seq      int64           `json:"seq"`
	Offset   int             `json:"offset"`
	UnitID   int64           `json:"unit_id"`
	Deleted  bool            `json:"deleted,omitempty"`
	Scope    string          `json:"scope"`
	Sections []DumpedSection `json:"sections,omitempty"`
}

// DumpedSection is one section of a DumpedRecord.
type DumpedSection struct {
	ID     int32    `json:"id"`
	Single bool     `json:"single,omitempty"`
	Items  []string `json:"items"`
}

// ReadFile decodes every record of the file at path in replay order without
// opening the log. Scopes are rendered with codec.
func ReadFile(path string, codec scope.Codec) (*logheader.Header, []DumpedRecord, error) {
	// Opening an empty or missing file would initialize it.
	st, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	if st.Size() == 0 {
		return nil, nil, fmt.Errorf("%s: empty log file", path)
	}
	f, _, err := logfile.Open(logfile.Options{Path: path, DisableMapping: true})
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	h := f.Header()
	var out []DumpedRecord
	for _, rec := range f.Replay() {
		d, err := decodeRecord(rec)
		if err != nil {
			return h, out, err
		}
		dr := DumpedRecord{
			Seq:     rec.Seq,
			Offset:  rec.Offset,
			UnitID:  d.unitID,
			Deleted: d.typ == recordTypeDeleted,
			Scope:   fmt.Sprintf("%x", d.scope),
		}
		if s, err := codec.Decode(d.scope); err == nil {
			dr.Scope = s.String()
		}
		for _, s := range d.sections {
			ds := DumpedSection{ID: s.id, Single: s.single, Items: make([]string, len(s.items))}
			for i, item := range s.items {
				ds.Items[i] = fmt.Sprintf("%x", item)
			}
			dr.Sections = append(dr.Sections, ds)
		}
		out = append(out, dr)
	}
	return h, out, nil
}
