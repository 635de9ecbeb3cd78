package logfile

import (
	"bytes"
	"fmt"

	"github.com/roach88/rlog/internal/logerr"
	"github.com/roach88/rlog/internal/wire"
)

// A record frame is
//
//	[4]byte magic "RCRD"
//	int64   sequence
//	int32   payload length
//	[]byte  payload
//	int64   sequence (repeated)
//
// A frame is accepted on read only if the magic matches, the length fits in
// the file and both sequence copies agree.
var frameMagic = []byte("RCRD")

const (
	payloadOffset = 4 + wire.LongSize + wire.IntSize

	// FrameOverhead is the size of a frame minus its payload.
	FrameOverhead = payloadOffset + wire.LongSize
)

// Slot is a reserved region for one record. The caller encodes the payload
// with the Put methods, filling exactly the reserved length, then calls
// Commit.
type Slot struct {
	f   *File
	off int
	buf []byte
	pos int
	seq int64
}

func newSlot(f *File, off, payloadLen int, seq int64) *Slot {
	buf := f.back.region(off, FrameOverhead+payloadLen)
	pos := wire.PutRaw(buf, 0, frameMagic)
	pos = wire.PutLong(buf, pos, seq)
	pos = wire.PutInt(buf, pos, int32(payloadLen))
	return &Slot{f: f, off: off, buf: buf, pos: pos, seq: seq}
}

// Seq returns the record's sequence number.
func (s *Slot) Seq() int64 { return s.seq }

// Offset returns the slot's position in the file.
func (s *Slot) Offset() int { return s.off }

func (s *Slot) PutByte(v byte)   { s.pos = wire.PutByte(s.buf, s.pos, v) }
func (s *Slot) PutShort(v int16) { s.pos = wire.PutShort(s.buf, s.pos, v) }
func (s *Slot) PutInt(v int32)   { s.pos = wire.PutInt(s.buf, s.pos, v) }
func (s *Slot) PutLong(v int64)  { s.pos = wire.PutLong(s.buf, s.pos, v) }
func (s *Slot) PutBlob(p []byte) { s.pos = wire.PutBlob(s.buf, s.pos, p) }
func (s *Slot) PutRaw(p []byte)  { s.pos = wire.PutRaw(s.buf, s.pos, p) }

// Commit writes the trailing sequence and queues the frame for the next
// force.
func (s *Slot) Commit() error {
	end := len(s.buf) - wire.LongSize
	if s.pos != end {
		return logerr.Errorf(logerr.CodeInternal, "commit record", "payload filled %d of %d bytes", s.pos-payloadOffset, end-payloadOffset)
	}
	wire.PutLong(s.buf, end, s.seq)
	s.f.commit(s.off, len(s.buf))
	return nil
}

// Record is a frame read back from the file.
type Record struct {
	Seq     int64
	Offset  int
	Payload []byte
}

func (r Record) String() string {
	return fmt.Sprintf("record %d at %d (%d bytes)", r.Seq, r.Offset, len(r.Payload))
}

// frameAt validates the frame at off in b and returns it with the offset just
// past it.
func frameAt(b []byte, off int) (Record, int, bool) {
	if off < 0 || off+FrameOverhead > len(b) || !bytes.Equal(b[off:off+4], frameMagic) {
		return Record{}, off, false
	}
	seq, pos, _ := wire.Long(b, off+4)
	n, pos, _ := wire.Int(b, pos)
	if seq <= 0 || n < 0 || pos+int(n)+wire.LongSize > len(b) {
		return Record{}, off, false
	}
	tail, end, _ := wire.Long(b, pos+int(n))
	if tail != seq {
		return Record{}, off, false
	}
	payload, _, _ := wire.Raw(b, pos, int(n))
	return Record{Seq: seq, Offset: off, Payload: payload}, end, true
}

// scan looks for the first valid frame at or after off whose sequence is
// greater than after.
func scan(b []byte, off int, after int64) (Record, int, bool) {
	for ; off+FrameOverhead <= len(b); off++ {
		i := bytes.Index(b[off:], frameMagic)
		if i < 0 {
			return Record{}, len(b), false
		}
		off += i
		if rec, next, ok := frameAt(b, off); ok && rec.Seq > after {
			return rec, next, true
		}
	}
	return Record{}, len(b), false
}

// Replay reads the records that follow the header and positions the cursor
// just after the last one accepted.
//
// Records are read in order starting at the header's first record sequence.
// After a clean shutdown reading stops at the first frame that fails
// validation. Otherwise the rest of the file is scanned byte by byte for
// frames with a higher sequence than the last accepted, so a torn write does
// not hide the records committed after it.
func (f *File) Replay() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.header == nil || !f.header.Valid() {
		return nil
	}
	b := f.back.region(0, f.back.size())
	clean := f.header.WasShutdownClean()
	expected := f.header.FirstRecordSequence
	pos := f.headerLen

	var out []Record
	for {
		rec, next, ok := frameAt(b, pos)
		if !ok || rec.Seq != expected {
			if clean {
				break
			}
			rec, next, ok = scan(b, pos, expected-1)
			if !ok {
				break
			}
			f.logger.Warn("skipped damaged region", "from", pos, "to", rec.Offset, "seq", rec.Seq)
		}
		out = append(out, rec)
		expected = rec.Seq + 1
		pos = next
	}
	f.cursor = pos
	return out
}

// MaxSequence returns the highest sequence of any valid frame in the file, or
// zero if there is none.
func (f *File) MaxSequence() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	b := f.back.region(0, f.back.size())
	var highest int64
	for pos := 0; ; {
		rec, next, ok := scan(b, pos, 0)
		if !ok {
			return highest
		}
		highest = max(highest, rec.Seq)
		pos = next
	}
}
