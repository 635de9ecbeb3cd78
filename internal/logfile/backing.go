package logfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// backing holds the in-memory image of a log file and knows how to make it
// durable. There are exactly two variants: mappedBacking, whose memory is the
// page cache itself, and bufferedBacking, which keeps a private copy and
// pushes explicit writes on force.
type backing interface {
	// region returns the live bytes [off, off+n). Writers encode into it.
	region(off, n int) []byte

	// commit records that [off, off+n) must reach the file on the next force.
	commit(off, n int)

	// force makes the header region [0, headerLen) and all committed ranges
	// durable.
	force(headerLen int) error

	// grow resizes the backing to size bytes, preserving content.
	grow(size int) error

	// size returns the current capacity in bytes.
	size() int

	// mapped reports whether the backing is a memory mapping.
	mapped() bool

	// release frees the backing without forcing anything.
	release() error
}

var errMappingUnsupported = errors.New("memory mapping not supported on this platform")

// pendingWrite is a committed range not yet pushed to the file.
type pendingWrite struct {
	off int
	n   int
}

// bufferedBacking keeps a private copy of the file and a queue of committed
// ranges. Nothing reaches the file until force.
type bufferedBacking struct {
	fd       *os.File
	buf      []byte
	pending  []pendingWrite
	vectored bool
}

func newBufferedBacking(fd *os.File, size int, vectored bool) (*bufferedBacking, error) {
	buf := make([]byte, size)
	// A short file reads as zeros past its end.
	if _, err := fd.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s: %w", fd.Name(), err)
	}
	return &bufferedBacking{fd: fd, buf: buf, vectored: vectored}, nil
}

func (b *bufferedBacking) region(off, n int) []byte { return b.buf[off : off+n] }

func (b *bufferedBacking) commit(off, n int) {
	b.pending = append(b.pending, pendingWrite{off: off, n: n})
}

func (b *bufferedBacking) force(headerLen int) error {
	if headerLen > 0 {
		if _, err := b.fd.WriteAt(b.buf[:headerLen], 0); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	writes := b.pending
	sort.Slice(writes, func(i, j int) bool { return writes[i].off < writes[j].off })
	if b.vectored {
		writes = coalesce(writes)
	}
	for _, w := range writes {
		if _, err := b.fd.WriteAt(b.buf[w.off:w.off+w.n], int64(w.off)); err != nil {
			return fmt.Errorf("write record at %d: %w", w.off, err)
		}
	}
	b.pending = b.pending[:0]

	if err := b.fd.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// coalesce merges sorted ranges that touch into single writes.
func coalesce(writes []pendingWrite) []pendingWrite {
	if len(writes) < 2 {
		return writes
	}
	out := make([]pendingWrite, 0, len(writes))
	cur := writes[0]
	for _, w := range writes[1:] {
		if w.off == cur.off+cur.n {
			cur.n += w.n
			continue
		}
		out = append(out, cur)
		cur = w
	}
	return append(out, cur)
}

func (b *bufferedBacking) grow(size int) error {
	if size <= len(b.buf) {
		return nil
	}
	buf := make([]byte, size)
	copy(buf, b.buf)
	if err := b.fd.Truncate(int64(size)); err != nil {
		return err
	}
	if _, err := b.fd.WriteAt(buf, 0); err != nil {
		return err
	}
	b.buf = buf
	b.pending = b.pending[:0]
	return nil
}

func (b *bufferedBacking) size() int { return len(b.buf) }

func (b *bufferedBacking) mapped() bool { return false }

func (b *bufferedBacking) release() error {
	b.buf = nil
	b.pending = nil
	return nil
}
