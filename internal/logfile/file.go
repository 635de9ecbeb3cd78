// Package logfile manages one physical recovery log file: its header, the
// append cursor, record slots and durability.
//
// A File keeps the whole file in memory, either as a shared memory mapping or
// as a private buffer. Records are encoded in place into reserved slots and
// only become durable on Force.
package logfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/roach88/rlog/internal/logerr"
	"github.com/roach88/rlog/internal/logheader"
)

// ErrNoSpace is returned by Reserve when the slot does not fit between the
// cursor and the end of the file. It is not a failure: the caller keypoints
// and retries.
var ErrNoSpace = errors.New("logfile: no space for record")

// Options configures a File.
type Options struct {
	// Path is the file location.
	Path string

	// InitialSize is the size in bytes given to a file created from nothing.
	InitialSize int

	// Identity is written into the empty header of a new file.
	Identity logheader.Identity

	// DisableMapping selects the buffered variant.
	DisableMapping bool

	// VectoredWrites coalesces adjacent pending writes into single writes on
	// force. Only meaningful for the buffered variant.
	VectoredWrites bool

	Logger *slog.Logger
}

// File is one physical log file.
type File struct {
	path   string
	fd     *os.File
	back   backing
	logger *slog.Logger

	// mu guards header, headerLen, cursor and headerSynced, and serializes
	// the backing's pending list.
	mu        sync.Mutex
	header    *logheader.Header
	headerLen int
	cursor    int

	// headerSynced is false until the header has been rewritten once since
	// open, which records the unclean-shutdown state before any new record.
	headerSynced bool
}

// Open opens or creates the file described by opts. coldStart reports whether
// the file was absent or empty and has been initialized with an empty header.
func Open(opts Options) (f *File, coldStart bool, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fd, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, false, logerr.E(logerr.CodeAllocation, "open log file", err)
	}
	st, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, false, logerr.E(logerr.CodeInternal, "stat log file", err)
	}

	size := int(st.Size())
	if size == 0 {
		coldStart = true
		size = opts.InitialSize
		if err := fd.Truncate(int64(size)); err != nil {
			fd.Close()
			return nil, false, logerr.E(logerr.CodeAllocation, "size log file", err)
		}
	}

	back, err := attach(fd, size, opts, logger)
	if err != nil {
		fd.Close()
		return nil, false, err
	}

	f = &File{
		path:   opts.Path,
		fd:     fd,
		back:   back,
		logger: logger.With("file", opts.Path),
	}

	if coldStart {
		f.logger.Info("initializing log file", "size", size, "mapped", back.mapped())
		if err := f.WriteHeader(logheader.New(opts.Identity)); err != nil {
			f.Close()
			return nil, false, err
		}
		return f, true, nil
	}

	f.header = logheader.Decode(back.region(0, size))
	if f.header.Valid() {
		f.headerLen = f.header.Len()
	}
	f.cursor = f.headerLen
	f.logger.Debug("opened log file",
		"size", size,
		"mapped", back.mapped(),
		"status", f.header.Status.String(),
		"clean", f.header.WasShutdownClean(),
	)
	return f, false, nil
}

func attach(fd *os.File, size int, opts Options, logger *slog.Logger) (backing, error) {
	if !opts.DisableMapping {
		mb, err := newMappedBacking(fd, size)
		if err == nil {
			return mb, nil
		}
		logger.Warn("memory mapping unavailable, using buffered writes", "file", opts.Path, "error", err)
	}
	bb, err := newBufferedBacking(fd, size, opts.VectoredWrites)
	if err != nil {
		return nil, logerr.E(logerr.CodeInternal, "read log file", err)
	}
	return bb, nil
}

// ReadHeader decodes the header of the file at path without opening it for
// writing.
func ReadHeader(path string) (*logheader.Header, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	st, err := fd.Stat()
	if err != nil {
		return nil, err
	}
	bb, err := newBufferedBacking(fd, int(st.Size()), false)
	if err != nil {
		return nil, err
	}
	return logheader.Decode(bb.buf), nil
}

// Path returns the file location.
func (f *File) Path() string { return f.path }

// Mapped reports whether the file uses the memory-mapped variant.
func (f *File) Mapped() bool { return f.back.mapped() }

// Header returns the in-memory header. Callers must not modify it except
// through File methods.
func (f *File) Header() *logheader.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.header
}

// Capacity returns the file size in bytes.
func (f *File) Capacity() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.back.size()
}

// HeaderLen returns the length of the header region.
func (f *File) HeaderLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headerLen
}

// Cursor returns the next write offset.
func (f *File) Cursor() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

// FreeSpace returns the bytes between the cursor and the end of the file.
func (f *File) FreeSpace() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.back.size() - f.cursor
}

// WriteHeader replaces the header, resets the cursor to the end of it and
// forces the file.
func (f *File) WriteHeader(h *logheader.Header) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := h.EncodeInto(f.back.region(0, f.back.size()))
	if err != nil {
		return err
	}
	f.header = h
	f.headerLen = n
	f.cursor = n
	f.headerSynced = true
	return f.forceLocked()
}

// RewriteHeader re-encodes the current header in place, keeping the cursor,
// and forces the file. The header length must not have changed.
func (f *File) RewriteHeader() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rewriteHeaderLocked()
}

func (f *File) rewriteHeaderLocked() error {
	if f.header == nil || f.header.Len() != f.headerLen {
		return logerr.Errorf(logerr.CodeInternal, "rewrite header", "header length changed from %d", f.headerLen)
	}
	if _, err := f.header.EncodeInto(f.back.region(0, f.headerLen)); err != nil {
		return err
	}
	f.headerSynced = true
	return f.forceLocked()
}

// WriteStatus overwrites the status field in place and forces the file.
func (f *File) WriteStatus(s logheader.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	copy(f.back.region(logheader.StatusOffset, 4), logheader.EncodeStatus(s))
	f.header.Status = s
	return f.forceLocked()
}

// Reserve grants a slot for a record with the given payload length and
// sequence number. It returns ErrNoSpace when the slot would run past the end
// of the file.
func (f *File) Reserve(payloadLen int, seq int64) (*Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.headerSynced {
		if err := f.rewriteHeaderLocked(); err != nil {
			return nil, err
		}
	}

	total := FrameOverhead + payloadLen
	if f.cursor+total > f.back.size() {
		return nil, ErrNoSpace
	}
	off := f.cursor
	f.cursor += total
	return newSlot(f, off, payloadLen, seq), nil
}

func (f *File) commit(off, n int) {
	f.mu.Lock()
	f.back.commit(off, n)
	f.mu.Unlock()
}

// Force makes all committed records and the header durable. Forcing twice in
// a row leaves the file byte-identical.
func (f *File) Force() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forceLocked()
}

func (f *File) forceLocked() error {
	if err := f.back.force(f.headerLen); err != nil {
		return logerr.E(logerr.CodeWriteFailed, "force", err)
	}
	return nil
}

// Extend grows the file to size bytes. Content and the cursor are preserved.
func (f *File) Extend(size int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	old := f.back.size()
	if err := f.back.grow(size); err != nil {
		return logerr.E(logerr.CodeAllocation, "extend log file", fmt.Errorf("%d -> %d bytes: %w", old, size, err))
	}
	f.logger.Info("extended log file", "from", old, "to", size)
	return nil
}

// Close releases the file without forcing. Anything committed but not forced
// may be lost, exactly as in a crash.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fd == nil {
		return nil
	}
	err := f.back.release()
	if cerr := f.fd.Close(); err == nil {
		err = cerr
	}
	f.fd = nil
	return err
}

// SetCleanShutdown sets the clean-shutdown flag, rewrites the header in place
// and forces the file.
func (f *File) SetCleanShutdown(clean bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.header.SetCleanShutdown(clean)
	return f.rewriteHeaderLocked()
}
