// Package logpair drives the two physical files of one recovery log: picking
// the file to recover from at open and switching files during a keypoint.
//
// At any time one file is ACTIVE and receives records. A keypoint rewrites
// the live data into the other file and then swaps them in an order that
// leaves at least one selectable ACTIVE file on disk after a crash at any
// point:
//
//	KeypointStarting    other file: INACTIVE -> KEYPOINTING, new timestamp
//	ActivateTarget      other file: KEYPOINTING -> ACTIVE (both now ACTIVE)
//	DeactivatePrevious  old file:   ACTIVE -> INACTIVE
//
// Each step is forced before the next begins. Two ACTIVE files are resolved
// by timestamp, so the newer keypoint target wins.
package logpair

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/rlog/internal/logerr"
	"github.com/roach88/rlog/internal/logfile"
	"github.com/roach88/rlog/internal/logheader"
)

// File names inside the log directory.
const (
	File1Name    = "log1"
	File2Name    = "log2"
	SentinelName = "DO NOT DELETE LOG FILES"
)

// Options configures a Pair.
type Options struct {
	// Dir holds the two log files and the sentinel.
	Dir string

	Identity logheader.Identity

	// InitialSize is the size in bytes of newly created files.
	InitialSize int

	// MaxSize bounds keypoint growth.
	MaxSize int

	DisableMapping bool
	VectoredWrites bool

	// Now supplies header timestamps. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Pair owns the two files of one log.
type Pair struct {
	opts   Options
	logger *slog.Logger
	files  [2]*logfile.File
	seq    *Sequence

	// mu serializes reservations so that sequence order matches file order,
	// and guards writer, active and serviceData.
	mu sync.Mutex
	// active is the file ACTIVE on disk; writer receives new records. They
	// differ only while a keypoint is in flight.
	active      int
	writer      int
	serviceData []byte

	recovered []logfile.Record
	wasClean  bool
	coldStart bool
}

// Paths returns the locations of file 1, file 2 and the sentinel in dir.
func Paths(dir string) (log1, log2, sentinel string) {
	return filepath.Join(dir, File1Name), filepath.Join(dir, File2Name), filepath.Join(dir, SentinelName)
}

// Inspect reads both headers in dir without opening the files for writing.
// A missing or empty file yields a nil header.
func Inspect(dir string) ([2]*logheader.Header, error) {
	var out [2]*logheader.Header
	p1, p2, _ := Paths(dir)
	for i, path := range []string{p1, p2} {
		h, err := peek(path)
		if err != nil {
			return out, err
		}
		out[i] = h
	}
	return out, nil
}

func peek(path string) (*logheader.Header, error) {
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 {
		return nil, nil
	}
	return logfile.ReadHeader(path)
}

// Open selects and opens the log in opts.Dir, creating it if it does not
// exist. On return the records of the selected file are available through
// Recovered.
//
// Incompatible and corrupted logs fail before any file is written.
func Open(opts Options) (*Pair, error) {
	const op = "open log"
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logName := opts.Identity.LogName
	logger := opts.Logger.With("log", logName)

	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, logerr.WithLog(logerr.E(logerr.CodeAllocation, op, err), logName)
	}

	p1, p2, sentinelPath := Paths(opts.Dir)
	headers, err := Inspect(opts.Dir)
	if err != nil {
		return nil, logerr.WithLog(logerr.E(logerr.CodeInternal, op, err), logName)
	}
	_, err = os.Stat(sentinelPath)
	sentinel := err == nil

	present := [2]bool{headers[0] != nil, headers[1] != nil}
	if sentinel && present[0] != present[1] {
		missing := File1Name
		if present[0] {
			missing = File2Name
		}
		return nil, logerr.WithLog(logerr.Errorf(logerr.CodeCorrupted, op, "log file %s is missing", missing), logName)
	}

	cold := !present[0] && !present[1]
	var reinit error
	chosen := 0
	if !cold {
		chosen, err = Select(headers[0], headers[1])
		switch {
		case err == nil:
			if err := headers[chosen].CheckService(opts.Identity); err != nil {
				return nil, logerr.WithLog(err, logName)
			}
		case logerr.IsCorrupted(err) && !sentinel && !stamped(headers):
			// Creation may not have finished. The files are checked for
			// records before anything is rewritten.
			cold = true
			reinit = err
		default:
			return nil, logerr.WithLog(err, logName)
		}
	}

	p := &Pair{opts: opts, logger: logger, coldStart: cold}
	for i, path := range []string{p1, p2} {
		f, _, err := logfile.Open(p.fileOptions(path))
		if err != nil {
			p.CloseImmediate()
			return nil, logerr.WithLog(err, logName)
		}
		p.files[i] = f
	}

	if reinit != nil {
		if p.files[0].MaxSequence() > 0 || p.files[1].MaxSequence() > 0 {
			p.CloseImmediate()
			return nil, logerr.WithLog(logerr.Errorf(logerr.CodeCorrupted, op,
				"log files hold records but no valid active header: %v", reinit), logName)
		}
		logger.Warn("reinitializing incomplete log", "error", reinit)
	}
	if cold {
		if err := p.initialize(); err != nil {
			p.CloseImmediate()
			return nil, logerr.WithLog(err, logName)
		}
	}
	p.active = chosen
	p.writer = chosen

	act := p.files[p.active]
	other := p.files[1-p.active]
	other.Header().ResetIdentity(act.Header())

	p.wasClean = act.Header().WasShutdownClean()
	p.serviceData = clone(act.Header().ServiceData)
	p.recovered = act.Replay()
	p.seq = NewSequence(p.seedSequence())

	if !sentinel {
		if err := os.WriteFile(sentinelPath, nil, 0o600); err != nil {
			p.CloseImmediate()
			return nil, logerr.WithLog(logerr.E(logerr.CodeAllocation, op, err), logName)
		}
	}

	logger.Info("opened recovery log",
		"file", p.active+1,
		"cold", cold,
		"clean", p.wasClean,
		"records", len(p.recovered),
		"next_seq", p.seq.Peek(),
	)
	return p, nil
}

func (p *Pair) fileOptions(path string) logfile.Options {
	return logfile.Options{
		Path:           path,
		InitialSize:    p.opts.InitialSize,
		Identity:       p.opts.Identity,
		DisableMapping: p.opts.DisableMapping,
		VectoredWrites: p.opts.VectoredWrites,
		Logger:         p.logger,
	}
}

// stamped reports whether either header was written by a completed
// creation or keypoint. The empty header a new file starts with carries no
// timestamp.
func stamped(headers [2]*logheader.Header) bool {
	for _, h := range headers {
		if h != nil && h.Valid() && h.Timestamp != 0 {
			return true
		}
	}
	return false
}

// initialize writes fresh headers: file 2 INACTIVE first, then file 1 ACTIVE.
// The first record sequence starts past any frame either file still holds.
func (p *Pair) initialize() error {
	ts := p.opts.Now().UnixMilli()
	first := max(p.files[0].MaxSequence(), p.files[1].MaxSequence()) + 1
	for _, i := range []int{1, 0} {
		f := p.files[i]
		if f.Capacity() < p.opts.InitialSize {
			if err := f.Extend(p.opts.InitialSize); err != nil {
				return err
			}
		}
		h := logheader.New(p.opts.Identity)
		h.Status = logheader.StatusInactive
		if i == 0 {
			h.Status = logheader.StatusActive
		}
		h.Timestamp = ts
		h.FirstRecordSequence = first
		if err := f.WriteHeader(h); err != nil {
			return err
		}
	}
	return nil
}

// seedSequence returns the first sequence to hand out: past every record
// recovered and every frame left in either file, and no lower than either
// header's first record sequence.
func (p *Pair) seedSequence() int64 {
	next := int64(1)
	if n := len(p.recovered); n > 0 {
		next = p.recovered[n-1].Seq + 1
	}
	for _, f := range p.files {
		if h := f.Header(); h.Valid() {
			next = max(next, h.FirstRecordSequence)
		}
		next = max(next, f.MaxSequence()+1)
	}
	return next
}

// Name returns the log name.
func (p *Pair) Name() string { return p.opts.Identity.LogName }

// Dir returns the log directory.
func (p *Pair) Dir() string { return p.opts.Dir }

// ColdStarted reports whether Open created the log.
func (p *Pair) ColdStarted() bool { return p.coldStart }

// WasShutdownClean reports whether the selected file was closed cleanly.
func (p *Pair) WasShutdownClean() bool { return p.wasClean }

// Recovered returns the records replayed from the selected file.
func (p *Pair) Recovered() []logfile.Record { return p.recovered }

// ReleaseRecovered drops the replayed records once they have been indexed.
func (p *Pair) ReleaseRecovered() { p.recovered = nil }

// NextSequence returns the sequence the next record will carry.
func (p *Pair) NextSequence() int64 { return p.seq.Peek() }

// ServiceData returns the service data that the next keypoint will persist.
func (p *Pair) ServiceData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return clone(p.serviceData)
}

// SetServiceData replaces the service data. It reaches disk at the next
// keypoint.
func (p *Pair) SetServiceData(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.serviceData = clone(b)
}

func (p *Pair) writeFile() *logfile.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files[p.writer]
}

// Reserve grants a slot in the file currently receiving records. It returns
// logfile.ErrNoSpace when the file is full.
func (p *Pair) Reserve(payloadLen int) (*logfile.Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, err := p.files[p.writer].Reserve(payloadLen, p.seq.Peek())
	if err != nil {
		return nil, err
	}
	p.seq.Next()
	return slot, nil
}

// Force makes the records committed to the current file durable.
func (p *Pair) Force() error {
	return p.writeFile().Force()
}

// FreeSpace returns the free bytes in the file receiving records.
func (p *Pair) FreeSpace() int {
	return p.writeFile().FreeSpace()
}

// Capacity returns the size of the file receiving records.
func (p *Pair) Capacity() int {
	return p.writeFile().Capacity()
}

// MaxPayloadSpace returns the record space available at the maximum file
// size.
func (p *Pair) MaxPayloadSpace() int {
	return p.opts.MaxSize - p.writeFile().HeaderLen()
}

// KeypointStarting makes the inactive file the keypoint target: its header is
// rewritten as KEYPOINTING with a timestamp newer than either file's and the
// next sequence as its first record sequence. Records reserved from here on
// go to the target.
func (p *Pair) KeypointStarting() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer != p.active {
		return logerr.Errorf(logerr.CodeInternal, "keypoint start", "keypoint already in progress")
	}
	target := 1 - p.active
	act := p.files[p.active].Header()

	ts := p.opts.Now().UnixMilli()
	for _, f := range p.files {
		ts = max(ts, f.Header().Timestamp+1)
	}
	h := logheader.New(act.Identity)
	h.Keypoint(ts, p.seq.Peek(), clone(p.serviceData))
	if err := p.files[target].WriteHeader(h); err != nil {
		return err
	}
	p.writer = target
	p.logger.Debug("keypoint started", "target", target+1, "first_seq", h.FirstRecordSequence, "timestamp", ts)
	return nil
}

// Resize grows both files to size bytes.
func (p *Pair) Resize(size int) error {
	for _, f := range p.files {
		if f.Capacity() >= size {
			continue
		}
		if err := f.Extend(size); err != nil {
			return err
		}
	}
	return nil
}

// ActivateTarget marks the keypoint target ACTIVE. The previous file stays
// ACTIVE until DeactivatePrevious.
func (p *Pair) ActivateTarget() error {
	f := p.writeFile()
	return f.WriteStatus(logheader.StatusActive)
}

// DeactivatePrevious marks the previous file INACTIVE and completes the
// switch.
func (p *Pair) DeactivatePrevious() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.files[p.active].WriteStatus(logheader.StatusInactive); err != nil {
		return err
	}
	p.logger.Debug("keypoint completed", "active", p.writer+1)
	p.active = p.writer
	return nil
}

// AbortKeypoint makes the previous active file receive records again.
func (p *Pair) AbortKeypoint() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writer = p.active
}

// ActiveFile returns 1 or 2.
func (p *Pair) ActiveFile() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active + 1
}

// Close closes both files. With clean set the active file's header records a
// clean shutdown first.
func (p *Pair) Close(clean bool) error {
	var err error
	if clean {
		if cerr := p.files[p.ActiveFile()-1].SetCleanShutdown(true); cerr != nil {
			err = fmt.Errorf("mark clean shutdown: %w", cerr)
		}
	}
	return errors.Join(err, p.CloseImmediate())
}

// CloseImmediate closes both files without writing anything.
func (p *Pair) CloseImmediate() error {
	var errs []error
	for _, f := range p.files {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	return errors.Join(errs...)
}

// FileInfo describes one file of the pair.
type FileInfo struct {
	Path          string           `json:"path"`
	Status        logheader.Status `json:"status"`
	Timestamp     int64            `json:"timestamp"`
	FirstSequence int64            `json:"first_sequence"`
	Capacity      int              `json:"capacity"`
	Used          int              `json:"used"`
	Mapped        bool             `json:"mapped"`
	Active        bool             `json:"active"`
}

// Info describes both files.
func (p *Pair) Info() [2]FileInfo {
	active := p.ActiveFile() - 1
	var out [2]FileInfo
	for i, f := range p.files {
		h := f.Header()
		out[i] = FileInfo{
			Path:          f.Path(),
			Status:        h.Status,
			Timestamp:     h.Timestamp,
			FirstSequence: h.FirstRecordSequence,
			Capacity:      f.Capacity(),
			Used:          f.Cursor(),
			Mapped:        f.Mapped(),
			Active:        i == active,
		}
	}
	return out
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
